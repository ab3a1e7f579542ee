package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/parquet-go/parquet-go"

	"crimelake/internal/domain"
)

// ---------------------------------------------------------------------------
// Parquet encoding (schema derived from the data)
// ---------------------------------------------------------------------------

// recordSchema builds a flat schema with one optional UTF-8 column per name.
// parquet.Group orders its fields by name, so leaf column i is names[i] as
// long as names is sorted.
func recordSchema(names []string) *parquet.Schema {
	group := make(parquet.Group, len(names))
	for _, name := range names {
		group[name] = parquet.Optional(parquet.String())
	}
	return parquet.NewSchema("record", group)
}

// ColumnNames returns the sorted union of keys across records.
func ColumnNames(records []domain.Record) []string {
	seen := make(map[string]struct{})
	for _, r := range records {
		for k := range r {
			seen[k] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for k := range seen {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// EncodeRecords writes records to w as a single Parquet file. Every column
// is an optional string; missing keys and JSON nulls become nulls, nested
// values are kept as their JSON text. It returns the column names written.
func EncodeRecords(w io.Writer, records []domain.Record) ([]string, error) {
	names := ColumnNames(records)
	if len(names) == 0 {
		return nil, errors.New("no columns to encode")
	}

	pw := parquet.NewWriter(w, recordSchema(names))

	const batch = 1024
	rows := make([]parquet.Row, 0, batch)
	flush := func() error {
		if len(rows) == 0 {
			return nil
		}
		if _, err := pw.WriteRows(rows); err != nil {
			return err
		}
		rows = rows[:0]
		return nil
	}

	for _, rec := range records {
		row := make(parquet.Row, len(names))
		for i, name := range names {
			v, ok := rec[name]
			if !ok || v == nil {
				row[i] = parquet.NullValue().Level(0, 0, i)
				continue
			}
			s, err := stringify(v)
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", name, err)
			}
			row[i] = parquet.ByteArrayValue([]byte(s)).Level(0, 1, i)
		}
		rows = append(rows, row)
		if len(rows) == batch {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}
	if err := pw.Close(); err != nil {
		return nil, err
	}
	return names, nil
}

// EncodeRecordsBytes is EncodeRecords into a fresh buffer.
func EncodeRecordsBytes(records []domain.Record) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := EncodeRecords(&buf, records); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func stringify(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case json.Number:
		return x.String(), nil
	case bool:
		return strconv.FormatBool(x), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}

// ---------------------------------------------------------------------------
// Parquet decoding
// ---------------------------------------------------------------------------

// DecodeRecords reads every row of a flat Parquet file. Values come back as
// strings; null values are omitted from the row map. The column names are
// returned in schema order.
func DecodeRecords(r io.ReaderAt, size int64) ([]string, []map[string]string, error) {
	f, err := parquet.OpenFile(r, size)
	if err != nil {
		return nil, nil, fmt.Errorf("opening parquet file: %w", err)
	}

	fields := f.Schema().Fields()
	names := make([]string, len(fields))
	for i, fld := range fields {
		names[i] = fld.Name()
	}

	var out []map[string]string
	buf := make([]parquet.Row, 128)
	for _, rg := range f.RowGroups() {
		rows := rg.Rows()
		for {
			n, err := rows.ReadRows(buf)
			for _, row := range buf[:n] {
				rec := make(map[string]string, len(names))
				for _, v := range row {
					if v.IsNull() {
						continue
					}
					col := v.Column()
					if col < 0 || col >= len(names) {
						continue
					}
					rec[names[col]] = string(v.ByteArray())
				}
				out = append(out, rec)
			}
			if err == io.EOF {
				break
			}
			if err != nil {
				rows.Close()
				return nil, nil, fmt.Errorf("reading rows: %w", err)
			}
		}
		rows.Close()
	}
	return names, out, nil
}
