package dbsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"crimelake/internal/store"
)

// FilenameColumn holds the object key each loaded row came from.
const FilenameColumn = "filename"

// ErrNoParquetFiles is returned when the prefix holds no Parquet objects.
var ErrNoParquetFiles = errors.New("no parquet files found")

// LoadResult summarises a table rebuild.
type LoadResult struct {
	Table   string
	Files   int
	Rows    int64
	Elapsed time.Duration
}

// LoadParquet replaces table in db with every row of every Parquet object
// under prefix. Columns are the union of the files' columns plus
// FilenameColumn. The table is rebuilt inside one transaction, so a failure
// leaves the previous table in place.
func LoadParquet(ctx context.Context, objects store.ObjectStore, db *store.SQLiteStore, prefix, table string, log *slog.Logger) (LoadResult, error) {
	if log == nil {
		log = slog.Default()
	}
	res := LoadResult{Table: table}
	start := time.Now()

	keys, err := objects.List(ctx, prefix)
	if err != nil {
		return res, fmt.Errorf("listing %s: %w", prefix, err)
	}
	var files []string
	for _, k := range keys {
		if strings.HasSuffix(k, ".parquet") {
			files = append(files, k)
		}
	}
	if len(files) == 0 {
		return res, fmt.Errorf("%s: %w", prefix, ErrNoParquetFiles)
	}

	w, err := db.ReplaceTable(ctx, table, FilenameColumn)
	if err != nil {
		return res, err
	}

	for _, key := range files {
		if err := ctx.Err(); err != nil {
			w.Rollback()
			return res, err
		}
		n, err := loadFile(ctx, objects, w, key)
		if err != nil {
			w.Rollback()
			return res, fmt.Errorf("loading %s: %w", key, err)
		}
		res.Files++
		log.Debug("parquet file loaded", "key", key, "rows", n)
	}

	if err := w.Commit(); err != nil {
		return res, fmt.Errorf("committing %s: %w", table, err)
	}
	res.Elapsed = time.Since(start)

	res.Rows, err = db.CountRows(ctx, table)
	if err != nil {
		return res, fmt.Errorf("counting %s: %w", table, err)
	}

	log.Info("table rebuilt",
		"table", table,
		"files", res.Files,
		"rows", res.Rows,
		"elapsed_s", res.Elapsed.Seconds(),
	)
	return res, nil
}

func loadFile(ctx context.Context, objects store.ObjectStore, w *store.TableWriter, key string) (int, error) {
	rc, err := objects.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return 0, err
	}

	_, rows, err := store.DecodeRecords(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0, err
	}
	for _, row := range rows {
		row[FilenameColumn] = key
		if err := w.Insert(ctx, row); err != nil {
			return 0, err
		}
	}
	return len(rows), nil
}
