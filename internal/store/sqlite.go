package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"crimelake/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ CursorStore = (*SQLiteStore)(nil)
var _ RunRecorder = (*SQLiteStore)(nil)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS extraction_cursor (
	pipeline       TEXT PRIMARY KEY,
	last_completed TEXT NOT NULL,
	updated_at     TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS runs (
	run_id      TEXT PRIMARY KEY,
	pipeline    TEXT NOT NULL,
	day         TEXT NOT NULL,
	rows        INTEGER NOT NULL,
	pages       INTEGER NOT NULL,
	files       INTEGER NOT NULL,
	bytes       INTEGER NOT NULL,
	elapsed_ms  INTEGER NOT NULL,
	finished_at TEXT NOT NULL
);
`

// SQLiteStore keeps extraction state (cursor and run history) and doubles as
// the local analytical database the Parquet output is loaded into.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and creates
// the state tables if needed.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// One writer at a time; the driver serialises anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating state tables: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// CursorStore implementation
// ---------------------------------------------------------------------------

// LoadCursor returns the last completed day recorded for pipeline.
func (s *SQLiteStore) LoadCursor(ctx context.Context, pipeline string) (domain.Day, bool, error) {
	var last string
	err := s.db.QueryRowContext(ctx,
		`SELECT last_completed FROM extraction_cursor WHERE pipeline = ?`, pipeline).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Day{}, false, nil
	}
	if err != nil {
		return domain.Day{}, false, err
	}
	day, err := domain.ParseDay(last)
	if err != nil {
		return domain.Day{}, false, err
	}
	return day, true, nil
}

// SaveCursor upserts the last completed day for pipeline.
func (s *SQLiteStore) SaveCursor(ctx context.Context, pipeline string, day domain.Day) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO extraction_cursor (pipeline, last_completed, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(pipeline) DO UPDATE SET
			last_completed = excluded.last_completed,
			updated_at     = excluded.updated_at`,
		pipeline, day.String(), time.Now().UTC().Format(time.RFC3339))
	return err
}

// ---------------------------------------------------------------------------
// Run history
// ---------------------------------------------------------------------------

// RunRecord is one row of the runs table.
type RunRecord struct {
	RunID     string
	Day       string
	Rows      int
	Pages     int
	Files     int
	Bytes     int64
	ElapsedMS int64
}

// RecordRun appends the summary of a finished day run.
func (s *SQLiteStore) RecordRun(ctx context.Context, pipeline string, sum domain.RunSummary) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, pipeline, day, rows, pages, files, bytes, elapsed_ms, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sum.Load.RunID, pipeline, sum.Day.String(),
		sum.Load.Rows, sum.Load.Pages, sum.Load.Files, sum.Load.Bytes,
		sum.Elapsed.Milliseconds(), time.Now().UTC().Format(time.RFC3339))
	return err
}

// ListRuns returns the run history for pipeline, oldest day first.
func (s *SQLiteStore) ListRuns(ctx context.Context, pipeline string) ([]RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, day, rows, pages, files, bytes, elapsed_ms
		FROM runs WHERE pipeline = ? ORDER BY day, finished_at`, pipeline)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var r RunRecord
		if err := rows.Scan(&r.RunID, &r.Day, &r.Rows, &r.Pages, &r.Files, &r.Bytes, &r.ElapsedMS); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Analytical tables
// ---------------------------------------------------------------------------

// TableWriter fills a freshly created table inside one transaction. Columns
// are added as new keys show up, all typed TEXT.
type TableWriter struct {
	tx      *sql.Tx
	table   string
	columns map[string]bool
	stmts   map[string]*sql.Stmt
	rows    int64
}

// ReplaceTable drops table if it exists and creates it empty with the given
// initial columns.
func (s *SQLiteStore) ReplaceTable(ctx context.Context, table string, columns ...string) (*TableWriter, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS `+quoteIdent(table)); err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("dropping %s: %w", table, err)
	}

	defs := make([]string, 0, len(columns))
	cols := make(map[string]bool, len(columns))
	for _, c := range columns {
		if cols[c] {
			continue
		}
		cols[c] = true
		defs = append(defs, quoteIdent(c)+" TEXT")
	}
	if len(defs) == 0 {
		tx.Rollback()
		return nil, errors.New("table needs at least one column")
	}
	create := fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(table), strings.Join(defs, ", "))
	if _, err := tx.ExecContext(ctx, create); err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("creating %s: %w", table, err)
	}

	return &TableWriter{
		tx:      tx,
		table:   table,
		columns: cols,
		stmts:   make(map[string]*sql.Stmt),
	}, nil
}

// Insert adds one row. Keys that are not yet columns are added first.
func (w *TableWriter) Insert(ctx context.Context, row map[string]string) error {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if w.columns[k] {
			continue
		}
		alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s TEXT", quoteIdent(w.table), quoteIdent(k))
		if _, err := w.tx.ExecContext(ctx, alter); err != nil {
			return fmt.Errorf("adding column %s: %w", k, err)
		}
		w.columns[k] = true
	}

	sig := strings.Join(keys, "\x00")
	stmt, ok := w.stmts[sig]
	if !ok {
		quoted := make([]string, len(keys))
		marks := make([]string, len(keys))
		for i, k := range keys {
			quoted[i] = quoteIdent(k)
			marks[i] = "?"
		}
		q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			quoteIdent(w.table), strings.Join(quoted, ", "), strings.Join(marks, ", "))
		var err error
		stmt, err = w.tx.PrepareContext(ctx, q)
		if err != nil {
			return err
		}
		w.stmts[sig] = stmt
	}

	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = row[k]
	}
	if _, err := stmt.ExecContext(ctx, args...); err != nil {
		return err
	}
	w.rows++
	return nil
}

// Rows returns the number of rows inserted so far.
func (w *TableWriter) Rows() int64 { return w.rows }

// Commit closes prepared statements and commits the transaction.
func (w *TableWriter) Commit() error {
	w.closeStmts()
	return w.tx.Commit()
}

// Rollback abandons the table replacement.
func (w *TableWriter) Rollback() error {
	w.closeStmts()
	return w.tx.Rollback()
}

func (w *TableWriter) closeStmts() {
	for _, st := range w.stmts {
		st.Close()
	}
	w.stmts = map[string]*sql.Stmt{}
}

// CountRows returns SELECT count(*) for table.
func (s *SQLiteStore) CountRows(ctx context.Context, table string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM `+quoteIdent(table)).Scan(&n)
	return n, err
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
