// Package store defines the storage interfaces the extractor writes through
// and their implementations: a local directory tree, an S3-compatible
// bucket, Parquet encoding, and a SQLite database for extraction state and
// the local analytical copy.
package store

import (
	"context"
	"errors"
	"io"

	"crimelake/internal/domain"
)

// ErrNotFound is returned when an object or cursor does not exist.
var ErrNotFound = errors.New("not found")

// ObjectStore is a flat key/value blob store with "/"-separated keys.
type ObjectStore interface {
	// Put stores the contents of r under key, replacing any existing object.
	Put(ctx context.Context, key string, r io.Reader) error

	// Get opens the object stored under key. Missing keys yield ErrNotFound.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// List returns all keys starting with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)
}

// FileDownloader is implemented by stores that can write an object straight
// to a local file more efficiently than streaming Get.
type FileDownloader interface {
	DownloadFile(ctx context.Context, key, path string) error
}

// CursorStore persists the last fully extracted day per pipeline.
type CursorStore interface {
	// LoadCursor returns the last completed day; ok is false when the
	// pipeline has never completed a day.
	LoadCursor(ctx context.Context, pipeline string) (day domain.Day, ok bool, err error)

	// SaveCursor records day as the last completed day.
	SaveCursor(ctx context.Context, pipeline string, day domain.Day) error
}

// RunRecorder keeps a history of day runs.
type RunRecorder interface {
	RecordRun(ctx context.Context, pipeline string, s domain.RunSummary) error
}
