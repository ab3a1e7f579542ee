// Package extract implements the incremental day-by-day extraction loop:
// a cursor over calendar days, the per-day Socrata query, a paged fetch and
// a sink that appends each day's pages as Parquet files under a
// year/month/day partition.
package extract

import (
	"context"
	"iter"

	"crimelake/internal/domain"
)

// Extractor is the interface for the extraction loop.
type Extractor interface {
	// Name returns the pipeline identifier.
	Name() string
	// Run extracts every day from the checkpoint up to today and returns.
	Run(ctx context.Context) error
}

// PageSource yields the pages for one request.
type PageSource interface {
	Pages(ctx context.Context, req FetchRequest) iter.Seq2[domain.Page, error]
}

// BatchWriter consumes a day's pages and places them under key.
type BatchWriter interface {
	Write(ctx context.Context, pages iter.Seq2[domain.Page, error], key domain.PartitionKey) (domain.LoadInfo, error)
}
