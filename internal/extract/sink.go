package extract

import (
	"bytes"
	"context"
	"fmt"
	"iter"
	"log/slog"
	"path"

	"github.com/google/uuid"

	"crimelake/internal/domain"
	"crimelake/internal/store"
)

// Compile-time interface check.
var _ BatchWriter = (*Sink)(nil)

// Sink appends each day's pages as Parquet files to an object store. Every
// run writes under a fresh run id, so nothing already written is replaced;
// running the same day twice leaves two sets of files.
type Sink struct {
	objects  store.ObjectStore
	dataset  string
	newRunID func() string
	log      *slog.Logger
}

// NewSink creates a Sink writing under the dataset prefix of objects.
func NewSink(objects store.ObjectStore, dataset string, log *slog.Logger) *Sink {
	if log == nil {
		log = slog.Default()
	}
	return &Sink{
		objects:  objects,
		dataset:  dataset,
		newRunID: newRunID,
		log:      log,
	}
}

// newRunID returns a time-ordered identifier, so run files sort by run.
func newRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// ObjectKey returns
// "<dataset>/<table>/year=<Y>/month=<M>/day=<D>/<runID>.<fileID>.parquet".
func ObjectKey(dataset string, key domain.PartitionKey, runID string, fileID int) string {
	return path.Join(dataset, key.Path(), fmt.Sprintf("%s.%d.parquet", runID, fileID))
}

// Write drains pages, writing one file per non-empty page. It stops at the
// first fetch or store error; files already written for the run stay.
func (s *Sink) Write(ctx context.Context, pages iter.Seq2[domain.Page, error], key domain.PartitionKey) (domain.LoadInfo, error) {
	info := domain.LoadInfo{RunID: s.newRunID(), Partition: key}

	for page, err := range pages {
		if err != nil {
			return info, err
		}
		info.Pages++
		if len(page.Records) == 0 {
			continue
		}

		data, err := store.EncodeRecordsBytes(page.Records)
		if err != nil {
			return info, fmt.Errorf("encoding page at offset %d: %w", page.Offset, err)
		}

		objKey := ObjectKey(s.dataset, key, info.RunID, info.Files)
		if err := s.objects.Put(ctx, objKey, bytes.NewReader(data)); err != nil {
			return info, fmt.Errorf("writing %s: %w", objKey, err)
		}

		info.Files++
		info.Rows += len(page.Records)
		info.Bytes += int64(len(data))
		info.Keys = append(info.Keys, objKey)
		s.log.Debug("parquet file written", "key", objKey, "rows", len(page.Records), "bytes", len(data))
	}
	return info, nil
}
