package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"crimelake/internal/domain"
)

// Compile-time interface check.
var _ CursorStore = (*MarkerCursor)(nil)

// MarkerCursor keeps the last completed day in a small ".last-completed"
// object next to the pipeline's output, so the checkpoint travels with the
// data it describes.
type MarkerCursor struct {
	objects ObjectStore
	prefix  string
}

// NewMarkerCursor stores markers under prefix in objects.
func NewMarkerCursor(objects ObjectStore, prefix string) *MarkerCursor {
	return &MarkerCursor{objects: objects, prefix: prefix}
}

func (c *MarkerCursor) key(pipeline string) string {
	return path.Join(c.prefix, pipeline, ".last-completed")
}

// LoadCursor reads the marker for pipeline.
func (c *MarkerCursor) LoadCursor(ctx context.Context, pipeline string) (domain.Day, bool, error) {
	rc, err := c.objects.Get(ctx, c.key(pipeline))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return domain.Day{}, false, nil
		}
		return domain.Day{}, false, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return domain.Day{}, false, err
	}
	s := strings.TrimSpace(string(data))
	if s == "" {
		return domain.Day{}, false, nil
	}
	day, err := domain.ParseDay(s)
	if err != nil {
		return domain.Day{}, false, fmt.Errorf("corrupt cursor %s: %w", c.key(pipeline), err)
	}
	return day, true, nil
}

// SaveCursor overwrites the marker for pipeline with day.
func (c *MarkerCursor) SaveCursor(ctx context.Context, pipeline string, day domain.Day) error {
	return c.objects.Put(ctx, c.key(pipeline), strings.NewReader(day.String()))
}
