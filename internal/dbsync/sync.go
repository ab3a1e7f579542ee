// Package dbsync moves the local analytical database file to and from the
// data bucket and rebuilds its raw table from the extracted Parquet files.
package dbsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"crimelake/internal/store"
)

// ErrLocalFileMissing is returned by Upload when the database file does not
// exist locally.
var ErrLocalFileMissing = errors.New("local file not found")

// ObjectKey returns the key a local file is stored under: its base name.
func ObjectKey(localPath string) string {
	return filepath.Base(localPath)
}

// Upload copies the file at localPath into objects under its base name.
func Upload(ctx context.Context, objects store.ObjectStore, localPath string, log *slog.Logger) error {
	f, err := os.Open(localPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s: %w", localPath, ErrLocalFileMissing)
		}
		return err
	}
	defer f.Close()

	key := ObjectKey(localPath)
	if err := objects.Put(ctx, key, f); err != nil {
		return fmt.Errorf("upload failed: %w", err)
	}
	if log != nil {
		log.Info("file uploaded", "path", localPath, "key", key)
	}
	return nil
}

// Download writes the object stored under localPath's base name back to
// localPath. A missing object yields store.ErrNotFound.
func Download(ctx context.Context, objects store.ObjectStore, localPath string, log *slog.Logger) error {
	key := ObjectKey(localPath)

	if d, ok := objects.(store.FileDownloader); ok {
		if err := d.DownloadFile(ctx, key, localPath); err != nil {
			return fmt.Errorf("download failed: %w", err)
		}
	} else if err := copyObject(ctx, objects, key, localPath); err != nil {
		return fmt.Errorf("download failed: %w", err)
	}

	if log != nil {
		log.Info("file downloaded", "key", key, "path", localPath)
	}
	return nil
}

func copyObject(ctx context.Context, objects store.ObjectStore, key, localPath string) error {
	rc, err := objects.Get(ctx, key)
	if err != nil {
		return err
	}
	defer rc.Close()
	return store.WriteFileAtomic(localPath, rc)
}
