// Package storage abstracts where datasets are read from and where training
// artifacts land. The trainer consumes JSONL files and writes a model
// directory, eval_metrics.json, and labels.json through the [FileStore]
// interface, so the same run can target local disk or an S3 prefix without
// touching the training code.
package storage

import (
	"context"
	"fmt"
	"io"
)

// FileStore is a minimal interface for file-oriented storage.
//
// Paths are forward-slash separated. Depending on the implementation they
// are either keys under a configured root/prefix or raw filesystem paths.
// Implementations must be safe for concurrent use.
type FileStore interface {
	// Read opens the named file for reading.
	// The caller must close the returned ReadCloser when done.
	// If the file does not exist, an error wrapping os.ErrNotExist is returned.
	Read(ctx context.Context, path string) (io.ReadCloser, error)

	// Write opens the named file for writing.
	// If the file already exists it is truncated.
	// Parent directories (where the backend has them) are created
	// automatically. The caller must close the returned WriteCloser to
	// flush data.
	Write(ctx context.Context, path string) (io.WriteCloser, error)

	// Delete removes the named file.
	// If the file does not exist, Delete returns nil (idempotent).
	Delete(ctx context.Context, path string) error

	// Exists reports whether the named file exists.
	Exists(ctx context.Context, path string) (bool, error)
}

// ReadAll reads the entire named file from the store.
func ReadAll(ctx context.Context, fs FileStore, path string) ([]byte, error) {
	rc, err := fs.Read(ctx, path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", path, err)
	}
	return data, nil
}

// WriteAll writes data to the named file in the store.
func WriteAll(ctx context.Context, fs FileStore, path string, data []byte) error {
	wc, err := fs.Write(ctx, path)
	if err != nil {
		return err
	}
	if _, err := wc.Write(data); err != nil {
		wc.Close()
		return fmt.Errorf("storage: write %s: %w", path, err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("storage: write %s: %w", path, err)
	}
	return nil
}
