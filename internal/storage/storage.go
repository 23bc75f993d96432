// Package storage keeps files produced and consumed by storage.* actions.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

var ErrNotFound = errors.New("file not found")

// FileInfo describes a stored file.
type FileInfo struct {
	ID          string    `json:"id"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"contentType"`
	Size        int64     `json:"size"`
	Path        string    `json:"path"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Store is the interface for file persistence backends.
type Store interface {
	// Put stores the content of r and returns its metadata.
	Put(ctx context.Context, filename, contentType string, r io.Reader) (*FileInfo, error)
	// Open returns the metadata and content of a stored file.
	Open(ctx context.Context, id string) (*FileInfo, io.ReadCloser, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]FileInfo, error)
}
