// Package storage defines the Provider interface for blob storage backends.
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by Open for keys that were never stored.
var ErrNotFound = errors.New("blob not found")

// Provider abstracts content-addressed blob storage.
type Provider interface {
	// Exists reports whether a blob is stored under key.
	Exists(ctx context.Context, key string) (bool, error)
	// Put writes data under key. Writing an existing key replaces it.
	Put(ctx context.Context, key string, reader io.Reader) error
	// Open returns a reader for the blob at key.
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}
