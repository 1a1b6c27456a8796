package attach

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"
)

// ErrSignedURLUnsupported is returned by blob stores that cannot issue signed URLs.
var ErrSignedURLUnsupported = errors.New("signed URLs not supported")

// ErrTooLarge is returned when the stored stream exceeds the allowed size.
var ErrTooLarge = errors.New("file exceeds maximum size")

// FileStoreResult is the result of a file store operation.
type FileStoreResult struct {
	StorageKey string
	Size       int64
	SHA256     string
}

// BlobStore defines the interface for key-addressed object storage backends.
// Keys are chosen by the caller and never change once written.
type BlobStore interface {
	// Store writes data under storageKey and returns size and SHA256.
	Store(ctx context.Context, storageKey string, data io.Reader, maxSize int64, contentType string) (*FileStoreResult, error)
	// Retrieve returns a reader for the stored object.
	Retrieve(ctx context.Context, storageKey string) (io.ReadCloser, error)
	// Delete removes the stored object. Deleting a missing key is not an error.
	Delete(ctx context.Context, storageKey string) error
	// GetSignedURL returns a time-limited signed download URL, if supported.
	GetSignedURL(ctx context.Context, storageKey string, expiry time.Duration) (*url.URL, error)
}

// Loader creates a BlobStore from config.
type Loader func(ctx context.Context) (BlobStore, error)

// Plugin represents a blob store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a blob store plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered blob store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named blob store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown attachment store %q; valid: %v", name, Names())
}
