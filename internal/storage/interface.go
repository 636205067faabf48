package storage

import (
	"context"
	"io"
)

// ObjectStore defines the interface for durable, namespaced asset storage.
// Paths are owner-namespaced: "{sessionID}/..." in the guest realm and
// "{userID}/..." in the authenticated realm.
type ObjectStore interface {
	// Store saves content at the given path with attached object metadata
	Store(ctx context.Context, path string, content io.Reader, contentType string, metadata map[string]string) error

	// Retrieve gets content from the given path
	Retrieve(ctx context.Context, path string) (io.ReadCloser, error)

	// Delete removes content at the given path
	Delete(ctx context.Context, path string) error

	// Exists checks if content exists at the given path
	Exists(ctx context.Context, path string) (bool, error)

	// GetSize returns the size of content at the given path
	GetSize(ctx context.Context, path string) (int64, error)

	// List returns paths matching the prefix
	List(ctx context.Context, prefix string) ([]string, error)

	// URL returns the publicly resolvable URL for a stored path
	URL(path string) string
}
