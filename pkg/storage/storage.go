// Package storage keeps encoded query results as immutable blobs so the
// tile endpoint can answer repeated requests without touching the database.
// Blobs live on local disk, in an S3-compatible bucket, or in memory.
//
// Paths are forward-slash separated and relative to the store root, e.g.
// "v42/2_1_3_b2-125000-5000.bin".
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

// Sentinel errors.
var (
	// ErrNotFound is returned by Get for absent blobs.
	ErrNotFound = errors.New("storage: not found")

	// ErrInvalidPath is returned for empty, absolute or escaping paths.
	ErrInvalidPath = errors.New("storage: invalid path")
)

// BlobStore stores small immutable byte blobs.
// Implementations must be safe for concurrent use.
type BlobStore interface {
	// Get returns the content of p or an error wrapping ErrNotFound.
	Get(ctx context.Context, p string) ([]byte, error)

	// Put writes p, replacing any previous content.
	Put(ctx context.Context, p string, data []byte) error

	// Delete removes p. Deleting an absent blob is not an error.
	Delete(ctx context.Context, p string) error

	// Exists reports whether p is present.
	Exists(ctx context.Context, p string) (bool, error)

	// List returns the paths starting with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// CleanPath validates p and returns its canonical form.
func CleanPath(p string) (string, error) {
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, `\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	c := path.Clean(p)
	if c == "." || c == ".." || strings.HasPrefix(c, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	return c, nil
}

// DeletePrefix removes every blob under prefix and returns how many were
// removed.
func DeletePrefix(ctx context.Context, s BlobStore, prefix string) (int, error) {
	paths, err := s.List(ctx, prefix)
	if err != nil {
		return 0, err
	}
	for i, p := range paths {
		if err := s.Delete(ctx, p); err != nil {
			return i, err
		}
	}
	return len(paths), nil
}
