// Package store provides the tree-shaped document store and the order records kept in it.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	ordererrors "github.com/abgdnv/farmorders/internal/errors"
)

// Tree is an opaque key-value tree addressed by slash-separated paths.
// Values are JSON documents stored at leaf paths.
type Tree interface {
	// Read returns the value at path.
	// Returns ErrNodeNotFound if nothing is stored there.
	Read(ctx context.Context, path string) ([]byte, error)

	// ReadChildren returns the direct children of path keyed by their last path segment.
	// Returns an empty map if path has no children.
	ReadChildren(ctx context.Context, path string) (map[string][]byte, error)

	// ListKeys returns the sorted distinct path segments directly below path,
	// whether they hold a value or only lead to deeper paths.
	ListKeys(ctx context.Context, path string) ([]string, error)

	// Write stores value at path, replacing any previous value.
	Write(ctx context.Context, path string, value []byte) error

	// Delete removes path and everything below it. Deleting a missing path is not an error.
	Delete(ctx context.Context, path string) error

	// WatchChildren streams full child snapshots of path, starting with the current one.
	// The channel closes when ctx is done.
	WatchChildren(ctx context.Context, path string) (<-chan map[string][]byte, error)

	// NewKey allocates a new unique, time-ordered child key.
	NewKey() string
}

// Join builds a path from segments. Segments must be non-empty and must not contain '/'.
func Join(segments ...string) (string, error) {
	for _, s := range segments {
		if s == "" || strings.Contains(s, "/") {
			return "", fmt.Errorf("invalid path segment %q", s)
		}
	}
	return strings.Join(segments, "/"), nil
}

// split returns the parent path and last segment of path.
func split(path string) (parent, key string) {
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}

// storeErr classifies a tree error for callers: not-found passes through, everything else
// except caller cancellation is reported as ErrStoreUnavailable.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ordererrors.ErrNodeNotFound) ||
		errors.Is(err, ordererrors.ErrStoreUnavailable) ||
		errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ordererrors.ErrStoreUnavailable, err)
}
