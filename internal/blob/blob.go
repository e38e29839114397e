// Package blob defines the object-storage boundary of the pipeline. The
// message store is written against this interface so the core runs unchanged
// against S3-compatible storage in production and an in-memory store in tests.
package blob

import (
	"context"
	"errors"
	"io"
)

// ErrNotExist is returned by Get and Head when no object exists at the key.
var ErrNotExist = errors.New("object does not exist")

// ListInput selects objects by key prefix. With a Delimiter, keys containing
// the delimiter after the prefix are rolled up into CommonPrefixes, one per
// distinct segment.
type ListInput struct {
	Prefix    string
	Delimiter string
	Limit     int32
	Cursor    string
}

// ListOutput is one page of a listing. Cursor is non-empty when more results
// remain; pass it back verbatim in the next ListInput.
type ListOutput struct {
	Keys           []string
	CommonPrefixes []string
	Cursor         string
}

// Store is key-value object storage with per-object custom metadata and
// prefix+delimiter listing. No locking or cross-key transactions exist; all
// callers must cope with read-compute-write races.
type Store interface {
	// Put writes an object. A negative size means the length is unknown and
	// the implementation must consume body to determine it. Returns the
	// number of bytes stored.
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string, metadata map[string]string) (int64, error)
	// Get returns the object body and its custom metadata.
	Get(ctx context.Context, key string) ([]byte, map[string]string, error)
	// Head returns only the custom metadata.
	Head(ctx context.Context, key string) (map[string]string, error)
	// Delete removes an object. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// List returns one page of keys and common prefixes under a prefix.
	List(ctx context.Context, in ListInput) (*ListOutput, error)
}
