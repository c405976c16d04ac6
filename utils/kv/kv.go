// Package kv defines an interface for key-value store.
package kv

import (
	"context"
	"errors"
)

// ErrKeyNotFound is returned (possibly wrapped) when a key is not in a bucket.
var ErrKeyNotFound = errors.New("key not found")

// Bucket defines basic CRUD operations for key-value pairs in a single "namespace."
// Deleting a key that does not exist is not an error.
type Bucket interface {
	Get(ctx context.Context, k string) (v []byte, err error)
	Set(ctx context.Context, k string, v []byte) error
	Has(ctx context.Context, k string) (found bool, err error)
	Delete(ctx context.Context, k string) error
}
