// Package kv implements key record storage on top of a key-value store.
package kv

import (
	"context"
	"errors"
	"fmt"

	"github.com/micromdm/nanocrypt/record"
	"github.com/micromdm/nanocrypt/utils/kv"
)

// Locator maps a record path to the bucket and key that hold it.
type Locator func(path string) (b kv.Bucket, key string, err error)

// KV is a key record storage backend based on a key-value store.
type KV struct {
	locate Locator
}

func New(locate Locator) *KV {
	return &KV{locate: locate}
}

// Load retrieves and decodes the record at path.
func (s *KV) Load(ctx context.Context, path string) (*record.KeyRecord, error) {
	b, key, err := s.locate(path)
	if err != nil {
		return nil, fmt.Errorf("locating %s: %w", path, err)
	}
	raw, err := b.Get(ctx, key)
	if errors.Is(err, kv.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", record.ErrNotFound, path)
	} else if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	r, err := record.Unmarshal(raw)
	if err != nil {
		return r, fmt.Errorf("decoding %s: %w", path, err)
	}
	return r, nil
}

// Save encodes and writes r to path.
func (s *KV) Save(ctx context.Context, r *record.KeyRecord, path string) error {
	raw, err := record.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}
	b, key, err := s.locate(path)
	if err != nil {
		return fmt.Errorf("locating %s: %w", path, err)
	}
	if err = b.Set(ctx, key, raw); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// Remove deletes the record at path.
func (s *KV) Remove(ctx context.Context, path string) error {
	b, key, err := s.locate(path)
	if err != nil {
		return fmt.Errorf("locating %s: %w", path, err)
	}
	if err = b.Delete(ctx, key); err != nil {
		return fmt.Errorf("deleting %s: %w", path, err)
	}
	return nil
}

// Exists reports whether a record is stored at path.
func (s *KV) Exists(ctx context.Context, path string) (bool, error) {
	b, key, err := s.locate(path)
	if err != nil {
		return false, fmt.Errorf("locating %s: %w", path, err)
	}
	return b.Has(ctx, key)
}
