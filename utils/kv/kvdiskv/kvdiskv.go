// Package kvdiskv wraps diskv to a standard interface for a key-value store.
package kvdiskv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/micromdm/nanocrypt/utils/kv"
	"github.com/peterbourgon/diskv/v3"
)

// KVDiskv wraps a diskv object to implement an on-disk key-value store.
type KVDiskv struct {
	diskv *diskv.Diskv
}

func NewBucket(dv *diskv.Diskv) *KVDiskv {
	return &KVDiskv{diskv: dv}
}

// NewFileBucket creates a bucket holding the single file at path.
// It returns the key of that file within the bucket.
// The bucket writes through a temporary file in the same directory.
func NewFileBucket(path string, filePerm, pathPerm os.FileMode) (*KVDiskv, string, error) {
	if path == "" {
		return nil, "", errors.New("empty path")
	}
	dir, key := filepath.Split(filepath.Clean(path))
	if key == "" {
		return nil, "", errors.New("path has no file name")
	}
	if dir == "" {
		dir = "."
	}
	flatTransform := func(s string) []string { return []string{} }
	return NewBucket(diskv.New(diskv.Options{
		BasePath:  dir,
		TempDir:   dir,
		Transform: flatTransform,
		FilePerm:  filePerm,
		PathPerm:  pathPerm,
	})), key, nil
}

func (s *KVDiskv) Get(_ context.Context, k string) ([]byte, error) {
	v, err := s.diskv.Read(k)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", kv.ErrKeyNotFound, k)
	}
	return v, err
}

// Set writes and syncs v to k.
// Writes are atomic if the diskv was configured with a TempDir.
func (s *KVDiskv) Set(_ context.Context, k string, v []byte) error {
	return s.diskv.WriteStream(k, bytes.NewReader(v), true)
}

func (s *KVDiskv) Has(_ context.Context, k string) (bool, error) {
	return s.diskv.Has(k), nil
}

func (s *KVDiskv) Delete(_ context.Context, k string) error {
	err := s.diskv.Erase(k)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
