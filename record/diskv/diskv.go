// Package diskv implements a diskv-backed key record storage backend.
package diskv

import (
	"sync"

	"github.com/micromdm/nanocrypt/record/kv"
	kvbucket "github.com/micromdm/nanocrypt/utils/kv"
	"github.com/micromdm/nanocrypt/utils/kv/kvdiskv"
)

// Diskv stores each key record as a file at its own path.
// Writes go to a temporary file in the same directory which is then
// synced and renamed over the record, so a record is never half-written.
type Diskv struct {
	*kv.KV

	mu      sync.Mutex
	buckets map[string]kvbucket.Bucket
	keys    map[string]string
}

func New() *Diskv {
	s := &Diskv{
		buckets: make(map[string]kvbucket.Bucket),
		keys:    make(map[string]string),
	}
	s.KV = kv.New(s.locate)
	return s
}

func (s *Diskv) locate(path string) (kvbucket.Bucket, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.buckets[path]; ok {
		return b, s.keys[path], nil
	}
	b, key, err := kvdiskv.NewFileBucket(path, 0600, 0700)
	if err != nil {
		return nil, "", err
	}
	s.buckets[path] = b
	s.keys[path] = key
	return b, key, nil
}
