// Package inmem implements an in-memory key record storage backend.
package inmem

import (
	"github.com/micromdm/nanocrypt/record/kv"
	kvbucket "github.com/micromdm/nanocrypt/utils/kv"
	"github.com/micromdm/nanocrypt/utils/kv/kvmap"
)

// InMem implements an in-memory key record storage backend.
// Records are keyed by their full path.
type InMem struct {
	*kv.KV
}

func New() *InMem {
	b := kvmap.NewBucket()
	return &InMem{KV: kv.New(func(path string) (kvbucket.Bucket, string, error) {
		return b, path, nil
	})}
}
