package kvdiskv

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/micromdm/nanocrypt/utils/kv"
	"github.com/peterbourgon/diskv/v3"
)

func TestKVDiskv(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	b := NewBucket(diskv.New(diskv.Options{
		BasePath:  dir,
		TempDir:   dir,
		Transform: func(s string) []string { return []string{} },
	}))

	if _, err := b.Get(ctx, "missing"); !errors.Is(err, kv.ErrKeyNotFound) {
		t.Errorf("expected ErrKeyNotFound, have: %v", err)
	}

	if err := b.Set(ctx, "k", []byte("v")); err != nil {
		t.Fatal(err)
	}
	found, err := b.Has(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Error("expected key to exist")
	}
	v, err := b.Get(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := string(v), "v"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	if err = b.Delete(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	// deleting again must not fail
	if err = b.Delete(ctx, "k"); err != nil {
		t.Errorf("second delete: %v", err)
	}
	if found, _ = b.Has(ctx, "k"); found {
		t.Error("expected key to be deleted")
	}
}

func TestNewFileBucket(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sub", "crypt_output.plist")
	b, key, err := NewFileBucket(path, 0600, 0700)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := key, "crypt_output.plist"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if err = b.Set(ctx, key, []byte("v")); err != nil {
		t.Fatal(err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := string(raw), "v"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	for _, bad := range []string{"", "/"} {
		if _, _, err := NewFileBucket(bad, 0600, 0700); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}
