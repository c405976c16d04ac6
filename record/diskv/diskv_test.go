package diskv

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/micromdm/nanocrypt/record"
	"github.com/micromdm/nanocrypt/record/test"
	"github.com/micromdm/nanocrypt/utils/secret"
)

func TestDiskvStorage(t *testing.T) {
	test.TestStorage(t, filepath.Join(t.TempDir(), "crypt_output.plist"), New())
}

func TestDiskvCorrupt(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := New()

	corrupt := filepath.Join(dir, "corrupt.plist")
	if err := os.WriteFile(corrupt, []byte("not a plist"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load(ctx, corrupt); !errors.Is(err, record.ErrCorrupt) {
		t.Errorf("expected ErrCorrupt, have: %v", err)
	}

	noKey := filepath.Join(dir, "nokey.plist")
	if err := os.WriteFile(noKey, []byte(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>SerialNumber</key>
	<string>C02ABCDEF</string>
	<key>EnabledUser</key>
	<string>alice</string>
</dict>
</plist>
`), 0600); err != nil {
		t.Fatal(err)
	}
	r, err := s.Load(ctx, noKey)
	if !errors.Is(err, record.ErrMissingField) {
		t.Errorf("expected ErrMissingField, have: %v", err)
	}
	if r == nil || r.SerialNumber != "C02ABCDEF" {
		t.Error("expected partially decoded record")
	}

	// a corrupt file still exists on disk
	found, err := s.Exists(ctx, corrupt)
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Error("expected corrupt record to exist")
	}
}

func TestDiskvNoTempFilesLeft(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "crypt_output.plist")
	s := New()
	r := &record.KeyRecord{SerialNumber: "C02ABCDEF", RecoveryKey: secret.New("AAAA-BBBB")}
	for i := 0; i < 3; i++ {
		if err := s.Save(ctx, r, path); err != nil {
			t.Fatal(err)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := len(entries), 1; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
}
