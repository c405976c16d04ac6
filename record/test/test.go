// Package test runs shared tests against key record storage backends.
package test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/micromdm/nanocrypt/record"
	"github.com/micromdm/nanocrypt/utils/secret"
)

// TestStorage exercises s using records at path.
func TestStorage(t *testing.T, path string, s record.Storage) {
	ctx := context.Background()

	if _, err := s.Load(ctx, path); !errors.Is(err, record.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, have: %v", err)
	}

	found, err := s.Exists(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Error("expected record to not exist")
	}

	// removing a missing record is fine
	if err = s.Remove(ctx, path); err != nil {
		t.Errorf("remove missing: %v", err)
	}

	lastRun := time.Date(2023, 5, 1, 12, 30, 0, 0, time.UTC)
	r := &record.KeyRecord{
		SerialNumber:  "C02ABCDEF",
		RecoveryKey:   secret.New("AAAA-BBBB-CCCC-DDDD-EEEE-FFFF"),
		EnabledUser:   "alice",
		HardwareUUID:  "8A1F3E80-0E1B-4E2B-8E2A-6A2D6B7D1C00",
		LastRun:       &lastRun,
		EscrowSuccess: true,
	}
	if err = s.Save(ctx, r, path); err != nil {
		t.Fatal(err)
	}

	if found, err = s.Exists(ctx, path); err != nil {
		t.Fatal(err)
	} else if !found {
		t.Error("expected record to exist")
	}

	r2, err := s.Load(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := r2.SerialNumber, r.SerialNumber; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := r2.RecoveryKey.Reveal(), r.RecoveryKey.Reveal(); have != want {
		t.Errorf("recovery key mismatch")
	}
	if have, want := r2.EnabledUser, r.EnabledUser; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := r2.HardwareUUID, r.HardwareUUID; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if r2.LastRun == nil {
		t.Fatal("expected last run")
	}
	if have, want := r2.LastRun.Unix(), lastRun.Unix(); have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := r2.EscrowSuccess, true; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	// overwrite with a different record
	r3 := &record.KeyRecord{SerialNumber: "C02ABCDEF", RecoveryKey: secret.New("NEW-KEY")}
	if err = s.Save(ctx, r3, path); err != nil {
		t.Fatal(err)
	}
	r2, err = s.Load(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := r2.RecoveryKey.Reveal(), "NEW-KEY"; have != want {
		t.Errorf("recovery key not replaced")
	}
	if r2.LastRun != nil {
		t.Error("expected no last run after overwrite")
	}

	if err = s.Remove(ctx, path); err != nil {
		t.Fatal(err)
	}
	if err = s.Remove(ctx, path); err != nil {
		t.Errorf("second remove: %v", err)
	}
	if _, err := s.Load(ctx, path); !errors.Is(err, record.ErrNotFound) {
		t.Errorf("expected ErrNotFound, have: %v", err)
	}
}
