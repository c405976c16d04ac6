// Package record defines the persisted FileVault key record and its storage.
package record

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/groob/plist"
	"github.com/micromdm/nanocrypt/utils/secret"
)

var (
	// ErrNotFound is returned when no record exists at a path.
	ErrNotFound = errors.New("record not found")

	// ErrCorrupt is returned when a record cannot be parsed.
	ErrCorrupt = errors.New("record corrupt")

	// ErrMissingField is returned when a parseable record has no recovery key.
	ErrMissingField = errors.New("record missing field")
)

// plist keys of the record file.
const (
	KeySerialNumber  = "SerialNumber"
	KeyRecoveryKey   = "RecoveryKey"
	KeyEnabledUser   = "EnabledUser"
	KeyHardwareUUID  = "HardwareUUID"
	KeyLVGUUID       = "LVGUUID"
	KeyLVUUID        = "LVUUID"
	KeyPVUUID        = "PVUUID"
	KeyLastRun       = "last_run"
	KeyEscrowSuccess = "escrow_success"
)

// KeyRecord describes the FileVault personal recovery key of this machine.
type KeyRecord struct {
	SerialNumber string
	RecoveryKey  secret.Secret
	EnabledUser  string

	// volume identity reported by fdesetup, kept for the record file only
	HardwareUUID string
	LVGUUID      string
	LVUUID       string
	PVUUID       string

	// LastRun is the time of the last successful escrow, nil if never.
	LastRun       *time.Time
	EscrowSuccess bool
}

func setIfNotEmpty(m map[string]interface{}, k, v string) {
	if v != "" {
		m[k] = v
	}
}

// Marshal encodes r as an XML property list.
func Marshal(r *KeyRecord) ([]byte, error) {
	if r == nil {
		return nil, errors.New("nil record")
	}
	m := make(map[string]interface{})
	setIfNotEmpty(m, KeySerialNumber, r.SerialNumber)
	setIfNotEmpty(m, KeyRecoveryKey, r.RecoveryKey.Reveal())
	setIfNotEmpty(m, KeyEnabledUser, r.EnabledUser)
	setIfNotEmpty(m, KeyHardwareUUID, r.HardwareUUID)
	setIfNotEmpty(m, KeyLVGUUID, r.LVGUUID)
	setIfNotEmpty(m, KeyLVUUID, r.LVUUID)
	setIfNotEmpty(m, KeyPVUUID, r.PVUUID)
	if r.LastRun != nil {
		m[KeyLastRun] = r.LastRun.UTC()
	}
	if r.EscrowSuccess {
		m[KeyEscrowSuccess] = true
	}
	return plist.MarshalIndent(m, "\t")
}

func stringValue(m map[string]interface{}, k string) string {
	if s, ok := m[k].(string); ok {
		return s
	}
	return ""
}

// Unmarshal decodes a property list record.
// Values of unexpected types are ignored rather than failing the whole record.
// Returns ErrCorrupt if b is not a property list dictionary and
// ErrMissingField (with the decoded record) if it has no recovery key.
func Unmarshal(b []byte) (*KeyRecord, error) {
	var m map[string]interface{}
	if err := plist.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if m == nil {
		return nil, fmt.Errorf("%w: empty dictionary", ErrCorrupt)
	}
	r := &KeyRecord{
		SerialNumber: stringValue(m, KeySerialNumber),
		RecoveryKey:  secret.New(stringValue(m, KeyRecoveryKey)),
		EnabledUser:  stringValue(m, KeyEnabledUser),
		HardwareUUID: stringValue(m, KeyHardwareUUID),
		LVGUUID:      stringValue(m, KeyLVGUUID),
		LVUUID:       stringValue(m, KeyLVUUID),
		PVUUID:       stringValue(m, KeyPVUUID),
	}
	if t, ok := m[KeyLastRun].(time.Time); ok {
		r.LastRun = &t
	}
	if b, ok := m[KeyEscrowSuccess].(bool); ok {
		r.EscrowSuccess = b
	}
	if r.RecoveryKey.Empty() {
		return r, fmt.Errorf("%w: %s", ErrMissingField, KeyRecoveryKey)
	}
	return r, nil
}

// Storage loads, saves and removes key records by filesystem path.
type Storage interface {
	// Load returns ErrNotFound, ErrCorrupt or ErrMissingField (possibly wrapped).
	Load(ctx context.Context, path string) (*KeyRecord, error)

	// Save atomically replaces the record at path.
	Save(ctx context.Context, r *KeyRecord, path string) error

	// Remove deletes the record at path. Removing a missing record is not an error.
	Remove(ctx context.Context, path string) error

	// Exists reports whether any file (parseable or not) exists at path.
	Exists(ctx context.Context, path string) (bool, error)
}
