// Package fde wraps the macOS fdesetup tool for FileVault recovery key operations.
package fde

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/groob/plist"
	"github.com/micromdm/nanocrypt/record"
	"github.com/micromdm/nanocrypt/utils/cmdrun"
	"github.com/micromdm/nanocrypt/utils/secret"
)

// DefaultPath is the location of fdesetup.
const DefaultPath = "/usr/bin/fdesetup"

// ErrMalformedOutput is returned when fdesetup output cannot be understood.
var ErrMalformedOutput = errors.New("malformed fdesetup output")

// Result is the outcome of validating a recovery key.
type Result int

const (
	// OperationFailed means the validation itself could not be performed.
	// It says nothing about the key.
	OperationFailed Result = iota
	Valid
	Invalid
)

func (r Result) String() string {
	switch r {
	case Valid:
		return "valid"
	case Invalid:
		return "invalid"
	default:
		return "operation failed"
	}
}

// FDESetup runs fdesetup operations.
type FDESetup struct {
	path   string
	runner cmdrun.Runner
}

type Option func(*FDESetup)

// WithPath sets the path to the fdesetup binary.
func WithPath(path string) Option {
	return func(f *FDESetup) {
		f.path = path
	}
}

// WithRunner sets the program runner.
func WithRunner(runner cmdrun.Runner) Option {
	return func(f *FDESetup) {
		f.runner = runner
	}
}

func New(opts ...Option) *FDESetup {
	f := &FDESetup{
		path:   DefaultPath,
		runner: cmdrun.NewExec(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// passwordInput is the -inputplist payload carrying an unlock secret.
type passwordInput struct {
	Password string `plist:"Password"`
}

func passwordPlist(key secret.Secret) ([]byte, error) {
	return plist.Marshal(&passwordInput{Password: key.Reveal()})
}

func parseBool(out []byte) (bool, error) {
	switch strings.TrimSpace(string(out)) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return false, fmt.Errorf("%w: expected true or false", ErrMalformedOutput)
}

// UsingRecoveryKey reports whether the disk was last unlocked with the recovery key.
func (f *FDESetup) UsingRecoveryKey(ctx context.Context) (bool, error) {
	out, err := f.runner.Run(ctx, nil, f.path, "usingrecoverykey")
	if err != nil {
		return false, fmt.Errorf("usingrecoverykey: %w", err)
	}
	return parseBool(out.Stdout)
}

// Validate checks key against the FileVault volume.
// The key is passed on stdin, never as an argument.
// A non-nil error accompanies OperationFailed.
func (f *FDESetup) Validate(ctx context.Context, key secret.Secret) (Result, error) {
	if key.Empty() {
		return OperationFailed, errors.New("empty recovery key")
	}
	in, err := passwordPlist(key)
	if err != nil {
		return OperationFailed, fmt.Errorf("encoding input: %w", err)
	}
	out, err := f.runner.Run(ctx, in, f.path, "validaterecovery", "-inputplist")
	if err != nil {
		return OperationFailed, fmt.Errorf("validaterecovery: %w", err)
	}
	ok, err := parseBool(out.Stdout)
	if err != nil {
		return OperationFailed, fmt.Errorf("validaterecovery: %w", err)
	}
	if ok {
		return Valid, nil
	}
	return Invalid, nil
}

// ListEnabledUsers returns the FileVault enabled accounts in fdesetup order.
func (f *FDESetup) ListEnabledUsers(ctx context.Context) ([]string, error) {
	out, err := f.runner.Run(ctx, nil, f.path, "list")
	if err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	var users []string
	scanner := bufio.NewScanner(bytes.NewReader(out.Stdout))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		// each line is "shortname,UUID"
		user, _, _ := strings.Cut(line, ",")
		if user = strings.TrimSpace(user); user != "" {
			users = append(users, user)
		}
	}
	return users, scanner.Err()
}

// rotateOutput is the -outputplist payload of changerecovery.
type rotateOutput struct {
	RecoveryKey  string `plist:"RecoveryKey"`
	SerialNumber string `plist:"SerialNumber"`
	EnabledUser  string `plist:"EnabledUser"`
	HardwareUUID string `plist:"HardwareUUID"`
	LVGUUID      string `plist:"LVGUUID"`
	LVUUID       string `plist:"LVUUID"`
	PVUUID       string `plist:"PVUUID"`
}

// Rotate generates a new personal recovery key using the valid current key.
// The returned record holds only what fdesetup reported.
func (f *FDESetup) Rotate(ctx context.Context, current secret.Secret) (*record.KeyRecord, error) {
	in, err := passwordPlist(current)
	if err != nil {
		return nil, fmt.Errorf("encoding input: %w", err)
	}
	out, err := f.runner.Run(ctx, in, f.path, "changerecovery", "-personal", "-inputplist", "-outputplist")
	if err != nil {
		return nil, fmt.Errorf("changerecovery: %w", err)
	}
	var ro rotateOutput
	if err = plist.Unmarshal(out.Stdout, &ro); err != nil || ro.RecoveryKey == "" {
		return nil, fmt.Errorf("changerecovery: %w: %s", ErrMalformedOutput, strings.TrimSpace(string(out.Stderr)))
	}
	return &record.KeyRecord{
		SerialNumber: ro.SerialNumber,
		RecoveryKey:  secret.New(ro.RecoveryKey),
		EnabledUser:  ro.EnabledUser,
		HardwareUUID: ro.HardwareUUID,
		LVGUUID:      ro.LVGUUID,
		LVUUID:       ro.LVUUID,
		PVUUID:       ro.PVUUID,
	}, nil
}
