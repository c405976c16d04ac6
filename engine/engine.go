// Package engine implements the FileVault recovery key lifecycle:
// rotating a used key, discarding a stale key and escrowing the current key.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/micromdm/nanocrypt/escrow"
	"github.com/micromdm/nanocrypt/fde"
	"github.com/micromdm/nanocrypt/log/logkeys"
	"github.com/micromdm/nanocrypt/record"
	"github.com/micromdm/nanocrypt/utils/cmdrun"
	"github.com/micromdm/nanocrypt/utils/secret"

	"github.com/blang/semver/v4"
	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

// MinValidateVersion is the first macOS version where validating a
// recovery key does not consume one of the limited attempts before reboot.
var MinValidateVersion = semver.MustParse("10.12.5")

// reservedUsers are never escrowed as the enabled user.
var reservedUsers = map[string]bool{
	"root":         true,
	"_mbsetupuser": true,
}

// DiskEncryption performs FileVault recovery key operations.
type DiskEncryption interface {
	UsingRecoveryKey(ctx context.Context) (bool, error)
	Validate(ctx context.Context, key secret.Secret) (fde.Result, error)
	ListEnabledUsers(ctx context.Context) ([]string, error)
	Rotate(ctx context.Context, current secret.Secret) (*record.KeyRecord, error)
}

// MachineInfo queries local system information.
type MachineInfo interface {
	// ConsoleUser returns an empty string when nobody is logged in.
	ConsoleUser(ctx context.Context) (string, error)
	ComputerName(ctx context.Context) (string, error)
	OSVersion(ctx context.Context) (string, error)
}

// Escrower submits a recovery key to an escrow server.
type Escrower interface {
	Submit(ctx context.Context, serverURL string, f *escrow.Fields) bool
}

// Engine runs the recovery key lifecycle once per Run.
type Engine struct {
	fde      DiskEncryption
	store    record.Storage
	prefs    Preferences
	machine  MachineInfo
	escrower Escrower

	runner cmdrun.Runner
	logger log.Logger
	now    func() time.Time
}

type Option func(*Engine)

func WithLogger(logger log.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithRunner sets the runner used for the post-run command.
func WithRunner(runner cmdrun.Runner) Option {
	return func(e *Engine) {
		e.runner = runner
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New creates a new lifecycle engine.
func New(d DiskEncryption, store record.Storage, p Preferences, m MachineInfo, esc Escrower, opts ...Option) (*Engine, error) {
	switch {
	case d == nil:
		return nil, errors.New("nil disk encryption")
	case store == nil:
		return nil, errors.New("nil record storage")
	case p == nil:
		return nil, errors.New("nil preferences")
	case m == nil:
		return nil, errors.New("nil machine info")
	case esc == nil:
		return nil, errors.New("nil escrower")
	}
	e := &Engine{
		fde:      d,
		store:    store,
		prefs:    p,
		machine:  m,
		escrower: esc,
		runner:   cmdrun.NewExec(),
		logger:   log.NopLogger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Run performs one pass of the lifecycle.
// Collaborator failures are logged and end the affected phase; they
// are never returned. The next scheduled run retries.
func (e *Engine) Run(ctx context.Context) error {
	logger := ctxlog.Logger(ctx, e.logger)
	p := ResolvePolicy(e.prefs)
	if p.OutputPath == "" {
		return errors.New("empty output path")
	}
	logger = logger.With(logkeys.Path, p.OutputPath)

	if p.RotateUsedKey {
		e.rotateUsedKey(ctx, logger, p)
	}

	if p.persistentRecords() && !e.checkStoredKey(ctx, logger, p) {
		return nil
	}

	e.escrow(ctx, logger, p)
	return nil
}

// rotateUsedKey rotates the stored key if it was used to unlock the disk.
func (e *Engine) rotateUsedKey(ctx context.Context, logger log.Logger, p *Policy) {
	using, err := e.fde.UsingRecoveryKey(ctx)
	if err != nil {
		logger.Info(logkeys.Message, "checking recovery key use", logkeys.Error, err)
		return
	}
	if !using {
		logger.Debug(logkeys.Message, "recovery key not used to unlock")
		return
	}

	r, err := e.store.Load(ctx, p.OutputPath)
	if err != nil {
		logger.Info(logkeys.Message, "recovery key was used but stored key is unavailable", logkeys.Error, err)
		return
	}

	// rotating requires a known-valid current key
	res, err := e.fde.Validate(ctx, r.RecoveryKey)
	switch res {
	case fde.Valid:
	case fde.Invalid:
		logger.Info(logkeys.Message, "not rotating used key", logkeys.Error, "stored key is invalid")
		return
	default:
		logger.Info(logkeys.Message, "not rotating used key: validating stored key", logkeys.Error, err)
		return
	}

	rotated, err := e.fde.Rotate(ctx, r.RecoveryKey)
	if err != nil {
		logger.Info(logkeys.Message, "rotating used key", logkeys.Error, err)
		return
	}
	if rotated.SerialNumber == "" {
		rotated.SerialNumber = r.SerialNumber
	}
	if rotated.EnabledUser == "" {
		rotated.EnabledUser = r.EnabledUser
	}
	if err = e.store.Save(ctx, rotated, p.OutputPath); err != nil {
		// the rotated key is lost and must be re-issued out of band
		logger.Info(logkeys.Message, "saving rotated key", logkeys.Error, err)
		return
	}
	logger.Info(logkeys.Message, "rotated used recovery key")
}

// osSupportsValidation reports whether validating a key is free of side effects.
func (e *Engine) osSupportsValidation(ctx context.Context, logger log.Logger) bool {
	v, err := e.machine.OSVersion(ctx)
	if err != nil {
		logger.Info(logkeys.Message, "getting OS version", logkeys.Error, err)
		return false
	}
	sv, err := semver.ParseTolerant(v)
	if err != nil {
		logger.Info(logkeys.Message, "parsing OS version", "os_version", v, logkeys.Error, err)
		return false
	}
	return sv.GTE(MinValidateVersion)
}

// checkStoredKey validates a key kept from earlier runs and removes it
// if it no longer unlocks the disk. It returns false if the run should end.
func (e *Engine) checkStoredKey(ctx context.Context, logger log.Logger, p *Policy) bool {
	user, err := e.machine.ConsoleUser(ctx)
	if err != nil {
		logger.Info(logkeys.Message, "skipping stored key validation: console user", logkeys.Error, err)
		return true
	}
	if user == "" {
		logger.Debug(logkeys.Message, "skipping stored key validation: no console user")
		return true
	}
	if !e.osSupportsValidation(ctx, logger) {
		logger.Debug(logkeys.Message, "skipping stored key validation: OS version")
		return true
	}

	r, err := e.store.Load(ctx, p.OutputPath)
	if errors.Is(err, record.ErrNotFound) {
		logger.Debug(logkeys.Message, "no stored key to validate")
		return false
	} else if err != nil {
		logger.Info(logkeys.Message, "loading stored key", logkeys.Error, err)
		return false
	}

	res, err := e.fde.Validate(ctx, r.RecoveryKey)
	switch res {
	case fde.Valid:
		logger.Debug(logkeys.Message, "stored key is valid")
		return true
	case fde.Invalid:
		logger.Info(logkeys.Message, "stored key is invalid, removing record")
		if err = e.store.Remove(ctx, p.OutputPath); err != nil {
			logger.Info(logkeys.Message, "removing invalid record", logkeys.Error, err)
		}
		return false
	default:
		// not evidence against the key: keep it and escrow as usual
		logger.Info(logkeys.Message, "validating stored key", logkeys.Error, err)
		return true
	}
}

// resolveEnabledUser replaces a missing or reserved enabled user with
// the first eligible FileVault user. With several eligible users the
// choice follows fdesetup's order, which is arbitrary.
// It reports whether r holds an escrowable enabled user.
func (e *Engine) resolveEnabledUser(ctx context.Context, logger log.Logger, r *record.KeyRecord, skipUsers []string) bool {
	if r.EnabledUser != "" && !reservedUsers[r.EnabledUser] {
		return true
	}
	users, err := e.fde.ListEnabledUsers(ctx)
	if err != nil {
		logger.Info(logkeys.Message, "listing enabled users", logkeys.Error, err)
		return false
	}
	skip := make(map[string]bool)
	for _, u := range skipUsers {
		skip[u] = true
	}
	for _, u := range users {
		if skip[u] || reservedUsers[u] {
			continue
		}
		r.EnabledUser = u
		return true
	}
	logger.Info(
		logkeys.Message, "no eligible enabled user",
		logkeys.GenericCount, len(users),
		logkeys.User, r.EnabledUser,
	)
	return false
}

// escrow submits the stored key if it was not escrowed recently.
func (e *Engine) escrow(ctx context.Context, logger log.Logger, p *Policy) {
	r, err := e.store.Load(ctx, p.OutputPath)
	if errors.Is(err, record.ErrNotFound) {
		logger.Debug(logkeys.Message, "no record to escrow")
		return
	} else if err != nil {
		logger.Info(logkeys.Message, "loading record", logkeys.Error, err)
		return
	}

	userOK := e.resolveEnabledUser(ctx, logger, r, p.SkipUsers)

	now := e.now()
	if r.LastRun != nil && now.Sub(*r.LastRun) < p.EscrowInterval {
		logger.Debug(
			logkeys.Message, "escrowed recently",
			"last_run", r.LastRun.Format(time.RFC3339),
		)
		return
	}

	if p.ServerURL == "" {
		logger.Debug(logkeys.Message, "escrow disabled: no server URL")
		return
	}

	if !userOK {
		// last_run is untouched so the next run retries
		logger.Info(logkeys.Message, "escrow skipped", logkeys.Error, "no eligible enabled user")
		return
	}

	macName, err := e.machine.ComputerName(ctx)
	if err != nil {
		logger.Info(logkeys.Message, "getting computer name", logkeys.Error, err)
	}

	if !e.escrower.Submit(ctx, p.ServerURL, &escrow.Fields{
		Serial:      r.SerialNumber,
		RecoveryKey: r.RecoveryKey,
		Username:    r.EnabledUser,
		MacName:     macName,
	}) {
		logger.Info(logkeys.Message, "escrow failed", logkeys.ServerURL, p.ServerURL)
		return
	}

	r.EscrowSuccess = true
	r.LastRun = &now
	if err = e.store.Save(ctx, r, p.OutputPath); err != nil {
		logger.Info(logkeys.Message, "saving escrowed record", logkeys.Error, err)
		return
	}
	logger.Info(
		logkeys.Message, "escrowed recovery key",
		logkeys.ServerURL, p.ServerURL,
		logkeys.User, r.EnabledUser,
	)

	if p.RemovePlist {
		if err = e.store.Remove(ctx, p.OutputPath); err != nil {
			logger.Info(logkeys.Message, "removing escrowed record", logkeys.Error, err)
		}
	}

	if p.PostRunCommand != "" {
		e.postRun(ctx, logger, p.PostRunCommand)
	}
}

func (e *Engine) postRun(ctx context.Context, logger log.Logger, command string) {
	if _, err := e.runner.Run(ctx, nil, "/bin/sh", "-c", command); err != nil {
		logger.Info(logkeys.Message, "post-run command", logkeys.Error, fmt.Errorf("%q: %w", command, err))
		return
	}
	logger.Debug(logkeys.Message, "post-run command completed")
}
