package engine

import (
	"time"

	"github.com/micromdm/nanocrypt/prefs"
)

// Preferences resolves typed configuration options.
type Preferences interface {
	String(name string) string
	Bool(name string) bool
	Int(name string) int
	Strings(name string) []string
}

// Policy is the configuration of a single run.
type Policy struct {
	ServerURL      string
	OutputPath     string
	RotateUsedKey  bool
	ValidateKey    bool
	RemovePlist    bool
	EscrowInterval time.Duration
	SkipUsers      []string
	PostRunCommand string
}

// ResolvePolicy reads the run configuration from p.
func ResolvePolicy(p Preferences) *Policy {
	hours := p.Int(prefs.KeyEscrowInterval)
	if hours < 0 {
		hours = 0
	}
	return &Policy{
		ServerURL:      p.String(prefs.ServerURL),
		OutputPath:     p.String(prefs.OutputPath),
		RotateUsedKey:  p.Bool(prefs.RotateUsedKey),
		ValidateKey:    p.Bool(prefs.ValidateKey),
		RemovePlist:    p.Bool(prefs.RemovePlist),
		EscrowInterval: time.Duration(hours) * time.Hour,
		SkipUsers:      p.Strings(prefs.SkipUsers),
		PostRunCommand: p.String(prefs.PostRunCommand),
	}
}

// persistentRecords reports whether records survive escrow, which is
// the only case a previously stored key can go stale.
func (p *Policy) persistentRecords() bool {
	return p.RotateUsedKey && p.ValidateKey && !p.RemovePlist
}
