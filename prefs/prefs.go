// Package prefs resolves agent options through layered preference stores.
package prefs

import (
	"strconv"
	"strings"
	"time"

	"github.com/micromdm/nanocrypt/log/logkeys"

	"github.com/micromdm/nanolib/log"
)

// DefaultDomain is the preference domain of the agent.
const DefaultDomain = "com.grahamgilbert.crypt"

// Option names.
const (
	ServerURL         = "ServerURL"
	RemovePlist       = "RemovePlist"
	RotateUsedKey     = "RotateUsedKey"
	OutputPath        = "OutputPath"
	ValidateKey       = "ValidateKey"
	KeyEscrowInterval = "KeyEscrowInterval"
	SkipUsers         = "SkipUsers"
	PostRunCommand    = "PostRunCommand"
)

// DateFormat is the layout date-typed preference values are normalized to.
const DateFormat = "2006-01-02 15:04:05 -0700"

// Defaults are the built-in option values.
// Options without a default (e.g. ServerURL) resolve to nil.
var Defaults = map[string]interface{}{
	RemovePlist:       true,
	RotateUsedKey:     true,
	OutputPath:        "/private/var/root/crypt_output.plist",
	ValidateKey:       true,
	KeyEscrowInterval: 1,
	SkipUsers:         []interface{}{},
}

// Layer is a single preference store.
type Layer interface {
	// Value returns the value of key and whether it was set.
	Value(key string) (interface{}, bool)
}

// WritableLayer is a preference store that can persist values.
type WritableLayer interface {
	Layer
	SetValue(key string, value interface{}) error
}

// Resolver looks up options in layers in order and falls back to defaults.
// Fallen-through defaults are persisted to the writable system layer.
type Resolver struct {
	layers   []Layer
	system   WritableLayer
	defaults map[string]interface{}
	logger   log.Logger
}

type Option func(*Resolver)

func WithLogger(logger log.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithDefaults replaces the built-in defaults table.
func WithDefaults(defaults map[string]interface{}) Option {
	return func(r *Resolver) {
		r.defaults = defaults
	}
}

// New creates a new resolver.
// Layers are consulted in the order managed, user, system.
// Any of them may be nil.
func New(managed, user Layer, system WritableLayer, opts ...Option) *Resolver {
	r := &Resolver{
		system:   system,
		defaults: Defaults,
		logger:   log.NopLogger,
	}
	for _, l := range []Layer{managed, user} {
		if l != nil {
			r.layers = append(r.layers, l)
		}
	}
	if system != nil {
		r.layers = append(r.layers, system)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// normalize converts dates to strings.
func normalize(v interface{}) interface{} {
	if t, ok := v.(time.Time); ok {
		return t.Format(DateFormat)
	}
	return v
}

// Value returns the resolved value of name or nil.
func (r *Resolver) Value(name string) interface{} {
	for _, l := range r.layers {
		if v, ok := l.Value(name); ok && v != nil {
			return normalize(v)
		}
	}
	v, ok := r.defaults[name]
	if !ok {
		return nil
	}
	if r.system != nil {
		// persisted only so admins can discover the option
		if err := r.system.SetValue(name, v); err != nil {
			r.logger.Debug(
				logkeys.Message, "persisting default",
				logkeys.Option, name,
				logkeys.Error, err,
			)
		}
	}
	return v
}

// String returns name as a string or empty.
func (r *Resolver) String(name string) string {
	switch v := r.Value(name).(type) {
	case string:
		return v
	case nil:
		return ""
	case bool:
		return strconv.FormatBool(v)
	default:
		if i, ok := toInt(v); ok {
			return strconv.Itoa(i)
		}
	}
	return ""
}

// Bool returns name as a bool.
// Strings like "true", "yes" and "1" are accepted.
func (r *Resolver) Bool(name string) bool {
	switch v := r.Value(name).(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "yes", "1":
			return true
		}
		return false
	default:
		i, _ := toInt(v)
		return i != 0
	}
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint:
		return int(n), true
	case uint8:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	case uint64:
		return int(n), true
	case float32:
		return int(n), true
	case float64:
		return int(n), true
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		return i, err == nil
	}
	return 0, false
}

// Int returns name as an int or 0.
func (r *Resolver) Int(name string) int {
	i, _ := toInt(r.Value(name))
	return i
}

// Strings returns name as a slice of strings.
// Non-string elements are skipped and a single string becomes a one-element slice.
func (r *Resolver) Strings(name string) []string {
	switch v := r.Value(name).(type) {
	case []string:
		return v
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []interface{}:
		var ret []string
		for _, e := range v {
			if s, ok := e.(string); ok {
				ret = append(ret, s)
			}
		}
		return ret
	}
	return nil
}
