package prefs

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/micromdm/nanocrypt/utils/kv"
	"github.com/micromdm/nanocrypt/utils/kv/kvdiskv"

	"github.com/groob/plist"
)

// Map is an in-memory preference layer.
type Map struct {
	mu sync.RWMutex
	m  map[string]interface{}
}

// NewMap creates a new in-memory layer initialized with a copy of m.
func NewMap(m map[string]interface{}) *Map {
	l := &Map{m: make(map[string]interface{})}
	for k, v := range m {
		l.m[k] = v
	}
	return l
}

func (l *Map) Value(key string) (interface{}, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	v, ok := l.m[key]
	return v, ok
}

func (l *Map) SetValue(key string, value interface{}) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.m[key] = value
	return nil
}

// File is a preference layer stored in a property list file.
// The file is read once at creation and rewritten on every SetValue
// through a synced temporary file renamed over it.
// A missing or unreadable file is an empty layer.
type File struct {
	path string
	b    kv.Bucket
	key  string

	mu sync.RWMutex
	m  map[string]interface{}
}

// NewFile reads the property list at path.
// The returned error is informational: the layer is usable (empty) anyway.
func NewFile(path string) (*File, error) {
	f := &File{path: path, m: make(map[string]interface{})}
	b, key, err := kvdiskv.NewFileBucket(path, 0644, 0755)
	if err != nil {
		return f, fmt.Errorf("preferences %s: %w", path, err)
	}
	f.b, f.key = b, key
	raw, err := b.Get(context.Background(), key)
	if errors.Is(err, kv.ErrKeyNotFound) {
		return f, nil
	} else if err != nil {
		return f, fmt.Errorf("reading %s: %w", path, err)
	}
	var m map[string]interface{}
	if err = plist.Unmarshal(raw, &m); err != nil {
		return f, fmt.Errorf("decoding %s: %w", path, err)
	}
	if m != nil {
		f.m = m
	}
	return f, nil
}

// Path returns the file path of the layer.
func (f *File) Path() string {
	return f.path
}

func (f *File) Value(key string) (interface{}, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, ok := f.m[key]
	return v, ok
}

// SetValue sets key and atomically rewrites the file.
func (f *File) SetValue(key string, value interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.m[key] = value
	if f.b == nil {
		return fmt.Errorf("preferences %s: no backing file", f.path)
	}
	raw, err := plist.MarshalIndent(f.m, "\t")
	if err != nil {
		return fmt.Errorf("encoding preferences: %w", err)
	}
	if err = f.b.Set(context.Background(), f.key, raw); err != nil {
		return fmt.Errorf("writing %s: %w", f.path, err)
	}
	return nil
}

// Paths are the property list files of a preference domain.
type Paths struct {
	Managed string
	User    string
	System  string
}

// DomainPaths returns the standard macOS preference file locations of domain.
// The user layer is skipped if home is empty.
func DomainPaths(domain, home string) Paths {
	p := Paths{
		Managed: filepath.Join("/Library/Managed Preferences", domain+".plist"),
		System:  filepath.Join("/Library/Preferences", domain+".plist"),
	}
	if home != "" {
		p.User = filepath.Join(home, "Library/Preferences", domain+".plist")
	}
	return p
}
