// Package secret provides a string wrapper that never formats its value.
package secret

import (
	"fmt"
	"io"
)

const redacted = "[redacted]"

// Secret holds sensitive text such as a FileVault recovery key.
// All fmt verbs render it as a redaction marker. Use Reveal to get the value.
type Secret struct {
	v string
}

// New wraps s.
func New(s string) Secret {
	return Secret{v: s}
}

// Reveal returns the wrapped value.
func (s Secret) Reveal() string {
	return s.v
}

// Empty reports whether the wrapped value is empty.
func (s Secret) Empty() bool {
	return s.v == ""
}

func (s Secret) String() string {
	return redacted
}

func (s Secret) GoString() string {
	return "secret.Secret{" + redacted + "}"
}

// Format implements fmt.Formatter so width, flags and verbs like %x
// cannot bypass String.
func (s Secret) Format(f fmt.State, verb rune) {
	if verb == 'v' && f.Flag('#') {
		io.WriteString(f, s.GoString())
		return
	}
	io.WriteString(f, redacted)
}

// MarshalText keeps secrets out of text and JSON encoders.
func (s Secret) MarshalText() ([]byte, error) {
	return []byte(redacted), nil
}
