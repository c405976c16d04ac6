package secret

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
)

func TestSecretRedacted(t *testing.T) {
	const prk = "ABCD-EFGH-IJKL-MNOP-QRST-UVWX"
	s := New(prk)

	for _, verb := range []string{"%v", "%s", "%q", "%x", "%X", "%+v", "%#v", "%10s"} {
		out := fmt.Sprintf(verb, s)
		if strings.Contains(out, prk) {
			t.Errorf("verb %s leaked secret: %s", verb, out)
		}
	}

	if out := fmt.Sprint("key=", s); strings.Contains(out, prk) {
		t.Errorf("Sprint leaked secret: %s", out)
	}

	j, err := json.Marshal(struct{ Key Secret }{s})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(j), prk) {
		t.Errorf("json leaked secret: %s", j)
	}

	if have, want := s.Reveal(), prk; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if s.Empty() {
		t.Error("expected non-empty")
	}
	if !New("").Empty() {
		t.Error("expected empty")
	}
}
