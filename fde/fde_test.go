package fde

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/groob/plist"
	"github.com/micromdm/nanocrypt/utils/cmdrun"
	"github.com/micromdm/nanocrypt/utils/secret"
)

const testPRK = "ABCD-EFGH-IJKL-MNOP-QRST-UVWX"

type call struct {
	stdin []byte
	name  string
	args  []string
}

type fakeRunner struct {
	calls  []call
	stdout string
	stderr string
	err    error
}

func (r *fakeRunner) Run(_ context.Context, stdin []byte, name string, args ...string) (*cmdrun.Output, error) {
	r.calls = append(r.calls, call{stdin: stdin, name: name, args: args})
	return &cmdrun.Output{Stdout: []byte(r.stdout), Stderr: []byte(r.stderr)}, r.err
}

func stdinPassword(t *testing.T, stdin []byte) string {
	t.Helper()
	var in passwordInput
	if err := plist.Unmarshal(stdin, &in); err != nil {
		t.Fatal(err)
	}
	return in.Password
}

func TestValidate(t *testing.T) {
	for _, test := range []struct {
		stdout string
		err    error
		result Result
	}{
		{"true\n", nil, Valid},
		{"false\n", nil, Invalid},
		{"Error: unable to validate\n", nil, OperationFailed},
		{"", errors.New("exit status 1"), OperationFailed},
	} {
		r := &fakeRunner{stdout: test.stdout, err: test.err}
		f := New(WithRunner(r), WithPath("/test/fdesetup"))
		res, err := f.Validate(context.Background(), secret.New(testPRK))
		if have, want := res, test.result; have != want {
			t.Errorf("have: %v, want: %v", have, want)
		}
		if res == OperationFailed && err == nil {
			t.Error("expected error for failed operation")
		}
		if len(r.calls) != 1 {
			t.Fatalf("expected one call, have: %d", len(r.calls))
		}
		c := r.calls[0]
		if have, want := c.name, "/test/fdesetup"; have != want {
			t.Errorf("have: %v, want: %v", have, want)
		}
		for _, arg := range c.args {
			if strings.Contains(arg, testPRK) {
				t.Error("recovery key passed as argument")
			}
		}
		if have, want := stdinPassword(t, c.stdin), testPRK; have != want {
			t.Errorf("have: %v, want: %v", have, want)
		}
	}
}

func TestValidateEmptyKey(t *testing.T) {
	r := &fakeRunner{stdout: "true"}
	res, err := New(WithRunner(r)).Validate(context.Background(), secret.New(""))
	if have, want := res, OperationFailed; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if err == nil {
		t.Error("expected error")
	}
	if len(r.calls) != 0 {
		t.Error("expected no fdesetup call")
	}
}

func TestUsingRecoveryKey(t *testing.T) {
	for _, test := range []struct {
		stdout string
		err    error
		using  bool
		fail   bool
	}{
		{"true\n", nil, true, false},
		{"false\n", nil, false, false},
		{"", errors.New("exit status 1"), false, true},
		{"maybe", nil, false, true},
	} {
		using, err := New(WithRunner(&fakeRunner{stdout: test.stdout, err: test.err})).UsingRecoveryKey(context.Background())
		if have, want := using, test.using; have != want {
			t.Errorf("have: %v, want: %v", have, want)
		}
		if have, want := err != nil, test.fail; have != want {
			t.Errorf("have: %v, want: %v", have, want)
		}
	}
}

func TestListEnabledUsers(t *testing.T) {
	r := &fakeRunner{stdout: "alice,85F41F44-22B3-6CB7-85A1-BCC2EA2B887A\nroot,2B6E1D10-C5F0-4F2B-9B0B-000000000000\n\n"}
	users, err := New(WithRunner(r)).ListEnabledUsers(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if have, want := strings.Join(users, " "), "alice root"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := strings.Join(r.calls[0].args, " "), "list"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
}

const rotateOutputPlist = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>EnabledDate</key>
	<string>2023-05-01 12:30:00 -0700</string>
	<key>HardwareUUID</key>
	<string>8A1F3E80-0E1B-4E2B-8E2A-6A2D6B7D1C00</string>
	<key>RecoveryKey</key>
	<string>NEWK-EYNE-WKEY-NEWK-EYNE-WKEY</string>
	<key>SerialNumber</key>
	<string>C02ABCDEF</string>
</dict>
</plist>
`

func TestRotate(t *testing.T) {
	r := &fakeRunner{stdout: rotateOutputPlist}
	rec, err := New(WithRunner(r)).Rotate(context.Background(), secret.New(testPRK))
	if err != nil {
		t.Fatal(err)
	}
	if have, want := rec.RecoveryKey.Reveal(), "NEWK-EYNE-WKEY-NEWK-EYNE-WKEY"; have != want {
		t.Errorf("unexpected new recovery key")
	}
	if have, want := rec.SerialNumber, "C02ABCDEF"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := rec.HardwareUUID, "8A1F3E80-0E1B-4E2B-8E2A-6A2D6B7D1C00"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	c := r.calls[0]
	if have, want := strings.Join(c.args, " "), "changerecovery -personal -inputplist -outputplist"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := stdinPassword(t, c.stdin), testPRK; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
}

func TestRotateMalformed(t *testing.T) {
	r := &fakeRunner{stdout: "", stderr: "Error: incorrect password"}
	_, err := New(WithRunner(r)).Rotate(context.Background(), secret.New(testPRK))
	if !errors.Is(err, ErrMalformedOutput) {
		t.Fatalf("expected ErrMalformedOutput, have: %v", err)
	}
	if !strings.Contains(err.Error(), "incorrect password") {
		t.Errorf("expected fdesetup error text: %v", err)
	}
}
