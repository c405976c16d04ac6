// Package cmdrun runs child processes and collects their output.
package cmdrun

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Output is the captured output of a finished process.
type Output struct {
	Stdout []byte
	Stderr []byte
}

// Runner runs the named program with args.
// If stdin is non-nil it is written to the program's standard input.
// A non-zero exit status is returned as an error alongside the output.
type Runner interface {
	Run(ctx context.Context, stdin []byte, name string, args ...string) (*Output, error)
}

// RunnerFunc adapts a function to a Runner.
type RunnerFunc func(ctx context.Context, stdin []byte, name string, args ...string) (*Output, error)

func (f RunnerFunc) Run(ctx context.Context, stdin []byte, name string, args ...string) (*Output, error) {
	return f(ctx, stdin, name, args...)
}

// Exec runs programs with os/exec.
type Exec struct{}

// NewExec creates a new os/exec program runner.
func NewExec() *Exec {
	return &Exec{}
}

// Run runs name and waits for it to exit.
func (e *Exec) Run(ctx context.Context, stdin []byte, name string, args ...string) (*Output, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	err := cmd.Run()
	out := &Output{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err != nil {
		// args are not included: callers never pass secrets there but
		// the program name is enough to identify the failure.
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return out, fmt.Errorf("running %s: %w: %s", name, err, msg)
		}
		return out, fmt.Errorf("running %s: %w", name, err)
	}
	return out, nil
}
