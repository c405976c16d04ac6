// Package machine queries local system information on macOS.
package machine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/micromdm/nanocrypt/utils/cmdrun"
)

// Info queries the console user, computer name and OS version with
// stock macOS tools.
type Info struct {
	runner   cmdrun.Runner
	hostname func() (string, error)
}

type Option func(*Info)

// WithRunner sets the program runner.
func WithRunner(runner cmdrun.Runner) Option {
	return func(i *Info) {
		i.runner = runner
	}
}

func New(opts ...Option) *Info {
	i := &Info{
		runner:   cmdrun.NewExec(),
		hostname: os.Hostname,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

func (i *Info) output(ctx context.Context, name string, args ...string) (string, error) {
	out, err := i.runner.Run(ctx, nil, name, args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out.Stdout)), nil
}

// ConsoleUser returns the user logged in at the console.
// An empty string means nobody is logged in (including the login window).
func (i *Info) ConsoleUser(ctx context.Context) (string, error) {
	user, err := i.output(ctx, "/usr/bin/stat", "-f", "%Su", "/dev/console")
	if err != nil {
		return "", fmt.Errorf("console owner: %w", err)
	}
	switch user {
	case "root", "loginwindow", "_mbsetupuser":
		return "", nil
	}
	return user, nil
}

// ComputerName returns the user-visible name of the machine.
// It falls back to the host name.
func (i *Info) ComputerName(ctx context.Context) (string, error) {
	name, err := i.output(ctx, "/usr/sbin/scutil", "--get", "ComputerName")
	if err == nil && name != "" {
		return name, nil
	}
	if err == nil {
		err = errors.New("empty ComputerName")
	}
	host, hostErr := i.hostname()
	if hostErr != nil {
		return "", fmt.Errorf("computer name: %v: hostname: %w", err, hostErr)
	}
	return host, nil
}

// OSVersion returns the macOS product version, e.g. "13.4.1".
func (i *Info) OSVersion(ctx context.Context) (string, error) {
	v, err := i.output(ctx, "/usr/bin/sw_vers", "-productVersion")
	if err != nil {
		return "", fmt.Errorf("product version: %w", err)
	}
	if v == "" {
		return "", errors.New("empty product version")
	}
	return v, nil
}
