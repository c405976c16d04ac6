// Package main runs the FileVault recovery key agent once.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	stdlog "log"
	"os"

	"github.com/micromdm/nanocrypt/engine"
	"github.com/micromdm/nanocrypt/escrow"
	"github.com/micromdm/nanocrypt/fde"
	"github.com/micromdm/nanocrypt/log/logkeys"
	"github.com/micromdm/nanocrypt/machine"
	"github.com/micromdm/nanocrypt/prefs"
	"github.com/micromdm/nanocrypt/record/diskv"

	"github.com/google/uuid"
	"github.com/micromdm/nanolib/envflag"
	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
	"github.com/micromdm/nanolib/log/stdlogfmt"
)

// overridden by -ldflags -X
var version = "unknown"

type ctxKey int

const ctxKeyRunID ctxKey = iota

func main() {
	var (
		flDebug   = flag.Bool("debug", false, "log debug messages")
		flVersion = flag.Bool("version", false, "print version and exit")
		flLog     = flag.String("log", "/var/log/crypt.log", "log file path, empty to log to stdout only")
		flDomain  = flag.String("domain", prefs.DefaultDomain, "preference domain")
		flFDE     = flag.String("fdesetup", fde.DefaultPath, "path to fdesetup")
	)
	envflag.Parse("NANOCRYPT_", []string{"version"})

	if *flVersion {
		fmt.Println(version)
		return
	}

	var out io.Writer = os.Stdout
	if *flLog != "" {
		f, err := os.OpenFile(*flLog, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "opening log file: %v\n", err)
		} else {
			defer f.Close()
			out = io.MultiWriter(os.Stdout, f)
		}
	}
	logger := stdlogfmt.New(
		stdlogfmt.WithLogger(stdlog.New(out, "", 0)),
		stdlogfmt.WithDebugFlag(*flDebug),
	)

	if os.Geteuid() != 0 {
		logger.Info(logkeys.Error, "must be run as root")
		os.Exit(1)
	}

	ctx := ctxlog.AddFunc(context.Background(), ctxlog.SimpleStringFunc(logkeys.RunID, ctxKeyRunID))
	ctx = context.WithValue(ctx, ctxKeyRunID, uuid.NewString())

	e, err := engine.New(
		fde.New(fde.WithPath(*flFDE)),
		diskv.New(),
		newResolver(logger.With("service", "prefs"), *flDomain),
		machine.New(),
		escrow.New(escrow.WithLogger(logger.With("service", "escrow"))),
		engine.WithLogger(logger.With("service", "engine")),
	)
	if err != nil {
		logger.Info(logkeys.Message, "creating engine", logkeys.Error, err)
		os.Exit(1)
	}

	ctxlog.Logger(ctx, logger).Debug(logkeys.Message, "starting run", "version", version)
	if err = e.Run(ctx); err != nil {
		ctxlog.Logger(ctx, logger).Info(logkeys.Message, "run", logkeys.Error, err)
		os.Exit(1)
	}
}

// newResolver layers the managed, user and system preference files of domain.
// Unreadable files are logged and treated as empty.
func newResolver(logger log.Logger, domain string) *prefs.Resolver {
	home, err := os.UserHomeDir()
	if err != nil {
		logger.Debug(logkeys.Message, "home directory", logkeys.Error, err)
	}
	paths := prefs.DomainPaths(domain, home)

	open := func(path string) *prefs.File {
		f, err := prefs.NewFile(path)
		if err != nil {
			logger.Info(logkeys.Message, "reading preferences", logkeys.Path, path, logkeys.Error, err)
		}
		return f
	}

	var user prefs.Layer
	if paths.User != "" {
		user = open(paths.User)
	}
	return prefs.New(
		open(paths.Managed),
		user,
		open(paths.System),
		prefs.WithLogger(logger),
	)
}
