// Copyright (c) 2024 Vogtinator
// SPDX-License-Identifier: MIT

//go:build linux

// Package cli wires config, telemetry, bootstrap and the supervisor into a
// github.com/google/subcommands command, the library the teacher's own
// runsc/cmd package uses for Do/Wait/etc. (grounded in runsc/cmd/do.go,
// runsc/cmd/wait.go; SPEC_FULL.md §10.4).
package cli

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/gofrs/flock"
	"github.com/google/subcommands"

	"github.com/Vogtinator/dettrace/internal/bootstrap"
	"github.com/Vogtinator/dettrace/internal/config"
	"github.com/Vogtinator/dettrace/internal/supervisor"
)

// Run implements subcommands.Command for "dettrace run -- command [args...]".
type Run struct {
	cfg config.Config

	configFile string
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string { return "run" }

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "run a command under deterministic ptrace/seccomp tracing"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return "run [flags] -- command [args...]\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	r.cfg = config.Default()
	r.cfg.ApplyEnv()
	r.cfg.RegisterFlags(f)
	f.StringVar(&r.configFile, "config", "", "optional TOML file describing a run declaratively, merged over flag defaults")
}

// Execute implements subcommands.Command.Execute: it launches the traced
// program, drives the supervisor's event loop to completion, and exits with
// the tracee's own status.
func (r *Run) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	argv := f.Args()
	if len(argv) == 0 {
		fmt.Fprintln(f.Output(), "run: no command given")
		f.Usage()
		return subcommands.ExitUsageError
	}

	if r.configFile != "" {
		if err := config.LoadTOMLFile(&r.cfg, r.configFile); err != nil {
			fmt.Fprintln(f.Output(), err)
			return subcommands.ExitFailure
		}
	}

	log, err := r.cfg.Logger()
	if err != nil {
		fmt.Fprintln(f.Output(), err)
		return subcommands.ExitFailure
	}

	if r.cfg.Log != "" {
		lock := flock.New(r.cfg.Log + ".lock")
		locked, err := lock.TryLock()
		if err != nil {
			fmt.Fprintln(f.Output(), fmt.Errorf("run: acquire log lock: %w", err))
			return subcommands.ExitFailure
		}
		if !locked {
			fmt.Fprintln(f.Output(), "run: another dettrace run already holds the log lock for this log file")
			return subcommands.ExitFailure
		}
		defer lock.Unlock()
	}

	cmd, err := bootstrap.Launch(argv, nil)
	if err != nil {
		log.Warningf("launch failed: %v", err)
		return subcommands.ExitFailure
	}

	sv := supervisor.New(log, r.cfg.Epoch, r.cfg.Debug)
	status, err := sv.Run(cmd.Process.Pid)
	if err != nil {
		log.Warningf("supervisor: %v", err)
		return subcommands.ExitFailure
	}

	log.Infof("run complete: exit status %d, counters %+v", status, sv.Global().Counters)

	// The tracee's own exit status (or 128+signal) is the run's exit
	// status (SPEC_FULL.md §6), which does not fit subcommands.ExitStatus's
	// three-value enum, so it is applied directly.
	os.Exit(status)
	return subcommands.ExitSuccess
}
