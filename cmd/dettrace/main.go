// Copyright (c) 2024 Vogtinator
// SPDX-License-Identifier: MIT

//go:build linux

// Command dettrace runs a program under deterministic ptrace/seccomp
// tracing (SPEC_FULL.md §6): `dettrace run [flags] -- command [args...]`.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"

	"github.com/Vogtinator/dettrace/internal/bootstrap"
	"github.com/Vogtinator/dettrace/internal/cli"
)

func main() {
	// Re-exec in stub mode: see internal/bootstrap for why the seccomp
	// filter has to be installed this way rather than between fork and
	// exec directly.
	if len(os.Args) > 1 && os.Args[1] == bootstrap.StubFlag {
		if err := bootstrap.RunStub(os.Args[2:]); err != nil {
			os.Exit(127)
		}
		// RunStub replaces the process image on success; unreachable.
		return
	}

	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(&cli.Run{}, "")

	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}
