// Copyright (c) 2024 Vogtinator
// SPDX-License-Identifier: MIT

// Package config holds the run-time configuration for a single dettrace
// invocation: flags registered against a standard flag.FlagSet (grounded in
// runsc/config/flags.go's RegisterFlags pattern), with environment variable
// overrides and an optional declarative TOML file for scripted/CI use
// (SPEC_FULL.md §10.3, §6).
package config

import (
	"flag"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/Vogtinator/dettrace/internal/registry"
	"github.com/Vogtinator/dettrace/internal/telemetry"
)

// Config is every knob the run subcommand accepts.
type Config struct {
	// Debug is the debug verbosity level; 0 disables debug logging.
	Debug int
	// Log is the path debug output is appended to; empty means stderr.
	Log string
	// LogFormat selects text or json rendering.
	LogFormat string
	// Epoch overrides the logical clock's starting value.
	Epoch uint64
}

// Default returns a Config with the teacher-style defaults: text logging to
// stderr, no debug output, the project's default epoch.
func Default() Config {
	return Config{
		LogFormat: "text",
		Epoch:     registry.DefaultEpoch,
	}
}

// RegisterFlags registers c's fields against flagSet, in the style of
// runsc/config/flags.go's RegisterFlags: one flagSet.TYPE call per field,
// defaults taken from c's current values so callers can seed Default()
// first.
func (c *Config) RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.IntVar(&c.Debug, "debug", c.Debug, "enable debug logging at the given verbosity (0 disables).")
	flagSet.StringVar(&c.Log, "log", c.Log, "file path where debug information is written, default is stderr.")
	flagSet.StringVar(&c.LogFormat, "log-format", c.LogFormat, "log format: text (default) or json.")
	flagSet.Uint64Var(&c.Epoch, "epoch", c.Epoch, "override the logical clock's starting epoch.")
}

// ApplyEnv applies DETTRACE_DEBUG and DETTRACE_LOG overrides, the narrower
// analogue of the teacher's --allow-flag-override OCI-annotation mechanism
// appropriate to a single-command tool: called before flag parsing so an
// explicit flag still wins.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("DETTRACE_DEBUG"); v != "" {
		var level int
		if _, err := fmt.Sscanf(v, "%d", &level); err == nil {
			c.Debug = level
		}
	}
	if v := os.Getenv("DETTRACE_LOG"); v != "" {
		c.Log = v
	}
}

// LoadTOMLFile merges a declarative config file on top of c, for batch/CI
// invocations that describe a run once instead of repeating flags.
func LoadTOMLFile(c *Config, path string) error {
	var file Config
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return fmt.Errorf("config: decode %s: %w", path, err)
	}
	if file.Debug != 0 {
		c.Debug = file.Debug
	}
	if file.Log != "" {
		c.Log = file.Log
	}
	if file.LogFormat != "" {
		c.LogFormat = file.LogFormat
	}
	if file.Epoch != 0 {
		c.Epoch = file.Epoch
	}
	return nil
}

// Format resolves LogFormat into a telemetry.Format, defaulting to text for
// any unrecognized value rather than failing the run over a typo'd flag.
func (c *Config) Format() telemetry.Format {
	if c.LogFormat == "json" {
		return telemetry.FormatJSON
	}
	return telemetry.FormatText
}

// Logger builds the telemetry.Logger this Config describes, opening Log if
// set or falling back to stderr.
func (c *Config) Logger() (*telemetry.Logger, error) {
	if c.Log == "" {
		return telemetry.NewStderr(c.Debug, c.Format()), nil
	}
	f, err := os.OpenFile(c.Log, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("config: open log file: %w", err)
	}
	return telemetry.New(f, c.Debug, c.Format()), nil
}
