// Copyright (c) 2024 Vogtinator
// SPDX-License-Identifier: MIT

//go:build linux

package handlers

import (
	"golang.org/x/sys/unix"

	"github.com/Vogtinator/dettrace/internal/state"
	"github.com/Vogtinator/dettrace/internal/traceio"
)

const maxPathLen = 4096

// openHandler doesn't rewrite anything; it only observes which of the two
// system entropy devices a tracee opened, so the run's counters reflect
// actual entropy-device usage (SPEC_FULL.md §4.3) independent of how many
// bytes were ever read from the resulting fd. pathArg is the 1-indexed
// argument holding the path, which differs between open(2) and openat(2).
type openHandler struct {
	pathArg int
}

func (h *openHandler) Name() string { return "open" }

func (h *openHandler) Pre(s *state.Tracee, tr *traceio.Tracee, regs *unix.PtraceRegs) (bool, error) {
	addr := uintptr(traceio.Arg(regs, h.pathArg))
	path, err := tr.ReadCString(addr, maxPathLen)
	if err != nil {
		return true, err
	}

	switch entropyDevice(path) {
	case devURandom:
		s.Global.Counters.DevURandomOpens++
	case devRandom:
		s.Global.Counters.DevRandomOpens++
	}
	return true, nil
}

func (h *openHandler) Post(s *state.Tracee, tr *traceio.Tracee, regs *unix.PtraceRegs) (Outcome, error) {
	return Outcome{Action: ActionAccept}, nil
}

type entropyDeviceKind int

const (
	notEntropyDevice entropyDeviceKind = iota
	devURandom
	devRandom
)

// entropyDevice classifies path without touching the filesystem: the exact
// string a tracee passed is what matters for the open counters, not whatever
// it eventually resolves to.
func entropyDevice(path string) entropyDeviceKind {
	switch path {
	case "/dev/urandom":
		return devURandom
	case "/dev/random":
		return devRandom
	default:
		return notEntropyDevice
	}
}
