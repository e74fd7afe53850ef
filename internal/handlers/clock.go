// Copyright (c) 2024 Vogtinator
// SPDX-License-Identifier: MIT

//go:build linux

package handlers

import (
	"golang.org/x/sys/unix"

	"github.com/Vogtinator/dettrace/internal/state"
	"github.com/Vogtinator/dettrace/internal/traceio"
)

// clockKind distinguishes the three time-observing syscalls this handler
// covers; each writes its result back in a different wire layout.
type clockKind int

const (
	clockGettime clockKind = iota
	clockGettimeofday
	clockTime
)

// clockHandler makes every time-observing syscall return a value derived
// from the shared logical clock instead of the wall clock, advancing the
// clock by one tick per call so repeated observations within a run are
// strictly increasing but never depend on real elapsed time (SPEC_FULL.md
// §3, §4.5.1).
type clockHandler struct {
	kind clockKind
}

func (h *clockHandler) Name() string { return "clock" }

func (h *clockHandler) Pre(s *state.Tracee, tr *traceio.Tracee, regs *unix.PtraceRegs) (bool, error) {
	return true, nil
}

func (h *clockHandler) Post(s *state.Tracee, tr *traceio.Tracee, regs *unix.PtraceRegs) (Outcome, error) {
	if traceio.RetVal(regs) < 0 {
		return Outcome{Action: ActionAccept}, nil
	}

	s.Global.Counters.TimeCalls++
	now := s.IncrementTime()

	switch h.kind {
	case clockGettime:
		addr := uintptr(traceio.Arg(regs, 2))
		ts := unix.Timespec{Sec: int64(now), Nsec: 0}
		if err := traceio.WriteRecord(tr, addr, &ts); err != nil {
			return Outcome{}, err
		}
	case clockGettimeofday:
		addr := uintptr(traceio.Arg(regs, 1))
		tv := unix.Timeval{Sec: int64(now), Usec: 0}
		if err := traceio.WriteRecord(tr, addr, &tv); err != nil {
			return Outcome{}, err
		}
	case clockTime:
		traceio.SetRetVal(regs, int64(now))
		if addr := traceio.Arg(regs, 1); addr != 0 {
			if err := traceio.WriteRecord(tr, uintptr(addr), &now); err != nil {
				return Outcome{}, err
			}
		}
	}

	return Outcome{Action: ActionAccept}, nil
}
