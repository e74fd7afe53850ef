// Copyright (c) 2024 Vogtinator
// SPDX-License-Identifier: MIT

//go:build linux

package handlers

import (
	"golang.org/x/sys/unix"

	"github.com/Vogtinator/dettrace/internal/state"
	"github.com/Vogtinator/dettrace/internal/traceio"
)

// statHandler virtualizes st_ino and st_mtim for stat/lstat/fstat/
// newfstatat (SPEC_FULL.md §4.5.1). bufArg is the 1-indexed argument
// holding the `struct stat *` output pointer, which differs per syscall.
type statHandler struct {
	bufArg int
}

func (h *statHandler) Name() string { return "stat" }

func (h *statHandler) Pre(s *state.Tracee, tr *traceio.Tracee, regs *unix.PtraceRegs) (bool, error) {
	// The real syscall runs unmodified; only its output is virtualized.
	return true, nil
}

func (h *statHandler) Post(s *state.Tracee, tr *traceio.Tracee, regs *unix.PtraceRegs) (Outcome, error) {
	if traceio.RetVal(regs) < 0 {
		return Outcome{Action: ActionAccept}, nil
	}

	addr := uintptr(traceio.Arg(regs, h.bufArg))
	var st unix.Stat_t
	if err := traceio.ReadRecord(tr, addr, &st); err != nil {
		return Outcome{}, err
	}

	realIno := st.Ino
	st.Ino = s.Global.Inode.AddReal(realIno)

	// A virtual mtime is stamped with the logical clock reading at first
	// sighting and held fixed thereafter, until a write-side syscall
	// bumps it (SPEC_FULL.md §3). Observing metadata is not itself a
	// time-observing syscall, so this does not advance the clock.
	virtualMtime := s.Global.Mtime.GetOrSet(realIno, s.GetLogicalTime())
	st.Mtim.Sec = int64(virtualMtime)
	st.Mtim.Nsec = 0
	st.Atim = st.Mtim
	st.Ctim = st.Mtim

	if err := traceio.WriteRecord(tr, addr, &st); err != nil {
		return Outcome{}, err
	}
	return Outcome{Action: ActionAccept}, nil
}
