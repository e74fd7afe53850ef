// Copyright (c) 2024 Vogtinator
// SPDX-License-Identifier: MIT

//go:build linux

package handlers

import (
	"golang.org/x/sys/unix"

	"github.com/Vogtinator/dettrace/internal/state"
	"github.com/Vogtinator/dettrace/internal/traceio"
)

// shortTransferHandler makes read/write byte counts deterministic by
// replaying a short transfer until either the full requested count has been
// moved or the kernel reports 0 (EOF) or an error (SPEC_FULL.md §4.5.1): a
// partial transfer is otherwise a race between the tracee's buffer size and
// whatever the kernel happened to have ready, which is exactly the kind of
// nondeterminism this project exists to remove.
type shortTransferHandler struct {
	write bool
}

func (h *shortTransferHandler) Name() string {
	if h.write {
		return "write"
	}
	return "read"
}

func (h *shortTransferHandler) Pre(s *state.Tracee, tr *traceio.Tracee, regs *unix.PtraceRegs) (bool, error) {
	if !s.FirstTrySystemcall && s.TotalBytes == 0 {
		// First time this handler is armed for this syscall instance.
		s.FirstTrySystemcall = true
	}
	return true, nil
}

func (h *shortTransferHandler) Post(s *state.Tracee, tr *traceio.Tracee, regs *unix.PtraceRegs) (Outcome, error) {
	ret := traceio.RetVal(regs)

	requested := int64(traceio.Arg(regs, 3))

	if ret < 0 {
		// An error on a retry still reports the bytes already moved
		// across earlier replays, which is what the tracee's call
		// expected to see in the first place had the transfer been one
		// atomic operation.
		if s.TotalBytes > 0 {
			traceio.SetRetVal(regs, int64(s.TotalBytes))
			s.TotalBytes = 0
			s.FirstTrySystemcall = false
			return Outcome{Action: ActionAccept}, nil
		}
		return Outcome{Action: ActionAccept}, nil
	}

	s.TotalBytes += int(ret)

	// requested is this attempt's count, which a replay has already
	// reduced to what was still outstanding.
	if ret == 0 || ret >= requested {
		// EOF, or the full request has now been satisfied across
		// however many replays it took.
		final := s.TotalBytes
		s.TotalBytes = 0
		s.FirstTrySystemcall = false
		traceio.SetRetVal(regs, int64(final))
		return Outcome{Action: ActionAccept}, nil
	}

	// Short transfer: advance the buffer pointer and remaining count by
	// what was already moved, then replay to ask the kernel for the rest.
	if h.write {
		s.Global.Counters.WriteRetryEvents++
	} else {
		s.Global.Counters.ReadRetryEvents++
	}
	s.Global.Counters.BlockingReplays++

	// TotalReplays itself is incremented once by the supervisor for every
	// ActionReplay outcome it dispatches, regardless of which handler
	// produced it; counting it here too would double it.
	bufArg := traceio.Arg(regs, 2) + uint64(ret)
	remaining := uint64(requested - ret)
	traceio.SetArg(regs, 2, bufArg)
	traceio.SetArg(regs, 3, remaining)

	return Outcome{Action: ActionReplay}, nil
}
