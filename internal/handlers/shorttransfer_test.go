// Copyright (c) 2024 Vogtinator
// SPDX-License-Identifier: MIT

//go:build linux

package handlers

import (
	"testing"

	"golang.org/x/sys/unix"

	"github.com/Vogtinator/dettrace/internal/registry"
	"github.com/Vogtinator/dettrace/internal/state"
	"github.com/Vogtinator/dettrace/internal/telemetry"
	"github.com/Vogtinator/dettrace/internal/traceio"
)

func newTestTracee() *state.Tracee {
	g := registry.New(telemetry.Discard(), 0)
	return state.New(g, 1, 0)
}

func readRegs(bufAddr, count uint64) unix.PtraceRegs {
	var regs unix.PtraceRegs
	traceio.SetArg(&regs, 2, bufAddr)
	traceio.SetArg(&regs, 3, count)
	return regs
}

func TestShortTransferHandlerReplaysUntilRequestSatisfied(t *testing.T) {
	s := newTestTracee()
	h := &shortTransferHandler{write: false}

	regs := readRegs(0x1000, 100)
	if _, err := h.Pre(s, nil, &regs); err != nil {
		t.Fatalf("Pre: %v", err)
	}

	traceio.SetRetVal(&regs, 40)
	outcome, err := h.Post(s, nil, &regs)
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if outcome.Action != ActionReplay {
		t.Fatalf("Action = %v, want ActionReplay after a 40/100 short read", outcome.Action)
	}
	if got := traceio.Arg(&regs, 2); got != 0x1000+40 {
		t.Errorf("buf arg = %#x, want %#x", got, 0x1000+40)
	}
	if got := traceio.Arg(&regs, 3); got != 60 {
		t.Errorf("count arg = %d, want 60", got)
	}
	if s.TotalBytes != 40 {
		t.Errorf("TotalBytes = %d, want 40", s.TotalBytes)
	}
	if s.Global.Counters.TotalReplays != 0 {
		t.Errorf("TotalReplays = %d, want 0: the handler must not count its own replays, only the supervisor does (one ActionReplay outcome, one increment)", s.Global.Counters.TotalReplays)
	}

	traceio.SetRetVal(&regs, 60)
	outcome, err = h.Post(s, nil, &regs)
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if outcome.Action != ActionAccept {
		t.Fatalf("Action = %v, want ActionAccept once the full count is satisfied", outcome.Action)
	}
	if got := traceio.RetVal(&regs); got != 100 {
		t.Errorf("RetVal = %d, want 100 (40 on the first attempt + 60 on the replay)", got)
	}
	if s.TotalBytes != 0 {
		t.Errorf("TotalBytes not reset after accept, got %d", s.TotalBytes)
	}
}

func TestShortTransferHandlerStopsOnEOF(t *testing.T) {
	s := newTestTracee()
	h := &shortTransferHandler{write: false}

	regs := readRegs(0x2000, 4096)
	traceio.SetRetVal(&regs, 10)
	if _, err := h.Post(s, nil, &regs); err != nil {
		t.Fatalf("Post: %v", err)
	}

	regs2 := readRegs(0x2000+10, 4096-10)
	traceio.SetRetVal(&regs2, 0)
	outcome, err := h.Post(s, nil, &regs2)
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if outcome.Action != ActionAccept {
		t.Fatalf("Action = %v, want ActionAccept on EOF", outcome.Action)
	}
	if got := traceio.RetVal(&regs2); got != 10 {
		t.Errorf("RetVal = %d, want 10 (bytes moved before EOF)", got)
	}
}

func TestShortTransferHandlerErrorAfterPartialTransferReportsBytesMoved(t *testing.T) {
	s := newTestTracee()
	h := &shortTransferHandler{write: true}

	regs := readRegs(0x3000, 4096)
	traceio.SetRetVal(&regs, 20)
	if _, err := h.Post(s, nil, &regs); err != nil {
		t.Fatalf("Post: %v", err)
	}

	regs2 := readRegs(0x3000+20, 4096-20)
	traceio.SetRetVal(&regs2, -int64(unix.EINTR))
	outcome, err := h.Post(s, nil, &regs2)
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if outcome.Action != ActionAccept {
		t.Fatalf("Action = %v, want ActionAccept", outcome.Action)
	}
	if got := traceio.RetVal(&regs2); got != 20 {
		t.Errorf("RetVal = %d, want 20 (bytes moved before the error)", got)
	}
}

func TestShortTransferHandlerErrorOnFirstAttemptPassesThrough(t *testing.T) {
	s := newTestTracee()
	h := &shortTransferHandler{write: false}

	regs := readRegs(0x4000, 4096)
	traceio.SetRetVal(&regs, -int64(unix.EBADF))
	outcome, err := h.Post(s, nil, &regs)
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if outcome.Action != ActionAccept {
		t.Fatalf("Action = %v, want ActionAccept", outcome.Action)
	}
	if got := traceio.RetVal(&regs); got != -int64(unix.EBADF) {
		t.Errorf("RetVal = %d, want -EBADF preserved untouched", got)
	}
}
