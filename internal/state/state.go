// Copyright (c) 2024 Vogtinator
// SPDX-License-Identifier: MIT

//go:build linux

// Package state holds the per-tracee record the supervisor maintains for
// every pid it traces (SPEC_FULL.md §3, §4.4): one created when the pid is
// first observed, destroyed on that pid's exit.
package state

import (
	"golang.org/x/sys/unix"

	"github.com/Vogtinator/dettrace/internal/registry"
)

// DirEntriesBytes is the per-fd directory-entry buffer size named in
// SPEC_FULL.md §3. Nothing in this repository reads it: getdents64 results
// are not buffered or re-served (see DirBuffer).
const DirEntriesBytes = 32 * 1024

// ActiveHandler names the one capability (Name) a per-tracee state could
// ask of the in-flight syscall handler without importing the handlers
// package (handlers need *Tracee). Tracee.Active is typed any and does not
// use this interface.
type ActiveHandler interface {
	Name() string
}

// DirBuffer is the per-fd getdents64 bookkeeping kept in
// Tracee.DirEntries. The getdents64 handler only advances Offset by the
// bytes of whole records it has virtualized; it never fills Entries, and
// records are not buffered, re-sorted or re-served between calls, so
// directory order is whatever the kernel returns (SPEC_FULL.md §4.5.1).
type DirBuffer struct {
	Entries []byte
	Offset  int
}

// Tracee is the per-pid state the supervisor threads through pre/post hook
// calls. A zero Tracee is not usable; construct with New.
type Tracee struct {
	Global *registry.Global

	Pid registry.Pid

	// IsPreExit is reserved for kernels older than 4.8, where
	// seccomp-ret-trace does not report a distinct pre-hook event and
	// the supervisor would need to alternate pre/post itself (SPEC_FULL.md
	// §6). This implementation always installs a seccomp filter that
	// does report the distinct event, so the field is carried but not
	// consulted; see internal/supervisor's event classification.
	IsPreExit bool

	// SignalToDeliver is the real signal number to redeliver on the next
	// resume, set by the supervisor's signal-event handling and cleared
	// immediately after use.
	SignalToDeliver int

	// InodeToDelete holds the real inode captured by an injected lstat
	// ahead of an unlink/unlinkat, so the post-hook of the real unlink
	// can erase it from the registry. nil means "none pending" (see
	// SPEC_FULL.md §9 on modeling the sentinel as optional).
	InodeToDelete *uint64

	// BeforeRetry is the register snapshot to restore when a handler
	// requests a replay (SPEC_FULL.md §4.6).
	BeforeRetry unix.PtraceRegs

	// PrevRegisterState is the register snapshot taken at the most
	// recent pre-hook, used to detect/restore original arguments once a
	// handler is done rewriting them.
	PrevRegisterState unix.PtraceRegs

	// OrigArgs holds the original (1-indexed, so index 0 is unused)
	// syscall arguments 1-5 as seen at pre-hook, saved whenever a
	// handler rewrites them so they can be restored post-hook.
	OrigArgs [6]uint64

	// TotalBytes accumulates bytes transferred across replays of a
	// single read/write syscall (SPEC_FULL.md §4.5.1).
	TotalBytes int

	// FirstTrySystemcall is set by the read/write handler's Pre on the
	// first attempt of a transfer and stays set across its replays; it is
	// cleared once the handler accepts the transfer's final result.
	FirstTrySystemcall bool

	// SyscallInjected marks that the currently armed handler substituted
	// a different syscall number at pre-hook and is waiting for the
	// injected syscall's post-hook before replaying the original.
	SyscallInjected bool

	// DebugLevel is copied from the run configuration so a handler can
	// gate its own verbose tracing without reaching back into global
	// config.
	DebugLevel int

	// DirEntries buffers raw getdents64 records per fd.
	DirEntries map[int]*DirBuffer

	// Active is the handler instantiated at the most recent pre-hook, or
	// nil if no syscall is currently in flight for this pid. Keying the
	// active handler on the per-tracee record (rather than treating
	// pre/post as a scoped pair) is what lets unrelated events from other
	// pids interleave between a pid's own pre- and post-hook
	// (SPEC_FULL.md §9).
	Active any
}

// New creates per-tracee state for a newly observed pid.
func New(global *registry.Global, pid registry.Pid, debugLevel int) *Tracee {
	return &Tracee{
		Global:     global,
		Pid:        pid,
		DebugLevel: debugLevel,
		DirEntries: make(map[int]*DirBuffer),
	}
}

// IncrementTime advances the shared logical clock and returns the new
// reading (delegates to the registry; SPEC_FULL.md §9 Open Question (a)).
func (s *Tracee) IncrementTime() uint64 { return s.Global.IncrementTime() }

// GetLogicalTime returns the shared logical clock's current reading.
func (s *Tracee) GetLogicalTime() uint64 { return s.Global.GetLogicalTime() }

// SaveArg stashes the original (1-indexed) argument i before a handler
// overwrites it in the live register set.
func (s *Tracee) SaveArg(i int, v uint64) { s.OrigArgs[i] = v }

// RestoreOrigArgs reapplies the saved original arguments 1-5 onto regs, used
// once a handler is finished rewriting them (SPEC_FULL.md §4.6: "After a
// successful post, original args are restored").
func (s *Tracee) RestoreOrigArgs(regs *unix.PtraceRegs, set func(*unix.PtraceRegs, int, uint64)) {
	for i := 1; i <= 5; i++ {
		set(regs, i, s.OrigArgs[i])
	}
}

// TakeSignal returns the real signal pending redelivery, if any, and clears
// it. Called once per resume so a forwarded signal is never redelivered
// twice (SPEC_FULL.md §4.6 Signal handling).
func (s *Tracee) TakeSignal() int {
	sig := s.SignalToDeliver
	s.SignalToDeliver = 0
	return sig
}

// OnExec discards directory-entry buffers held across an exec: they
// referred to file descriptors and offsets meaningful to the old address
// image only. Everything else on the state survives the exec, since it is
// still the same pid (SPEC_FULL.md §4.6).
func (s *Tracee) OnExec() {
	s.DirEntries = make(map[int]*DirBuffer)
}

// ClearActive detaches the currently-armed handler, e.g. once post() has
// fully accepted a result.
func (s *Tracee) ClearActive() { s.Active = nil }
