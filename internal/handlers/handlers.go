// Copyright (c) 2024 Vogtinator
// SPDX-License-Identifier: MIT

//go:build linux

// Package handlers defines the syscall handler contract (SPEC_FULL.md §4.5)
// and a representative catalog of concrete handlers (§4.5.1). Only the
// contract is "core"; the concrete bodies here are the expansion that makes
// the repository runnable end to end.
package handlers

import (
	"golang.org/x/sys/unix"

	"github.com/Vogtinator/dettrace/internal/state"
	"github.com/Vogtinator/dettrace/internal/traceio"
)

// Action is the supervisor instruction a Post call hands back.
type Action int

const (
	// ActionAccept means the supervisor should clear the active handler
	// and resume the tracee normally.
	ActionAccept Action = iota
	// ActionReplay means the supervisor should set the instruction
	// pointer back to the syscall instruction (BeforeRetry's IP minus 2),
	// put the syscall number back in rax, and keep the same handler armed
	// (SPEC_FULL.md §4.6 (b)). The supervisor does not reload the other
	// BeforeRetry registers: the replay runs with the registers exactly as
	// Post left them, so a handler that wants the original arguments back
	// restores them itself.
	ActionReplay
	// ActionInject means the supervisor should overwrite the syscall
	// number/args with InjectSyscall/InjectArgs, mark SyscallInjected,
	// and arrange to replay the original syscall after the injected one
	// completes (SPEC_FULL.md §4.6 (c)).
	ActionInject
)

// Outcome is returned by Post.
type Outcome struct {
	Action Action

	// InjectSyscall and InjectArgs are only meaningful when Action is
	// ActionInject.
	InjectSyscall uint64
	InjectArgs    [6]uint64
}

// Syscall is the contract every concrete handler implements (SPEC_FULL.md
// §4.5). pre runs at seccomp-entry and returns whether the supervisor
// should expect a matching post call; post runs at syscall-exit.
type Syscall interface {
	// Name identifies the handler for logging.
	Name() string

	// Pre inspects/rewrites registers at seccomp-entry. A false return
	// means the syscall was fully handled here (e.g. replaced by an
	// immediate return value) and the supervisor must not call Post for
	// this event.
	Pre(s *state.Tracee, tr *traceio.Tracee, regs *unix.PtraceRegs) (expectPost bool, err error)

	// Post inspects/rewrites the result at syscall-exit.
	Post(s *state.Tracee, tr *traceio.Tracee, regs *unix.PtraceRegs) (Outcome, error)
}

// Factory constructs a fresh handler instance. Factories are looked up by
// syscall number through New, which reports (nil, false) for a number with
// no registered factory — syscalls with no handler simply pass through
// untouched.
type Factory func() Syscall

// registry maps syscall numbers (as defined by golang.org/x/sys/unix's
// SYS_* constants on amd64) to handler factories. Populated by init below;
// a package-level registry (rather than a method on some receiver) matches
// how the teacher wires its own syscall tables (e.g. seccomp.SyscallRules
// keyed by syscall number in subprocess.go).
var registry = map[uint64]Factory{}

func register(nr uintptr, f Factory) {
	registry[uint64(nr)] = f
}

// New looks up and instantiates the handler for syscall number nr. ok is
// false if nr has no registered handler.
func New(nr uint64) (Syscall, bool) {
	f, ok := registry[nr]
	if !ok {
		return nil, false
	}
	return f(), true
}

func init() {
	register(unix.SYS_STAT, func() Syscall { return &statHandler{bufArg: 2} })
	register(unix.SYS_LSTAT, func() Syscall { return &statHandler{bufArg: 2} })
	register(unix.SYS_FSTAT, func() Syscall { return &statHandler{bufArg: 2} })
	register(unix.SYS_NEWFSTATAT, func() Syscall { return &statHandler{bufArg: 3} })

	register(unix.SYS_GETDENTS64, func() Syscall { return &getdentsHandler{} })

	register(unix.SYS_READ, func() Syscall { return &shortTransferHandler{write: false} })
	register(unix.SYS_WRITE, func() Syscall { return &shortTransferHandler{write: true} })

	register(unix.SYS_GETRANDOM, func() Syscall { return &getrandomHandler{} })

	register(unix.SYS_OPEN, func() Syscall { return &openHandler{pathArg: 1} })
	register(unix.SYS_OPENAT, func() Syscall { return &openHandler{pathArg: 2} })

	register(unix.SYS_CLOCK_GETTIME, func() Syscall { return &clockHandler{kind: clockGettime} })
	register(unix.SYS_GETTIMEOFDAY, func() Syscall { return &clockHandler{kind: clockGettimeofday} })
	register(unix.SYS_TIME, func() Syscall { return &clockHandler{kind: clockTime} })

	register(unix.SYS_UNLINK, func() Syscall { return &unlinkHandler{pathArg: 1, dirfd: false} })
	register(unix.SYS_UNLINKAT, func() Syscall { return &unlinkHandler{pathArg: 2, dirfd: true} })
}
