// Copyright (c) 2024 Vogtinator
// SPDX-License-Identifier: MIT

//go:build linux

// Package seccompfilter installs the classic-BPF seccomp program that makes
// every syscall a traced tracee issues stop at the tracer with
// PTRACE_EVENT_SECCOMP (SPEC_FULL.md §4.6, §6). It is child-side setup: the
// child calls Install after PTRACE_TRACEME and before exec, the same
// ordering libseccomp-based tracers use.
//
// The filter installed here traps every syscall unconditionally rather than
// matching only the numbers with a registered handler. Selectively matching
// would cut context-switch overhead for programs that make many untraced
// syscalls, but it adds a second source of truth (the BPF program and
// internal/handlers' registry would have to be kept in lockstep) for no
// behavioral difference: an unregistered syscall already passes straight
// through once handlers.New reports no match. Documented in DESIGN.md.
package seccompfilter

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// BPF opcodes classic seccomp filters are built from (linux/filter.h,
// linux/seccomp.h). golang.org/x/sys/unix exports the SockFilter/SockFprog
// wire structs a cBPF program is submitted in, but not these constants, so
// they're named here the way the kernel headers name them.
const (
	bpfLD  = 0x00
	bpfW   = 0x00
	bpfABS = 0x20
	bpfRET = 0x06
	bpfK   = 0x00

	seccompRetTrace = 0x7ff00000

	// seccompDataOffNr is the offset of the syscall number within
	// struct seccomp_data.
	seccompDataOffNr = 0
)

// Install loads a seccomp-bpf program that returns SECCOMP_RET_TRACE for
// every syscall, after first requiring PR_SET_NO_NEW_PRIVS (the kernel
// refuses SECCOMP_SET_MODE_FILTER for an unprivileged caller otherwise).
// Must be called from the traced process itself, after PTRACE_TRACEME.
func Install() error {
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("seccompfilter: PR_SET_NO_NEW_PRIVS: %w", err)
	}

	prog := []unix.SockFilter{
		// Load the syscall number into the BPF accumulator.
		{Code: bpfLD | bpfW | bpfABS, K: seccompDataOffNr},
		// Trace it unconditionally.
		{Code: bpfRET | bpfK, K: seccompRetTrace},
	}
	fprog := unix.SockFprog{
		Len:    uint16(len(prog)),
		Filter: &prog[0],
	}

	_, _, errno := unix.Syscall(unix.SYS_SECCOMP, unix.SECCOMP_SET_MODE_FILTER, 0, uintptr(unsafe.Pointer(&fprog)))
	if errno != 0 {
		return fmt.Errorf("seccompfilter: SECCOMP_SET_MODE_FILTER: %w", errno)
	}
	return nil
}
