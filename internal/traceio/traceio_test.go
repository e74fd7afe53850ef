// Copyright (c) 2024 Vogtinator
// SPDX-License-Identifier: MIT

//go:build linux

package traceio

import (
	"os/exec"
	"syscall"
	"testing"

	"golang.org/x/sys/unix"
)

func TestArgAccessorsRoundTrip(t *testing.T) {
	var regs unix.PtraceRegs
	for i := 1; i <= 6; i++ {
		SetArg(&regs, i, uint64(i*11))
	}
	for i := 1; i <= 6; i++ {
		if got, want := Arg(&regs, i), uint64(i*11); got != want {
			t.Errorf("Arg(%d) = %d, want %d", i, got, want)
		}
	}
}

func TestSyscallNoAndRetVal(t *testing.T) {
	var regs unix.PtraceRegs
	SetSyscallNo(&regs, 257) // openat
	if SyscallNo(&regs) != 257 {
		t.Errorf("SyscallNo() = %d, want 257", SyscallNo(&regs))
	}

	SetRetVal(&regs, -2) // -ENOENT
	if RetVal(&regs) != -2 {
		t.Errorf("RetVal() = %d, want -2", RetVal(&regs))
	}
}

func TestIPRoundTrip(t *testing.T) {
	var regs unix.PtraceRegs
	SetIP(&regs, 0x400000)
	if IP(&regs) != 0x400000 {
		t.Errorf("IP() = %#x, want %#x", IP(&regs), uint64(0x400000))
	}
}

// TestReadWriteRecordAgainstRealChild exercises the word-at-a-time memory
// copy (SPEC_FULL.md §4.1) against a real stopped tracee. It is skipped in
// sandboxed or unprivileged environments where ptrace attach is disallowed
// (e.g. yama ptrace_scope, or running inside an already-sandboxed CI
// container), mirroring how kernel-feature-gated tests in this codebase
// degrade gracefully rather than failing the whole suite.
func TestReadWriteRecordAgainstRealChild(t *testing.T) {
	cmd := exec.Command("sleep", "5")
	cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true}
	if err := cmd.Start(); err != nil {
		t.Skipf("unable to start tracee: %v", err)
	}
	defer func() {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
	}()

	var ws syscall.WaitStatus
	if _, err := syscall.Wait4(cmd.Process.Pid, &ws, 0, nil); err != nil {
		t.Skipf("unable to wait for initial stop: %v", err)
	}
	if !ws.Stopped() {
		t.Skipf("tracee did not stop as expected: %v", ws)
	}

	tr := &Tracee{Pid: cmd.Process.Pid}

	var regs unix.PtraceRegs
	if err := tr.GetRegs(&regs); err != nil {
		t.Fatalf("GetRegs: %v", err)
	}

	type sample struct {
		A uint32
		B uint64
		C uint16
	}
	want := sample{A: 0xdeadbeef, B: 0x0102030405060708, C: 0xcafe}

	addr := uintptr(SP(&regs)) - 4096
	if err := WriteRecord(tr, addr, &want); err != nil {
		t.Fatalf("WriteRecord: %v", err)
	}

	var got sample
	if err := ReadRecord(tr, addr, &got); err != nil {
		t.Fatalf("ReadRecord: %v", err)
	}
	if got != want {
		t.Errorf("ReadRecord after WriteRecord = %+v, want %+v", got, want)
	}
}
