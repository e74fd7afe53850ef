// Copyright (c) 2024 Vogtinator
// SPDX-License-Identifier: MIT

//go:build linux

package handlers

import (
	"os/exec"
	"syscall"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/Vogtinator/dettrace/internal/registry"
	"github.com/Vogtinator/dettrace/internal/state"
	"github.com/Vogtinator/dettrace/internal/telemetry"
	"github.com/Vogtinator/dettrace/internal/traceio"
)

// attachedChild starts a real stopped, ptrace-attached child so Post can be
// exercised against genuine tracee memory the way TestReadWriteRecordAgainstRealChild
// does in package traceio.
func attachedChild(t *testing.T) (*traceio.Tracee, unix.PtraceRegs) {
	t.Helper()
	cmd := exec.Command("sleep", "5")
	cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true}
	if err := cmd.Start(); err != nil {
		t.Skipf("unable to start tracee: %v", err)
	}
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
	})

	var ws syscall.WaitStatus
	if _, err := syscall.Wait4(cmd.Process.Pid, &ws, 0, nil); err != nil {
		t.Skipf("unable to wait for initial stop: %v", err)
	}
	if !ws.Stopped() {
		t.Skipf("tracee did not stop as expected: %v", ws)
	}

	tr := &traceio.Tracee{Pid: cmd.Process.Pid}
	var regs unix.PtraceRegs
	if err := tr.GetRegs(&regs); err != nil {
		t.Fatalf("GetRegs: %v", err)
	}
	return tr, regs
}

func TestStatHandlerVirtualizesInoAndMtime(t *testing.T) {
	tr, regs := attachedChild(t)

	global := registry.New(telemetry.Discard(), registry.DefaultEpoch)
	s := state.New(global, registry.Pid(tr.Pid), 0)

	addr := uintptr(traceio.SP(&regs)) - 8192
	var real unix.Stat_t
	real.Ino = 99887766
	real.Mtim.Sec = 1234 // any real mtime; must not survive to the tracee
	if err := traceio.WriteRecord(tr, addr, &real); err != nil {
		t.Fatalf("seed WriteRecord: %v", err)
	}

	traceio.SetArg(&regs, 2, uint64(addr))
	traceio.SetRetVal(&regs, 0)

	h := &statHandler{bufArg: 2}
	outcome, err := h.Post(s, tr, &regs)
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if outcome.Action != ActionAccept {
		t.Fatalf("Action = %v, want ActionAccept", outcome.Action)
	}

	var got unix.Stat_t
	if err := traceio.ReadRecord(tr, addr, &got); err != nil {
		t.Fatalf("ReadRecord after Post: %v", err)
	}

	if got.Ino == real.Ino {
		t.Errorf("Ino was not virtualized: still %d", got.Ino)
	}
	wantIno, err := global.Inode.GetVirtual(real.Ino)
	if err != nil {
		t.Fatalf("GetVirtual: %v", err)
	}
	if got.Ino != wantIno {
		t.Errorf("Ino = %d, want %d", got.Ino, wantIno)
	}

	if got.Mtim.Sec != int64(global.GetLogicalTime()) {
		t.Errorf("Mtim.Sec = %d, want logical clock reading %d", got.Mtim.Sec, global.GetLogicalTime())
	}
	if got.Atim != got.Mtim || got.Ctim != got.Mtim {
		t.Errorf("Atim/Ctim must equal Mtim: got atim=%+v ctim=%+v mtim=%+v", got.Atim, got.Ctim, got.Mtim)
	}

	// A second stat of the same real inode must see the same stamped
	// virtual mtime, not a newer logical-clock reading.
	firstMtime := got.Mtim
	global.IncrementTime()
	if err := traceio.WriteRecord(tr, addr, &real); err != nil {
		t.Fatalf("re-seed WriteRecord: %v", err)
	}
	if _, err := h.Post(s, tr, &regs); err != nil {
		t.Fatalf("second Post: %v", err)
	}
	if err := traceio.ReadRecord(tr, addr, &got); err != nil {
		t.Fatalf("ReadRecord after second Post: %v", err)
	}
	if got.Mtim != firstMtime {
		t.Errorf("second stat Mtim = %+v, want unchanged %+v", got.Mtim, firstMtime)
	}
}

func TestStatHandlerPassesThroughOnError(t *testing.T) {
	tr, regs := attachedChild(t)

	global := registry.New(telemetry.Discard(), registry.DefaultEpoch)
	s := state.New(global, registry.Pid(tr.Pid), 0)

	traceio.SetArg(&regs, 2, uint64(traceio.SP(&regs))-8192)
	traceio.SetRetVal(&regs, -2) // -ENOENT

	h := &statHandler{bufArg: 2}
	outcome, err := h.Post(s, tr, &regs)
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if outcome.Action != ActionAccept {
		t.Fatalf("Action = %v, want ActionAccept", outcome.Action)
	}
	if global.Inode.Len() != 0 {
		t.Errorf("Inode registry should stay empty on a failed stat, got %d entries", global.Inode.Len())
	}
}
