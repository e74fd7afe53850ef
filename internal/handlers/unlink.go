// Copyright (c) 2024 Vogtinator
// SPDX-License-Identifier: MIT

//go:build linux

package handlers

import (
	"golang.org/x/sys/unix"

	"github.com/Vogtinator/dettrace/internal/state"
	"github.com/Vogtinator/dettrace/internal/traceio"
)

// scratchBelowStack is how far under the stack pointer an injected syscall's
// output is stashed. The tracee is stopped mid syscall-entry for the
// duration of the injection, so nothing of its own is using this range
// (SPEC_FULL.md §4.6 (c)).
const scratchBelowStack = 4096

// unlinkHandler captures the real inode a path resolves to, via an injected
// lstat, before letting the real unlink/unlinkat proceed, so the post-hook
// of the real call can erase that inode from the registry once it is
// actually gone (SPEC_FULL.md §4.5.1, §4.6 (c)). Erasing on sight of the
// path (rather than waiting to notice the inode missing later) is what
// keeps a later unrelated file that the kernel assigns the same inode
// number from colliding with a stale virtual mapping.
type unlinkHandler struct {
	pathArg int
	dirfd   bool
}

func (h *unlinkHandler) Name() string { return "unlink" }

func (h *unlinkHandler) Pre(s *state.Tracee, tr *traceio.Tracee, regs *unix.PtraceRegs) (bool, error) {
	if _, replaying := s.Active.(*unlinkHandler); replaying {
		// Second pass: the injected lstat already ran and its post-hook,
		// still armed as the active handler, replayed the real
		// unlink/unlinkat. Let it proceed untouched.
		return true, nil
	}

	// First pass: save the original syscall so it can be replayed after
	// the injected lstat, then rewrite this entry into an lstat against
	// the same path.
	for i := 1; i <= 5; i++ {
		s.SaveArg(i, traceio.Arg(regs, i))
	}
	s.BeforeRetry = *regs

	scratch := uintptr(traceio.SP(regs)) - scratchBelowStack
	pathAddr := traceio.Arg(regs, h.pathArg)

	traceio.SetSyscallNo(regs, unix.SYS_LSTAT)
	traceio.SetArg(regs, 1, pathAddr)
	traceio.SetArg(regs, 2, uint64(scratch))

	s.SyscallInjected = true
	s.Global.Counters.InjectedSyscalls++
	return true, nil
}

func (h *unlinkHandler) Post(s *state.Tracee, tr *traceio.Tracee, regs *unix.PtraceRegs) (Outcome, error) {
	if s.SyscallInjected {
		s.SyscallInjected = false

		if traceio.RetVal(regs) == 0 {
			scratch := uintptr(traceio.SP(regs)) - scratchBelowStack
			var st unix.Stat_t
			if err := traceio.ReadRecord(tr, scratch, &st); err != nil {
				return Outcome{}, err
			}
			ino := st.Ino
			s.InodeToDelete = &ino
		} else {
			// The path never resolved (already gone, or never
			// existed); the real unlink below will fail the same
			// way and there is nothing to erase.
			s.InodeToDelete = nil
		}

		// Rewind and replay with the original unlink/unlinkat restored.
		restored := s.BeforeRetry
		*regs = restored
		return Outcome{Action: ActionReplay}, nil
	}

	// This is the real unlink/unlinkat's own post-hook.
	if traceio.RetVal(regs) == 0 && s.InodeToDelete != nil {
		s.Global.Inode.EraseReal(*s.InodeToDelete)
		s.Global.Mtime.EraseReal(*s.InodeToDelete)
	}
	s.InodeToDelete = nil

	return Outcome{Action: ActionAccept}, nil
}
