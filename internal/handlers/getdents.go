// Copyright (c) 2024 Vogtinator
// SPDX-License-Identifier: MIT

//go:build linux

package handlers

import (
	"encoding/binary"

	"golang.org/x/sys/unix"

	"github.com/Vogtinator/dettrace/internal/state"
	"github.com/Vogtinator/dettrace/internal/traceio"
)

// linux_dirent64 header layout (little-endian, packed): d_ino(8) d_off(8)
// d_reclen(2) d_type(1), followed by a NUL-terminated d_name and padding to
// d_reclen (SPEC_FULL.md §6, wire formats).
const direntHeaderSize = 19

// getdentsHandler virtualizes d_ino in every linux_dirent64 record a
// getdents64 call returns, in place, preserving record boundaries and every
// other field (SPEC_FULL.md §4.5.1). It buffers per-fd bookkeeping in
// state.Tracee.DirEntries so OnExec's buffer discard (SPEC_FULL.md §4.6) has
// something to discard.
//
// Limitation: this rewrites d_ino within each chunk in the order the kernel
// already returned it; it does not re-sort the whole directory to make
// iteration order independent of the underlying filesystem's own hash
// ordering (that would require draining the directory via injected syscalls
// ahead of the tracee ever observing a chunk). Out of scope for the core
// budget; see DESIGN.md.
type getdentsHandler struct{}

func (h *getdentsHandler) Name() string { return "getdents64" }

func (h *getdentsHandler) Pre(s *state.Tracee, tr *traceio.Tracee, regs *unix.PtraceRegs) (bool, error) {
	return true, nil
}

func (h *getdentsHandler) Post(s *state.Tracee, tr *traceio.Tracee, regs *unix.PtraceRegs) (Outcome, error) {
	n := traceio.RetVal(regs)
	fd := int(traceio.Arg(regs, 1))

	if n <= 0 {
		// EOF or error: this listing is done, drop the bookkeeping so a
		// later getdents64 on a reopened fd with the same number starts
		// clean.
		delete(s.DirEntries, fd)
		return Outcome{Action: ActionAccept}, nil
	}

	addr := uintptr(traceio.Arg(regs, 2))
	buf, err := tr.ReadBytes(addr, int(n))
	if err != nil {
		return Outcome{}, err
	}

	consumed := rewriteDirents(buf, s.Global.Inode.AddReal)

	if err := tr.WriteBytes(addr, buf); err != nil {
		return Outcome{}, err
	}

	buffered := s.DirEntries[fd]
	if buffered == nil {
		buffered = &state.DirBuffer{}
		s.DirEntries[fd] = buffered
	}
	buffered.Offset += consumed

	return Outcome{Action: ActionAccept}, nil
}

// rewriteDirents walks a buffer of back-to-back linux_dirent64 records,
// overwriting each record's d_ino with virtualize(real d_ino) in place, and
// returns the number of bytes spanned by whole records it recognized. A
// trailing partial record (truncated reclen) stops the walk without being
// touched.
func rewriteDirents(buf []byte, virtualize func(uint64) uint64) int {
	off := 0
	for off+direntHeaderSize <= len(buf) {
		reclen := int(binary.LittleEndian.Uint16(buf[off+16 : off+18]))
		if reclen <= 0 || off+reclen > len(buf) {
			break
		}
		realIno := binary.LittleEndian.Uint64(buf[off : off+8])
		binary.LittleEndian.PutUint64(buf[off:off+8], virtualize(realIno))
		off += reclen
	}
	return off
}
