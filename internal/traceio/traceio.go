// Copyright (c) 2024 Vogtinator
// SPDX-License-Identifier: MIT

//go:build linux

// Package traceio wraps the kernel's ptrace(2) debugging interface: register
// access, word-at-a-time memory copy in and out of a stopped tracee's
// address space, and a standardized error envelope over tracing-control
// requests (SPEC_FULL.md §4.1).
package traceio

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/Vogtinator/dettrace/internal/dettraceerr"
)

// wordSize is the width of a single PEEK/POKE transfer on amd64.
const wordSize = 8

// Tracee is a thin, stateless-beyond-pid handle for ptrace operations
// against a single stopped tracee. Its methods assume the kernel has the
// tracee stopped for the duration of the call, which is always true between
// a wait() return and the next resume (SPEC_FULL.md §5).
type Tracee struct {
	Pid int
}

// wrap classifies a ptrace errno per SPEC_FULL.md §7: ESRCH against a tracee
// that has just exited is expected and recoverable; anything else is fatal.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if err == unix.ESRCH {
		return fmt.Errorf("traceio: %s: %w", op, dettraceerr.ErrTraceeVanished)
	}
	return fmt.Errorf("traceio: %s: %w: %v", op, dettraceerr.ErrFatalTracing, err)
}

// GetRegs fetches the tracee's general-purpose registers.
func (t *Tracee) GetRegs(regs *unix.PtraceRegs) error {
	return wrap("PTRACE_GETREGS", unix.PtraceGetRegs(t.Pid, regs))
}

// SetRegs writes the tracee's general-purpose registers.
func (t *Tracee) SetRegs(regs *unix.PtraceRegs) error {
	return wrap("PTRACE_SETREGS", unix.PtraceSetRegs(t.Pid, regs))
}

// SetOptions installs ptrace options (trace seccomp/clone/fork/vfork/exec/
// exit, kill-on-tracer-death) as described in SPEC_FULL.md §4.6.
func (t *Tracee) SetOptions(options int) error {
	return wrap("PTRACE_SETOPTIONS", unix.PtraceSetOptions(t.Pid, options))
}

// Cont resumes the tracee until its next syscall-stop (or signal, or exit),
// optionally redelivering sig (0 means no signal).
func (t *Tracee) Cont(sig int) error {
	return wrap("PTRACE_SYSCALL", unix.PtraceSyscall(t.Pid, sig))
}

// GetEventMsg retrieves the auxiliary value attached to the most recent
// PTRACE_EVENT_* stop: the new child's pid for clone/fork/vfork, or the
// signal/exit status encoding for PTRACE_EVENT_EXIT.
func (t *Tracee) GetEventMsg() (uint, error) {
	msg, err := unix.PtraceGetEventMsg(t.Pid)
	return uint(msg), wrap("PTRACE_GETEVENTMSG", err)
}

// ReadRecord copies sizeof(T) bytes from the tracee's address space at addr
// into *dst, one machine word at a time (SPEC_FULL.md §4.1): the kernel's
// PEEKTEXT/PEEKDATA request only ever transfers one word, so a multi-word
// record is walked word by word, copying only the bytes that remain.
func ReadRecord[T any](t *Tracee, addr uintptr, dst *T) error {
	size := int(unsafe.Sizeof(*dst))
	buf := unsafe.Slice((*byte)(unsafe.Pointer(dst)), size)
	return readBytes(t, addr, buf)
}

func readBytes(t *Tracee, addr uintptr, buf []byte) error {
	remaining := len(buf)
	off := 0
	for remaining > 0 {
		word := make([]byte, wordSize)
		n, err := unix.PtracePeekData(t.Pid, addr+uintptr(off), word)
		if err != nil {
			return wrap("PTRACE_PEEKDATA", err)
		}
		if n <= 0 {
			return wrap("PTRACE_PEEKDATA", unix.EIO)
		}
		copyLen := remaining
		if copyLen > n {
			copyLen = n
		}
		copy(buf[off:off+copyLen], word[:copyLen])
		off += copyLen
		remaining -= copyLen
	}
	return nil
}

// WriteRecord writes sizeof(T) bytes of *src into the tracee's address space
// at addr. For a trailing partial word, the current tracee memory is peeked
// first so only the record's own leading bytes are overlaid, preserving
// whatever data follows the record (SPEC_FULL.md §4.1).
func WriteRecord[T any](t *Tracee, addr uintptr, src *T) error {
	size := int(unsafe.Sizeof(*src))
	buf := unsafe.Slice((*byte)(unsafe.Pointer(src)), size)
	return writeBytes(t, addr, buf)
}

func writeBytes(t *Tracee, addr uintptr, buf []byte) error {
	remaining := len(buf)
	off := 0
	for remaining > 0 {
		wordAddr := addr + uintptr(off)
		if remaining >= wordSize {
			if _, err := unix.PtracePokeData(t.Pid, wordAddr, buf[off:off+wordSize]); err != nil {
				return wrap("PTRACE_POKEDATA", err)
			}
			off += wordSize
			remaining -= wordSize
			continue
		}

		// Trailing partial word: merge onto the tracee's existing word
		// so bytes past the record's end survive unmodified.
		existing := make([]byte, wordSize)
		if _, err := unix.PtracePeekData(t.Pid, wordAddr, existing); err != nil {
			return wrap("PTRACE_PEEKDATA", err)
		}
		copy(existing[:remaining], buf[off:off+remaining])
		if _, err := unix.PtracePokeData(t.Pid, wordAddr, existing); err != nil {
			return wrap("PTRACE_POKEDATA", err)
		}
		remaining = 0
	}
	return nil
}

// ReadBytes copies an arbitrary-length byte slice from the tracee (used for
// getdents64 buffers and other variable-sized reads that aren't a fixed T).
func (t *Tracee) ReadBytes(addr uintptr, n int) ([]byte, error) {
	buf := make([]byte, n)
	if err := readBytes(t, addr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteBytes writes an arbitrary-length byte slice into the tracee.
func (t *Tracee) WriteBytes(addr uintptr, buf []byte) error {
	return writeBytes(t, addr, buf)
}

// ReadCString reads a NUL-terminated byte string starting at addr, one word
// at a time, stopping as soon as a NUL byte appears in the word just read
// (SPEC_FULL.md §4.1).
func (t *Tracee) ReadCString(addr uintptr, maxLen int) (string, error) {
	var result []byte
	word := make([]byte, wordSize)
	for len(result) < maxLen {
		n, err := unix.PtracePeekData(t.Pid, addr+uintptr(len(result)), word)
		if err != nil {
			return "", wrap("PTRACE_PEEKDATA", err)
		}
		for i := 0; i < n; i++ {
			if word[i] == 0 {
				return string(result), nil
			}
			result = append(result, word[i])
		}
	}
	return string(result), nil
}

// Register accessors below map SPEC_FULL.md §4.1's "any of the six argument
// registers, instruction pointer, stack pointer, return value, syscall
// number" onto the amd64 PtraceRegs layout (SPEC_FULL.md §6, wire formats).

// Arg returns the (1-based) i'th syscall argument from regs.
func Arg(regs *unix.PtraceRegs, i int) uint64 {
	switch i {
	case 1:
		return regs.Rdi
	case 2:
		return regs.Rsi
	case 3:
		return regs.Rdx
	case 4:
		return regs.R10
	case 5:
		return regs.R8
	case 6:
		return regs.R9
	default:
		panic(fmt.Sprintf("traceio: invalid syscall argument index %d", i))
	}
}

// SetArg writes the (1-based) i'th syscall argument into regs.
func SetArg(regs *unix.PtraceRegs, i int, v uint64) {
	switch i {
	case 1:
		regs.Rdi = v
	case 2:
		regs.Rsi = v
	case 3:
		regs.Rdx = v
	case 4:
		regs.R10 = v
	case 5:
		regs.R8 = v
	case 6:
		regs.R9 = v
	default:
		panic(fmt.Sprintf("traceio: invalid syscall argument index %d", i))
	}
}

// SyscallNo returns the syscall number (orig_rax), which is stable across
// pre- and post-hook unlike Rax, which holds the return value post-hook.
func SyscallNo(regs *unix.PtraceRegs) uint64 { return regs.Orig_rax }

// SetSyscallNo overwrites the syscall number, used for injection.
func SetSyscallNo(regs *unix.PtraceRegs, nr uint64) { regs.Orig_rax = nr; regs.Rax = nr }

// RetVal returns the syscall return value (rax at post-hook). A negative
// value in -4095..-1 (as an int64) represents -errno.
func RetVal(regs *unix.PtraceRegs) int64 { return int64(regs.Rax) }

// SetRetVal overwrites the return value the tracee will observe.
func SetRetVal(regs *unix.PtraceRegs, v int64) { regs.Rax = uint64(v) }

// IP returns the instruction pointer.
func IP(regs *unix.PtraceRegs) uint64 { return regs.Rip }

// SetIP overwrites the instruction pointer, used to rewind for replay
// (SPEC_FULL.md §4.6: decrement by 2, the width of the x86_64 `syscall`
// instruction).
func SetIP(regs *unix.PtraceRegs, v uint64) { regs.Rip = v }

// SP returns the stack pointer.
func SP(regs *unix.PtraceRegs) uint64 { return regs.Rsp }
