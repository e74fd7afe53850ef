// Copyright (c) 2024 Vogtinator
// SPDX-License-Identifier: MIT

//go:build linux

package handlers

import (
	"crypto/sha256"
	"encoding/binary"

	"golang.org/x/sys/unix"

	"github.com/Vogtinator/dettrace/internal/state"
	"github.com/Vogtinator/dettrace/internal/traceio"
)

// getrandomHandler overwrites a getrandom(2) result with bytes drawn from a
// deterministic stream keyed on the shared logical clock, so two runs of the
// same program draw identical "random" bytes in identical call order
// (SPEC_FULL.md §4.5.1).
type getrandomHandler struct{}

func (h *getrandomHandler) Name() string { return "getrandom" }

func (h *getrandomHandler) Pre(s *state.Tracee, tr *traceio.Tracee, regs *unix.PtraceRegs) (bool, error) {
	return true, nil
}

func (h *getrandomHandler) Post(s *state.Tracee, tr *traceio.Tracee, regs *unix.PtraceRegs) (Outcome, error) {
	n := traceio.RetVal(regs)
	if n <= 0 {
		return Outcome{Action: ActionAccept}, nil
	}

	s.Global.Counters.GetRandomCalls++

	addr := uintptr(traceio.Arg(regs, 1))
	buf := deterministicRandomBytes(s.IncrementTime(), int(n))
	if err := tr.WriteBytes(addr, buf); err != nil {
		return Outcome{}, err
	}
	return Outcome{Action: ActionAccept}, nil
}

// deterministicRandomBytes derives n pseudo-random bytes from seed by
// hashing the 16-byte block seed||counter with SHA-256 for counter = 0, 1,
// ... and concatenating the digests, so a longer request extends a shorter
// one with the same seed.
func deterministicRandomBytes(seed uint64, n int) []byte {
	out := make([]byte, 0, n)
	var counter uint64
	for len(out) < n {
		var block [16]byte
		binary.LittleEndian.PutUint64(block[0:8], seed)
		binary.LittleEndian.PutUint64(block[8:16], counter)
		sum := sha256.Sum256(block[:])
		out = append(out, sum[:]...)
		counter++
	}
	return out[:n]
}
