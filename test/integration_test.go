// Copyright (c) 2024 Vogtinator
// SPDX-License-Identifier: MIT

//go:build linux

// Package test holds the end-to-end scenarios from SPEC_FULL.md §8 (§10.5):
// each builds the dettrace binary and the test/cmd/test_app helper, runs a
// helper subcommand through dettrace (twice, for the determinism scenarios),
// and checks the observed output the way the scenario in the spec describes.
// A diff or a wrong count means some syscall result dettrace is supposed to
// virtualize leaked real, run-to-run-varying kernel state instead.
package test

import (
	"bytes"
	"os/exec"
	"path/filepath"
	"regexp"
	"testing"
)

// buildBinary builds the package at pkgDir (a path relative to this test
// file's directory) into a temp dir, skipping the test rather than failing
// it if the toolchain or network access needed for the build is unavailable
// in this environment.
func buildBinary(t *testing.T, pkgDir, name string) string {
	t.Helper()
	dst := filepath.Join(t.TempDir(), name)
	cmd := exec.Command("go", "build", "-o", dst, pkgDir)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Skipf("unable to build %s: %v\n%s", name, err, out)
	}
	return dst
}

// runDettrace runs dettraceBin "run" "--" args... once, returning its
// combined stdout+stderr (the run-summary log line, with its counters, goes
// to stderr; the traced program's own stdout is interleaved with it but the
// scenarios below only search for their own markers). Skips rather than
// fails the test if dettrace itself could not attach, which happens in
// already-sandboxed CI environments (e.g. yama ptrace_scope, or a container
// without CAP_SYS_PTRACE).
func runDettrace(t *testing.T, dettraceBin string, args ...string) []byte {
	t.Helper()
	cmdArgs := append([]string{"run", "--"}, args...)
	cmd := exec.Command(dettraceBin, cmdArgs...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Skipf("unable to run dettrace (needs ptrace permission): %v\n%s", err, out)
	}
	return out
}

// runTwice runs the same traced command twice and returns both outputs,
// mirroring SPEC_FULL.md §10.5: "run them twice through the supervisor,
// diffing observed syscall results".
func runTwice(t *testing.T, dettraceBin string, args ...string) (first, second []byte) {
	t.Helper()
	return runDettrace(t, dettraceBin, args...), runDettrace(t, dettraceBin, args...)
}

// TestDeterministicInodeAcrossRuns covers S1 (stat virtualization): it runs
// unlinkstat once per run and compares the first output line, the created
// file's virtual inode. Each run creates its own file with its own real,
// run-varying inode number, but the virtual id both runs observe must be
// identical since both start from the same epoch having seen no inode yet.
// S2 and S3 are not exercised here.
func TestDeterministicInodeAcrossRuns(t *testing.T) {
	dettraceBin := buildBinary(t, "../cmd/dettrace", "dettrace")
	testAppBin := buildBinary(t, "./cmd/test_app", "test_app")

	first := runDettrace(t, dettraceBin, testAppBin, "unlinkstat", filepath.Join(t.TempDir(), "f"))
	second := runDettrace(t, dettraceBin, testAppBin, "unlinkstat", filepath.Join(t.TempDir(), "f"))

	firstLine := firstLineOf(first)
	secondLine := firstLineOf(second)
	if firstLine != secondLine {
		t.Errorf("unlinkstat output differs across two traced runs, want identical virtual inode:\nrun 1: %q\nrun 2: %q", firstLine, secondLine)
	}
}

// TestDeterministicRandBytesAcrossRuns covers S5: getrandom output must be
// byte-for-byte identical across two runs with the same epoch.
func TestDeterministicRandBytesAcrossRuns(t *testing.T) {
	dettraceBin := buildBinary(t, "../cmd/dettrace", "dettrace")
	testAppBin := buildBinary(t, "./cmd/test_app", "test_app")

	first, second := runTwice(t, dettraceBin, testAppBin, "randbytes", "-n", "32")
	firstLine, secondLine := firstLineOf(first), firstLineOf(second)
	if firstLine != secondLine {
		t.Errorf("randbytes output differs across two traced runs:\nrun 1: %q\nrun 2: %q", firstLine, secondLine)
	}
}

// TestDeterministicClockAcrossRuns covers the clock_gettime/gettimeofday/
// time() virtualization described alongside S1-S6: every virtualized clock
// source must read back the same value across two runs from the same epoch.
func TestDeterministicClockAcrossRuns(t *testing.T) {
	dettraceBin := buildBinary(t, "../cmd/dettrace", "dettrace")
	testAppBin := buildBinary(t, "./cmd/test_app", "test_app")

	first, second := runTwice(t, dettraceBin, testAppBin, "clocknow")
	firstLine, secondLine := firstLineOf(first), firstLineOf(second)
	if firstLine != secondLine {
		t.Errorf("clocknow output differs across two traced runs:\nrun 1: %q\nrun 2: %q", firstLine, secondLine)
	}
}

// TestShortReadReplayedToCompletionAndCountedOnce covers S4 end to end: a
// single read() the kernel itself services short must come back whole to
// the tracee, and must cost exactly one replay — not one per handler
// increment plus one per supervisor increment (the bug fixed in
// internal/handlers/shorttransfer.go).
func TestShortReadReplayedToCompletionAndCountedOnce(t *testing.T) {
	dettraceBin := buildBinary(t, "../cmd/dettrace", "dettrace")
	testAppBin := buildBinary(t, "./cmd/test_app", "test_app")

	out := runDettrace(t, dettraceBin, testAppBin, "shortread")

	if !bytes.Contains(out, []byte("read=6000")) {
		t.Errorf("shortread did not report the full stitched-together count: %s", out)
	}

	m := totalReplaysRe.FindSubmatch(out)
	if m == nil {
		t.Fatalf("run-summary line with TotalReplays not found in output: %s", out)
	}
	if got := string(m[1]); got != "1" {
		t.Errorf("TotalReplays = %s, want 1 for a single short read (SPEC_FULL.md §8 scenario S4)", got)
	}
}

var totalReplaysRe = regexp.MustCompile(`TotalReplays:(\d+)`)

func firstLineOf(b []byte) string {
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}
