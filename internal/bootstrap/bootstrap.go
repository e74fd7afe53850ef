// Copyright (c) 2024 Vogtinator
// SPDX-License-Identifier: MIT

//go:build linux

// Package bootstrap launches the root tracee (SPEC_FULL.md §4.6
// initialization). The Go runtime gives no way to run caller code between
// fork and exec, so installing the seccomp-bpf program ahead of the real
// target has to happen in a process that has already exec'd: Launch
// re-execs the dettrace binary itself in "stub" mode with PTRACE_TRACEME
// already armed via SysProcAttr; the stub installs the filter and then
// execve's the real target, which the tracer observes as a normal
// PTRACE_EVENT_EXEC. The seccomp filter survives that second exec, so every
// syscall of the real program is already covered by the time it runs.
package bootstrap

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sys/unix"

	"github.com/Vogtinator/dettrace/internal/seccompfilter"
)

// StubFlag is the hidden argv[1] cmd/dettrace recognizes to run in stub
// mode instead of its normal CLI. It is never a valid flag the user passes.
const StubFlag = "-dettrace-stub-exec"

// Launch starts argv as the traced program, via the stub re-exec described
// above. The returned command is stopped at the stub's own post-TRACEME
// exec stop by the time Launch returns; the caller is responsible for
// PTRACE_SETOPTIONS (including PTRACE_O_TRACEEXEC, so the stub's own
// execve of the real target is reported) and the first resume.
func Launch(argv []string, extraEnv []string) (*exec.Cmd, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("bootstrap: empty argv")
	}

	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("bootstrap: resolve self: %w", err)
	}

	stubArgs := append([]string{StubFlag}, argv...)
	cmd := exec.Command(self, stubArgs...)
	cmd.Env = append(os.Environ(), extraEnv...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Ptrace:    true,
		Pdeathsig: syscall.SIGKILL,
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("bootstrap: start: %w", err)
	}

	if err := waitForInitialStop(cmd.Process.Pid); err != nil {
		_ = cmd.Process.Kill()
		return nil, err
	}

	return cmd, nil
}

// RunStub is cmd/dettrace's entire body when re-invoked with StubFlag: it
// never returns on success, replacing this process image with argv via
// execve once the seccomp filter is in place.
func RunStub(argv []string) error {
	if len(argv) == 0 {
		return fmt.Errorf("bootstrap: stub invoked with empty target argv")
	}
	if err := seccompfilter.Install(); err != nil {
		return err
	}
	path, err := exec.LookPath(argv[0])
	if err != nil {
		return fmt.Errorf("bootstrap: resolve target: %w", err)
	}
	return syscall.Exec(path, argv, os.Environ())
}

// waitForInitialStop polls for the child's initial ptrace-induced stop with
// bounded exponential backoff rather than a single blocking wait, mirroring
// the retry-with-backoff idiom the teacher's own dependency set pulls in
// for transient startup races.
func waitForInitialStop(pid int) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Microsecond
	b.MaxInterval = 20 * time.Millisecond
	b.MaxElapsedTime = 2 * time.Second

	return backoff.Retry(func() error {
		var ws unix.WaitStatus
		wpid, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("bootstrap: wait4: %w", err))
		}
		if wpid == 0 {
			return fmt.Errorf("bootstrap: child %d not yet stopped", pid)
		}
		if !ws.Stopped() {
			return backoff.Permanent(fmt.Errorf("bootstrap: child %d exited before initial stop: %v", pid, ws))
		}
		return nil
	}, b)
}
