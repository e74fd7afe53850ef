// Copyright (c) 2024 Vogtinator
// SPDX-License-Identifier: MIT

//go:build linux

// Package supervisor runs the single-threaded cooperative event loop that
// owns every traced pid (SPEC_FULL.md §4.6, §5): it dequeues exactly one
// kernel tracing event at a time, dispatches it to the right per-tracee
// state and syscall handler, and resumes exactly one tracee before waiting
// again. No locking is needed anywhere in this package or the state it
// touches, because only this loop ever mutates it.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/Vogtinator/dettrace/internal/dettraceerr"
	"github.com/Vogtinator/dettrace/internal/handlers"
	"github.com/Vogtinator/dettrace/internal/registry"
	"github.com/Vogtinator/dettrace/internal/state"
	"github.com/Vogtinator/dettrace/internal/telemetry"
	"github.com/Vogtinator/dettrace/internal/traceio"
)

// traceOptions is the option set installed on every tracee immediately
// after its first stop: trace seccomp-bpf RET_TRACE stops, clone/fork/
// vfork/exec, the synthetic pre-exit stop, and kill every tracee if the
// supervisor itself dies (SPEC_FULL.md §4.6 initialization).
const traceOptions = unix.PTRACE_O_TRACESECCOMP |
	unix.PTRACE_O_TRACECLONE |
	unix.PTRACE_O_TRACEFORK |
	unix.PTRACE_O_TRACEVFORK |
	unix.PTRACE_O_TRACEEXEC |
	unix.PTRACE_O_TRACEEXIT |
	unix.PTRACE_O_EXITKILL

// DebugLevel gates handler-local verbose tracing; plumbed in at
// construction from internal/config.
type Supervisor struct {
	global *registry.Global
	states map[registry.Pid]*state.Tracee
	epoch  uint64

	debugLevel int

	lastExitStatus int
}

// New constructs a Supervisor around a freshly created global registry.
func New(log *telemetry.Logger, epoch uint64, debugLevel int) *Supervisor {
	return &Supervisor{
		global:     registry.New(log, epoch),
		states:     make(map[registry.Pid]*state.Tracee),
		epoch:      epoch,
		debugLevel: debugLevel,
	}
}

// Global exposes the registry for callers that want to inspect counters
// after Run returns (e.g. cmd/dettrace's summary logging).
func (sv *Supervisor) Global() *registry.Global { return sv.global }

// Run attaches to rootPid (already stopped at its initial ptrace stop per
// internal/bootstrap) and drives the event loop until the live-thread set
// is empty, returning the exit status (or 128+signal) of the last tracee it
// reaped.
//
// A second goroutine forwards host signals (the caller's own Ctrl-C, a
// terminating SIGTERM from a job runner, etc.) to the root tracee for the
// lifetime of the run; it is coordinated with the event loop through an
// errgroup.Group: the loop returning, with or without an error, cancels the
// relay's context, so the relay does not outlive Run's return. The loop
// itself does not watch that context.
func (sv *Supervisor) Run(rootPid int) (int, error) {
	root := registry.Pid(rootPid)
	sv.attach(root)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sv.forwardSignals(gctx, rootPid)
	})
	g.Go(func() error {
		defer cancel()
		return sv.loop()
	})

	if err := g.Wait(); err != nil {
		return 0, err
	}
	return sv.lastExitStatus, nil
}

func (sv *Supervisor) loop() error {
	for sv.global.LiveThreadCount() > 0 {
		pid, ws, err := sv.wait()
		if errors.Is(err, dettraceerr.ErrTraceeVanished) {
			continue
		}
		if err != nil {
			return err
		}
		if err := sv.dispatch(pid, ws); err != nil {
			if errors.Is(err, dettraceerr.ErrTraceeVanished) {
				continue
			}
			return err
		}
	}
	return nil
}

// forwardSignals relays host-received signals to rootPid until ctx is
// cancelled (by the event loop finishing, or by the other errgroup member
// failing), so that e.g. Ctrl-C on the controlling terminal reaches the
// tracee rather than only the supervisor process.
func (sv *Supervisor) forwardSignals(ctx context.Context, rootPid int) error {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, unix.SIGINT, unix.SIGTERM, unix.SIGHUP, unix.SIGQUIT)
	defer signal.Stop(ch)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-ch:
			s, ok := sig.(unix.Signal)
			if !ok {
				continue
			}
			if err := unix.Kill(rootPid, s); err != nil && err != unix.ESRCH {
				sv.global.Log.Warningf("forward signal %v to pid %d: %v", s, rootPid, err)
			}
		}
	}
}

func (sv *Supervisor) attach(pid registry.Pid) {
	sv.global.AddThread(pid)
	sv.global.StartGroup(pid)
	sv.states[pid] = state.New(sv.global, pid, sv.debugLevel)

	tr := &traceio.Tracee{Pid: int(pid)}
	if err := tr.SetOptions(traceOptions); err != nil {
		sv.global.Log.Warningf("pid %d: SetOptions: %v", pid, err)
	}
	if err := tr.Cont(0); err != nil {
		sv.global.Log.Warningf("pid %d: initial resume: %v", pid, err)
	}
}

// waitEvent classifies one kernel tracing event (SPEC_FULL.md §4.6).
type waitEvent int

const (
	eventSeccomp waitEvent = iota
	eventSyscall
	eventClone
	eventFork
	eventVfork
	eventExec
	eventEventExit
	eventNonEventExit
	eventSignal
	eventTerminatedBySignal
)

func (sv *Supervisor) wait() (registry.Pid, unix.WaitStatus, error) {
	var ws unix.WaitStatus
	wpid, err := unix.Wait4(-1, &ws, 0, nil)
	if err != nil {
		if err == unix.ESRCH || err == unix.ECHILD {
			return 0, ws, fmt.Errorf("supervisor: wait4: %w", dettraceerr.ErrTraceeVanished)
		}
		return 0, ws, fmt.Errorf("supervisor: wait4: %w: %v", dettraceerr.ErrFatalTracing, err)
	}
	return registry.Pid(wpid), ws, nil
}

func classify(s *state.Tracee, ws unix.WaitStatus) waitEvent {
	switch {
	case ws.Exited():
		return eventNonEventExit
	case ws.Signaled():
		return eventTerminatedBySignal
	case ws.Stopped():
		sig := ws.StopSignal()
		if sig != unix.SIGTRAP {
			return eventSignal
		}
		switch ws.TrapCause() {
		case unix.PTRACE_EVENT_CLONE:
			return eventClone
		case unix.PTRACE_EVENT_FORK:
			return eventFork
		case unix.PTRACE_EVENT_VFORK:
			return eventVfork
		case unix.PTRACE_EVENT_EXEC:
			return eventExec
		case unix.PTRACE_EVENT_EXIT:
			return eventEventExit
		case unix.PTRACE_EVENT_SECCOMP:
			return eventSeccomp
		default:
			// Plain syscall-stop with no PTRACE_EVENT attached. The
			// supervisor only ever resumes with PTRACE_SYSCALL
			// immediately after a seccomp pre-hook stop, so this is
			// always that syscall's post-hook (SPEC_FULL.md §6:
			// kernels without a distinct seccomp-trace event would
			// need IsPreExit to alternate pre/post here instead).
			return eventSyscall
		}
	default:
		return eventSignal
	}
}

func (sv *Supervisor) dispatch(pid registry.Pid, ws unix.WaitStatus) error {
	s, ok := sv.states[pid]
	if !ok {
		// A pid the supervisor hasn't recorded state for yet: this can
		// happen if the clone/fork event for it hasn't been processed
		// before its own first stop arrives. Register it defensively
		// and continue; the clone/fork handler below will find it
		// already present and leave it alone.
		s = state.New(sv.global, pid, sv.debugLevel)
		sv.states[pid] = s
		sv.global.AddThread(pid)
	}

	tr := &traceio.Tracee{Pid: int(pid)}

	switch classify(s, ws) {
	case eventSeccomp:
		return sv.handleSeccomp(s, tr)
	case eventSyscall:
		return sv.handleSyscall(s, tr)
	case eventClone:
		return sv.handleNewChild(s, tr, pid, true)
	case eventFork, eventVfork:
		return sv.handleNewChild(s, tr, pid, false)
	case eventExec:
		s.OnExec()
		return sv.resume(s, tr)
	case eventEventExit:
		sv.finalizeExit(s)
		return sv.resume(s, tr)
	case eventNonEventExit:
		sv.reap(s, pid, ws.ExitStatus())
		return nil
	case eventTerminatedBySignal:
		sv.reap(s, pid, 128+int(ws.Signal()))
		return nil
	case eventSignal:
		s.SignalToDeliver = int(ws.StopSignal())
		return sv.resume(s, tr)
	}
	return nil
}

func (sv *Supervisor) handleSeccomp(s *state.Tracee, tr *traceio.Tracee) error {
	var regs unix.PtraceRegs
	if err := tr.GetRegs(&regs); err != nil {
		return err
	}

	nr := traceio.SyscallNo(&regs)
	h, ok := handlers.New(nr)
	if !ok {
		s.ClearActive()
		return sv.resumeRegs(s, tr, &regs)
	}

	s.PrevRegisterState = regs
	s.BeforeRetry = regs
	for i := 1; i <= 5; i++ {
		s.SaveArg(i, traceio.Arg(&regs, i))
	}

	expectPost, err := h.Pre(s, tr, &regs)
	if err != nil {
		return err
	}
	if !expectPost {
		s.ClearActive()
		return sv.resumeRegs(s, tr, &regs)
	}

	s.Active = h
	if err := tr.SetRegs(&regs); err != nil {
		return err
	}
	return tr.Cont(s.TakeSignal())
}

func (sv *Supervisor) handleSyscall(s *state.Tracee, tr *traceio.Tracee) error {
	h, _ := s.Active.(handlers.Syscall)
	if h == nil {
		return sv.resume(s, tr)
	}

	var regs unix.PtraceRegs
	if err := tr.GetRegs(&regs); err != nil {
		return err
	}

	outcome, err := h.Post(s, tr, &regs)
	if err != nil {
		return err
	}

	switch outcome.Action {
	case handlers.ActionReplay:
		sv.global.Counters.TotalReplays++
		// Rewind past the two-byte `syscall` instruction and put the
		// syscall number back in rax: post-hook rax holds the return
		// value, but the CPU reads rax as the syscall number when the
		// rewound `syscall` instruction re-executes.
		traceio.SetIP(&regs, traceio.IP(&s.BeforeRetry)-2)
		regs.Rax = regs.Orig_rax
		if err := tr.SetRegs(&regs); err != nil {
			return err
		}
		return tr.Cont(s.TakeSignal())

	case handlers.ActionInject:
		sv.global.Counters.InjectedSyscalls++
		s.SyscallInjected = true
		traceio.SetSyscallNo(&regs, outcome.InjectSyscall)
		for i := 1; i <= 6; i++ {
			traceio.SetArg(&regs, i, outcome.InjectArgs[i-1])
		}
		if err := tr.SetRegs(&regs); err != nil {
			return err
		}
		return tr.Cont(s.TakeSignal())

	default: // ActionAccept
		s.RestoreOrigArgs(&regs, traceio.SetArg)
		s.ClearActive()
		if err := tr.SetRegs(&regs); err != nil {
			return err
		}
		return tr.Cont(s.TakeSignal())
	}
}

func (sv *Supervisor) handleNewChild(s *state.Tracee, tr *traceio.Tracee, parent registry.Pid, sameThreadGroup bool) error {
	msg, err := tr.GetEventMsg()
	if err != nil {
		return err
	}
	child := registry.Pid(msg)

	sv.global.AddThread(child)
	if sameThreadGroup {
		leader, ok := sv.global.GroupLeader(parent)
		if !ok {
			leader = parent
		}
		sv.global.JoinGroup(leader, child)
	} else {
		sv.global.StartGroup(child)
	}

	if _, exists := sv.states[child]; !exists {
		sv.states[child] = state.New(sv.global, child, sv.debugLevel)
	}

	return sv.resume(s, tr)
}

func (sv *Supervisor) finalizeExit(s *state.Tracee) {
	if s.InodeToDelete != nil {
		sv.global.Inode.EraseReal(*s.InodeToDelete)
		sv.global.Mtime.EraseReal(*s.InodeToDelete)
		s.InodeToDelete = nil
	}
}

func (sv *Supervisor) reap(s *state.Tracee, pid registry.Pid, status int) {
	sv.global.RemoveThread(pid)
	sv.global.LeaveGroup(pid)
	delete(sv.states, pid)
	sv.lastExitStatus = status
}

func (sv *Supervisor) resume(s *state.Tracee, tr *traceio.Tracee) error {
	return tr.Cont(s.TakeSignal())
}

func (sv *Supervisor) resumeRegs(s *state.Tracee, tr *traceio.Tracee, regs *unix.PtraceRegs) error {
	if err := tr.SetRegs(regs); err != nil {
		return err
	}
	return tr.Cont(s.TakeSignal())
}
