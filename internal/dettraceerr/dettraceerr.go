// Copyright (c) 2024 Vogtinator
// SPDX-License-Identifier: MIT

// Package dettraceerr defines the sentinel error taxonomy shared by the
// supervisor, the value mappers and the syscall handlers. Call sites wrap
// one of these with fmt.Errorf("...: %w", ...) and callers distinguish them
// with errors.Is, the same pattern runsc/container/container.go uses to
// classify a failing syscall (errors.Is(err, unix.ESRCH), errors.Is(err,
// unix.EACCES)) rather than comparing error strings.
package dettraceerr

import "errors"

var (
	// ErrLookupMissing is returned by a ValueMapper when a key has no
	// mapping. Callers decide locally whether the miss is expected (first
	// sighting of a real value) or a bug (should have been inserted
	// upstream).
	ErrLookupMissing = errors.New("dettrace: lookup miss in value mapper")

	// ErrTraceeVanished wraps an ESRCH observed on a tracing-control call
	// issued against a pid that has just exited. It is swallowed by the
	// supervisor, never surfaced to the user.
	ErrTraceeVanished = errors.New("dettrace: tracee vanished before request completed")

	// ErrFatalTracing wraps any other unexpected tracing-control failure
	// (EPERM, EINVAL, ...). It aborts the run.
	ErrFatalTracing = errors.New("dettrace: fatal tracing-control failure")

	// ErrHandlerRetry names the "handler requested replay" control-flow
	// signal. Handlers request a replay through handlers.ActionReplay in
	// their Post outcome; no code in this repository returns this error.
	ErrHandlerRetry = errors.New("dettrace: handler requested replay")

	// ErrNoHandler names the "no handler registered for syscall" case.
	// handlers.New reports that case as (nil, false); no code in this
	// repository returns this error.
	ErrNoHandler = errors.New("dettrace: no handler registered for syscall")
)

// TraceeCrash reports that the tracee tree terminated because its root was
// killed by a signal. It is not an internal error: the caller is expected to
// translate it into an exit code of 128+signum.
type TraceeCrash struct {
	Signal int
}

func (e *TraceeCrash) Error() string {
	return "dettrace: tracee terminated by signal"
}
