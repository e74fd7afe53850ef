// Copyright (c) 2024 Vogtinator
// SPDX-License-Identifier: MIT

// Package registry holds the process-wide state shared by every traced pid
// for the lifetime of a single dettrace run: the inode and mtime
// isomorphisms, the live-thread set, thread-group bookkeeping, the shared
// logical clock, and the event counters. Exactly one *Global exists per run
// and is threaded explicitly through the supervisor and every handler,
// rather than kept as ambient package state (see SPEC_FULL.md §9).
package registry

import (
	"github.com/Vogtinator/dettrace/internal/telemetry"
	"github.com/Vogtinator/dettrace/internal/vmap"
)

// DefaultEpoch is the logical clock's starting value: a large fixed point in
// the past chosen so that virtualized mtimes never appear to be "from the
// future" when compared against real filesystem timestamps taken before the
// run started.
const DefaultEpoch uint64 = 744847200

// Pid is a kernel process/thread id, used as the identity for both
// per-tracee state and thread-group membership.
type Pid int32

// Counters mirrors the nine u32 event counters of SPEC_FULL.md §4.3. They
// are incremented from the supervisor goroutine only, so no synchronization
// is required (see SPEC_FULL.md §5).
type Counters struct {
	ReadRetryEvents  uint32
	WriteRetryEvents uint32
	GetRandomCalls   uint32
	DevURandomOpens  uint32
	DevRandomOpens   uint32
	TimeCalls        uint32
	BlockingReplays  uint32
	TotalReplays     uint32
	InjectedSyscalls uint32
}

// clock is the shared logical clock (SPEC_FULL.md §9, Open Question (a)):
// lifted here, out of per-tracee state, so that forked lineages observe a
// single consistent timeline instead of diverging per-pid clocks.
type clock struct {
	value uint64
}

// Global is the process-wide registry. Construct with New.
type Global struct {
	Log *telemetry.Logger

	Inode *vmap.Mapper[uint64, uint64]
	Mtime *vmap.Mapper[uint64, uint64]

	Counters Counters

	clock clock

	liveThreads map[Pid]struct{}
	// group maps a thread-group id (the pid of the group leader) to the
	// set of member pids. The entry group[g][g] is always present while
	// the group is non-empty.
	group map[Pid]map[Pid]struct{}
	// reverse maps any member pid to its thread-group id. Maintained in
	// lockstep with group.
	reverse map[Pid]Pid
}

// New returns an empty Global registry with its logical clock initialized
// to epoch.
func New(log *telemetry.Logger, epoch uint64) *Global {
	return &Global{
		Log:         log,
		Inode:       vmap.New[uint64, uint64](1),
		Mtime:       vmap.New[uint64, uint64](0),
		clock:       clock{value: epoch},
		liveThreads: make(map[Pid]struct{}),
		group:       make(map[Pid]map[Pid]struct{}),
		reverse:     make(map[Pid]Pid),
	}
}

// GetLogicalTime returns the current logical clock reading without
// advancing it. Used by handlers to stamp a virtual mtime at first sighting
// (observing a file's metadata is not itself a time-observing syscall).
func (g *Global) GetLogicalTime() uint64 {
	return g.clock.value
}

// IncrementTime advances the logical clock by one tick and returns the new
// reading. Called exactly once per time-observing syscall post-hook
// (clock_gettime, gettimeofday, time, ...).
func (g *Global) IncrementTime() uint64 {
	g.clock.value++
	return g.clock.value
}

// AddThread registers pid as live. Called on the parent's clone/fork/vfork
// post-hook, or once for the root tracee at initial attach.
func (g *Global) AddThread(pid Pid) {
	g.liveThreads[pid] = struct{}{}
}

// RemoveThread removes pid from the live-thread set. The supervisor's event
// loop terminates once this set is empty.
func (g *Global) RemoveThread(pid Pid) {
	delete(g.liveThreads, pid)
}

// LiveThreadCount reports how many pids are currently traced.
func (g *Global) LiveThreadCount() int {
	return len(g.liveThreads)
}

// IsLive reports whether pid is currently in the live-thread set.
func (g *Global) IsLive(pid Pid) bool {
	_, ok := g.liveThreads[pid]
	return ok
}

// StartGroup creates a new thread group led by leader, used when a process
// is created via fork/vfork (as opposed to a CLONE_THREAD clone, which joins
// an existing group via JoinGroup).
func (g *Global) StartGroup(leader Pid) {
	g.group[leader] = map[Pid]struct{}{leader: {}}
	g.reverse[leader] = leader
}

// JoinGroup adds member to the thread group led by leader. Used for
// CLONE_THREAD clones, which share their parent's thread-group id.
func (g *Global) JoinGroup(leader, member Pid) {
	if g.group[leader] == nil {
		g.group[leader] = make(map[Pid]struct{})
	}
	g.group[leader][member] = struct{}{}
	g.reverse[member] = leader
}

// LeaveGroup removes member from its thread group. When the last member
// leaves, the group entry is erased entirely so that a later process reusing
// the same pid starts from a clean slate.
func (g *Global) LeaveGroup(member Pid) {
	leader, ok := g.reverse[member]
	if !ok {
		return
	}
	delete(g.reverse, member)
	members := g.group[leader]
	delete(members, member)
	if len(members) == 0 {
		delete(g.group, leader)
	}
}

// GroupLeader returns the thread-group id that member belongs to.
func (g *Global) GroupLeader(member Pid) (Pid, bool) {
	leader, ok := g.reverse[member]
	return leader, ok
}

// GroupMembers returns the (unordered) members of the thread group led by
// leader, for tests verifying SPEC_FULL.md §8 property 5.
func (g *Global) GroupMembers(leader Pid) []Pid {
	members := g.group[leader]
	out := make([]Pid, 0, len(members))
	for m := range members {
		out = append(out, m)
	}
	return out
}
