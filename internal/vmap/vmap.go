// Copyright (c) 2024 Vogtinator
// SPDX-License-Identifier: MIT

// Package vmap implements the ordered bijection used throughout dettrace to
// hand the tracee deterministic stand-ins (virtual inodes, virtual mtimes)
// for non-deterministic kernel values.
package vmap

import (
	"fmt"

	"github.com/Vogtinator/dettrace/internal/dettraceerr"
)

// Mapper is an ordered bijection from K to V. Virtual values are dense small
// integers assigned in insertion order starting from Base. A zero Mapper is
// not usable; construct with New.
//
// Invariants: each K maps to at most one V and each V to at most one K;
// virtual assignment is stable for the lifetime of a K in the map; erasure
// removes both directions and never recycles the virtual counter, so a real
// key that reappears after being erased is assigned a fresh virtual value.
type Mapper[K comparable, V ~uint64] struct {
	base    V
	next    V
	forward map[K]V
	reverse map[V]K
}

// New returns a Mapper whose first assigned virtual value is base.
func New[K comparable, V ~uint64](base V) *Mapper[K, V] {
	return &Mapper[K, V]{
		base:    base,
		next:    base,
		forward: make(map[K]V),
		reverse: make(map[V]K),
	}
}

// AddReal returns the virtual value for real, assigning the next value from
// the monotonic counter if real has never been seen (or was erased).
func (m *Mapper[K, V]) AddReal(real K) V {
	if v, ok := m.forward[real]; ok {
		return v
	}
	v := m.next
	m.next++
	m.forward[real] = v
	m.reverse[v] = real
	return v
}

// GetVirtual returns the virtual value mapped to real.
func (m *Mapper[K, V]) GetVirtual(real K) (V, error) {
	v, ok := m.forward[real]
	if !ok {
		return 0, fmt.Errorf("vmap: real value %v: %w", real, dettraceerr.ErrLookupMissing)
	}
	return v, nil
}

// GetReal returns the real value mapped to virtual.
func (m *Mapper[K, V]) GetReal(virtual V) (K, error) {
	k, ok := m.reverse[virtual]
	if !ok {
		var zero K
		return zero, fmt.Errorf("vmap: virtual value %v: %w", virtual, dettraceerr.ErrLookupMissing)
	}
	return k, nil
}

// GetOrSet returns the existing virtual value for real if one exists,
// otherwise inserts real with the caller-supplied value and returns it. This
// is how the mtime registry stamps a newly observed inode with the current
// logical clock reading rather than drawing from AddReal's internal
// monotonic counter (SPEC_FULL.md §3); AddReal remains the sole inode-
// registry entry point so its counter invariant is never bypassed.
//
// value is not checked against existing virtual values: two reals stamped
// with the same value share it, and GetReal on that value then returns the
// real most recently stamped with it. Set behaves the same way.
func (m *Mapper[K, V]) GetOrSet(real K, value V) V {
	if v, ok := m.forward[real]; ok {
		return v
	}
	m.forward[real] = value
	m.reverse[value] = real
	return value
}

// Set unconditionally (re)points real at value, overwriting any prior
// mapping for either side. Used to bump a virtual mtime on an explicit
// write-side syscall.
func (m *Mapper[K, V]) Set(real K, value V) {
	if old, ok := m.forward[real]; ok {
		delete(m.reverse, old)
	}
	m.forward[real] = value
	m.reverse[value] = real
}

// HasReal reports whether real currently has a mapping.
func (m *Mapper[K, V]) HasReal(real K) bool {
	_, ok := m.forward[real]
	return ok
}

// HasVirtual reports whether virtual currently has a mapping.
func (m *Mapper[K, V]) HasVirtual(virtual V) bool {
	_, ok := m.reverse[virtual]
	return ok
}

// EraseReal removes both directions of the mapping for real, if present. The
// virtual id is never reassigned to a different real value afterwards.
func (m *Mapper[K, V]) EraseReal(real K) {
	v, ok := m.forward[real]
	if !ok {
		return
	}
	delete(m.forward, real)
	delete(m.reverse, v)
}

// Len returns the number of currently mapped pairs.
func (m *Mapper[K, V]) Len() int {
	return len(m.forward)
}
