// Copyright (c) 2024 Vogtinator
// SPDX-License-Identifier: MIT

package vmap

import (
	"errors"
	"testing"

	"github.com/Vogtinator/dettrace/internal/dettraceerr"
)

func TestAddRealIsBijective(t *testing.T) {
	m := New[uint64, uint64](1)

	v1 := m.AddReal(100)
	v2 := m.AddReal(200)
	v1again := m.AddReal(100)

	if v1 != 1 || v2 != 2 {
		t.Fatalf("expected dense assignment starting at base: got v1=%d v2=%d", v1, v2)
	}
	if v1 != v1again {
		t.Fatalf("re-adding an already-mapped real value must not reassign: got %d, want %d", v1again, v1)
	}

	for real, want := range map[uint64]uint64{100: 1, 200: 2} {
		got, err := m.GetVirtual(real)
		if err != nil {
			t.Fatalf("GetVirtual(%d): %v", real, err)
		}
		if got != want {
			t.Errorf("GetVirtual(%d) = %d, want %d", real, got, want)
		}

		back, err := m.GetReal(want)
		if err != nil {
			t.Fatalf("GetReal(%d): %v", want, err)
		}
		if back != real {
			t.Errorf("GetReal(%d) = %d, want %d", want, back, real)
		}
	}
}

func TestGetMissingIsLookupMissing(t *testing.T) {
	m := New[uint64, uint64](1)

	if _, err := m.GetVirtual(42); !errors.Is(err, dettraceerr.ErrLookupMissing) {
		t.Errorf("GetVirtual on unmapped key: got %v, want ErrLookupMissing", err)
	}
	if _, err := m.GetReal(42); !errors.Is(err, dettraceerr.ErrLookupMissing) {
		t.Errorf("GetReal on unmapped key: got %v, want ErrLookupMissing", err)
	}
}

func TestEraseAtomicAndNoRecycle(t *testing.T) {
	m := New[uint64, uint64](1)

	v1 := m.AddReal(100)
	m.EraseReal(100)

	if m.HasReal(100) || m.HasVirtual(v1) {
		t.Fatalf("EraseReal(100) should remove both directions")
	}
	if _, err := m.GetVirtual(100); !errors.Is(err, dettraceerr.ErrLookupMissing) {
		t.Errorf("GetVirtual after erase: got %v, want ErrLookupMissing", err)
	}

	// A real value reusing the same kernel number after erasure must get a
	// fresh, strictly larger virtual id; the old one is never recycled.
	v2 := m.AddReal(100)
	if v2 <= v1 {
		t.Errorf("virtual id after re-insertion = %d, want strictly greater than %d", v2, v1)
	}
}

func TestGetOrSetStampsOnceThenSticks(t *testing.T) {
	m := New[uint64, uint64](0)

	got := m.GetOrSet(42, 1000)
	if got != 1000 {
		t.Fatalf("GetOrSet on unmapped key = %d, want 1000", got)
	}

	// A later GetOrSet with a different value must not disturb the first
	// stamp (SPEC_FULL.md §3: "returned unchanged ... until an explicit
	// write-side syscall bumps it").
	got2 := m.GetOrSet(42, 2000)
	if got2 != 1000 {
		t.Fatalf("GetOrSet on already-mapped key = %d, want 1000 (sticky)", got2)
	}

	m.Set(42, 3000)
	if v, err := m.GetVirtual(42); err != nil || v != 3000 {
		t.Fatalf("after Set, GetVirtual(42) = (%d, %v), want (3000, nil)", v, err)
	}
	if _, err := m.GetReal(1000); err == nil {
		t.Errorf("old virtual value 1000 should no longer resolve after Set overwrote it")
	}
}

func TestCounterNeverDecreases(t *testing.T) {
	m := New[uint64, uint64](1)
	var prev uint64
	for i := uint64(0); i < 50; i++ {
		v := m.AddReal(i)
		if v <= prev && i > 0 {
			t.Fatalf("virtual ids must be strictly increasing across distinct reals: v=%d prev=%d", v, prev)
		}
		prev = v
	}
}
