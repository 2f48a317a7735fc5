// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package maps

import "testing"

func TestAddAndSortOverExisting(t *testing.T) {
	m := New()
	m.AddAndSort(0x101000, 0x104000, 0x1000, FlagRead|FlagExec, "a", 0)
	m.AddAndSort(0x102000, 0x103000, 0x7000, FlagRead|FlagWrite, "b", 0)

	got := m.Snapshot()
	want := []Mapping{
		{Start: 0x101000, End: 0x102000, Offset: 0x1000, Flags: FlagRead | FlagExec, Name: "a"},
		{Start: 0x102000, End: 0x103000, Offset: 0x7000, Flags: FlagRead | FlagWrite, Name: "b"},
		{Start: 0x103000, End: 0x104000, Offset: 0x3000, Flags: FlagRead | FlagExec, Name: "a"},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d mappings, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("mapping %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestAddAndSortFullyCovers(t *testing.T) {
	m := New()
	m.AddAndSort(0x1000, 0x2000, 0, FlagRead, "small", 0)
	m.AddAndSort(0x1000, 0x3000, 0, FlagRead|FlagExec, "big", 0)

	got := m.Snapshot()
	if len(got) != 1 {
		t.Fatalf("got %d mappings, want 1: %+v", len(got), got)
	}
	if got[0].Name != "big" || got[0].Start != 0x1000 || got[0].End != 0x3000 {
		t.Errorf("got %+v", got[0])
	}
}

func TestAddAndSortDisjoint(t *testing.T) {
	m := New()
	m.AddAndSort(0x1000, 0x2000, 0, FlagRead, "a", 0)
	m.AddAndSort(0x3000, 0x4000, 0, FlagRead, "b", 0)

	got := m.Snapshot()
	if len(got) != 2 {
		t.Fatalf("got %d mappings, want 2: %+v", len(got), got)
	}
	if got[0].Name != "a" || got[1].Name != "b" {
		t.Errorf("got %+v", got)
	}
}

func TestFind(t *testing.T) {
	m := New()
	m.AddAndSort(0x1000, 0x2000, 0, FlagRead, "a", 0)
	m.AddAndSort(0x3000, 0x4000, 0, FlagRead, "b", 0)

	if mm, _, ok := m.Find(0x1500); !ok || mm.Name != "a" {
		t.Errorf("Find(0x1500) = %+v, %v", mm, ok)
	}
	if _, _, ok := m.Find(0x2500); ok {
		t.Errorf("Find(0x2500) should miss the gap between mappings")
	}
	if mm, _, ok := m.Find(0x3fff); !ok || mm.Name != "b" {
		t.Errorf("Find(0x3fff) = %+v, %v", mm, ok)
	}
}

func TestAddAndSortUprobesMapping(t *testing.T) {
	m := New()
	id := m.AddAndSort(0x7ffff000, 0x7ffff001, 0, 0, UprobesMappingName, 0)
	mm, _ := m.Get(id)
	if mm.LoadBias != InfiniteLoadBias {
		t.Errorf("uprobes mapping load bias = %#x, want infinite", mm.LoadBias)
	}
	if mm.Flags&FlagExec == 0 {
		t.Errorf("uprobes mapping missing FlagExec")
	}
}

func TestAddAndSortRejectsEmptyRange(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("AddAndSort(start >= end) did not panic")
		}
	}()
	New().AddAndSort(0x2000, 0x1000, 0, FlagRead, "bad", 0)
}

func TestIDStableAcrossSplit(t *testing.T) {
	m := New()
	id := m.AddAndSort(0x1000, 0x4000, 0, FlagRead, "a", 0)
	m.AddAndSort(0x2000, 0x3000, 0, FlagRead|FlagWrite, "b", 0)

	mm, ok := m.Get(id)
	if !ok {
		t.Fatalf("original id no longer resolves")
	}
	if mm.Start != 0x1000 || mm.End != 0x2000 {
		t.Errorf("left remainder = %+v", mm)
	}
}
