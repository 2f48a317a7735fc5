// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package maps is the maps oracle: given an instruction pointer, find
// the mapping it falls in. It is fed by Mmap records and by an initial
// /proc/<pid>/maps-style snapshot, and is consulted by the unwinder to
// classify frames and resolve module offsets.
package maps

import (
	"fmt"
	"sort"
)

// Flags is the protection bits of a Mapping, matching PROT_READ/WRITE/EXEC.
type Flags uint8

const (
	FlagRead Flags = 1 << iota
	FlagWrite
	FlagExec
)

// UprobesMappingName is the synthetic mapping name the kernel's uprobe
// trampolines appear under in /proc/<pid>/maps.
const UprobesMappingName = "[uprobes]"

// InfiniteLoadBias marks the "[uprobes]" mapping: its addresses are
// already absolute, kernel-chosen trampoline addresses, so there is no
// finite offset that would make sense as a load bias.
const InfiniteLoadBias = ^uint64(0)

// Mapping is one contiguous, named region of a process's address space.
type Mapping struct {
	Start    uint64
	End      uint64 // exclusive
	Offset   uint64 // page offset into the backing file
	Flags    Flags
	Name     string
	LoadBias uint64
}

// Contains reports whether addr falls in [Start, End).
func (m Mapping) Contains(addr uint64) bool {
	return m.Start <= addr && addr < m.End
}

// IsUprobes reports whether m is the synthetic uprobe trampoline mapping.
func (m Mapping) IsUprobes() bool {
	return m.Name == UprobesMappingName
}

// ID identifies a Mapping stored in a Maps by a stable arena index: it
// remains valid across subsequent AddAndSort calls even though those
// calls may split, shrink or drop neighboring mappings and resort the
// lookup order. It is invalidated by Reset, and by a later AddAndSort
// whose range covers the mapping entirely (which drops it).
type ID int

// noID is returned when a lookup fails.
const noID ID = -1

// Maps owns the set of mappings known for one target. It is private to
// the tracer controller's single worker goroutine; no synchronization is
// provided or required.
type Maps struct {
	arena []Mapping
	live  []bool // arena[i] is live iff live[i]
	order []ID   // ids of live entries, kept sorted by arena[id].Start
}

// New returns an empty Maps.
func New() *Maps {
	return &Maps{}
}

// Reset discards every mapping, invalidating all previously returned IDs.
func (m *Maps) Reset() {
	m.arena = m.arena[:0]
	m.live = m.live[:0]
	m.order = m.order[:0]
}

// Get returns the Mapping stored at id. The second result is false if id
// is stale (post-Reset, dropped by an AddAndSort that covered its whole
// range, or never issued).
func (m *Maps) Get(id ID) (Mapping, bool) {
	if id < 0 || int(id) >= len(m.arena) || !m.live[id] {
		return Mapping{}, false
	}
	return m.arena[id], true
}

// Find returns the mapping containing addr, if any, and its ID.
func (m *Maps) Find(addr uint64) (Mapping, ID, bool) {
	i := sort.Search(len(m.order), func(i int) bool {
		return m.arena[m.order[i]].Start > addr
	})
	if i == 0 {
		return Mapping{}, noID, false
	}
	id := m.order[i-1]
	mm := m.arena[id]
	if !mm.Contains(addr) {
		return Mapping{}, noID, false
	}
	return mm, id, true
}

func (m *Maps) alloc(mm Mapping) ID {
	id := ID(len(m.arena))
	m.arena = append(m.arena, mm)
	m.live = append(m.live, true)
	return id
}

// AddAndSort inserts a new mapping covering [start, end), splitting or
// shortening any existing mapping it overlaps so the set remains a
// sorted, pairwise-disjoint cover of previous-coverage ∪ [start, end).
// This mirrors the kernel's /proc/<pid>/maps semantics for a later mmap
// landing on top of an earlier one: the new mapping wins the overlap,
// and a mapping straddling the new range's upper edge has its page
// offset advanced by the number of bytes trimmed from its start.
//
// The special name UprobesMappingName is always stored with
// InfiniteLoadBias and FlagExec set, regardless of the flags/loadBias
// arguments, so downstream components can recognize probe trampolines
// purely from the mapping they resolve to.
func (m *Maps) AddAndSort(start, end, offset uint64, flags Flags, name string, loadBias uint64) ID {
	if start >= end {
		panic(fmt.Sprintf("maps: invalid range [%#x, %#x)", start, end))
	}
	if name == UprobesMappingName {
		flags |= FlagExec
		loadBias = InfiniteLoadBias
	}

	var newOrder []ID
	for _, id := range m.order {
		e := m.arena[id]
		switch {
		case e.End <= start || e.Start >= end:
			newOrder = append(newOrder, id)

		case e.Start < start && e.End > end:
			// The new range lands entirely inside e: split it into a
			// left remainder (reusing e's id) and a right remainder
			// (a fresh id), both pointing at the same backing file.
			left := e
			left.End = start
			m.arena[id] = left
			newOrder = append(newOrder, id)

			right := e
			right.Start = end
			right.Offset = e.Offset + (end - e.Start)
			newOrder = append(newOrder, m.alloc(right))

		case e.Start < start:
			// e straddles only the new range's start.
			e.End = start
			m.arena[id] = e
			newOrder = append(newOrder, id)

		case e.End > end:
			// e straddles only the new range's end.
			e.Offset += end - e.Start
			e.Start = end
			m.arena[id] = e
			newOrder = append(newOrder, id)

		default:
			// e is fully covered by the new range: drop it.
			m.live[id] = false
		}
	}

	newID := m.alloc(Mapping{Start: start, End: end, Offset: offset, Flags: flags, Name: name, LoadBias: loadBias})
	newOrder = append(newOrder, newID)
	sort.Slice(newOrder, func(i, j int) bool {
		return m.arena[newOrder[i]].Start < m.arena[newOrder[j]].Start
	})
	m.order = newOrder
	return newID
}

// Snapshot returns every live mapping, sorted by start address. Callers
// must not mutate the returned slice.
func (m *Maps) Snapshot() []Mapping {
	out := make([]Mapping, len(m.order))
	for i, id := range m.order {
		out[i] = m.arena[id]
	}
	return out
}
