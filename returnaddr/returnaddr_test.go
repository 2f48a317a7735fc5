// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package returnaddr

import (
	"testing"

	"github.com/tracewalk/linuxtracing/maps"
)

func TestPatchSampleOverwritesOnlySavedSlot(t *testing.T) {
	m := New()
	sp := uint64(0x7fff0000)
	m.ProcessFunctionEntry(1, sp, 0xdeadbeef)

	stack := make([]byte, 32)
	for i := range stack {
		stack[i] = 0xff
	}
	m.PatchSample(1, sp, stack)

	for i := 8; i < len(stack); i++ {
		if stack[i] != 0xff {
			t.Fatalf("PatchSample touched byte %d outside the saved slot", i)
		}
	}
	got := uint64(0)
	for i := 7; i >= 0; i-- {
		got = got<<8 | uint64(stack[i])
	}
	if got != 0xdeadbeef {
		t.Errorf("patched slot = %#x, want 0xdeadbeef", got)
	}
}

func TestPatchSampleTailCallKeepsEarliestCaller(t *testing.T) {
	m := New()
	sp := uint64(0x7fff0000)
	m.ProcessFunctionEntry(1, sp, 0x111) // caller, pushed first
	m.ProcessFunctionEntry(1, sp, 0x222) // callee, tail call, same sp

	stack := make([]byte, 8)
	m.PatchSample(1, sp, stack)

	got := uint64(0)
	for i := 7; i >= 0; i-- {
		got = got<<8 | uint64(stack[i])
	}
	if got != 0x111 {
		t.Errorf("patched slot = %#x, want 0x111 (earliest caller wins)", got)
	}
}

func TestProcessFunctionExitDropsEmptyThread(t *testing.T) {
	m := New()
	m.ProcessFunctionEntry(1, 0x1000, 0x2000)
	m.ProcessFunctionExit(1)
	if _, ok := m.byTID[1]; ok {
		t.Errorf("thread 1's entry should be removed once its stack empties")
	}
}

func newMapsForScenario3() *maps.Maps {
	mp := maps.New()
	mp.AddAndSort(0x100, 0x400, 0, maps.FlagRead|maps.FlagExec, "target", 0)
	mp.AddAndSort(0x7ffffffe000, 0x7ffffffe002, 0, 0, maps.UprobesMappingName, 0)
	return mp
}

func TestPatchCallchainScenario3(t *testing.T) {
	m := New()
	m.ProcessFunctionEntry(11, 0x7fff1000, 0x200)

	chain := []uint64{0 /* kernel */, 0x100, 0x7ffffffe001, 0x301}
	mp := newMapsForScenario3()

	ok := m.PatchCallchain(11, chain, mp)
	if !ok {
		t.Fatalf("PatchCallchain reported failure")
	}
	want := []uint64{0, 0x100, 0x200, 0x301}
	for i, w := range want {
		if chain[i] != w {
			t.Errorf("chain[%d] = %#x, want %#x", i, chain[i], w)
		}
	}
}

func TestPatchCallchainDiscardsWhenProbesMissing(t *testing.T) {
	m := New() // no open probes recorded
	chain := []uint64{0, 0x100, 0x7ffffffe001, 0x301}
	mp := newMapsForScenario3()

	if m.PatchCallchain(11, chain, mp) {
		t.Errorf("PatchCallchain should fail when a probe frame needs patching but none are open")
	}
}

func TestPatchCallchainNoProbeFramesIsFine(t *testing.T) {
	m := New()
	chain := []uint64{0, 0x100, 0x200, 0x301}
	mp := newMapsForScenario3()

	if !m.PatchCallchain(11, chain, mp) {
		t.Errorf("PatchCallchain should succeed trivially when nothing needs patching")
	}
}
