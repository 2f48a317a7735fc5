// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package leaffunc recovers the caller of a leaf function missing from a
// frame-pointer-based callchain. The kernel's frame-pointer walker
// cannot see past a leaf function compiled without a frame-pointer
// prologue (-momit-leaf-frame-pointer), because there is no saved base
// pointer to chase; it reports only the leaf itself. One DWARF unwind
// step from the sampled registers recovers the missing caller without
// the cost of unwinding every sample in full.
package leaffunc

import (
	"github.com/tracewalk/linuxtracing/maps"
	"github.com/tracewalk/linuxtracing/perfevent"
	"github.com/tracewalk/linuxtracing/unwind"
)

// Result is the outcome of PatchCallerOfLeafFunction.
type Result int

const (
	// Complete means the chain is usable as-is (possibly after the
	// caller was inserted).
	Complete Result = iota
	// StackTopForDwarfUnwindingTooSmall means the event's stack dump
	// was smaller than the configured minimum, so no unwind step could
	// be attempted.
	StackTopForDwarfUnwindingTooSmall
	// StackTopDwarfUnwindingError means the one-frame unwind step
	// itself failed, or its only frame was not in executable memory.
	StackTopDwarfUnwindingError
	// FramePointerUnwindingError means the one-frame unwind step
	// produced three or more frames, which is inconsistent with a
	// single missing leaf caller and indicates the callchain is
	// corrupt in some other way.
	FramePointerUnwindingError
)

// Manager holds the minimum stack-dump size below which a leaf-caller
// recovery attempt is not even tried.
type Manager struct {
	stackDumpSize int
}

// New returns a Manager requiring at least stackDumpSize bytes of stack
// dump before attempting recovery.
func New(stackDumpSize int) *Manager {
	return &Manager{stackDumpSize: stackDumpSize}
}

// PatchCallerOfLeafFunction inspects chain, whose first element is
// assumed to be the innermost (leaf) frame, and inserts the leaf's
// caller into it if the caller is missing because the leaf function has
// no frame pointer. regs and stack are the registers and stack dump
// carried by the same event as chain.
func (m *Manager) PatchCallerOfLeafFunction(chain []uint64, regs perfevent.RegsUser, stack perfevent.StackSlice, mp *maps.Maps) ([]uint64, Result) {
	if len(stack.Data) < m.stackDumpSize {
		return chain, StackTopForDwarfUnwindingTooSmall
	}

	// maxFrames=3 lets a genuinely broken callchain reveal itself (3+
	// frames from a single step is impossible with intact frame
	// pointers) instead of being silently truncated to 2.
	frames, errCode := unwind.Unwind(0, mp, regs, []perfevent.StackSlice{stack}, true, 3)
	if errCode == unwind.ErrStackTooSmall || errCode == unwind.ErrBadFrame {
		return chain, StackTopDwarfUnwindingError
	}
	if len(frames) == 0 {
		return chain, StackTopDwarfUnwindingError
	}

	switch {
	case len(frames) == 1:
		if mm, ok := mp.Get(frames[0].Mapping); !ok || mm.Flags&maps.FlagExec == 0 {
			return chain, StackTopDwarfUnwindingError
		}
		// $rbp was already consistent with a non-leaf frame: the
		// chain is already correct.
		return chain, Complete

	case len(frames) == 2:
		caller := frames[1].PC // return address; visitCallchainSample's uniform -1 lands it on the call instruction
		patched := make([]uint64, 0, len(chain)+1)
		patched = append(patched, chain[0])
		patched = append(patched, caller)
		patched = append(patched, chain[1:]...)
		return patched, Complete

	default:
		// With frame pointers, one DWARF step can yield at most two
		// frames; three or more means something else is wrong.
		return chain, FramePointerUnwindingError
	}
}
