// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package perfevent

// StackSlice is a contiguous range of a thread's user stack captured at
// some instant, together with the address it starts at. A StackSample
// event owns one slice (the kernel's dumped sample stack); the
// user-space-instrumentation path may contribute one additional slice
// per thread.
//
// Slices consumed together by a single unwind call must be pairwise
// disjoint; callers that cannot guarantee this fall back to using only
// the sample's own slice (see visitor.attachAuxStacks).
type StackSlice struct {
	Start uint64
	Data  []byte
}

// End returns the address one past the last byte covered by the slice.
func (s StackSlice) End() uint64 {
	return s.Start + uint64(len(s.Data))
}

// Contains reports whether addr falls within the slice.
func (s StackSlice) Contains(addr uint64) bool {
	return s.Start <= addr && addr < s.End()
}

// Overlaps reports whether s and o cover any address in common.
func (s StackSlice) Overlaps(o StackSlice) bool {
	return s.Start < o.End() && o.Start < s.End()
}
