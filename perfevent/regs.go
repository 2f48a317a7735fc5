// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package perfevent

// RegsUser holds the x86-64 general-purpose register set captured by a
// PERF_SAMPLE_REGS_USER record, in the kernel's PERF_REG_X86_* order
// (AX..SS, indices 0-11). The frame-pointer unwinder only ever needs BP
// and IP; the segment/extended registers beyond SS (DS, ES, FS, GS,
// R8-R15, indices 12-23) are not requested and so are not represented
// here.
type RegsUser struct {
	AX, BX, CX, DX uint64
	SI, DI         uint64
	BP, SP         uint64
	IP             uint64
	FLAGS          uint64
	CS, SS         uint64
}

// RegsSP is the reduced register set carried by uprobe entry records:
// only the stack pointer and instruction pointer, per
// perf_event_sample_regs_user_sp.
type RegsSP struct {
	SP uint64
	IP uint64
}

// ArgRegs extends RegsSP with the first six System V AMD64 ABI integer
// argument registers, captured at uprobe entry when argument recording
// is enabled for the instrumented function.
type ArgRegs struct {
	RegsSP

	DI, SI, DX, CX uint64
	R8, R9         uint64
}
