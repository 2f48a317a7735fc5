// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package perfevent defines the typed records decoded from perf_event_open
// ring buffers: the tagged Record union, the x86-64 register sets and
// stack slices that compose it, and the decoder that turns a raw,
// perf_event_header-prefixed byte range into one of these records.
package perfevent

// RecordCommon is embedded by every Record. It carries the fields the
// kernel attaches to (almost) every record type: the originating
// pid/tid, the record's timestamp, and the key used to order it against
// records from other ring buffers (the per-CPU ring buffer's stream id).
type RecordCommon struct {
	PID       int
	TID       int
	TimeNS    uint64
	StreamKey uint64
}

// Common returns r's RecordCommon, satisfying Record.
func (r RecordCommon) Common() RecordCommon { return r }

// Record is the tagged union of decoded perf_event_open records. Callers
// type-switch on the concrete type.
type Record interface {
	Common() RecordCommon
}

// RecordFork reports creation of a process or thread.
type RecordFork struct {
	RecordCommon
	PPID int
	PTID int
}

// RecordExit reports exit of a process or thread.
type RecordExit struct {
	RecordCommon
	PPID int
	PTID int
}

// RecordMmap reports a new executable or data mapping in the target.
type RecordMmap struct {
	RecordCommon
	Addr     uint64
	Len      uint64
	PgOffset uint64
	Filename string
	Exec     bool
}

// RecordStackSample carries a time-based sample: the full register set
// plus a dump of the thread's user stack, to be unwound with DWARF CFI or
// frame pointers.
type RecordStackSample struct {
	RecordCommon
	Regs  RegsUser
	Stack StackSlice
}

// RecordCallchainSample carries a time-based sample for which the kernel
// has already walked frame pointers and produced an instruction-pointer
// chain. Ips[0] is always inside the kernel.
type RecordCallchainSample struct {
	RecordCommon
	Regs RegsUser
	Ips  []uint64
	// Stack is the thread's user stack dump carried alongside the
	// kernel-walked callchain, when the ring buffer was configured with
	// both PERF_SAMPLE_CALLCHAIN and PERF_SAMPLE_STACK_USER. It is what
	// lets the leaf-function patcher attempt a single DWARF step even
	// for samples the kernel itself already frame-pointer-walked.
	Stack StackSlice
}

// RecordUprobe reports entry into a dynamically-instrumented function
// without argument recording.
type RecordUprobe struct {
	RecordCommon
	FunctionID    uint64
	CPU           uint32
	SP            uint64
	IP            uint64
	ReturnAddress uint64
}

// RecordUprobeWithArgs is RecordUprobe plus the System V AMD64 ABI
// argument registers, recorded when the instrumented function was
// configured with RecordArgs.
type RecordUprobeWithArgs struct {
	RecordCommon
	FunctionID    uint64
	CPU           uint32
	Regs          ArgRegs
	ReturnAddress uint64
}

// RecordUretprobe reports return from a dynamically-instrumented
// function without return-value recording.
type RecordUretprobe struct {
	RecordCommon
}

// RecordUretprobeWithReturnValue is RecordUretprobe plus the rax value at
// return, recorded when the instrumented function was configured with
// RecordReturnValue.
type RecordUretprobeWithReturnValue struct {
	RecordCommon
	ReturnValue uint64
}

// RecordUserSpaceFunctionEntry reports entry into a function
// instrumented via the user-space trampoline variant rather than a
// kernel uprobe.
type RecordUserSpaceFunctionEntry struct {
	RecordCommon
	FunctionID    uint64
	SP            uint64
	ReturnAddress uint64
}

// RecordUserSpaceFunctionExit reports return from a user-space
// trampoline-instrumented function.
type RecordUserSpaceFunctionExit struct {
	RecordCommon
}

// RecordSchedSwitch reports a context switch away from the target
// thread. Callchain and Stack are populated only when the controller
// requested stack-carrying sched-switch tracepoints.
type RecordSchedSwitch struct {
	RecordCommon
	Callchain []uint64
	Stack     *StackSlice
}

// RecordSchedWakeup reports a wakeup of the target thread.
type RecordSchedWakeup struct {
	RecordCommon
	Callchain []uint64
	Stack     *StackSlice
}

// RecordLost reports that the kernel dropped records because a ring
// buffer filled up before userspace could drain it.
type RecordLost struct {
	RecordCommon
	NumLost uint64
}

// RecordThrottle reports perf_event_open throttling the target due to
// excessive sampling overhead.
type RecordThrottle struct {
	RecordCommon
	Enable bool
}
