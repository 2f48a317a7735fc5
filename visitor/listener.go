// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package visitor dispatches decoded perfevent.Records onto the maps
// oracle, the unwinder, the return-address and function-call managers
// and the leaf-function patcher, turning them into the classified
// events a Listener consumes. It is the single place that knows how
// those five collaborators compose.
package visitor

// CallstackType classifies a CallstackSample by how (and how
// successfully) it was unwound.
type CallstackType int

const (
	// Complete means every frame in Pcs is trustworthy.
	Complete CallstackType = iota
	// InUprobes means the innermost frame falls inside the kernel's
	// uprobe trampoline; the sample was taken mid-probe and cannot be
	// unwound further.
	InUprobes
	// InUserSpaceInstrumentation means the innermost frame falls inside
	// a user-space instrumentation trampoline or its injected library.
	InUserSpaceInstrumentation
	// DwarfUnwindingError means the unwinder reported an error, or
	// returned only the sampled address itself and that address is not
	// inside a configured stop-at function.
	DwarfUnwindingError
	// StackTopForDwarfUnwindingTooSmall means the leaf-function patcher
	// could not attempt a recovery step because the dumped stack was
	// smaller than the configured minimum.
	StackTopForDwarfUnwindingTooSmall
	// StackTopDwarfUnwindingError means the leaf-function patcher's
	// single unwind step itself failed.
	StackTopDwarfUnwindingError
	// FramePointerUnwindingError means a frame-pointer-walked callchain
	// had exactly two frames (kernel IP plus one user IP with no
	// caller), or the leaf patcher's step produced three or more
	// frames where at most two are possible.
	FramePointerUnwindingError
	// CallstackPatchingFailed means the return-address manager could
	// not reconcile a chain against its open probe stack, or unwinding
	// stopped inside "[uprobes]" because patch_sample missed a probe.
	CallstackPatchingFailed
)

func (t CallstackType) String() string {
	switch t {
	case Complete:
		return "Complete"
	case InUprobes:
		return "InUprobes"
	case InUserSpaceInstrumentation:
		return "InUserSpaceInstrumentation"
	case DwarfUnwindingError:
		return "DwarfUnwindingError"
	case StackTopForDwarfUnwindingTooSmall:
		return "StackTopForDwarfUnwindingTooSmall"
	case StackTopDwarfUnwindingError:
		return "StackTopDwarfUnwindingError"
	case FramePointerUnwindingError:
		return "FramePointerUnwindingError"
	case CallstackPatchingFailed:
		return "CallstackPatchingFailed"
	default:
		return "CallstackType(?)"
	}
}

// CallstackSample is one unwound (or partially unwound) call stack.
type CallstackSample struct {
	PID, TID int
	TimeNS   uint64
	Pcs      []uint64
	Type     CallstackType
}

// FunctionCall is a completed, paired entry/exit of an instrumented
// function, ready for an external consumer: Registers, when present,
// holds the System V AMD64 ABI di/si/dx/cx/r8/r9 argument snapshot in
// that order.
type FunctionCall struct {
	PID, TID    int
	FunctionID  uint64
	DurationNS  uint64
	EndTSNS     uint64
	Depth       int
	ReturnValue *uint64
	Registers   *[6]uint64
}

// AddressInfo names one absolute address resolved during unwinding. The
// visitor emits at most one AddressInfo per absolute address per run.
type AddressInfo struct {
	AbsoluteAddress  uint64
	FunctionName     string
	OffsetInFunction uint64
	ModuleName       string
}

// ModuleInfo describes one mapped module, as produced by a
// ModuleInfoProvider and forwarded to the listener on every Mmap record
// that isn't the synthetic "[uprobes]" mapping.
type ModuleInfo struct {
	Name                    string
	FilePath                string
	AddressStart            uint64
	AddressEnd              uint64
	LoadBias                uint64
	ExecutableSegmentOffset uint64
	ObjectFileType          string
}

// ModuleUpdate reports a newly-mapped module.
type ModuleUpdate struct {
	PID    int
	TimeNS uint64
	Module ModuleInfo
}

// LostPerfRecordsEvent reports a gap the kernel itself reported: records
// dropped because a ring buffer filled up before userspace drained it.
type LostPerfRecordsEvent struct {
	TimeNS  uint64
	NumLost uint64
}

// OutOfOrderEventsDiscardedEvent reports events the time-order merger
// received too late to place correctly and had to drop.
type OutOfOrderEventsDiscardedEvent struct {
	Count uint64
}

// ErrorsWithPerfEventOpenEvent reports a failure from an external
// collaborator invoked while processing a record, such as the module
// info provider failing to parse a newly mapped file.
type ErrorsWithPerfEventOpenEvent struct {
	Err error
}

// ModuleInfoProvider resolves a newly mmap'd file into module metadata.
// It is an opaque external collaborator; the visitor never parses
// ELF/PE itself for module purposes (only the unwind package does, and
// only for DWARF).
type ModuleInfoProvider interface {
	CreateModule(filename string, addrStart, addrEnd uint64) (ModuleInfo, error)
}

// Listener receives every classified event the visitor produces. A
// Listener implementation must not block: the visitor runs on the
// tracer controller's single worker goroutine and never waits on a
// listener call to complete.
type Listener interface {
	OnCallstackSample(CallstackSample)
	OnFunctionCall(FunctionCall)
	OnAddressInfo(AddressInfo)
	OnModuleUpdate(ModuleUpdate)
	OnLostPerfRecordsEvent(LostPerfRecordsEvent)
	OnOutOfOrderEventsDiscardedEvent(OutOfOrderEventsDiscardedEvent)
	OnErrorsWithPerfEventOpenEvent(ErrorsWithPerfEventOpenEvent)
}
