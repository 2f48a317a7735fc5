// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package visitor

import (
	"sort"

	"github.com/tracewalk/linuxtracing/functioncall"
	"github.com/tracewalk/linuxtracing/leaffunc"
	"github.com/tracewalk/linuxtracing/maps"
	"github.com/tracewalk/linuxtracing/perfevent"
	"github.com/tracewalk/linuxtracing/returnaddr"
	"github.com/tracewalk/linuxtracing/unwind"
)

// UserSpaceInstrumentationRanges names the address ranges of the
// injected entry/return trampolines and the library that hosts them,
// when the target is instrumented with user-space function hooks
// instead of (or in addition to) kernel uprobes. A nil value disables
// all InUserSpaceInstrumentation classification.
type UserSpaceInstrumentationRanges struct {
	EntryTrampolineStart, EntryTrampolineEnd   uint64
	ReturnTrampolineStart, ReturnTrampolineEnd uint64
	InjectedLibraryMapName                     string
}

// Config holds the per-run settings the visitor needs beyond its
// collaborators: the stack dump size below which leaf-function
// recovery isn't attempted, the stop-at-functions table, and the
// optional user-space instrumentation ranges.
type Config struct {
	StackDumpSize            int
	MaxFrames                int
	StopAtFunctions          map[uint64]uint64 // address -> size
	UserSpaceInstrumentation *UserSpaceInstrumentationRanges
}

type stopAtRange struct{ start, end uint64 }

// Visitor dispatches decoded records, owns the maps oracle, and drives
// the return-address, function-call and leaf-function collaborators in
// response. It is single-threaded: every method is meant to be called
// from the tracer controller's one worker goroutine.
type Visitor struct {
	maps         *maps.Maps
	returnAddr   *returnaddr.Manager
	functionCall *functioncall.Manager
	leafFunc     *leaffunc.Manager
	listener     Listener
	moduleInfo   ModuleInfoProvider

	maxFrames int
	userSpace *UserSpaceInstrumentationRanges
	stopAt    []stopAtRange

	seenAddressInfo map[uint64]bool
	lastUprobe      map[int]uprobeKey
	auxStacks       map[int][]perfevent.StackSlice

	Stats Stats
}

type uprobeKey struct {
	sp, ip uint64
	cpu    uint32
}

// New returns a Visitor backed by a fresh maps oracle and the given
// collaborators. moduleInfo may be nil if the run never expects
// non-synthetic Mmap records (e.g. targets that only use uprobes).
func New(cfg Config, listener Listener, moduleInfo ModuleInfoProvider) *Visitor {
	maxFrames := cfg.MaxFrames
	if maxFrames <= 0 {
		maxFrames = 256
	}
	v := &Visitor{
		maps:            maps.New(),
		returnAddr:      returnaddr.New(),
		functionCall:    functioncall.New(),
		leafFunc:        leaffunc.New(cfg.StackDumpSize),
		listener:        listener,
		moduleInfo:      moduleInfo,
		maxFrames:       maxFrames,
		userSpace:       cfg.UserSpaceInstrumentation,
		seenAddressInfo: make(map[uint64]bool),
		lastUprobe:      make(map[int]uprobeKey),
		auxStacks:       make(map[int][]perfevent.StackSlice),
	}
	for addr, size := range cfg.StopAtFunctions {
		v.stopAt = append(v.stopAt, stopAtRange{addr, addr + size})
	}
	sort.Slice(v.stopAt, func(i, j int) bool { return v.stopAt[i].start < v.stopAt[j].start })
	return v
}

// Maps returns the oracle the visitor feeds from Mmap records, for
// components (such as an initial-snapshot loader) that need to
// pre-populate it before the worker starts processing live records.
func (v *Visitor) Maps() *maps.Maps { return v.maps }

// PushAuxStack queues an auxiliary user-stack slice for tid, to be
// attached to the next StackSample for the same thread by
// attachAuxStacks. It is for stacks captured by user-space
// instrumentation, which can be deeper than the kernel's own sample
// dump; Dispatch itself never queues any, including for user-space
// function entry and exit records.
func (v *Visitor) PushAuxStack(tid int, slice perfevent.StackSlice) {
	v.auxStacks[tid] = append(v.auxStacks[tid], slice)
}

// attachAuxStacks returns the stack slices to hand the unwinder for
// tid's sample: the kernel's own dumped stack first, then any pending
// user-space-instrumentation slices queued for this thread, most
// recently pushed first. If any two of these slices overlap, only the
// sample's own slice is returned. Slices queued for other threads are
// left untouched; this thread's queue is drained regardless of whether
// the sample ends up using them.
func (v *Visitor) attachAuxStacks(tid int, sample perfevent.StackSlice) []perfevent.StackSlice {
	pending := v.auxStacks[tid]
	delete(v.auxStacks, tid)
	if len(pending) == 0 {
		return []perfevent.StackSlice{sample}
	}
	slices := make([]perfevent.StackSlice, 0, 1+len(pending))
	slices = append(slices, sample)
	for i := len(pending) - 1; i >= 0; i-- {
		for _, s := range slices {
			if s.Overlaps(pending[i]) {
				return []perfevent.StackSlice{sample}
			}
		}
		slices = append(slices, pending[i])
	}
	return slices
}

// Dispatch type-switches rec onto the matching Visit method. It is the
// single entry point the tracer controller's worker loop calls once per
// time-ordered record.
func (v *Visitor) Dispatch(rec perfevent.Record) {
	switch e := rec.(type) {
	case perfevent.RecordMmap:
		v.visitMmap(e)
	case perfevent.RecordUprobe:
		v.visitUprobe(e.TID, e.CPU, e.SP, e.IP, e.ReturnAddress, e.FunctionID, e.TimeNS, nil)
	case perfevent.RecordUprobeWithArgs:
		regs := &functioncall.ArgRegs{DI: e.Regs.DI, SI: e.Regs.SI, DX: e.Regs.DX, CX: e.Regs.CX, R8: e.Regs.R8, R9: e.Regs.R9}
		v.visitUprobe(e.TID, e.CPU, e.Regs.SP, e.Regs.IP, e.ReturnAddress, e.FunctionID, e.TimeNS, regs)
	case perfevent.RecordUretprobe:
		v.visitUretprobe(e.PID, e.TID, e.TimeNS, nil)
	case perfevent.RecordUretprobeWithReturnValue:
		rv := e.ReturnValue
		v.visitUretprobe(e.PID, e.TID, e.TimeNS, &rv)
	case perfevent.RecordUserSpaceFunctionEntry:
		v.functionCall.ProcessFunctionEntry(e.TID, e.FunctionID, e.TimeNS, nil)
		v.returnAddr.ProcessFunctionEntry(e.TID, e.SP, e.ReturnAddress)
	case perfevent.RecordUserSpaceFunctionExit:
		if call := v.functionCall.ProcessFunctionExit(e.PID, e.TID, e.TimeNS, nil); call != nil {
			v.listener.OnFunctionCall(toFunctionCall(call))
		}
		v.returnAddr.ProcessFunctionExit(e.TID)
	case perfevent.RecordStackSample:
		v.visitStackSample(e)
	case perfevent.RecordCallchainSample:
		v.visitCallchainSample(e)
	case perfevent.RecordLost:
		v.listener.OnLostPerfRecordsEvent(LostPerfRecordsEvent{TimeNS: e.TimeNS, NumLost: e.NumLost})
	}
}

func toFunctionCall(c *functioncall.Call) FunctionCall {
	fc := FunctionCall{
		PID: c.PID, TID: c.TID,
		FunctionID:  c.FunctionID,
		DurationNS:  c.DurationNS,
		EndTSNS:     c.EndTSNS,
		Depth:       c.Depth,
		ReturnValue: c.ReturnValue,
	}
	if c.Registers != nil {
		fc.Registers = &[6]uint64{c.Registers.DI, c.Registers.SI, c.Registers.DX, c.Registers.CX, c.Registers.R8, c.Registers.R9}
	}
	return fc
}

func (v *Visitor) visitMmap(e perfevent.RecordMmap) {
	if e.Filename == maps.UprobesMappingName {
		v.maps.AddAndSort(e.Addr, e.Addr+e.Len, 0, maps.FlagExec, e.Filename, maps.InfiniteLoadBias)
		return
	}

	flags := maps.FlagRead
	if e.Exec {
		flags |= maps.FlagExec
	}

	if v.moduleInfo == nil {
		v.maps.AddAndSort(e.Addr, e.Addr+e.Len, e.PgOffset, flags, e.Filename, 0)
		return
	}

	info, err := v.moduleInfo.CreateModule(e.Filename, e.Addr, e.Addr+e.Len)
	if err != nil {
		v.listener.OnErrorsWithPerfEventOpenEvent(ErrorsWithPerfEventOpenEvent{Err: err})
		return
	}

	v.maps.AddAndSort(info.AddressStart, info.AddressEnd, e.PgOffset, flags, e.Filename, info.LoadBias)
	v.listener.OnModuleUpdate(ModuleUpdate{PID: e.PID, TimeNS: e.TimeNS, Module: info})
}

// visitUprobe handles both RecordUprobe and RecordUprobeWithArgs after
// the caller has normalized their registers into functioncall.ArgRegs.
func (v *Visitor) visitUprobe(tid int, cpu uint32, sp, ip, returnAddr, functionID, ts uint64, regs *functioncall.ArgRegs) {
	// We are seeing that, on thread migration, uprobe events can
	// sometimes be duplicated with the same (sp, ip) but a different
	// cpu; in that case discard the new one. We also discard whenever
	// sp has strictly increased, since two consecutive probe entries
	// for a thread must have non-increasing stack pointers (the stack
	// grows down) -- a strict increase means the matching uretprobe for
	// the last entry was lost.
	if last, ok := v.lastUprobe[tid]; ok {
		if sp > last.sp {
			v.Stats.MissingUretprobeOrDuplicateUprobe.Add(1)
			delete(v.lastUprobe, tid)
			return
		}
		if sp == last.sp && ip == last.ip && cpu != last.cpu {
			v.Stats.DuplicateUprobeOnMigration.Add(1)
			delete(v.lastUprobe, tid)
			return
		}
	}
	v.lastUprobe[tid] = uprobeKey{sp: sp, ip: ip, cpu: cpu}

	v.functionCall.ProcessFunctionEntry(tid, functionID, ts, regs)
	v.returnAddr.ProcessFunctionEntry(tid, sp, returnAddr)
}

func (v *Visitor) visitUretprobe(pid, tid int, ts uint64, rax *uint64) {
	delete(v.lastUprobe, tid)

	if call := v.functionCall.ProcessFunctionExit(pid, tid, ts, rax); call != nil {
		v.listener.OnFunctionCall(toFunctionCall(call))
	}
	v.returnAddr.ProcessFunctionExit(tid)
}

func (v *Visitor) inStopAt(pc uint64) bool {
	i := sort.Search(len(v.stopAt), func(i int) bool { return v.stopAt[i].start > pc })
	if i == 0 {
		return false
	}
	r := v.stopAt[i-1]
	return pc >= r.start && pc < r.end
}

func (v *Visitor) isUserSpaceInstrumentationFrame(f unwind.Frame) bool {
	if v.userSpace == nil {
		return false
	}
	if f.PC >= v.userSpace.EntryTrampolineStart && f.PC < v.userSpace.EntryTrampolineEnd {
		return true
	}
	if f.PC >= v.userSpace.ReturnTrampolineStart && f.PC < v.userSpace.ReturnTrampolineEnd {
		return true
	}
	if mm, ok := v.maps.Get(f.Mapping); ok && mm.Name == v.userSpace.InjectedLibraryMapName {
		return true
	}
	return false
}

func isUprobesFrame(f unwind.Frame, mp *maps.Maps) bool {
	mm, ok := mp.Get(f.Mapping)
	return ok && mm.IsUprobes()
}

func pcsOf(frames []unwind.Frame) []uint64 {
	out := make([]uint64, len(frames))
	for i, f := range frames {
		out[i] = f.PC
	}
	return out
}

func (v *Visitor) emitAddressInfo(f unwind.Frame, syntheticUprobes bool) {
	if v.seenAddressInfo[f.PC] {
		return
	}
	v.seenAddressInfo[f.PC] = true
	if syntheticUprobes {
		mm, _ := v.maps.Get(f.Mapping)
		v.listener.OnAddressInfo(AddressInfo{
			AbsoluteAddress:  f.PC,
			FunctionName:     maps.UprobesMappingName,
			OffsetInFunction: f.PC - mm.Start,
			ModuleName:       maps.UprobesMappingName,
		})
		return
	}
	mm, _ := v.maps.Get(f.Mapping)
	v.listener.OnAddressInfo(AddressInfo{
		AbsoluteAddress:  f.PC,
		FunctionName:     f.FunctionName,
		OffsetInFunction: f.FunctionOffset,
		ModuleName:       mm.Name,
	})
}

func (v *Visitor) visitStackSample(e perfevent.RecordStackSample) {
	v.returnAddr.PatchSample(e.TID, e.Regs.SP, e.Stack.Data)

	slices := v.attachAuxStacks(e.TID, e.Stack)
	frames, errCode := unwind.Unwind(e.PID, v.maps, e.Regs, slices, false, v.maxFrames)

	sample := CallstackSample{PID: e.PID, TID: e.TID, TimeNS: e.TimeNS}

	switch {
	case len(frames) == 0:
		// Should not happen: at minimum the sampled IP is always
		// reported. Do nothing rather than emit an empty callstack.
		return

	case isUprobesFrame(frames[0], v.maps):
		v.Stats.DiscardedSamplesInUretprobes.Add(1)
		sample.Type = InUprobes
		sample.Pcs = []uint64{frames[0].PC}
		v.emitAddressInfo(frames[0], true)
		v.listener.OnCallstackSample(sample)

	case v.isUserSpaceInstrumentationFrame(frames[0]):
		i := 0
		for i < len(frames) && v.isUserSpaceInstrumentationFrame(frames[i]) {
			i++
		}
		kept := frames[i:]
		sample.Type = InUserSpaceInstrumentation
		sample.Pcs = pcsOf(kept)
		for _, f := range kept {
			v.emitAddressInfo(f, false)
		}
		v.listener.OnCallstackSample(sample)

	case len(frames) > 1 && isUprobesFrame(frames[len(frames)-1], v.maps):
		// Unwinding walked all the way into the uprobe trampoline: the
		// return-address patch must have missed a probe frame.
		v.Stats.UnwindingErrors.Add(1)
		sample.Type = CallstackPatchingFailed
		sample.Pcs = []uint64{frames[0].PC}
		v.emitAddressInfo(frames[0], false)
		v.listener.OnCallstackSample(sample)

	case len(frames) == 1:
		if v.inStopAt(frames[0].PC) {
			sample.Type = Complete
		} else {
			v.Stats.UnwindingErrors.Add(1)
			sample.Type = DwarfUnwindingError
		}
		sample.Pcs = []uint64{frames[0].PC}
		v.emitAddressInfo(frames[0], false)
		v.listener.OnCallstackSample(sample)

	case errCode != unwind.ErrNone && errCode != unwind.ErrMaxFrames:
		v.Stats.UnwindingErrors.Add(1)
		sample.Type = DwarfUnwindingError
		sample.Pcs = []uint64{frames[0].PC}
		v.emitAddressInfo(frames[0], false)
		v.listener.OnCallstackSample(sample)

	default:
		sample.Type = Complete
		sample.Pcs = pcsOf(frames)
		for _, f := range frames {
			v.emitAddressInfo(f, false)
		}
		v.listener.OnCallstackSample(sample)
	}
}

func (v *Visitor) visitCallchainSample(e perfevent.RecordCallchainSample) {
	// The top of a callchain is always the kernel context; a chain with
	// only that one entry means the sample never left the kernel.
	if len(e.Ips) <= 1 {
		return
	}

	sample := CallstackSample{PID: e.PID, TID: e.TID, TimeNS: e.TimeNS}

	if len(e.Ips) == 2 {
		v.Stats.UnwindingErrors.Add(1)
		sample.Type = FramePointerUnwindingError
		sample.Pcs = []uint64{e.Ips[1]}
		v.listener.OnCallstackSample(sample)
		return
	}

	topIP := e.Ips[1]
	topMapping, topID, found := v.maps.Find(topIP)
	if !found || topMapping.IsUprobes() {
		_ = topID
		v.Stats.DiscardedSamplesInUretprobes.Add(1)
		sample.Type = InUprobes
		sample.Pcs = []uint64{topIP}
		v.listener.OnCallstackSample(sample)
		return
	}

	if v.isUserSpaceInstrumentationFrame(unwind.Frame{PC: topIP, Mapping: topID}) {
		sample.Type = InUserSpaceInstrumentation
		sample.Pcs = []uint64{topIP}
		v.listener.OnCallstackSample(sample)
		return
	}

	// leaffunc's contract assumes chain[0] is the bare leaf pc with no
	// kernel-context prefix, so it only ever sees e.Ips[1:]; the kernel
	// marker at index 0 is reattached below before returnaddr.PatchCallchain
	// (which is indifferent to it: index 0 never resolves to "[uprobes]").
	userChain, result := v.leafFunc.PatchCallerOfLeafFunction(append([]uint64(nil), e.Ips[1:]...), e.Regs, e.Stack, v.maps)
	if result != leaffunc.Complete {
		v.Stats.UnwindingErrors.Add(1)
		sample.Type = leafResultToCallstackType(result)
		sample.Pcs = []uint64{topIP}
		v.listener.OnCallstackSample(sample)
		return
	}

	chain := append([]uint64{e.Ips[0]}, userChain...)

	if !v.returnAddr.PatchCallchain(e.TID, chain, v.maps) {
		v.Stats.UnwindingErrors.Add(1)
		sample.Type = CallstackPatchingFailed
		sample.Pcs = []uint64{topIP}
		v.listener.OnCallstackSample(sample)
		return
	}

	// Drop the kernel-context entry at position 0; of what remains, the
	// innermost (position 1 originally) is exact but every caller from
	// position 2 onward is a return address, so step back one byte to
	// land inside the call instruction itself.
	pcs := make([]uint64, len(chain)-1)
	pcs[0] = chain[1]
	for i := 2; i < len(chain); i++ {
		pcs[i-1] = chain[i] - 1
	}
	sample.Type = Complete
	sample.Pcs = pcs
	v.listener.OnCallstackSample(sample)
}

func leafResultToCallstackType(r leaffunc.Result) CallstackType {
	switch r {
	case leaffunc.StackTopForDwarfUnwindingTooSmall:
		return StackTopForDwarfUnwindingTooSmall
	case leaffunc.StackTopDwarfUnwindingError:
		return StackTopDwarfUnwindingError
	case leaffunc.FramePointerUnwindingError:
		return FramePointerUnwindingError
	default:
		return DwarfUnwindingError
	}
}
