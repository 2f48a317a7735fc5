// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package visitor

import (
	"testing"

	"github.com/tracewalk/linuxtracing/maps"
	"github.com/tracewalk/linuxtracing/perfevent"
)

type fakeListener struct {
	callstacks    []CallstackSample
	functionCalls []FunctionCall
	addressInfos  []AddressInfo
	moduleUpdates []ModuleUpdate
	lost          []LostPerfRecordsEvent
	outOfOrder    []OutOfOrderEventsDiscardedEvent
	errs          []ErrorsWithPerfEventOpenEvent
}

func (l *fakeListener) OnCallstackSample(s CallstackSample) { l.callstacks = append(l.callstacks, s) }
func (l *fakeListener) OnFunctionCall(c FunctionCall)       { l.functionCalls = append(l.functionCalls, c) }
func (l *fakeListener) OnAddressInfo(a AddressInfo)         { l.addressInfos = append(l.addressInfos, a) }
func (l *fakeListener) OnModuleUpdate(m ModuleUpdate)       { l.moduleUpdates = append(l.moduleUpdates, m) }
func (l *fakeListener) OnLostPerfRecordsEvent(e LostPerfRecordsEvent) {
	l.lost = append(l.lost, e)
}
func (l *fakeListener) OnOutOfOrderEventsDiscardedEvent(e OutOfOrderEventsDiscardedEvent) {
	l.outOfOrder = append(l.outOfOrder, e)
}
func (l *fakeListener) OnErrorsWithPerfEventOpenEvent(e ErrorsWithPerfEventOpenEvent) {
	l.errs = append(l.errs, e)
}

type fakeModuleInfo struct {
	info ModuleInfo
	err  error
}

func (f fakeModuleInfo) CreateModule(filename string, addrStart, addrEnd uint64) (ModuleInfo, error) {
	if f.err != nil {
		return ModuleInfo{}, f.err
	}
	info := f.info
	info.AddressStart = addrStart
	info.AddressEnd = addrEnd
	return info, nil
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

// framePointerStack builds a stack dump and registers such that
// unwind.Unwind, starting at regs.IP, recovers exactly the pcs in
// callers by walking the saved-bp chain one hop per entry, terminating
// after the last one.
func framePointerStack(sp uint64, callers []uint64) (perfevent.RegsUser, perfevent.StackSlice) {
	data := make([]byte, 8192)
	bp := sp + 0x100
	regs := perfevent.RegsUser{SP: sp, BP: bp}
	cur := bp
	for i, ret := range callers {
		off := cur - sp
		next := cur + 0x100
		if i == len(callers)-1 {
			putU64(data[off:], 0xdead0000dead0000) // outside range: terminates the walk
		} else {
			putU64(data[off:], next)
		}
		putU64(data[off+8:], ret)
		cur = next
	}
	return regs, perfevent.StackSlice{Start: sp, Data: data}
}

func TestVisitMmapUprobesMapping(t *testing.T) {
	v := New(Config{}, &fakeListener{}, nil)
	v.Dispatch(perfevent.RecordMmap{
		RecordCommon: perfevent.RecordCommon{PID: 1, TID: 1},
		Addr:         0x7ffffffe000, Len: 1,
		Filename: maps.UprobesMappingName,
	})
	mm, _, ok := v.Maps().Find(0x7ffffffe000)
	if !ok || !mm.IsUprobes() || mm.LoadBias != maps.InfiniteLoadBias {
		t.Fatalf("uprobes mapping not installed correctly: %+v", mm)
	}
}

func TestVisitMmapForwardsModuleUpdate(t *testing.T) {
	l := &fakeListener{}
	mi := fakeModuleInfo{info: ModuleInfo{Name: "libfoo.so", LoadBias: 0x1000}}
	v := New(Config{}, l, mi)
	v.Dispatch(perfevent.RecordMmap{
		RecordCommon: perfevent.RecordCommon{PID: 7, TimeNS: 100},
		Addr:         0x500000, Len: 0x1000,
		PgOffset: 0x2000, Filename: "libfoo.so", Exec: true,
	})
	if len(l.moduleUpdates) != 1 {
		t.Fatalf("expected one ModuleUpdate, got %d", len(l.moduleUpdates))
	}
	mm, _, ok := v.Maps().Find(0x500500)
	if !ok || mm.Name != "libfoo.so" || mm.LoadBias != 0x1000 {
		t.Errorf("mapping = %+v", mm)
	}
}

func TestVisitUprobeDuplicateOnMigrationDiscarded(t *testing.T) {
	l := &fakeListener{}
	v := New(Config{}, l, nil)
	v.Dispatch(perfevent.RecordUprobe{RecordCommon: perfevent.RecordCommon{TID: 1}, FunctionID: 1, CPU: 0, SP: 0x1000, IP: 0x100, ReturnAddress: 0x200})
	v.Dispatch(perfevent.RecordUprobe{RecordCommon: perfevent.RecordCommon{TID: 1}, FunctionID: 1, CPU: 1, SP: 0x1000, IP: 0x100, ReturnAddress: 0x200})

	if got := v.Stats.DuplicateUprobeOnMigration.Load(); got != 1 {
		t.Errorf("DuplicateUprobeOnMigration = %d, want 1", got)
	}
	// Only the first entry should have registered a function call on exit.
	v.Dispatch(perfevent.RecordUretprobeWithReturnValue{RecordCommon: perfevent.RecordCommon{PID: 1, TID: 1}, ReturnValue: 9})
	if len(l.functionCalls) != 1 {
		t.Fatalf("expected one function call, got %d", len(l.functionCalls))
	}
}

func TestVisitUprobeMissingUretprobeDiscarded(t *testing.T) {
	v := New(Config{}, &fakeListener{}, nil)
	v.Dispatch(perfevent.RecordUprobe{RecordCommon: perfevent.RecordCommon{TID: 1}, FunctionID: 1, CPU: 0, SP: 0x1000, IP: 0x100, ReturnAddress: 0x200})
	v.Dispatch(perfevent.RecordUprobe{RecordCommon: perfevent.RecordCommon{TID: 1}, FunctionID: 2, CPU: 0, SP: 0x2000, IP: 0x300, ReturnAddress: 0x400})

	if got := v.Stats.MissingUretprobeOrDuplicateUprobe.Load(); got != 1 {
		t.Errorf("MissingUretprobeOrDuplicateUprobe = %d, want 1", got)
	}
}

func TestVisitUprobeUretprobePairingEmitsFunctionCall(t *testing.T) {
	l := &fakeListener{}
	v := New(Config{}, l, nil)
	v.Dispatch(perfevent.RecordUprobeWithArgs{
		RecordCommon: perfevent.RecordCommon{TID: 11, TimeNS: 500},
		FunctionID:   5, CPU: 0,
		Regs:          perfevent.ArgRegs{RegsSP: perfevent.RegsSP{SP: 0x7fff1000, IP: 0x100}, DI: 1, SI: 2, DX: 3, CX: 4, R8: 5, R9: 6},
		ReturnAddress: 0x200,
	})
	rax := uint64(456)
	v.Dispatch(perfevent.RecordUretprobeWithReturnValue{RecordCommon: perfevent.RecordCommon{PID: 7, TID: 11, TimeNS: 600}, ReturnValue: rax})

	if len(l.functionCalls) != 1 {
		t.Fatalf("expected one function call, got %d", len(l.functionCalls))
	}
	call := l.functionCalls[0]
	if call.FunctionID != 5 || call.DurationNS != 100 || call.Depth != 0 {
		t.Errorf("call = %+v", call)
	}
	if call.ReturnValue == nil || *call.ReturnValue != 456 {
		t.Errorf("ReturnValue = %v, want 456", call.ReturnValue)
	}
	want := [6]uint64{1, 2, 3, 4, 5, 6}
	if call.Registers == nil || *call.Registers != want {
		t.Errorf("Registers = %v, want %v", call.Registers, want)
	}
}

func TestVisitStackSampleComplete(t *testing.T) {
	l := &fakeListener{}
	v := New(Config{}, l, nil)
	v.Maps().AddAndSort(0x100, 0x400, 0, maps.FlagRead|maps.FlagExec, "target", 0)

	sp := uint64(0x7fff0000)
	regs, stack := framePointerStack(sp, []uint64{0x200, 0x300})
	regs.IP = 0x100

	v.Dispatch(perfevent.RecordStackSample{
		RecordCommon: perfevent.RecordCommon{PID: 3, TID: 3, TimeNS: 900},
		Regs:         regs,
		Stack:        stack,
	})

	if len(l.callstacks) != 1 {
		t.Fatalf("expected one callstack sample, got %d", len(l.callstacks))
	}
	got := l.callstacks[0]
	if got.Type != Complete {
		t.Fatalf("type = %v, want Complete", got.Type)
	}
	want := []uint64{0x100, 0x200, 0x300}
	if len(got.Pcs) != len(want) {
		t.Fatalf("pcs = %v, want %v", got.Pcs, want)
	}
	for i := range want {
		if got.Pcs[i] != want[i] {
			t.Errorf("pcs[%d] = %#x, want %#x", i, got.Pcs[i], want[i])
		}
	}
	if len(l.addressInfos) != 3 {
		t.Errorf("expected 3 address infos, got %d", len(l.addressInfos))
	}
}

func TestVisitStackSampleInnermostInUprobesDiscardsSample(t *testing.T) {
	l := &fakeListener{}
	v := New(Config{}, l, nil)
	v.Maps().AddAndSort(0x7ffffffe000, 0x7ffffffe002, 0, 0, maps.UprobesMappingName, 0)

	sp := uint64(0x7fff0000)
	regs, stack := framePointerStack(sp, nil)
	regs.IP = 0x7ffffffe001

	v.Dispatch(perfevent.RecordStackSample{RecordCommon: perfevent.RecordCommon{TID: 1}, Regs: regs, Stack: stack})

	if len(l.callstacks) != 1 || l.callstacks[0].Type != InUprobes {
		t.Fatalf("callstacks = %+v, want one InUprobes sample", l.callstacks)
	}
	if len(l.callstacks[0].Pcs) != 1 || l.callstacks[0].Pcs[0] != 0x7ffffffe001 {
		t.Errorf("Pcs = %v", l.callstacks[0].Pcs)
	}
	if v.Stats.DiscardedSamplesInUretprobes.Load() != 1 {
		t.Errorf("DiscardedSamplesInUretprobes counter not incremented")
	}
	if len(l.addressInfos) != 1 || l.addressInfos[0].FunctionName != maps.UprobesMappingName {
		t.Errorf("address infos = %+v", l.addressInfos)
	}
}

func TestVisitStackSampleOutermostInUprobesIsPatchingFailure(t *testing.T) {
	l := &fakeListener{}
	v := New(Config{}, l, nil)
	v.Maps().AddAndSort(0x100, 0x400, 0, maps.FlagRead|maps.FlagExec, "target", 0)
	v.Maps().AddAndSort(0x7ffffffe000, 0x7ffffffe002, 0, 0, maps.UprobesMappingName, 0)

	sp := uint64(0x7fff0000)
	regs, stack := framePointerStack(sp, []uint64{0x7ffffffe001})
	regs.IP = 0x100

	v.Dispatch(perfevent.RecordStackSample{RecordCommon: perfevent.RecordCommon{TID: 1}, Regs: regs, Stack: stack})

	if len(l.callstacks) != 1 || l.callstacks[0].Type != CallstackPatchingFailed {
		t.Fatalf("callstacks = %+v, want one CallstackPatchingFailed sample", l.callstacks)
	}
	if v.Stats.UnwindingErrors.Load() != 1 {
		t.Errorf("UnwindingErrors counter not incremented")
	}
}

func TestVisitCallchainSampleKernelOnlyDropped(t *testing.T) {
	l := &fakeListener{}
	v := New(Config{}, l, nil)
	v.Dispatch(perfevent.RecordCallchainSample{RecordCommon: perfevent.RecordCommon{TID: 1}, Ips: []uint64{0}})
	if len(l.callstacks) != 0 {
		t.Errorf("expected no callstack for a kernel-only chain, got %+v", l.callstacks)
	}
}

func TestVisitCallchainSampleTwoFramesIsUnwindingError(t *testing.T) {
	l := &fakeListener{}
	v := New(Config{}, l, nil)
	v.Dispatch(perfevent.RecordCallchainSample{RecordCommon: perfevent.RecordCommon{TID: 1}, Ips: []uint64{0, 0x100}})

	if len(l.callstacks) != 1 || l.callstacks[0].Type != FramePointerUnwindingError {
		t.Fatalf("callstacks = %+v, want one FramePointerUnwindingError", l.callstacks)
	}
	if v.Stats.UnwindingErrors.Load() != 1 {
		t.Errorf("UnwindingErrors counter not incremented")
	}
}

func TestVisitCallchainSamplePatchedProbeFrameIsComplete(t *testing.T) {
	l := &fakeListener{}
	v := New(Config{StackDumpSize: 4096}, l, nil)
	v.Maps().AddAndSort(0x100, 0x400, 0, maps.FlagRead|maps.FlagExec, "target", 0)
	v.Maps().AddAndSort(0x7ffffffe000, 0x7ffffffe002, 0, 0, maps.UprobesMappingName, 0)

	// An open probe for tid 11 whose saved return address is 0x200.
	v.Dispatch(perfevent.RecordUprobe{RecordCommon: perfevent.RecordCommon{TID: 11}, FunctionID: 1, SP: 0x7fff1000, IP: 0x100, ReturnAddress: 0x200})

	chain := []uint64{0 /* kernel */, 0x100, 0x7ffffffe001, 0x301}
	// regs.BP == regs.SP with an all-zero dump: the leaf patcher's
	// one-step unwind reads a saved return address of 0, which Unwind
	// treats as already-terminated with exactly one frame, so the
	// patcher reports Complete with the chain untouched and this test
	// isolates returnaddr.PatchCallchain.
	sampleSP := uint64(0x7fff2000)
	stack := perfevent.StackSlice{Start: sampleSP, Data: make([]byte, 4096)}

	v.Dispatch(perfevent.RecordCallchainSample{
		RecordCommon: perfevent.RecordCommon{TID: 11, TimeNS: 700},
		Regs:         perfevent.RegsUser{IP: 0x100, SP: sampleSP, BP: sampleSP},
		Ips:          chain,
		Stack:        stack,
	})

	if len(l.callstacks) != 1 {
		t.Fatalf("expected one callstack sample, got %d", len(l.callstacks))
	}
	got := l.callstacks[0]
	if got.Type != Complete {
		t.Fatalf("type = %v, want Complete: %+v", got.Type, got)
	}
	// Kernel entry dropped; everything but the innermost pc is a return
	// address (whether patched back by the return-address manager or
	// produced by the kernel's own frame-pointer walk), so each is
	// stepped back one byte to land inside its call instruction:
	// 0x200-1 and 0x301-1.
	want := []uint64{0x100, 0x1ff, 0x300}
	if len(got.Pcs) != len(want) {
		t.Fatalf("pcs = %v, want %v", got.Pcs, want)
	}
	for i := range want {
		if got.Pcs[i] != want[i] {
			t.Errorf("pcs[%d] = %#x, want %#x", i, got.Pcs[i], want[i])
		}
	}
}
