// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tracer

import (
	"log/slog"
	"reflect"
	"testing"

	"github.com/tracewalk/linuxtracing/maps"
	"github.com/tracewalk/linuxtracing/visitor"
)

func TestParseCPURange(t *testing.T) {
	tests := []struct {
		in   string
		want []int
	}{
		{"", nil},
		{"0", []int{0}},
		{"0-3", []int{0, 1, 2, 3}},
		{"0-1,3,5-6", []int{0, 1, 3, 5, 6}},
	}
	for _, tc := range tests {
		got, err := parseCPURange(tc.in)
		if err != nil {
			t.Fatalf("parseCPURange(%q): %v", tc.in, err)
		}
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("parseCPURange(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestParseCPURangeInvalid(t *testing.T) {
	if _, err := parseCPURange("x-3"); err == nil {
		t.Error("expected an error for a non-numeric range")
	}
}

func TestParseProcMapsLine(t *testing.T) {
	line := "08048000-08049000 r-xp 00001000 03:00 8312  /opt/test binary"
	m, ok, err := parseProcMapsLine(line)
	if err != nil {
		t.Fatalf("parseProcMapsLine: %v", err)
	}
	if !ok {
		t.Fatalf("expected a mapping for %q", line)
	}
	if m.start != 0x08048000 || m.end != 0x08049000 {
		t.Errorf("range = [%#x, %#x), want [0x8048000, 0x8049000)", m.start, m.end)
	}
	if m.offset != 0x1000 {
		t.Errorf("offset = %#x, want 0x1000", m.offset)
	}
	if m.flags&maps.FlagRead == 0 || m.flags&maps.FlagExec == 0 || m.flags&maps.FlagWrite != 0 {
		t.Errorf("flags = %v, want read+exec, not write", m.flags)
	}
	if m.pathname != "/opt/test binary" {
		t.Errorf("pathname = %q, want %q", m.pathname, "/opt/test binary")
	}
}

func TestParseProcMapsLineAnonymousSkipped(t *testing.T) {
	_, ok, err := parseProcMapsLine("7f0000000000-7f0000001000 rw-p 00000000 00:00 0 ")
	if err != nil {
		t.Fatalf("parseProcMapsLine: %v", err)
	}
	if ok {
		t.Error("expected an anonymous mapping with no pathname to be skipped")
	}
}

func TestParseProcMapsLineSpecialNameKept(t *testing.T) {
	m, ok, err := parseProcMapsLine("7ffd00000000-7ffd00021000 rw-p 00000000 00:00 0 [heap]")
	if err != nil {
		t.Fatalf("parseProcMapsLine: %v", err)
	}
	if !ok || m.pathname != "[heap]" {
		t.Errorf("got ok=%v pathname=%q, want [heap] kept", ok, m.pathname)
	}
}

func TestParseProcMapsLineMalformed(t *testing.T) {
	if _, _, err := parseProcMapsLine("not a maps line"); err == nil {
		t.Error("expected an error for a malformed line")
	}
}

func TestOptionsSetDefaults(t *testing.T) {
	var o Options
	o.setDefaults()
	if o.SampleFrequencyHz == 0 {
		t.Error("SampleFrequencyHz left at 0")
	}
	if o.StackDumpSize == 0 {
		t.Error("StackDumpSize left at 0")
	}
	if o.MaxCallstackDepth == 0 {
		t.Error("MaxCallstackDepth left at 0")
	}
	if o.MergeGraceNS == 0 {
		t.Error("MergeGraceNS left at 0")
	}
	if o.Listener == nil {
		t.Error("Listener left nil")
	}
	if o.Logger == nil {
		t.Error("Logger left nil")
	}
}

func TestOptionsSetDefaultsPreservesCaller(t *testing.T) {
	o := Options{SampleFrequencyHz: 4000, StackDumpSize: 123, Logger: slog.Default()}
	o.setDefaults()
	if o.SampleFrequencyHz != 4000 {
		t.Errorf("SampleFrequencyHz = %d, want 4000 preserved", o.SampleFrequencyHz)
	}
	if o.StackDumpSize != 123 {
		t.Errorf("StackDumpSize = %d, want 123 preserved", o.StackDumpSize)
	}
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		StateStopped:  "Stopped",
		StateStarting: "Starting",
		StateRunning:  "Running",
		StateStopping: "Stopping",
		State(99):     "State(?)",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}

func TestNewTracerStartsStopped(t *testing.T) {
	tr := New()
	if tr.StateOf() != StateStopped {
		t.Errorf("new Tracer state = %s, want Stopped", tr.StateOf())
	}
}

type fakeListener struct {
	calls []string
}

func (f *fakeListener) OnCallstackSample(visitor.CallstackSample) {
	f.calls = append(f.calls, "callstack")
}
func (f *fakeListener) OnFunctionCall(visitor.FunctionCall) { f.calls = append(f.calls, "call") }
func (f *fakeListener) OnAddressInfo(visitor.AddressInfo)   { f.calls = append(f.calls, "address") }
func (f *fakeListener) OnModuleUpdate(visitor.ModuleUpdate) { f.calls = append(f.calls, "module") }
func (f *fakeListener) OnLostPerfRecordsEvent(visitor.LostPerfRecordsEvent) {
	f.calls = append(f.calls, "lost")
}
func (f *fakeListener) OnOutOfOrderEventsDiscardedEvent(visitor.OutOfOrderEventsDiscardedEvent) {
	f.calls = append(f.calls, "discarded")
}
func (f *fakeListener) OnErrorsWithPerfEventOpenEvent(visitor.ErrorsWithPerfEventOpenEvent) {
	f.calls = append(f.calls, "error")
}

func TestStatsListenerUpdatesCountersAndForwards(t *testing.T) {
	tr := &Tracer{log: slog.Default()}
	inner := &fakeListener{}
	sl := &statsListener{t: tr, inner: inner}

	sl.OnFunctionCall(visitor.FunctionCall{DurationNS: 1500})
	if got := tr.Stats.FunctionCallsProcessed.Load(); got != 1 {
		t.Errorf("FunctionCallsProcessed = %d, want 1", got)
	}
	tr.durMu.Lock()
	n := len(tr.durNS)
	tr.durMu.Unlock()
	if n != 1 {
		t.Errorf("recorded %d durations, want 1", n)
	}

	sl.OnLostPerfRecordsEvent(visitor.LostPerfRecordsEvent{NumLost: 3})
	if got := tr.Stats.RecordsLost.Load(); got != 3 {
		t.Errorf("RecordsLost = %d, want 3", got)
	}

	sl.OnOutOfOrderEventsDiscardedEvent(visitor.OutOfOrderEventsDiscardedEvent{Count: 2})
	if got := tr.Stats.OutOfOrderDiscarded.Load(); got != 2 {
		t.Errorf("OutOfOrderDiscarded = %d, want 2", got)
	}

	want := []string{"call", "lost", "discarded"}
	if !reflect.DeepEqual(inner.calls, want) {
		t.Errorf("forwarded calls = %v, want %v", inner.calls, want)
	}
}
