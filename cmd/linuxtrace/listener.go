// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"log/slog"

	"github.com/tracewalk/linuxtracing/visitor"
)

// logListener is a minimal visitor.Listener that logs every event it
// receives. A real consumer would instead forward CallstackSample and
// FunctionCall events to symbolization and storage; that plumbing is
// external to this core.
type logListener struct {
	log *slog.Logger
}

func (l *logListener) OnCallstackSample(cs visitor.CallstackSample) {
	l.log.Debug("callstack sample", "pid", cs.PID, "tid", cs.TID, "frames", len(cs.Pcs), "type", cs.Type.String())
}

func (l *logListener) OnFunctionCall(fc visitor.FunctionCall) {
	l.log.Debug("function call", "pid", fc.PID, "tid", fc.TID, "function_id", fc.FunctionID, "duration_ns", fc.DurationNS, "depth", fc.Depth)
}

func (l *logListener) OnAddressInfo(ai visitor.AddressInfo) {
	l.log.Debug("address info", "address", ai.AbsoluteAddress, "function", ai.FunctionName, "module", ai.ModuleName)
}

func (l *logListener) OnModuleUpdate(mu visitor.ModuleUpdate) {
	l.log.Info("module mapped", "pid", mu.PID, "module", mu.Module.Name, "start", mu.Module.AddressStart, "end", mu.Module.AddressEnd)
}

func (l *logListener) OnLostPerfRecordsEvent(e visitor.LostPerfRecordsEvent) {
	l.log.Warn("perf records lost", "num_lost", e.NumLost)
}

func (l *logListener) OnOutOfOrderEventsDiscardedEvent(e visitor.OutOfOrderEventsDiscardedEvent) {
	l.log.Warn("out-of-order events discarded", "count", e.Count)
}

func (l *logListener) OnErrorsWithPerfEventOpenEvent(e visitor.ErrorsWithPerfEventOpenEvent) {
	l.log.Error("collaborator error", "error", e.Err)
}
