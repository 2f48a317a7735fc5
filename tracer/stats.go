// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tracer

import (
	"sync/atomic"

	"github.com/aclements/go-moremath/stats"

	"github.com/tracewalk/linuxtracing/visitor"
)

// EventStats accumulates the counters the worker logs every
// statsLogInterval. Every field is written only from the worker
// goroutine and safe to read from any other.
type EventStats struct {
	SamplesProcessed       atomic.Uint64
	UprobesProcessed       atomic.Uint64
	UretprobesProcessed    atomic.Uint64
	FunctionCallsProcessed atomic.Uint64
	RecordsLost            atomic.Uint64
	OutOfOrderDiscarded    atomic.Uint64
}

// statsListener wraps the caller's visitor.Listener to keep EventStats
// and the per-call duration sample up to date before forwarding every
// event unchanged.
type statsListener struct {
	t     *Tracer
	inner visitor.Listener
}

func (s *statsListener) OnCallstackSample(cs visitor.CallstackSample) {
	s.t.Stats.SamplesProcessed.Add(1)
	s.inner.OnCallstackSample(cs)
}

func (s *statsListener) OnFunctionCall(fc visitor.FunctionCall) {
	s.t.Stats.FunctionCallsProcessed.Add(1)
	s.t.recordDuration(fc.DurationNS)
	s.inner.OnFunctionCall(fc)
}

func (s *statsListener) OnAddressInfo(ai visitor.AddressInfo) {
	s.inner.OnAddressInfo(ai)
}

func (s *statsListener) OnModuleUpdate(mu visitor.ModuleUpdate) {
	s.inner.OnModuleUpdate(mu)
}

func (s *statsListener) OnLostPerfRecordsEvent(e visitor.LostPerfRecordsEvent) {
	s.t.Stats.RecordsLost.Add(e.NumLost)
	s.inner.OnLostPerfRecordsEvent(e)
}

func (s *statsListener) OnOutOfOrderEventsDiscardedEvent(e visitor.OutOfOrderEventsDiscardedEvent) {
	s.t.Stats.OutOfOrderDiscarded.Add(e.Count)
	s.inner.OnOutOfOrderEventsDiscardedEvent(e)
}

func (s *statsListener) OnErrorsWithPerfEventOpenEvent(e visitor.ErrorsWithPerfEventOpenEvent) {
	s.t.log.Error("tracer: collaborator error", "error", e.Err)
	s.inner.OnErrorsWithPerfEventOpenEvent(e)
}

// logStats emits one structured log line summarizing EventStats and,
// when any instrumented function calls completed during the window, a
// percentile summary of their durations. It then resets the duration
// sample; EventStats counters themselves are cumulative for the whole
// run, matching TracerImpl's own running totals.
func (t *Tracer) logStats() {
	t.durMu.Lock()
	durNS := t.durNS
	t.durNS = nil
	t.durMu.Unlock()

	attrs := []any{
		"samples", t.Stats.SamplesProcessed.Load(),
		"uprobes", t.Stats.UprobesProcessed.Load(),
		"uretprobes", t.Stats.UretprobesProcessed.Load(),
		"function_calls", t.Stats.FunctionCallsProcessed.Load(),
		"records_lost", t.Stats.RecordsLost.Load(),
		"out_of_order_discarded", t.Stats.OutOfOrderDiscarded.Load(),
		"unwinding_errors", t.vis.Stats.UnwindingErrors.Load(),
		"missing_uretprobe_or_duplicate_uprobe", t.vis.Stats.MissingUretprobeOrDuplicateUprobe.Load(),
	}

	if len(durNS) > 0 {
		sample := &stats.Sample{Xs: durNS}
		attrs = append(attrs,
			"call_duration_ns_mean", sample.Mean(),
			"call_duration_ns_p50", sample.Percentile(0.50),
			"call_duration_ns_p99", sample.Percentile(0.99),
		)
	}

	t.log.Info("tracer: stats", attrs...)
}
