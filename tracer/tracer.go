// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package tracer owns the capture loop: it opens the per-CPU ring
// buffers, attaches uprobes/uretprobes to the instrumented functions,
// and drives a single worker goroutine that round-robins the buffers,
// decodes their records, hands them to a timeorder.Merger, and
// dispatches whatever the merger releases to a visitor.Visitor.
package tracer

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/tracewalk/linuxtracing/perfevent"
	"github.com/tracewalk/linuxtracing/ringbuf"
	"github.com/tracewalk/linuxtracing/timeorder"
	"github.com/tracewalk/linuxtracing/visitor"
)

// Ring buffer sizes, one per stream category. These mirror the
// per-category budgets a single target process's worth of tracing is
// expected to fit in; the controller opens one ring of the matching
// size per CPU for every category it enables.
const (
	uprobesRingBufferBytes                 = 8 << 20 // 8 MiB
	mmapTaskRingBufferBytes                = 64 << 10
	samplingRingBufferBytes                = 16 << 20
	threadNamesRingBufferBytes             = 64 << 10
	contextSwitchRingBufferBytes           = 2 << 20
	gpuRingBufferBytes                     = 256 << 10
	instrumentedTracepointsRingBufferBytes = 8 << 20
)

// roundRobinBatchSize bounds how many records the worker drains from a
// single ring buffer before moving to the next, so that one noisy
// buffer cannot starve the others within a poll pass.
const roundRobinBatchSize = 5

// idleSleep is how long the worker sleeps when a poll pass drained no
// new records and the merger had nothing ready to release.
const idleSleep = 5 * time.Millisecond

// statsLogInterval is how often the worker logs an EventStats snapshot.
const statsLogInterval = 5 * time.Second

// defaultMergeGraceNS is the default time-order merger grace window:
// long enough to absorb the round-robin poll pass's own reordering
// without holding samples back noticeably.
const defaultMergeGraceNS = 10 * uint64(time.Millisecond)

// State is the tracer's lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "Stopped"
	case StateStarting:
		return "Starting"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	default:
		return "State(?)"
	}
}

// InstrumentedFunction names one user-space function to attach a
// uprobe/uretprobe pair to.
type InstrumentedFunction struct {
	Name              string
	Offset            uint64 // byte offset into BinaryPath
	RecordArgs        bool
	RecordReturnValue bool
}

// ExtraTracepoint names a kernel tracepoint to open alongside the core
// sampling and uprobe streams: thread-lifecycle ("task:task_newtask"),
// context-switch ("sched:sched_switch"), GPU driver tracepoints, or any
// other tracepoint a caller wants folded into the same time-ordered
// stream. Exact tracepoint availability is kernel- and driver-specific,
// so the controller takes these as configuration rather than
// hardcoding names.
type ExtraTracepoint struct {
	Group, Name     string
	RingBufferBytes int
	WithCallchain   bool
}

// Options configures a tracer run.
type Options struct {
	TargetPID  int
	BinaryPath string // executable file the InstrumentedFunction offsets are relative to

	SampleFrequencyHz   uint64
	UseFramePointerWalk bool // kernel-side PERF_SAMPLE_CALLCHAIN instead of a raw stack dump
	StackDumpSize       int
	MaxCallstackDepth   int

	InstrumentedFunctions []InstrumentedFunction
	ExtraTracepoints      []ExtraTracepoint

	StopAtFunctions          map[uint64]uint64
	UserSpaceInstrumentation *visitor.UserSpaceInstrumentationRanges

	MergeGraceNS uint64

	Listener   visitor.Listener
	ModuleInfo visitor.ModuleInfoProvider
	Logger     *slog.Logger
}

func (o *Options) setDefaults() {
	if o.SampleFrequencyHz == 0 {
		o.SampleFrequencyHz = 1000
	}
	if o.StackDumpSize == 0 {
		o.StackDumpSize = 8192
	}
	if o.MaxCallstackDepth == 0 {
		o.MaxCallstackDepth = 256
	}
	if o.MergeGraceNS == 0 {
		o.MergeGraceNS = defaultMergeGraceNS
	}
	if o.Listener == nil {
		o.Listener = noopListener{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// stream pairs one mmap'd ring buffer with the decoder that understands
// the sample format it was opened with, plus whatever cleanup its
// attachment (an open fd, a tracefs probe definition) needs on Stop.
type stream struct {
	ring    *ringbuf.Ring
	dec     *perfevent.StreamDecoder
	fd      int
	cleanup func() error
}

// Tracer drives one capture run end to end. The zero value is ready to
// Start; a Tracer is not reusable across multiple overlapping runs, but
// Start may be called again once a prior run has fully Stopped.
type Tracer struct {
	state atomic.Int32

	opts Options
	log  *slog.Logger
	vis  *visitor.Visitor

	merger  *timeorder.Merger
	streams []*stream

	stopCh chan struct{}
	doneCh chan struct{}

	Stats EventStats

	durMu sync.Mutex
	durNS []float64

	lastDiscarded uint64
}

// New returns a Tracer ready to Start.
func New() *Tracer {
	return &Tracer{}
}

// StateOf reports the tracer's current lifecycle state.
func (t *Tracer) StateOf() State { return State(t.state.Load()) }

// Start moves the tracer from Stopped to Running: it builds the
// visitor and its collaborators, takes an initial /proc/<pid>/maps
// snapshot, opens every configured ring buffer and uprobe/uretprobe,
// and launches the worker goroutine. It returns an error, leaving the
// tracer Stopped, if any setup step fails.
func (t *Tracer) Start(opts Options) error {
	if !t.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return errors.Errorf("tracer: Start called in state %s, want %s", t.StateOf(), StateStopped)
	}

	opts.setDefaults()
	t.opts = opts
	t.log = opts.Logger

	t.vis = visitor.New(visitor.Config{
		StackDumpSize:            opts.StackDumpSize,
		MaxFrames:                opts.MaxCallstackDepth,
		StopAtFunctions:          opts.StopAtFunctions,
		UserSpaceInstrumentation: opts.UserSpaceInstrumentation,
	}, &statsListener{t: t, inner: opts.Listener}, opts.ModuleInfo)
	t.merger = timeorder.New()

	if err := t.loadInitialState(); err != nil {
		t.state.Store(int32(StateStopped))
		return errors.Wrap(err, "tracer: initial snapshot")
	}

	if err := t.openStreams(); err != nil {
		t.closeStreams()
		t.state.Store(int32(StateStopped))
		return errors.Wrap(err, "tracer: opening streams")
	}

	t.stopCh = make(chan struct{})
	t.doneCh = make(chan struct{})
	t.state.Store(int32(StateRunning))

	go t.run()
	return nil
}

// Stop signals the worker to exit and blocks until it has: the worker
// processes whatever the merger releases up to its usual grace window
// and then terminates, rather than forcing a final flush with no
// grace, so a record newer than the window may be left undelivered.
func (t *Tracer) Stop() {
	if !t.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		return
	}
	close(t.stopCh)
	<-t.doneCh
}

func (t *Tracer) run() {
	defer close(t.doneCh)
	defer t.closeStreams()
	defer t.state.Store(int32(StateStopped))

	lastStats := time.Now()
	for {
		select {
		case <-t.stopCh:
			t.pollOnce()
			t.dispatchReady()
			return
		default:
		}

		progressed := t.pollOnce()
		released := t.dispatchReady()

		if time.Since(lastStats) >= statsLogInterval {
			t.logStats()
			lastStats = time.Now()
		}

		if !progressed && released == 0 {
			time.Sleep(idleSleep)
		}
	}
}

// pollOnce drains up to roundRobinBatchSize records from every stream
// and pushes them into the merger, reporting whether any stream had
// data.
func (t *Tracer) pollOnce() bool {
	progressed := false
	for _, s := range t.streams {
		for i := 0; i < roundRobinBatchSize; i++ {
			if !s.ring.HasNewData() {
				break
			}
			hdr, err := s.ring.ReadHeader()
			if err != nil {
				t.log.Warn("tracer: read ring header", "error", err)
				break
			}
			raw, err := s.ring.ConsumeRecord(hdr)
			if err != nil {
				t.log.Warn("tracer: consume ring record", "error", err)
				break
			}
			progressed = true
			rec, err := s.dec.Decode(raw)
			if err != nil {
				t.log.Warn("tracer: decode record", "error", err)
				continue
			}
			t.merger.Push(rec)
		}
	}
	return progressed
}

func (t *Tracer) dispatchReady() int {
	ready := t.merger.PullReady(nowNS(), t.opts.MergeGraceNS)
	for _, rec := range ready {
		switch rec.(type) {
		case perfevent.RecordUprobe, perfevent.RecordUprobeWithArgs:
			t.Stats.UprobesProcessed.Add(1)
		case perfevent.RecordUretprobe, perfevent.RecordUretprobeWithReturnValue:
			t.Stats.UretprobesProcessed.Add(1)
		}
		t.vis.Dispatch(rec)
	}
	if discarded := t.merger.Discarded.Load(); discarded != t.lastDiscarded {
		t.Stats.OutOfOrderDiscarded.Add(discarded - t.lastDiscarded)
		t.opts.Listener.OnOutOfOrderEventsDiscardedEvent(visitor.OutOfOrderEventsDiscardedEvent{
			Count: discarded - t.lastDiscarded,
		})
		t.lastDiscarded = discarded
	}
	return len(ready)
}

func (t *Tracer) closeStreams() {
	for _, s := range t.streams {
		if s.ring != nil {
			s.ring.Close()
		}
		if s.cleanup != nil {
			if err := s.cleanup(); err != nil {
				t.log.Warn("tracer: stream cleanup", "error", err)
			}
		}
	}
	t.streams = nil
}

func (t *Tracer) recordDuration(ns uint64) {
	t.durMu.Lock()
	t.durNS = append(t.durNS, float64(ns))
	t.durMu.Unlock()
}

func nowNS() uint64 {
	return uint64(time.Now().UnixNano())
}

type noopListener struct{}

func (noopListener) OnCallstackSample(visitor.CallstackSample)                               {}
func (noopListener) OnFunctionCall(visitor.FunctionCall)                                     {}
func (noopListener) OnAddressInfo(visitor.AddressInfo)                                       {}
func (noopListener) OnModuleUpdate(visitor.ModuleUpdate)                                     {}
func (noopListener) OnLostPerfRecordsEvent(visitor.LostPerfRecordsEvent)                     {}
func (noopListener) OnOutOfOrderEventsDiscardedEvent(visitor.OutOfOrderEventsDiscardedEvent) {}
func (noopListener) OnErrorsWithPerfEventOpenEvent(visitor.ErrorsWithPerfEventOpenEvent)     {}
