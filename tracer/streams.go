// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tracer

import (
	"github.com/pkg/errors"

	"github.com/tracewalk/linuxtracing/perfevent"
	"github.com/tracewalk/linuxtracing/ringbuf"
)

// fullRegsUserMask requests exactly the PERF_REG_X86_* registers
// decode.go's regsUser reads back: AX through SS, indices 0-11.
const fullRegsUserMask = 0xfff

// openStreams enumerates the online CPUs and opens every configured
// ring buffer: one sampling ring and one mmap/task ring per CPU, and,
// for every CPU, one shared uprobes ring multiplexing all instrumented
// functions' entry and exit events; each configured ExtraTracepoint
// gets a ring of its own per CPU. Streams are appended to t.streams as they succeed,
// so a partial failure can be unwound by closeStreams.
func (t *Tracer) openStreams() error {
	cpus, err := onlineCPUs()
	if err != nil {
		return err
	}

	for _, cpu := range cpus {
		if err := t.openSamplingStream(cpu); err != nil {
			return errors.Wrapf(err, "cpu %d", cpu)
		}
		if err := t.openMmapTaskStream(cpu); err != nil {
			return errors.Wrapf(err, "cpu %d", cpu)
		}
		if err := t.openUprobeStream(cpu); err != nil {
			return errors.Wrapf(err, "cpu %d", cpu)
		}
		if err := t.openExtraTracepointStreams(cpu); err != nil {
			return errors.Wrapf(err, "cpu %d", cpu)
		}
	}
	return nil
}

func (t *Tracer) openSamplingStream(cpu int) error {
	format := perfevent.SampleIP | perfevent.SampleTID | perfevent.SampleTime |
		perfevent.SampleCPU | perfevent.SampleRegsUser | perfevent.SampleStackUser
	kind := perfevent.KindStackSample
	if t.opts.UseFramePointerWalk {
		format |= perfevent.SampleCallchain
		kind = perfevent.KindCallchainSample
	}

	attr := ringbuf.Attr{
		Type:         ringbuf.TypeSoftware,
		Config:       ringbuf.ConfigCPUClock,
		SamplePeriod: t.opts.SampleFrequencyHz,
		SampleType:   uint64(format),
		Freq:         true,
		Disabled:     true,
	}
	fd, err := ringbuf.OpenPerfEvent(attr, t.opts.TargetPID, cpu, -1, fullRegsUserMask, uint32(t.opts.StackDumpSize))
	if err != nil {
		return errors.Wrap(err, "open sampling event")
	}
	return t.addStream(fd, samplingRingBufferBytes, perfevent.NewStreamDecoder(uint64(fd), format, kind, nil), nil)
}

func (t *Tracer) openMmapTaskStream(cpu int) error {
	attr := ringbuf.Attr{
		Type:     ringbuf.TypeSoftware,
		Config:   ringbuf.ConfigSwDummy,
		Mmap:     true,
		Comm:     true,
		Task:     true,
		Disabled: true,
	}
	fd, err := ringbuf.OpenPerfEvent(attr, t.opts.TargetPID, cpu, -1, 0, 0)
	if err != nil {
		return errors.Wrap(err, "open mmap/task event")
	}
	dec := perfevent.NewStreamDecoder(uint64(fd), 0, perfevent.KindStackSample, nil)
	return t.addStream(fd, mmapTaskRingBufferBytes, dec, nil)
}

// openUprobeStream attaches every configured InstrumentedFunction's
// entry and exit probes and multiplexes their per-CPU perf events onto
// one shared ring, following the group-leader-plus-SET_OUTPUT pattern
// `perf record` itself uses to keep one mmap per CPU regardless of how
// many events feed it.
func (t *Tracer) openUprobeStream(cpu int) error {
	if len(t.opts.InstrumentedFunctions) == 0 {
		return nil
	}

	const probeFormat = perfevent.SampleTID | perfevent.SampleTime | perfevent.SampleCPU | perfevent.SampleStreamID
	kindByID := make(map[uint64]perfevent.Kind)

	var leaderFD = -1
	var probes []*attachedProbe
	cleanup := func() error {
		var firstErr error
		for _, p := range probes {
			if err := p.detach(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}

	for _, fn := range t.opts.InstrumentedFunctions {
		entryArgs := "sp=%sp:u64 rip=%ip:u64 ra=+0(%sp):u64"
		entryKind := perfevent.KindUprobe
		if fn.RecordArgs {
			entryArgs = "sp=%sp:u64 rip=%ip:u64 di=%di:u64 si=%si:u64 dx=%dx:u64 cx=%cx:u64 r8=%r8:u64 r9=%r9:u64 ra=+0(%sp):u64"
			entryKind = perfevent.KindUprobeWithArgs
		}

		entry, err := attachUprobe('p', t.opts.BinaryPath, fn.Offset, entryArgs)
		if err != nil {
			cleanup()
			return errors.Wrapf(err, "attach uprobe for %s", fn.Name)
		}
		probes = append(probes, entry)

		entryFD, err := t.openProbeEvent(entry.id, cpu, probeFormat, &leaderFD)
		if err != nil {
			cleanup()
			return errors.Wrapf(err, "open uprobe event for %s", fn.Name)
		}
		entryStreamID, err := ringbuf.GetID(entryFD)
		if err != nil {
			cleanup()
			return errors.Wrapf(err, "read stream id for %s entry", fn.Name)
		}
		kindByID[entryStreamID] = entryKind

		exitArgs := ""
		exitKind := perfevent.KindUretprobe
		if fn.RecordReturnValue {
			exitArgs = "rv=%ax:u64"
			exitKind = perfevent.KindUretprobeWithReturnValue
		}
		exit, err := attachUprobe('r', t.opts.BinaryPath, fn.Offset, exitArgs)
		if err != nil {
			cleanup()
			return errors.Wrapf(err, "attach uretprobe for %s", fn.Name)
		}
		probes = append(probes, exit)

		exitFD, err := t.openProbeEvent(exit.id, cpu, probeFormat, &leaderFD)
		if err != nil {
			cleanup()
			return errors.Wrapf(err, "open uretprobe event for %s", fn.Name)
		}
		exitStreamID, err := ringbuf.GetID(exitFD)
		if err != nil {
			cleanup()
			return errors.Wrapf(err, "read stream id for %s exit", fn.Name)
		}
		kindByID[exitStreamID] = exitKind
	}

	dec := perfevent.NewStreamDecoder(uint64(leaderFD), probeFormat, perfevent.KindUprobe, kindByID)
	return t.addStream(leaderFD, uprobesRingBufferBytes, dec, cleanup)
}

// openProbeEvent opens one tracepoint-backed perf event for tracepoint
// id on cpu. The first call for a given *leaderFD becomes the group
// leader and gets its own mmap'd ring in addStream; every later call is
// grouped under it and redirected to share the leader's ring via
// PERF_EVENT_IOC_SET_OUTPUT, rather than mmapping one ring per event.
func (t *Tracer) openProbeEvent(tracepointID uint64, cpu int, format perfevent.SampleFormat, leaderFD *int) (int, error) {
	attr := ringbuf.Attr{
		Type:       ringbuf.TypeTracepoint,
		Config:     tracepointID,
		SampleType: uint64(format),
		Disabled:   true,
	}
	groupFD := -1
	if *leaderFD >= 0 {
		groupFD = *leaderFD
	}
	fd, err := ringbuf.OpenPerfEvent(attr, t.opts.TargetPID, cpu, groupFD, 0, 0)
	if err != nil {
		return -1, err
	}
	if *leaderFD < 0 {
		*leaderFD = fd
	} else {
		if err := ringbuf.Ioctl(fd, ringbuf.IOCSetOutput, uintptr(*leaderFD)); err != nil {
			return -1, errors.Wrap(err, "redirect output to group leader")
		}
	}
	return fd, nil
}

// openExtraTracepointStreams opens one perf event per configured
// ExtraTracepoint for cpu, each on its own ring sized per the caller's
// request (context-switch, thread-lifecycle and GPU tracepoints all
// flow through this single generic path, since which exact tracepoints
// exist is kernel- and driver-specific).
func (t *Tracer) openExtraTracepointStreams(cpu int) error {
	for _, tp := range t.opts.ExtraTracepoints {
		id, err := lookupTracepointID(tp.Group, tp.Name)
		if err != nil {
			return errors.Wrapf(err, "tracepoint %s:%s", tp.Group, tp.Name)
		}

		format := perfevent.SampleTID | perfevent.SampleTime | perfevent.SampleCPU | perfevent.SampleStreamID
		kind := perfevent.KindSchedSwitch
		if tp.WithCallchain {
			format |= perfevent.SampleCallchain
		}
		if tp.Group == "sched" && tp.Name == "sched_wakeup" {
			kind = perfevent.KindSchedWakeup
		}

		attr := ringbuf.Attr{Type: ringbuf.TypeTracepoint, Config: id, SampleType: uint64(format), Disabled: true}
		fd, err := ringbuf.OpenPerfEvent(attr, t.opts.TargetPID, cpu, -1, 0, 0)
		if err != nil {
			return errors.Wrapf(err, "open tracepoint %s:%s", tp.Group, tp.Name)
		}
		size := tp.RingBufferBytes
		if size == 0 {
			size = contextSwitchRingBufferBytes
		}
		if err := t.addStream(fd, size, perfevent.NewStreamDecoder(uint64(fd), format, kind, nil), nil); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tracer) addStream(fd, sizeBytes int, dec *perfevent.StreamDecoder, cleanup func() error) error {
	ring, err := ringbuf.Open(fd, sizeBytes)
	if err != nil {
		return errors.Wrap(err, "mmap ring")
	}
	if err := ringbuf.Ioctl(fd, ringbuf.IOCEnable, 0); err != nil {
		ring.Close()
		return errors.Wrap(err, "arm event")
	}
	t.streams = append(t.streams, &stream{ring: ring, dec: dec, fd: fd, cleanup: cleanup})
	return nil
}
