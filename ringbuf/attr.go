// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ringbuf

import (
	"syscall"
	"unsafe"

	"github.com/pkg/errors"
)

// Event types for struct perf_event_attr.type, from <linux/perf_event.h>.
const (
	TypeHardware   uint32 = 0
	TypeSoftware   uint32 = 1
	TypeTracepoint uint32 = 2
	TypeBreakpoint uint32 = 5
)

// Software/hardware configs this core ever opens.
const (
	ConfigCPUClock uint64 = 0 // PERF_COUNT_SW_CPU_CLOCK, used for periodic sampling
	ConfigSwDummy  uint64 = 9 // PERF_COUNT_SW_DUMMY, used for the mmap/task side-band stream
)

// Bits of struct perf_event_attr's packed bitfield word.
const (
	bitDisabled      uint64 = 1 << 0
	bitInherit       uint64 = 1 << 1
	bitExcludeKernel uint64 = 1 << 5
	bitExcludeHV     uint64 = 1 << 6
	bitMmap          uint64 = 1 << 8
	bitComm          uint64 = 1 << 9
	bitTask          uint64 = 1 << 13
	bitWatermark     uint64 = 1 << 14
)

// Attr is the subset of struct perf_event_attr the core configures. Field
// names mirror the kernel struct's with Go naming.
type Attr struct {
	Type            uint32
	Config          uint64
	SamplePeriod    uint64 // interpreted as sample_freq when Freq is set
	SampleType      uint64
	WakeupWatermark uint32
	Disabled        bool
	Inherit         bool
	ExcludeKernel   bool
	Freq            bool
	Watermark       bool
	// Mmap, Comm and Task request PERF_RECORD_MMAP, PERF_RECORD_COMM and
	// PERF_RECORD_FORK/EXIT records respectively, independent of any
	// sampling this event also performs.
	Mmap bool
	Comm bool
	Task bool
}

// kernelAttr is the wire-format struct perf_event_attr, sized and
// ordered exactly as the kernel expects it.
type kernelAttr struct {
	eventType        uint32
	size             uint32
	config           uint64
	samplePeriod     uint64
	sampleType       uint64
	readFormat       uint64
	bits             uint64
	wakeup           uint32
	bpType           uint32
	bpAddr           uint64
	bpLen            uint64
	branchSampleType uint64
	sampleRegsUser   uint64
	sampleStackUser  uint32
	clockID          int32
	sampleRegsIntr   uint64
	auxWatermark     uint32
	sampleMaxStack   uint16
	_reserved2       uint16
}

func (a Attr) toKernel(regsUserMask uint64, stackUserSize uint32) *kernelAttr {
	var bits uint64
	if a.Disabled {
		bits |= bitDisabled
	}
	if a.Inherit {
		bits |= bitInherit
	}
	if a.ExcludeKernel {
		bits |= bitExcludeKernel | bitExcludeHV
	}
	if a.Freq {
		bits |= 1 << 10 // PERF_ATTR_FREQ
	}
	if a.Watermark {
		bits |= bitWatermark
	}
	if a.Mmap {
		bits |= bitMmap
	}
	if a.Comm {
		bits |= bitComm
	}
	if a.Task {
		bits |= bitTask
	}
	k := &kernelAttr{
		eventType:       a.Type,
		config:          a.Config,
		samplePeriod:    a.SamplePeriod,
		sampleType:      a.SampleType,
		bits:            bits,
		wakeup:          a.WakeupWatermark,
		sampleRegsUser:  regsUserMask,
		sampleStackUser: stackUserSize,
	}
	k.size = uint32(unsafe.Sizeof(*k))
	return k
}

// OpenPerfEvent issues perf_event_open(2) for the given attribute,
// target pid (-1 for "any process on this cpu") and cpu (-1 for "any
// cpu"), optionally grouped under groupFD (-1 for none).
//
// regsUserMask and stackUserSize configure PERF_SAMPLE_REGS_USER and
// PERF_SAMPLE_STACK_USER; pass 0 for streams that do not sample
// registers or stack.
func OpenPerfEvent(attr Attr, pid, cpu, groupFD int, regsUserMask uint64, stackUserSize uint32) (int, error) {
	k := attr.toKernel(regsUserMask, stackUserSize)
	fd, _, errno := syscall.Syscall6(
		syscall.SYS_PERF_EVENT_OPEN,
		uintptr(unsafe.Pointer(k)),
		uintptr(pid),
		uintptr(cpu),
		uintptr(groupFD),
		0,
		0,
	)
	if errno != 0 {
		return -1, errors.Wrapf(errno, "ringbuf: perf_event_open(type=%d config=%d pid=%d cpu=%d)", attr.Type, attr.Config, pid, cpu)
	}
	return int(fd), nil
}

// ioctl request codes used to arm/disarm and reconfigure an open event.
const (
	IOCEnable  = 0x2400
	IOCDisable = 0x2401
	IOCSetBPF  = 0x40042408
	// IOCSetOutput redirects this event's output to share another
	// event's ring buffer, letting several grouped tracepoint events
	// on one CPU multiplex onto a single mmap region.
	IOCSetOutput = 0x2405
	// IOCGetID reads back the kernel-assigned PERF_SAMPLE_ID/STREAM_ID
	// value for an open event, used to tell apart samples from several
	// tracepoint-backed events multiplexed onto one ring buffer.
	IOCGetID = 0x80082407
)

// GetID issues PERF_EVENT_IOC_ID against fd and returns the id value.
func GetID(fd int) (uint64, error) {
	var id uint64
	if err := Ioctl(fd, IOCGetID, uintptr(unsafe.Pointer(&id))); err != nil {
		return 0, err
	}
	return id, nil
}

// Ioctl issues ioctl(fd, req, arg).
func Ioctl(fd int, req uint, arg uintptr) error {
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), uintptr(req), arg)
	if errno != 0 {
		return errors.Wrapf(errno, "ringbuf: ioctl(fd=%d, req=%#x)", fd, req)
	}
	return nil
}
