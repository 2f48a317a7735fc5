// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package perfevent

import (
	"encoding/binary"
	"fmt"
)

// Header mirrors struct perf_event_header: a 32-bit type tag, a 16-bit
// misc flags field and the total size of the record including the
// header itself.
type Header struct {
	Type uint32
	Misc uint16
	Size uint16
}

// Kernel record type tags, a subset of the perf_event_type enum that the
// decoder recognizes.
const (
	typeMmap       = 1
	typeLost       = 2
	typeComm       = 3
	typeExit       = 4
	typeThrottle   = 5
	typeUnthrottle = 6
	typeFork       = 7
	typeSample     = 9
)

// Misc-field bits.
const miscMmapData = 1 << 13

// Kind distinguishes the probe-carrying tracepoint samples from plain
// perf_event_open samples; the kernel reports both as typeSample and the
// decoder tells them apart by the sample's PERF_SAMPLE_STREAM_ID value,
// looked up in the id-to-Kind map supplied at StreamDecoder construction.
type Kind int

const (
	KindStackSample Kind = iota
	KindCallchainSample
	KindUprobe
	KindUprobeWithArgs
	KindUretprobe
	KindUretprobeWithReturnValue
	KindUserSpaceFunctionEntry
	KindUserSpaceFunctionExit
	KindSchedSwitch
	KindSchedWakeup
)

// SampleFormat mirrors the PERF_SAMPLE_* bitmask configured for a given
// ring buffer's events: it tells the decoder which optional fields are
// present, and in which order, in every sample record read from that
// buffer.
type SampleFormat uint64

const (
	SampleIP        SampleFormat = 1 << 0
	SampleTID       SampleFormat = 1 << 1
	SampleTime      SampleFormat = 1 << 2
	SampleCallchain SampleFormat = 1 << 5
	SampleCPU       SampleFormat = 1 << 7
	SampleStreamID  SampleFormat = 1 << 9
	SampleRegsUser  SampleFormat = 1 << 12
	SampleStackUser SampleFormat = 1 << 13
	SampleRegsSP    SampleFormat = 1 << 20 // core-private bit, not a real PERF_SAMPLE_* value
)

// bufDecoder is a minimal, allocation-light cursor over a little-endian
// perf_event_open record body.
type bufDecoder struct {
	buf   []byte
	order binary.ByteOrder
}

func newBufDecoder(buf []byte) *bufDecoder {
	return &bufDecoder{buf, binary.LittleEndian}
}

func (b *bufDecoder) skip(n int) {
	b.buf = b.buf[n:]
}

func (b *bufDecoder) bytes(n int) []byte {
	x := b.buf[:n:n]
	b.buf = b.buf[n:]
	return x
}

func (b *bufDecoder) u16() uint16 {
	x := b.order.Uint16(b.buf)
	b.buf = b.buf[2:]
	return x
}

func (b *bufDecoder) u32() uint32 {
	x := b.order.Uint32(b.buf)
	b.buf = b.buf[4:]
	return x
}

func (b *bufDecoder) u64() uint64 {
	x := b.order.Uint64(b.buf)
	b.buf = b.buf[8:]
	return x
}

func (b *bufDecoder) u64s(n int) []uint64 {
	out := make([]uint64, n)
	for i := range out {
		out[i] = b.order.Uint64(b.buf[i*8:])
	}
	b.buf = b.buf[n*8:]
	return out
}

func (b *bufDecoder) cstring() string {
	for i, c := range b.buf {
		if c == 0 {
			x := string(b.buf[:i])
			b.buf = b.buf[roundUp8(i+1):]
			return x
		}
	}
	x := string(b.buf)
	b.buf = nil
	return x
}

func roundUp8(n int) int {
	return (n + 7) &^ 7
}

// decodeStackUser reads the optional PERF_SAMPLE_STACK_USER triple
// (size, raw dump, dyn_size) that may trail a stack or callchain
// sample's registers, returning the zero StackSlice if the format
// didn't request it.
func decodeStackUser(dec *bufDecoder, f SampleFormat, regs RegsUser) StackSlice {
	if f&SampleStackUser == 0 {
		return StackSlice{}
	}
	size := int(dec.u64())
	data := dec.bytes(size)
	var dynSize uint64
	if size > 0 {
		dynSize = dec.u64()
	}
	return StackSlice{Start: regs.SP, Data: data[:dynSize:dynSize]}
}

// regsUser reads the PERF_REG_X86_* registers requested by
// fullRegsUserMask (indices 0-11, AX through SS) in their kernel order.
func (b *bufDecoder) regsUser() RegsUser {
	u := b.u64s(12)
	return RegsUser{
		AX: u[0], BX: u[1], CX: u[2], DX: u[3],
		SI: u[4], DI: u[5],
		BP: u[6], SP: u[7],
		IP: u[8], FLAGS: u[9],
		CS: u[10], SS: u[11],
	}
}

// A StreamDecoder decodes the raw records of a single ring buffer.
// Every ring buffer in the core carries one coherent sample format and,
// for tracepoint-backed buffers, one stream-id-to-Kind mapping; the
// tracer controller builds one StreamDecoder per ring buffer it opens,
// so the uprobes ring shared by several perf_event_open file
// descriptors has a single decoder for all of them.
type StreamDecoder struct {
	Format      SampleFormat
	StreamKey   uint64
	kindByID    map[uint64]Kind
	defaultKind Kind
}

// NewStreamDecoder returns a decoder for a ring buffer carrying samples
// in the given format. kindByID maps the PERF_SAMPLE_STREAM_ID value
// carried by each sample to the Kind the decoder produces for it; it may be nil for pure stack/callchain
// sampling buffers, in which case defaultKind is used unconditionally.
func NewStreamDecoder(streamKey uint64, format SampleFormat, defaultKind Kind, kindByID map[uint64]Kind) *StreamDecoder {
	return &StreamDecoder{
		Format:      format,
		StreamKey:   streamKey,
		kindByID:    kindByID,
		defaultKind: defaultKind,
	}
}

// Decode turns the raw bytes of one record (header included) into a
// Record, or an error if the bytes are short or the header's type tag
// is not one this decoder understands.
func (d *StreamDecoder) Decode(raw []byte) (Record, error) {
	if len(raw) < 8 {
		return nil, fmt.Errorf("perfevent: record shorter than header: %d bytes", len(raw))
	}
	dec := newBufDecoder(raw)
	typ := dec.u32()
	misc := dec.u16()
	_ = dec.u16() // size; caller already sliced raw to it

	switch typ {
	case typeMmap:
		return d.decodeMmap(dec, misc)
	case typeFork:
		return d.decodeForkExit(dec, false)
	case typeExit:
		return d.decodeForkExit(dec, true)
	case typeLost:
		return d.decodeLost(dec)
	case typeThrottle, typeUnthrottle:
		return d.decodeThrottle(dec, typ == typeThrottle)
	case typeSample:
		return d.decodeSample(dec)
	default:
		return nil, fmt.Errorf("perfevent: unrecognized record type %d", typ)
	}
}

func (d *StreamDecoder) decodeMmap(dec *bufDecoder, misc uint16) (Record, error) {
	pid := int(dec.u32())
	tid := int(dec.u32())
	addr := dec.u64()
	length := dec.u64()
	pgoff := dec.u64()
	filename := dec.cstring()
	return RecordMmap{
		RecordCommon: RecordCommon{PID: pid, TID: tid, StreamKey: d.StreamKey},
		Addr:         addr,
		Len:          length,
		PgOffset:     pgoff,
		Filename:     filename,
		Exec:         misc&miscMmapData == 0,
	}, nil
}

func (d *StreamDecoder) decodeForkExit(dec *bufDecoder, isExit bool) (Record, error) {
	pid := int(dec.u32())
	ppid := int(dec.u32())
	tid := int(dec.u32())
	ptid := int(dec.u32())
	ts := dec.u64()
	common := RecordCommon{PID: pid, TID: tid, TimeNS: ts, StreamKey: d.StreamKey}
	if isExit {
		return RecordExit{RecordCommon: common, PPID: ppid, PTID: ptid}, nil
	}
	return RecordFork{RecordCommon: common, PPID: ppid, PTID: ptid}, nil
}

func (d *StreamDecoder) decodeLost(dec *bufDecoder) (Record, error) {
	_ = dec.u64() // id
	lost := dec.u64()
	return RecordLost{RecordCommon: RecordCommon{StreamKey: d.StreamKey}, NumLost: lost}, nil
}

func (d *StreamDecoder) decodeThrottle(dec *bufDecoder, enable bool) (Record, error) {
	ts := dec.u64()
	_ = dec.u64() // id
	_ = dec.u64() // stream_id
	return RecordThrottle{RecordCommon: RecordCommon{TimeNS: ts, StreamKey: d.StreamKey}, Enable: enable}, nil
}

// decodeSample handles the PERF_RECORD_SAMPLE body, whose field order is
// fixed by the kernel to follow the bit order of the PERF_SAMPLE_*
// constants requested at perf_event_open time.
func (d *StreamDecoder) decodeSample(dec *bufDecoder) (Record, error) {
	f := d.Format
	var ip uint64
	if f&SampleIP != 0 {
		ip = dec.u64()
	}
	var pid, tid int
	if f&SampleTID != 0 {
		pid = int(dec.u32())
		tid = int(dec.u32())
	}
	var ts uint64
	if f&SampleTime != 0 {
		ts = dec.u64()
	}
	var callchain []uint64
	if f&SampleCallchain != 0 {
		n := int(dec.u64())
		callchain = dec.u64s(n)
	}
	var cpu uint32
	if f&SampleCPU != 0 {
		cpu = dec.u32()
		dec.skip(4) // reserved
	}
	var streamID uint64
	if f&SampleStreamID != 0 {
		streamID = dec.u64()
	}

	common := RecordCommon{PID: pid, TID: tid, TimeNS: ts, StreamKey: d.StreamKey}
	kind := d.defaultKind
	if d.kindByID != nil {
		if k, ok := d.kindByID[streamID]; ok {
			kind = k
		}
	}

	switch kind {
	case KindCallchainSample:
		regs := dec.regsUser()
		stack := decodeStackUser(dec, f, regs)
		return RecordCallchainSample{RecordCommon: common, Regs: regs, Ips: callchain, Stack: stack}, nil

	case KindStackSample:
		regs := dec.regsUser()
		stack := decodeStackUser(dec, f, regs)
		return RecordStackSample{RecordCommon: common, Regs: regs, Stack: stack}, nil

	case KindUprobe:
		sp := dec.u64()
		ip2 := dec.u64()
		ra := dec.u64()
		return RecordUprobe{RecordCommon: common, FunctionID: streamID, CPU: cpu, SP: sp, IP: ip2, ReturnAddress: ra}, nil

	case KindUprobeWithArgs:
		sp := dec.u64()
		rip := dec.u64()
		di, si, dx, cx, r8, r9 := dec.u64(), dec.u64(), dec.u64(), dec.u64(), dec.u64(), dec.u64()
		ra := dec.u64()
		return RecordUprobeWithArgs{
			RecordCommon: common,
			FunctionID:   streamID,
			CPU:          cpu,
			Regs: ArgRegs{
				RegsSP: RegsSP{SP: sp, IP: rip},
				DI:     di, SI: si, DX: dx, CX: cx, R8: r8, R9: r9,
			},
			ReturnAddress: ra,
		}, nil

	case KindUretprobe:
		return RecordUretprobe{RecordCommon: common}, nil

	case KindUretprobeWithReturnValue:
		rax := dec.u64()
		return RecordUretprobeWithReturnValue{RecordCommon: common, ReturnValue: rax}, nil

	case KindUserSpaceFunctionEntry:
		sp := dec.u64()
		ra := dec.u64()
		return RecordUserSpaceFunctionEntry{RecordCommon: common, FunctionID: streamID, SP: sp, ReturnAddress: ra}, nil

	case KindUserSpaceFunctionExit:
		return RecordUserSpaceFunctionExit{RecordCommon: common}, nil

	case KindSchedSwitch:
		return RecordSchedSwitch{RecordCommon: common, Callchain: callchain}, nil

	case KindSchedWakeup:
		return RecordSchedWakeup{RecordCommon: common, Callchain: callchain}, nil

	default:
		_ = ip
		return nil, fmt.Errorf("perfevent: unhandled sample kind %d", kind)
	}
}
