// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ringbuf reads the mmap'd ring buffers that perf_event_open
// attaches to every monitored file descriptor: a metadata page followed
// by a power-of-two-sized data region that the kernel writes into and
// userspace drains, coordinated by a pair of head/tail cursors in the
// metadata page.
package ringbuf

import (
	"os"
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// metaPage mirrors struct perf_event_mmap_page's head. Only the fields
// the reader needs are named; data_head sits at a fixed 1024-byte offset
// from the start of the page, so the capability/timestamp fields in
// between are folded into a single reserved blob.
type metaPage struct {
	version     uint32
	compatVer   uint32
	lock        uint32
	index       uint32
	offset      int64
	timeEnabled uint64
	timeRunning uint64
	_           [984]byte
	dataHead    uint64
	dataTail    uint64
	dataOffset  uint64
	dataSize    uint64
}

// Ring is one per-CPU mmap'd ring buffer: the metadata page plus the
// data pages that follow it. It implements the head/tail protocol
// directly rather than going through a channel-based reader, matching
// the single-threaded worker-loop model the controller relies on.
type Ring struct {
	FD   int
	meta *metaPage
	mmap []byte
	data []byte
	mask uint64
}

// Open mmaps the ring buffer backing fd. sizeBytes is the data region's
// size and must be a power of two; one additional page is mapped ahead
// of it for the metadata page, matching the kernel's layout.
func Open(fd int, sizeBytes int) (*Ring, error) {
	if sizeBytes&(sizeBytes-1) != 0 {
		return nil, errors.Errorf("ringbuf: size %d is not a power of two", sizeBytes)
	}
	pageSize := os.Getpagesize()
	total := pageSize + sizeBytes
	mmap, err := unix.Mmap(fd, 0, total, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrap(err, "ringbuf: mmap")
	}
	meta := (*metaPage)(unsafe.Pointer(&mmap[0]))
	r := &Ring{
		FD:   fd,
		meta: meta,
		mmap: mmap,
		data: mmap[pageSize : pageSize+sizeBytes],
		mask: uint64(sizeBytes - 1),
	}
	runtime.SetFinalizer(r, (*Ring).Close)
	return r, nil
}

// Close unmaps the ring buffer. It does not close FD; the caller owns
// the file descriptor's lifetime.
func (r *Ring) Close() error {
	runtime.SetFinalizer(r, nil)
	if r.mmap == nil {
		return nil
	}
	err := unix.Munmap(r.mmap)
	r.mmap = nil
	return err
}

// dataHead loads data_head with an acquire fence: the kernel writes the
// record bytes first, then publishes data_head, so userspace must not
// read past the observed head until after this load completes.
func (r *Ring) dataHead() uint64 {
	p := (*uint64)(unsafe.Pointer(&r.meta.dataHead))
	return atomic.LoadUint64(p)
}

// setDataTail stores data_tail with a release fence, publishing to the
// kernel that userspace has finished with everything before it.
func (r *Ring) setDataTail(v uint64) {
	p := (*uint64)(unsafe.Pointer(&r.meta.dataTail))
	atomic.StoreUint64(p, v)
}

func (r *Ring) dataTail() uint64 {
	p := (*uint64)(unsafe.Pointer(&r.meta.dataTail))
	return atomic.LoadUint64(p)
}

// HasNewData reports whether the kernel has produced records this
// reader has not yet consumed.
func (r *Ring) HasNewData() bool {
	return r.dataHead() > r.dataTail()
}

// Header is the 8-byte perf_event_header prefixing every record in the
// ring: a type tag, misc flags, and the total size of the record
// including this header.
type Header struct {
	Type uint32
	Misc uint16
	Size uint16
}

// ReadHeader peeks the header of the next unconsumed record without
// advancing data_tail. It is an error to call ReadHeader when
// HasNewData is false.
func (r *Ring) ReadHeader() (Header, error) {
	head, tail := r.dataHead(), r.dataTail()
	if head <= tail {
		return Header{}, errors.New("ringbuf: ReadHeader with no new data")
	}
	buf := r.peek(tail, 8)
	return Header{
		Type: uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24,
		Misc: uint16(buf[4]) | uint16(buf[5])<<8,
		Size: uint16(buf[6]) | uint16(buf[7])<<8,
	}, nil
}

// ConsumeRecord copies the full record named by header (header included)
// out of the ring into a fresh, owned byte slice and advances data_tail
// past it. The returned bytes remain valid after the kernel overwrites
// the ring, since they are a copy, not a window into mmap'd memory.
func (r *Ring) ConsumeRecord(header Header) ([]byte, error) {
	tail := r.dataTail()
	out := make([]byte, header.Size)
	copy(out, r.peek(tail, int(header.Size)))
	r.setDataTail(tail + uint64(header.Size))
	return out, nil
}

// SkipRecord advances data_tail past header without copying its body.
func (r *Ring) SkipRecord(header Header) {
	tail := r.dataTail()
	r.setDataTail(tail + uint64(header.Size))
}

// peek returns n bytes starting at the ring-relative offset off,
// handling wraparound. The kernel guarantees a record's header never
// straddles the wrap point, but the body may.
func (r *Ring) peek(off uint64, n int) []byte {
	start := off & r.mask
	if int(start)+n <= len(r.data) {
		return r.data[start : start+uint64(n)]
	}
	// Wraps around the end of the data region; stitch the two halves
	// together into a scratch buffer.
	out := make([]byte, n)
	first := len(r.data) - int(start)
	copy(out, r.data[start:])
	copy(out[first:], r.data[:n-first])
	return out
}
