// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package timeorder merges decoded records from many independently
// ordered streams (one per ring buffer) into a single, timestamp-sorted
// stream. Each ring buffer delivers its own records in order, but the
// worker drains them round-robin, so records from different streams can
// interleave out of timestamp order by a small amount; the merger buffers
// just enough to put them back in order before they reach the visitor.
package timeorder

import (
	"container/heap"
	"sync/atomic"

	"github.com/tracewalk/linuxtracing/perfevent"
)

type item struct {
	rec perfevent.Record
	ts  uint64
	seq uint64
}

// itemHeap is a container/heap.Interface over pending items, ordered by
// timestamp and, for ties, by push order so that PullReady's output is
// stable.
type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].ts != h[j].ts {
		return h[i].ts < h[j].ts
	}
	return h[i].seq < h[j].seq
}
func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x any)   { *h = append(*h, x.(*item)) }
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Merger buffers records from multiple streams and releases them in
// nondecreasing timestamp order once a grace window has passed. It is
// owned and driven exclusively by the tracer controller's worker
// goroutine; Discarded is the one field read from another goroutine, so
// it alone is atomic.
type Merger struct {
	pending    itemHeap
	seq        uint64
	watermarks map[uint64]uint64 // stream key -> most recent pushed timestamp
	maxPulled  uint64
	everPulled bool

	// Discarded counts records dropped by Push because they arrived
	// after PullReady had already released a later timestamp past the
	// grace window: the stream that produced them lagged too far
	// behind the others to be reconciled.
	Discarded atomic.Uint64
}

// New returns an empty Merger.
func New() *Merger {
	return &Merger{watermarks: make(map[uint64]uint64)}
}

// Len reports the number of records currently buffered.
func (m *Merger) Len() int { return len(m.pending) }

// Push inserts rec into the queue, keyed by its RecordCommon's timestamp
// and stream key. A record whose timestamp is older than one PullReady
// has already released is counted in Discarded and dropped: the merger
// can no longer place it before records the caller has already consumed.
func (m *Merger) Push(rec perfevent.Record) {
	c := rec.Common()
	if m.everPulled && c.TimeNS < m.maxPulled {
		m.Discarded.Add(1)
		return
	}
	if w, ok := m.watermarks[c.StreamKey]; !ok || c.TimeNS > w {
		m.watermarks[c.StreamKey] = c.TimeNS
	}
	m.seq++
	heap.Push(&m.pending, &item{rec: rec, ts: c.TimeNS, seq: m.seq})
}

// PullReady removes and returns, in nondecreasing timestamp order, every
// buffered record old enough that no stream could still produce
// something older: a record is ready once its timestamp is at least
// graceNS behind both now and every live stream's own most recent
// timestamp. The latter guards against a caller-supplied now that races
// ahead of a stream that simply hasn't reported recently.
func (m *Merger) PullReady(now, graceNS uint64) []perfevent.Record {
	bound := m.readyBound(now, graceNS)
	var out []perfevent.Record
	for len(m.pending) > 0 && m.pending[0].ts <= bound {
		it := heap.Pop(&m.pending).(*item)
		out = append(out, it.rec)
		if !m.everPulled || it.ts > m.maxPulled {
			m.maxPulled = it.ts
			m.everPulled = true
		}
	}
	return out
}

func (m *Merger) readyBound(now, graceNS uint64) uint64 {
	bound := now
	for _, w := range m.watermarks {
		if w < bound {
			bound = w
		}
	}
	if bound < graceNS {
		return 0
	}
	return bound - graceNS
}
