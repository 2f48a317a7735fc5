// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package timeorder

import (
	"testing"

	"github.com/tracewalk/linuxtracing/perfevent"
)

func rec(ts, streamKey uint64) perfevent.Record {
	return perfevent.RecordExit{RecordCommon: perfevent.RecordCommon{TimeNS: ts, StreamKey: streamKey}}
}

func tsOf(recs []perfevent.Record) []uint64 {
	out := make([]uint64, len(recs))
	for i, r := range recs {
		out[i] = r.Common().TimeNS
	}
	return out
}

func TestPullReadyOrdersAcrossStreams(t *testing.T) {
	m := New()
	m.Push(rec(30, 1))
	m.Push(rec(10, 2))
	m.Push(rec(20, 1))
	m.Push(rec(40, 2)) // advances stream 2's watermark past everything from stream 1

	got := tsOf(m.PullReady(1000, 0))
	want := []uint64{10, 20, 30}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("pos %d = %d, want %d", i, got[i], want[i])
		}
	}
	// The 40 from stream 2 stays buffered: stream 1's watermark hasn't
	// caught up past it yet.
	if m.Len() != 1 {
		t.Errorf("expected one record left buffered, got %d", m.Len())
	}
}

func TestPullReadyHoldsBackWithinGraceWindow(t *testing.T) {
	m := New()
	m.Push(rec(100, 1))
	m.Push(rec(990, 2)) // sets the stream-2 watermark high

	// now=1000, grace=50: bound = min(now, watermarks) - grace = min(1000, 100, 990) - 50 = 50.
	got := m.PullReady(1000, 50)
	if len(got) != 0 {
		t.Fatalf("expected nothing ready yet, got %v", tsOf(got))
	}

	// Once stream 1 catches up to (or past) the others, the earlier
	// record clears the grace window relative to the new minimum
	// watermark.
	m.Push(rec(200, 1))
	got = m.PullReady(1000, 50)
	want := []uint64{100}
	if len(got) != 1 || got[0].Common().TimeNS != want[0] {
		t.Fatalf("got %v, want %v", tsOf(got), want)
	}
}

func TestPushAfterPullDiscardsStaleRecord(t *testing.T) {
	m := New()
	m.Push(rec(100, 1))
	m.Push(rec(100, 2))
	got := m.PullReady(1000, 0) // both streams at watermark 100, both release
	if len(got) != 2 {
		t.Fatalf("expected both records ready, got %v", tsOf(got))
	}

	m.Push(rec(50, 1)) // older than what was already released
	if m.Discarded.Load() != 1 {
		t.Fatalf("Discarded = %d, want 1", m.Discarded.Load())
	}
	if m.Len() != 0 {
		t.Errorf("stale record should not have been queued, Len = %d", m.Len())
	}
}

func TestPullReadyEmptyQueueIsNoop(t *testing.T) {
	m := New()
	if got := m.PullReady(1000, 10); len(got) != 0 {
		t.Errorf("expected no records from an empty merger, got %v", got)
	}
}
