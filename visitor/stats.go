// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package visitor

import "sync/atomic"

// Stats holds the plain atomic counters the tracer controller samples
// from a different goroutine than the one driving the visitor. Every
// field is written only by the visitor's own goroutine and read from
// anywhere.
type Stats struct {
	// UnwindingErrors counts every CallstackSample emitted with a type
	// other than Complete, InUprobes or InUserSpaceInstrumentation.
	UnwindingErrors atomic.Uint64
	// DiscardedSamplesInUretprobes counts every CallstackSample
	// classified InUprobes.
	DiscardedSamplesInUretprobes atomic.Uint64
	// MissingUretprobeOrDuplicateUprobe counts Uprobe events discarded
	// because the previous probe on the same thread was never closed
	// by a matching Uretprobe (sp strictly increased since).
	MissingUretprobeOrDuplicateUprobe atomic.Uint64
	// DuplicateUprobeOnMigration counts Uprobe events discarded because
	// they repeat the immediately preceding probe's (sp, ip) on a
	// different cpu, a known artifact of thread migration.
	DuplicateUprobeOnMigration atomic.Uint64
}
