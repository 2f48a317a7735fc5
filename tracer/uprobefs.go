// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tracer

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const tracefsDir = "/sys/kernel/debug/tracing"

// attachedProbe is one uprobe or uretprobe definition written to
// tracefs: its tracepoint id (read back after definition) identifies
// the samples it produces, and detach removes the definition again.
type attachedProbe struct {
	name string // the probe's event name within the "uprobes" group
	id   uint64
}

// attachUprobe writes a uprobe ("p:") or uretprobe ("r:") definition to
// uprobe_events and reads back the tracepoint id perf_event_open needs
// to select it, mirroring TracerImpl::OpenUprobes/OpenUretprobes: this
// core has no BPF program to load, so it drives the kernel's tracefs
// uprobe interface directly instead of going through cilium/ebpf's
// BPF-program-centric attach path.
//
// argSpec is the tracefs fetch-arg list appended to the probe
// definition (e.g. "sp=%sp:u64 ra=+0(%sp):u64"), empty for a
// no-argument probe.
func attachUprobe(kind byte, binaryPath string, offset uint64, argSpec string) (*attachedProbe, error) {
	name := fmt.Sprintf("linuxtracing_%c_%x_%d", kind, offset, os.Getpid())

	def := fmt.Sprintf("%c:uprobes/%s %s:0x%x", kind, name, binaryPath, offset)
	if argSpec != "" {
		def += " " + argSpec
	}

	eventsFile := filepath.Join(tracefsDir, "uprobe_events")
	if err := appendFile(eventsFile, def); err != nil {
		return nil, errors.Wrapf(err, "tracer: define probe %q", def)
	}

	id, err := readTracepointID("uprobes", name)
	if err != nil {
		removeUprobeDef(name)
		return nil, err
	}
	return &attachedProbe{name: name, id: id}, nil
}

// detach removes p's definition from uprobe_events. It is safe to call
// on a probe whose definition is already gone.
func (p *attachedProbe) detach() error {
	return removeUprobeDef(p.name)
}

func removeUprobeDef(name string) error {
	eventsFile := filepath.Join(tracefsDir, "uprobe_events")
	return appendFile(eventsFile, fmt.Sprintf("-:uprobes/%s", name))
}

func appendFile(path, line string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintln(f, line)
	return err
}

// readTracepointID reads the numeric tracepoint id the kernel assigned
// a tracefs-defined event, from events/<group>/<name>/id. This is the
// value perf_event_open wants in Attr.Config when Type is
// ringbuf.TypeTracepoint.
func readTracepointID(group, name string) (uint64, error) {
	path := filepath.Join(tracefsDir, "events", group, name, "id")
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, errors.Wrapf(err, "tracer: read tracepoint id for %s/%s", group, name)
	}
	id, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "tracer: parse tracepoint id %q", raw)
	}
	return id, nil
}

// lookupTracepointID reads the id of a tracepoint that already exists
// (kernel-defined, not tracefs_events-written), such as
// "sched:sched_switch" or a GPU driver's own tracepoints.
func lookupTracepointID(group, name string) (uint64, error) {
	return readTracepointID(group, name)
}
