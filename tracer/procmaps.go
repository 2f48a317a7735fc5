// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tracer

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/tracewalk/linuxtracing/maps"
	"github.com/tracewalk/linuxtracing/visitor"
)

// loadInitialState populates the maps oracle from the target's
// /proc/<pid>/maps before any live MMAP record tracking begins, and
// logs the thread count found under /proc/<pid>/task, matching
// TracerImpl::Startup's retrieval of the target's pre-existing mappings
// and thread states. If the target's /proc/<pid>/maps cannot be read
// (for example because the target has already exited), the error is
// returned and Start fails.
func (t *Tracer) loadInitialState() error {
	if t.opts.TargetPID == 0 {
		return nil
	}

	if err := t.loadInitialMaps(); err != nil {
		return err
	}

	threads, err := os.ReadDir(filepath.Join("/proc", strconv.Itoa(t.opts.TargetPID), "task"))
	if err != nil {
		return errors.Wrap(err, "list initial threads")
	}
	t.log.Info("tracer: initial snapshot", "pid", t.opts.TargetPID, "mappings", len(t.vis.Maps().Snapshot()), "threads", len(threads))
	return nil
}

func (t *Tracer) loadInitialMaps() error {
	path := filepath.Join("/proc", strconv.Itoa(t.opts.TargetPID), "maps")
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		m, ok, err := parseProcMapsLine(sc.Text())
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		t.addInitialMapping(m)
	}
	return sc.Err()
}

type procMapping struct {
	start, end, offset uint64
	flags              maps.Flags
	pathname           string
}

// parseProcMapsLine parses one line of /proc/<pid>/maps, e.g.:
//
//	08048000-08049000 r-xp 00000000 03:00 8312 /opt/test
//
// The second result is false for lines with no backing file and no
// special bracketed name worth tracking (most anonymous mappings).
func parseProcMapsLine(line string) (procMapping, bool, error) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return procMapping{}, false, errors.Errorf("tracer: malformed /proc/maps line %q", line)
	}

	lo, hi, found := strings.Cut(fields[0], "-")
	if !found {
		return procMapping{}, false, errors.Errorf("tracer: malformed address range %q", fields[0])
	}
	start, err := strconv.ParseUint(lo, 16, 64)
	if err != nil {
		return procMapping{}, false, errors.Wrapf(err, "tracer: parse range start %q", lo)
	}
	end, err := strconv.ParseUint(hi, 16, 64)
	if err != nil {
		return procMapping{}, false, errors.Wrapf(err, "tracer: parse range end %q", hi)
	}

	perms := fields[1]
	offset, err := strconv.ParseUint(fields[2], 16, 64)
	if err != nil {
		return procMapping{}, false, errors.Wrapf(err, "tracer: parse offset %q", fields[2])
	}

	var pathname string
	if len(fields) >= 6 {
		pathname = strings.Join(fields[5:], " ")
	}
	if pathname == "" {
		return procMapping{}, false, nil
	}

	var flags maps.Flags
	if strings.Contains(perms, "r") {
		flags |= maps.FlagRead
	}
	if strings.Contains(perms, "w") {
		flags |= maps.FlagWrite
	}
	if strings.Contains(perms, "x") {
		flags |= maps.FlagExec
	}

	return procMapping{start: start, end: end, offset: offset, flags: flags, pathname: pathname}, true, nil
}

// addInitialMapping adds one parsed /proc/maps entry to the maps
// oracle, resolving it through the configured ModuleInfoProvider the
// same way a live RecordMmap would, so initial and subsequently-mapped
// modules report identical ModuleUpdate shapes to the listener.
func (t *Tracer) addInitialMapping(m procMapping) {
	if strings.HasPrefix(m.pathname, "[") {
		t.vis.Maps().AddAndSort(m.start, m.end, m.offset, m.flags, m.pathname, 0)
		return
	}
	if t.opts.ModuleInfo == nil {
		t.vis.Maps().AddAndSort(m.start, m.end, m.offset, m.flags, m.pathname, 0)
		return
	}

	info, err := t.opts.ModuleInfo.CreateModule(m.pathname, m.start, m.end)
	if err != nil {
		t.opts.Listener.OnErrorsWithPerfEventOpenEvent(visitor.ErrorsWithPerfEventOpenEvent{Err: err})
		t.vis.Maps().AddAndSort(m.start, m.end, m.offset, m.flags, m.pathname, 0)
		return
	}
	t.vis.Maps().AddAndSort(info.AddressStart, info.AddressEnd, m.offset, m.flags, m.pathname, info.LoadBias)
	t.opts.Listener.OnModuleUpdate(visitor.ModuleUpdate{PID: t.opts.TargetPID, Module: info})
}
