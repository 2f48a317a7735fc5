// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tracer

import (
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// onlineCPUs returns the ids of every CPU currently online, read from
// /sys/devices/system/cpu/online. perf_event_open must be called once
// per online CPU; there is no "all CPUs" wildcard for a per-CPU,
// all-process sampling event.
func onlineCPUs() ([]int, error) {
	raw, err := os.ReadFile("/sys/devices/system/cpu/online")
	if err != nil {
		return nil, errors.Wrap(err, "tracer: read online cpu list")
	}
	return parseCPURange(strings.TrimSpace(string(raw)))
}

// parseCPURange parses the kernel's cpulist format: comma-separated
// entries each either a single id ("5") or an inclusive range ("0-3").
func parseCPURange(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	var out []int
	for _, part := range strings.Split(s, ",") {
		if part == "" {
			continue
		}
		lo, hi, found := strings.Cut(part, "-")
		first, err := strconv.Atoi(lo)
		if err != nil {
			return nil, errors.Wrapf(err, "tracer: parse cpu range %q", part)
		}
		if !found {
			out = append(out, first)
			continue
		}
		last, err := strconv.Atoi(hi)
		if err != nil {
			return nil, errors.Wrapf(err, "tracer: parse cpu range %q", part)
		}
		for cpu := first; cpu <= last; cpu++ {
			out = append(out, cpu)
		}
	}
	return out, nil
}
