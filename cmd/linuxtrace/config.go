// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tracewalk/linuxtracing/tracer"
)

// fileConfig is the YAML shape read from the --config file. It mirrors
// tracer.Options but with plain scalar/slice fields yaml.v3 can decode
// directly; loadConfig translates it into a tracer.Options.
type fileConfig struct {
	TargetPID  int    `yaml:"target_pid"`
	BinaryPath string `yaml:"binary_path"`

	SampleFrequencyHz   uint64 `yaml:"sample_frequency_hz"`
	UseFramePointerWalk bool   `yaml:"use_frame_pointer_walk"`
	StackDumpSize       int    `yaml:"stack_dump_size"`
	MaxCallstackDepth   int    `yaml:"max_callstack_depth"`
	MergeGraceNS        uint64 `yaml:"merge_grace_ns"`

	InstrumentedFunctions []struct {
		Name              string `yaml:"name"`
		Offset            uint64 `yaml:"offset"`
		RecordArgs        bool   `yaml:"record_args"`
		RecordReturnValue bool   `yaml:"record_return_value"`
	} `yaml:"instrumented_functions"`

	ExtraTracepoints []struct {
		Group           string `yaml:"group"`
		Name            string `yaml:"name"`
		RingBufferBytes int    `yaml:"ring_buffer_bytes"`
		WithCallchain   bool   `yaml:"with_callchain"`
	} `yaml:"extra_tracepoints"`
}

// loadConfig reads and validates the YAML file at path, returning the
// tracer.Options it describes.
func loadConfig(path string) (tracer.Options, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return tracer.Options{}, fmt.Errorf("read config: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return tracer.Options{}, fmt.Errorf("parse config: %w", err)
	}
	if fc.TargetPID <= 0 {
		return tracer.Options{}, fmt.Errorf("config: target_pid is required")
	}
	if fc.BinaryPath == "" && len(fc.InstrumentedFunctions) > 0 {
		return tracer.Options{}, fmt.Errorf("config: binary_path is required when instrumented_functions is set")
	}

	opts := tracer.Options{
		TargetPID:           fc.TargetPID,
		BinaryPath:          fc.BinaryPath,
		SampleFrequencyHz:   fc.SampleFrequencyHz,
		UseFramePointerWalk: fc.UseFramePointerWalk,
		StackDumpSize:       fc.StackDumpSize,
		MaxCallstackDepth:   fc.MaxCallstackDepth,
		MergeGraceNS:        fc.MergeGraceNS,
	}
	for _, fn := range fc.InstrumentedFunctions {
		opts.InstrumentedFunctions = append(opts.InstrumentedFunctions, tracer.InstrumentedFunction{
			Name:              fn.Name,
			Offset:            fn.Offset,
			RecordArgs:        fn.RecordArgs,
			RecordReturnValue: fn.RecordReturnValue,
		})
	}
	for _, tp := range fc.ExtraTracepoints {
		opts.ExtraTracepoints = append(opts.ExtraTracepoints, tracer.ExtraTracepoint{
			Group:           tp.Group,
			Name:            tp.Name,
			RingBufferBytes: tp.RingBufferBytes,
			WithCallchain:   tp.WithCallchain,
		})
	}
	return opts, nil
}
