// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package functioncall pairs probe entry and exit events into completed
// FunctionCall records, tracking one stack of in-flight calls per thread
// so that nested and recursive instrumented functions report the right
// duration and depth.
package functioncall

// ArgRegs is the System V AMD64 ABI integer argument snapshot taken at
// function entry, when the instrumented function was configured to
// record it.
type ArgRegs struct {
	DI, SI, DX, CX, R8, R9 uint64
}

// Call is a completed, paired entry/exit of an instrumented function.
type Call struct {
	PID         int
	TID         int
	FunctionID  uint64
	DurationNS  uint64
	EndTSNS     uint64
	Depth       int
	ReturnValue *uint64
	Registers   *ArgRegs
}

type openCall struct {
	functionID uint64
	beginTS    uint64
	regs       *ArgRegs
}

// Manager matches probe entries with their exits.
type Manager struct {
	byTID map[int][]openCall
}

// New returns an empty Manager.
func New() *Manager {
	return &Manager{byTID: make(map[int][]openCall)}
}

// ProcessFunctionEntry pushes an in-flight call for tid. regs is nil
// when the instrumented function was not configured to record arguments.
func (m *Manager) ProcessFunctionEntry(tid int, functionID, ts uint64, regs *ArgRegs) {
	m.byTID[tid] = append(m.byTID[tid], openCall{functionID: functionID, beginTS: ts, regs: regs})
}

// ProcessFunctionExit pops the innermost in-flight call for tid and pairs
// it with the exit at ts, returning nil if tid had no open call (the
// matching entry was lost). returnValue is nil when the instrumented
// function was not configured to record its return value.
func (m *Manager) ProcessFunctionExit(pid, tid int, ts uint64, returnValue *uint64) *Call {
	stack := m.byTID[tid]
	if len(stack) == 0 {
		return nil
	}
	top := stack[len(stack)-1]
	depth := len(stack) - 1

	stack = stack[:len(stack)-1]
	if len(stack) == 0 {
		delete(m.byTID, tid)
	} else {
		m.byTID[tid] = stack
	}

	return &Call{
		PID:         pid,
		TID:         tid,
		FunctionID:  top.functionID,
		DurationNS:  ts - top.beginTS,
		EndTSNS:     ts,
		Depth:       depth,
		ReturnValue: returnValue,
		Registers:   top.regs,
	}
}
