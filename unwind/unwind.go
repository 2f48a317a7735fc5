// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package unwind is the thin wrapper around DWARF/frame-pointer call
// stack recovery that the rest of the core treats as an opaque oracle:
// given registers, stack bytes and the maps oracle, produce a frame
// list. It is also the only package that loads ELF/DWARF, so that the
// module-info/symbol concerns stay out of the rest of the core.
package unwind

import (
	"debug/dwarf"
	"debug/elf"
	"fmt"
	"sort"
	"sync"

	"github.com/ianlancetaylor/demangle"

	"github.com/tracewalk/linuxtracing/maps"
	"github.com/tracewalk/linuxtracing/perfevent"
)

// ErrorCode is the raw outcome of an Unwind call. The visitor maps these,
// together with frame contents, onto the broader classification taxonomy
// callstack samples are tagged with.
type ErrorCode int

const (
	// ErrNone means unwinding ended normally: a saved return address of
	// zero was reached, or the next saved frame lies outside the
	// supplied stack slices.
	ErrNone ErrorCode = iota
	// ErrMaxFrames means max_frames was reached before unwinding
	// completed; the frames collected so far are still returned.
	ErrMaxFrames
	// ErrStackTooSmall means no frame at all could be produced. Unwind
	// records the sampled pc before reading any stack memory, so it
	// never returns this code; a walk that runs off the end of the
	// supplied stack slices ends with ErrNone instead.
	ErrStackTooSmall
	// ErrBadFrame means a frame's resolved return address did not fall
	// in any known, executable mapping.
	ErrBadFrame
)

// Frame is one entry of an unwound call stack.
type Frame struct {
	PC             uint64
	FunctionName   string
	FunctionOffset uint64
	Mapping        maps.ID
}

// Unwinder caches per-file DWARF function and line tables and walks call
// stacks by following the frame-pointer chain through the supplied stack
// slices. The core never reimplements DWARF CFI evaluation; frame
// pointers are what the rest of this package's callers (leaffunc,
// visitor) actually depend on, matching the System V AMD64 frame-pointer
// convention the tracer's instrumented targets are built with.
type Unwinder struct {
	mu      sync.Mutex
	modules map[string]*module
}

// New returns an Unwinder with an empty module cache.
func New() *Unwinder {
	return &Unwinder{modules: make(map[string]*module)}
}

type module struct {
	err   error
	funcs []funcRange
	lines []dwarf.LineEntry
}

type funcRange struct {
	name          string
	lowpc, highpc uint64
	prologueEnd   uint64 // 0 if unknown
}

func (u *Unwinder) module(filename string) *module {
	u.mu.Lock()
	defer u.mu.Unlock()
	if m, ok := u.modules[filename]; ok {
		return m
	}
	m := loadModule(filename)
	u.modules[filename] = m
	return m
}

func loadModule(filename string) *module {
	elff, err := elf.Open(filename)
	if err != nil {
		return &module{err: fmt.Errorf("unwind: open %s: %w", filename, err)}
	}
	defer elff.Close()

	if elff.Section(".debug_info") == nil {
		return &module{err: fmt.Errorf("unwind: no DWARF info in %s", filename)}
	}
	dwarff, err := elff.DWARF()
	if err != nil {
		return &module{err: fmt.Errorf("unwind: load DWARF from %s: %w", filename, err)}
	}

	lines := dwarfLineTable(dwarff)
	funcs := dwarfFuncTable(dwarff, lines)
	return &module{funcs: funcs, lines: lines}
}

// dwarfFuncTable walks every compile unit's subprograms, grounded on the
// same DIE tree traversal the teacher's symbolizer uses, and records
// each function's first PrologueEnd line entry so HasFramePointerSet can
// answer without a second tree walk.
func dwarfFuncTable(dwarff *dwarf.Data, lines []dwarf.LineEntry) []funcRange {
	r := dwarff.Reader()
	var out []funcRange
	for {
		ent, err := r.Next()
		if ent == nil || err != nil {
			break
		}
		switch ent.Tag {
		case dwarf.TagSubprogram:
			r.SkipChildren()
			name, ok := ent.Val(dwarf.AttrName).(string)
			if !ok {
				continue
			}
			lowpc, ok := ent.Val(dwarf.AttrLowpc).(uint64)
			if !ok {
				continue
			}
			var highpc uint64
			switch hi := ent.Val(dwarf.AttrHighpc).(type) {
			case uint64:
				highpc = hi
			case int64:
				highpc = lowpc + uint64(hi)
			default:
				continue
			}
			out = append(out, funcRange{name: name, lowpc: lowpc, highpc: highpc})
		case dwarf.TagCompileUnit, dwarf.TagModule, dwarf.TagNamespace:
		default:
			r.SkipChildren()
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].lowpc < out[j].lowpc })

	for i := range out {
		lo := sort.Search(len(lines), func(k int) bool { return lines[k].Address >= out[i].lowpc })
		for k := lo; k < len(lines) && lines[k].Address < out[i].highpc; k++ {
			if lines[k].PrologueEnd {
				out[i].prologueEnd = lines[k].Address
				break
			}
		}
	}
	return out
}

func dwarfLineTable(dwarff *dwarf.Data) []dwarf.LineEntry {
	var out []dwarf.LineEntry
	dr := dwarff.Reader()
	for {
		ent, err := dr.Next()
		if ent == nil || err != nil {
			break
		}
		if ent.Tag != dwarf.TagCompileUnit {
			dr.SkipChildren()
			continue
		}
		lr, err := dwarff.LineReader(ent)
		if err != nil || lr == nil {
			continue
		}
		for {
			var lent dwarf.LineEntry
			if err := lr.Next(&lent); err != nil {
				break
			}
			out = append(out, lent)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

func (m *module) findFunc(addr uint64) (funcRange, bool) {
	if m.err != nil {
		return funcRange{}, false
	}
	i := sort.Search(len(m.funcs), func(i int) bool { return addr < m.funcs[i].highpc })
	if i < len(m.funcs) && m.funcs[i].lowpc <= addr && addr < m.funcs[i].highpc {
		return m.funcs[i], true
	}
	return funcRange{}, false
}

// frameFor resolves a PC through the maps oracle into a Frame, demangling
// the DWARF-reported name if it looks Itanium-mangled.
func (u *Unwinder) frameFor(pc uint64, mp *maps.Maps) Frame {
	mapping, id, ok := mp.Find(pc)
	if !ok {
		return Frame{PC: pc, Mapping: maps.ID(-1)}
	}
	frame := Frame{PC: pc, Mapping: id}
	if mapping.IsUprobes() || mapping.LoadBias == maps.InfiniteLoadBias {
		return frame
	}
	fileOff := pc - mapping.Start + mapping.Offset
	mod := u.module(mapping.Name)
	if fr, ok := mod.findFunc(fileOff); ok {
		frame.FunctionName = demangle.Filter(fr.name)
		frame.FunctionOffset = fileOff - fr.lowpc
	}
	return frame
}

// HasFramePointerSet decides, from the DWARF line table's PrologueEnd
// marker for the function containing pc, whether the standard
// push-rbp/mov-rsp,rbp prologue has executed by the time pc is reached.
// It returns ok=false when no module or function information is
// available for pc (e.g. pc is in a trampoline or unmapped).
func (u *Unwinder) HasFramePointerSet(pc uint64, mp *maps.Maps) (set, ok bool) {
	mapping, _, found := mp.Find(pc)
	if !found || mapping.IsUprobes() || mapping.LoadBias == maps.InfiniteLoadBias {
		return false, false
	}
	fileOff := pc - mapping.Start + mapping.Offset
	mod := u.module(mapping.Name)
	fr, found := mod.findFunc(fileOff)
	if !found {
		return false, false
	}
	if fr.prologueEnd == 0 {
		return false, false
	}
	return fileOff >= fr.prologueEnd, true
}

// Unwind walks the frame-pointer chain starting at regs, using
// stackSlices (kernel sample stack first, then any auxiliary
// user-space-instrumentation slices) to resolve saved return addresses
// and saved base pointers. resolveMapsOnly skips function-table lookups
// and returns bare frames (PC + mapping only), which is all the leaf
// patcher and callchain patcher need.
func Unwind(pid int, mp *maps.Maps, regs perfevent.RegsUser, stackSlices []perfevent.StackSlice, resolveMapsOnly bool, maxFrames int) ([]Frame, ErrorCode) {
	u := sharedUnwinder
	var frames []Frame
	pc, bp := regs.IP, regs.BP

	appendFrame := func(addr uint64) {
		if resolveMapsOnly {
			_, id, _ := mp.Find(addr)
			frames = append(frames, Frame{PC: addr, Mapping: id})
			return
		}
		frames = append(frames, u.frameFor(addr, mp))
	}

	appendFrame(pc)
	for len(frames) < maxFrames {
		retAddr, nextBP, ok := readFrame(bp, stackSlices)
		if !ok {
			if len(frames) == 0 {
				return frames, ErrStackTooSmall
			}
			return frames, ErrNone
		}
		if retAddr == 0 {
			return frames, ErrNone
		}
		if mm, _, ok := mp.Find(retAddr); !ok || mm.Flags&maps.FlagExec == 0 {
			return frames, ErrBadFrame
		}
		appendFrame(retAddr)
		bp = nextBP
	}
	return frames, ErrMaxFrames
}

// readFrame reads the saved return address and saved caller bp from the
// frame whose base pointer is bp: [bp] is the caller's bp, [bp+8] is the
// return address, per the standard x86-64 frame-pointer layout.
func readFrame(bp uint64, slices []perfevent.StackSlice) (retAddr, callerBP uint64, ok bool) {
	savedBP, ok1 := readU64(bp, slices)
	ret, ok2 := readU64(bp+8, slices)
	if !ok1 || !ok2 {
		return 0, 0, false
	}
	return ret, savedBP, true
}

func readU64(addr uint64, slices []perfevent.StackSlice) (uint64, bool) {
	for _, s := range slices {
		if s.Contains(addr) && s.Contains(addr+7) {
			off := addr - s.Start
			return uint64(s.Data[off]) | uint64(s.Data[off+1])<<8 | uint64(s.Data[off+2])<<16 | uint64(s.Data[off+3])<<24 |
				uint64(s.Data[off+4])<<32 | uint64(s.Data[off+5])<<40 | uint64(s.Data[off+6])<<48 | uint64(s.Data[off+7])<<56, true
		}
	}
	return 0, false
}

var sharedUnwinder = New()
