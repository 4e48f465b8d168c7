// Copyright (C) 1994-2001 Lua.org, PUC-Rio.
// Copyright 2024 The zb Authors
// Copyright 2026 The Quill Authors
// SPDX-License-Identifier: MIT

package quillcode

import "fmt"

// Resource limits. These mirror the checklimit call sites in the
// original parser/codegen (locals, parameters, upvalues, constants,
// multiple-assignment targets, constructor elements) rather than a
// single generic ceiling, so diagnostics can name the specific limit
// that was hit.
const (
	maxLocals       = 200
	maxParams       = 100
	maxUpvalues     = 32
	maxLHSVariables = 100
	maxConstants    = maxArgU
	maxTableFields  = maxArgU
)

// noJump is the sentinel patch-list / jump-target value meaning
// "no pending jump" (equivalently, "end of chain").
const noJump = -1

// rfieldsPerFlush and lfieldsPerFlush bound how many table-constructor
// fields accumulate on the virtual stack before the emitter flushes
// them into the table with SETMAP/SETLIST, keeping maxStack bounded
// for constructors with many fields.
const (
	rfieldsPerFlush = 32
	lfieldsPerFlush = 32
)

// funcState is the per-function compilation context: the prototype
// under construction, symbolic stack-depth tracking, active-local and
// upvalue bookkeeping, and the jump/break machinery the grammar driver
// mutates while recognizing one function body.
type funcState struct {
	proto *Prototype
	prev  *funcState

	pc         int
	lastTarget int

	stackLevel int
	maxStack   int

	// locals[:numActive] are currently visible to name resolution;
	// locals[numActive:] have been registered (occupy a Prototype
	// LocalVariables slot and a stack slot) but are not yet active,
	// which is how `local x = x` resolves its RHS to the outer x.
	locals    []int // indices into proto.LocalVariables, in stack-slot order
	numActive int

	upvalues []UpvalueDescriptor

	bl *breakLabel

	source string
	line   int

	stringIndex map[string]int
	numberIndex map[Value]int
}

// breakLabel is a loop's break-jump patch list plus the stack depth to
// restore on exit, threaded as a single active pointer (not a chain of
// scopes): only loop bodies install one, so break always targets the
// nearest enclosing loop, exactly as spec.md §4.4 describes.
type breakLabel struct {
	previous   *breakLabel
	breakList  int
	stackLevel int
}

func newFuncState(prev *funcState, proto *Prototype, source string) *funcState {
	return &funcState{
		proto:       proto,
		prev:        prev,
		source:      source,
		stringIndex: make(map[string]int),
		numberIndex: make(map[Value]int),
	}
}

func (fs *funcState) errorf(format string, args ...any) error {
	return &SyntaxError{Source: fs.source, Line: fs.line, Message: fmt.Sprintf(format, args...)}
}

// checkLimit enforces one of the resource limits above, reproducing
// the original parser's per-limit wording (see SPEC_FULL.md §5).
func (fs *funcState) checkLimit(n, limit int, what string) error {
	if n > limit {
		return fs.errorf("too many %s (limit is %d)", what, limit)
	}
	return nil
}

// ---- code buffer -----------------------------------------------------

// emit appends an instruction at the current line, returning its pc.
func (fs *funcState) emit(i Instruction) int {
	fs.proto.Code = append(fs.proto.Code, i)
	fs.proto.LineInfo = append(fs.proto.LineInfo, int32(fs.line))
	pc := fs.pc
	fs.pc++
	return pc
}

func (fs *funcState) removeLastInstruction() {
	fs.proto.Code = fs.proto.Code[:len(fs.proto.Code)-1]
	fs.proto.LineInfo = fs.proto.LineInfo[:len(fs.proto.LineInfo)-1]
	fs.pc--
}

// ---- virtual stack depth ----------------------------------------------

// deltaStack adjusts the symbolic stack depth by n (n may be negative)
// without emitting any instruction: used whenever an instruction's own
// effect on the stack is accounted for by its emitter.
func (fs *funcState) deltaStack(n int) {
	fs.stackLevel += n
	if fs.stackLevel > fs.maxStack {
		fs.maxStack = fs.stackLevel
	}
}

// adjustStack emits a POP (n<0) or PUSHNILN (n>0) to physically bring
// the runtime stack in line with a symbolic adjustment of n; n == 0
// is a no-op.
func (fs *funcState) adjustStack(n int) {
	switch {
	case n > 0:
		fs.emit(UInstruction(OpPushNilN, uint32(n)))
		fs.deltaStack(n)
	case n < 0:
		fs.emit(UInstruction(OpPop, uint32(-n)))
		fs.deltaStack(n)
	}
}

// ---- constant pools ----------------------------------------------------

// stringConstant interns s in the prototype's string pool, returning
// its index. Lookup is O(1) via fs.stringIndex: a direct, idiomatic
// substitute for the original's "memoization hint on the interned
// string" trick, which relied on strings being heap objects the
// lexer could tag.
func (fs *funcState) stringConstant(s string) (int, error) {
	if i, ok := fs.stringIndex[s]; ok {
		return i, nil
	}
	if err := fs.checkLimit(len(fs.proto.Strings)+1, maxConstants, "constants"); err != nil {
		return 0, err
	}
	i := len(fs.proto.Strings)
	fs.proto.Strings = append(fs.proto.Strings, s)
	fs.stringIndex[s] = i
	return i, nil
}

// numberConstant interns v (an int or float [Value]) in the numeric pool.
func (fs *funcState) numberConstant(v Value) (int, error) {
	if i, ok := fs.numberIndex[v]; ok {
		return i, nil
	}
	if err := fs.checkLimit(len(fs.proto.Numbers)+1, maxConstants, "constants"); err != nil {
		return 0, err
	}
	i := len(fs.proto.Numbers)
	fs.proto.Numbers = append(fs.proto.Numbers, v)
	fs.numberIndex[v] = i
	return i, nil
}

// ---- locals -------------------------------------------------------------

// registerLocal reserves a Prototype.LocalVariables slot for name and
// appends it to fs.locals, but does not yet make it active: the
// caller must call activateLocals once any initializing expression
// has been fully evaluated, so the initializer cannot see the new name.
func (fs *funcState) registerLocal(name string) error {
	if err := fs.checkLimit(len(fs.locals)+1, maxLocals, "local variables"); err != nil {
		return err
	}
	idx := len(fs.proto.LocalVariables)
	fs.proto.LocalVariables = append(fs.proto.LocalVariables, LocalVariable{Name: name})
	fs.locals = append(fs.locals, idx)
	return nil
}

// activateLocals makes the n most recently registered-but-inactive
// locals visible to name resolution, stamping their StartPC.
func (fs *funcState) activateLocals(n int) {
	for i := 0; i < n; i++ {
		fs.proto.LocalVariables[fs.locals[fs.numActive]].StartPC = fs.pc
		fs.numActive++
	}
}

// removeLocals pops locals back down to toLevel active locals,
// stamping each removed one's EndPC.
func (fs *funcState) removeLocals(toLevel int) {
	for fs.numActive > toLevel {
		fs.numActive--
		fs.proto.LocalVariables[fs.locals[fs.numActive]].EndPC = fs.pc
	}
	fs.locals = fs.locals[:fs.numActive]
}

// searchLocal scans this function's active locals, innermost first,
// for name, returning its stack slot.
func (fs *funcState) searchLocal(name string) (slot int, found bool) {
	for i := fs.numActive - 1; i >= 0; i-- {
		if fs.proto.LocalVariables[fs.locals[i]].Name == name {
			return i, true
		}
	}
	return 0, false
}

// ---- upvalues -----------------------------------------------------------

// indexUpvalue returns the index of an upvalue descriptor matching
// (kind, index) exactly, reusing an existing entry if one matches.
func (fs *funcState) indexUpvalue(name string, kind UpvalueKind, index int) (int, error) {
	for i, uv := range fs.upvalues {
		if uv.Kind == kind && uv.Index == index {
			return i, nil
		}
	}
	if err := fs.checkLimit(len(fs.upvalues)+1, maxUpvalues, "upvalues"); err != nil {
		return 0, err
	}
	fs.upvalues = append(fs.upvalues, UpvalueDescriptor{Name: name, Kind: kind, Index: index})
	fs.proto.Upvalues = fs.upvalues
	return len(fs.upvalues) - 1, nil
}

// ---- jumps and patch lists ----------------------------------------------
//
// Patch lists are intrusive linked lists threaded through the operand
// field of already-emitted jump instructions: the operand holds the
// relative offset (from the instruction after the jump) to the next
// unresolved jump in the chain, or noJump to terminate it. This is reused near-verbatim from the teacher's adaptation of
// upstream Lua's getjump/fixjump/patchlistaux/luaK_concat, per
// DESIGN.md's funcState entry.

// getLabel returns the pc of the next instruction to be emitted,
// recording it as the last jump target seen (see fs.lastTarget).
func (fs *funcState) getLabel() int {
	fs.lastTarget = fs.pc
	return fs.pc
}

// jump emits an unconditional jump with an unresolved destination and
// returns its pc so it can be threaded into a patch list.
func (fs *funcState) jump() int {
	return fs.emit(JInstruction(OpJmp, noJump))
}

func (fs *funcState) jumpDestination(pc int) (int, bool) {
	delta := fs.proto.Code[pc].ArgJ()
	if delta == noJump {
		return noJump, false
	}
	return pc + 1 + int(delta), true
}

func (fs *funcState) fixJump(pc, dest int) error {
	delta := dest - (pc + 1)
	fs.proto.Code[pc] = fs.proto.Code[pc].WithArgJ(int32(delta))
	return nil
}

// concat appends jump chain l2 onto the end of jump chain l1 and
// returns the combined chain's head (l1, unless l1 is empty).
func (fs *funcState) concat(l1, l2 int) int {
	switch {
	case l2 == noJump:
		return l1
	case l1 == noJump:
		return l2
	default:
		list := l1
		for {
			next, ok := fs.jumpDestination(list)
			if !ok {
				break
			}
			list = next
		}
		fs.fixJump(list, l2)
		return l1
	}
}

// patchList patches every jump in list to target.
func (fs *funcState) patchList(list, target int) {
	for list != noJump {
		next, ok := fs.jumpDestination(list)
		fs.fixJump(list, target)
		if !ok {
			break
		}
		list = next
	}
}

// patchToHere patches every jump in list to the next instruction to be emitted.
func (fs *funcState) patchToHere(list int) {
	fs.patchList(list, fs.getLabel())
}
