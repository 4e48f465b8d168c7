// Copyright (C) 1994-2001 Lua.org, PUC-Rio.
// Copyright 2024 The zb Authors
// Copyright 2026 The Quill Authors
// SPDX-License-Identifier: MIT

package quillcode

// expKind tags an [expDesc]'s variant. This is the full enumeration
// the codegen driver distinguishes: a local slot, a named global, an
// already-pushed table/key pair, or a computed expression whose value
// (or whose truth/falsity jump chain) sits on top of the virtual
// stack.
type expKind int

const (
	// expVoid marks the last element of an otherwise-empty expression list.
	expVoid expKind = iota
	// expLocal is a reference to the local at stack slot localSlot.
	expLocal
	// expGlobal is a reference to the named global whose name is the
	// stringConst'th entry of the enclosing function's string pool.
	expGlobal
	// expIndexed is a table[key] reference whose table and key are
	// already sitting on top of the virtual stack, table underneath key.
	expIndexed
	// expExp is a computed expression: its value (or its test jump
	// chains, see t/f below) already reflects the current emission point.
	expExp
)

// expDesc describes the location of the result of a parsed expression.
// It is a tagged union, not a class hierarchy: callers must switch on
// kind before reading kind-specific fields.
type expDesc struct {
	kind expKind

	// localSlot is valid when kind == expLocal:
	// the stack slot of the referenced local in the current function.
	localSlot int
	// stringConst is valid when kind == expGlobal:
	// the index of the global's name in the string constant pool.
	stringConst int

	// t is the patch list of jumps taken when the expression is true.
	// f is the patch list of jumps taken when the expression is false.
	// Both are only meaningful when kind == expExp; they are chains of
	// as-yet-unpatched jump instructions threaded through their own
	// operand fields (see funcState.concat), headed by pc
	// indices or the noJump sentinel.
	t, f int

	// open reports whether the expression is an open call: one whose
	// instruction can be told at emission time to
	// yield a specific number of results (see funcState.setCallReturns).
	open bool
	// pc is the index in the function's Code of the instruction that
	// produced this expression, valid when kind == expExp.
	pc int
}

func newLocalExpDesc(slot int) expDesc {
	return expDesc{kind: expLocal, localSlot: slot, t: noJump, f: noJump}
}

func newGlobalExpDesc(stringConst int) expDesc {
	return expDesc{kind: expGlobal, stringConst: stringConst, t: noJump, f: noJump}
}

func newIndexedExpDesc() expDesc {
	return expDesc{kind: expIndexed, t: noJump, f: noJump}
}

func newExpDesc(pc int) expDesc {
	return expDesc{kind: expExp, pc: pc, t: noJump, f: noJump}
}

// newOpenExpDesc wraps the CALL instruction at pc as an open,
// multi-result expression: its eventual result count is decided by
// whoever consumes it (see funcState.tostack).
func newOpenExpDesc(pc int) expDesc {
	return expDesc{kind: expExp, pc: pc, open: true, t: noJump, f: noJump}
}

// hasJumps reports whether e carries any pending test/false jumps.
func (e expDesc) hasJumps() bool {
	return e.t != noJump || e.f != noJump
}
