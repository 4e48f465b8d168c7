// Copyright (C) 1994-2001 Lua.org, PUC-Rio.
// Copyright 2024 The zb Authors
// Copyright 2026 The Quill Authors
// SPDX-License-Identifier: MIT

package quillcode

// Prototype is the compiled form of a single function: its code,
// constant pools, nested prototypes, and debug metadata. The outermost
// Prototype returned by [Parse] represents the source file's main
// chunk: it takes no parameters, is not vararg, and captures no
// upvalues.
type Prototype struct {
	// Source is the name of the source the prototype was compiled from,
	// used only for diagnostics.
	Source string
	// LineDefined is the source line of the "function" keyword
	// (or 0 for the main chunk).
	LineDefined int
	// LastLineDefined is the source line of the closing "end".
	LastLineDefined int

	NumParams    uint8
	IsVararg     bool
	MaxStackSize int
	mainChunk    bool

	// Code is the sequence of instructions that make up the function body.
	Code []Instruction
	// LineInfo is parallel to Code: LineInfo[pc] is the source line
	// that emitted Code[pc].
	LineInfo []int32

	// Strings is the function's string constant pool,
	// referenced by PUSHSTR/PUSHSELF/GETGLOBAL/SETGLOBAL operands
	// and by upvalue descriptors that capture a global.
	Strings []string
	// Numbers is the function's numeric constant pool for numbers that
	// do not fit in a PUSHINT immediate, referenced by PUSHNUM operands.
	Numbers []Value

	// Functions holds the prototypes of every function literal defined
	// directly inside this one.
	Functions []*Prototype

	// LocalVariables records every local's name and the program-counter
	// range over which it was active, including the compiler-introduced
	// hidden locals of numeric and generic for loops.
	LocalVariables []LocalVariable
	// Upvalues records, in capture order, where each of this function's
	// upvalues came from in its immediately enclosing function.
	Upvalues []UpvalueDescriptor
}

// IsMainChunk reports whether p is the outermost prototype
// returned directly by [Parse].
func (p *Prototype) IsMainChunk() bool {
	return p.mainChunk
}

// LocalVariable records a local's name and the half-open program
// counter range, in instruction units, over which it is in scope.
type LocalVariable struct {
	Name    string
	StartPC int
	EndPC   int
}

// UpvalueKind classifies where an upvalue capture reads from
// in the immediately enclosing function.
type UpvalueKind int

const (
	// UpvalueFromLocal indicates the upvalue captures a local variable
	// of the immediately enclosing function.
	UpvalueFromLocal UpvalueKind = iota
	// UpvalueFromGlobal indicates the upvalue captures a reference
	// to a global as seen from the immediately enclosing function.
	UpvalueFromGlobal
)

// UpvalueDescriptor records a single captured value.
type UpvalueDescriptor struct {
	Name string
	Kind UpvalueKind
	// Index is a local slot index when Kind is [UpvalueFromLocal],
	// or a string-constant index (into the enclosing function's
	// Strings pool) when Kind is [UpvalueFromGlobal].
	Index int
}

// maxImmediateInt is the largest magnitude integer literal
// that fits directly in a PUSHINT instruction's operand field.
const maxImmediateInt = 1<<(sizeU-1) - 1

// fitsImmediateInt reports whether i can be encoded directly
// as a PUSHINT operand rather than promoted to the numeric constant pool.
func fitsImmediateInt(i int64) bool {
	return -maxImmediateInt-1 <= i && i <= maxImmediateInt
}
