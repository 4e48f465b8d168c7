// Copyright (C) 1994-2001 Lua.org, PUC-Rio.
// Copyright 2024 The zb Authors
// Copyright 2026 The Quill Authors
// SPDX-License-Identifier: MIT

package quillcode

import "fmt"

// Instruction is a single virtual machine instruction: a fixed-width
// 32-bit word holding an [OpCode] and up to two operand fields,
// as described by the bytecode encoder contract this package targets.
type Instruction uint32

const sizeOp = 8

// OpCode returns the instruction's operation.
func (i Instruction) OpCode() OpCode {
	return OpCode(i & (1<<sizeOp - 1))
}

// U-form layout: one 24-bit operand occupying the upper bits.
const (
	sizeU   = 32 - sizeOp
	posU    = sizeOp
	maxArgU = 1<<sizeU - 1

	// offsetJ biases a signed jump delta into the unsigned U field,
	// the same trick upstream Lua's J-mode instructions use for Bx.
	offsetJ = 1 << (sizeU - 1)
)

// AB-form layout: two 12-bit operands.
const (
	sizeA   = 12
	sizeB   = 32 - sizeOp - sizeA
	posA    = sizeOp
	posB    = posA + sizeA
	maxArgA = 1<<sizeA - 1
	maxArgB = 1<<sizeB - 1
)

// NoneInstruction returns a new [Instruction] for an [OpCode]
// that takes no operands.
func NoneInstruction(op OpCode) Instruction {
	if op.Mode() != OpModeNone {
		panic("NoneInstruction with operand-taking OpCode")
	}
	return Instruction(op)
}

// UInstruction returns a new [Instruction] with a single unsigned operand.
// UInstruction panics if op is not an [OpModeU] opcode
// or if u does not fit in the operand field.
func UInstruction(op OpCode, u uint32) Instruction {
	if op.Mode() != OpModeU {
		panic("UInstruction with non-U OpCode")
	}
	if u > maxArgU {
		panic("U argument out of range")
	}
	return Instruction(op) | Instruction(u)<<posU
}

// SInstruction returns a new [Instruction] with a single signed
// operand, biased into the unsigned U field. JInstruction (jump
// deltas) and PUSHINT's immediate both use this encoding.
// SInstruction panics if op is not an [OpModeU] opcode
// or if i does not fit in the operand field.
func SInstruction(op OpCode, i int32) Instruction {
	if op.Mode() != OpModeU {
		panic("SInstruction with non-U OpCode")
	}
	biased := int64(i) + offsetJ
	if biased < 0 || biased > maxArgU {
		panic("signed argument out of range")
	}
	return Instruction(op) | Instruction(biased)<<posU
}

// JInstruction returns a new jump [Instruction]
// whose operand is a signed delta relative to the instruction
// immediately following it (pc+1+delta is the destination).
// JInstruction panics if op is not an [OpModeU] opcode
// or if delta does not fit in the operand field.
func JInstruction(op OpCode, delta int32) Instruction {
	return SInstruction(op, delta)
}

// ABInstruction returns a new [Instruction] with two unsigned operands.
// ABInstruction panics if op is not an [OpModeAB] opcode
// or if a or b do not fit in their operand fields.
func ABInstruction(op OpCode, a, b uint16) Instruction {
	if op.Mode() != OpModeAB {
		panic("ABInstruction with non-AB OpCode")
	}
	if a > maxArgA || b > maxArgB {
		panic("A or B argument out of range")
	}
	return Instruction(op) | Instruction(a)<<posA | Instruction(b)<<posB
}

// ArgU returns the unsigned operand of an [OpModeU] instruction.
func (i Instruction) ArgU() uint32 {
	return uint32(i>>posU) & maxArgU
}

// WithArgU returns a copy of i with its U operand replaced.
// WithArgU panics if i is not an [OpModeU] instruction.
func (i Instruction) WithArgU(u uint32) Instruction {
	if i.OpCode().Mode() != OpModeU {
		panic("WithArgU on non-U instruction")
	}
	if u > maxArgU {
		panic("U argument out of range")
	}
	const mask = Instruction(maxArgU) << posU
	return i&^mask | Instruction(u)<<posU
}

// ArgJ returns the signed jump delta of a jump instruction
// encoded by [JInstruction].
func (i Instruction) ArgJ() int32 {
	return int32(int64(i.ArgU()) - offsetJ)
}

// WithArgJ returns a copy of i with its jump delta replaced.
func (i Instruction) WithArgJ(delta int32) Instruction {
	biased := int64(delta) + offsetJ
	if biased < 0 || biased > maxArgU {
		panic("jump delta out of range")
	}
	return i.WithArgU(uint32(biased))
}

// ArgA returns the first operand of an [OpModeAB] instruction.
func (i Instruction) ArgA() uint16 {
	return uint16(i>>posA) & maxArgA
}

// ArgB returns the second operand of an [OpModeAB] instruction.
func (i Instruction) ArgB() uint16 {
	return uint16(i>>posB) & maxArgB
}

// WithArgB returns a copy of i with its B operand replaced.
// WithArgB panics if i is not an [OpModeAB] instruction.
func (i Instruction) WithArgB(b uint16) Instruction {
	if i.OpCode().Mode() != OpModeAB {
		panic("WithArgB on non-AB instruction")
	}
	if b > maxArgB {
		panic("B argument out of range")
	}
	const mask = Instruction(maxArgB) << posB
	return i&^mask | Instruction(b)<<posB
}

// String formats the instruction as "OPCODE operand" or "OPCODE a b".
func (i Instruction) String() string {
	op := i.OpCode()
	switch op.Mode() {
	case OpModeNone:
		return op.String()
	case OpModeU:
		if op.isJump() {
			return fmt.Sprintf("%s %+d", op, i.ArgJ())
		}
		return fmt.Sprintf("%s %d", op, i.ArgU())
	case OpModeAB:
		return fmt.Sprintf("%s %d %d", op, i.ArgA(), i.ArgB())
	default:
		return op.String()
	}
}

// OpCode is an enumeration of virtual machine operations.
type OpCode uint8

const (
	OpPushNil OpCode = iota
	OpPushTrue
	OpPushFalse
	OpPushInt     // U: signed integer constant
	OpPushNum     // U: index into number constant pool
	OpPushStr     // U: index into string constant pool
	OpPushLocal   // U: stack slot of a local
	OpPushUpvalue // U: index into upvalue list
	OpPushSelf    // U: string constant index of a method name
	OpGetGlobal   // U: string constant index
	OpGetIndexed  // pops table, key; pushes value
	OpSetLocal    // U: stack slot of a local
	OpSetGlobal   // U: string constant index
	OpSetTable    // U: number of values above the table/key pair to reach under
	OpCreateTable // U: element-count hint, patched once the constructor closes
	OpSetList     // A: batch index, B: stack slot of the table
	OpSetMap      // U: stack slot of the table
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpPow
	OpConcat // U: number of operands to fuse
	OpUnm
	OpNot
	// OpJmpEq..OpJmpGe pop two operands and jump to the jump target
	// (see [JInstruction]) if the comparison holds; otherwise they
	// fall through to the next instruction with nothing pushed. The
	// code generator follows each one immediately with a PUSHFALSE /
	// PUSHTRUE pair, so every comparison yields a pushed boolean (see
	// funcState.codeCompare).
	OpJmpEq
	OpJmpNe
	OpJmpLt
	OpJmpLe
	OpJmpGt
	OpJmpGe
	OpJmp     // U (jump): unconditional
	OpTestJmp // U (jump): pop test value, jump if false
	OpForPrep // A: base slot of hidden for-locals, B (jump): to matching OpForLoop
	OpForLoop // A: base slot of hidden for-locals, B (jump): back to loop body
	OpLForPrep
	OpLForLoop
	OpClosure // A: nested prototype index, B: number of upvalues to capture
	OpCall    // A: argument count (maxArgA = open/multiret), B: result count (maxArgB = keep all)
	OpReturn  // U: number of active locals at the return point
	OpPop     // U: number of stack slots to discard
	OpPushNilN
)

// OpMode describes which operand layout an [OpCode] uses.
type OpMode int

const (
	OpModeNone OpMode = iota
	OpModeU
	OpModeAB
)

var opModes = map[OpCode]OpMode{
	OpPushNil:     OpModeNone,
	OpPushTrue:    OpModeNone,
	OpPushFalse:   OpModeNone,
	OpPushInt:     OpModeU,
	OpPushNum:     OpModeU,
	OpPushStr:     OpModeU,
	OpPushLocal:   OpModeU,
	OpPushUpvalue: OpModeU,
	OpPushSelf:    OpModeU,
	OpGetGlobal:   OpModeU,
	OpGetIndexed:  OpModeNone,
	OpSetLocal:    OpModeU,
	OpSetGlobal:   OpModeU,
	OpSetTable:    OpModeU,
	OpCreateTable: OpModeU,
	OpSetList:     OpModeAB,
	OpSetMap:      OpModeU,
	OpAdd:         OpModeNone,
	OpSub:         OpModeNone,
	OpMul:         OpModeNone,
	OpDiv:         OpModeNone,
	OpPow:         OpModeNone,
	OpConcat:      OpModeU,
	OpUnm:         OpModeNone,
	OpNot:         OpModeNone,
	OpJmpEq:       OpModeU,
	OpJmpNe:       OpModeU,
	OpJmpLt:       OpModeU,
	OpJmpLe:       OpModeU,
	OpJmpGt:       OpModeU,
	OpJmpGe:       OpModeU,
	OpJmp:         OpModeU,
	OpTestJmp:     OpModeU,
	OpForPrep:     OpModeAB,
	OpForLoop:     OpModeAB,
	OpLForPrep:    OpModeAB,
	OpLForLoop:    OpModeAB,
	OpClosure:     OpModeAB,
	OpCall:        OpModeAB,
	OpReturn:      OpModeU,
	OpPop:         OpModeU,
	OpPushNilN:    OpModeU,
}

var jumpOps = map[OpCode]bool{
	OpJmpEq:   true,
	OpJmpNe:   true,
	OpJmpLt:   true,
	OpJmpLe:   true,
	OpJmpGt:   true,
	OpJmpGe:   true,
	OpJmp:     true,
	OpTestJmp: true,
}

// Mode reports op's operand layout.
func (op OpCode) Mode() OpMode {
	return opModes[op]
}

func (op OpCode) isJump() bool {
	return jumpOps[op]
}

// IsCall reports whether op is [OpCall].
func (op OpCode) IsCall() bool {
	return op == OpCall
}

var opCodeNames = [...]string{
	OpPushNil: "PUSHNIL", OpPushTrue: "PUSHTRUE", OpPushFalse: "PUSHFALSE",
	OpPushInt: "PUSHINT", OpPushNum: "PUSHNUM", OpPushStr: "PUSHSTR",
	OpPushLocal: "PUSHLOCAL", OpPushUpvalue: "PUSHUPVALUE", OpPushSelf: "PUSHSELF",
	OpGetGlobal: "GETGLOBAL", OpGetIndexed: "GETINDEXED", OpSetLocal: "SETLOCAL",
	OpSetGlobal: "SETGLOBAL", OpSetTable: "SETTABLE", OpCreateTable: "CREATETABLE",
	OpSetList: "SETLIST", OpSetMap: "SETMAP", OpAdd: "ADD", OpSub: "SUB",
	OpMul: "MUL", OpDiv: "DIV", OpPow: "POW", OpConcat: "CONCAT", OpUnm: "UNM",
	OpNot: "NOT", OpJmpEq: "JMPEQ", OpJmpNe: "JMPNE", OpJmpLt: "JMPLT",
	OpJmpLe: "JMPLE", OpJmpGt: "JMPGT", OpJmpGe: "JMPGE",
	OpJmp: "JMP", OpTestJmp: "TESTJMP", OpForPrep: "FORPREP", OpForLoop: "FORLOOP",
	OpLForPrep: "LFORPREP", OpLForLoop: "LFORLOOP", OpClosure: "CLOSURE",
	OpCall: "CALL", OpReturn: "RETURN", OpPop: "POP", OpPushNilN: "PUSHNILN",
}

// String returns the mnemonic for op, e.g. "PUSHSELF".
func (op OpCode) String() string {
	if int(op) < len(opCodeNames) && opCodeNames[op] != "" {
		return opCodeNames[op]
	}
	return fmt.Sprintf("OpCode(%d)", int(op))
}
