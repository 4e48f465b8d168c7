// Copyright (C) 1994-2001 Lua.org, PUC-Rio.
// Copyright 2024 The zb Authors
// Copyright 2026 The Quill Authors
// SPDX-License-Identifier: MIT

package quillcode

// This file is the emitter contract §6 of the specification names as an
// external collaborator: it is implemented here, next to funcState,
// because this module has no separate bytecode-encoder package. The
// lparser.c original this repo is grounded on calls into lcode.c for
// exactly these operations (luaK_tostack, luaK_goiftrue, luaK_prefix,
// luaK_infix, luaK_posfix, luaK_storevar, ...), but lcode.c targets a
// register machine and was not part of the retrieved corpus, so the
// bodies below are this package's own synthesis for the stack machine
// §3 describes, built to satisfy exactly the call sites lparser.c shows
// and the contracts listed in the specification's §6.

// tostack materializes e onto the top of the virtual stack.
// nresults controls how an open call is finalized:
// 0 leaves it open (absorbing as many results as the callee yields,
// used for the last element of an expression list), any other value
// fixes it to exactly that many results.
func (fs *funcState) tostack(e expDesc, nresults int) (expDesc, error) {
	switch e.kind {
	case expLocal:
		fs.emit(UInstruction(OpPushLocal, uint32(e.localSlot)))
		fs.deltaStack(1)
		return newExpDesc(fs.pc - 1), nil
	case expGlobal:
		fs.emit(UInstruction(OpGetGlobal, uint32(e.stringConst)))
		fs.deltaStack(1)
		return newExpDesc(fs.pc - 1), nil
	case expIndexed:
		fs.emit(NoneInstruction(OpGetIndexed))
		fs.deltaStack(-1)
		return newExpDesc(fs.pc - 1), nil
	case expExp:
		if e.hasJumps() {
			return fs.closeBoolean(e)
		}
		if e.open {
			if nresults == 0 {
				// Leave the call open: its result
				// count is decided later by whoever consumes the
				// list it heads (the next tostack call with a
				// nonzero nresults, or a CALL/RETURN that accepts an
				// open tail directly).
				return e, nil
			}
			fs.setCallReturns(nresults)
			fs.deltaStack(nresults)
			e.open = false
		}
		return e, nil
	default: // expVoid
		return e, nil
	}
}

// closeBoolean materializes an expression carrying pending true/false
// patch lists (built by goIfTrue/goIfFalse while parsing "and"/"or"
// chains) into a single pushed value: the false-chain lands on a
// PUSHFALSE, the true-chain lands on a PUSHTRUE, and the fallthrough
// (e's own value, already pushed) skips past both, so all three paths
// converge with exactly one value on the stack.
func (fs *funcState) closeBoolean(e expDesc) (expDesc, error) {
	skipToEnd := fs.jump()
	fs.deltaStack(-1) // the pushes below are reached only when e's value was not pushed
	falseLabel := fs.getLabel()
	fs.emit(NoneInstruction(OpPushFalse))
	fs.deltaStack(1)
	end := fs.jump()
	trueLabel := fs.getLabel()
	fs.emit(NoneInstruction(OpPushTrue))
	fs.patchList(e.f, falseLabel)
	fs.patchList(e.t, trueLabel)
	fs.patchToHere(fs.concat(skipToEnd, end))
	e.t, e.f = noJump, noJump
	return newExpDesc(fs.pc - 1), nil
}

// goIfTrue finalizes e as the left side of an "and": it materializes e's
// underlying value, emits a test that jumps (appending to the returned
// false-chain) when that value is false, and patches any pending
// true-chain to fall through to here, since reaching this point means
// every earlier disjunct in the chain already tested true.
func (fs *funcState) goIfTrue(e expDesc) (expDesc, error) {
	savedT, savedF := e.t, e.f
	e.t, e.f = noJump, noJump
	e, err := fs.tostack(e, 1)
	if err != nil {
		return e, err
	}
	fs.patchToHere(savedT)
	pc := fs.emit(JInstruction(OpTestJmp, noJump))
	fs.deltaStack(-1)
	e.f = fs.concat(savedF, pc)
	e.t = noJump
	return e, nil
}

// goIfFalse is goIfTrue's mirror image for "or": the returned true-chain
// collects jumps taken when the value is true.
func (fs *funcState) goIfFalse(e expDesc) (expDesc, error) {
	savedT, savedF := e.t, e.f
	e.t, e.f = noJump, noJump
	e, err := fs.tostack(e, 1)
	if err != nil {
		return e, err
	}
	fs.patchToHere(savedF)
	skip := fs.emit(JInstruction(OpTestJmp, noJump)) // jumps past the JMP below only when false
	fs.deltaStack(-1)
	pc := fs.jump() // unconditional: only reached when the value was true
	fs.patchToHere(skip)
	e.t = fs.concat(savedT, pc)
	e.f = noJump
	return e, nil
}

// prefix applies a unary operator already consumed from the token
// stream to e.
func (fs *funcState) prefix(op unaryOperator, e expDesc) (expDesc, error) {
	switch op {
	case opNot:
		return fs.codeNot(e)
	case opUnm:
		e, err := fs.tostack(e, 1)
		if err != nil {
			return e, err
		}
		fs.emit(NoneInstruction(OpUnm))
		return newExpDesc(fs.pc - 1), nil
	default:
		panic("unhandled unary operator")
	}
}

// codeNot implements logical negation. If e already carries pending
// true/false chains, negation is free: swap the chains instead of
// emitting an instruction.
func (fs *funcState) codeNot(e expDesc) (expDesc, error) {
	if e.hasJumps() {
		e.t, e.f = e.f, e.t
		return e, nil
	}
	e, err := fs.tostack(e, 1)
	if err != nil {
		return e, err
	}
	fs.emit(NoneInstruction(OpNot))
	return newExpDesc(fs.pc - 1), nil
}

// infix prepares the left operand of a binary operator just recognized,
// before the right operand is parsed: "and"/"or" begin their
// short-circuit test here, everything else just needs a concrete value
// on the stack.
func (fs *funcState) infix(op binaryOperator, e expDesc) (expDesc, error) {
	switch op {
	case opAnd:
		return fs.goIfTrue(e)
	case opOr:
		return fs.goIfFalse(e)
	default:
		return fs.tostack(e, 1)
	}
}

// posfix finishes a binary operator once both operands are available.
func (fs *funcState) posfix(op binaryOperator, e1, e2 expDesc) (expDesc, error) {
	if (op == opAnd || op == opOr) && !e2.hasJumps() {
		// Push the right operand first so the merged chains ride on an
		// expExp, the only kind whose t/f lists are carried forward.
		var err error
		if e2, err = fs.tostack(e2, 1); err != nil {
			return e2, err
		}
	}
	switch op {
	case opAnd:
		e2.f = fs.concat(e2.f, e1.f)
		return e2, nil
	case opOr:
		e2.t = fs.concat(e2.t, e1.t)
		return e2, nil
	case opConcat:
		e2, err := fs.tostack(e2, 1)
		if err != nil {
			return e2, err
		}
		return fs.codeConcat(), nil
	case opEq, opNe, opLt, opLe, opGt, opGe:
		e2, err := fs.tostack(e2, 1)
		if err != nil {
			return e2, err
		}
		return fs.codeCompare(compareOps[op]), nil
	default:
		e2, err := fs.tostack(e2, 1)
		if err != nil {
			return e2, err
		}
		return fs.codeArith(arithOps[op]), nil
	}
}

var arithOps = map[binaryOperator]OpCode{
	opAdd: OpAdd,
	opSub: OpSub,
	opMul: OpMul,
	opDiv: OpDiv,
	opPow: OpPow,
}

var compareOps = map[binaryOperator]OpCode{
	opEq: OpJmpEq,
	opNe: OpJmpNe,
	opLt: OpJmpLt,
	opLe: OpJmpLe,
	opGt: OpJmpGt,
	opGe: OpJmpGe,
}

// codeArith assumes both operands are already pushed: pop 2, push 1.
func (fs *funcState) codeArith(op OpCode) expDesc {
	pc := fs.emit(NoneInstruction(op))
	fs.deltaStack(-1)
	return newExpDesc(pc)
}

// codeConcat fuses adjacent concatenations into a single CONCAT whose
// operand counts the fused operands, instead of emitting one CONCAT per
// ".." in a chain — the one peephole fusion the specification calls for.
func (fs *funcState) codeConcat() expDesc {
	last := fs.pc - 1
	if last >= 0 && last >= fs.lastTarget && fs.proto.Code[last].OpCode() == OpConcat {
		i := fs.proto.Code[last]
		fs.proto.Code[last] = i.WithArgU(i.ArgU() + 1)
		fs.deltaStack(-1)
		return newExpDesc(last)
	}
	pc := fs.emit(UInstruction(OpConcat, 2))
	fs.deltaStack(-1)
	return newExpDesc(pc)
}

// codeCompare assumes both operands are already pushed. Comparisons are
// materialized to a concrete boolean immediately rather than kept as a
// pending test chain: threading comparison results through the t/f
// patch lists the way "and"/"or" do would let a comparison used
// directly as an if/while condition skip the push entirely, but that is
// exactly the kind of optimization beyond peephole fusion the
// specification's Non-goals exclude.
func (fs *funcState) codeCompare(op OpCode) expDesc {
	jumpIfTrue := fs.emit(JInstruction(op, noJump))
	fs.deltaStack(-1) // two operands popped, one boolean pushed net
	fs.emit(NoneInstruction(OpPushFalse))
	skip := fs.jump()
	fs.patchToHere(jumpIfTrue)
	fs.emit(NoneInstruction(OpPushTrue))
	fs.patchToHere(skip)
	return newExpDesc(fs.pc - 1)
}

// storeVar emits the store half of an assignment for a single target
// with nothing else pending above its table/key pair: the target of a
// function statement (`function t.f() end`), or a local or global
// target of an assignment. For an INDEXED target it also pops the
// table/key pair. Indexed targets of an assignment statement instead go
// through codeSetTable directly with the accumulated "under" depth; see
// assignment in parser.go.
func (fs *funcState) storeVar(target expDesc) {
	switch target.kind {
	case expLocal:
		fs.emit(UInstruction(OpSetLocal, uint32(target.localSlot)))
		fs.deltaStack(-1)
	case expGlobal:
		fs.emit(UInstruction(OpSetGlobal, uint32(target.stringConst)))
		fs.deltaStack(-1)
	case expIndexed:
		fs.codeSetTable(0)
		fs.adjustStack(-2)
	default:
		panic("storeVar on non-scalar lvalue")
	}
}

// codeSetTable emits the store for an INDEXED assignment target whose
// table/key pair sits under other pending indexed targets' pairs and
// already-stored-but-not-yet-popped residue; under counts how many
// stack slots separate the value (on top) from this target's table/key
// pair. Ported from upstream's restassign, which threads the same
// "left" accumulator through the recursive assignment parse.
func (fs *funcState) codeSetTable(under int) {
	fs.emit(UInstruction(OpSetTable, uint32(under)))
	fs.deltaStack(-1)
}

// pushString pushes a string literal onto the stack.
func (fs *funcState) pushString(s string) (expDesc, error) {
	idx, err := fs.stringConstant(s)
	if err != nil {
		return expDesc{}, err
	}
	fs.emit(UInstruction(OpPushStr, uint32(idx)))
	fs.deltaStack(1)
	return newExpDesc(fs.pc - 1), nil
}

// pushNumber pushes a numeric literal, preferring an immediate PUSHINT
// over the numeric constant pool when the value fits.
func (fs *funcState) pushNumber(isInt bool, i int64, f float64) (expDesc, error) {
	if isInt && fitsImmediateInt(i) {
		fs.emit(SInstruction(OpPushInt, int32(i)))
		fs.deltaStack(1)
		return newExpDesc(fs.pc - 1), nil
	}
	var v Value
	if isInt {
		v = IntValue(i)
	} else {
		v = FloatValue(f)
	}
	idx, err := fs.numberConstant(v)
	if err != nil {
		return expDesc{}, err
	}
	fs.emit(UInstruction(OpPushNum, uint32(idx)))
	fs.deltaStack(1)
	return newExpDesc(fs.pc - 1), nil
}

// lastIsOpen reports whether the most recently emitted instruction is a
// CALL still open to yield any number of results.
func (fs *funcState) lastIsOpen() bool {
	if fs.pc == 0 {
		return false
	}
	i := fs.proto.Code[fs.pc-1]
	return i.OpCode().IsCall() && i.ArgB() == maxArgB
}

// setCallReturns fixes the most recently emitted open CALL to yield
// exactly n results.
func (fs *funcState) setCallReturns(n int) {
	i := fs.proto.Code[fs.pc-1]
	fs.proto.Code[fs.pc-1] = i.WithArgB(uint16(n))
}

// fixFor patches a FORPREP/LFORPREP instruction at pc to jump straight
// to target (the matching FORLOOP/LFORLOOP) when the loop range is
// empty, skipping the body entirely.
func (fs *funcState) fixFor(pc, target int) {
	fs.proto.Code[pc] = fs.proto.Code[pc].WithArgB(uint16(target))
}

// adjustMultiAssign reconciles a local declaration or multiple
// assignment's variable count against its expression-list count,
// pushing nils for any shortfall or popping any excess. When the last
// expression evaluated was left as an open call, that call itself
// absorbs as much of the shortfall or excess as possible by having
// its result count fixed directly, rather than being finalized to one
// result and then padded or trimmed separately.
func (fs *funcState) adjustMultiAssign(nvars, nexps int) {
	diff := nexps - nvars
	if nexps > 0 && fs.lastIsOpen() {
		diff--
		if diff <= 0 {
			fs.setCallReturns(-diff)
			fs.deltaStack(-diff)
			diff = 0
		} else {
			fs.setCallReturns(0)
		}
	}
	fs.adjustStack(-diff)
}

// codeParams finalizes a function's parameter list: activates the
// nparams locals parList just registered (plus "self", if already
// registered and active), records them on the prototype, and — when
// vararg — registers and activates the hidden "arg" local that holds
// any extra arguments. Ported from upstream's code_params.
func (fs *funcState) codeParams(nparams int, vararg bool) error {
	fs.activateLocals(nparams)
	if err := fs.checkLimit(fs.numActive, maxParams, "parameters"); err != nil {
		return err
	}
	fs.proto.NumParams = uint8(fs.numActive)
	fs.proto.IsVararg = vararg
	if vararg {
		if err := fs.registerLocal("arg"); err != nil {
			return err
		}
		fs.activateLocals(1)
	}
	fs.deltaStack(fs.numActive)
	return nil
}
