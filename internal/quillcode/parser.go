// Copyright (C) 1994-2001 Lua.org, PUC-Rio.
// Copyright 2026 The Quill Authors
// SPDX-License-Identifier: MIT

package quillcode

import (
	"fmt"
	"io"

	"quill.run/pkg/internal/quilllex"
)

// depthLimit bounds the recursion depth of syntax constructs, guarding
// against stack exhaustion on malicious or pathologically nested
// input, per spec.md §5's "may impose a configurable maximum".
//
// Equivalent to LUAI_MAXCCALLS in upstream Lua.
const depthLimit = 200

// Parse consumes source's characters to end of stream and returns the
// main chunk's compiled [Prototype]: 0 parameters, not vararg, 0
// upvalues. The final token read must be end-of-stream; anything else
// is a syntax error.
func Parse(source string, r io.ByteScanner) (*Prototype, error) {
	p := &parser{tc: newTokenCursor(source, quilllex.NewScanner(r))}
	if err := p.tc.advance(); err != nil {
		return nil, err
	}

	fs := p.openFunction(nil, source)
	fs.proto.mainChunk = true
	if err := p.chunk(fs); err != nil {
		return nil, err
	}
	if p.tc.curr.Kind != quilllex.EOSToken {
		return nil, p.tc.errorf("'<eof>' expected")
	}
	if err := p.closeFunction(fs); err != nil {
		return nil, err
	}
	return fs.proto, nil
}

// parser is the in-progress state of a single [Parse] call: the token
// cursor and a recursion-depth counter. Everything else the grammar
// driver mutates lives on the current [funcState], reached by
// explicit parameter passing rather than parser-level fields, so
// there is no global parser state beyond these two things, as
// DESIGN.md and spec.md §9 require.
type parser struct {
	tc    *tokenCursor
	depth int
}

func (p *parser) enterRecursion() error {
	p.depth++
	if p.depth > depthLimit {
		return p.tc.errorf("syntax construct too deeply nested")
	}
	return nil
}

func (p *parser) leaveRecursion() {
	p.depth--
}

// ---- token cursor helpers -------------------------------------------------

func (p *parser) advance() error {
	return p.tc.advance()
}

// check fails with "'X' expected" unless the current token is k, then advances.
func (p *parser) check(k quilllex.TokenKind) error {
	if p.tc.curr.Kind != k {
		return p.tc.errorf("'%s' expected", k)
	}
	return p.advance()
}

// optional advances and returns true if the current token is k.
func (p *parser) optional(k quilllex.TokenKind) (bool, error) {
	if p.tc.curr.Kind == k {
		return true, p.advance()
	}
	return false, nil
}

// checkMatch expects close, producing a diagnostic that names the
// unmatched opener's line when close and open were not on the same line.
func (p *parser) checkMatch(close, open quilllex.TokenKind, openLine int) error {
	if p.tc.curr.Kind != close {
		if openLine == p.tc.line() {
			return p.tc.errorf("'%s' expected", close)
		}
		return p.tc.errorf("'%s' expected (to close '%s' at line %d)", close, open, openLine)
	}
	return p.advance()
}

// checkName requires the current token to be a NAME, returning its
// text and advancing past it.
func (p *parser) checkName() (string, error) {
	if p.tc.curr.Kind != quilllex.IdentifierToken {
		return "", p.tc.errorf("<name> expected")
	}
	name := p.tc.curr.Value
	return name, p.advance()
}

// ---- function open/close --------------------------------------------------

func (p *parser) openFunction(prev *funcState, source string) *funcState {
	fs := newFuncState(prev, &Prototype{Source: source}, source)
	fs.line = p.tc.line()
	return fs
}

// closeFunction finalizes fs per spec.md §4.8 step 5 / §9's close_func:
// emits the final RETURN, pops every
// remaining active local (stamping EndPC), asserts the break-label
// chain is empty, and appends the line-info sentinel. Every jump is
// patched through its own patch list before this point; funcState
// keeps no separate pending-jump list for closeFunction to resolve.
func (p *parser) closeFunction(fs *funcState) error {
	fs.emit(UInstruction(OpReturn, uint32(fs.numActive)))
	fs.getLabel()
	fs.removeLocals(0)
	if fs.bl != nil {
		return fmt.Errorf("internal error: break-label chain not empty at function close")
	}
	fs.proto.LastLineDefined = p.tc.line()
	fs.proto.MaxStackSize = fs.maxStack
	fs.proto.LineInfo = append(fs.proto.LineInfo, maxInt32)
	return nil
}

const maxInt32 = 1<<31 - 1

// ---- blocks ----------------------------------------------------------------

// isBlockFollow reports whether k can only appear immediately after a
// block: the set chunk stops parsing statements on.
func isBlockFollow(k quilllex.TokenKind) bool {
	switch k {
	case quilllex.ElseToken, quilllex.ElseifToken, quilllex.EndToken, quilllex.UntilToken, quilllex.EOSToken:
		return true
	default:
		return false
	}
}

// chunk parses a sequence of statements, stopping at the first
// statement flagged isLast (return/break) or at a block-follow token.
// After every statement it asserts the stacklevel == nactloc
// invariant spec.md §9 calls a hard property.
func (p *parser) chunk(fs *funcState) error {
	isLast := false
	for !isLast && !isBlockFollow(p.tc.curr.Kind) {
		var err error
		isLast, err = p.statement(fs)
		if err != nil {
			return err
		}
		if _, err := p.optional(quilllex.SemiToken); err != nil {
			return err
		}
		if fs.stackLevel != fs.numActive {
			return fmt.Errorf("internal error: stacklevel (%d) != active locals (%d) at statement boundary", fs.stackLevel, fs.numActive)
		}
	}
	return nil
}

// block parses chunk as a lexical block: locals registered inside it
// are popped off both the active-local stack and (physically) the
// virtual stack on exit.
func (p *parser) block(fs *funcState) error {
	numActive := fs.numActive
	if err := p.chunk(fs); err != nil {
		return err
	}
	fs.adjustStack(numActive - fs.numActive)
	fs.removeLocals(numActive)
	return nil
}

// ---- name resolution --------------------------------------------------------

// searchLocal walks the FS chain outward from fs, scanning each
// function's active locals innermost-first. It returns the number of
// functions outward the local was found in (0 for fs itself, 1 for
// fs's immediately enclosing function, and so on), or level -1
// (global) if no FS in the chain declares the name.
func (p *parser) searchLocal(fs *funcState, name string) (level int, v expDesc) {
	level = 0
	for f := fs; f != nil; f = f.prev {
		if slot, found := f.searchLocal(name); found {
			return level, newLocalExpDesc(slot)
		}
		level++
	}
	return -1, expDesc{}
}

// singleVar resolves name as seen from fs: a local reference must be
// in fs itself (level 0); anything in a strictly outer function
// (level >= 1) is rejected, since ordinary name references (unlike
// the explicit %name upvalue syntax) may not reach across function
// boundaries. Otherwise it's global, and the returned expDesc carries
// name's string-constant index.
func (p *parser) singleVar(fs *funcState, name string) (expDesc, error) {
	level, v := p.searchLocal(fs, name)
	switch {
	case level >= 1:
		return expDesc{}, fs.errorf("cannot access a variable in outer function")
	case level == -1:
		idx, err := fs.stringConstant(name)
		if err != nil {
			return expDesc{}, err
		}
		return newGlobalExpDesc(idx), nil
	default:
		return v, nil
	}
}

// pushUpvalue implements the explicit %name capture form of spec.md
// §4.3: name must resolve either as a local of fs's immediately
// enclosing function (level 1) or as a global as seen from that
// function; any other case (a local of fs itself, or a name two or
// more functions out) is an error. It emits PUSHUPVALUE k, deduplicating
// captures via indexUpvalue.
func (p *parser) pushUpvalue(fs *funcState, name string) error {
	level, v := p.searchLocal(fs, name)
	switch level {
	case -1:
		if fs.prev == nil {
			return fs.errorf("cannot access an upvalue at top level")
		}
		idx, err := fs.prev.stringConstant(name)
		if err != nil {
			return err
		}
		v = newGlobalExpDesc(idx)
	case 1:
		// v already describes the local slot in fs.prev.
	default:
		return fs.errorf("upvalue must be global or local to immediately outer function")
	}
	var kind UpvalueKind
	var index int
	if v.kind == expLocal {
		kind, index = UpvalueFromLocal, v.localSlot
	} else {
		kind, index = UpvalueFromGlobal, v.stringConst
	}
	idx, err := fs.indexUpvalue(name, kind, index)
	if err != nil {
		return err
	}
	fs.emit(UInstruction(OpPushUpvalue, uint32(idx)))
	fs.deltaStack(1)
	return nil
}

// ---- expressions -------------------------------------------------------------

type unaryOperator int

const (
	opNoUnop unaryOperator = iota
	opNot
	opUnm
)

func (p *parser) getUnaryOp(k quilllex.TokenKind) unaryOperator {
	switch k {
	case quilllex.NotToken:
		return opNot
	case quilllex.SubToken:
		return opUnm
	default:
		return opNoUnop
	}
}

type binaryOperator int

const (
	opNoBinop binaryOperator = iota
	opAdd
	opSub
	opMul
	opDiv
	opPow
	opConcat
	opEq
	opNe
	opLt
	opLe
	opGt
	opGe
	opAnd
	opOr
)

// binopPriority gives the (left, right) binding powers of each binary
// operator, per spec.md §4.5's table. Concat and pow are right
// associative (right < left); every other operator is left
// associative (right == left, so a chain of equal-priority operators
// evaluates left to right).
var binopPriority = map[binaryOperator][2]int{
	opAdd:    {5, 5},
	opSub:    {5, 5},
	opMul:    {6, 6},
	opDiv:    {6, 6},
	opPow:    {9, 8},
	opConcat: {4, 3},
	opEq:     {2, 2},
	opNe:     {2, 2},
	opLt:     {2, 2},
	opLe:     {2, 2},
	opGt:     {2, 2},
	opGe:     {2, 2},
	opAnd:    {1, 1},
	opOr:     {1, 1},
}

const unaryPriority = 7

func (p *parser) getBinaryOp(k quilllex.TokenKind) binaryOperator {
	switch k {
	case quilllex.AddToken:
		return opAdd
	case quilllex.SubToken:
		return opSub
	case quilllex.MulToken:
		return opMul
	case quilllex.DivToken:
		return opDiv
	case quilllex.PowToken:
		return opPow
	case quilllex.ConcatToken:
		return opConcat
	case quilllex.EqualToken:
		return opEq
	case quilllex.NotEqualToken:
		return opNe
	case quilllex.LessToken:
		return opLt
	case quilllex.LessEqToken:
		return opLe
	case quilllex.GreaterToken:
		return opGt
	case quilllex.GreaterEqToken:
		return opGe
	case quilllex.AndToken:
		return opAnd
	case quilllex.OrToken:
		return opOr
	default:
		return opNoBinop
	}
}

// expr parses a full expression (subexpr with no limit).
func (p *parser) expr(fs *funcState) (expDesc, error) {
	e, _, err := p.subExpr(fs, -1)
	return e, err
}

// exp1 parses an expression and materializes it to exactly one stack value.
func (p *parser) exp1(fs *funcState) error {
	e, err := p.expr(fs)
	if err != nil {
		return err
	}
	_, err = fs.tostack(e, 1)
	return err
}

// subExpr implements subexpr -> (simpleexp | unop subexpr) {binop subexpr},
// returning the first operator whose left priority is <= limit
// (unconsumed), per spec.md §4.5.
func (p *parser) subExpr(fs *funcState, limit int) (expDesc, binaryOperator, error) {
	if err := p.enterRecursion(); err != nil {
		return expDesc{}, opNoBinop, err
	}
	defer p.leaveRecursion()

	var e expDesc
	var err error
	if uop := p.getUnaryOp(p.tc.curr.Kind); uop != opNoUnop {
		if err := p.advance(); err != nil {
			return expDesc{}, opNoBinop, err
		}
		e, _, err = p.subExpr(fs, unaryPriority)
		if err != nil {
			return expDesc{}, opNoBinop, err
		}
		e, err = fs.prefix(uop, e)
		if err != nil {
			return expDesc{}, opNoBinop, err
		}
	} else {
		e, err = p.simpleExpr(fs)
		if err != nil {
			return expDesc{}, opNoBinop, err
		}
	}

	op := p.getBinaryOp(p.tc.curr.Kind)
	for op != opNoBinop && binopPriority[op][0] > limit {
		if err := p.advance(); err != nil {
			return expDesc{}, opNoBinop, err
		}
		e, err = fs.infix(op, e)
		if err != nil {
			return expDesc{}, opNoBinop, err
		}
		e2, nextOp, err := p.subExpr(fs, binopPriority[op][1])
		if err != nil {
			return expDesc{}, opNoBinop, err
		}
		e, err = fs.posfix(op, e, e2)
		if err != nil {
			return expDesc{}, opNoBinop, err
		}
		op = nextOp
	}
	return e, op, nil
}

// primaryExpr parses a single non-compound expression term: literals,
// nil, a table constructor, an anonymous function, a parenthesized
// expression, a name, or an explicit %name upvalue reference.
func (p *parser) primaryExpr(fs *funcState) (expDesc, error) {
	switch p.tc.curr.Kind {
	case quilllex.NumberToken:
		text := p.tc.curr.Value
		isInt := quilllex.IsIntegerLiteral(text)
		var i int64
		var f float64
		var err error
		if isInt {
			i, err = quilllex.ParseInt(text)
		} else {
			f, err = quilllex.ParseFloat(text)
		}
		if err != nil {
			return expDesc{}, p.tc.errorf("malformed number near '%s'", text)
		}
		if err := p.advance(); err != nil {
			return expDesc{}, err
		}
		return fs.pushNumber(isInt, i, f)
	case quilllex.StringToken:
		s := p.tc.curr.Value
		if err := p.advance(); err != nil {
			return expDesc{}, err
		}
		return fs.pushString(s)
	case quilllex.NilToken:
		fs.emit(NoneInstruction(OpPushNil))
		fs.deltaStack(1)
		e := newExpDesc(fs.pc - 1)
		if err := p.advance(); err != nil {
			return expDesc{}, err
		}
		return e, nil
	case quilllex.TrueToken:
		fs.emit(NoneInstruction(OpPushTrue))
		fs.deltaStack(1)
		e := newExpDesc(fs.pc - 1)
		if err := p.advance(); err != nil {
			return expDesc{}, err
		}
		return e, nil
	case quilllex.FalseToken:
		fs.emit(NoneInstruction(OpPushFalse))
		fs.deltaStack(1)
		e := newExpDesc(fs.pc - 1)
		if err := p.advance(); err != nil {
			return expDesc{}, err
		}
		return e, nil
	case quilllex.LBraceToken:
		return p.constructor(fs)
	case quilllex.FunctionToken:
		line := p.tc.line()
		if err := p.advance(); err != nil {
			return expDesc{}, err
		}
		return p.body(fs, false, line)
	case quilllex.LParenToken:
		if err := p.advance(); err != nil {
			return expDesc{}, err
		}
		e, err := p.expr(fs)
		if err != nil {
			return expDesc{}, err
		}
		if err := p.check(quilllex.RParenToken); err != nil {
			return expDesc{}, err
		}
		return e, nil
	case quilllex.IdentifierToken:
		name, err := p.checkName()
		if err != nil {
			return expDesc{}, err
		}
		return p.singleVar(fs, name)
	case quilllex.UpvalToken:
		if err := p.advance(); err != nil {
			return expDesc{}, err
		}
		name, err := p.checkName()
		if err != nil {
			return expDesc{}, err
		}
		if err := p.pushUpvalue(fs, name); err != nil {
			return expDesc{}, err
		}
		return newExpDesc(fs.pc - 1), nil
	default:
		return expDesc{}, p.tc.errorf("unexpected symbol")
	}
}

// simpleExpr parses a primary expression followed by zero or more
// postfixes: field/index access, method calls, and direct calls.
func (p *parser) simpleExpr(fs *funcState) (expDesc, error) {
	v, err := p.primaryExpr(fs)
	if err != nil {
		return expDesc{}, err
	}
	for {
		switch p.tc.curr.Kind {
		case quilllex.DotToken:
			if err := p.advance(); err != nil {
				return expDesc{}, err
			}
			if v, err = fs.tostack(v, 1); err != nil {
				return expDesc{}, err
			}
			name, err := p.checkName()
			if err != nil {
				return expDesc{}, err
			}
			if _, err := fs.pushString(name); err != nil {
				return expDesc{}, err
			}
			v = newIndexedExpDesc()
		case quilllex.LBracketToken:
			if err := p.advance(); err != nil {
				return expDesc{}, err
			}
			if v, err = fs.tostack(v, 1); err != nil {
				return expDesc{}, err
			}
			v = newIndexedExpDesc()
			if err := p.exp1(fs); err != nil {
				return expDesc{}, err
			}
			if err := p.check(quilllex.RBracketToken); err != nil {
				return expDesc{}, err
			}
		case quilllex.ColonToken:
			if err := p.advance(); err != nil {
				return expDesc{}, err
			}
			if v, err = fs.tostack(v, 1); err != nil {
				return expDesc{}, err
			}
			name, err := p.checkName()
			if err != nil {
				return expDesc{}, err
			}
			idx, err := fs.stringConstant(name)
			if err != nil {
				return expDesc{}, err
			}
			fs.emit(UInstruction(OpPushSelf, uint32(idx)))
			fs.deltaStack(1)
			if v, err = p.funcArgs(fs, true); err != nil {
				return expDesc{}, err
			}
		case quilllex.LParenToken, quilllex.StringToken, quilllex.LBraceToken:
			if v, err = fs.tostack(v, 1); err != nil {
				return expDesc{}, err
			}
			if v, err = p.funcArgs(fs, false); err != nil {
				return expDesc{}, err
			}
		default:
			return v, nil
		}
	}
}

// funcArgs parses the call's argument list — '(' [explist1] ')',
// a string literal, or a table constructor — and emits the CALL
// instruction. self reports whether an implicit method receiver
// (already pushed by a ':' postfix) is beneath the arguments.
func (p *parser) funcArgs(fs *funcState, self bool) (expDesc, error) {
	selfSlot := 0
	if self {
		selfSlot = 1
	}
	entrySlot := fs.stackLevel
	calleeSlot := entrySlot - selfSlot - 1
	// callLine pins the CALL instruction's line info to where the call
	// began (the opening '(', the string literal, or the '{' of a
	// constructor call) rather than wherever the argument list happens
	// to end, so a traceback for a call whose arguments span several
	// lines still points at the call site.
	callLine := p.tc.line()
	openArgs := false
	switch p.tc.curr.Kind {
	case quilllex.LParenToken:
		line := p.tc.line()
		if err := p.advance(); err != nil {
			return expDesc{}, err
		}
		if p.tc.curr.Kind != quilllex.RParenToken {
			if _, err := p.explist1(fs); err != nil {
				return expDesc{}, err
			}
			openArgs = fs.lastIsOpen()
		}
		if err := p.checkMatch(quilllex.RParenToken, quilllex.LParenToken, line); err != nil {
			return expDesc{}, err
		}
	case quilllex.LBraceToken:
		v, err := p.constructor(fs)
		if err != nil {
			return expDesc{}, err
		}
		if _, err := fs.tostack(v, 1); err != nil {
			return expDesc{}, err
		}
	case quilllex.StringToken:
		s := p.tc.curr.Value
		if err := p.advance(); err != nil {
			return expDesc{}, err
		}
		if _, err := fs.pushString(s); err != nil {
			return expDesc{}, err
		}
	default:
		return expDesc{}, p.tc.errorf("function arguments expected")
	}
	// CALL pops the callee, any implicit self, and the arguments, and
	// credits nothing yet: the expression stays open until whoever
	// consumes it (tostack) commits to a result count and applies the
	// corresponding delta, so there is no double-counting here.
	var argCount uint16
	if openArgs {
		argCount = maxArgA
	} else {
		n := fs.stackLevel - entrySlot
		if err := fs.checkLimit(n, maxArgA-1, "arguments in a call"); err != nil {
			return expDesc{}, err
		}
		argCount = uint16(n)
	}
	fs.stackLevel = calleeSlot
	savedLine := fs.line
	fs.line = callLine
	fs.emit(ABInstruction(OpCall, argCount, maxArgB))
	fs.line = savedLine
	return newOpenExpDesc(fs.pc - 1), nil
}

// explist1 parses a comma-separated expression list, materializing
// every expression but the last to exactly one stack value and
// leaving the last open (absorbing as many results as it can yield,
// i.e. a trailing call). Returns the number of
// expressions parsed.
func (p *parser) explist1(fs *funcState) (int, error) {
	n := 1
	v, err := p.expr(fs)
	if err != nil {
		return 0, err
	}
	for p.tc.curr.Kind == quilllex.CommaToken {
		if err := p.advance(); err != nil {
			return 0, err
		}
		if v, err = fs.tostack(v, 1); err != nil {
			return 0, err
		}
		v, err = p.expr(fs)
		if err != nil {
			return 0, err
		}
		n++
	}
	if _, err := fs.tostack(v, 0); err != nil {
		return 0, err
	}
	return n, nil
}

// ---- table constructors -----------------------------------------------------

// listPartKind and recordPartKind are the constructorPart.k sentinels
// for non-empty parts. Both are negative so they can never collide
// with an empty part's k, which holds the real [quilllex.TokenKind]
// (always >= 0) the empty part stopped at.
const (
	listPartKind   quilllex.TokenKind = -1
	recordPartKind quilllex.TokenKind = -2
)

// constructorPart describes one of a constructor's at-most-two parts:
// n is its element count, k distinguishes the part's kind for the
// two-parts-must-differ check below. A non-empty part's k is
// listPartKind or recordPartKind; an empty part's k is instead the
// token it stopped at (';' or '}'), so two empty parts only collide
// when they stopped at the *same* token.
type constructorPart struct {
	n int
	k quilllex.TokenKind
}

func (p *parser) constructorPart(fs *funcState) (constructorPart, error) {
	switch p.tc.curr.Kind {
	case quilllex.SemiToken, quilllex.RBraceToken:
		return constructorPart{k: p.tc.curr.Kind}, nil
	case quilllex.IdentifierToken:
		look, err := p.tc.peek()
		if err != nil {
			return constructorPart{}, err
		}
		if look.Kind != quilllex.AssignToken {
			n, err := p.listFields(fs)
			return constructorPart{n: n, k: listPartKind}, err
		}
		n, err := p.recFields(fs)
		return constructorPart{n: n, k: recordPartKind}, err
	case quilllex.LBracketToken:
		n, err := p.recFields(fs)
		return constructorPart{n: n, k: recordPartKind}, err
	default:
		n, err := p.listFields(fs)
		return constructorPart{n: n, k: listPartKind}, err
	}
}

// recField parses one record field: (NAME | '[' exp1 ']') '=' exp1.
func (p *parser) recField(fs *funcState) error {
	switch p.tc.curr.Kind {
	case quilllex.IdentifierToken:
		name, err := p.checkName()
		if err != nil {
			return err
		}
		if _, err := fs.pushString(name); err != nil {
			return err
		}
	case quilllex.LBracketToken:
		if err := p.advance(); err != nil {
			return err
		}
		if err := p.exp1(fs); err != nil {
			return err
		}
		if err := p.check(quilllex.RBracketToken); err != nil {
			return err
		}
	default:
		return p.tc.errorf("<name> or '[' expected")
	}
	if err := p.check(quilllex.AssignToken); err != nil {
		return err
	}
	return p.exp1(fs)
}

// recFields parses recfield {',' recfield} [','], flushing every
// rfieldsPerFlush pairs into the table with SETMAP. A SETMAP always
// folds everything currently sitting above the table back into it, so
// the virtual stack returns to exactly t+1 after every flush
// regardless of how many pairs it absorbed.
func (p *parser) recFields(fs *funcState) (int, error) {
	t := fs.stackLevel - 1
	n := 1
	if err := p.recField(fs); err != nil {
		return 0, err
	}
	for p.tc.curr.Kind == quilllex.CommaToken {
		if err := p.advance(); err != nil {
			return 0, err
		}
		if p.tc.curr.Kind == quilllex.SemiToken || p.tc.curr.Kind == quilllex.RBraceToken {
			break
		}
		if n%rfieldsPerFlush == 0 {
			fs.emit(UInstruction(OpSetMap, uint32(t)))
			fs.stackLevel = t + 1
		}
		if err := p.recField(fs); err != nil {
			return 0, err
		}
		n++
	}
	fs.emit(UInstruction(OpSetMap, uint32(t)))
	fs.stackLevel = t + 1
	return n, nil
}

// listFields parses exp1 {',' exp1} [','], flushing every
// lfieldsPerFlush elements into the table with SETLIST. The final
// SETLIST carries the (possibly open) last expression; like SETMAP, a
// SETLIST flush folds everything above the table back into it, so the
// stack is reset to t+1 after every flush rather than computed from a
// pending-count formula.
func (p *parser) listFields(fs *funcState) (int, error) {
	t := fs.stackLevel - 1
	n := 1
	v, err := p.expr(fs)
	if err != nil {
		return 0, err
	}
	for p.tc.curr.Kind == quilllex.CommaToken {
		if err := p.advance(); err != nil {
			return 0, err
		}
		if p.tc.curr.Kind == quilllex.SemiToken || p.tc.curr.Kind == quilllex.RBraceToken {
			break
		}
		if v, err = fs.tostack(v, 1); err != nil {
			return 0, err
		}
		if err := fs.checkLimit(n/lfieldsPerFlush+1, maxArgA, "item groups in a list initializer"); err != nil {
			return 0, err
		}
		if n%lfieldsPerFlush == 0 {
			fs.emit(ABInstruction(OpSetList, uint16((n-1)/lfieldsPerFlush), uint16(t)))
			fs.stackLevel = t + 1
		}
		v, err = p.expr(fs)
		if err != nil {
			return 0, err
		}
		n++
	}
	if v, err = fs.tostack(v, 0); err != nil {
		return 0, err
	}
	fs.emit(ABInstruction(OpSetList, uint16((n-1)/lfieldsPerFlush), uint16(t)))
	fs.stackLevel = t + 1
	return n, nil
}

// constructor parses '{' part [';' part] '}', emitting CREATETABLE up
// front and patching its operand to the total element count once the
// size is known. The two parts, if both present, must differ in kind:
// a list part followed by a record part (or vice versa) is fine, but
// two list parts, two record parts, or two empty parts stopped at the
// same token are rejected as ambiguous.
func (p *parser) constructor(fs *funcState) (expDesc, error) {
	line := p.tc.line()
	pc := fs.emit(UInstruction(OpCreateTable, 0))
	fs.deltaStack(1)
	if err := p.check(quilllex.LBraceToken); err != nil {
		return expDesc{}, err
	}
	cd, err := p.constructorPart(fs)
	if err != nil {
		return expDesc{}, err
	}
	nelems := cd.n
	hasSemi, err := p.optional(quilllex.SemiToken)
	if err != nil {
		return expDesc{}, err
	}
	if hasSemi {
		other, err := p.constructorPart(fs)
		if err != nil {
			return expDesc{}, err
		}
		if cd.k == other.k {
			return expDesc{}, p.tc.errorf("invalid constructor syntax")
		}
		nelems += other.n
	}
	if err := p.checkMatch(quilllex.RBraceToken, quilllex.LBraceToken, line); err != nil {
		return expDesc{}, err
	}
	if err := fs.checkLimit(nelems, maxTableFields, "elements in a table constructor"); err != nil {
		return expDesc{}, err
	}
	fs.proto.Code[pc] = fs.proto.Code[pc].WithArgU(uint32(nelems))
	return newExpDesc(fs.pc - 1), nil
}

// ---- statements --------------------------------------------------------------

// cond parses a condition expression and finalizes it to a pending
// false-chain (see goIfTrue): used by if/while/repeat/until.
func (p *parser) cond(fs *funcState) (expDesc, error) {
	e, err := p.expr(fs)
	if err != nil {
		return expDesc{}, err
	}
	return fs.goIfTrue(e)
}

// statement parses one statement and reports whether it was a return
// or break, which must be the last statement of its enclosing block.
func (p *parser) statement(fs *funcState) (isLast bool, err error) {
	if err := p.enterRecursion(); err != nil {
		return false, err
	}
	defer p.leaveRecursion()

	fs.line = p.tc.line()
	switch p.tc.curr.Kind {
	case quilllex.IfToken:
		return false, p.ifStatement(fs, fs.line)
	case quilllex.WhileToken:
		return false, p.whileStatement(fs, fs.line)
	case quilllex.DoToken:
		if err := p.advance(); err != nil {
			return false, err
		}
		if err := p.block(fs); err != nil {
			return false, err
		}
		return false, p.checkMatch(quilllex.EndToken, quilllex.DoToken, fs.line)
	case quilllex.ForToken:
		return false, p.forStatement(fs, fs.line)
	case quilllex.RepeatToken:
		return false, p.repeatStatement(fs, fs.line)
	case quilllex.FunctionToken:
		look, err := p.tc.peek()
		if err != nil {
			return false, err
		}
		if look.Kind == quilllex.LParenToken {
			return false, p.exprStatement(fs)
		}
		return false, p.funcStatement(fs, fs.line)
	case quilllex.LocalToken:
		return false, p.localStatement(fs)
	case quilllex.ReturnToken:
		if err := p.advance(); err != nil {
			return false, err
		}
		return true, p.returnStatement(fs)
	case quilllex.BreakToken:
		if err := p.advance(); err != nil {
			return false, err
		}
		return true, fs.doBreak()
	default:
		return false, p.exprStatement(fs)
	}
}

// whileStatement: WHILE cond DO block END.
func (p *parser) whileStatement(fs *funcState, line int) error {
	whileInit := fs.getLabel()
	bl := new(breakLabel)
	fs.enterBreak(bl)
	if err := p.advance(); err != nil {
		return err
	}
	v, err := p.cond(fs)
	if err != nil {
		return err
	}
	if err := p.check(quilllex.DoToken); err != nil {
		return err
	}
	if err := p.block(fs); err != nil {
		return err
	}
	fs.patchList(fs.jump(), whileInit)
	fs.patchToHere(v.f)
	if err := p.checkMatch(quilllex.EndToken, quilllex.WhileToken, line); err != nil {
		return err
	}
	return fs.leaveBreak()
}

// repeatStatement: REPEAT block UNTIL cond.
func (p *parser) repeatStatement(fs *funcState, line int) error {
	repeatInit := fs.getLabel()
	bl := new(breakLabel)
	fs.enterBreak(bl)
	if err := p.advance(); err != nil {
		return err
	}
	if err := p.block(fs); err != nil {
		return err
	}
	if err := p.checkMatch(quilllex.UntilToken, quilllex.RepeatToken, line); err != nil {
		return err
	}
	v, err := p.cond(fs)
	if err != nil {
		return err
	}
	fs.patchList(v.f, repeatInit)
	return fs.leaveBreak()
}

// forBody parses DO block END for both numeric and generic for,
// emitting prepOp before the body and loopOp after it, then
// back-patching prepOp to skip straight to loopOp's label when the
// range/iteration is empty (fixFor).
func (p *parser) forBody(fs *funcState, nvar int, prepOp, loopOp OpCode) error {
	base := fs.numActive
	prep := fs.emit(ABInstruction(prepOp, uint16(base), 0))
	blockInit := fs.getLabel()
	if err := p.check(quilllex.DoToken); err != nil {
		return err
	}
	fs.activateLocals(nvar)
	if err := p.block(fs); err != nil {
		return err
	}
	loop := fs.emit(ABInstruction(loopOp, uint16(base), 0))
	fs.proto.Code[loop] = fs.proto.Code[loop].WithArgB(uint16(blockInit))
	fs.fixFor(prep, loop)
	fs.removeLocals(fs.numActive - nvar)
	fs.adjustStack(-nvar)
	return nil
}

// forNum: NAME '=' exp1 ',' exp1 [',' exp1] forBody. Registers the
// three hidden locals NAME, (limit), (step); default step is the
// integer 1.
func (p *parser) forNum(fs *funcState, varName string) error {
	if err := p.check(quilllex.AssignToken); err != nil {
		return err
	}
	if err := p.exp1(fs); err != nil {
		return err
	}
	if err := p.check(quilllex.CommaToken); err != nil {
		return err
	}
	if err := p.exp1(fs); err != nil {
		return err
	}
	hasStep, err := p.optional(quilllex.CommaToken)
	if err != nil {
		return err
	}
	if hasStep {
		if err := p.exp1(fs); err != nil {
			return err
		}
	} else {
		fs.emit(SInstruction(OpPushInt, 1))
		fs.deltaStack(1)
	}
	if err := fs.registerLocal(varName); err != nil {
		return err
	}
	if err := fs.registerLocal("(limit)"); err != nil {
		return err
	}
	if err := fs.registerLocal("(step)"); err != nil {
		return err
	}
	return p.forBody(fs, 3, OpForPrep, OpForLoop)
}

// forList: NAME ',' NAME IN exp1 forBody. Registers four hidden
// locals: (table), (index), key, value.
func (p *parser) forList(fs *funcState, indexName string) error {
	if err := p.check(quilllex.CommaToken); err != nil {
		return err
	}
	valName, err := p.checkName()
	if err != nil {
		return err
	}
	if err := p.check(quilllex.InToken); err != nil {
		return err
	}
	if err := p.exp1(fs); err != nil {
		return err
	}
	if err := fs.registerLocal("(table)"); err != nil {
		return err
	}
	if err := fs.registerLocal("(index)"); err != nil {
		return err
	}
	if err := fs.registerLocal(indexName); err != nil {
		return err
	}
	if err := fs.registerLocal(valName); err != nil {
		return err
	}
	return p.forBody(fs, 4, OpLForPrep, OpLForLoop)
}

// forStatement: FOR NAME ('=' fornum | ',' forlist) END.
func (p *parser) forStatement(fs *funcState, line int) error {
	bl := new(breakLabel)
	fs.enterBreak(bl)
	if err := p.advance(); err != nil {
		return err
	}
	varName, err := p.checkName()
	if err != nil {
		return err
	}
	switch p.tc.curr.Kind {
	case quilllex.AssignToken:
		if err := p.forNum(fs, varName); err != nil {
			return err
		}
	case quilllex.CommaToken:
		if err := p.forList(fs, varName); err != nil {
			return err
		}
	default:
		return p.tc.errorf("'=' or ',' expected")
	}
	if err := p.checkMatch(quilllex.EndToken, quilllex.ForToken, line); err != nil {
		return err
	}
	return fs.leaveBreak()
}

// testThenBlock: (IF|ELSEIF) cond THEN block.
func (p *parser) testThenBlock(fs *funcState) (expDesc, error) {
	if err := p.advance(); err != nil {
		return expDesc{}, err
	}
	v, err := p.cond(fs)
	if err != nil {
		return expDesc{}, err
	}
	if err := p.check(quilllex.ThenToken); err != nil {
		return expDesc{}, err
	}
	return v, p.block(fs)
}

// ifStatement: IF cond THEN block {ELSEIF cond THEN block} [ELSE block] END.
func (p *parser) ifStatement(fs *funcState, line int) error {
	escapeList := noJump
	v, err := p.testThenBlock(fs)
	if err != nil {
		return err
	}
	for p.tc.curr.Kind == quilllex.ElseifToken {
		escapeList = fs.concat(escapeList, fs.jump())
		fs.patchToHere(v.f)
		v, err = p.testThenBlock(fs)
		if err != nil {
			return err
		}
	}
	if p.tc.curr.Kind == quilllex.ElseToken {
		escapeList = fs.concat(escapeList, fs.jump())
		fs.patchToHere(v.f)
		if err := p.advance(); err != nil {
			return err
		}
		if err := p.block(fs); err != nil {
			return err
		}
	} else {
		escapeList = fs.concat(escapeList, v.f)
	}
	fs.patchToHere(escapeList)
	return p.checkMatch(quilllex.EndToken, quilllex.IfToken, line)
}

// localStatement: LOCAL NAME {',' NAME} ['=' explist1]. Every name is
// registered (but left inactive) before any initializer is parsed, so
// `local x = x` resolves its RHS x to the outer scope's x, not the
// new one; all are activated together once the whole RHS is evaluated.
func (p *parser) localStatement(fs *funcState) error {
	nvars := 0
	for {
		if err := p.advance(); err != nil { // skip LOCAL or ','
			return err
		}
		name, err := p.checkName()
		if err != nil {
			return err
		}
		if err := fs.registerLocal(name); err != nil {
			return err
		}
		nvars++
		if p.tc.curr.Kind != quilllex.CommaToken {
			break
		}
	}
	nexps := 0
	hasInit, err := p.optional(quilllex.AssignToken)
	if err != nil {
		return err
	}
	if hasInit {
		nexps, err = p.explist1(fs)
		if err != nil {
			return err
		}
	}
	fs.adjustMultiAssign(nvars, nexps)
	fs.activateLocals(nvars)
	return nil
}

// funcName: NAME {'.' NAME} [':' NAME], building a (possibly indexed)
// assignment target and reporting whether an implicit "self" method
// receiver is required.
func (p *parser) funcName(fs *funcState) (expDesc, bool, error) {
	name, err := p.checkName()
	if err != nil {
		return expDesc{}, false, err
	}
	v, err := p.singleVar(fs, name)
	if err != nil {
		return expDesc{}, false, err
	}
	for p.tc.curr.Kind == quilllex.DotToken {
		if err := p.advance(); err != nil {
			return expDesc{}, false, err
		}
		if v, err = fs.tostack(v, 1); err != nil {
			return expDesc{}, false, err
		}
		fieldName, err := p.checkName()
		if err != nil {
			return expDesc{}, false, err
		}
		if _, err := fs.pushString(fieldName); err != nil {
			return expDesc{}, false, err
		}
		v = newIndexedExpDesc()
	}
	needSelf := false
	if p.tc.curr.Kind == quilllex.ColonToken {
		needSelf = true
		if err := p.advance(); err != nil {
			return expDesc{}, false, err
		}
		if v, err = fs.tostack(v, 1); err != nil {
			return expDesc{}, false, err
		}
		methodName, err := p.checkName()
		if err != nil {
			return expDesc{}, false, err
		}
		if _, err := fs.pushString(methodName); err != nil {
			return expDesc{}, false, err
		}
		v = newIndexedExpDesc()
	}
	return v, needSelf, nil
}

// funcStatement: FUNCTION funcname body.
func (p *parser) funcStatement(fs *funcState, line int) error {
	if err := p.advance(); err != nil { // skip FUNCTION
		return err
	}
	target, needSelf, err := p.funcName(fs)
	if err != nil {
		return err
	}
	v, err := p.body(fs, needSelf, line)
	if err != nil {
		return err
	}
	fs.storeVar(target)
	_ = v
	return nil
}

// exprStatement: a bare call, or the first variable of a (possibly
// multiple) assignment.
func (p *parser) exprStatement(fs *funcState) error {
	v, err := p.simpleExpr(fs)
	if err != nil {
		return err
	}
	if v.kind == expExp {
		if !fs.lastIsOpen() {
			return p.tc.errorf("syntax error")
		}
		fs.setCallReturns(0)
		return nil
	}
	left, err := p.assignment(fs, v, 1)
	if err != nil {
		return err
	}
	fs.adjustStack(-left)
	return nil
}

// assignment parses the recursive tail of a (possibly multiple)
// assignment's LHS list, then the '=' explist1, reconciling counts and
// emitting every LHS's store in reverse, right-to-left order (each
// frame stores on its way back out of the recursion, i.e. after the
// rest of the list to its right has already stored). The returned left
// counts the table/key slots that the INDEXED stores made so far have
// left on the stack; an INDEXED target reaches under them (and under
// the values still waiting for the targets to its left) to find its
// own pair, and the caller pops all of them once every store is done.
func (p *parser) assignment(fs *funcState, v expDesc, nvars int) (int, error) {
	if err := fs.checkLimit(nvars, maxLHSVariables, "variables in a multiple assignment"); err != nil {
		return 0, err
	}
	left := 0
	if p.tc.curr.Kind == quilllex.CommaToken {
		if err := p.advance(); err != nil {
			return 0, err
		}
		nv, err := p.simpleExpr(fs)
		if err != nil {
			return 0, err
		}
		if nv.kind == expExp {
			return 0, p.tc.errorf("syntax error")
		}
		var err2 error
		left, err2 = p.assignment(fs, nv, nvars+1)
		if err2 != nil {
			return 0, err2
		}
	} else {
		if err := p.check(quilllex.AssignToken); err != nil {
			return 0, err
		}
		nexps, err := p.explist1(fs)
		if err != nil {
			return 0, err
		}
		fs.adjustMultiAssign(nvars, nexps)
	}
	if v.kind != expIndexed {
		fs.storeVar(v)
	} else {
		fs.codeSetTable(left + nvars - 1)
		left += 2
	}
	return left, nil
}

// returnStatement: RETURN [explist1]; must be the last statement of its block.
func (p *parser) returnStatement(fs *funcState) error {
	if !isBlockFollow(p.tc.curr.Kind) && p.tc.curr.Kind != quilllex.SemiToken {
		if _, err := p.explist1(fs); err != nil {
			return err
		}
	}
	fs.emit(UInstruction(OpReturn, uint32(fs.numActive)))
	fs.stackLevel = fs.numActive
	return nil
}

// ---- function bodies -----------------------------------------------------------

// parList: [param {',' param}] where param is NAME or the trailing '...'.
func (p *parser) parList(fs *funcState) (nparams int, vararg bool, err error) {
	if p.tc.curr.Kind == quilllex.RParenToken {
		return 0, false, nil
	}
	for {
		switch p.tc.curr.Kind {
		case quilllex.VarargToken:
			if err := p.advance(); err != nil {
				return 0, false, err
			}
			vararg = true
		case quilllex.IdentifierToken:
			name, err := p.checkName()
			if err != nil {
				return 0, false, err
			}
			if err := fs.registerLocal(name); err != nil {
				return 0, false, err
			}
			nparams++
		default:
			return 0, false, p.tc.errorf("<name> or '...' expected")
		}
		if vararg {
			break
		}
		more, err := p.optional(quilllex.CommaToken)
		if err != nil {
			return 0, false, err
		}
		if !more {
			break
		}
	}
	return nparams, vararg, nil
}

// body parses a function body — '(' parlist ')' chunk END — and
// returns the CLOSURE expression pushing it in the enclosing function.
// needSelf registers an implicit "self" parameter at slot 0 before the
// declared parameter list, for method definitions (func t:m(...)).
func (p *parser) body(fs *funcState, needSelf bool, line int) (expDesc, error) {
	if err := p.enterRecursion(); err != nil {
		return expDesc{}, err
	}
	defer p.leaveRecursion()

	newFS := p.openFunction(fs, fs.source)
	newFS.proto.LineDefined = line
	if err := p.check(quilllex.LParenToken); err != nil {
		return expDesc{}, err
	}
	if needSelf {
		if err := newFS.registerLocal("self"); err != nil {
			return expDesc{}, err
		}
		newFS.activateLocals(1)
	}
	nparams, vararg, err := p.parList(newFS)
	if err != nil {
		return expDesc{}, err
	}
	if err := p.check(quilllex.RParenToken); err != nil {
		return expDesc{}, err
	}
	if err := newFS.codeParams(nparams, vararg); err != nil {
		return expDesc{}, err
	}
	if err := p.chunk(newFS); err != nil {
		return expDesc{}, err
	}
	endLine := p.tc.line()
	if err := p.checkMatch(quilllex.EndToken, quilllex.FunctionToken, line); err != nil {
		return expDesc{}, err
	}
	if err := p.closeFunction(newFS); err != nil {
		return expDesc{}, err
	}
	newFS.proto.LastLineDefined = endLine
	return p.pushClosure(fs, newFS)
}

// pushClosure, called in the enclosing function fs after a nested
// body closes, pushes every upvalue the nested function captured
// (reading them out of fs, the only function that may supply them)
// then emits CLOSURE k, nup.
func (p *parser) pushClosure(fs *funcState, inner *funcState) (expDesc, error) {
	for _, uv := range inner.upvalues {
		var e expDesc
		switch uv.Kind {
		case UpvalueFromLocal:
			e = newLocalExpDesc(uv.Index)
		default:
			e = newGlobalExpDesc(uv.Index)
		}
		if _, err := fs.tostack(e, 1); err != nil {
			return expDesc{}, err
		}
	}
	if err := fs.checkLimit(len(fs.proto.Functions)+1, maxArgA, "functions"); err != nil {
		return expDesc{}, err
	}
	idx := len(fs.proto.Functions)
	fs.proto.Functions = append(fs.proto.Functions, inner.proto)
	fs.emit(ABInstruction(OpClosure, uint16(idx), uint16(len(inner.upvalues))))
	fs.deltaStack(1 - len(inner.upvalues))
	return newExpDesc(fs.pc - 1), nil
}
