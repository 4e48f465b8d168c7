// Copyright 2026 The Quill Authors
// SPDX-License-Identifier: MIT

package quillcode

import (
	"bufio"
	"strings"
	"testing"
)

func parse(t *testing.T, src string) *Prototype {
	t.Helper()
	p, err := Parse("test", bufio.NewReader(strings.NewReader(src)))
	if err != nil {
		t.Fatalf("Parse(%q): %v", src, err)
	}
	return p
}

func parseErr(t *testing.T, src string) error {
	t.Helper()
	_, err := Parse("test", bufio.NewReader(strings.NewReader(src)))
	if err == nil {
		t.Fatalf("Parse(%q): expected error, got nil", src)
	}
	return err
}

func countOp(p *Prototype, op OpCode) int {
	n := 0
	for _, i := range p.Code {
		if i.OpCode() == op {
			n++
		}
	}
	return n
}

// 1. local x = 1; local y = x + 2; return y
func TestLocalAssignment(t *testing.T) {
	p := parse(t, "local x = 1; local y = x + 2; return y")
	if !p.IsMainChunk() {
		t.Errorf("main chunk prototype reports IsMainChunk() = false")
	}
	if p.NumParams != 0 || p.IsVararg {
		t.Errorf("main chunk has NumParams=%d IsVararg=%v, want 0, false", p.NumParams, p.IsVararg)
	}
	if len(p.Upvalues) != 0 {
		t.Errorf("main chunk has %d upvalues, want 0", len(p.Upvalues))
	}
	if len(p.LocalVariables) != 2 {
		t.Fatalf("got %d locvars, want 2: %+v", len(p.LocalVariables), p.LocalVariables)
	}
	if p.LocalVariables[0].Name != "x" || p.LocalVariables[1].Name != "y" {
		t.Errorf("locvar names = %q, %q, want x, y", p.LocalVariables[0].Name, p.LocalVariables[1].Name)
	}
	last := p.Code[len(p.Code)-1]
	if last.OpCode() != OpReturn {
		t.Fatalf("last instruction = %s, want RETURN", last.OpCode())
	}
	if last.ArgU() != 2 {
		t.Errorf("final RETURN operand = %d, want 2 (nactloc at return)", last.ArgU())
	}
}

// 2. for i = 1, 3 do print(i) end
func TestNumericFor(t *testing.T) {
	p := parse(t, "for i = 1, 3 do print(i) end")
	if len(p.LocalVariables) != 3 {
		t.Fatalf("got %d locvars, want 3 (i, (limit), (step)): %+v", len(p.LocalVariables), p.LocalVariables)
	}
	wantNames := []string{"i", "(limit)", "(step)"}
	for idx, want := range wantNames {
		if p.LocalVariables[idx].Name != want {
			t.Errorf("locvar[%d].Name = %q, want %q", idx, p.LocalVariables[idx].Name, want)
		}
	}
	if countOp(p, OpForPrep) != 1 || countOp(p, OpForLoop) != 1 {
		t.Errorf("got %d FORPREP, %d FORLOOP, want 1 each", countOp(p, OpForPrep), countOp(p, OpForLoop))
	}

	var prep, loop Instruction
	for _, i := range p.Code {
		switch i.OpCode() {
		case OpForPrep:
			prep = i
		case OpForLoop:
			loop = i
		}
	}
	if prep.ArgA() != loop.ArgA() {
		t.Errorf("FORPREP base slot %d != FORLOOP base slot %d", prep.ArgA(), loop.ArgA())
	}

	iVar := p.LocalVariables[0]
	body := p.Code[iVar.StartPC:iVar.EndPC]
	sawCall := false
	for _, i := range body {
		if i.OpCode() == OpCall {
			sawCall = true
		}
	}
	if !sawCall {
		t.Errorf("i's [startpc,endpc)=[%d,%d) does not cover the print(i) call", iVar.StartPC, iVar.EndPC)
	}
}

// 3. local t = {10, 20; a=1, b=2}
func TestTableConstructor(t *testing.T) {
	p := parse(t, "local t = {10, 20; a=1, b=2}")
	if countOp(p, OpCreateTable) != 1 {
		t.Fatalf("got %d CREATETABLE, want 1", countOp(p, OpCreateTable))
	}
	if countOp(p, OpSetList) != 1 {
		t.Errorf("got %d SETLIST, want 1", countOp(p, OpSetList))
	}
	if countOp(p, OpSetMap) != 1 {
		t.Errorf("got %d SETMAP, want 1", countOp(p, OpSetMap))
	}
	var create Instruction
	for _, i := range p.Code {
		if i.OpCode() == OpCreateTable {
			create = i
			break
		}
	}
	if create.ArgU() != 4 {
		t.Errorf("CREATETABLE operand = %d, want 4 (2 list + 2 record fields)", create.ArgU())
	}
}

// 4. function f(a, b, ...) return a end
func TestVarargFunction(t *testing.T) {
	p := parse(t, "function f(a, b, ...) return a end")
	if len(p.Functions) != 1 {
		t.Fatalf("got %d nested prototypes, want 1", len(p.Functions))
	}
	f := p.Functions[0]
	if f.NumParams != 2 {
		t.Errorf("NumParams = %d, want 2", f.NumParams)
	}
	if !f.IsVararg {
		t.Errorf("IsVararg = false, want true")
	}
	names := make(map[string]bool)
	for _, lv := range f.LocalVariables {
		names[lv.Name] = true
	}
	if !names["arg"] {
		t.Errorf("vararg function did not register hidden local %q: locvars=%+v", "arg", f.LocalVariables)
	}
	if f.LineDefined != 1 {
		t.Errorf("LineDefined = %d, want 1 (the line of the function keyword)", f.LineDefined)
	}
}

// 5. a, b = b, a
func TestMultipleAssignmentSwap(t *testing.T) {
	p := parse(t, "a, b = b, a")
	if countOp(p, OpSetGlobal) != 2 {
		t.Errorf("got %d SETGLOBAL, want 2", countOp(p, OpSetGlobal))
	}
	if p.MaxStackSize > 2 {
		t.Errorf("MaxStackSize = %d, want <= 2 for a two-value global swap", p.MaxStackSize)
	}
}

// 6. while true do if x then break end end
func TestBreakRestoresStack(t *testing.T) {
	p := parse(t, "while true do if x then break end end")
	if countOp(p, OpJmp) < 2 {
		t.Errorf("got %d JMP, want at least 2 (loop back-edge + break)", countOp(p, OpJmp))
	}

	parseErr(t, "break")
}

// 7. local x; local x = x
func TestLocalShadowing(t *testing.T) {
	p := parse(t, "local x; local x = x")
	if len(p.LocalVariables) != 2 {
		t.Fatalf("got %d locvars, want 2", len(p.LocalVariables))
	}
	if p.LocalVariables[0].Name != "x" || p.LocalVariables[1].Name != "x" {
		t.Fatalf("locvar names = %q, %q, want x, x", p.LocalVariables[0].Name, p.LocalVariables[1].Name)
	}

	var pushLocal Instruction
	found := false
	for _, i := range p.Code {
		if i.OpCode() == OpPushLocal {
			pushLocal = i
			found = true
		}
	}
	if !found {
		t.Fatalf("no PUSHLOCAL emitted for second local's initializer")
	}
	if pushLocal.ArgU() != 0 {
		t.Errorf("second local's RHS x resolved to slot %d, want slot 0 (the first x)", pushLocal.ArgU())
	}
}

func TestBreakOutsideLoopFails(t *testing.T) {
	err := parseErr(t, "while true do end break")
	if !strings.Contains(err.Error(), "no loop to break") {
		t.Errorf("error = %q, want it to mention %q", err.Error(), "no loop to break")
	}
}

func TestUpvalueMustBeImmediateEnclosing(t *testing.T) {
	parseErr(t, "function outer() local x = 1 function inner() function innermost() return %x end end end")
}

func TestUpvalueAtTopLevelFails(t *testing.T) {
	parseErr(t, "return %x")
}

func TestUpvalueOfOwnLocalAtTopLevelFails(t *testing.T) {
	err := parseErr(t, "local x = 1; return %x")
	if !strings.Contains(err.Error(), "upvalue must be global or local to immediately outer function") {
		t.Errorf("error = %q, want it to mention %q", err.Error(), "upvalue must be global or local to immediately outer function")
	}
}

func TestCallExpressionStatement(t *testing.T) {
	parse(t, "print(1)")
	parseErr(t, "1 + 1")
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	p := parse(t, "local x = 1; local y = x + 2; return y")
	data := p.Encode()
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(got.Code) != len(p.Code) {
		t.Errorf("round-tripped Code has %d instructions, want %d", len(got.Code), len(p.Code))
	}
	if len(got.LocalVariables) != len(p.LocalVariables) {
		t.Errorf("round-tripped LocalVariables has %d entries, want %d", len(got.LocalVariables), len(p.LocalVariables))
	}
	if got.NumParams != p.NumParams || got.IsVararg != p.IsVararg || got.IsMainChunk() != p.IsMainChunk() {
		t.Errorf("round-tripped metadata mismatch: got %+v", got)
	}
}
