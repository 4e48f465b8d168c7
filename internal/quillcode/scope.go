// Copyright (C) 1994-2001 Lua.org, PUC-Rio.
// Copyright 2024 The zb Authors
// Copyright 2026 The Quill Authors
// SPDX-License-Identifier: MIT

package quillcode

// enterBreak installs bl as the function's active break target, linking
// it to whatever loop (if any) was previously active. Ported from
// upstream's enterbreak: a loop body pushes one of these on entry and
// pops it on exit, so a break statement always resolves to the
// innermost enclosing loop regardless of how many non-loop blocks
// (if/do) sit between it and that loop.
func (fs *funcState) enterBreak(bl *breakLabel) {
	bl.previous = fs.bl
	bl.breakList = noJump
	bl.stackLevel = fs.stackLevel
	fs.bl = bl
}

// doBreak records a break statement's jump against the active loop,
// reporting an error if no loop encloses the break. The stack is
// adjusted down to the loop's entry level before the jump (so the
// jump target, right after the loop, sees a consistent stack), then
// symbolically restored afterward so fs.stackLevel still matches
// fs.numActive for the block machinery that continues processing
// past a statement flagged isLast, even though that code is dead.
func (fs *funcState) doBreak() error {
	if fs.bl == nil {
		return fs.errorf("no loop to break")
	}
	currentLevel := fs.stackLevel
	fs.adjustStack(-(currentLevel - fs.bl.stackLevel))
	fs.bl.breakList = fs.concat(fs.bl.breakList, fs.jump())
	fs.deltaStack(currentLevel - fs.bl.stackLevel)
	return nil
}

// leaveBreak patches every break recorded against the active loop to
// the current point and restores the previous loop (if any) as active.
// It is a hard property that the stack has unwound back to the level
// the loop was entered at; a mismatch indicates a codegen bug upstream
// rather than anything a caller can recover from.
func (fs *funcState) leaveBreak() error {
	if fs.stackLevel != fs.bl.stackLevel {
		return fs.errorf("internal error: stacklevel (%d) != loop entry level (%d) leaving loop", fs.stackLevel, fs.bl.stackLevel)
	}
	fs.patchToHere(fs.bl.breakList)
	fs.bl = fs.bl.previous
	return nil
}
