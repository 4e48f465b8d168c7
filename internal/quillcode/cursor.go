// Copyright (C) 1994-2001 Lua.org, PUC-Rio.
// Copyright 2024 The zb Authors
// Copyright 2026 The Quill Authors
// SPDX-License-Identifier: MIT

package quillcode

import (
	"fmt"

	"quill.run/pkg/internal/quilllex"
)

// tokenCursor wraps a [quilllex.Scanner] with a current token and, at the
// two grammar points that need it, one token of buffered look-ahead. It is
// the only thing in this package that talks to the scanner directly; every
// grammar production reads tc.curr and calls through the parser's advance
// wrapper (see parser.go) to move forward.
type tokenCursor struct {
	sc   *quilllex.Scanner
	curr quilllex.Token
	look quilllex.Token
	// hasLook reports whether look holds a buffered token.
	// Only one token of look-ahead is ever held at a time; calling peek
	// while hasLook is already true is a caller bug, not a scanner read.
	hasLook bool
	source  string
}

func newTokenCursor(source string, sc *quilllex.Scanner) *tokenCursor {
	return &tokenCursor{sc: sc, source: source}
}

// advance discards the current token and pulls the next one, adopting a
// buffered look-ahead if peek populated one.
func (tc *tokenCursor) advance() error {
	if tc.hasLook {
		tc.curr = tc.look
		tc.look = quilllex.Token{}
		tc.hasLook = false
		return nil
	}
	tok, err := tc.sc.Scan()
	tc.curr = tok
	if err != nil {
		return fmt.Errorf("%s: %w", tc.source, err)
	}
	return nil
}

// peek returns the token after curr without consuming curr, scanning it
// into the look-ahead buffer if it isn't already there.
func (tc *tokenCursor) peek() (quilllex.Token, error) {
	if !tc.hasLook {
		tok, err := tc.sc.Scan()
		if err != nil {
			return tok, fmt.Errorf("%s: %w", tc.source, err)
		}
		tc.look = tok
		tc.hasLook = true
	}
	return tc.look, nil
}

// line reports the line of the current token, for diagnostics.
func (tc *tokenCursor) line() int {
	return tc.curr.Position.Line
}

// errorf formats a diagnostic carrying the source name and current line,
// the same shape every syntax and semantic error in this package uses.
func (tc *tokenCursor) errorf(format string, args ...any) error {
	return &SyntaxError{Source: tc.source, Line: tc.line(), Message: fmt.Sprintf(format, args...)}
}
