// Copyright 2026 The Quill Authors
// SPDX-License-Identifier: MIT

package quillcode

import "fmt"

// SyntaxError records a compile-time diagnostic with enough structure
// for a caller to do more than print it: the source name and line the
// error was detected at, and the message text alone.
type SyntaxError struct {
	Source  string
	Line    int
	Message string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("%s:%d: %s", e.Source, e.Line, e.Message)
}
