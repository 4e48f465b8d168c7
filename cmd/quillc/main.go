// Copyright 2024 The zb Authors
// Copyright 2026 The Quill Authors
// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"os"

	"quill.run/pkg/internal/quillc"
)

func main() {
	rootCommand := quillc.New()
	if err := rootCommand.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "qlc:", err)
		os.Exit(1)
	}
}
