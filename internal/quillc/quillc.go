// Copyright 2024 The zb Authors
// Copyright 2026 The Quill Authors
// SPDX-License-Identifier: MIT

// Package quillc provides the Cobra command tree for qlc, the Quill
// compiler front end. Its command-line shape follows luac(1), the way
// the teacher's internal/luac wraps it for Lua.
package quillc

import (
	"os"
	"sync"

	"github.com/spf13/cobra"
	"zombiezen.com/go/log"
)

// New returns the qlc root command with its compile, disassemble, and
// build subcommands attached.
func New() *cobra.Command {
	root := &cobra.Command{
		Use:           "qlc",
		Short:         "Quill compiler front end",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	showDebug := root.PersistentFlags().Bool("debug", false, "show debugging output")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		initLogging(*showDebug)
		return nil
	}
	root.AddCommand(
		newCompileCommand(),
		newDisassembleCommand(),
		newBuildCommand(),
	)
	return root
}

var initLogOnce sync.Once

func initLogging(showDebug bool) {
	initLogOnce.Do(func() {
		minLogLevel := log.Info
		if showDebug {
			minLogLevel = log.Debug
		}
		log.SetDefault(&log.LevelFilter{
			Min:    minLogLevel,
			Output: log.New(os.Stderr, "qlc: ", log.StdFlags, nil),
		})
	})
}
