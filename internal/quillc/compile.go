// Copyright 2024 The zb Authors
// Copyright 2026 The Quill Authors
// SPDX-License-Identifier: MIT

package quillc

import (
	"bufio"
	"context"
	"os"

	"github.com/spf13/cobra"
	"zombiezen.com/go/log"

	"quill.run/pkg/internal/quillcode"
)

type compileOptions struct {
	inputFilename  string
	outputFilename string
	sourceName     string
	list           bool
	parseOnly      bool
	stripDebug     bool
}

func newCompileCommand() *cobra.Command {
	c := &cobra.Command{
		Use:                   "compile FILE",
		Short:                 "compile a Quill source file to bytecode",
		Args:                  cobra.ExactArgs(1),
		DisableFlagsInUseLine: true,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(compileOptions)
	c.Flags().StringVarP(&opts.outputFilename, "output", "o", "qlc.out", "output to `filename`")
	c.Flags().BoolVarP(&opts.list, "list", "l", false, "print a listing of the compiled bytecode")
	c.Flags().BoolVarP(&opts.parseOnly, "parse-only", "p", false, "do not write bytecode")
	c.Flags().BoolVarP(&opts.stripDebug, "strip-debug", "s", false, "strip line and local-variable debug information")
	c.Flags().StringVar(&opts.sourceName, "source", "", "source `name` to show in debug information instead of filename")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		opts.inputFilename = args[0]
		return runCompile(cmd.Context(), opts)
	}
	return c
}

func runCompile(ctx context.Context, opts *compileOptions) error {
	proto, err := compileFile(opts.inputFilename, opts.sourceName)
	if err != nil {
		return err
	}
	if opts.stripDebug {
		stripDebugInfo(proto)
	}

	if opts.list {
		if err := listPrototype(proto, false, false); err != nil {
			return err
		}
	}
	if opts.parseOnly {
		return nil
	}

	log.Infof(ctx, "writing %s", opts.outputFilename)
	if err := os.WriteFile(opts.outputFilename, proto.Encode(), 0o666); err != nil {
		return err
	}
	return nil
}

// compileFile parses the Quill source at path and returns its
// compiled main-chunk prototype.
func compileFile(path, sourceName string) (*quillcode.Prototype, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	source := sourceName
	if source == "" {
		source = path
	}
	return quillcode.Parse(source, bufio.NewReader(f))
}

// stripDebugInfo clears line and local-variable debug information
// from p and every prototype it nests, for a smaller compiled output.
func stripDebugInfo(p *quillcode.Prototype) {
	p.LineInfo = nil
	p.LocalVariables = nil
	for _, fn := range p.Functions {
		stripDebugInfo(fn)
	}
}
