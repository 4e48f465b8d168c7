// Copyright 2024 The zb Authors
// Copyright 2026 The Quill Authors
// SPDX-License-Identifier: MIT

package quillc

import (
	"bytes"
	"context"
	"fmt"
	"os"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"quill.run/pkg/internal/quillcode"
)

type disassembleOptions struct {
	inputFilename string
	full          bool
	rawPC         bool
	json          bool
}

func newDisassembleCommand() *cobra.Command {
	c := &cobra.Command{
		Use:                   "disassemble FILE",
		Short:                 "print a listing of compiled or source Quill bytecode",
		Args:                  cobra.ExactArgs(1),
		DisableFlagsInUseLine: true,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(disassembleOptions)
	c.Flags().BoolVarP(&opts.full, "full", "f", false, "also list constants, locals, and upvalues")
	c.Flags().BoolVarP(&opts.rawPC, "raw-pc", "0", false, "show literal PC values")
	c.Flags().BoolVar(&opts.json, "json", false, "print the prototype tree as JSON instead of a text listing")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		opts.inputFilename = args[0]
		return runDisassemble(cmd.Context(), opts)
	}
	return c
}

func runDisassemble(ctx context.Context, opts *disassembleOptions) error {
	data, err := os.ReadFile(opts.inputFilename)
	if err != nil {
		return err
	}

	var proto *quillcode.Prototype
	if proto, err = quillcode.Decode(data); err != nil {
		proto, err = compileFile(opts.inputFilename, "")
		if err != nil {
			return err
		}
	}

	if opts.json {
		out, err := jsonv2.Marshal(toJSONPrototype(proto), jsontext.Multiline(true))
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(append(out, '\n'))
		return err
	}

	colorize := term.IsTerminal(int(os.Stdout.Fd()))
	pcBase := 1
	if opts.rawPC {
		pcBase = 0
	}
	return listPrototypeAt(proto, opts.full, colorize, pcBase)
}

// listPrototype is the entry point compile.go's --list flag also uses.
func listPrototype(proto *quillcode.Prototype, full, colorize bool) error {
	return listPrototypeAt(proto, full, colorize, 1)
}

func listPrototypeAt(proto *quillcode.Prototype, full, colorize bool, pcBase int) error {
	functionNames := make(map[*quillcode.Prototype]string)
	nameFunctions(functionNames, proto)
	return printFunction(proto, functionNames, pcBase, full, colorize)
}

func printFunction(f *quillcode.Prototype, names map[*quillcode.Prototype]string, pcBase int, full, colorize bool) error {
	kind := "function"
	if f.IsMainChunk() {
		kind = "main"
	}
	plural := func(n int, unit string) string {
		if n == 1 {
			return "1 " + unit
		}
		return fmt.Sprintf("%d %ss", n, unit)
	}
	_, err := fmt.Printf(
		"\n%s <%s:%d,%d> (%s for %s)\n%d%s params, %s, %s, %s, %s, %s\n",
		kind, f.Source, f.LineDefined, f.LastLineDefined,
		plural(len(f.Code), "instruction"), names[f],
		f.NumParams, varargMark(f.IsVararg),
		plural(f.MaxStackSize, "slot"),
		plural(len(f.Upvalues), "upvalue"),
		plural(len(f.LocalVariables), "local"),
		plural(len(f.Strings)+len(f.Numbers), "constant"),
		plural(len(f.Functions), "function"),
	)
	if err != nil {
		return err
	}

	buf := new(bytes.Buffer)
	for pc, i := range f.Code {
		buf.Reset()
		fmt.Fprintf(buf, "\t%d\t", pcBase+pc)
		opName := i.OpCode().String()
		if colorize {
			opName = "\x1b[36m" + opName + "\x1b[0m"
		}
		fmt.Fprintf(buf, "%s\t%s", opName, instructionOperands(i))
		if comment := instructionComment(f, i, names, pcBase, pc); comment != "" {
			fmt.Fprintf(buf, "\t; %s", comment)
		}
		buf.WriteByte('\n')
		if _, err := os.Stdout.Write(buf.Bytes()); err != nil {
			return err
		}
	}

	if full {
		if err := printConstants(f); err != nil {
			return err
		}
		if err := printLocals(f, pcBase); err != nil {
			return err
		}
		if err := printUpvalues(f); err != nil {
			return err
		}
	}

	for _, nested := range f.Functions {
		if err := printFunction(nested, names, pcBase, full, colorize); err != nil {
			return err
		}
	}
	return nil
}

func varargMark(isVararg bool) string {
	if isVararg {
		return "+"
	}
	return ""
}

// instructionOperands formats the raw operand fields of i, independent
// of any constant-pool comment.
func instructionOperands(i quillcode.Instruction) string {
	switch i.OpCode().Mode() {
	case quillcode.OpModeNone:
		return ""
	case quillcode.OpModeU:
		return fmt.Sprintf("%d", i.ArgU())
	default:
		return fmt.Sprintf("%d %d", i.ArgA(), i.ArgB())
	}
}

func instructionComment(f *quillcode.Prototype, i quillcode.Instruction, names map[*quillcode.Prototype]string, pcBase, pc int) string {
	switch i.OpCode() {
	case quillcode.OpPushStr, quillcode.OpGetGlobal, quillcode.OpSetGlobal, quillcode.OpPushSelf:
		if k := int(i.ArgU()); k < len(f.Strings) {
			return f.Strings[k]
		}
	case quillcode.OpPushNum:
		if k := int(i.ArgU()); k < len(f.Numbers) {
			return f.Numbers[k].GoString()
		}
	case quillcode.OpClosure:
		if k := int(i.ArgA()); k < len(f.Functions) {
			return names[f.Functions[k]]
		}
	}
	return ""
}

func printConstants(f *quillcode.Prototype) error {
	if _, err := fmt.Printf("strings (%d):\n", len(f.Strings)); err != nil {
		return err
	}
	for i, s := range f.Strings {
		if _, err := fmt.Printf("\t%d\t%q\n", i, s); err != nil {
			return err
		}
	}
	if _, err := fmt.Printf("numbers (%d):\n", len(f.Numbers)); err != nil {
		return err
	}
	for i, n := range f.Numbers {
		if _, err := fmt.Printf("\t%d\t%s\n", i, n.GoString()); err != nil {
			return err
		}
	}
	return nil
}

func printLocals(f *quillcode.Prototype, pcBase int) error {
	if _, err := fmt.Printf("locals (%d):\n", len(f.LocalVariables)); err != nil {
		return err
	}
	for i, v := range f.LocalVariables {
		_, err := fmt.Printf("\t%d\t%s\t%d\t%d\n", i, v.Name, pcBase+v.StartPC, pcBase+v.EndPC)
		if err != nil {
			return err
		}
	}
	return nil
}

func printUpvalues(f *quillcode.Prototype) error {
	if _, err := fmt.Printf("upvalues (%d):\n", len(f.Upvalues)); err != nil {
		return err
	}
	for i, uv := range f.Upvalues {
		kind := "local"
		if uv.Kind == quillcode.UpvalueFromGlobal {
			kind = "global"
		}
		_, err := fmt.Printf("\t%d\t%s\t%s\t%d\n", i, uv.Name, kind, uv.Index)
		if err != nil {
			return err
		}
	}
	return nil
}

// nameFunctions assigns a debug name to f and every prototype it
// nests, for use in CLOSURE comments and function headers.
func nameFunctions(names map[*quillcode.Prototype]string, f *quillcode.Prototype) {
	base := names[f]
	isTop := base == ""
	if isTop {
		if f.IsMainChunk() {
			base = "main"
		} else {
			base = "top"
		}
		names[f] = base
	}
	for i, nested := range f.Functions {
		var name string
		if isTop {
			name = fmt.Sprintf("F[%d]", i)
		} else {
			name = fmt.Sprintf("%s[%d]", base, i)
		}
		names[nested] = name
		nameFunctions(names, nested)
	}
}

// jsonPrototype is a flattened JSON view of a [quillcode.Prototype],
// kept separate from the core type so the wire shape of `qlc
// disassemble --json` can evolve without touching quillcode's own
// field names.
type jsonPrototype struct {
	Source          string           `json:"source"`
	LineDefined     int              `json:"lineDefined"`
	LastLineDefined int              `json:"lastLineDefined"`
	NumParams       uint8            `json:"numParams"`
	IsVararg        bool             `json:"isVararg"`
	MainChunk       bool             `json:"mainChunk"`
	MaxStackSize    int              `json:"maxStackSize"`
	Instructions    []string         `json:"instructions"`
	Strings         []string         `json:"strings"`
	Numbers         []string         `json:"numbers"`
	Locals          []jsonLocal      `json:"locals"`
	Upvalues        []jsonUpvalue    `json:"upvalues"`
	Functions       []*jsonPrototype `json:"functions"`
}

type jsonLocal struct {
	Name    string `json:"name"`
	StartPC int    `json:"startPC"`
	EndPC   int    `json:"endPC"`
}

type jsonUpvalue struct {
	Name  string `json:"name"`
	Kind  string `json:"kind"`
	Index int    `json:"index"`
}

func toJSONPrototype(f *quillcode.Prototype) *jsonPrototype {
	j := &jsonPrototype{
		Source:          f.Source,
		LineDefined:     f.LineDefined,
		LastLineDefined: f.LastLineDefined,
		NumParams:       f.NumParams,
		IsVararg:        f.IsVararg,
		MainChunk:       f.IsMainChunk(),
		MaxStackSize:    f.MaxStackSize,
		Strings:         f.Strings,
	}
	for _, i := range f.Code {
		j.Instructions = append(j.Instructions, i.String())
	}
	for _, n := range f.Numbers {
		j.Numbers = append(j.Numbers, n.GoString())
	}
	for _, lv := range f.LocalVariables {
		j.Locals = append(j.Locals, jsonLocal{lv.Name, lv.StartPC, lv.EndPC})
	}
	for _, uv := range f.Upvalues {
		kind := "local"
		if uv.Kind == quillcode.UpvalueFromGlobal {
			kind = "global"
		}
		j.Upvalues = append(j.Upvalues, jsonUpvalue{uv.Name, kind, uv.Index})
	}
	for _, nested := range f.Functions {
		j.Functions = append(j.Functions, toJSONPrototype(nested))
	}
	return j
}
