// Copyright (C) 1994-2001 Lua.org, PUC-Rio.
// Copyright 2024 The zb Authors
// Copyright 2026 The Quill Authors
// SPDX-License-Identifier: MIT

package quillcode

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Encode and Decode give a [Prototype] a private binary round-trip
// format, in the shape of the chunk reader/writer internal/luacode's
// load.go uses for precompiled Lua chunks: a big-endian fixed-width
// instruction stream plus varint-prefixed pools and strings. Unlike
// load.go's format this carries no on-disk signature, version, or
// endianness-probe header — there is no external tool this needs to
// interoperate with, only quillc's own compile/disassemble round trip.

const (
	numberDumpInt   byte = 0x00
	numberDumpFloat byte = 0x01
)

// Encode serializes p and every prototype it nests into a byte slice
// that [Decode] reconstructs into an equal tree.
func (p *Prototype) Encode() []byte {
	w := new(chunkWriter)
	w.writeFunction(p)
	return w.buf
}

// Decode reverses [Prototype.Encode].
func Decode(data []byte) (*Prototype, error) {
	r := &chunkReader{s: data}
	f, err := r.readFunction()
	if err != nil {
		return nil, fmt.Errorf("decode prototype: %w", err)
	}
	if len(r.s) != 0 {
		return nil, fmt.Errorf("decode prototype: %d unread trailing bytes", len(r.s))
	}
	return f, nil
}

type chunkWriter struct {
	buf []byte
}

func (w *chunkWriter) writeByte(b byte) {
	w.buf = append(w.buf, b)
}

func (w *chunkWriter) writeBool(b bool) {
	if b {
		w.writeByte(1)
	} else {
		w.writeByte(0)
	}
}

// writeVarint encodes x (which must be non-negative) as a sequence of
// 7-bit groups, most significant group first, with the continuation
// bit (0x80) set on the final (least significant) byte only —
// matching internal/luacode/load.go's chunkReader.readVarint exactly,
// just with the writer half it doesn't need.
func (w *chunkWriter) writeVarint(x int) {
	if x < 0 {
		panic("quillcode: negative varint")
	}
	var groups [10]byte
	n := 1
	u := uint64(x)
	groups[len(groups)-1] = byte(u & 0x7f)
	u >>= 7
	for u > 0 {
		n++
		groups[len(groups)-n] = byte(u & 0x7f)
		u >>= 7
	}
	start := len(groups) - n
	for _, b := range groups[start : len(groups)-1] {
		w.writeByte(b)
	}
	w.writeByte(groups[len(groups)-1] | 0x80)
}

func (w *chunkWriter) writeString(s string) {
	w.writeVarint(len(s) + 1)
	w.buf = append(w.buf, s...)
}

func (w *chunkWriter) writeInstruction(i Instruction) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(i))
	w.buf = append(w.buf, tmp[:]...)
}

func (w *chunkWriter) writeInt64(i int64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(i))
	w.buf = append(w.buf, tmp[:]...)
}

func (w *chunkWriter) writeFloat64(f float64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], math.Float64bits(f))
	w.buf = append(w.buf, tmp[:]...)
}

func (w *chunkWriter) writeFunction(f *Prototype) {
	w.writeString(f.Source)
	w.writeVarint(f.LineDefined)
	w.writeVarint(f.LastLineDefined)
	w.writeByte(f.NumParams)
	w.writeBool(f.IsVararg)
	w.writeBool(f.mainChunk)
	w.writeVarint(f.MaxStackSize)

	w.writeVarint(len(f.Code))
	for _, i := range f.Code {
		w.writeInstruction(i)
	}

	w.writeVarint(len(f.LineInfo))
	for _, l := range f.LineInfo {
		w.writeInt64(int64(l))
	}

	w.writeVarint(len(f.Strings))
	for _, s := range f.Strings {
		w.writeString(s)
	}

	w.writeVarint(len(f.Numbers))
	for _, n := range f.Numbers {
		if i, ok := n.Int(); ok {
			w.writeByte(numberDumpInt)
			w.writeInt64(i)
		} else {
			fl, _ := n.Float()
			w.writeByte(numberDumpFloat)
			w.writeFloat64(fl)
		}
	}

	w.writeVarint(len(f.Upvalues))
	for _, uv := range f.Upvalues {
		w.writeString(uv.Name)
		w.writeByte(byte(uv.Kind))
		w.writeVarint(uv.Index)
	}

	w.writeVarint(len(f.LocalVariables))
	for _, lv := range f.LocalVariables {
		w.writeString(lv.Name)
		w.writeVarint(lv.StartPC)
		w.writeVarint(lv.EndPC)
	}

	w.writeVarint(len(f.Functions))
	for _, fn := range f.Functions {
		w.writeFunction(fn)
	}
}

type chunkReader struct {
	s []byte
}

func (r *chunkReader) readByte() (byte, bool) {
	if len(r.s) == 0 {
		return 0, false
	}
	b := r.s[0]
	r.s = r.s[1:]
	return b, true
}

func (r *chunkReader) readBool() (bool, bool) {
	b, ok := r.readByte()
	return b != 0, ok
}

func (r *chunkReader) readVarint() (int, error) {
	var x uint64
	for {
		b, ok := r.readByte()
		if !ok {
			return 0, io.ErrUnexpectedEOF
		}
		if x >= math.MaxInt>>7 {
			return 0, errors.New("varint overflow")
		}
		x = (x << 7) | uint64(b&0x7f)
		if b&0x80 != 0 {
			return int(x), nil
		}
	}
}

func (r *chunkReader) readString() (string, error) {
	n, err := r.readVarint()
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", errors.New("invalid string length")
	}
	n--
	if len(r.s) < n {
		return "", io.ErrUnexpectedEOF
	}
	s := string(r.s[:n])
	r.s = r.s[n:]
	return s, nil
}

func (r *chunkReader) readInstruction() (Instruction, error) {
	if len(r.s) < 4 {
		return 0, io.ErrUnexpectedEOF
	}
	i := Instruction(binary.BigEndian.Uint32(r.s))
	r.s = r.s[4:]
	return i, nil
}

func (r *chunkReader) readInt64() (int64, error) {
	if len(r.s) < 8 {
		return 0, io.ErrUnexpectedEOF
	}
	i := int64(binary.BigEndian.Uint64(r.s))
	r.s = r.s[8:]
	return i, nil
}

func (r *chunkReader) readFloat64() (float64, error) {
	if len(r.s) < 8 {
		return 0, io.ErrUnexpectedEOF
	}
	f := math.Float64frombits(binary.BigEndian.Uint64(r.s))
	r.s = r.s[8:]
	return f, nil
}

func (r *chunkReader) readFunction() (*Prototype, error) {
	f := new(Prototype)

	var err error
	f.Source, err = r.readString()
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	f.LineDefined, err = r.readVarint()
	if err != nil {
		return nil, fmt.Errorf("line defined: %w", err)
	}
	f.LastLineDefined, err = r.readVarint()
	if err != nil {
		return nil, fmt.Errorf("last line defined: %w", err)
	}
	numParams, ok := r.readByte()
	if !ok {
		return nil, fmt.Errorf("number of parameters: %w", io.ErrUnexpectedEOF)
	}
	f.NumParams = numParams
	f.IsVararg, ok = r.readBool()
	if !ok {
		return nil, fmt.Errorf("is vararg: %w", io.ErrUnexpectedEOF)
	}
	f.mainChunk, ok = r.readBool()
	if !ok {
		return nil, fmt.Errorf("main chunk flag: %w", io.ErrUnexpectedEOF)
	}
	f.MaxStackSize, err = r.readVarint()
	if err != nil {
		return nil, fmt.Errorf("max stack size: %w", err)
	}

	n, err := r.readVarint()
	if err != nil {
		return nil, fmt.Errorf("code length: %w", err)
	}
	f.Code = make([]Instruction, n)
	for i := range f.Code {
		f.Code[i], err = r.readInstruction()
		if err != nil {
			return nil, fmt.Errorf("code[%d]: %w", i, err)
		}
	}

	n, err = r.readVarint()
	if err != nil {
		return nil, fmt.Errorf("line info length: %w", err)
	}
	f.LineInfo = make([]int32, n)
	for i := range f.LineInfo {
		l, err := r.readInt64()
		if err != nil {
			return nil, fmt.Errorf("line info[%d]: %w", i, err)
		}
		f.LineInfo[i] = int32(l)
	}

	n, err = r.readVarint()
	if err != nil {
		return nil, fmt.Errorf("strings length: %w", err)
	}
	f.Strings = make([]string, n)
	for i := range f.Strings {
		f.Strings[i], err = r.readString()
		if err != nil {
			return nil, fmt.Errorf("strings[%d]: %w", i, err)
		}
	}

	n, err = r.readVarint()
	if err != nil {
		return nil, fmt.Errorf("numbers length: %w", err)
	}
	f.Numbers = make([]Value, n)
	for i := range f.Numbers {
		tag, ok := r.readByte()
		if !ok {
			return nil, fmt.Errorf("numbers[%d]: %w", i, io.ErrUnexpectedEOF)
		}
		switch tag {
		case numberDumpInt:
			v, err := r.readInt64()
			if err != nil {
				return nil, fmt.Errorf("numbers[%d]: %w", i, err)
			}
			f.Numbers[i] = IntValue(v)
		case numberDumpFloat:
			v, err := r.readFloat64()
			if err != nil {
				return nil, fmt.Errorf("numbers[%d]: %w", i, err)
			}
			f.Numbers[i] = FloatValue(v)
		default:
			return nil, fmt.Errorf("numbers[%d]: unknown tag %#02x", i, tag)
		}
	}

	n, err = r.readVarint()
	if err != nil {
		return nil, fmt.Errorf("upvalues length: %w", err)
	}
	f.Upvalues = make([]UpvalueDescriptor, n)
	for i := range f.Upvalues {
		f.Upvalues[i].Name, err = r.readString()
		if err != nil {
			return nil, fmt.Errorf("upvalues[%d]: name: %w", i, err)
		}
		kind, ok := r.readByte()
		if !ok {
			return nil, fmt.Errorf("upvalues[%d]: kind: %w", i, io.ErrUnexpectedEOF)
		}
		f.Upvalues[i].Kind = UpvalueKind(kind)
		f.Upvalues[i].Index, err = r.readVarint()
		if err != nil {
			return nil, fmt.Errorf("upvalues[%d]: index: %w", i, err)
		}
	}

	n, err = r.readVarint()
	if err != nil {
		return nil, fmt.Errorf("local variables length: %w", err)
	}
	f.LocalVariables = make([]LocalVariable, n)
	for i := range f.LocalVariables {
		f.LocalVariables[i].Name, err = r.readString()
		if err != nil {
			return nil, fmt.Errorf("local variables[%d]: name: %w", i, err)
		}
		f.LocalVariables[i].StartPC, err = r.readVarint()
		if err != nil {
			return nil, fmt.Errorf("local variables[%d]: start pc: %w", i, err)
		}
		f.LocalVariables[i].EndPC, err = r.readVarint()
		if err != nil {
			return nil, fmt.Errorf("local variables[%d]: end pc: %w", i, err)
		}
	}

	n, err = r.readVarint()
	if err != nil {
		return nil, fmt.Errorf("prototypes length: %w", err)
	}
	f.Functions = make([]*Prototype, n)
	for i := range f.Functions {
		f.Functions[i], err = r.readFunction()
		if err != nil {
			return nil, fmt.Errorf("prototypes[%d]: %w", i, err)
		}
	}

	return f, nil
}
