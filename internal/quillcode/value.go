// Copyright (C) 1994-2001 Lua.org, PUC-Rio.
// Copyright 2024 The zb Authors
// Copyright 2026 The Quill Authors
// SPDX-License-Identifier: MIT

package quillcode

import (
	"math"
	"strconv"
)

type valueType byte

const (
	valueTypeNil valueType = iota
	valueTypeBool
	valueTypeInt
	valueTypeFloat
	valueTypeString
)

// Value is a constant that can live in a [Prototype]'s constant pools:
// nil, a boolean, an integer, a float, or a string.
// The zero value is nil.
type Value struct {
	bits uint64
	s    string
	t    valueType
}

// NilValue returns the nil constant.
func NilValue() Value { return Value{} }

// BoolValue converts a boolean to a [Value].
func BoolValue(b bool) Value {
	v := Value{t: valueTypeBool}
	if b {
		v.bits = 1
	}
	return v
}

// IntValue converts an integer to a [Value].
func IntValue(i int64) Value {
	return Value{t: valueTypeInt, bits: uint64(i)}
}

// FloatValue converts a floating-point number to a [Value].
func FloatValue(f float64) Value {
	return Value{t: valueTypeFloat, bits: math.Float64bits(f)}
}

// StringValue converts a string to a [Value].
func StringValue(s string) Value {
	return Value{t: valueTypeString, s: s}
}

// IsNil reports whether v is the nil constant.
func (v Value) IsNil() bool { return v.t == valueTypeNil }

// Bool returns v's boolean value and true, or false, false if v is not a boolean.
func (v Value) Bool() (bool, bool) {
	if v.t != valueTypeBool {
		return false, false
	}
	return v.bits != 0, true
}

// Int returns v's integer value and true, or 0, false if v is not an integer.
func (v Value) Int() (int64, bool) {
	if v.t != valueTypeInt {
		return 0, false
	}
	return int64(v.bits), true
}

// Float returns v's float value and true, or 0, false if v is not a float.
func (v Value) Float() (float64, bool) {
	if v.t != valueTypeFloat {
		return 0, false
	}
	return math.Float64frombits(v.bits), true
}

// String returns v's string value and true, or "", false if v is not a string.
func (v Value) String() (string, bool) {
	if v.t != valueTypeString {
		return "", false
	}
	return v.s, true
}

// GoString formats v for debugging listings.
func (v Value) GoString() string {
	switch v.t {
	case valueTypeNil:
		return "nil"
	case valueTypeBool:
		b, _ := v.Bool()
		return strconv.FormatBool(b)
	case valueTypeInt:
		i, _ := v.Int()
		return strconv.FormatInt(i, 10)
	case valueTypeFloat:
		f, _ := v.Float()
		return strconv.FormatFloat(f, 'g', -1, 64)
	case valueTypeString:
		return strconv.Quote(v.s)
	default:
		return "?"
	}
}
