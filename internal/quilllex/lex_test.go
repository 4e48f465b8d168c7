// Copyright 2026 The Quill Authors
// SPDX-License-Identifier: MIT

package quilllex

import (
	"bufio"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func scanAll(t *testing.T, src string) []Token {
	t.Helper()
	s := NewScanner(bufio.NewReader(strings.NewReader(src)))
	var toks []Token
	for {
		tok, err := s.Scan()
		if err != nil {
			t.Fatalf("Scan(%q): %v", src, err)
		}
		toks = append(toks, tok)
		if tok.Kind == EOSToken {
			return toks
		}
	}
}

func TestScan(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want []TokenKind
	}{
		{
			name: "empty",
			src:  "",
			want: []TokenKind{EOSToken},
		},
		{
			name: "local assignment",
			src:  "local x = 1",
			want: []TokenKind{LocalToken, IdentifierToken, AssignToken, NumberToken, EOSToken},
		},
		{
			name: "upvalue prefix is not modulo",
			src:  "%x",
			want: []TokenKind{UpvalToken, IdentifierToken, EOSToken},
		},
		{
			name: "comparisons and concat",
			src:  "a <= b .. c ~= d",
			want: []TokenKind{
				IdentifierToken, LessEqToken, IdentifierToken,
				ConcatToken, IdentifierToken, NotEqualToken, IdentifierToken,
				EOSToken,
			},
		},
		{
			name: "vararg vs dot vs concat",
			src:  ". .. ...",
			want: []TokenKind{DotToken, ConcatToken, VarargToken, EOSToken},
		},
		{
			name: "line comment skipped",
			src:  "-- comment\nlocal",
			want: []TokenKind{LocalToken, EOSToken},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			toks := scanAll(t, test.src)
			var got []TokenKind
			for _, tok := range toks {
				got = append(got, tok.Kind)
			}
			if diff := cmp.Diff(test.want, got); diff != "" {
				t.Errorf("kinds (-want +got):\n%s", diff)
			}
		})
	}
}

func TestScanIdentifierValue(t *testing.T) {
	toks := scanAll(t, "foo bar_baz")
	if len(toks) < 2 || toks[0].Value != "foo" || toks[1].Value != "bar_baz" {
		t.Errorf("got %+v", toks)
	}
}

func TestScanStringEscapes(t *testing.T) {
	toks := scanAll(t, `"a\nb"`)
	if len(toks) < 1 || toks[0].Kind != StringToken || toks[0].Value != "a\nb" {
		t.Errorf("got %+v", toks)
	}
}

func TestScanUnfinishedString(t *testing.T) {
	s := NewScanner(bufio.NewReader(strings.NewReader(`"abc`)))
	if _, err := s.Scan(); err == nil {
		t.Error("expected error for unfinished string")
	}
}
