package nvcfg

import (
	"errors"
	"strings"
	"testing"
)

type panickyCodec struct{}

func (panickyCodec) Encode(buf []byte, v int) ([]byte, error) {
	panic("encode boom")
}

func (panickyCodec) Decode(data []byte) (int, DecodeMeta, error) {
	panic("decode boom")
}

func TestSafeEncode_recoversPanic(t *testing.T) {
	buf := []byte("x")
	out, err := safeEncode[int](panickyCodec{}, buf, 1)
	var p panicked
	if !errors.As(err, &p) {
		t.Fatalf("err = %T %v, wanted panicked", err, err)
	}
	if !strings.Contains(err.Error(), "encode boom") {
		t.Fatalf("err.Error() = %q", err.Error())
	}
	if string(out) != "x" {
		t.Fatalf("out = %q, wanted buf unchanged", out)
	}
}

func TestSafeDecode_recoversPanic(t *testing.T) {
	_, _, err := safeDecode[int](panickyCodec{}, []byte{1})
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("err = %v, wanted ErrMalformed", err)
	}
	if !strings.Contains(err.Error(), "decode boom") {
		t.Fatalf("err.Error() = %q", err.Error())
	}
}

func TestHexstr(t *testing.T) {
	tests := []struct {
		in       []byte
		expected string
	}{
		{nil, "<nil>"},
		{[]byte{}, "<empty>"},
		{[]byte{0xAB, 0x01}, "ab01"},
	}
	for _, tt := range tests {
		if a := hexstr(tt.in); a != tt.expected {
			t.Errorf("hexstr(%v) = %q, wanted %q", tt.in, a, tt.expected)
		}
	}
}

func TestRpad(t *testing.T) {
	if a := rpad("ab", 4, '.'); a != "ab.." {
		t.Fatalf("rpad = %q", a)
	}
	if a := rpad("abcdef", 4, '.'); a != "abcdef" {
		t.Fatalf("rpad = %q", a)
	}
}
