package nvcfg

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
)

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func ensure(err error) {
	if err != nil {
		panic(err)
	}
}

func rpad(s string, n int, pad rune) string {
	rem := n - len(s)
	if rem <= 0 {
		return s
	}
	return s + strings.Repeat(string(pad), rem)
}

type panicked struct {
	reason any
	stack  string
}

func (p panicked) Error() string {
	return fmt.Sprintf("panic: %v\n\n%s", p.reason, p.stack)
}

func safeEncode[T any](codec Codec[T], buf []byte, v T) (out []byte, err error) {
	defer func() {
		if p := recover(); p != nil {
			out, err = buf, panicked{p, string(debug.Stack())}
		}
	}()
	return codec.Encode(buf, v)
}

func safeDecode[T any](codec Codec[T], data []byte) (v T, meta DecodeMeta, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = decodeErrf(Malformed, data, panicked{p, string(debug.Stack())}, "codec panicked")
		}
	}()
	return codec.Decode(data)
}

func hexstr(b []byte) string {
	if b == nil {
		return "<nil>"
	}
	if len(b) == 0 {
		return "<empty>"
	}
	return hex.EncodeToString(b)
}

func hexAttr(key string, b []byte) slog.Attr {
	return slog.String(key, hexstr(b))
}

func keyAttr(k Key) slog.Attr {
	return slog.String("key", k.String())
}
