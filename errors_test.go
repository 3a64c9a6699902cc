package nvcfg

import (
	"errors"
	"strings"
	"testing"
)

func TestCellError_ErrorAndUnwrap(t *testing.T) {
	inner := errors.New("inner")
	key := DeriveKey("wifi/ssid")
	err := cellErrf("wifi/ssid", key, inner, "oops %d", 1)
	if !errors.Is(err, inner) {
		t.Fatalf("errors.Is(err, inner) = false, wanted true")
	}
	var ce *CellError
	if !errors.As(err, &ce) || ce.Path != "wifi/ssid" || ce.Key != key {
		t.Fatalf("err = %#v, wanted *CellError for wifi/ssid", err)
	}
	s := err.Error()
	if !strings.Contains(s, "wifi/ssid") || !strings.Contains(s, key.String()) || !strings.Contains(s, "oops 1") || !strings.Contains(s, "inner") {
		t.Fatalf("err.Error() = %q, wanted path/key/msg/inner", s)
	}

	s = cellErrf("a", Key{}, ErrFull, "").Error()
	if s != "a [0000000000000000]: registry full" {
		t.Fatalf("err.Error() = %q", s)
	}
}

func TestDecodeError_Is(t *testing.T) {
	tests := []struct {
		kind                        DecodeErrorKind
		malformed, mismatch, newer bool
	}{
		{Malformed, true, false, false},
		{SchemaMismatch, false, true, false},
		{NewerSchema, false, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			var err error = decodeErrf(tt.kind, nil, nil, "x")
			if a := errors.Is(err, ErrMalformed); a != tt.malformed {
				t.Errorf("Is(ErrMalformed) = %v, wanted %v", a, tt.malformed)
			}
			if a := errors.Is(err, ErrSchemaMismatch); a != tt.mismatch {
				t.Errorf("Is(ErrSchemaMismatch) = %v, wanted %v", a, tt.mismatch)
			}
			if a := IsNewerSchema(err); a != tt.newer {
				t.Errorf("IsNewerSchema = %v, wanted %v", a, tt.newer)
			}
			wrapped := cellErrf("p", Key{}, err, "")
			if a := IsNewerSchema(wrapped); a != tt.newer {
				t.Errorf("IsNewerSchema(wrapped) = %v, wanted %v", a, tt.newer)
			}
		})
	}
}

func TestDecodeError_Error(t *testing.T) {
	t.Run("small data", func(t *testing.T) {
		inner := errors.New("inner")
		err := decodeErrf(Malformed, []byte{0xAA, 0xBB}, inner, "oops")
		if !errors.Is(err, inner) {
			t.Fatalf("errors.Is(err, inner) = false, wanted true")
		}
		s := err.Error()
		if !strings.HasPrefix(s, "malformed: oops: inner") || !strings.Contains(s, "(2) aabb") {
			t.Fatalf("err.Error() = %q", s)
		}
	})

	t.Run("large data is truncated", func(t *testing.T) {
		data := make([]byte, 200)
		s := decodeErrf(SchemaMismatch, data, nil, "oops").Error()
		if !strings.Contains(s, "(200)") || !strings.HasSuffix(s, "...") {
			t.Fatalf("err.Error() = %q, wanted message with (200) and ...", s)
		}
	})

	if s := DecodeErrorKind(42).String(); s != "DecodeErrorKind(42)" {
		t.Fatalf("String() = %q", s)
	}
}

func TestBackendError(t *testing.T) {
	if err := backendErr("commit", nil); err != nil {
		t.Fatalf("backendErr(nil) = %v, wanted nil", err)
	}

	inner := errors.New("disk on fire")
	err := backendErr("commit", inner)
	if s := err.Error(); s != "backend commit: disk on fire" {
		t.Fatalf("err.Error() = %q", s)
	}
	if !errors.Is(err, inner) {
		t.Fatalf("errors.Is(err, inner) = false, wanted true")
	}

	if again := backendErr("put", err); again != err {
		t.Fatalf("backendErr rewrapped %v as %v", err, again)
	}
}

func TestFlushError(t *testing.T) {
	inner := errors.New("inner")
	s := (&FlushError{Attempts: 2, Err: inner}).Error()
	if s != "flush failed (attempt 2): inner" {
		t.Fatalf("Error() = %q", s)
	}
	s = (&FlushError{Attempts: 6, Persistent: true, Err: inner}).Error()
	if !strings.Contains(s, "giving up") {
		t.Fatalf("Error() = %q, wanted giving up", s)
	}
	if !errors.Is(&FlushError{Err: inner}, inner) {
		t.Fatalf("errors.Is(err, inner) = false, wanted true")
	}
}
