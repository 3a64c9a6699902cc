// Package nvcfgtest provides backends and helpers for testing code built on
// nvcfg.
package nvcfgtest

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/andreyvit/nvcfg"
	"github.com/andreyvit/nvcfg/logstore"
)

var Start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Logger returns a logger writing to t.Log at debug level.
func Logger(t testing.TB) *slog.Logger {
	return slog.New(slog.NewTextHandler(&logWriter{t}, &slog.HandlerOptions{
		AddSource: false,
		Level:     slog.LevelDebug,
	}))
}

// TestStore is a logstore.Store in a temporary directory with a fixed clock.
type TestStore struct {
	*logstore.Store

	T   testing.TB
	Dir string
	Opt logstore.Options

	now time.Time
}

// OpenStore opens a store in a new temporary directory.
func OpenStore(t testing.TB, o logstore.Options) *TestStore {
	return OpenStoreIn(t, t.TempDir(), o)
}

// OpenStoreIn opens a store in dir, closing it when the test ends.
func OpenStoreIn(t testing.TB, dir string, o logstore.Options) *TestStore {
	ts := &TestStore{T: t, Dir: dir, now: Start}
	if o.FileName == "" {
		o.FileName = "s*.log"
	}
	o.Now = func() time.Time { return ts.now }
	o.Logger = Logger(t)
	o.Verbose = true
	o.NoSync = true
	ts.Opt = o

	s, err := logstore.Open(dir, o)
	if err != nil {
		t.Fatalf("logstore.Open: %v", err)
	}
	ts.Store = s
	t.Cleanup(func() {
		s.Close()
	})
	return ts
}

// Reopen closes the store and opens it again over the same directory.
func (ts *TestStore) Reopen() *TestStore {
	ts.T.Helper()
	ensure(ts.Store.Close())
	return OpenStoreIn(ts.T, ts.Dir, ts.Opt)
}

func (ts *TestStore) Eq(fileName string, expected ...string) {
	ts.T.Helper()
	BytesEq(ts.T, ts.Data(fileName), Expand(expected...))
}

func (ts *TestStore) Put(fileName string, expected ...string) {
	ensure(os.WriteFile(filepath.Join(ts.Dir, fileName), Expand(expected...), 0o644))
}

func (ts *TestStore) Data(fileName string) []byte {
	b, err := os.ReadFile(filepath.Join(ts.Dir, fileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		ts.T.Fatalf("when reading %v: %v", fileName, err)
	}
	return b
}

func (ts *TestStore) Advance(d time.Duration) {
	ts.now = ts.now.Add(d)
}

// DirNames lists every file in the store directory.
func (ts *TestStore) DirNames() []string {
	var names []string
	for _, ent := range must(os.ReadDir(ts.Dir)) {
		names = append(names, ent.Name())
	}
	slices.Sort(names)
	return names
}

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

type logWriter struct{ t testing.TB }

func (w *logWriter) Write(buf []byte) (int, error) {
	w.t.Log(strings.TrimSuffix(string(buf), "\n"))
	return len(buf), nil
}

// Expand builds segment file contents from space-separated elements:
//
//	KEY=text    a record: uvarint(len<<1), 8-byte key, text; KEY is hex,
//	            right-aligned with leading zeros
//	'text       literal bytes
//	0a_ff       hex bytes, '_' separates
func Expand(elems ...string) []byte {
	var b []byte
	for _, line := range elems {
		for _, elem := range strings.Fields(line) {
			if text, ok := strings.CutPrefix(elem, "'"); ok {
				b = append(b, text...)
			} else if keyHex, value, ok := strings.Cut(elem, "="); ok {
				raw := must(hex.DecodeString(keyHex))
				if len(raw) > nvcfg.KeySize {
					panic(fmt.Sprintf("key too long in %q", elem))
				}
				var key nvcfg.Key
				copy(key[nvcfg.KeySize-len(raw):], raw)
				b = binary.AppendUvarint(b, uint64(len(value))<<1)
				b = append(b, key[:]...)
				b = append(b, value...)
			} else {
				b = append(b, must(hex.DecodeString(strings.ReplaceAll(elem, "_", "")))...)
			}
		}
	}
	return b
}

// BytesEq reports a hex dump of both sides when a and e differ.
func BytesEq(t testing.TB, a, e []byte) bool {
	t.Helper()
	if bytes.Equal(a, e) {
		return true
	}
	off := min(len(a), len(e))
	for i := range off {
		if a[i] != e[i] {
			off = i
			break
		}
	}
	t.Errorf("** got:\n%s\nwanted:\n%s\nfirst difference at 0x%x", hex.Dump(a), hex.Dump(e), off)
	return false
}
