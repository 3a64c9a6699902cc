// Package mmap maps log segments into memory for replay, and syncs them to
// stable storage.
package mmap

import (
	"fmt"
	"math"
	"os"
)

// MaxSize is the largest file MapFile accepts: the address space on 32-bit
// platforms, 256TB elsewhere.
const MaxSize = min(math.MaxInt, 1<<48-1)

type Options uint

const (
	// Writable opens the file for writing (otherwise, it's opened read-only).
	Writable Options = 1 << 0

	// SequentialAccess is a hint requesting aggressive read-ahead.
	// Incompatible with RandomAccess. Maps to MADV_SEQUENTIAL on Unix.
	SequentialAccess Options = 1 << 1

	// RandomAccess is a hint that read ahead is less useful than normally.
	// Incompatible with SequentialAccess. Maps to MADV_RANDOM on Unix.
	RandomAccess Options = 1 << 2

	// Prefault is a hint requesting the entire file to be loaded in memory
	// for fastest access. Maps to MAP_POPULATE on Linux.
	Prefault Options = 1 << 3
)

func (o Options) Has(v Options) bool {
	return o&v != 0
}

// Mmap maps size bytes of f starting at offset, which must be zero.
func Mmap(f *os.File, offset, size int, opt Options) ([]byte, error) {
	if offset != 0 {
		panic("non-zero offset not yet supported")
	}
	return mmap(f, size, opt)
}

// Munmap unmaps the given slice from memory. The slice must have been returned
// by Mmap.
func Munmap(b []byte) error {
	return munmap(b)
}

// MapFile maps the whole of f. An empty file yields a nil slice, which must
// not be passed to Munmap.
func MapFile(f *os.File, opt Options) ([]byte, error) {
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := st.Size()
	if size == 0 {
		return nil, nil
	}
	if size > MaxSize {
		return nil, fmt.Errorf("%s: size %d exceeds mmap limit", f.Name(), size)
	}
	return mmap(f, int(size), opt)
}
