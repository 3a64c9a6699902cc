//go:build unix

package mmap

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

func mmap(f *os.File, size int, opt Options) ([]byte, error) {
	prot := unix.PROT_READ
	if opt.Has(Writable) {
		prot |= unix.PROT_WRITE
	}
	flags := unix.MAP_SHARED
	if opt.Has(Prefault) {
		flags |= mapPopulate
	}

	b, err := unix.Mmap(int(f.Fd()), 0, size, prot, flags)
	if err != nil {
		return nil, err
	}
	if err := advise(b, opt); err != nil {
		unix.Munmap(b)
		return nil, err
	}
	return b, nil
}

// advise passes the access pattern hint on to the kernel. Kernels without
// madvise support return ENOSYS and map the file just the same.
func advise(b []byte, opt Options) error {
	var advice int
	var name string
	switch {
	case opt.Has(SequentialAccess):
		advice, name = unix.MADV_SEQUENTIAL, "MADV_SEQUENTIAL"
	case opt.Has(RandomAccess):
		advice, name = unix.MADV_RANDOM, "MADV_RANDOM"
	default:
		return nil
	}
	err := unix.Madvise(b, advice)
	if err != nil && !errors.Is(err, unix.ENOSYS) {
		return fmt.Errorf("madvise(%s): %w", name, err)
	}
	return nil
}

func munmap(b []byte) error {
	return unix.Munmap(b)
}
