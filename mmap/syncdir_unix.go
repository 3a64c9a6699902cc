//go:build unix

package mmap

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	err = f.Sync()
	// some file systems refuse to fsync directories
	if errors.Is(err, unix.EINVAL) {
		return nil
	}
	return err
}
