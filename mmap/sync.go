package mmap

import "os"

// Fdatasync flushes the data written to f to stable storage, skipping
// metadata such as modification times where the OS allows it.
//
// An error here is not recoverable: the kernel may have dropped the dirty
// pages, and whatever reads back afterwards says nothing about the disk. The
// caller must stop writing and recover by reopening.
func Fdatasync(f *os.File) error {
	return fdatasync(f)
}

// SyncDir makes file creations and removals in dir durable. Platforms without
// directory sync treat it as a no-op.
func SyncDir(dir string) error {
	return syncDir(dir)
}
