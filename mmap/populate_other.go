//go:build unix && !linux

package mmap

// Prefault is a no-op without MAP_POPULATE.
const mapPopulate = 0
