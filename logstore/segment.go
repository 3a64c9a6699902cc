package logstore

import (
	"encoding/binary"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	magic          = 0x474f4c474643564e // "NVCFGLOG" as little-endian uint64
	version0 uint8 = 0
)

const segmentHeaderSize = 16 * 8

type segmentHeader struct {
	Magic          uint64
	Version        uint8
	_              uint8
	Flags          uint16
	_              uint32
	SegmentOrdinal uint32
	Timestamp      uint32
	FirstTx        uint64
	StoreInvariant [32]byte
	_              [7]uint64
	Checksum       uint64
}

const (
	// segFlagSnapshot marks a segment that starts with a full copy of the
	// store, making all earlier segments redundant once it has committed.
	segFlagSnapshot uint16 = 1 << 0
)

const (
	recordFlagCommit byte = 1
	recordFlagShift       = 1
	commitMarkerSize      = 8
	timestampFmt          = "20060102T150405"
)

const maxRecHeaderLen = binary.MaxVarintLen64

func encodeSegmentHeader(buf []byte, h *segmentHeader, hash *xxhash.Digest) {
	n, err := binary.Encode(buf, binary.LittleEndian, h)
	if err != nil {
		panic(err)
	}
	if n != segmentHeaderSize {
		panic("internal size mismatch")
	}

	hash.Write(buf[:segmentHeaderSize-8])
	binary.LittleEndian.PutUint64(buf[segmentHeaderSize-8:], hash.Sum64())
	hash.Write(buf[segmentHeaderSize-8 : segmentHeaderSize])
}

func decodeSegmentHeader(buf []byte, h *segmentHeader) error {
	if len(buf) < segmentHeaderSize {
		return errCorruptedFile
	}
	n, err := binary.Decode(buf[:segmentHeaderSize], binary.LittleEndian, h)
	if err != nil {
		panic(err)
	}
	if n != segmentHeaderSize {
		panic("internal size mismatch")
	}
	if h.Magic != magic {
		return errCorruptedFile
	}
	if xxhash.Sum64(buf[:segmentHeaderSize-8]) != h.Checksum {
		return errCorruptedFile
	}
	if h.Version > version0 {
		return ErrUnsupportedVersion
	}
	return nil
}

// appendRecord frames one key/value pair:
//
//	flagsAndSize:uvarint key:8 value
//
// The low bit of the first byte is clear, which tells records apart from
// commit markers.
func appendRecord(b []byte, key []byte, value []byte) []byte {
	b = binary.AppendUvarint(b, uint64(len(value))<<recordFlagShift)
	b = append(b, key...)
	return append(b, value...)
}

// appendCommit terminates a transaction with the running checksum of the
// segment so far, low bit set.
func appendCommit(b []byte, sum uint64) []byte {
	off := len(b)
	b = binary.LittleEndian.AppendUint64(b, sum)
	b[off] |= recordFlagCommit
	return b
}

func commitMatches(marker []byte, sum uint64) bool {
	return binary.LittleEndian.Uint64(marker)|uint64(recordFlagCommit) == sum|uint64(recordFlagCommit)
}

type segmentWriter struct {
	f    *os.File
	name string
	seq  uint32
	size int64
	hash xxhash.Digest

	// snapshotEnd is the size right after the snapshot transaction, if any
	snapshotEnd int64
}

func (sw *segmentWriter) write(data []byte) error {
	_, err := sw.f.Write(data)
	if err != nil {
		return err
	}
	sw.hash.Write(data)
	sw.size += int64(len(data))
	return nil
}

func (sw *segmentWriter) close() {
	if sw.f == nil {
		return
	}
	sw.f.Close()
	sw.f = nil
}

func closeAndDeleteUnlessOK(f *os.File, ok *bool) {
	if *ok {
		return
	}
	f.Close()
	os.Remove(f.Name())
}

func formatSegmentName(prefix, suffix string, seq, ts uint32, id uint64) string {
	t := time.Unix(int64(uint64(ts)), 0).UTC()
	return fmt.Sprintf("%s%012d-%s-%016x%s", prefix, seq, t.Format(timestampFmt), id, suffix)
}

func parseSegmentName(name string) (seq, ts uint32, id uint64, err error) {
	seqStr, rem, ok := strings.Cut(name, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid segment file name %q", name)
	}
	v, err := strconv.ParseUint(seqStr, 10, 32)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid segment file name %q (invalid segment number)", name)
	}
	seq = uint32(v)

	tsStr, idStr, ok := strings.Cut(rem, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid segment file name %q", name)
	}
	t, err := time.ParseInLocation(timestampFmt, tsStr, time.UTC)
	if err != nil {
		return seq, 0, 0, fmt.Errorf("invalid segment file name %q (invalid timestamp)", name)
	}
	ts = uint32(t.Unix())

	id, err = strconv.ParseUint(idStr, 16, 64)
	if err != nil {
		return seq, 0, 0, fmt.Errorf("invalid segment file name %q (invalid transaction ordinal)", name)
	}
	return
}
