package logstore

import (
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/require"
)

func TestParseName(t *testing.T) {
	seq, ts, id, err := parseSegmentName("123-20230101T000000-11223344aabbccdd")
	require.NoError(t, err)
	require.Equal(t, uint32(123), seq)
	require.Equal(t, uint32(1672531200), ts)
	require.Equal(t, uint64(0x11223344_aabbccdd), id)
}

func TestParseName_invalid(t *testing.T) {
	for _, name := range []string{"", "abc", "1-x-1", "1-20230101T000000-zz", "x-20230101T000000-1"} {
		_, _, _, err := parseSegmentName(name)
		require.Error(t, err, name)
	}
}

func TestFormatName(t *testing.T) {
	name := formatSegmentName("x", "y", 123, 1672531200, 0x11223344_aabbccdd)
	require.Equal(t, "x000000000123-20230101T000000-11223344aabbccddy", name)
}

func TestSegmentHeader_roundtrip(t *testing.T) {
	h := segmentHeader{
		Magic:          magic,
		Flags:          segFlagSnapshot,
		SegmentOrdinal: 7,
		Timestamp:      1672531200,
		FirstTx:        42,
	}
	h.StoreInvariant[0] = 0xAA

	var hash xxhash.Digest
	hash.Reset()
	var buf [segmentHeaderSize]byte
	encodeSegmentHeader(buf[:], &h, &hash)

	var got segmentHeader
	require.NoError(t, decodeSegmentHeader(buf[:], &got))
	require.Equal(t, uint32(7), got.SegmentOrdinal)
	require.Equal(t, uint64(42), got.FirstTx)
	require.Equal(t, segFlagSnapshot, got.Flags)
	require.Equal(t, byte(0xAA), got.StoreInvariant[0])
	require.Equal(t, xxhash.Sum64(buf[:]), hash.Sum64())

	buf[20] ^= 1
	require.ErrorIs(t, decodeSegmentHeader(buf[:], &got), errCorruptedFile)
	require.ErrorIs(t, decodeSegmentHeader(buf[:10], &got), errCorruptedFile)
}

func TestCommitMarker(t *testing.T) {
	b := appendCommit(nil, 0x1122334455667788)
	require.Len(t, b, commitMarkerSize)
	require.Equal(t, byte(0x89), b[0])
	require.True(t, commitMatches(b, 0x1122334455667788))
	require.True(t, commitMatches(b, 0x1122334455667789))
	require.False(t, commitMatches(b, 0x1122334455667790))
}

func TestAppendRecord(t *testing.T) {
	b := appendRecord(nil, []byte("KKKKKKKK"), []byte("hello"))
	require.Equal(t, append([]byte{10}, "KKKKKKKKhello"...), b)
	require.Zero(t, b[0]&recordFlagCommit)
}
