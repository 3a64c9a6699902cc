package nvcfg

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func appendBytes(v []byte) func([]byte) ([]byte, error) {
	return func(buf []byte) ([]byte, error) {
		return append(buf, v...), nil
	}
}

func TestPage_appendAndIterate(t *testing.T) {
	p := newPage(64)
	k1, k2 := Key{1}, Key{2}

	size, fit, err := p.appendRecord(k1, appendBytes([]byte("hello")))
	require.NoError(t, err)
	require.True(t, fit)
	require.Equal(t, 5, size)
	require.Equal(t, KeySize+1+5, p.len())

	_, fit, err = p.appendRecord(k2, appendBytes(nil))
	require.NoError(t, err)
	require.True(t, fit)
	require.Equal(t, 2, p.count)

	var keys []Key
	var values []string
	require.NoError(t, p.eachRecord(func(k Key, v []byte) error {
		keys = append(keys, k)
		values = append(values, string(v))
		return nil
	}))
	require.Equal(t, []Key{k1, k2}, keys)
	require.Equal(t, []string{"hello", ""}, values)
}

func TestPage_fillsExactly(t *testing.T) {
	p := newPage(64)
	// 64 - 8 - 1 = 55 bytes of value fill the page to the last byte
	_, fit, err := p.appendRecord(Key{1}, appendBytes(bytes.Repeat([]byte{'x'}, 55)))
	require.NoError(t, err)
	require.True(t, fit)
	require.Equal(t, 64, p.len())

	size, fit, err := p.appendRecord(Key{2}, appendBytes(nil))
	require.NoError(t, err)
	require.False(t, fit)
	require.Zero(t, size)
	require.Equal(t, 64, p.len())
	require.Equal(t, 1, p.count)
}

func TestPage_nearEndEncodesOnTheSide(t *testing.T) {
	p := newPage(64)
	_, fit, _ := p.appendRecord(Key{1}, appendBytes(bytes.Repeat([]byte{'x'}, 45)))
	require.True(t, fit)
	require.Equal(t, 54, p.len())

	// 10 bytes left, less than the reserved header, yet a 1-byte value fits
	_, fit, err := p.appendRecord(Key{2}, appendBytes([]byte("z")))
	require.NoError(t, err)
	require.True(t, fit)
	require.Equal(t, 64, p.len())

	var last []byte
	require.NoError(t, p.eachRecord(func(k Key, v []byte) error {
		last = v
		return nil
	}))
	require.Equal(t, "z", string(last))
}

func TestPage_rejectsOversized(t *testing.T) {
	p := newPage(64)
	_, _, _ = p.appendRecord(Key{1}, appendBytes([]byte("a")))
	before := p.len()

	size, fit, err := p.appendRecord(Key{2}, appendBytes(bytes.Repeat([]byte{'x'}, 100)))
	require.NoError(t, err)
	require.False(t, fit)
	require.Equal(t, 100, size)
	require.Equal(t, before, p.len())
}

func TestPage_encodeError(t *testing.T) {
	p := newPage(64)
	boom := errors.New("boom")
	_, fit, err := p.appendRecord(Key{1}, func(buf []byte) ([]byte, error) {
		return append(buf, "partial"...), boom
	})
	require.ErrorIs(t, err, boom)
	require.False(t, fit)
	require.Zero(t, p.len())

	p.reset()
	require.Zero(t, p.count)
}

func TestByteDecoder_errors(t *testing.T) {
	d := makeByteDecoder([]byte{0x05, 'a'})
	_, err := d.VarBytes()
	require.ErrorIs(t, err, ErrMalformed)

	d = makeByteDecoder([]byte{0x80})
	_, err = d.Uvarint()
	require.ErrorIs(t, err, ErrMalformed)

	d = makeByteDecoder([]byte{1, 2})
	_, err = d.Raw(3)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestAppendUvarint(t *testing.T) {
	require.Equal(t, []byte{0xAC, 0x02}, appendUvarint(nil, 300))
	require.Equal(t, 2, uvarintLen(300))
	require.Equal(t, 1, uvarintLen(0))
	require.Equal(t, 10, uvarintLen(^uint64(0)))
}
