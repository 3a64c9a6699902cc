package nvcfg

import (
	"encoding/binary"
	"io"
)

// Page record layout:
//
//	key:8 size:uvarint value:size
//
// Records are appended in key order; a page never grows beyond its limit.
const maxRecordHeaderSize = KeySize + binary.MaxVarintLen32

// recordOverhead is the typical framing cost, used for pending-size estimates.
const recordOverhead = KeySize + 1

type page struct {
	buf   []byte
	count int
}

func newPage(size int) *page {
	return &page{buf: make([]byte, 0, size)}
}

func (p *page) reset() {
	p.buf = p.buf[:0]
	p.count = 0
}

func (p *page) limit() int {
	return cap(p.buf)
}

func (p *page) len() int {
	return len(p.buf)
}

// appendRecord frames the bytes produced by encode as a record. It returns
// false, leaving the page unchanged, if the record does not fit. size is the
// encoded value length, reported even when the record did not fit.
func (p *page) appendRecord(key Key, encode func(buf []byte) ([]byte, error)) (size int, fit bool, err error) {
	start := len(p.buf)

	var out []byte
	var valueOff int
	if start+maxRecordHeaderSize <= p.limit() {
		valueOff = start + maxRecordHeaderSize
		out, err = encode(p.buf[:valueOff])
	} else {
		// near the end of the page, encode on the side
		out, err = encode(nil)
	}
	if err != nil {
		p.buf = p.buf[:start]
		return 0, false, err
	}

	value := out[valueOff:]
	size = len(value)
	hdrOff := start + KeySize
	needed := hdrOff + uvarintLen(uint64(size)) + size
	if needed > p.limit() {
		p.buf = p.buf[:start]
		return size, false, nil
	}

	// move the value closer to the key, like putValueHeader does
	dst := p.buf[:needed]
	copy(dst[start:], key[:])
	n := binary.PutUvarint(dst[hdrOff:], uint64(size))
	copy(dst[hdrOff+n:], value)
	p.buf = dst
	p.count++
	return size, true, nil
}

func uvarintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

// eachRecord calls f for every record in the page, in order.
func (p *page) eachRecord(f func(key Key, value []byte) error) error {
	d := makeByteDecoder(p.buf)
	for len(d.Buf) > 0 {
		rawKey, err := d.Raw(KeySize)
		if err != nil {
			return err
		}
		value, err := d.VarBytes()
		if err != nil {
			return err
		}
		key, _ := KeyFromBytes(rawKey)
		if err := f(key, value); err != nil {
			return err
		}
	}
	return nil
}

func ensureCapacity(buf []byte, minCap int) []byte {
	c := cap(buf)
	if minCap > c {
		if c < 16 {
			c = 16
		}
		for minCap > c {
			c <<= 1
		}
		old := buf
		buf = make([]byte, len(old), c)
		copy(buf, old)
	}
	return buf
}

func grow(buf []byte, n int) (int, []byte) {
	off := len(buf)
	newLen := off + n
	buf = ensureCapacity(buf, newLen)
	return off, buf[:newLen]
}

func appendRaw(buf []byte, chunk []byte) []byte {
	n := len(chunk)
	off, buf := grow(buf, n)
	copy(buf[off:], chunk)
	return buf
}

func appendUvarint(buf []byte, v uint64) []byte {
	off, buf := grow(buf, binary.MaxVarintLen64)
	off += binary.PutUvarint(buf[off:], v)
	return buf[:off]
}

type bytesBuilder struct {
	Buf []byte
}

var _ io.Writer = (*bytesBuilder)(nil)

func (bb *bytesBuilder) Write(b []byte) (int, error) {
	bb.Buf = appendRaw(bb.Buf, b)
	return len(b), nil
}

func (bb *bytesBuilder) WriteByte(v byte) error {
	off, buf := grow(bb.Buf, 1)
	buf[off] = v
	bb.Buf = buf
	return nil
}

type byteDecoder struct {
	Orig []byte
	Buf  []byte
}

func makeByteDecoder(buf []byte) byteDecoder {
	return byteDecoder{buf, buf}
}

func (d *byteDecoder) Off() int {
	return len(d.Orig) - len(d.Buf)
}

func (d *byteDecoder) Uvarint() (uint64, error) {
	v, n := binary.Uvarint(d.Buf)
	if n <= 0 {
		return 0, decodeErrf(Malformed, d.Orig, nil, "invalid uvarint at offset %d", d.Off())
	}
	d.Buf = d.Buf[n:]
	return v, nil
}

func (d *byteDecoder) Raw(n int) ([]byte, error) {
	if len(d.Buf) < n {
		return nil, decodeErrf(Malformed, d.Orig, nil, "not enough data at offset %d: %d bytes remaining, %d wanted", d.Off(), len(d.Buf), n)
	}
	v := d.Buf[:n]
	d.Buf = d.Buf[n:]
	return v, nil
}

func (d *byteDecoder) VarBytes() ([]byte, error) {
	n, err := d.Uvarint()
	if err != nil {
		return nil, err
	}
	if n > uint64(len(d.Buf)) {
		return nil, decodeErrf(Malformed, d.Orig, nil, "not enough data at offset %d: %d bytes remaining, %d wanted", d.Off(), len(d.Buf), n)
	}
	return d.Raw(int(n))
}
