package nvcfg

import (
	"bytes"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec converts between values and their stored bytes.
//
// Encode appends the encoding of v to buf. Decode must return a *DecodeError
// for bytes it cannot interpret, and must not retain data.
type Codec[T any] interface {
	Encode(buf []byte, v T) ([]byte, error)
	Decode(data []byte) (T, DecodeMeta, error)
}

type DecodeMeta struct {
	SchemaVer uint64

	// Upgraded is set when the value was converted from an older schema and
	// should be written back in the current one.
	Upgraded bool
}

type msgpackCodec[T any] struct{}

// MsgPack returns a codec storing values as MessagePack. Struct fields missing
// from the stored bytes keep their zero values, so appending optional fields is
// backwards compatible.
func MsgPack[T any]() Codec[T] {
	return msgpackCodec[T]{}
}

func (msgpackCodec[T]) Encode(buf []byte, v T) ([]byte, error) {
	bb := bytesBuilder{buf}
	enc := msgpack.GetEncoder()
	enc.ResetDict(&bb, nil)
	enc.SetSortMapKeys(true)
	err := enc.Encode(v)
	msgpack.PutEncoder(enc)
	if err != nil {
		return buf, fmt.Errorf("failed to encode %T using MsgPack: %w", v, err)
	}
	return bb.Buf, nil
}

func (msgpackCodec[T]) Decode(data []byte) (T, DecodeMeta, error) {
	var v T
	var r bytes.Reader
	r.Reset(data)
	dec := msgpack.GetDecoder()
	dec.ResetDict(&r, nil)
	err := dec.Decode(&v)
	msgpack.PutDecoder(dec)
	if err != nil {
		return v, DecodeMeta{}, decodeErrf(Malformed, data, err, "failed to decode msgpack into %T", v)
	}
	if r.Len() != 0 {
		return v, DecodeMeta{}, decodeErrf(Malformed, data, nil, "%d trailing bytes after msgpack %T", r.Len(), v)
	}
	return v, DecodeMeta{}, nil
}

type cborCodec[T any] struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// CBOR returns a codec storing values as deterministic (core) CBOR.
func CBOR[T any]() Codec[T] {
	enc := must(cbor.CoreDetEncOptions().EncMode())
	dec := must(cbor.DecOptions{}.DecMode())
	return &cborCodec[T]{enc: enc, dec: dec}
}

func (c *cborCodec[T]) Encode(buf []byte, v T) ([]byte, error) {
	raw, err := c.enc.Marshal(v)
	if err != nil {
		return buf, fmt.Errorf("failed to encode %T using CBOR: %w", v, err)
	}
	return appendRaw(buf, raw), nil
}

func (c *cborCodec[T]) Decode(data []byte) (T, DecodeMeta, error) {
	var v T
	err := c.dec.Unmarshal(data, &v)
	if err != nil {
		return v, DecodeMeta{}, decodeErrf(Malformed, data, err, "failed to decode CBOR into %T", v)
	}
	return v, DecodeMeta{}, nil
}
