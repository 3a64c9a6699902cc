package nvcfg

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Versioned value layout:
//
//	flags:uvarint schemaVer:uvarint payload
//
// Flags currently only carry the format version (vfVer1).

type valueFlags uint64

const (
	vfVerBit0 = valueFlags(1 << iota)
	vfVerBit1
	vfVerBit2
	vfVerBit3

	vfVerMask       = (vfVerBit0 | vfVerBit1 | vfVerBit2 | vfVerBit3)
	vfVer1          = vfVerBit0
	vfSupportedMask = vfVer1
	vfDefault       = vfVer1

	maxSchemaVersion = 32768 // just a sanity value, can be increased
)

func (vf valueFlags) ver() valueFlags {
	return vf & vfVerMask
}

// Migration decodes payloads written under an older schema version.
type Migration[T any] struct {
	From   uint64
	Decode func(payload []byte) (T, error)
}

// MigrateFrom builds a Migration that decodes the old payload with old and
// converts the result.
func MigrateFrom[Old, T any](from uint64, old Codec[Old], convert func(Old) T) Migration[T] {
	return Migration[T]{
		From: from,
		Decode: func(payload []byte) (T, error) {
			ov, _, err := old.Decode(payload)
			if err != nil {
				var zero T
				return zero, err
			}
			return convert(ov), nil
		},
	}
}

type versionedCodec[T any] struct {
	ver        uint64
	inner      Codec[T]
	migrations []Migration[T]
}

// Versioned prefixes values encoded by inner with a schema version header.
//
// Decoding a value written under an older version uses the matching migration
// and reports DecodeMeta.Upgraded; without one it fails with SchemaMismatch.
// Values written by a newer version fail with NewerSchema, which callers must
// not paper over with defaults.
func Versioned[T any](ver uint64, inner Codec[T], migrations ...Migration[T]) Codec[T] {
	if ver == 0 || ver > maxSchemaVersion {
		panic(fmt.Errorf("invalid schema version %d", ver))
	}
	for _, m := range migrations {
		if m.From >= ver {
			panic(fmt.Errorf("migration from %d is not older than schema version %d", m.From, ver))
		}
	}
	return &versionedCodec[T]{ver, inner, migrations}
}

func (c *versionedCodec[T]) Encode(buf []byte, v T) ([]byte, error) {
	buf = appendUvarint(buf, uint64(vfDefault))
	buf = appendUvarint(buf, c.ver)
	return c.inner.Encode(buf, v)
}

func (c *versionedCodec[T]) Decode(data []byte) (T, DecodeMeta, error) {
	var zero T
	ver, payload, err := decodeVersionedHeader(data)
	if err != nil {
		return zero, DecodeMeta{}, err
	}
	meta := DecodeMeta{SchemaVer: ver}

	switch {
	case ver == c.ver:
		v, _, err := c.inner.Decode(payload)
		if err != nil {
			return zero, meta, withSchemaVer(err, ver)
		}
		return v, meta, nil

	case ver > c.ver:
		e := decodeErrf(NewerSchema, data, nil, "schema version %d, this build understands up to %d", ver, c.ver)
		e.SchemaVer = ver
		return zero, meta, e

	default:
		for _, m := range c.migrations {
			if m.From != ver {
				continue
			}
			v, err := m.Decode(payload)
			if err != nil {
				return zero, meta, withSchemaVer(err, ver)
			}
			meta.Upgraded = true
			return v, meta, nil
		}
		e := decodeErrf(SchemaMismatch, data, nil, "no migration from schema version %d to %d", ver, c.ver)
		e.SchemaVer = ver
		return zero, meta, e
	}
}

func decodeVersionedHeader(data []byte) (ver uint64, payload []byte, err error) {
	orig := data
	v, n := binary.Uvarint(data)
	if n <= 0 {
		return 0, nil, decodeErrf(Malformed, orig, nil, "bad flags")
	}
	if (v &^ uint64(vfSupportedMask)) != 0 || valueFlags(v).ver() != vfVer1 {
		return 0, nil, decodeErrf(Malformed, orig, nil, "unsupported flags %x", v)
	}
	data = data[n:]

	v, n = binary.Uvarint(data)
	if n <= 0 || v == 0 || v > maxSchemaVersion {
		return 0, nil, decodeErrf(Malformed, orig, nil, "bad schema version")
	}
	return v, data[n:], nil
}

func withSchemaVer(err error, ver uint64) error {
	var de *DecodeError
	if errors.As(err, &de) {
		de.SchemaVer = ver
		return de
	}
	e := decodeErrf(Malformed, nil, err, "schema version %d", ver)
	e.SchemaVer = ver
	return e
}
