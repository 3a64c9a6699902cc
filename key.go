package nvcfg

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
)

// KeySize is the width of every stored key.
const KeySize = 8

const (
	minFragmentLen     = 3
	maxFragmentLen     = KeySize - 1
	defaultFragmentLen = minFragmentLen
)

// Key addresses one record in the backend. Keys compare bytewise.
type Key [KeySize]byte

// DefaultKeyCodec derives plain 64-bit hash keys.
var DefaultKeyCodec = KeyCodec{}

// DeriveKey derives a key using DefaultKeyCodec.
func DeriveKey(path string) Key {
	return DefaultKeyCodec.Derive(path)
}

// KeyCodec controls how paths map to keys.
//
// With Hybrid unset, the key is the top HashBits bits of xxhash64(path) stored
// big-endian, low bits zeroed. With Hybrid set, the key is
//
//	len:u8 fragment:FragmentLen hash:(7-FragmentLen)
//
// where fragment holds the trailing path bytes and hash the top bytes of
// xxhash64(path). The hybrid layout keeps keys locally readable at the cost of
// hash bits; see CollisionProbability for sizing.
type KeyCodec struct {
	// HashBits limits the hash bits kept, 1..64. Zero means 64.
	HashBits int

	Hybrid bool

	// FragmentLen is the number of trailing path bytes kept by the hybrid
	// layout, 3..7. Zero means 3.
	FragmentLen int
}

func (kc KeyCodec) Validate() error {
	if kc.HashBits < 0 || kc.HashBits > 64 {
		return fmt.Errorf("nvcfg: invalid HashBits %d, must be 1..64", kc.HashBits)
	}
	if kc.FragmentLen != 0 && (kc.FragmentLen < minFragmentLen || kc.FragmentLen > maxFragmentLen) {
		return fmt.Errorf("nvcfg: invalid FragmentLen %d, must be %d..%d", kc.FragmentLen, minFragmentLen, maxFragmentLen)
	}
	if !kc.Hybrid && kc.FragmentLen != 0 {
		return fmt.Errorf("nvcfg: FragmentLen requires Hybrid")
	}
	return nil
}

func (kc KeyCodec) fragmentLen() int {
	return min(max(kc.FragmentLen, minFragmentLen), maxFragmentLen)
}

func (kc KeyCodec) hashBits() int {
	if kc.HashBits <= 0 || kc.HashBits > 64 {
		return 64
	}
	return kc.HashBits
}

// EffectiveBits returns the number of hash bits a derived key carries.
func (kc KeyCodec) EffectiveBits() int {
	bits := kc.hashBits()
	if kc.Hybrid {
		bits = min(bits, (KeySize-1-kc.fragmentLen())*8)
	}
	return bits
}

// Derive maps path to a key. It never fails; out-of-range knobs are clamped.
func (kc KeyCodec) Derive(path string) Key {
	var k Key
	h := truncateHash(xxhash.Sum64String(path), kc.EffectiveBits())
	if !kc.Hybrid {
		binary.BigEndian.PutUint64(k[:], h)
		return k
	}

	fl := kc.fragmentLen()
	k[0] = byte(min(len(path), math.MaxUint8))
	tail := path[max(0, len(path)-fl):]
	copy(k[1:1+fl], tail)

	var hb [8]byte
	binary.BigEndian.PutUint64(hb[:], h)
	copy(k[1+fl:], hb[:KeySize-1-fl])
	return k
}

func truncateHash(h uint64, bits int) uint64 {
	if bits <= 0 {
		return 0
	}
	if bits >= 64 {
		return h
	}
	return h &^ (uint64(1)<<(64-bits) - 1)
}

// CollisionProbability estimates the chance that n distinct paths produce at
// least one pair of equal keys when keys carry the given number of hash bits
// (birthday bound).
func CollisionProbability(n int, bits int) float64 {
	if n < 2 {
		return 0
	}
	if bits <= 0 {
		return 1
	}
	pairs := float64(n) * float64(n-1) / 2
	return -math.Expm1(-pairs / math.Exp2(float64(bits)))
}

func (k Key) Compare(other Key) int {
	return bytes.Compare(k[:], other[:])
}

func (k Key) Bytes() []byte {
	return k[:]
}

func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// KeyFromBytes converts a stored key. It reports false if b has the wrong size.
func KeyFromBytes(b []byte) (Key, bool) {
	var k Key
	if len(b) != KeySize {
		return k, false
	}
	copy(k[:], b)
	return k, true
}

func ParseKey(s string) (Key, error) {
	var k Key
	b, err := hex.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("nvcfg: invalid key %q: %w", s, err)
	}
	k, ok := KeyFromBytes(b)
	if !ok {
		return k, fmt.Errorf("nvcfg: invalid key %q: %d bytes, wanted %d", s, len(b), KeySize)
	}
	return k, nil
}
