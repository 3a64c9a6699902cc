package nvcfg

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/cespare/xxhash/v2"
)

var initTimeKey = DeriveKey("wifi/ssid")

func TestDeriveKey_initTimeMatchesRuntime(t *testing.T) {
	if k := DeriveKey("wifi/ssid"); k != initTimeKey {
		t.Fatalf("DeriveKey = %v, init-time key %v", k, initTimeKey)
	}
	var e Key
	binary.BigEndian.PutUint64(e[:], xxhash.Sum64String("wifi/ssid"))
	if initTimeKey != e {
		t.Fatalf("DeriveKey = %v, wanted %v", initTimeKey, e)
	}
}

func TestKeyCodec_hashBits(t *testing.T) {
	k := KeyCodec{HashBits: 20}.Derive("uart")
	full := DeriveKey("uart")
	if k[0] != full[0] || k[1] != full[1] || k[2] != full[2]&0xF0 {
		t.Fatalf("Derive = %v, wanted top 20 bits of %v", k, full)
	}
	for i := 3; i < KeySize; i++ {
		if k[i] != 0 {
			t.Fatalf("Derive = %v, wanted zero tail", k)
		}
	}
}

func TestKeyCodec_hybrid(t *testing.T) {
	kc := KeyCodec{Hybrid: true}
	k := kc.Derive("wifi/ssid")
	if k[0] != 9 {
		t.Errorf("len byte = %d, wanted 9", k[0])
	}
	if s := string(k[1:4]); s != "sid" {
		t.Errorf("fragment = %q, wanted %q", s, "sid")
	}
	var hb [8]byte
	binary.BigEndian.PutUint64(hb[:], xxhash.Sum64String("wifi/ssid"))
	if string(k[4:]) != string(hb[:4]) {
		t.Errorf("hash part = %x, wanted %x", k[4:], hb[:4])
	}
	if b := kc.EffectiveBits(); b != 32 {
		t.Errorf("EffectiveBits = %d, wanted 32", b)
	}
}

func TestKeyCodec_hybridEdges(t *testing.T) {
	kc := KeyCodec{Hybrid: true, FragmentLen: 5}
	k := kc.Derive("ab")
	if k[0] != 2 || k[1] != 'a' || k[2] != 'b' || k[3] != 0 {
		t.Errorf("short path key = %v", k)
	}

	long := strings.Repeat("x", 300) + "tail1"
	k = kc.Derive(long)
	if k[0] != 255 {
		t.Errorf("len byte = %d, wanted 255", k[0])
	}
	if s := string(k[1:6]); s != "tail1" {
		t.Errorf("fragment = %q, wanted tail1", s)
	}
	if b := kc.EffectiveBits(); b != 16 {
		t.Errorf("EffectiveBits = %d, wanted 16", b)
	}

	// out-of-range knobs are clamped rather than rejected
	if a, b := (KeyCodec{Hybrid: true, FragmentLen: 1}).Derive("abcdef"), (KeyCodec{Hybrid: true}).Derive("abcdef"); a != b {
		t.Errorf("FragmentLen 1 = %v, wanted same as default %v", a, b)
	}
	if b := (KeyCodec{HashBits: 99}).EffectiveBits(); b != 64 {
		t.Errorf("EffectiveBits = %d, wanted 64", b)
	}
}

func TestKeyCodec_Validate(t *testing.T) {
	valid := []KeyCodec{{}, {HashBits: 1}, {HashBits: 64}, {Hybrid: true}, {Hybrid: true, FragmentLen: 7}}
	for _, kc := range valid {
		if err := kc.Validate(); err != nil {
			t.Errorf("%+v: %v", kc, err)
		}
	}
	invalid := []KeyCodec{{HashBits: -1}, {HashBits: 65}, {Hybrid: true, FragmentLen: 2}, {Hybrid: true, FragmentLen: 8}, {FragmentLen: 3}}
	for _, kc := range invalid {
		if err := kc.Validate(); err == nil {
			t.Errorf("%+v: no error", kc)
		}
	}
}

func TestCollisionProbability(t *testing.T) {
	tests := []struct {
		n, bits int
		e       float64
	}{
		{0, 64, 0},
		{1, 8, 0},
		{256, 64, 1.7694e-15},
		{256, 32, 7.5996e-6},
		{300, 16, 0.4956},
		{10, 0, 1},
	}
	for _, tt := range tests {
		a := CollisionProbability(tt.n, tt.bits)
		if math.Abs(a-tt.e) > tt.e*1e-3 {
			t.Errorf("CollisionProbability(%d, %d) = %g, wanted %g", tt.n, tt.bits, a, tt.e)
		}
	}
}

func TestCollisionRate_matchesBirthdayBound(t *testing.T) {
	const trials = 1000
	tests := []struct {
		n, bits int
		hybrid  bool
	}{
		{300, 16, false},
		{64, 12, false},
		{100, 14, false},
		{300, 16, true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("n=%d,bits=%d,hybrid=%v", tt.n, tt.bits, tt.hybrid), func(t *testing.T) {
			kc := KeyCodec{HashBits: tt.bits, Hybrid: tt.hybrid}
			seen := make(map[Key]bool, tt.n)
			var collisions int
			for trial := range trials {
				clear(seen)
				for i := range tt.n {
					// equal lengths and suffixes, so only the hash part varies
					k := kc.Derive(fmt.Sprintf("t%06d/c%04d/cfg", trial, i))
					if seen[k] {
						collisions++
						break
					}
					seen[k] = true
				}
			}
			rate := float64(collisions) / trials
			e := CollisionProbability(tt.n, tt.bits)
			if math.Abs(rate-e) > 0.06 {
				t.Fatalf("collision rate = %.3f, birthday bound %.3f", rate, e)
			}
		})
	}
}

func TestParseKey(t *testing.T) {
	k := DeriveKey("uart")
	p, err := ParseKey(k.String())
	if err != nil {
		t.Fatal(err)
	}
	if p != k {
		t.Fatalf("ParseKey = %v, wanted %v", p, k)
	}
	for _, s := range []string{"", "zz", "0102", "010203040506070809"} {
		if _, err := ParseKey(s); err == nil {
			t.Errorf("ParseKey(%q): no error", s)
		}
	}
	if _, ok := KeyFromBytes([]byte{1, 2, 3}); ok {
		t.Errorf("KeyFromBytes accepted 3 bytes")
	}
}

func TestKey_Compare(t *testing.T) {
	a := Key{0, 0, 0, 0, 0, 0, 0, 1}
	b := Key{0, 0, 0, 0, 0, 0, 1, 0}
	if a.Compare(b) >= 0 || b.Compare(a) <= 0 || a.Compare(a) != 0 {
		t.Fatalf("Compare is not bytewise")
	}
}
