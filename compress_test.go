package il

import (
	"bytes"
	"testing"
)

func TestEncodeUintBoundaries(t *testing.T) {
	cases := []struct {
		name string
		in   uint32
		want []byte
	}{
		{"one-byte-small", 0x03, []byte{0x03}},
		{"one-byte-max", 0x7F, []byte{0x7F}},
		{"two-byte-min", 0x80, []byte{0x80, 0x80}},
		{"two-byte-max", 0x3FFF, []byte{0xBF, 0xFF}},
		{"four-byte-min", 0x4000, []byte{0xC0, 0x00, 0x40, 0x00}},
		{"four-byte-max", 0x1FFFFFFF, []byte{0xDF, 0xFF, 0xFF, 0xFF}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := EncodeUint(c.in)
			if err != nil {
				t.Fatalf("EncodeUint(%#x) error: %v", c.in, err)
			}
			if !bytes.Equal(got, c.want) {
				t.Fatalf("EncodeUint(%#x) = % x, want % x", c.in, got, c.want)
			}
		})
	}
}

func TestEncodeUintOverflow(t *testing.T) {
	if _, err := EncodeUint(0x20000000); err == nil {
		t.Fatal("expected overflow error for 0x20000000")
	}
}

func TestDecodeUintRoundTrip(t *testing.T) {
	values := []uint32{0, 1, 0x7F, 0x80, 0x3FFF, 0x4000, 0x1FFFFFFF}
	for _, v := range values {
		enc, err := EncodeUint(v)
		if err != nil {
			t.Fatalf("EncodeUint(%#x): %v", v, err)
		}
		got, n, err := DecodeUint(enc)
		if err != nil {
			t.Fatalf("DecodeUint(% x): %v", enc, err)
		}
		if got != v || n != len(enc) {
			t.Fatalf("round trip mismatch for %#x: got value=%#x consumed=%d, want value=%#x consumed=%d", v, got, n, v, len(enc))
		}
	}
}

func TestDecodeUintShortInput(t *testing.T) {
	if _, _, err := DecodeUint([]byte{0x80}); err == nil {
		t.Fatal("expected error decoding truncated two-byte form")
	}
	if _, _, err := DecodeUint(nil); err == nil {
		t.Fatal("expected error decoding empty input")
	}
}

func TestCompressTokenTypeRef(t *testing.T) {
	// TypeRef token 0x01000001 -> compressed: (1 << 2) | 1 = 5 -> [0x05]
	got, err := CompressToken(0x01000001)
	if err != nil {
		t.Fatalf("CompressToken: %v", err)
	}
	if !bytes.Equal(got, []byte{0x05}) {
		t.Fatalf("CompressToken(0x01000001) = % x, want [0x05]", got)
	}
}

func TestCompressUncompressTokenRoundTrip(t *testing.T) {
	tokens := []uint32{
		0x02000000, // TypeDef, row 0
		0x01000007, // TypeRef, row 7
		0x1B000002, // TypeSpec, row 2
	}
	for _, tok := range tokens {
		enc, err := CompressToken(tok)
		if err != nil {
			t.Fatalf("CompressToken(%#x): %v", tok, err)
		}
		got, _, err := UncompressToken(enc)
		if err != nil {
			t.Fatalf("UncompressToken: %v", err)
		}
		if got != tok {
			t.Fatalf("round trip: got %#x, want %#x", got, tok)
		}
	}
}

func TestCompressTokenUnsupportedTable(t *testing.T) {
	// MethodDef (table 0x06) is not part of TypeDefOrRefOrSpecEncoded.
	if _, err := CompressToken(0x06000001); err == nil {
		t.Fatal("expected error compressing a MethodDef token")
	}
}
