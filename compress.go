// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package il

import "fmt"

// Compressed unsigned integer bounds, per ECMA-335 §II.23.2.
const (
	compressedUint1ByteMax = 0x7F
	compressedUint2ByteMax = 0x3FFF
	compressedUint4ByteMax = 0x1FFFFFFF
)

// TypeDefOrRefOrSpecEncoded table tags, ECMA-335 §II.23.2.8.
const (
	tagTypeDef  = 0
	tagTypeRef  = 1
	tagTypeSpec = 2
	// tagBaseType is not part of the documented TypeDefOrRefOrSpec trio but
	// is observed in the reference tokenizer's compress_token/uncompress_token
	// round trip; supplemented here rather than dropped. It addresses table
	// 0x00 the same way idxTypeDefOrRef's coded-index slot layout does.
	tagBaseType = 3
)

// EncodeUint encodes v as an ECMA-335 compressed unsigned integer. It fails
// with ErrCompressionOverflow when v exceeds 0x1FFFFFFF.
func EncodeUint(v uint32) ([]byte, error) {
	switch {
	case v <= compressedUint1ByteMax:
		return []byte{byte(v)}, nil
	case v <= compressedUint2ByteMax:
		return []byte{
			byte(0x80 | (v >> 8)),
			byte(v),
		}, nil
	case v <= compressedUint4ByteMax:
		return []byte{
			byte(0xC0 | (v >> 24)),
			byte(v >> 16),
			byte(v >> 8),
			byte(v),
		}, nil
	default:
		return nil, fmt.Errorf("%w: %#x", ErrCompressionOverflow, v)
	}
}

// DecodeUint decodes an ECMA-335 compressed unsigned integer from the front
// of b, returning the value and the number of bytes consumed.
func DecodeUint(b []byte) (uint32, int, error) {
	if len(b) == 0 {
		return 0, 0, ErrUnexpectedEnd
	}
	lead := b[0]
	switch {
	case lead&0x80 == 0:
		return uint32(lead), 1, nil
	case lead&0xC0 == 0x80:
		if len(b) < 2 {
			return 0, 0, ErrUnexpectedEnd
		}
		v := (uint32(lead&0x3F) << 8) | uint32(b[1])
		return v, 2, nil
	case lead&0xE0 == 0xC0:
		if len(b) < 4 {
			return 0, 0, ErrUnexpectedEnd
		}
		v := (uint32(lead&0x1F) << 24) | (uint32(b[1]) << 16) | (uint32(b[2]) << 8) | uint32(b[3])
		return v, 4, nil
	default:
		return 0, 0, fmt.Errorf("%w: reserved lead byte %#x", ErrInvalidHeader, lead)
	}
}

// CompressToken compresses a metadata token into a TypeDefOrRefOrSpecEncoded
// value: the table tag is rotated into the low two bits.
func CompressToken(token uint32) ([]byte, error) {
	table := token >> 24
	row := token & 0x00FFFFFF

	var tag uint32
	switch table {
	case typeDefTable:
		tag = tagTypeDef
	case typeRefTable:
		tag = tagTypeRef
	case typeSpecTable:
		tag = tagTypeSpec
	case 0x00:
		tag = tagBaseType
	default:
		return nil, fmt.Errorf("%w: unsupported table %#x for TypeDefOrRefOrSpecEncoded", ErrGenerationError, table)
	}

	return EncodeUint((row << 2) | tag)
}

// UncompressToken is the inverse of CompressToken.
func UncompressToken(b []byte) (uint32, int, error) {
	v, n, err := DecodeUint(b)
	if err != nil {
		return 0, 0, err
	}
	tag := v & 0x3
	row := v >> 2

	var table uint32
	switch tag {
	case tagTypeDef:
		table = typeDefTable
	case tagTypeRef:
		table = typeRefTable
	case tagTypeSpec:
		table = typeSpecTable
	case tagBaseType:
		table = 0x00
	}
	return (table << 24) | row, n, nil
}

// The three metadata-table indices the token codec needs, ECMA-335 §II.22
// (TypeRef 0x01, TypeDef 0x02, TypeSpec 0x1B).
const (
	typeDefTable  = 0x02
	typeRefTable  = 0x01
	typeSpecTable = 0x1B
)
