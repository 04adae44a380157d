// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package il

import (
	"encoding/binary"
	"fmt"
)

// Fat-header flag bits, ECMA-335 §II.25.4.3 (COR_ILMETHOD_FORMAT/COR_ILMETHOD_FLAGS).
const (
	FatFormat  = 0x3
	MoreSects  = 0x8
	InitLocals = 0x10
)

// Extra-section (EH table) header flag bits, ECMA-335 §II.25.4.5.
const (
	sectEHTable    = 0x01
	sectFatFormat  = 0x40
	sectMoreSects  = 0x80
	sectKindMask   = 0x3F
	tinyHeaderTag  = 0x2
	fatHeaderTag   = 0x3
	tinyHeaderSize = 1
	fatHeaderSize  = 12
)

// MethodHeader is the normalized, format-agnostic fat-header record. Tiny
// headers are promoted to this shape on parse (see ParseMethod); IsTiny records
// which wire form the original bytes used.
type MethodHeader struct {
	Flags            uint16
	MaxStack         uint16
	CodeSize         uint32
	LocalVarSigTok   uint32
	IsTiny           bool
}

// ParsedMethod is the result of parsing a method image: its normalized
// header, the code slice, and any extra (EH) section bytes.
type ParsedMethod struct {
	Header        MethodHeader
	Code          []byte
	ExtraSections []byte // nil if MoreSects was not set
}

// ParseMethod autodetects tiny vs fat from the first two bytes and returns
// the normalized header, code, and extra sections (if MoreSects is set).
func ParseMethod(data []byte) (ParsedMethod, error) {
	if len(data) < 1 {
		return ParsedMethod{}, ErrUnexpectedEnd
	}

	// Fat iff the low two bits of the little-endian u16 at offset 0 equal 0b11.
	if len(data) >= 2 {
		word := binary.LittleEndian.Uint16(data[0:2])
		if word&0x3 == fatHeaderTag {
			return parseFatMethod(data)
		}
	}

	if data[0]&0x3 == tinyHeaderTag {
		return parseTinyMethod(data)
	}

	return ParsedMethod{}, fmt.Errorf("%w: unrecognized method header format", ErrInvalidHeader)
}

func parseTinyMethod(data []byte) (ParsedMethod, error) {
	codeSize := uint32(data[0]) >> 2
	if tinyHeaderSize+int(codeSize) > len(data) {
		return ParsedMethod{}, fmt.Errorf("%w: tiny header claims %d bytes of code beyond buffer", ErrInvalidHeader, codeSize)
	}
	return ParsedMethod{
		Header: MethodHeader{
			MaxStack: 8,
			CodeSize: codeSize,
			IsTiny:   true,
		},
		Code: data[tinyHeaderSize : tinyHeaderSize+int(codeSize)],
	}, nil
}

func parseFatMethod(data []byte) (ParsedMethod, error) {
	if len(data) < fatHeaderSize {
		return ParsedMethod{}, ErrUnexpectedEnd
	}
	word := binary.LittleEndian.Uint16(data[0:2])
	flags := word &^ 0xF000 // low 12 bits; top 4 bits are the dword-size field (always 3)
	maxStack := binary.LittleEndian.Uint16(data[2:4])
	codeSize := binary.LittleEndian.Uint32(data[4:8])
	localVarSigTok := binary.LittleEndian.Uint32(data[8:12])

	codeStart := fatHeaderSize
	if codeStart+int(codeSize) > len(data) {
		return ParsedMethod{}, fmt.Errorf("%w: fat header claims %d bytes of code beyond buffer", ErrInvalidHeader, codeSize)
	}
	code := data[codeStart : codeStart+int(codeSize)]

	header := MethodHeader{
		Flags:          flags,
		MaxStack:       maxStack,
		CodeSize:       codeSize,
		LocalVarSigTok: localVarSigTok,
	}

	var extra []byte
	if flags&MoreSects != 0 {
		extraStart := align4(codeStart + int(codeSize))
		if extraStart > len(data) {
			return ParsedMethod{}, fmt.Errorf("%w: MoreSects set but no bytes follow code", ErrInvalidHeader)
		}
		extra = data[extraStart:]
	}

	return ParsedMethod{Header: header, Code: code, ExtraSections: extra}, nil
}

// PromoteTinyHeader converts a tiny-form header into a fat-form one the
// template can extend with locals and EH clauses: flags preset to
// FatFormat|InitLocals, max_stack=8, local_var_sig_tok=0.
func PromoteTinyHeader(h MethodHeader) MethodHeader {
	return MethodHeader{
		Flags:          FatFormat | InitLocals,
		MaxStack:       8,
		CodeSize:       h.CodeSize,
		LocalVarSigTok: 0,
	}
}

// BuildMethodBytes serializes header, code, and extra (EH) sections into a
// single fat-form method image, zero-padding between code and extra to a
// 4-byte boundary (invariant I-align / P10).
func BuildMethodBytes(h MethodHeader, code []byte, extra []byte) []byte {
	h.Flags |= FatFormat
	if extra != nil {
		h.Flags |= MoreSects
	}
	h.CodeSize = uint32(len(code))

	out := make([]byte, 0, fatHeaderSize+len(code)+len(extra)+4)

	var hdr [fatHeaderSize]byte
	// Top 4 bits of the flags word encode the header dword-size, always 3.
	word := (h.Flags & 0x0FFF) | (3 << 12)
	binary.LittleEndian.PutUint16(hdr[0:2], word)
	binary.LittleEndian.PutUint16(hdr[2:4], h.MaxStack)
	binary.LittleEndian.PutUint32(hdr[4:8], h.CodeSize)
	binary.LittleEndian.PutUint32(hdr[8:12], h.LocalVarSigTok)
	out = append(out, hdr[:]...)
	out = append(out, code...)

	if extra != nil {
		padded := align4(len(out))
		for len(out) < padded {
			out = append(out, 0)
		}
		out = append(out, extra...)
	}

	return out
}

func align4(n int) int {
	if n%4 == 0 {
		return n
	}
	return n + (4 - n%4)
}
