// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package il

import (
	"fmt"

	"github.com/newrelic/ilrewriter/internal/peformat"
)

// methodDefTokenTag is the top byte of a MethodDef metadata token,
// ECMA-335 §II.22.2.
const methodDefTokenTag = 0x06000000

// methodBodyReadAhead is how far past a method's RVA we read before handing
// the bytes to ParseMethod. CIL method bodies are small in practice; this
// comfortably covers header + code + EH extra sections for anything but
// pathological methods, and ParseMethod/ParseExtraSection both trim to
// their self-described lengths rather than trusting the buffer's size.
const methodBodyReadAhead = 1 << 20

// LoadOriginalILFromPE locates the method identified by methodToken (a
// MethodDef token, e.g. 0x06000001) inside a full .NET PE image and
// returns its raw header+code(+extra sections) bytes, ready for
// ParseMethod.
func LoadOriginalILFromPE(image []byte, methodToken uint32) ([]byte, error) {
	if methodToken&methodDefTokenTag != methodDefTokenTag {
		return nil, fmt.Errorf("%w: token %#x is not a MethodDef token", ErrTokenResolutionFailed, methodToken)
	}
	rid := methodToken &^ methodDefTokenTag
	if rid == 0 {
		return nil, fmt.Errorf("%w: token %#x has a zero row index", ErrTokenResolutionFailed, methodToken)
	}

	pf, err := peformat.NewBytes(image, &peformat.Options{})
	if err != nil {
		return nil, fmt.Errorf("%w: parsing PE image: %v", ErrTokenResolutionFailed, err)
	}
	if err := pf.Parse(); err != nil {
		return nil, fmt.Errorf("%w: parsing PE/CLR metadata: %v", ErrTokenResolutionFailed, err)
	}

	table, ok := pf.CLR.MetadataTables[peformat.MethodDef]
	if !ok {
		return nil, fmt.Errorf("%w: image has no MethodDef table", ErrTokenResolutionFailed)
	}
	rows, ok := table.Content.([]peformat.MethodDefTableRow)
	if !ok {
		return nil, fmt.Errorf("%w: MethodDef table content has unexpected shape", ErrTokenResolutionFailed)
	}
	if int(rid) > len(rows) {
		return nil, fmt.Errorf("%w: token %#x row index %d exceeds %d MethodDef rows", ErrTokenResolutionFailed, methodToken, rid, len(rows))
	}
	row := rows[rid-1]
	if row.RVA == 0 {
		return nil, fmt.Errorf("%w: MethodDef row %d has no RVA (abstract/extern method)", ErrTokenResolutionFailed, rid)
	}

	raw, err := pf.GetData(row.RVA, methodBodyReadAhead)
	if err != nil {
		// GetData's length-bounded path can run past section end on a
		// small image; retry unbounded and let ParseMethod trim.
		raw, err = pf.GetData(row.RVA, 0)
		if err != nil {
			return nil, fmt.Errorf("%w: reading method body at RVA %#x: %v", ErrTokenResolutionFailed, row.RVA, err)
		}
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty method body at RVA %#x", ErrTokenResolutionFailed, row.RVA)
	}

	parsed, err := ParseMethod(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: method body at RVA %#x failed to parse: %v", ErrTokenResolutionFailed, row.RVA, err)
	}

	total := methodBodyTotalLength(parsed)
	if total > len(raw) {
		total = len(raw)
	}
	return raw[:total], nil
}

// methodBodyTotalLength computes how many bytes of the original buffer the
// parsed method actually occupies: header + code, plus, when extra sections
// are present, the padding to their 4-byte-aligned start and the size that
// the first section's header records (the same field ParseExtraSection
// reads).
func methodBodyTotalLength(parsed ParsedMethod) int {
	headerSize := fatHeaderSize
	if parsed.Header.IsTiny {
		headerSize = tinyHeaderSize
	}
	end := headerSize + len(parsed.Code)
	if len(parsed.ExtraSections) == 0 {
		return end
	}

	extraStart := align4(end)
	size := extraSectionWireSize(parsed.ExtraSections)
	return extraStart + size
}

// extraSectionWireSize reads the 3-byte little-endian size field that
// ParseExtraSection itself trusts (ECMA-335 §II.25.4.5), so the two stay
// in lockstep. Returns the length of the whole buffer if the section is
// malformed, since ParseMethod already validated it once.
func extraSectionWireSize(b []byte) int {
	if len(b) < 4 {
		return len(b)
	}
	size := int(b[1]) | int(b[2])<<8 | int(b[3])<<16
	if size <= 0 || size > len(b) {
		return len(b)
	}
	return size
}
