// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package il

import (
	"encoding/binary"
	"fmt"
)

// Exception clause kinds, ECMA-335 §II.25.4.6 (COR_ILEXCEPTION_CLAUSE_*).
const (
	ClauseCatch   = 0x0
	ClauseFilter  = 0x1
	ClauseFinally = 0x2
	ClauseFault   = 0x4
)

const (
	clauseSizeSmall = 12
	clauseSizeFat   = 24
)

// ExceptionClause is the logical, wire-format-independent record for one
// try/handler region.
type ExceptionClause struct {
	Flags         uint32
	TryOffset     uint32
	TryLength     uint32
	HandlerOffset uint32
	HandlerLength uint32

	// ClassToken is valid when Flags == ClauseCatch.
	ClassToken uint32

	// FilterOffset is valid when Flags == ClauseFilter. Per ECMA-335
	// §II.25.4.6 this is the COR_ILEXCEPTION_CLAUSE_FILTER bit; checking
	// Flags == ClauseFilter exactly (rather than testing the bit in
	// isolation) is numerically equivalent since ClauseFilter is a single
	// bit and no other kind sets it (Q2).
	FilterOffset uint32
}

// ParseExtraSection decodes the EH extra-section bytes following a fat
// method's code into a clause list. It selects small vs fat clause format
// from the fat-format bit (0x40) of the section's flags byte.
func ParseExtraSection(b []byte) ([]ExceptionClause, error) {
	if len(b) < 4 {
		return nil, ErrUnexpectedEnd
	}
	flags := b[0]
	if flags&sectEHTable == 0 {
		return nil, fmt.Errorf("%w: extra section is not an EH table", ErrInvalidExceptionClause)
	}
	size := int(b[1]) | int(b[2])<<8 | int(b[3])<<16
	if size > len(b) {
		return nil, fmt.Errorf("%w: EH section size %d exceeds buffer", ErrInvalidExceptionClause, size)
	}
	body := b[4:size]

	isFat := flags&sectFatFormat != 0
	clauseSize := clauseSizeSmall
	if isFat {
		clauseSize = clauseSizeFat
	}
	if clauseSize == 0 || len(body)%clauseSize != 0 {
		return nil, fmt.Errorf("%w: EH section body is not a multiple of the clause size", ErrInvalidExceptionClause)
	}

	n := len(body) / clauseSize
	clauses := make([]ExceptionClause, 0, n)
	for i := 0; i < n; i++ {
		c := body[i*clauseSize : (i+1)*clauseSize]
		var clause ExceptionClause
		if isFat {
			clause = parseFatClause(c)
		} else {
			clause = parseSmallClause(c)
		}
		clauses = append(clauses, clause)
	}
	return clauses, nil
}

func parseFatClause(c []byte) ExceptionClause {
	flags := binary.LittleEndian.Uint32(c[0:4])
	clause := ExceptionClause{
		Flags:         flags,
		TryOffset:     binary.LittleEndian.Uint32(c[4:8]),
		TryLength:     binary.LittleEndian.Uint32(c[8:12]),
		HandlerOffset: binary.LittleEndian.Uint32(c[12:16]),
		HandlerLength: binary.LittleEndian.Uint32(c[16:20]),
	}
	last := binary.LittleEndian.Uint32(c[20:24])
	if flags == ClauseFilter {
		clause.FilterOffset = last
	} else {
		clause.ClassToken = last
	}
	return clause
}

func parseSmallClause(c []byte) ExceptionClause {
	flags := uint32(binary.LittleEndian.Uint16(c[0:2]))
	clause := ExceptionClause{
		Flags:         flags,
		TryOffset:     uint32(binary.LittleEndian.Uint16(c[2:4])),
		TryLength:     uint32(c[4]),
		HandlerOffset: uint32(binary.LittleEndian.Uint16(c[5:7])),
		HandlerLength: uint32(c[7]),
	}
	last := binary.LittleEndian.Uint32(c[8:12])
	if flags == ClauseFilter {
		clause.FilterOffset = last
	} else {
		clause.ClassToken = last
	}
	return clause
}

// ShiftClause returns c with try/handler/filter offsets shifted by delta,
// used to relocate clauses parsed from the original method once its code
// has been spliced into the instrumented method at a non-zero offset.
func ShiftClause(c ExceptionClause, delta uint32) ExceptionClause {
	c.TryOffset += delta
	c.HandlerOffset += delta
	if c.Flags == ClauseFilter {
		c.FilterOffset += delta
	}
	return c
}

// RemapClauseOffsets rewrites c's try/handler/filter offsets through an
// old-offset -> new-offset mapping produced by PreprocessUserCode, before
// any uniform ShiftClause is applied.
func RemapClauseOffsets(c ExceptionClause, offsetMap []OffsetPair) ExceptionClause {
	remap := func(old uint32) uint32 {
		for _, p := range offsetMap {
			if uint32(p.Old) == old {
				return uint32(p.New)
			}
		}
		return old
	}
	c.TryOffset = remap(c.TryOffset)
	c.HandlerOffset = remap(c.HandlerOffset)
	if c.Flags == ClauseFilter {
		c.FilterOffset = remap(c.FilterOffset)
	}
	return c
}

// SerializeExtraSection builds a fat-format-only EH extra section: header,
// then newClauses (unshifted, innermost first, as produced by the emitter),
// then originalClauses shifted by userCodeOffset.
//
//   - If originalOffsetMap is non-nil, each original clause's offsets are
//     first remapped through it (ret-preprocessing changed them), then
//     shifted uniformly by userCodeOffset.
func SerializeExtraSection(newClauses, originalClauses []ExceptionClause, originalOffsetMap []OffsetPair, userCodeOffset uint32) []byte {
	all := make([]ExceptionClause, 0, len(newClauses)+len(originalClauses))
	all = append(all, newClauses...)
	for _, c := range originalClauses {
		if originalOffsetMap != nil {
			c = RemapClauseOffsets(c, originalOffsetMap)
		}
		all = append(all, ShiftClause(c, userCodeOffset))
	}

	size := 4 + clauseSizeFat*len(all)
	out := make([]byte, 4, size)
	out[0] = sectEHTable | sectFatFormat
	out[1] = byte(size)
	out[2] = byte(size >> 8)
	out[3] = byte(size >> 16)

	var buf [clauseSizeFat]byte
	for _, c := range all {
		binary.LittleEndian.PutUint32(buf[0:4], c.Flags)
		binary.LittleEndian.PutUint32(buf[4:8], c.TryOffset)
		binary.LittleEndian.PutUint32(buf[8:12], c.TryLength)
		binary.LittleEndian.PutUint32(buf[12:16], c.HandlerOffset)
		binary.LittleEndian.PutUint32(buf[16:20], c.HandlerLength)
		if c.Flags == ClauseFilter {
			binary.LittleEndian.PutUint32(buf[20:24], c.FilterOffset)
		} else {
			binary.LittleEndian.PutUint32(buf[20:24], c.ClassToken)
		}
		out = append(out, buf[:]...)
	}

	return out
}
