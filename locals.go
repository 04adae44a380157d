// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package il

import "fmt"

// LocalSigHeader is the LOCAL_SIG blob marker byte, ECMA-335 §II.23.2.6.
const LocalSigHeader = 0x07

// ElementTypeClass marks a reference to a class type in a signature blob.
const ElementTypeClass = 0x12

// maxLocalCount is the largest local count the builder will produce;
// appending to a signature that already holds this many locals fails.
const maxLocalCount = 0xFFFE

// LocalSignature builds and extends a method's LOCAL_SIG blob.
type LocalSignature struct {
	bytes []byte
}

// NewLocalSignature returns the empty signature [0x07, 0x00] (zero locals).
func NewLocalSignature() *LocalSignature {
	return &LocalSignature{bytes: []byte{LocalSigHeader, 0x00}}
}

// LocalSignatureFromExisting wraps an existing LOCAL_SIG blob, e.g. one
// fetched from the method's original local_var_sig_tok.
func LocalSignatureFromExisting(b []byte) (*LocalSignature, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty local variable signature", ErrInvalidHeader)
	}
	if b[0] != LocalSigHeader {
		return nil, fmt.Errorf("%w: expected LOCAL_SIG header 0x07, got %#02x", ErrInvalidHeader, b[0])
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return &LocalSignature{bytes: cp}, nil
}

// Bytes returns the raw signature bytes.
func (s *LocalSignature) Bytes() []byte { return s.bytes }

// Count returns the current number of local variables.
func (s *LocalSignature) Count() (uint32, error) {
	if len(s.bytes) < 2 {
		return 0, ErrUnexpectedEnd
	}
	count, _, err := DecodeUint(s.bytes[1:])
	return count, err
}

// AppendType appends a local of the given type encoding and returns its
// 0-based index. The compressed count is incremented and re-spliced in
// place, widening its encoding if the new count crosses 0x80 or 0x4000.
func (s *LocalSignature) AppendType(typeBytes []byte) (uint16, error) {
	s.bytes = append(s.bytes, typeBytes...)
	return s.incrementCount()
}

// AppendClassType appends a local of the form `class <token>`
// (ELEMENT_TYPE_CLASS + compressed token) — the encoding used for reference
// types like System.Object and System.Exception.
func (s *LocalSignature) AppendClassType(classToken uint32) (uint16, error) {
	compressed, err := CompressToken(classToken)
	if err != nil {
		return 0, err
	}
	typeBytes := append([]byte{ElementTypeClass}, compressed...)
	return s.AppendType(typeBytes)
}

func (s *LocalSignature) incrementCount() (uint16, error) {
	oldCount, oldCountBytes, err := DecodeUint(s.bytes[1:])
	if err != nil {
		return 0, err
	}
	if oldCount >= maxLocalCount {
		return 0, fmt.Errorf("%w: local variable count overflow", ErrGenerationError)
	}

	newCount := oldCount + 1
	newCountBytes, err := EncodeUint(newCount)
	if err != nil {
		return 0, err
	}

	replaceStart, replaceEnd := 1, 1+oldCountBytes
	rest := make([]byte, len(s.bytes)-replaceEnd)
	copy(rest, s.bytes[replaceEnd:])

	s.bytes = append(s.bytes[:replaceStart:replaceStart], newCountBytes...)
	s.bytes = append(s.bytes, rest...)

	return uint16(newCount - 1), nil
}
