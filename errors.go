// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package il

import "errors"

// Error taxonomy. Every sentinel below corresponds to one kind in the
// rewriter's error taxonomy; callers should match against these with
// errors.Is, since every returned error is wrapped with %w plus
// call-site context via fmt.Errorf.
var (
	// ErrInvalidHeader is returned when a tiny-format size claim exceeds the
	// buffer, a fat header is truncated, or the header format is otherwise
	// unrecognized.
	ErrInvalidHeader = errors.New("il: invalid method header")

	// ErrUnexpectedEnd is returned when an instruction stream, EH section,
	// signature blob, or compressed integer is truncated.
	ErrUnexpectedEnd = errors.New("il: unexpected end of input")

	// ErrCompressionOverflow is returned when a value exceeds 0x1FFFFFFF and
	// cannot be represented as a compressed unsigned integer.
	ErrCompressionOverflow = errors.New("il: value too large to compress")

	// ErrInvalidExceptionClause is returned for a malformed EH section, a
	// non-EH section marker, or a clause extending past section bounds.
	ErrInvalidExceptionClause = errors.New("il: invalid exception clause")

	// ErrUndefinedOpcode is returned when the scanner encounters a reserved
	// or undefined byte.
	ErrUndefinedOpcode = errors.New("il: undefined opcode")

	// ErrUndefinedLabel is returned when a jump was emitted but its label
	// was never placed (invariant I2).
	ErrUndefinedLabel = errors.New("il: undefined label")

	// ErrTokenResolutionFailed is returned when the metadata service refuses
	// a lookup or definition request.
	ErrTokenResolutionFailed = errors.New("il: token resolution failed")

	// ErrGenerationError covers a multi-ret precondition violation (final
	// instruction not ret), an out-of-range branch displacement after
	// widening, or any other internal inconsistency in code generation.
	ErrGenerationError = errors.New("il: code generation error")
)
