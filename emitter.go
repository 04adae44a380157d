// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package il

import "fmt"

// Opcodes the emitter encodes directly, beyond the names in opcodes.go.
const (
	opLdarg0 = 0x02
	opLdargS = 0x0E
	opLdarg  = 0xFE09

	opLdloc0 = 0x06
	opLdloc  = 0xFE0C

	opStloc0 = 0x0A
	opStlocS = 0x13
	opStloc  = 0xFE0E

	opLdcI4M1 = 0x15
	opLdcI40  = 0x16
	opLdcI4S  = 0x1F
	opLdcI4   = 0x20

	// opBrfalse is the long-form (4-byte displacement) brfalse, the form
	// compatible with AppendJump's 4-byte placeholder. The short form
	// (opBrfalseS, opcodes.go) takes only a 1-byte displacement and must
	// never be used with AppendJump/AppendJumpAuto.
	opBrfalse = 0x39
)

// InstructionBuilder assembles IL bytecode with support for forward-referenced
// jump labels and nested try/catch clause tracking. Mirrors the C++
// InstructionSet class: instructions are appended sequentially and jump
// targets resolved when labels are placed.
type InstructionBuilder struct {
	bytes []byte

	// jumps maps a label name to the positions of its pending 4-byte
	// displacement placeholders.
	jumps map[string][]int

	exceptionStack []ExceptionClause
	completed      []ExceptionClause

	userCodeOffset uint32
	labelCounter   uint32
}

// NewInstructionBuilder returns an empty builder with pre-allocated capacity.
func NewInstructionBuilder() *InstructionBuilder {
	return &InstructionBuilder{
		bytes: make([]byte, 0, 500),
		jumps: make(map[string][]int),
	}
}

// AppendOpcode appends an opcode with no operand. Opcodes above 0xFF are
// two-byte forms and are emitted as [0xFE, low byte].
func (b *InstructionBuilder) AppendOpcode(opcode uint16) {
	if opcode > 0xFF {
		b.bytes = append(b.bytes, 0xFE, byte(opcode&0xFF))
	} else {
		b.bytes = append(b.bytes, byte(opcode))
	}
}

// AppendOpcodeU8 appends an opcode with a single-byte operand.
func (b *InstructionBuilder) AppendOpcodeU8(opcode uint16, operand uint8) {
	b.AppendOpcode(opcode)
	b.bytes = append(b.bytes, operand)
}

// AppendOpcodeU16 appends an opcode with a little-endian u16 operand.
func (b *InstructionBuilder) AppendOpcodeU16(opcode uint16, operand uint16) {
	b.AppendOpcode(opcode)
	b.appendLE16(operand)
}

// AppendOpcodeU32 appends an opcode with a little-endian u32 operand.
func (b *InstructionBuilder) AppendOpcodeU32(opcode uint16, operand uint32) {
	b.AppendOpcode(opcode)
	b.appendLE32(operand)
}

// AppendOpcodeU64 appends an opcode with a little-endian u64 operand.
func (b *InstructionBuilder) AppendOpcodeU64(opcode uint16, operand uint64) {
	b.AppendOpcode(opcode)
	b.appendLE64(operand)
}

// AppendRawBytes appends bytes verbatim, e.g. an already-encoded instruction
// sequence or an embedded signature blob.
func (b *InstructionBuilder) AppendRawBytes(raw []byte) {
	b.bytes = append(b.bytes, raw...)
}

func (b *InstructionBuilder) appendLE16(v uint16) {
	b.bytes = append(b.bytes, byte(v), byte(v>>8))
}

func (b *InstructionBuilder) appendLE32(v uint32) {
	b.bytes = append(b.bytes, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func (b *InstructionBuilder) appendLE64(v uint64) {
	for i := 0; i < 8; i++ {
		b.bytes = append(b.bytes, byte(v>>(8*i)))
	}
}

// AppendJump emits instruction (a one-byte opcode, e.g. opLeave) followed by
// a 4-byte placeholder displacement that AppendLabel will later patch.
func (b *InstructionBuilder) AppendJump(instruction byte, label string) {
	b.bytes = append(b.bytes, instruction)
	placeholder := len(b.bytes)
	b.jumps[label] = append(b.jumps[label], placeholder)
	b.bytes = append(b.bytes, 0x00, 0x00, 0x00, 0x00)
}

// AppendJumpAuto emits a jump to an auto-generated, unique label and returns
// its name.
func (b *InstructionBuilder) AppendJumpAuto(instruction byte) string {
	label := fmt.Sprintf("__auto_%d", b.labelCounter)
	b.labelCounter++
	b.AppendJump(instruction, label)
	return label
}

// AppendLabel places label at the current position, patching every pending
// jump to it. Distance is measured from the byte following the 4-byte
// operand to the label position: distance = label_pos - (placeholder_pos+4).
func (b *InstructionBuilder) AppendLabel(label string) {
	positions, ok := b.jumps[label]
	if !ok {
		return
	}
	current := len(b.bytes)
	for _, placeholder := range positions {
		distance := int32(current) - int32(placeholder+4)
		b.bytes[placeholder] = byte(distance)
		b.bytes[placeholder+1] = byte(distance >> 8)
		b.bytes[placeholder+2] = byte(distance >> 16)
		b.bytes[placeholder+3] = byte(distance >> 24)
	}
	delete(b.jumps, label)
}

// AppendLoadArgument emits the shortest ldarg form for index.
func (b *InstructionBuilder) AppendLoadArgument(index uint16) {
	switch {
	case index < 4:
		b.AppendOpcode(uint16(opLdarg0) + index)
	case index <= 255:
		b.AppendOpcodeU8(opLdargS, uint8(index))
	default:
		b.AppendOpcodeU16(opLdarg, index)
	}
}

// AppendLoadLocal emits the shortest ldloc form for index.
func (b *InstructionBuilder) AppendLoadLocal(index uint16) {
	switch {
	case index < 4:
		b.AppendOpcode(uint16(opLdloc0) + index)
	case index <= 255:
		b.AppendOpcodeU8(opLdlocS, uint8(index))
	default:
		b.AppendOpcodeU16(opLdloc, index)
	}
}

// AppendStoreLocal emits the shortest stloc form for index.
func (b *InstructionBuilder) AppendStoreLocal(index uint16) {
	switch {
	case index < 4:
		b.AppendOpcode(uint16(opStloc0) + index)
	case index <= 255:
		b.AppendOpcodeU8(opStlocS, uint8(index))
	default:
		b.AppendOpcodeU16(opStloc, index)
	}
}

// AppendLdcI4 emits the shortest ldc.i4 form for value.
func (b *InstructionBuilder) AppendLdcI4(value int32) {
	switch {
	case value >= -1 && value <= 8:
		b.AppendOpcode(uint16(opLdcI4M1) + uint16(value+1))
	case value >= -128 && value <= 127:
		b.AppendOpcodeU8(opLdcI4S, uint8(int8(value)))
	default:
		b.AppendOpcodeU32(opLdcI4, uint32(value))
	}
}

// AppendUserCode records the current position as the user-code offset and
// appends the original method body verbatim. The offset is later used to
// shift the original method's exception clauses.
func (b *InstructionBuilder) AppendUserCode(userCode []byte) {
	b.userCodeOffset = uint32(len(b.bytes))
	b.bytes = append(b.bytes, userCode...)
}

// AppendTryStart begins a try region. Must be paired with AppendTryEnd.
// Nested try regions are tracked on a stack, so the innermost completes
// (and is appended to CompletedClauses) first.
func (b *InstructionBuilder) AppendTryStart() {
	b.exceptionStack = append(b.exceptionStack, ExceptionClause{
		TryOffset: uint32(len(b.bytes)),
	})
}

// AppendTryEnd closes the most recently opened try region.
func (b *InstructionBuilder) AppendTryEnd() {
	n := len(b.exceptionStack)
	if n == 0 {
		return
	}
	clause := &b.exceptionStack[n-1]
	clause.TryLength = uint32(len(b.bytes)) - clause.TryOffset
}

// AppendCatchStart begins a catch handler for classToken on the most
// recently opened try region.
func (b *InstructionBuilder) AppendCatchStart(classToken uint32) {
	n := len(b.exceptionStack)
	if n == 0 {
		return
	}
	clause := &b.exceptionStack[n-1]
	clause.HandlerOffset = uint32(len(b.bytes))
	clause.Flags = ClauseCatch
	clause.ClassToken = classToken
}

// AppendCatchEnd closes the catch handler, completing the clause and
// popping it off the open-region stack.
func (b *InstructionBuilder) AppendCatchEnd() {
	n := len(b.exceptionStack)
	if n == 0 {
		return
	}
	clause := b.exceptionStack[n-1]
	b.exceptionStack = b.exceptionStack[:n-1]
	clause.HandlerLength = uint32(len(b.bytes)) - clause.HandlerOffset
	b.completed = append(b.completed, clause)
}

// Bytes returns the built IL bytes.
func (b *InstructionBuilder) Bytes() []byte { return b.bytes }

// UserCodeOffset returns the byte offset at which AppendUserCode wrote the
// original method body.
func (b *InstructionBuilder) UserCodeOffset() uint32 { return b.userCodeOffset }

// CompletedClauses returns the exception clauses completed so far, innermost
// first, ready for SerializeExtraSection.
func (b *InstructionBuilder) CompletedClauses() []ExceptionClause { return b.completed }

// Position returns the number of bytes written so far.
func (b *InstructionBuilder) Position() int { return len(b.bytes) }

// Validate reports ErrUndefinedLabel if any jump's label was never placed
// (invariant I2), or ErrInvalidExceptionClause if a try region was never
// closed (invariant I3).
func (b *InstructionBuilder) Validate() error {
	for label := range b.jumps {
		return fmt.Errorf("%w: %s", ErrUndefinedLabel, label)
	}
	if len(b.exceptionStack) != 0 {
		return fmt.Errorf("%w: %d try region(s) never closed", ErrInvalidExceptionClause, len(b.exceptionStack))
	}
	return nil
}
