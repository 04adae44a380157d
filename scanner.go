// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package il

import (
	"encoding/binary"
	"fmt"
)

// Instruction is one decoded CIL instruction.
type Instruction struct {
	// Offset is the byte offset in the original code stream.
	Offset int

	// Opcode is the opcode value. Single-byte opcodes use the low byte
	// directly; two-byte opcodes are stored as 0xFE00|secondByte.
	Opcode uint16

	// OpcodeSize is the size of the opcode encoding itself (1 or 2 bytes).
	OpcodeSize int

	// OperandSize is the size of the operand in bytes.
	OperandSize int

	// TotalSize is OpcodeSize + OperandSize.
	TotalSize int
}

// IsRet reports whether this instruction is ret (0x2A).
func (i Instruction) IsRet() bool { return i.Opcode == opRet }

// IsBranch reports whether this instruction is a branch, short or long form.
func (i Instruction) IsBranch() bool { return isBranch(i.Opcode) }

// IsShortBranch reports whether this instruction is a short-form branch.
func (i Instruction) IsShortBranch() bool { return isShortBranch(i.Opcode) }

// BranchTarget returns the absolute target offset for a branch instruction,
// or false if i is not a branch.
func (i Instruction) BranchTarget(code []byte) (int, bool) {
	if !i.IsBranch() {
		return 0, false
	}
	operandOffset := i.Offset + i.OpcodeSize
	next := i.Offset + i.TotalSize
	if i.IsShortBranch() {
		rel := int8(code[operandOffset])
		return next + int(rel), true
	}
	rel := int32(binary.LittleEndian.Uint32(code[operandOffset : operandOffset+4]))
	return next + int(rel), true
}

// Scan decodes code into its instruction sequence. It fails with
// ErrUndefinedOpcode on a reserved byte and ErrUnexpectedEnd on a truncated
// stream. Invariant I1/I6: instructions are dense and strictly increasing.
func Scan(code []byte) ([]Instruction, error) {
	var instructions []Instruction
	pos := 0

	for pos < len(code) {
		b := code[pos]

		var opcode uint16
		var opcodeSize, operandSize int

		switch {
		case b == 0xFE:
			if pos+1 >= len(code) {
				return nil, ErrUnexpectedEnd
			}
			second := int(code[pos+1])
			if second >= len(twoByteOperandSize) {
				return nil, fmt.Errorf("%w: 0xFE%02X at offset %d", ErrUndefinedOpcode, second, pos)
			}
			size := twoByteOperandSize[second]
			if size == operandSizeInvalid {
				return nil, fmt.Errorf("%w: 0xFE%02X at offset %d", ErrUndefinedOpcode, second, pos)
			}
			opcode = 0xFE00 | uint16(second)
			opcodeSize = 2
			operandSize = int(size)

		case b == 0x45:
			if pos+5 > len(code) {
				return nil, ErrUnexpectedEnd
			}
			n := binary.LittleEndian.Uint32(code[pos+1 : pos+5])
			opcode = 0x45
			opcodeSize = 1
			operandSize = 4 + int(n)*4

		default:
			size := singleByteOperandSize[b]
			if size == operandSizeInvalid {
				return nil, fmt.Errorf("%w: %#02x at offset %d", ErrUndefinedOpcode, b, pos)
			}
			opcode = uint16(b)
			opcodeSize = 1
			operandSize = int(size)
		}

		total := opcodeSize + operandSize
		if pos+total > len(code) {
			return nil, ErrUnexpectedEnd
		}

		instructions = append(instructions, Instruction{
			Offset:      pos,
			Opcode:      opcode,
			OpcodeSize:  opcodeSize,
			OperandSize: operandSize,
			TotalSize:   total,
		})
		pos += total
	}

	return instructions, nil
}

// CountRets returns the number of ret (0x2A) instructions.
func CountRets(instructions []Instruction) int {
	n := 0
	for _, i := range instructions {
		if i.IsRet() {
			n++
		}
	}
	return n
}

// PreprocessedCode is the result of ret-rewriting a user method body before
// wrapping it in the template's try region.
type PreprocessedCode struct {
	// Code is the rewritten bytecode.
	Code []byte

	// OffsetMap maps old instruction offset -> new instruction offset, one
	// entry per instruction in the original scan, in original order.
	OffsetMap []OffsetPair
}

// OffsetPair is one (old, new) offset correspondence.
type OffsetPair struct {
	Old int
	New int
}

// identityOffsetMap builds an OffsetMap where New == Old for every
// instruction; used for the 0-ret and single-ret cases where no instruction
// changes position.
func identityOffsetMap(instructions []Instruction) []OffsetPair {
	m := make([]OffsetPair, len(instructions))
	for idx, inst := range instructions {
		m[idx] = OffsetPair{Old: inst.Offset, New: inst.Offset}
	}
	return m
}

// PreprocessUserCode rewrites ret instructions in code so the method body
// can be legally wrapped in a try region (the CLR forbids ret from
// transferring control out of a try block). See spec §4.7:
//
//   - 0 rets: returned unchanged, identity offset map.
//   - 1 ret (must be final): replaced with nop, identity offset map.
//   - 2+ rets: final ret becomes nop; every other ret becomes a long br to
//     the final nop; branch displacements are recomputed against the new
//     offsets, widening short branches conservatively when the code grows
//     past the i8 displacement range.
func PreprocessUserCode(code []byte) (PreprocessedCode, error) {
	instructions, err := Scan(code)
	if err != nil {
		return PreprocessedCode{}, err
	}
	retCount := CountRets(instructions)

	if retCount == 0 {
		out := make([]byte, len(code))
		copy(out, code)
		return PreprocessedCode{Code: out, OffsetMap: identityOffsetMap(instructions)}, nil
	}

	if len(instructions) == 0 {
		return PreprocessedCode{}, ErrUnexpectedEnd
	}
	last := instructions[len(instructions)-1]
	if !last.IsRet() {
		return PreprocessedCode{}, fmt.Errorf("%w: final instruction is not ret", ErrGenerationError)
	}

	if retCount == 1 {
		out := make([]byte, len(code))
		copy(out, code)
		out[last.Offset] = opNop
		return PreprocessedCode{Code: out, OffsetMap: identityOffsetMap(instructions)}, nil
	}

	return rewriteMultiReturn(code, instructions)
}

// rewriteMultiReturn implements the 2+-ret case of PreprocessUserCode.
func rewriteMultiReturn(code []byte, instructions []Instruction) (PreprocessedCode, error) {
	finalRetIdx := len(instructions) - 1

	newSizes := make([]int, len(instructions))
	for idx, inst := range instructions {
		newSizes[idx] = inst.TotalSize
	}
	for idx, inst := range instructions {
		if inst.IsRet() && idx != finalRetIdx {
			newSizes[idx] = 5 // br (1) + i32 (4)
		}
	}

	newOffsets := make([]int, len(instructions))
	offset := 0
	for idx, size := range newSizes {
		newOffsets[idx] = offset
		offset += size
	}
	newCodeSize := offset

	// Conservative widening rule (Q3): when growth exceeds what an i8
	// displacement can absorb, widen every short branch rather than
	// computing a tighter fixed point. Always sufficient, per spec §4.7.
	needsExpansion := newCodeSize > len(code)+127
	if needsExpansion {
		for idx, inst := range instructions {
			if inst.IsShortBranch() {
				newSizes[idx] = 5
			}
		}
		offset = 0
		for idx, size := range newSizes {
			newOffsets[idx] = offset
			offset += size
		}
	}

	finalNopOffset := newOffsets[finalRetIdx]
	newCode := make([]byte, 0, offset)

	// anyOffsetChanged is the corrected Q4 predicate: a cheap boolean
	// instead of the reference's full offset-vector comparison.
	anyOffsetChanged := needsExpansion
	if !anyOffsetChanged {
		for idx, inst := range instructions {
			if newOffsets[idx] != inst.Offset {
				anyOffsetChanged = true
				break
			}
		}
	}

	for idx, inst := range instructions {
		instStart := len(newCode)
		if instStart != newOffsets[idx] {
			return PreprocessedCode{}, fmt.Errorf("%w: offset bookkeeping drifted at instruction %d", ErrGenerationError, idx)
		}

		switch {
		case inst.IsRet() && idx == finalRetIdx:
			newCode = append(newCode, opNop)

		case inst.IsRet():
			nextInstOffset := instStart + 5
			rel := int32(finalNopOffset - nextInstOffset)
			newCode = append(newCode, opBr)
			newCode = appendInt32LE(newCode, rel)

		case needsExpansion && inst.IsShortBranch():
			longOp := shortToLongBranch(inst.Opcode)
			newCode = append(newCode, byte(longOp))

			oldTarget, ok := inst.BranchTarget(code)
			if !ok {
				return PreprocessedCode{}, fmt.Errorf("%w: missing branch target", ErrGenerationError)
			}
			targetIdx, err := findInstructionAtOffset(instructions, oldTarget)
			if err != nil {
				return PreprocessedCode{}, err
			}
			newTarget := newOffsets[targetIdx]
			nextInstOffset := instStart + 5
			rel := int32(newTarget - nextInstOffset)
			newCode = appendInt32LE(newCode, rel)

		case inst.IsBranch() && anyOffsetChanged:
			operandStart := inst.Offset + inst.OpcodeSize
			newCode = append(newCode, code[inst.Offset:operandStart]...)

			oldTarget, ok := inst.BranchTarget(code)
			if !ok {
				return PreprocessedCode{}, fmt.Errorf("%w: missing branch target", ErrGenerationError)
			}
			targetIdx, err := findInstructionAtOffset(instructions, oldTarget)
			if err != nil {
				// Fall back: copy the original operand bytes unchanged, e.g.
				// for a branch whose target is a synthetic boundary.
				newCode = append(newCode, code[operandStart:operandStart+inst.OperandSize]...)
				continue
			}
			newTarget := newOffsets[targetIdx]
			nextInstOffset := instStart + newSizes[idx]
			rel := newTarget - nextInstOffset
			if inst.IsShortBranch() {
				if rel < -128 || rel > 127 {
					return PreprocessedCode{}, fmt.Errorf("%w: short branch displacement %d out of range at offset %d", ErrGenerationError, rel, inst.Offset)
				}
				newCode = append(newCode, byte(int8(rel)))
			} else {
				newCode = appendInt32LE(newCode, int32(rel))
			}

		default:
			newCode = append(newCode, code[inst.Offset:inst.Offset+inst.TotalSize]...)
		}
	}

	offsetMap := make([]OffsetPair, len(instructions))
	for idx, inst := range instructions {
		offsetMap[idx] = OffsetPair{Old: inst.Offset, New: newOffsets[idx]}
	}

	return PreprocessedCode{Code: newCode, OffsetMap: offsetMap}, nil
}

func findInstructionAtOffset(instructions []Instruction, offset int) (int, error) {
	for idx, inst := range instructions {
		if inst.Offset == offset {
			return idx, nil
		}
	}
	return 0, fmt.Errorf("%w: branch target offset %d not found at an instruction boundary", ErrGenerationError, offset)
}

func appendInt32LE(b []byte, v int32) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(v))
	return append(b, buf[:]...)
}
