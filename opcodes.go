// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package il

// CIL opcode values this package emits or recognizes by name. Most opcodes
// are addressed numerically via the scan tables below; these constants name
// the handful the injection template and emitter reference directly.
const (
	opNop        = 0x00
	opLdnull     = 0x14
	opDup        = 0x25
	opPop        = 0x26
	opRet        = 0x2A
	opBrS        = 0x2B
	opBrfalseS   = 0x2C
	opBrtrueS    = 0x2D
	opLdlocS     = 0x11
	opLdargaS    = 0x0F
	opBr         = 0x38
	opLeaveS     = 0xDE
	opLeave      = 0xDD
	opCastclass  = 0x74
	opBox        = 0x8C
	opNewarr     = 0x8D
	opLdstr      = 0x72
	opCallvirt   = 0x6F
	opCall       = 0x28
	opStelemRef  = 0xA2
	opLdcI8      = 0x21
	opLdtoken    = 0xD0
	opRethrowOp  = 0xFE1A
	opEndfilter  = 0xFE11
	opEndfinally = 0xDC
)

// operandSizeInvalid marks an undefined opcode; operandSizeSwitch marks the
// variable-length switch (0x45) instruction in the tables below.
const (
	operandSizeInvalid = -1
	operandSizeSwitch  = -2
)

// singleByteOperandSize gives the operand size, in bytes, for every
// single-byte opcode 0x00..0xFF. Source: ECMA-335 Partition III opcode
// definitions.
var singleByteOperandSize = [256]int8{
	// 0x00-0x0F
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1, 1,
	// 0x10-0x1F
	1, 1, 1, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1,
	// 0x20-0x2F: ldc.i4(4) ldc.i8(8) ldc.r4(4) ldc.r8(8) UNUSED dup pop jmp(4) call(4) calli(4) ret br.s(1) brfalse.s(1) brtrue.s(1) beq.s(1) bge.s(1)
	4, 8, 4, 8, operandSizeInvalid, 0, 0, 4, 4, 4, 0, 1, 1, 1, 1, 1,
	// 0x30-0x3F: short branches, then long br/brfalse/brtrue/beq/bge/bgt/ble/blt
	1, 1, 1, 1, 1, 1, 1, 1, 4, 4, 4, 4, 4, 4, 4, 4,
	// 0x40-0x4F: bne.un bge.un bgt.un ble.un blt.un switch(variable) ldind.*
	4, 4, 4, 4, 4, operandSizeSwitch, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	// 0x50-0x5F: ldind.ref stind.ref stind.* add..rem.un
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	// 0x60-0x6F: and..conv.u8 callvirt(4)
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 4,
	// 0x70-0x7F: cpobj(4) ldobj(4) ldstr(4) newobj(4) castclass(4) isinst(4) conv.r.un UNUSED UNUSED unbox(4) throw ldfld(4) ldflda(4) stfld(4) ldsfld(4) ldsflda(4)
	4, 4, 4, 4, 4, 4, 0, operandSizeInvalid, operandSizeInvalid, 4, 0, 4, 4, 4, 4, 4,
	// 0x80-0x8F: stsfld(4) stobj(4) conv.ovf.*.un box(4) newarr(4) ldlen ldelema(4)
	4, 4, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 4, 4, 0, 4,
	// 0x90-0x9F: ldelem.i1..stelem.r8
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	// 0xA0-0xAF: stelem.r4 stelem.r8 stelem.ref ldelem(4) stelem(4) unbox.any(4) UNUSED*10
	0, 0, 0, 4, 4, 4, operandSizeInvalid, operandSizeInvalid, operandSizeInvalid, operandSizeInvalid, operandSizeInvalid, operandSizeInvalid, operandSizeInvalid, operandSizeInvalid, operandSizeInvalid, operandSizeInvalid,
	// 0xB0-0xBF: UNUSED*3 conv.ovf.i1..conv.ovf.u8 UNUSED*5
	operandSizeInvalid, operandSizeInvalid, operandSizeInvalid, 0, 0, 0, 0, 0, 0, 0, 0, operandSizeInvalid, operandSizeInvalid, operandSizeInvalid, operandSizeInvalid, operandSizeInvalid,
	// 0xC0-0xCF: UNUSED*2 refanyval(4) ckfinite UNUSED*2 mkrefany(4) UNUSED*9
	operandSizeInvalid, operandSizeInvalid, 4, 0, operandSizeInvalid, operandSizeInvalid, 4, operandSizeInvalid, operandSizeInvalid, operandSizeInvalid, operandSizeInvalid, operandSizeInvalid, operandSizeInvalid, operandSizeInvalid, operandSizeInvalid, operandSizeInvalid,
	// 0xD0-0xDF: ldtoken(4) conv.u2 conv.u1 conv.i conv.ovf.i..sub.ovf.un endfinally leave(4) leave.s(1) stind.i
	4, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 4, 1, 0,
	// 0xE0-0xEF: conv.u UNUSED*15
	0, operandSizeInvalid, operandSizeInvalid, operandSizeInvalid, operandSizeInvalid, operandSizeInvalid, operandSizeInvalid, operandSizeInvalid, operandSizeInvalid, operandSizeInvalid, operandSizeInvalid, operandSizeInvalid, operandSizeInvalid, operandSizeInvalid, operandSizeInvalid, operandSizeInvalid,
	// 0xF0-0xFF: UNUSED*14 prefix(0xFE) prefixref(0xFF)
	operandSizeInvalid, operandSizeInvalid, operandSizeInvalid, operandSizeInvalid, operandSizeInvalid, operandSizeInvalid, operandSizeInvalid, operandSizeInvalid, operandSizeInvalid, operandSizeInvalid, operandSizeInvalid, operandSizeInvalid, operandSizeInvalid, operandSizeInvalid, operandSizeInvalid, operandSizeInvalid,
}

// twoByteOperandSize gives the operand size for two-byte opcodes 0xFE00..0xFE1E,
// indexed by the second byte. Only indices 0x00-0x1E are defined.
var twoByteOperandSize = [32]int8{
	// 0xFE00-0xFE0F: arglist ceq cgt cgt.un clt clt.un ldftn(4) ldvirtftn(4) UNUSED ldarg(2) ldarga(2) starg(2) ldloc(2) ldloca(2) stloc(2) localloc
	0, 0, 0, 0, 0, 0, 4, 4, operandSizeInvalid, 2, 2, 2, 2, 2, 2, 0,
	// 0xFE10-0xFE1F: UNUSED endfilter unaligned.(1) volatile. tail. initobj(4) constrained.(4) cpblk initblk no.(1) rethrow UNUSED sizeof(4) refanytype readonly. (last slot unused, table only defines through 0x1E)
	operandSizeInvalid, 0, 1, 0, 0, 4, 4, 0, 0, 1, 0, operandSizeInvalid, 4, 0, 0, operandSizeInvalid,
}

// Branch opcode ranges, ECMA-335 Partition III.
const (
	shortBranchLow  = 0x2B
	shortBranchHigh = 0x37
	longBranchLow   = 0x38
	longBranchHigh  = 0x44
)

// isBranch reports whether opcode (as stored by the scanner: single byte, or
// 0xFE00|second for two-byte forms) is any branch instruction.
func isBranch(opcode uint16) bool {
	switch {
	case opcode >= shortBranchLow && opcode <= shortBranchHigh:
		return true
	case opcode >= longBranchLow && opcode <= longBranchHigh:
		return true
	case opcode == opLeave || opcode == opLeaveS:
		return true
	default:
		return false
	}
}

// isShortBranch reports whether opcode is a short-form (1-byte displacement)
// branch, including leave.s.
func isShortBranch(opcode uint16) bool {
	return (opcode >= shortBranchLow && opcode <= shortBranchHigh) || opcode == opLeaveS
}

// shortToLongBranch maps a short-form branch opcode to its long-form
// equivalent. Short branches 0x2B..0x37 map to long 0x38..0x44 at a fixed
// +0x0D offset; leave.s (0xDE) maps to leave (0xDD). Opcodes that are not
// short branches are returned unchanged.
func shortToLongBranch(opcode uint16) uint16 {
	switch {
	case opcode >= shortBranchLow && opcode <= shortBranchHigh:
		return opcode + 0x0D
	case opcode == opLeaveS:
		return opLeave
	default:
		return opcode
	}
}
