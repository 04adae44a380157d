package il

import "testing"

func requireBytes(t *testing.T, got, want []byte) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got % x, want % x", got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("got % x, want % x", got, want)
		}
	}
}

func TestAppendSingleByteOpcode(t *testing.T) {
	b := NewInstructionBuilder()
	b.AppendOpcode(opLdnull)
	requireBytes(t, b.Bytes(), []byte{0x14})
}

func TestAppendTwoByteOpcode(t *testing.T) {
	b := NewInstructionBuilder()
	b.AppendOpcode(opRethrowOp)
	requireBytes(t, b.Bytes(), []byte{0xFE, 0x1A})
}

func TestAppendOpcodeU16LittleEndian(t *testing.T) {
	b := NewInstructionBuilder()
	b.AppendOpcodeU16(opLdnull, 0xDEAD)
	requireBytes(t, b.Bytes(), []byte{0x14, 0xAD, 0xDE})
}

func TestAppendOpcodeU32LittleEndian(t *testing.T) {
	b := NewInstructionBuilder()
	b.AppendOpcodeU32(opLdcI4, 0xDEADBEEF)
	requireBytes(t, b.Bytes(), []byte{0x20, 0xEF, 0xBE, 0xAD, 0xDE})
}

func TestAppendOpcodeU64LittleEndian(t *testing.T) {
	b := NewInstructionBuilder()
	b.AppendOpcodeU64(opLdcI8, 0xBEEBDEADBEEFABBE)
	requireBytes(t, b.Bytes(), []byte{0x21, 0xBE, 0xAB, 0xEF, 0xBE, 0xAD, 0xDE, 0xEB, 0xBE})
}

func TestLoadArgument0To3(t *testing.T) {
	b := NewInstructionBuilder()
	for i := uint16(0); i < 4; i++ {
		b.AppendLoadArgument(i)
	}
	requireBytes(t, b.Bytes(), []byte{0x02, 0x03, 0x04, 0x05})
}

func TestLoadArgumentShortForm(t *testing.T) {
	b := NewInstructionBuilder()
	b.AppendLoadArgument(4)
	requireBytes(t, b.Bytes(), []byte{0x0E, 0x04})
}

func TestLoadArgumentLongForm(t *testing.T) {
	b := NewInstructionBuilder()
	b.AppendLoadArgument(256)
	requireBytes(t, b.Bytes(), []byte{0xFE, 0x09, 0x00, 0x01})
}

func TestLoadLocal0To3(t *testing.T) {
	b := NewInstructionBuilder()
	for i := uint16(0); i < 4; i++ {
		b.AppendLoadLocal(i)
	}
	requireBytes(t, b.Bytes(), []byte{0x06, 0x07, 0x08, 0x09})
}

func TestLoadLocalShortForm(t *testing.T) {
	b := NewInstructionBuilder()
	b.AppendLoadLocal(4)
	requireBytes(t, b.Bytes(), []byte{0x11, 0x04})
}

func TestLoadLocalLongForm(t *testing.T) {
	b := NewInstructionBuilder()
	b.AppendLoadLocal(256)
	requireBytes(t, b.Bytes(), []byte{0xFE, 0x0C, 0x00, 0x01})
}

func TestStoreLocal0To3(t *testing.T) {
	b := NewInstructionBuilder()
	for i := uint16(0); i < 4; i++ {
		b.AppendStoreLocal(i)
	}
	requireBytes(t, b.Bytes(), []byte{0x0A, 0x0B, 0x0C, 0x0D})
}

func TestStoreLocalShortForm(t *testing.T) {
	b := NewInstructionBuilder()
	b.AppendStoreLocal(4)
	requireBytes(t, b.Bytes(), []byte{0x13, 0x04})
}

func TestStoreLocalLongForm(t *testing.T) {
	b := NewInstructionBuilder()
	b.AppendStoreLocal(256)
	requireBytes(t, b.Bytes(), []byte{0xFE, 0x0E, 0x00, 0x01})
}

func TestLdcI4InlineValues(t *testing.T) {
	b := NewInstructionBuilder()
	b.AppendLdcI4(-1)
	b.AppendLdcI4(0)
	b.AppendLdcI4(8)
	requireBytes(t, b.Bytes(), []byte{0x15, 0x16, 0x1E})
}

func TestLdcI4ShortForm(t *testing.T) {
	b := NewInstructionBuilder()
	b.AppendLdcI4(11)
	requireBytes(t, b.Bytes(), []byte{0x1F, 0x0B})
}

func TestLdcI4LongForm(t *testing.T) {
	b := NewInstructionBuilder()
	b.AppendLdcI4(1000)
	requireBytes(t, b.Bytes(), []byte{0x20, 0xE8, 0x03, 0x00, 0x00})
}

func TestJumpLabelForwardReference(t *testing.T) {
	b := NewInstructionBuilder()
	b.AppendOpcode(opNop)              // offset 0, 1 byte
	b.AppendJump(opLeave, "after")     // offset 1, 5 bytes
	b.AppendOpcode(opNop)              // offset 6
	b.AppendOpcode(opNop)              // offset 7
	b.AppendLabel("after")             // offset 8

	bytes := b.Bytes()
	requireBytes(t, bytes, []byte{0x00, 0xDD, 0x02, 0x00, 0x00, 0x00, 0x00, 0x00})
}

func TestJumpLabelZeroDistance(t *testing.T) {
	b := NewInstructionBuilder()
	b.AppendJump(opLeave, "here")
	b.AppendLabel("here")
	requireBytes(t, b.Bytes(), []byte{0xDD, 0x00, 0x00, 0x00, 0x00})
}

func TestJumpAutoGeneratesUniqueLabels(t *testing.T) {
	b := NewInstructionBuilder()
	label1 := b.AppendJumpAuto(opLeave)
	label2 := b.AppendJumpAuto(opLeave)
	if label1 == label2 {
		t.Fatalf("expected distinct auto labels, got %q twice", label1)
	}
}

func TestMultipleJumpsToSameLabel(t *testing.T) {
	b := NewInstructionBuilder()
	b.AppendJump(opLeave, "target") // offset 0, 5 bytes
	b.AppendJump(opLeave, "target") // offset 5, 5 bytes
	b.AppendLabel("target")         // offset 10

	bytes := b.Bytes()
	if bytes[1] != 0x05 || bytes[2] != 0x00 {
		t.Fatalf("first jump distance wrong: % x", bytes[1:5])
	}
	if bytes[6] != 0x00 || bytes[7] != 0x00 {
		t.Fatalf("second jump distance wrong: % x", bytes[6:10])
	}
}

func TestAppendUserCodeRecordsOffset(t *testing.T) {
	b := NewInstructionBuilder()
	b.AppendOpcode(opNop)
	b.AppendOpcode(opNop)
	b.AppendUserCode([]byte{0x2A})
	if b.UserCodeOffset() != 2 {
		t.Fatalf("UserCodeOffset() = %d, want 2", b.UserCodeOffset())
	}
	requireBytes(t, b.Bytes(), []byte{0x00, 0x00, 0x2A})
}

func TestExceptionClauseTracking(t *testing.T) {
	b := NewInstructionBuilder()
	b.AppendTryStart()
	b.AppendOpcode(opNop) // offset 0
	b.AppendOpcode(opNop) // offset 1
	b.AppendTryEnd()      // try: offset=0, length=2

	b.AppendCatchStart(0x01000042)
	b.AppendOpcode(opPop) // offset 2
	b.AppendCatchEnd()    // handler: offset=2, length=1

	clauses := b.CompletedClauses()
	if len(clauses) != 1 {
		t.Fatalf("len(clauses) = %d, want 1", len(clauses))
	}
	c := clauses[0]
	if c.Flags != ClauseCatch || c.TryOffset != 0 || c.TryLength != 2 ||
		c.HandlerOffset != 2 || c.HandlerLength != 1 || c.ClassToken != 0x01000042 {
		t.Fatalf("unexpected clause: %+v", c)
	}
}

func TestNestedExceptionClauses(t *testing.T) {
	b := NewInstructionBuilder()

	b.AppendTryStart()
	b.AppendOpcode(opNop) // 0

	b.AppendTryStart()
	b.AppendOpcode(opNop) // 1
	b.AppendTryEnd()

	b.AppendCatchStart(0x01000001)
	b.AppendOpcode(opPop) // 2
	b.AppendCatchEnd()

	b.AppendTryEnd()

	b.AppendCatchStart(0x01000002)
	b.AppendOpcode(opPop) // 3
	b.AppendCatchEnd()

	clauses := b.CompletedClauses()
	if len(clauses) != 2 {
		t.Fatalf("len(clauses) = %d, want 2", len(clauses))
	}
	if clauses[0].TryOffset != 1 || clauses[0].ClassToken != 0x01000001 {
		t.Fatalf("inner clause wrong: %+v", clauses[0])
	}
	if clauses[1].TryOffset != 0 || clauses[1].ClassToken != 0x01000002 {
		t.Fatalf("outer clause wrong: %+v", clauses[1])
	}
}

func TestValidateFailsOnUnplacedLabel(t *testing.T) {
	b := NewInstructionBuilder()
	b.AppendJump(opLeave, "never_placed")
	if err := b.Validate(); err == nil {
		t.Fatal("expected Validate to fail on an unplaced label")
	}
}

func TestValidateFailsOnUnclosedTry(t *testing.T) {
	b := NewInstructionBuilder()
	b.AppendTryStart()
	if err := b.Validate(); err == nil {
		t.Fatal("expected Validate to fail on an unclosed try region")
	}
}

func TestValidatePassesOnWellFormedBuild(t *testing.T) {
	b := NewInstructionBuilder()
	b.AppendTryStart()
	b.AppendOpcode(opNop)
	b.AppendTryEnd()
	b.AppendCatchStart(0x01000001)
	b.AppendOpcode(opPop)
	b.AppendCatchEnd()
	if err := b.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestPositionTracksBytesWritten(t *testing.T) {
	b := NewInstructionBuilder()
	if b.Position() != 0 {
		t.Fatalf("Position() = %d, want 0", b.Position())
	}
	b.AppendOpcode(opNop)
	if b.Position() != 1 {
		t.Fatalf("Position() = %d, want 1", b.Position())
	}
	b.AppendOpcodeU32(opLdcI4, 42)
	if b.Position() != 6 {
		t.Fatalf("Position() = %d, want 6", b.Position())
	}
}
