package il

import (
	"bytes"
	"testing"
)

func TestScanEmptyCode(t *testing.T) {
	instructions, err := Scan(nil)
	if err != nil {
		t.Fatalf("Scan(nil): %v", err)
	}
	if len(instructions) != 0 {
		t.Fatalf("expected no instructions, got %d", len(instructions))
	}
}

func TestScanSingleRet(t *testing.T) {
	code := []byte{0x2A}
	instructions, err := Scan(code)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(instructions) != 1 || !instructions[0].IsRet() || instructions[0].TotalSize != 1 {
		t.Fatalf("unexpected scan result: %+v", instructions)
	}
}

func TestScanLdstrCallRet(t *testing.T) {
	code := []byte{0x72, 0x01, 0x00, 0x00, 0x70, 0x28, 0x02, 0x00, 0x00, 0x06, 0x2A}
	instructions, err := Scan(code)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(instructions) != 3 {
		t.Fatalf("expected 3 instructions, got %d", len(instructions))
	}
	if instructions[0].Opcode != 0x72 || instructions[0].TotalSize != 5 {
		t.Fatalf("unexpected ldstr instruction: %+v", instructions[0])
	}
	if instructions[1].Opcode != 0x28 || instructions[1].Offset != 5 {
		t.Fatalf("unexpected call instruction: %+v", instructions[1])
	}
	if instructions[2].Offset != 10 || !instructions[2].IsRet() {
		t.Fatalf("unexpected ret instruction: %+v", instructions[2])
	}
}

func TestScanShortBranchTarget(t *testing.T) {
	code := []byte{0x2B, 0x03, 0x00, 0x00, 0x00, 0x2A}
	instructions, err := Scan(code)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	target, ok := instructions[0].BranchTarget(code)
	if !ok || target != 5 {
		t.Fatalf("branch target = %d, ok=%v, want 5", target, ok)
	}
}

func TestScanLongBranchTarget(t *testing.T) {
	code := []byte{0x38, 0x03, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x2A}
	instructions, err := Scan(code)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if instructions[0].IsShortBranch() {
		t.Fatal("expected long branch")
	}
	target, ok := instructions[0].BranchTarget(code)
	if !ok || target != 8 {
		t.Fatalf("branch target = %d, ok=%v, want 8", target, ok)
	}
}

func TestScanTwoByteOpcode(t *testing.T) {
	code := []byte{0xFE, 0x1A} // rethrow
	instructions, err := Scan(code)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(instructions) != 1 || instructions[0].Opcode != 0xFE1A || instructions[0].OpcodeSize != 2 {
		t.Fatalf("unexpected: %+v", instructions)
	}
}

func TestScanSwitchInstruction(t *testing.T) {
	code := []byte{0x45, 0x02, 0x00, 0x00, 0x00, 0x05, 0x00, 0x00, 0x00, 0x0A, 0x00, 0x00, 0x00, 0x2A}
	instructions, err := Scan(code)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if instructions[0].Opcode != 0x45 || instructions[0].TotalSize != 13 {
		t.Fatalf("unexpected switch instruction: %+v", instructions[0])
	}
	if instructions[1].Offset != 13 || !instructions[1].IsRet() {
		t.Fatalf("unexpected trailing ret: %+v", instructions[1])
	}
}

func TestScanTruncatedCodeFails(t *testing.T) {
	code := []byte{0x20, 0x01, 0x02}
	if _, err := Scan(code); err == nil {
		t.Fatal("expected error for truncated ldc.i4")
	}
}

func TestScanUndefinedOpcodeFails(t *testing.T) {
	code := []byte{0x24}
	if _, err := Scan(code); err == nil {
		t.Fatal("expected error for undefined opcode")
	}
}

func TestCountRets(t *testing.T) {
	code := []byte{0x2C, 0x01, 0x2A, 0x00, 0x2A} // brfalse.s +1, ret, nop, ret
	instructions, err := Scan(code)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if got := CountRets(instructions); got != 2 {
		t.Fatalf("CountRets = %d, want 2", got)
	}
}

func TestPreprocessNoRets(t *testing.T) {
	code := []byte{0x00, 0x00}
	result, err := PreprocessUserCode(code)
	if err != nil {
		t.Fatalf("PreprocessUserCode: %v", err)
	}
	if !bytes.Equal(result.Code, code) {
		t.Fatalf("code = % x, want unchanged", result.Code)
	}
}

func TestPreprocessSingleRetBecomesNop(t *testing.T) {
	code := []byte{0x00, 0x2A}
	result, err := PreprocessUserCode(code)
	if err != nil {
		t.Fatalf("PreprocessUserCode: %v", err)
	}
	if !bytes.Equal(result.Code, []byte{0x00, 0x00}) {
		t.Fatalf("code = % x, want [0x00 0x00]", result.Code)
	}
}

// TestPreprocessMultiRetS3 reproduces spec.md scenario S3 exactly.
func TestPreprocessMultiRetS3(t *testing.T) {
	code := []byte{0x02, 0x2A, 0x00, 0x2A}
	result, err := PreprocessUserCode(code)
	if err != nil {
		t.Fatalf("PreprocessUserCode: %v", err)
	}
	want := []byte{0x02, 0x38, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00}
	if !bytes.Equal(result.Code, want) {
		t.Fatalf("code = % x, want % x", result.Code, want)
	}
	wantMap := []OffsetPair{{0, 0}, {1, 1}, {2, 6}, {3, 7}}
	for i, p := range wantMap {
		if result.OffsetMap[i] != p {
			t.Fatalf("offset_map[%d] = %+v, want %+v", i, result.OffsetMap[i], p)
		}
	}
}

func TestPreprocessThreeRets(t *testing.T) {
	code := []byte{0x2A, 0x2A, 0x2A}
	result, err := PreprocessUserCode(code)
	if err != nil {
		t.Fatalf("PreprocessUserCode: %v", err)
	}
	if len(result.Code) != 11 {
		t.Fatalf("len(code) = %d, want 11", len(result.Code))
	}
	if result.Code[0] != 0x38 || result.Code[5] != 0x38 || result.Code[10] != 0x00 {
		t.Fatalf("unexpected rewritten bytes: % x", result.Code)
	}
}

func TestPreprocessBranchRetargetsAfterGrowth(t *testing.T) {
	// br.s +2, nop, ret, nop, ret
	code := []byte{0x2B, 0x02, 0x00, 0x2A, 0x00, 0x2A}
	result, err := PreprocessUserCode(code)
	if err != nil {
		t.Fatalf("PreprocessUserCode: %v", err)
	}
	wantMap := []OffsetPair{{0, 0}, {2, 2}, {3, 3}, {4, 8}, {5, 9}}
	for i, p := range wantMap {
		if result.OffsetMap[i] != p {
			t.Fatalf("offset_map[%d] = %+v, want %+v", i, result.OffsetMap[i], p)
		}
	}
	if int8(result.Code[1]) != 6 {
		t.Fatalf("br.s operand = %d, want 6", int8(result.Code[1]))
	}
}

func TestShortToLongBranchMapping(t *testing.T) {
	cases := map[uint16]uint16{
		0x2B: 0x38,
		0x2C: 0x39,
		0x2D: 0x3A,
		0x37: 0x44,
		0xDE: 0xDD,
	}
	for in, want := range cases {
		if got := shortToLongBranch(in); got != want {
			t.Fatalf("shortToLongBranch(%#x) = %#x, want %#x", in, got, want)
		}
	}
}
