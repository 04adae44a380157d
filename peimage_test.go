// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package il

import (
	"errors"
	"testing"
)

func TestLoadOriginalILFromPERejectsNonMethodDefToken(t *testing.T) {
	_, err := LoadOriginalILFromPE([]byte{}, 0x0A000001) // MemberRef, not MethodDef
	if !errors.Is(err, ErrTokenResolutionFailed) {
		t.Fatalf("got %v, want ErrTokenResolutionFailed", err)
	}
}

func TestLoadOriginalILFromPERejectsZeroRID(t *testing.T) {
	_, err := LoadOriginalILFromPE([]byte{}, methodDefTokenTag)
	if !errors.Is(err, ErrTokenResolutionFailed) {
		t.Fatalf("got %v, want ErrTokenResolutionFailed", err)
	}
}

func TestLoadOriginalILFromPERejectsGarbageImage(t *testing.T) {
	_, err := LoadOriginalILFromPE([]byte("not a pe file"), methodDefTokenTag|1)
	if !errors.Is(err, ErrTokenResolutionFailed) {
		t.Fatalf("got %v, want ErrTokenResolutionFailed", err)
	}
}

func TestMethodBodyTotalLengthTiny(t *testing.T) {
	parsed := ParsedMethod{
		Header: MethodHeader{IsTiny: true, CodeSize: 3},
		Code:   []byte{0x00, 0x00, 0x2a},
	}
	if got := methodBodyTotalLength(parsed); got != tinyHeaderSize+3 {
		t.Fatalf("got %d, want %d", got, tinyHeaderSize+3)
	}
}

func TestMethodBodyTotalLengthFatWithExtra(t *testing.T) {
	code := make([]byte, 5)
	extra := make([]byte, 4+clauseSizeSmall)
	extra[0] = sectEHTable
	extra[1] = byte(len(extra))

	parsed := ParsedMethod{
		Header:        MethodHeader{CodeSize: uint32(len(code))},
		Code:          code,
		ExtraSections: extra,
	}

	got := methodBodyTotalLength(parsed)
	want := align4(fatHeaderSize+len(code)) + len(extra)
	if got != want {
		t.Fatalf("got %d, want %d", got, want)
	}
}

func TestExtraSectionWireSizeMalformedFallsBackToFullBuffer(t *testing.T) {
	b := []byte{sectEHTable, 0xff, 0xff, 0xff} // size field claims 16MB
	if got := extraSectionWireSize(b); got != len(b) {
		t.Fatalf("got %d, want %d (fallback to buffer length)", got, len(b))
	}
}
