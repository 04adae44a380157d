// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package il

import "sync"

// inMemoryMetadataStore mints synthetic, strictly increasing tokens for
// every capability a live profiling-API metadata emitter would otherwise
// back. There is no real metadata behind these tokens; they exist so
// cmd/ildump's --inject flag and cmd/ilrewrite can exercise the full
// injection template offline, the same role parsePE's "pe, _ :=
// peparser.NewBytes" plays for the teacher's dump tool against a file with
// no live process behind it.
type inMemoryMetadataStore struct {
	mu        sync.Mutex
	next      uint32
	typeRefs  map[string]uint32
	assembly  map[string]uint32
	assembly2 []uint32 // token order, parallel to reverse lookup below
	names     map[uint32]string
}

// NewInMemoryTokenizer returns a Tokenizer backed by a synthetic in-process
// token store instead of a live CLR metadata emitter. It is intended for
// offline inspection (cmd/ildump --inject, cmd/ilrewrite) where no
// IMetaDataEmit2 handle is available; the tokens it mints are not valid in
// any real module and must never be written back into one.
func NewInMemoryTokenizer(isCoreCLR bool) *Tokenizer {
	store := &inMemoryMetadataStore{
		next:     0x02000001,
		typeRefs: make(map[string]uint32),
		assembly: make(map[string]uint32),
		names:    make(map[uint32]string),
	}
	return NewTokenizer(store, store, store, isCoreCLR)
}

func (s *inMemoryMetadataStore) mint() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.next
	s.next++
	return t
}

func (s *inMemoryMetadataStore) DefineTypeRefByName(resolutionScope uint32, typeName string) (uint32, error) {
	return s.mint(), nil
}

func (s *inMemoryMetadataStore) DefineMemberRef(parent uint32, name string, signature []byte) (uint32, error) {
	return s.mint(), nil
}

func (s *inMemoryMetadataStore) DefineUserString(str string) (uint32, error) {
	return s.mint(), nil
}

func (s *inMemoryMetadataStore) GetTokenFromTypeSpec(signature []byte) (uint32, error) {
	return s.mint(), nil
}

func (s *inMemoryMetadataStore) GetTokenFromSig(signature []byte) (uint32, error) {
	return s.mint(), nil
}

func (s *inMemoryMetadataStore) DefineMethodSpec(method uint32, instantiation []byte) (uint32, error) {
	return s.mint(), nil
}

func (s *inMemoryMetadataStore) DefineAssemblyRef(name string) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok, ok := s.assembly[name]; ok {
		return tok, nil
	}
	tok := s.next
	s.next++
	s.assembly[name] = tok
	s.names[tok] = name
	return tok, nil
}

func (s *inMemoryMetadataStore) EnumAssemblyRefs() ([]uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	refs := make([]uint32, 0, len(s.assembly))
	for _, tok := range s.assembly {
		refs = append(refs, tok)
	}
	return refs, nil
}

func (s *inMemoryMetadataStore) AssemblyRefName(token uint32) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name, ok := s.names[token]
	if !ok {
		return "", ErrTokenResolutionFailed
	}
	return name, nil
}
