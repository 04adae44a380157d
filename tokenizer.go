// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package il

import "fmt"

// MetadataEmitter is the host-implemented capability boundary this package
// uses to mint new metadata tokens. A real host backs it with the profiling
// API's IMetaDataEmit2/IMetaDataImport2 COM interfaces; tests back it with an
// in-memory fake.
type MetadataEmitter interface {
	DefineTypeRefByName(resolutionScope uint32, typeName string) (uint32, error)
	DefineMemberRef(parent uint32, name string, signature []byte) (uint32, error)
	DefineUserString(s string) (uint32, error)
	GetTokenFromTypeSpec(signature []byte) (uint32, error)
	GetTokenFromSig(signature []byte) (uint32, error)
	DefineMethodSpec(method uint32, instantiation []byte) (uint32, error)
}

// AssemblyEmitter mints new assembly references, used only on CoreCLR where
// a profiler is allowed to add references the module didn't originally carry.
type AssemblyEmitter interface {
	DefineAssemblyRef(name string) (uint32, error)
}

// AssemblyImporter enumerates the assembly references a module already
// carries, so the tokenizer can reuse one instead of minting a duplicate.
type AssemblyImporter interface {
	// EnumAssemblyRefs returns every AssemblyRef token currently defined in
	// the module, in implementation-defined order.
	EnumAssemblyRefs() ([]uint32, error)
	// AssemblyRefName returns the simple name recorded for an AssemblyRef
	// token previously returned by EnumAssemblyRefs.
	AssemblyRefName(token uint32) (string, error)
}

// coreCLRAssemblyForType maps a fully qualified type name to the assembly it
// lives in under CoreCLR, where types that shipped in mscorlib on .NET
// Framework are split across contract assemblies.
var coreCLRAssemblyForType = map[string]string{
	"System.Object":                    "System.Runtime",
	"System.Exception":                 "System.Runtime",
	"System.Type":                      "System.Runtime",
	"System.RuntimeTypeHandle":         "System.Runtime",
	"System.UInt32":                    "System.Runtime",
	"System.UInt64":                    "System.Runtime",
	"System.Int32":                     "System.Runtime",
	"System.Int64":                     "System.Runtime",
	"System.Boolean":                   "System.Runtime",
	"System.String":                    "System.Runtime",
	"System.Reflection.MethodBase":     "System.Runtime",
	"System.Reflection.MethodInfo":     "System.Runtime",
	"System.Reflection.Assembly":       "System.Runtime",
	"System.Action`2":                  "System.Runtime",
	"System.Console":                   "System.Console",
}

type typeRefCacheKey struct {
	assemblyRef uint32
	typeName    string
}

// Tokenizer resolves metadata tokens from assembly/type/method names, caching
// what it resolves so repeated injections into the same method don't mint
// duplicate refs. On CoreCLR it transparently remaps well-known mscorlib
// types to their split-out contract assemblies.
type Tokenizer struct {
	emit       MetadataEmitter
	asmEmit    AssemblyEmitter
	asmImport  AssemblyImporter
	isCoreCLR  bool

	assemblyRefCache map[string]uint32
	typeRefCache     map[typeRefCacheKey]uint32
}

// NewTokenizer constructs a Tokenizer over the given host capabilities.
func NewTokenizer(emit MetadataEmitter, asmEmit AssemblyEmitter, asmImport AssemblyImporter, isCoreCLR bool) *Tokenizer {
	return &Tokenizer{
		emit:             emit,
		asmEmit:          asmEmit,
		asmImport:        asmImport,
		isCoreCLR:        isCoreCLR,
		assemblyRefCache: make(map[string]uint32),
		typeRefCache:     make(map[typeRefCacheKey]uint32),
	}
}

// GetAssemblyRefToken resolves assemblyName to an AssemblyRef token: cache,
// then the module's existing refs, then (CoreCLR only) a newly minted ref —
// with mscorlib remapped to System.Runtime first.
func (t *Tokenizer) GetAssemblyRefToken(assemblyName string) (uint32, error) {
	if token, ok := t.assemblyRefCache[assemblyName]; ok {
		return token, nil
	}

	token, err := t.findExistingAssemblyRef(assemblyName)
	if err != nil {
		return 0, err
	}
	if token != 0 {
		t.assemblyRefCache[assemblyName] = token
		return token, nil
	}

	if t.isCoreCLR && assemblyName == "mscorlib" {
		token, err := t.findExistingAssemblyRef("System.Runtime")
		if err != nil {
			return 0, err
		}
		if token != 0 {
			t.assemblyRefCache[assemblyName] = token
			return token, nil
		}
		return t.defineAssemblyRef("System.Runtime")
	}

	if t.isCoreCLR {
		return t.defineAssemblyRef(assemblyName)
	}

	return 0, fmt.Errorf("%w: assembly ref not found: %s", ErrTokenResolutionFailed, assemblyName)
}

// GetTypeRefToken resolves a TypeRef token for typeName in assemblyName. On
// CoreCLR, assemblyName is overridden by coreCLRAssemblyForType when the type
// is one of the well-known split types.
func (t *Tokenizer) GetTypeRefToken(assemblyName, typeName string) (uint32, error) {
	resolvedAssembly := assemblyName
	if t.isCoreCLR {
		if mapped, ok := coreCLRAssemblyForType[typeName]; ok {
			resolvedAssembly = mapped
		}
	}

	assemblyRef, err := t.GetAssemblyRefToken(resolvedAssembly)
	if err != nil {
		return 0, err
	}

	key := typeRefCacheKey{assemblyRef: assemblyRef, typeName: typeName}
	if token, ok := t.typeRefCache[key]; ok {
		return token, nil
	}

	token, err := t.emit.DefineTypeRefByName(assemblyRef, typeName)
	if err != nil {
		return 0, fmt.Errorf("%w: DefineTypeRefByName failed for %s in %s: %v", ErrTokenResolutionFailed, typeName, resolvedAssembly, err)
	}

	t.typeRefCache[key] = token
	return token, nil
}

// GetMemberRefToken resolves a MemberRef token for methodName on parentToken
// (a TypeRef, TypeDef, or TypeSpec), with the given call signature blob.
func (t *Tokenizer) GetMemberRefToken(parentToken uint32, methodName string, signature []byte) (uint32, error) {
	token, err := t.emit.DefineMemberRef(parentToken, methodName, signature)
	if err != nil {
		return 0, fmt.Errorf("%w: DefineMemberRef failed for %s: %v", ErrTokenResolutionFailed, methodName, err)
	}
	return token, nil
}

// GetStringToken resolves a user-string token for an embedded string
// literal. The string is round-tripped through the #US heap's UTF-16LE
// encoding first so an unencodable literal (e.g. an unpaired surrogate)
// fails fast here rather than producing a malformed blob downstream.
func (t *Tokenizer) GetStringToken(s string) (uint32, error) {
	encoded, err := EncodeUserString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: string %q is not valid UTF-16: %v", ErrTokenResolutionFailed, s, err)
	}
	if _, err := DecodeUserString(encoded); err != nil {
		return 0, fmt.Errorf("%w: string %q failed UTF-16 round-trip: %v", ErrTokenResolutionFailed, s, err)
	}

	token, err := t.emit.DefineUserString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: DefineUserString failed for %q: %v", ErrTokenResolutionFailed, s, err)
	}
	return token, nil
}

// GetTypeSpecToken resolves a TypeSpec token for a generic type
// instantiation signature blob, e.g. a closed Action<object,Exception>.
func (t *Tokenizer) GetTypeSpecToken(signature []byte) (uint32, error) {
	token, err := t.emit.GetTokenFromTypeSpec(signature)
	if err != nil {
		return 0, fmt.Errorf("%w: GetTokenFromTypeSpec failed: %v", ErrTokenResolutionFailed, err)
	}
	return token, nil
}

// GetTokenFromSignature resolves a standalone signature token, e.g. for a
// local variable signature blob.
func (t *Tokenizer) GetTokenFromSignature(signature []byte) (uint32, error) {
	token, err := t.emit.GetTokenFromSig(signature)
	if err != nil {
		return 0, fmt.Errorf("%w: GetTokenFromSig failed: %v", ErrTokenResolutionFailed, err)
	}
	return token, nil
}

// GetMethodSpecToken resolves a MethodSpec token for a generic method
// instantiation over methodToken.
func (t *Tokenizer) GetMethodSpecToken(methodToken uint32, instantiationSignature []byte) (uint32, error) {
	token, err := t.emit.DefineMethodSpec(methodToken, instantiationSignature)
	if err != nil {
		return 0, fmt.Errorf("%w: DefineMethodSpec failed: %v", ErrTokenResolutionFailed, err)
	}
	return token, nil
}

// findExistingAssemblyRef returns the token of an existing AssemblyRef named
// assemblyName, or 0 if none is found.
func (t *Tokenizer) findExistingAssemblyRef(assemblyName string) (uint32, error) {
	if t.asmImport == nil {
		return 0, nil
	}
	refs, err := t.asmImport.EnumAssemblyRefs()
	if err != nil {
		return 0, fmt.Errorf("%w: EnumAssemblyRefs failed: %v", ErrTokenResolutionFailed, err)
	}
	for _, ref := range refs {
		name, err := t.asmImport.AssemblyRefName(ref)
		if err != nil {
			continue
		}
		if name == assemblyName {
			return ref, nil
		}
	}
	return 0, nil
}

// defineAssemblyRef mints a new AssemblyRef and caches it.
func (t *Tokenizer) defineAssemblyRef(assemblyName string) (uint32, error) {
	if t.asmEmit == nil {
		return 0, fmt.Errorf("%w: assembly ref not found and no assembly emitter configured: %s", ErrTokenResolutionFailed, assemblyName)
	}
	token, err := t.asmEmit.DefineAssemblyRef(assemblyName)
	if err != nil {
		return 0, fmt.Errorf("%w: DefineAssemblyRef failed for %s: %v", ErrTokenResolutionFailed, assemblyName, err)
	}
	t.assemblyRefCache[assemblyName] = token
	return token, nil
}
