// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package il

// InstrumentationContext carries everything the injection template needs
// about the method being instrumented, beyond what it can read from the
// original IL bytes themselves.
type InstrumentationContext struct {
	AssemblyName      string
	TypeName          string
	MethodName        string
	FunctionID        uint64
	TypeToken         uint32
	TracerFactoryName string
	TracerFactoryArgs uint32
	MetricName        string
	ArgumentSignature string
	MethodSignature   MethodSignature

	// FullArgumentArray selects which SafeCallGetTracer body is emitted
	// (Q1): false (default) emits the placeholder that leaves the tracer
	// local null, matching the original proof-of-concept's shipped
	// behavior; true emits the full 11-element object[] construction and
	// MethodBase.Invoke bootstrap call.
	FullArgumentArray bool
}

// ClrMethodContext carries the original method's locals, fetched from the
// metadata service by the caller (this package never calls out on its own).
type ClrMethodContext struct {
	// OriginalLocalsSignature is the method's existing LOCAL_SIG blob, or
	// nil if it declares no locals.
	OriginalLocalsSignature []byte
	OriginalLocalCount      uint16
}

// InjectionTokens holds every metadata token the template references,
// resolved ahead of time so IL generation itself is a pure function of
// already-known tokens (spec §4.10).
type InjectionTokens struct {
	ExceptionTypeRef      uint32
	ObjectTypeRef         uint32
	Uint32TypeRef         uint32
	Uint64TypeRef         uint32
	TypeTypeRef           uint32
	GetTypeFromHandleRef  uint32
	MethodBaseTypeRef     uint32
	MethodBaseInvokeRef   uint32
	Action2TypeRef        uint32
	Action2InvokeRef      uint32
	Action2TypeSpec       uint32
	Action2InvokeOnSpec   uint32
	TracerFactoryNameTok  uint32
	MetricNameTok         uint32
	AssemblyNameTok       uint32
	TypeNameTok           uint32
	MethodNameTok         uint32
	ArgumentSignatureTok  uint32
}

// BuildInstrumentedMethod is the top-level orchestrator: it resolves every
// metadata token the template needs via tokenizer, extends the local
// signature, and delegates to BuildInstrumentedMethodWithTokens for pure IL
// generation. On any failure the caller must fall back to an identity
// rewrite of originalIL — this package never does that itself.
func BuildInstrumentedMethod(ctx *InstrumentationContext, clrCtx *ClrMethodContext, tokenizer *Tokenizer, originalIL []byte) ([]byte, error) {
	objectTypeRef, err := tokenizer.GetTypeRefToken("mscorlib", "System.Object")
	if err != nil {
		return nil, err
	}
	exceptionTypeRef, err := tokenizer.GetTypeRefToken("mscorlib", "System.Exception")
	if err != nil {
		return nil, err
	}

	tokens, err := resolveInjectionTokens(ctx, tokenizer)
	if err != nil {
		return nil, err
	}

	var locals *LocalSignature
	if len(clrCtx.OriginalLocalsSignature) > 0 {
		locals, err = LocalSignatureFromExisting(clrCtx.OriginalLocalsSignature)
		if err != nil {
			return nil, err
		}
	} else {
		locals = NewLocalSignature()
	}

	if _, err := locals.AppendClassType(objectTypeRef); err != nil { // tracer
		return nil, err
	}
	if _, err := locals.AppendClassType(exceptionTypeRef); err != nil { // exception
		return nil, err
	}
	if !ctx.MethodSignature.ReturnTypeIsVoid {
		if _, err := locals.AppendClassType(objectTypeRef); err != nil { // result
			return nil, err
		}
	}

	localSigToken, err := tokenizer.GetTokenFromSignature(locals.Bytes())
	if err != nil {
		return nil, err
	}

	return BuildInstrumentedMethodWithTokens(ctx, &tokens, originalIL, localSigToken, clrCtx.OriginalLocalCount)
}

// BuildInstrumentedMethodWithTokens is the pure IL-generation core: given
// pre-resolved tokens, it parses originalIL, builds the try/catch
// instrumentation scaffold, and assembles the final method byte image.
// Separated from token resolution so it can be tested without a metadata
// service (spec §4.10).
func BuildInstrumentedMethodWithTokens(ctx *InstrumentationContext, tokens *InjectionTokens, originalIL []byte, localSigToken uint32, originalLocalCount uint16) ([]byte, error) {
	parsed, err := ParseMethod(originalIL)
	if err != nil {
		return nil, err
	}
	header := parsed.Header

	tracerLocal := originalLocalCount
	exceptionLocal := originalLocalCount + 1
	var resultLocal uint16
	hasResult := !ctx.MethodSignature.ReturnTypeIsVoid
	if hasResult {
		resultLocal = originalLocalCount + 2
	}

	b := NewInstructionBuilder()

	b.AppendOpcode(opLdnull)
	b.AppendStoreLocal(tracerLocal)
	b.AppendOpcode(opLdnull)
	b.AppendStoreLocal(exceptionLocal)

	buildSafeCallGetTracer(b, ctx, tokens, tracerLocal)

	preprocessed, err := PreprocessUserCode(parsed.Code)
	if err != nil {
		return nil, err
	}
	userCode := preprocessed.Code

	b.AppendTryStart()
	b.AppendUserCode(userCode)
	if hasResult {
		b.AppendStoreLocal(resultLocal)
	}
	afterUser := b.AppendJumpAuto(opLeave)
	b.AppendTryEnd()

	b.AppendCatchStart(tokens.ExceptionTypeRef)
	b.AppendStoreLocal(exceptionLocal)
	var resultLocalPtr *uint16
	if hasResult {
		resultLocalPtr = &resultLocal
	}
	buildSafeCallFinishTracer(b, tracerLocal, exceptionLocal, resultLocalPtr, tokens, true)
	b.AppendOpcode(opRethrowOp)
	b.AppendCatchEnd()

	b.AppendLabel(afterUser)

	buildSafeCallFinishTracer(b, tracerLocal, exceptionLocal, resultLocalPtr, tokens, false)

	if hasResult {
		b.AppendLoadLocal(resultLocal)
	}
	b.AppendOpcode(opRet)

	if err := b.Validate(); err != nil {
		return nil, err
	}

	var originalClauses []ExceptionClause
	if parsed.ExtraSections != nil {
		originalClauses, err = ParseExtraSection(parsed.ExtraSections)
		if err != nil {
			return nil, err
		}
	}

	var offsetMap []OffsetPair
	if !isIdentityOffsetMap(preprocessed.OffsetMap) {
		offsetMap = preprocessed.OffsetMap
	}

	userCodeOffset := b.UserCodeOffset()
	extraSectionBytes := SerializeExtraSection(b.CompletedClauses(), originalClauses, offsetMap, userCodeOffset)

	codeBytes := b.Bytes()
	header.CodeSize = uint32(len(codeBytes))
	header.LocalVarSigTok = localSigToken
	header.Flags |= FatFormat | InitLocals | MoreSects

	minStack := uint16(10)
	if pc := uint16(ctx.MethodSignature.ParamCount) + 1; pc > minStack {
		minStack = pc
	}
	if header.MaxStack < minStack {
		header.MaxStack = minStack
	}

	return BuildMethodBytes(header, codeBytes, extraSectionBytes), nil
}

// resolveInjectionTokens resolves every token the template references.
// Grounded on inject_default.rs's resolve_injection_tokens.
func resolveInjectionTokens(ctx *InstrumentationContext, tokenizer *Tokenizer) (InjectionTokens, error) {
	var tokens InjectionTokens
	var err error

	if tokens.ExceptionTypeRef, err = tokenizer.GetTypeRefToken("mscorlib", "System.Exception"); err != nil {
		return tokens, err
	}
	if tokens.ObjectTypeRef, err = tokenizer.GetTypeRefToken("mscorlib", "System.Object"); err != nil {
		return tokens, err
	}
	if tokens.Uint32TypeRef, err = tokenizer.GetTypeRefToken("mscorlib", "System.UInt32"); err != nil {
		return tokens, err
	}
	if tokens.Uint64TypeRef, err = tokenizer.GetTypeRefToken("mscorlib", "System.UInt64"); err != nil {
		return tokens, err
	}
	if tokens.TypeTypeRef, err = tokenizer.GetTypeRefToken("mscorlib", "System.Type"); err != nil {
		return tokens, err
	}
	if tokens.MethodBaseTypeRef, err = tokenizer.GetTypeRefToken("mscorlib", "System.Reflection.MethodBase"); err != nil {
		return tokens, err
	}
	if tokens.Action2TypeRef, err = tokenizer.GetTypeRefToken("mscorlib", "System.Action`2"); err != nil {
		return tokens, err
	}

	runtimeTypeHandleRef, err := tokenizer.GetTypeRefToken("mscorlib", "System.RuntimeTypeHandle")
	if err != nil {
		return tokens, err
	}
	getTypeSig, err := buildGetTypeFromHandleSig(tokens.TypeTypeRef, runtimeTypeHandleRef)
	if err != nil {
		return tokens, err
	}
	if tokens.GetTypeFromHandleRef, err = tokenizer.GetMemberRefToken(tokens.TypeTypeRef, "GetTypeFromHandle", getTypeSig); err != nil {
		return tokens, err
	}

	invokeSig, err := buildMethodBaseInvokeSig(tokens.ObjectTypeRef)
	if err != nil {
		return tokens, err
	}
	if tokens.MethodBaseInvokeRef, err = tokenizer.GetMemberRefToken(tokens.MethodBaseTypeRef, "Invoke", invokeSig); err != nil {
		return tokens, err
	}

	actionInvokeSig, err := buildAction2InvokeSig()
	if err != nil {
		return tokens, err
	}
	if tokens.Action2InvokeRef, err = tokenizer.GetMemberRefToken(tokens.Action2TypeRef, "Invoke", actionInvokeSig); err != nil {
		return tokens, err
	}

	action2TypeSpecSig, err := buildAction2TypeSpecSig(tokens.Action2TypeRef, tokens.ObjectTypeRef, tokens.ExceptionTypeRef)
	if err != nil {
		return tokens, err
	}
	if tokens.Action2TypeSpec, err = tokenizer.GetTypeSpecToken(action2TypeSpecSig); err != nil {
		return tokens, err
	}
	if tokens.Action2InvokeOnSpec, err = tokenizer.GetMemberRefToken(tokens.Action2TypeSpec, "Invoke", actionInvokeSig); err != nil {
		return tokens, err
	}

	if tokens.TracerFactoryNameTok, err = tokenizer.GetStringToken(ctx.TracerFactoryName); err != nil {
		return tokens, err
	}
	if tokens.MetricNameTok, err = tokenizer.GetStringToken(ctx.MetricName); err != nil {
		return tokens, err
	}
	if tokens.AssemblyNameTok, err = tokenizer.GetStringToken(ctx.AssemblyName); err != nil {
		return tokens, err
	}
	if tokens.TypeNameTok, err = tokenizer.GetStringToken(ctx.TypeName); err != nil {
		return tokens, err
	}
	if tokens.MethodNameTok, err = tokenizer.GetStringToken(ctx.MethodName); err != nil {
		return tokens, err
	}
	if tokens.ArgumentSignatureTok, err = tokenizer.GetStringToken(ctx.ArgumentSignature); err != nil {
		return tokens, err
	}

	return tokens, nil
}

// storeArrayElementString emits: dup, ldc.i4 index, ldstr token, stelem.ref.
func storeArrayElementString(b *InstructionBuilder, index int32, stringToken uint32) {
	b.AppendOpcode(opDup)
	b.AppendLdcI4(index)
	b.AppendOpcodeU32(opLdstr, stringToken)
	b.AppendOpcode(opStelemRef)
}

// buildSafeCallGetTracer builds the "resolve a tracer delegate" section,
// wrapped in try/catch so any failure leaves the tracer local null.
//
// By default (ctx.FullArgumentArray false) this emits the cheaper placeholder
// used by the original proof-of-concept: tracer is left null and
// finish-tracer calls become no-ops (Q1). When ctx.FullArgumentArray is
// true, it builds the full 11-element object[] parameter array and invokes
// AgentShim.GetFinishTracerDelegate via MethodBase.Invoke reflection, per
// the template in spec §4.10.
func buildSafeCallGetTracer(b *InstructionBuilder, ctx *InstrumentationContext, tokens *InjectionTokens, tracerLocal uint16) {
	b.AppendTryStart()

	if ctx.FullArgumentArray {
		buildFullArgumentArray(b, ctx, tokens)
		b.AppendOpcodeU32(opCallvirt, tokens.MethodBaseInvokeRef)
		b.AppendStoreLocal(tracerLocal)
	} else {
		b.AppendOpcode(opLdnull)
		b.AppendStoreLocal(tracerLocal)
	}

	tryLeave := b.AppendJumpAuto(opLeave)
	b.AppendTryEnd()

	b.AppendCatchStart(tokens.ExceptionTypeRef)
	b.AppendOpcode(opPop)
	catchLeave := b.AppendJumpAuto(opLeave)
	b.AppendCatchEnd()

	b.AppendLabel(tryLeave)
	b.AppendLabel(catchLeave)
}

// buildFullArgumentArray emits the null Invoke instance followed by the
// 11-element object[] construction, leaving both on the evaluation stack;
// the caller emits the MethodBase.Invoke call and stores its result.
func buildFullArgumentArray(b *InstructionBuilder, ctx *InstrumentationContext, tokens *InjectionTokens) {
	b.AppendOpcode(opLdnull) // null instance for Invoke
	b.AppendLdcI4(11)
	b.AppendOpcodeU32(opNewarr, tokens.ObjectTypeRef)

	storeArrayElementString(b, 0, tokens.TracerFactoryNameTok) // [0] tracerFactoryName

	b.AppendOpcode(opDup) // [1] tracerFactoryArgs (boxed uint32)
	b.AppendLdcI4(1)
	b.AppendLdcI4(int32(ctx.TracerFactoryArgs))
	b.AppendOpcodeU32(opBox, tokens.Uint32TypeRef)
	b.AppendOpcode(opStelemRef)

	storeArrayElementString(b, 2, tokens.MetricNameTok)         // [2] metricName
	storeArrayElementString(b, 3, tokens.AssemblyNameTok)       // [3] assemblyName

	b.AppendOpcode(opDup) // [4] type (ldtoken + GetTypeFromHandle)
	b.AppendLdcI4(4)
	b.AppendOpcodeU32(opLdtoken, ctx.TypeToken)
	b.AppendOpcodeU32(opCall, tokens.GetTypeFromHandleRef)
	b.AppendOpcode(opStelemRef)

	storeArrayElementString(b, 5, tokens.TypeNameTok)           // [5] typeName
	storeArrayElementString(b, 6, tokens.MethodNameTok)         // [6] functionName
	storeArrayElementString(b, 7, tokens.ArgumentSignatureTok)  // [7] argumentSignature

	b.AppendOpcode(opDup) // [8] this (ldarg.0 if instance, else ldnull)
	b.AppendLdcI4(8)
	if ctx.MethodSignature.HasThis {
		b.AppendLoadArgument(0)
	} else {
		b.AppendOpcode(opLdnull)
	}
	b.AppendOpcode(opStelemRef)

	b.AppendOpcode(opDup) // [9] parameters (empty placeholder array)
	b.AppendLdcI4(9)
	b.AppendLdcI4(0)
	b.AppendOpcodeU32(opNewarr, tokens.ObjectTypeRef)
	b.AppendOpcode(opStelemRef)

	b.AppendOpcode(opDup) // [10] functionId (boxed uint64)
	b.AppendLdcI4(10)
	b.AppendOpcodeU64(opLdcI8, ctx.FunctionID)
	b.AppendOpcodeU32(opBox, tokens.Uint64TypeRef)
	b.AppendOpcode(opStelemRef)
}

// buildSafeCallFinishTracer emits SafeCallFinishTracer(is_exception), spec
// §4.10: checks the tracer local for null, casts to the closed
// Action<object, Exception> and invokes it, all wrapped in try/catch.
func buildSafeCallFinishTracer(b *InstructionBuilder, tracerLocal, exceptionLocal uint16, resultLocal *uint16, tokens *InjectionTokens, isExceptionPath bool) {
	b.AppendTryStart()

	b.AppendLoadLocal(tracerLocal)
	skip := b.AppendJumpAuto(opBrfalse)

	b.AppendLoadLocal(tracerLocal)
	b.AppendOpcodeU32(opCastclass, tokens.Action2TypeSpec)

	if isExceptionPath {
		b.AppendOpcode(opLdnull)
		b.AppendLoadLocal(exceptionLocal)
	} else {
		if resultLocal != nil {
			b.AppendLoadLocal(*resultLocal)
		} else {
			b.AppendOpcode(opLdnull)
		}
		b.AppendOpcode(opLdnull)
	}

	b.AppendOpcodeU32(opCallvirt, tokens.Action2InvokeOnSpec)

	b.AppendLabel(skip)

	leave := b.AppendJumpAuto(opLeave)
	b.AppendTryEnd()

	b.AppendCatchStart(tokens.ExceptionTypeRef)
	b.AppendOpcode(opPop)
	catchLeave := b.AppendJumpAuto(opLeave)
	b.AppendCatchEnd()

	b.AppendLabel(leave)
	b.AppendLabel(catchLeave)
}

// isIdentityOffsetMap reports whether m maps every instruction to its own
// original offset, i.e. ret preprocessing didn't move anything.
func isIdentityOffsetMap(m []OffsetPair) bool {
	for _, p := range m {
		if p.Old != p.New {
			return false
		}
	}
	return true
}
