package il

import "testing"

func fakeTokens() *InjectionTokens {
	return &InjectionTokens{
		ExceptionTypeRef:     0x01000001,
		ObjectTypeRef:        0x01000002,
		Uint32TypeRef:        0x01000003,
		Uint64TypeRef:        0x01000004,
		TypeTypeRef:          0x01000005,
		GetTypeFromHandleRef: 0x0A000001,
		MethodBaseTypeRef:    0x01000006,
		MethodBaseInvokeRef:  0x0A000002,
		Action2TypeRef:       0x01000007,
		Action2InvokeRef:     0x0A000003,
		Action2TypeSpec:      0x1B000001,
		Action2InvokeOnSpec:  0x0A000004,
		TracerFactoryNameTok: 0x70000001,
		MetricNameTok:        0x70000002,
		AssemblyNameTok:      0x70000003,
		TypeNameTok:          0x70000004,
		MethodNameTok:        0x70000005,
		ArgumentSignatureTok: 0x70000006,
	}
}

// tinyVoidMethod is `ldarg.0; pop; ret`, a tiny-header void instance method.
func tinyVoidMethod() []byte {
	code := []byte{0x02, 0x26, 0x2A} // ldarg.0, pop, ret
	return append([]byte{byte(len(code))<<2 | 0x2}, code...)
}

func TestBuildInstrumentedMethodWithTokensVoidSingleRet(t *testing.T) {
	ctx := &InstrumentationContext{
		AssemblyName:      "TestAssembly",
		TypeName:          "TestNamespace.TestType",
		MethodName:        "DoWork",
		FunctionID:        0x1122334455667788,
		TypeToken:         0x02000001,
		TracerFactoryName: "SomeFactory",
		MetricName:        "Custom/DoWork",
		MethodSignature:   MethodSignature{HasThis: true, ParamCount: 0, ReturnTypeIsVoid: true},
	}
	tokens := fakeTokens()

	out, err := BuildInstrumentedMethodWithTokens(ctx, tokens, tinyVoidMethod(), 0x11000001, 0)
	if err != nil {
		t.Fatalf("BuildInstrumentedMethodWithTokens: %v", err)
	}

	parsed, err := ParseMethod(out)
	if err != nil {
		t.Fatalf("ParseMethod(out): %v", err)
	}
	if parsed.Header.IsTiny {
		t.Fatal("instrumented method should always be fat format")
	}
	if parsed.Header.Flags&FatFormat == 0 || parsed.Header.Flags&InitLocals == 0 || parsed.Header.Flags&MoreSects == 0 {
		t.Fatalf("expected FAT|INIT_LOCALS|MORE_SECTS, got flags %#x", parsed.Header.Flags)
	}
	if parsed.Header.MaxStack < 10 {
		t.Fatalf("MaxStack = %d, want >= 10 (P9)", parsed.Header.MaxStack)
	}
	if parsed.Header.LocalVarSigTok != 0x11000001 {
		t.Fatalf("LocalVarSigTok = %#x, want 0x11000001", parsed.Header.LocalVarSigTok)
	}
	if int(parsed.Header.CodeSize) != len(parsed.Code) {
		t.Fatalf("CodeSize %d != actual code length %d", parsed.Header.CodeSize, len(parsed.Code))
	}

	if _, err := Scan(parsed.Code); err != nil {
		t.Fatalf("emitted code failed to re-scan: %v", err)
	}

	clauses, err := ParseExtraSection(parsed.ExtraSections)
	if err != nil {
		t.Fatalf("ParseExtraSection: %v", err)
	}
	// getTracer catch + user-code catch + 2 finish-tracer catches = 4 clauses,
	// no original clauses since the tiny method had none.
	if len(clauses) != 4 {
		t.Fatalf("len(clauses) = %d, want 4", len(clauses))
	}
	for _, c := range clauses {
		if c.HandlerOffset < c.TryOffset+c.TryLength {
			t.Fatalf("clause handler starts before try ends: %+v", c)
		}
		if int(c.HandlerOffset+c.HandlerLength) > len(parsed.Code) {
			t.Fatalf("clause handler extends past code: %+v (code len %d)", c, len(parsed.Code))
		}
	}
}

func TestBuildInstrumentedMethodWithTokensNonVoidAppendsResultLocal(t *testing.T) {
	ctx := &InstrumentationContext{
		MethodSignature: MethodSignature{HasThis: false, ParamCount: 2, ReturnTypeIsVoid: false},
	}
	tokens := fakeTokens()

	// static method: ldc.i4.0, ret
	code := []byte{0x16, 0x2A}
	tiny := append([]byte{byte(len(code))<<2 | 0x2}, code...)

	// original_local_count = 3, so tracer=3, exception=4, result=5
	out, err := BuildInstrumentedMethodWithTokens(ctx, tokens, tiny, 0x11000002, 3)
	if err != nil {
		t.Fatalf("BuildInstrumentedMethodWithTokens: %v", err)
	}
	parsed, err := ParseMethod(out)
	if err != nil {
		t.Fatalf("ParseMethod: %v", err)
	}
	// max_stack floor: max(original, 10, param_count+1) = max(8, 10, 3) = 10
	if parsed.Header.MaxStack != 10 {
		t.Fatalf("MaxStack = %d, want 10", parsed.Header.MaxStack)
	}
}

func TestBuildInstrumentedMethodResolvesTokensAndLocals(t *testing.T) {
	emit := newFakeMetadataEmitter()
	tokenizer := NewTokenizer(emit, &fakeAssemblyEmitter{}, &fakeAssemblyImporter{refs: map[uint32]string{}}, true)

	ctx := &InstrumentationContext{
		AssemblyName:      "TestAssembly",
		TypeName:          "TestNamespace.TestType",
		MethodName:        "DoWork",
		TracerFactoryName: "SomeFactory",
		MetricName:        "Custom/DoWork",
		MethodSignature:   MethodSignature{HasThis: true, ReturnTypeIsVoid: true},
	}
	clrCtx := &ClrMethodContext{}

	out, err := BuildInstrumentedMethod(ctx, clrCtx, tokenizer, tinyVoidMethod())
	if err != nil {
		t.Fatalf("BuildInstrumentedMethod: %v", err)
	}
	parsed, err := ParseMethod(out)
	if err != nil {
		t.Fatalf("ParseMethod: %v", err)
	}
	if parsed.Header.LocalVarSigTok == 0 {
		t.Fatal("expected a non-zero local var sig token")
	}
}
