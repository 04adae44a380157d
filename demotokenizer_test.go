package il

import "testing"

func TestInMemoryTokenizerMintsDistinctTokens(t *testing.T) {
	tok := NewInMemoryTokenizer(true)

	a, err := tok.GetTypeRefToken("mscorlib", "System.Object")
	if err != nil {
		t.Fatalf("GetTypeRefToken: %v", err)
	}
	b, err := tok.GetTypeRefToken("mscorlib", "System.Exception")
	if err != nil {
		t.Fatalf("GetTypeRefToken: %v", err)
	}
	if a == b {
		t.Fatalf("expected distinct tokens, got %#x twice", a)
	}

	// Same (assembly, type) pair must hit the tokenizer's own cache.
	again, err := tok.GetTypeRefToken("mscorlib", "System.Object")
	if err != nil {
		t.Fatalf("GetTypeRefToken: %v", err)
	}
	if again != a {
		t.Fatalf("expected cached token %#x, got %#x", a, again)
	}
}

func TestInMemoryTokenizerBuildsInstrumentedMethod(t *testing.T) {
	tok := NewInMemoryTokenizer(true)
	ctx := &InstrumentationContext{
		AssemblyName:      "Demo",
		TypeName:          "Demo.Type",
		MethodName:        "Run",
		TracerFactoryName: "DemoFactory",
		MetricName:        "Custom/Run",
		MethodSignature:   MethodSignature{HasThis: true, ReturnTypeIsVoid: true},
	}
	out, err := BuildInstrumentedMethod(ctx, &ClrMethodContext{}, tok, tinyVoidMethod())
	if err != nil {
		t.Fatalf("BuildInstrumentedMethod: %v", err)
	}
	if len(out) == 0 {
		t.Fatal("expected non-empty instrumented method")
	}
}
