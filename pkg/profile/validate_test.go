package profile

import "testing"

// Properties 1 and 2: a freshly-built Profile (never touched the wire) always
// passes Validate, both with and without the expensive index check.
func TestValidate_FreshlyBuiltProfileIsClean(t *testing.T) {
	b := NewBuilder()
	if _, err := b.AddValueType(ValueType{Type: "cpu", Unit: "nanoseconds"}); err != nil {
		t.Fatalf("AddValueType: %v", err)
	}
	fn := b.AddFunction(Function{Name: "f"})
	chain := b.AddInlineChain([]SourceLine{{Function: fn, Line: 1}})
	frame := b.AddStackFrame(StackFrame{InlineChain: chain})
	stack := b.AddStack([]StackFrameID{frame})
	key := b.AddSampleKey(SampleKey{UserStack: stack})
	b.AddSample(key, []int64{1}, nil)

	p := b.Finish()

	if err := Validate(p, ValidationOptions{CheckIndices: false}); err != nil {
		t.Fatalf("Validate (cheap): %v", err)
	}
	if err := Validate(p, ValidationOptions{CheckIndices: true}); err != nil {
		t.Fatalf("Validate (full): %v", err)
	}
}

// A sample whose Values slice doesn't match len(ValueTypes) is rejected.
func TestValidate_RejectsMismatchedValueWidth(t *testing.T) {
	b := NewBuilder()
	if _, err := b.AddValueType(ValueType{Type: "cpu", Unit: "nanoseconds"}); err != nil {
		t.Fatalf("AddValueType: %v", err)
	}
	if _, err := b.AddValueType(ValueType{Type: "wall", Unit: "nanoseconds"}); err != nil {
		t.Fatalf("AddValueType: %v", err)
	}
	key := b.AddSampleKey(SampleKey{})
	b.AddSample(key, []int64{1}, nil) // only 1 value, but 2 value types declared
	p := b.Finish()

	if err := Validate(p, ValidationOptions{}); err == nil {
		t.Fatalf("expected Validate to reject a sample with the wrong number of values")
	}
}

// validateIndices rejects an out-of-range StackFrame.Binary reference.
func TestValidate_RejectsOutOfRangeBinaryIndex(t *testing.T) {
	b := NewBuilder()
	chain := b.AddInlineChain(nil)
	b.AddStackFrame(StackFrame{Binary: BinaryID(99), InlineChain: chain})
	p := b.Finish()

	if err := Validate(p, ValidationOptions{CheckIndices: true}); err == nil {
		t.Fatalf("expected Validate to reject an out-of-range BinaryID")
	}
}

// The string table's index 0 must always resolve to the empty string.
func TestValidate_AcceptsPrepopulatedStringTable(t *testing.T) {
	p := &Profile{strings: newStringTable()}
	// This Profile is otherwise well-formed (newStringTable pre-populates
	// index 0), so Validate should succeed here — exercising the positive
	// case of validateStringTable explicitly.
	if err := Validate(p, ValidationOptions{}); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}
