package profile

import "testing"

func buildSimpleProfile(t *testing.T, processID int32, fnName string) *Profile {
	t.Helper()
	b := NewBuilder()
	if _, err := b.AddValueType(ValueType{Type: "cpu", Unit: "nanoseconds"}); err != nil {
		t.Fatalf("AddValueType: %v", err)
	}
	fn := b.AddFunction(Function{Name: fnName})
	chain := b.AddInlineChain([]SourceLine{{Function: fn, Line: 10}})
	frame := b.AddStackFrame(StackFrame{InlineChain: chain})
	stack := b.AddStack([]StackFrameID{frame})
	thread := b.AddThread(Thread{ProcessID: processID, ThreadName: "worker"})
	key := b.AddSampleKey(SampleKey{Thread: thread, UserStack: stack, KernelStack: ZeroStackID()})
	b.AddSample(key, []int64{100}, nil)
	return b.Finish()
}

// Scenario 6: merging two profiles with different threads but identical
// stacks, with KeepProcesses=false, collapses both samples into one
// summed entry under the zero Thread.
func TestMerge_KeepProcessesFalse_CollapsesThreads(t *testing.T) {
	p1 := buildSimpleProfile(t, 111, "main.run")
	p2 := buildSimpleProfile(t, 222, "main.run")

	opts := DefaultMergeOptions()
	opts.KeepProcesses = false

	merged, err := MergeProfiles([]*Profile{p1, p2}, opts)
	if err != nil {
		t.Fatalf("MergeProfiles: %v", err)
	}

	if len(merged.Samples()) != 1 {
		t.Fatalf("got %d samples, want 1 (both collapse under the zero thread)", len(merged.Samples()))
	}
	if got := merged.Samples()[0].Values[0]; got != 200 {
		t.Fatalf("merged value: got %d, want 200", got)
	}

	key := merged.GetSampleKey(merged.Samples()[0].Key)
	if key.Thread != ZeroThreadID() {
		t.Fatalf("thread: got %d, want the zero thread (KeepProcesses=false)", key.Thread)
	}
}

// With KeepProcesses=true (the default), distinct process identities keep
// their samples distinct even though the stacks are identical.
func TestMerge_KeepProcessesTrue_KeepsThreadsDistinct(t *testing.T) {
	p1 := buildSimpleProfile(t, 111, "main.run")
	p2 := buildSimpleProfile(t, 222, "main.run")

	merged, err := MergeProfiles([]*Profile{p1, p2}, DefaultMergeOptions())
	if err != nil {
		t.Fatalf("MergeProfiles: %v", err)
	}

	if len(merged.Samples()) != 2 {
		t.Fatalf("got %d samples, want 2 (KeepProcesses=true keeps them distinct)", len(merged.Samples()))
	}
}

// Functions with identical names dedup across merged profiles, so the
// merged function table has exactly one entry per distinct name.
func TestMerge_DedupsFunctionsAcrossProfiles(t *testing.T) {
	p1 := buildSimpleProfile(t, 1, "main.run")
	p2 := buildSimpleProfile(t, 2, "main.run")

	merged, err := MergeProfiles([]*Profile{p1, p2}, DefaultMergeOptions())
	if err != nil {
		t.Fatalf("MergeProfiles: %v", err)
	}

	count := 0
	for _, fn := range merged.Functions() {
		if fn.Name == "main.run" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("got %d Function entries named main.run, want 1 (deduped)", count)
	}
}

// A feature mismatch between merge inputs must be rejected.
func TestMerge_RejectsFeatureMismatch(t *testing.T) {
	b1 := NewBuilder()
	b1.SetFeatures(Features{HasSkewedBinaryOffsets: false})
	p1 := b1.Finish()

	b2 := NewBuilder()
	b2.SetFeatures(Features{HasSkewedBinaryOffsets: true})
	p2 := b2.Finish()

	_, err := MergeProfiles([]*Profile{p1, p2}, DefaultMergeOptions())
	if err == nil {
		t.Fatalf("expected an error merging profiles with mismatched HasSkewedBinaryOffsets")
	}
}

// CleanupThreadNames strips trailing digits so "pool-1" and "pool-2"
// normalize onto the same thread name.
func TestMerge_CleanupThreadNamesSanitizesTrailingDigits(t *testing.T) {
	if got := sanitizeThreadName("pool-42"); got != "pool-" {
		t.Fatalf("sanitizeThreadName(pool-42): got %q, want %q", got, "pool-")
	}
	if got := sanitizeThreadName("worker"); got != "worker" {
		t.Fatalf("sanitizeThreadName(worker): got %q, want %q (no trailing digits)", got, "worker")
	}
}

// NormalizeValueTypes reconciles differing-but-equivalent unit spellings.
func TestMerge_NormalizeValueTypesReconcilesUnits(t *testing.T) {
	b1 := NewBuilder()
	if _, err := b1.AddValueType(ValueType{Type: "cpu", Unit: "ns"}); err != nil {
		t.Fatalf("AddValueType: %v", err)
	}
	p1 := b1.Finish()

	b2 := NewBuilder()
	if _, err := b2.AddValueType(ValueType{Type: "cpu", Unit: "nanoseconds"}); err != nil {
		t.Fatalf("AddValueType: %v", err)
	}
	p2 := b2.Finish()

	opts := DefaultMergeOptions()
	opts.NormalizeValueTypes = true
	merged, err := MergeProfiles([]*Profile{p1, p2}, opts)
	if err != nil {
		t.Fatalf("MergeProfiles: %v", err)
	}
	if len(merged.ValueTypes()) != 1 {
		t.Fatalf("got %d value types, want 1 (ns and nanoseconds reconciled)", len(merged.ValueTypes()))
	}
}

// Merging a profile with one value type ([cpu]) and a profile with two
// ([cpu, alloc]) must not panic and must place each source value under its
// own column rather than overrunning or misattributing columns (§8
// invariant 8).
func TestMerge_DiffersingValueTypeSetsPlaceValuesByColumn(t *testing.T) {
	b1 := NewBuilder()
	if _, err := b1.AddValueType(ValueType{Type: "cpu", Unit: "nanoseconds"}); err != nil {
		t.Fatalf("AddValueType: %v", err)
	}
	fn1 := b1.AddFunction(Function{Name: "a"})
	chain1 := b1.AddInlineChain([]SourceLine{{Function: fn1, Line: 1}})
	frame1 := b1.AddStackFrame(StackFrame{InlineChain: chain1})
	stack1 := b1.AddStack([]StackFrameID{frame1})
	key1 := b1.AddSampleKey(SampleKey{Thread: ZeroThreadID(), UserStack: stack1, KernelStack: ZeroStackID()})
	b1.AddSample(key1, []int64{100}, nil)
	p1 := b1.Finish()

	b2 := NewBuilder()
	if _, err := b2.AddValueType(ValueType{Type: "cpu", Unit: "nanoseconds"}); err != nil {
		t.Fatalf("AddValueType: %v", err)
	}
	if _, err := b2.AddValueType(ValueType{Type: "alloc", Unit: "bytes"}); err != nil {
		t.Fatalf("AddValueType: %v", err)
	}
	fn2 := b2.AddFunction(Function{Name: "b"})
	chain2 := b2.AddInlineChain([]SourceLine{{Function: fn2, Line: 2}})
	frame2 := b2.AddStackFrame(StackFrame{InlineChain: chain2})
	stack2 := b2.AddStack([]StackFrameID{frame2})
	key2 := b2.AddSampleKey(SampleKey{Thread: ZeroThreadID(), UserStack: stack2, KernelStack: ZeroStackID()})
	b2.AddSample(key2, []int64{50, 7}, nil)
	p2 := b2.Finish()

	merged, err := MergeProfiles([]*Profile{p1, p2}, DefaultMergeOptions())
	if err != nil {
		t.Fatalf("MergeProfiles: %v", err)
	}

	if len(merged.ValueTypes()) != 2 {
		t.Fatalf("got %d value types, want 2 (cpu, alloc)", len(merged.ValueTypes()))
	}
	if len(merged.Samples()) != 2 {
		t.Fatalf("got %d samples, want 2", len(merged.Samples()))
	}

	var cpuOnlyValues, bothValues []int64
	for _, s := range merged.Samples() {
		if len(s.Values) != 2 {
			t.Fatalf("sample Values width: got %d, want 2 (dest column count)", len(s.Values))
		}
		if s.Values[1] == 0 {
			cpuOnlyValues = s.Values
		} else {
			bothValues = s.Values
		}
	}
	if cpuOnlyValues == nil || cpuOnlyValues[0] != 100 || cpuOnlyValues[1] != 0 {
		t.Fatalf("p1's sample: got %v, want cpu=100 alloc=0 (no value column overrun or misattribution)", cpuOnlyValues)
	}
	if bothValues == nil || bothValues[0] != 50 || bothValues[1] != 7 {
		t.Fatalf("p2's sample: got %v, want cpu=50 alloc=7", bothValues)
	}
}

// Property 8: merging any set of valid profiles produces a Profile that
// passes full index validation.
func TestMerge_PropertyResultValidates(t *testing.T) {
	p1 := buildSimpleProfile(t, 1, "a")
	p2 := buildSimpleProfile(t, 2, "b")

	merged, err := MergeProfiles([]*Profile{p1, p2}, DefaultMergeOptions())
	if err != nil {
		t.Fatalf("MergeProfiles: %v", err)
	}
	if err := Validate(merged, ValidationOptions{CheckIndices: true}); err != nil {
		t.Fatalf("Validate(merged): %v", err)
	}
}
