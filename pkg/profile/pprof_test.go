package profile

import (
	"testing"

	gprofile "github.com/google/pprof/profile"
)

// Converting to pprof emits a sample's user and kernel frames as two
// locations and keeps symbol names exactly, even though addresses are
// synthetic and thus lossy.
func TestPProf_ToPProf_EmitsBothStacksAndKeepsNames(t *testing.T) {
	b := NewBuilder()
	if _, err := b.AddValueType(ValueType{Type: "cpu", Unit: "nanoseconds"}); err != nil {
		t.Fatalf("AddValueType: %v", err)
	}

	userFn := b.AddFunction(Function{Name: "user.Handler"})
	userChain := b.AddInlineChain([]SourceLine{{Function: userFn, Line: 5}})
	userBin := b.AddBinary(Binary{BuildID: "deadbeef", Path: "/usr/bin/app"})
	userFrame := b.AddStackFrame(StackFrame{Binary: userBin, BinaryOffset: 0x100, InlineChain: userChain})
	userStack := b.AddStack([]StackFrameID{userFrame})

	kernelFn := b.AddFunction(Function{Name: "do_syscall_64"})
	kernelChain := b.AddInlineChain([]SourceLine{{Function: kernelFn}})
	kernelFrame := b.AddStackFrame(StackFrame{InlineChain: kernelChain})
	kernelStack := b.AddStack([]StackFrameID{kernelFrame})

	thread := b.AddThread(Thread{ProcessID: 42, ThreadID: 42, ProcessName: "app", ThreadName: "app"})
	key := b.AddSampleKey(SampleKey{Thread: thread, UserStack: userStack, KernelStack: kernelStack})
	b.AddSample(key, []int64{7}, nil)

	original := b.Finish()

	pp, err := ConvertToPProf(original)
	if err != nil {
		t.Fatalf("ConvertToPProf: %v", err)
	}
	if len(pp.Sample) != 1 {
		t.Fatalf("got %d pprof samples, want 1", len(pp.Sample))
	}
	if got := len(pp.Sample[0].Location); got != 2 {
		t.Fatalf("got %d pprof locations, want 2 (1 user + 1 kernel)", got)
	}

	// ConvertToPProf does not fabricate a "[kernel]" mapping, so converting
	// pp back would not restore the kernel/user split. Only the forward
	// leg is checked here: names must survive exactly.
	names := collectFunctionNames(pp)
	if !names["user.Handler"] || !names["do_syscall_64"] {
		t.Fatalf("expected both function names to survive conversion, got %v", names)
	}
}

func collectFunctionNames(pp *gprofile.Profile) map[string]bool {
	out := make(map[string]bool)
	for _, fn := range pp.Function {
		out[fn.Name] = true
	}
	return out
}

// ConvertFromPProf splits a pprof sample's locations into user/kernel
// stacks based on the "[kernel]" mapping path, and drops "[python]"
// locations entirely.
func TestPProf_ConvertFromPProf_SplitsKernelAndDropsPython(t *testing.T) {
	src := &gprofile.Profile{
		SampleType: []*gprofile.ValueType{{Type: "cpu", Unit: "nanoseconds"}},
		Mapping: []*gprofile.Mapping{
			{ID: 1, File: "/usr/bin/app"},
			{ID: 2, File: kernelMappingPath},
			{ID: 3, File: pythonMappingPath},
		},
	}
	src.Mapping[0].Start, src.Mapping[0].Limit = 0x1000, 0x2000

	userFn := &gprofile.Function{ID: 1, Name: "user.Handler"}
	kernelFn := &gprofile.Function{ID: 2, Name: "do_syscall_64"}
	pyFn := &gprofile.Function{ID: 3, Name: "some_python_func"}
	src.Function = []*gprofile.Function{userFn, kernelFn, pyFn}

	userLoc := &gprofile.Location{ID: 1, Mapping: src.Mapping[0], Address: 0x1100,
		Line: []gprofile.Line{{Function: userFn}}}
	kernelLoc := &gprofile.Location{ID: 2, Mapping: src.Mapping[1],
		Line: []gprofile.Line{{Function: kernelFn}}}
	pyLoc := &gprofile.Location{ID: 3, Mapping: src.Mapping[2],
		Line: []gprofile.Line{{Function: pyFn}}}
	src.Location = []*gprofile.Location{userLoc, kernelLoc, pyLoc}

	src.Sample = []*gprofile.Sample{
		{Location: []*gprofile.Location{userLoc, pyLoc, kernelLoc}, Value: []int64{5}},
	}

	p, err := ConvertFromPProf(src)
	if err != nil {
		t.Fatalf("ConvertFromPProf: %v", err)
	}
	if len(p.Samples()) != 1 {
		t.Fatalf("got %d samples, want 1", len(p.Samples()))
	}
	key := p.GetSampleKey(p.Samples()[0].Key)

	userStack := p.GetStack(key.UserStack)
	if len(userStack.Frames) != 1 {
		t.Fatalf("got %d user frames, want 1 (python location dropped)", len(userStack.Frames))
	}
	kernelStack := p.GetStack(key.KernelStack)
	if len(kernelStack.Frames) != 1 {
		t.Fatalf("got %d kernel frames, want 1", len(kernelStack.Frames))
	}

	names := p.WalkStackFunctions(key.UserStack)
	if len(names) != 1 || names[0] != "user.Handler" {
		t.Fatalf("user stack functions: got %v, want [user.Handler]", names)
	}
}

// Property 2: converting from pprof always produces a Profile that passes
// full index validation.
func TestPProf_PropertyFromPProfValidates(t *testing.T) {
	src := &gprofile.Profile{
		SampleType: []*gprofile.ValueType{{Type: "cpu", Unit: "nanoseconds"}},
	}
	src.Mapping = []*gprofile.Mapping{{ID: 1, File: "/bin/x", Start: 0, Limit: 0x1000}}
	fn := &gprofile.Function{ID: 1, Name: "f"}
	src.Function = []*gprofile.Function{fn}
	loc := &gprofile.Location{ID: 1, Mapping: src.Mapping[0], Line: []gprofile.Line{{Function: fn}}}
	src.Location = []*gprofile.Location{loc}
	src.Sample = []*gprofile.Sample{{Location: []*gprofile.Location{loc}, Value: []int64{1}}}

	p, err := ConvertFromPProf(src)
	if err != nil {
		t.Fatalf("ConvertFromPProf: %v", err)
	}
	if err := Validate(p, ValidationOptions{CheckIndices: true}); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}
