package profile

import "fmt"

// ValidationOptions tunes how thoroughly Validate inspects a Profile.
type ValidationOptions struct {
	// CheckIndices, if true, verifies every index referenced by any entity
	// is within bounds of its table. This is an O(entities) full scan;
	// disable it when a Profile is known to have come from this package's
	// own Builder (which cannot produce a dangling index) and only a cheap
	// structural check is wanted.
	CheckIndices bool
}

// Validate checks a Profile against the invariants of §3.6/§6.2: that it is
// well-formed regardless of how it was produced (built here, decoded from
// the wire, or converted from pprof).
func Validate(p *Profile, opts ValidationOptions) error {
	if err := validateStringTable(p); err != nil {
		return err
	}
	if err := validateValueTypeWidths(p); err != nil {
		return err
	}
	if !opts.CheckIndices {
		return nil
	}
	if err := validateIndices(p); err != nil {
		return err
	}
	return nil
}

func validateStringTable(p *Profile) error {
	if p.strings.count() == 0 {
		return fmt.Errorf("profile: string table is empty, index 0 (empty string) must always be present")
	}
	if p.GetString(ZeroStringID()) != "" {
		return fmt.Errorf("profile: string table index 0 must be the empty string")
	}
	return nil
}

func validateValueTypeWidths(p *Profile) error {
	n := len(p.valueTypes)
	for i, s := range p.samples {
		if len(s.Values) != n {
			return fmt.Errorf("profile: sample %d has %d values, want %d (len(ValueTypes))", i, len(s.Values), n)
		}
	}
	if len(p.runningSums) != n {
		return fmt.Errorf("profile: %d running sums, want %d (len(ValueTypes))", len(p.runningSums), n)
	}
	return nil
}

func validateIndices(p *Profile) error {
	nStrings := p.strings.count()
	nFunctions := len(p.functions)
	nInlineChains := len(p.inlineChains)
	nBinaries := len(p.binaries)
	nStackFrames := len(p.stackFrames)
	nStacks := len(p.stacks)
	nThreads := len(p.threads)
	nLabels := len(p.labels)
	nSampleKeys := len(p.sampleKeys)

	_ = nStrings // Function/Binary/Thread names are plain strings, not StringIDs, in this model.

	for i, line := range p.sourceLinesFlat() {
		if int(line.Function) < 0 || int(line.Function) >= nFunctions {
			return fmt.Errorf("profile: SourceLine[%d].Function references out-of-range FunctionID %d (table size %d)", i, line.Function, nFunctions)
		}
	}

	for i, f := range p.stackFrames {
		if int(f.Binary) < 0 || int(f.Binary) >= nBinaries {
			return fmt.Errorf("profile: StackFrame[%d].Binary references out-of-range BinaryID %d (table size %d)", i, f.Binary, nBinaries)
		}
		if int(f.InlineChain) < 0 || int(f.InlineChain) >= nInlineChains {
			return fmt.Errorf("profile: StackFrame[%d].InlineChain references out-of-range InlineChainID %d (table size %d)", i, f.InlineChain, nInlineChains)
		}
	}

	for i, st := range p.stacks {
		for j, fr := range st.Frames {
			if int(fr) < 0 || int(fr) >= nStackFrames {
				return fmt.Errorf("profile: Stack[%d].Frames[%d] references out-of-range StackFrameID %d (table size %d)", i, j, fr, nStackFrames)
			}
		}
	}

	for i, k := range p.sampleKeys {
		if int(k.Thread) < 0 || int(k.Thread) >= nThreads {
			return fmt.Errorf("profile: SampleKey[%d].Thread references out-of-range ThreadID %d (table size %d)", i, k.Thread, nThreads)
		}
		if int(k.UserStack) < 0 || int(k.UserStack) >= nStacks {
			return fmt.Errorf("profile: SampleKey[%d].UserStack references out-of-range StackID %d (table size %d)", i, k.UserStack, nStacks)
		}
		if int(k.KernelStack) < 0 || int(k.KernelStack) >= nStacks {
			return fmt.Errorf("profile: SampleKey[%d].KernelStack references out-of-range StackID %d (table size %d)", i, k.KernelStack, nStacks)
		}
		for j, l := range k.Labels {
			if int(l.unpackedIndex()) < 0 || int(l.unpackedIndex()) >= nLabels {
				return fmt.Errorf("profile: SampleKey[%d].Labels[%d] references out-of-range label %d (table size %d)", i, j, l.unpackedIndex(), nLabels)
			}
		}
	}

	for i, s := range p.samples {
		if int(s.Key) < 0 || int(s.Key) >= nSampleKeys {
			return fmt.Errorf("profile: Sample[%d].Key references out-of-range SampleKeyID %d (table size %d)", i, s.Key, nSampleKeys)
		}
	}

	return nil
}

func (p *Profile) sourceLinesFlat() []SourceLine {
	var all []SourceLine
	for _, chain := range p.inlineChains {
		all = append(all, chain.Lines...)
	}
	return all
}
