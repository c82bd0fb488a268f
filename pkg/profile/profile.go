package profile

// RunningSum is a 128-bit unsigned running total, split into high/low
// 64-bit halves, of every absolute value ever added for one ValueType.
type RunningSum struct {
	Hi, Lo uint64
}

// Sample is one aggregated or timestamped observation against a SampleKey.
type Sample struct {
	Key                 SampleKeyID
	Values              []int64 // parallel to Profile.ValueTypes()
	HasTimestamp        bool
	TimestampDeltaNanos int64 // signed delta from Profile epoch; valid iff HasTimestamp
}

// Profile is a read-only, topologically ordered view over everything a
// Builder accumulated. Every Index-typed field on every entity is
// guaranteed (by construction, or by Validate for profiles decoded from the
// wire) to refer to an earlier or equal-tier entity in its own table.
type Profile struct {
	strings *stringTable

	comments     []Comment
	valueTypes   []ValueType
	labels       []Label
	threads      []Thread
	binaries     []Binary
	functions    []Function
	inlineChains []InlineChain
	stackFrames  []StackFrame
	stacks       []Stack
	sampleKeys   []SampleKey
	samples      []Sample

	runningSums []RunningSum

	features   Features
	metadata   Metadata
	epochNanos int64
}

func (p *Profile) GetString(id StringID) string   { return p.strings.get(id) }
func (p *Profile) StringCount() int               { return p.strings.count() }
func (p *Profile) Comments() []Comment            { return p.comments }
func (p *Profile) ValueTypes() []ValueType        { return p.valueTypes }
func (p *Profile) Threads() []Thread              { return p.threads }
func (p *Profile) Binaries() []Binary             { return p.binaries }
func (p *Profile) Functions() []Function          { return p.functions }
func (p *Profile) InlineChains() []InlineChain    { return p.inlineChains }
func (p *Profile) StackFrames() []StackFrame      { return p.stackFrames }
func (p *Profile) Stacks() []Stack                { return p.stacks }
func (p *Profile) SampleKeys() []SampleKey        { return p.sampleKeys }
func (p *Profile) Samples() []Sample              { return p.samples }
func (p *Profile) RunningSums() []RunningSum      { return p.runningSums }
func (p *Profile) Features() Features             { return p.features }
func (p *Profile) Metadata() Metadata             { return p.metadata }
func (p *Profile) EpochNanos() int64              { return p.epochNanos }

// GetLabel resolves a packed LabelID back into its Label value.
func (p *Profile) GetLabel(id LabelID) Label {
	return p.labels[id.unpackedIndex()]
}

// GetThread resolves a ThreadID.
func (p *Profile) GetThread(id ThreadID) Thread { return p.threads[id] }

// GetBinary resolves a BinaryID.
func (p *Profile) GetBinary(id BinaryID) Binary { return p.binaries[id] }

// GetFunction resolves a FunctionID.
func (p *Profile) GetFunction(id FunctionID) Function { return p.functions[id] }

// GetInlineChain resolves an InlineChainID.
func (p *Profile) GetInlineChain(id InlineChainID) InlineChain { return p.inlineChains[id] }

// GetStackFrame resolves a StackFrameID.
func (p *Profile) GetStackFrame(id StackFrameID) StackFrame { return p.stackFrames[id] }

// GetStack resolves a StackID.
func (p *Profile) GetStack(id StackID) Stack { return p.stacks[id] }

// GetSampleKey resolves a SampleKeyID.
func (p *Profile) GetSampleKey(id SampleKeyID) SampleKey { return p.sampleKeys[id] }

// WalkStackFunctions returns, for a Stack, the sequence of Function names
// active at each physical frame's innermost inline-chain entry, outermost
// call last. This is the convenience accessor symbolizers and the pprof
// bridge use instead of re-deriving stack-frame-to-function resolution
// themselves.
func (p *Profile) WalkStackFunctions(id StackID) []string {
	stack := p.GetStack(id)
	names := make([]string, 0, len(stack.Frames))
	for _, frameID := range stack.Frames {
		frame := p.GetStackFrame(frameID)
		chain := p.GetInlineChain(frame.InlineChain)
		if len(chain.Lines) == 0 {
			continue
		}
		fn := p.GetFunction(chain.Lines[0].Function)
		names = append(names, fn.Name)
	}
	return names
}
