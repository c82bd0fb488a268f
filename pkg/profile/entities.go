package profile

// ValueType names one sample value column, e.g. ("cpu", "nanoseconds").
type ValueType struct {
	Type string
	Unit string
}

// Label is a tagged string-or-number label attached to a SampleKey.
type Label struct {
	Key string
	// Exactly one of Str/IsNumber is meaningful, selected by IsNumber.
	Str      string
	Num      int64
	IsNumber bool
}

// Thread identifies the process/thread/container context of a sample key.
type Thread struct {
	ProcessID      int32
	ThreadID       int32
	ProcessName    string
	ThreadName     string
	ContainerNames []string
}

// Binary identifies one mapped executable image by build-id and path.
type Binary struct {
	BuildID string
	Path    string
}

// Function names one symbol: its pretty name, linkage name, source file, and
// declaration line.
type Function struct {
	Name       string
	SystemName string
	FileName   string
	StartLine  int64
}

// SourceLine is one entry of an inline chain: a function plus the line and
// column active at one instruction.
type SourceLine struct {
	Function FunctionID
	Line     int64
	Column   int64
}

// InlineChain is a flattened list of SourceLine entries expressing the
// inlining stack active at one instruction, innermost frame first.
type InlineChain struct {
	Lines []SourceLine
}

// StackFrame is one physical frame: the binary it executed in, the
// file-relative offset within that binary, and the inline chain active
// there.
type StackFrame struct {
	Binary       BinaryID
	BinaryOffset uint64
	InlineChain  InlineChainID
}

// Stack is an ordered sequence of StackFrame indices, innermost first.
type Stack struct {
	Frames []StackFrameID
}

// SampleKey is the tuple identifying a call-stack-and-thread context that
// samples aggregate against.
type SampleKey struct {
	Thread     ThreadID
	UserStack  StackID
	KernelStack StackID
	Labels     []LabelID
}

// Comment is a free-form annotation string attached to the profile as a
// whole (not to any sample).
type Comment struct {
	Text string
}

// Features records flags that affect how the rest of the profile is
// interpreted.
type Features struct {
	// HasSkewedBinaryOffsets is true when StackFrame.BinaryOffset values in
	// this profile were computed against a different base than the
	// producer's own binary mapping (e.g. after a lossy pprof round-trip);
	// mergers reject combining profiles that disagree on this flag.
	HasSkewedBinaryOffsets bool
}

// Metadata carries profile-wide descriptive fields.
type Metadata struct {
	DefaultSampleType string
	Hostname          string
}
