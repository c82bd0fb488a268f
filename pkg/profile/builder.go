package profile

import (
	"errors"
	"fmt"
	"strings"
)

// Builder accumulates entities into the normalized profile tables described
// by the profile model: every Add* method hash-conses its argument against
// previously added values of the same kind and returns a stable index,
// reused on an exact structural match. A Builder is not safe for concurrent
// use; callers that need parallelism run one Builder per shard and merge
// afterward (see Merger).
type Builder struct {
	strings *stringTable

	comments   []Comment
	valueTypes []ValueType
	valueTypeByValue map[ValueType]ValueTypeID
	sampleEmitted bool // set once any sample is added; AddValueType fails after that (EnsureValueType does not)

	labels       []Label
	labelByValue map[Label]LabelID

	threads       []Thread
	threadByValue map[threadKey]ThreadID

	binaries       []Binary
	binaryByValue  map[Binary]BinaryID

	functions      []Function
	functionByValue map[Function]FunctionID

	sourceLines []SourceLine // flattened storage for all inline chains

	inlineChains      []InlineChain
	inlineChainByValue map[string]InlineChainID

	stackFrames      []StackFrame
	stackFrameByValue map[StackFrame]StackFrameID

	stacks      []Stack
	stackByValue map[string]StackID

	sampleKeys      []SampleKey
	sampleKeyByValue map[string]SampleKeyID

	samples []sampleEntry

	// runningSums[vt] is the 128-bit (hi,lo) running total of every value
	// ever added for that ValueType, serialized on Finish.
	runningSumsHi []uint64
	runningSumsLo []uint64

	features Features
	metadata Metadata

	epochSet  bool
	epochNanos int64
}

type sampleEntry struct {
	Key       SampleKeyID
	Values    []int64 // parallel to Builder.valueTypes
	HasTimestamp bool
	TimestampDeltaNanos int64 // signed delta from epoch, only if HasTimestamp
}

// threadKey is the comparable projection of Thread used for dedup, since a
// slice field (ContainerNames) cannot itself be a map key.
type threadKey struct {
	ProcessID, ThreadID int32
	ProcessName, ThreadName string
	Containers string // container names joined with a NUL separator
}

func makeThreadKey(t Thread) threadKey {
	return threadKey{
		ProcessID:   t.ProcessID,
		ThreadID:    t.ThreadID,
		ProcessName: t.ProcessName,
		ThreadName:  t.ThreadName,
		Containers:  strings.Join(t.ContainerNames, "\x00"),
	}
}

// ErrValueTypeAfterSample is returned by AddValueType once a sample has
// already been added: value columns may only grow before sample emission.
var ErrValueTypeAfterSample = errors.New("profile: cannot declare a new value type after a sample was added")

// NewBuilder returns an empty Builder with all zero-sentinel entities
// pre-populated (empty string, zero Stack, zero Binary, ...).
func NewBuilder() *Builder {
	b := &Builder{
		strings:            newStringTable(),
		valueTypeByValue:   make(map[ValueType]ValueTypeID),
		labelByValue:       make(map[Label]LabelID),
		threadByValue:      make(map[threadKey]ThreadID),
		binaryByValue:      make(map[Binary]BinaryID),
		functionByValue:    make(map[Function]FunctionID),
		inlineChainByValue: make(map[string]InlineChainID),
		stackFrameByValue:  make(map[StackFrame]StackFrameID),
		stackByValue:       make(map[string]StackID),
		sampleKeyByValue:   make(map[string]SampleKeyID),
	}
	// Zero-sentinel entities for every table that has one, per §3.6.
	b.threads = append(b.threads, Thread{})
	b.threadByValue[makeThreadKey(Thread{})] = 0
	b.binaries = append(b.binaries, Binary{})
	b.binaryByValue[Binary{}] = 0
	b.functions = append(b.functions, Function{})
	b.functionByValue[Function{}] = 0
	b.inlineChains = append(b.inlineChains, InlineChain{})
	b.inlineChainByValue[""] = 0
	b.stackFrames = append(b.stackFrames, StackFrame{})
	b.stackFrameByValue[StackFrame{}] = 0
	b.stacks = append(b.stacks, Stack{})
	b.stackByValue[""] = 0
	return b
}

// AddString interns s and returns its StringID; repeated calls with equal
// strings return the same id (index 0 is always "").
func (b *Builder) AddString(s string) StringID { return b.strings.add(s) }

// AddComment appends a free-form comment; comments are not deduplicated
// since they are expected to be few and order-sensitive.
func (b *Builder) AddComment(text string) CommentID {
	id := CommentID(len(b.comments))
	b.comments = append(b.comments, Comment{Text: text})
	return id
}

// AddValueType declares a sample value column. It is an error to call this
// after any sample has been added (ErrValueTypeAfterSample).
func (b *Builder) AddValueType(vt ValueType) (ValueTypeID, error) {
	if b.sampleEmitted {
		return InvalidValueTypeID(), fmt.Errorf("profile: AddValueType(%+v): %w", vt, ErrValueTypeAfterSample)
	}
	if id, ok := b.valueTypeByValue[vt]; ok {
		return id, nil
	}
	id := ValueTypeID(len(b.valueTypes))
	b.valueTypes = append(b.valueTypes, vt)
	b.valueTypeByValue[vt] = id
	b.runningSumsHi = append(b.runningSumsHi, 0)
	b.runningSumsLo = append(b.runningSumsLo, 0)
	return id, nil
}

// EnsureValueType returns vt's ValueTypeID, declaring a new column if one
// does not already exist for it. Unlike AddValueType, it never fails once
// sampling has started: a merge may discover a value type only a later
// source profile declares, so existing samples are backfilled with a zero
// at the new column, keeping every sample's Values vector parallel to
// ValueTypes() (§4.G).
func (b *Builder) EnsureValueType(vt ValueType) ValueTypeID {
	if id, ok := b.valueTypeByValue[vt]; ok {
		return id
	}
	id := ValueTypeID(len(b.valueTypes))
	b.valueTypes = append(b.valueTypes, vt)
	b.valueTypeByValue[vt] = id
	b.runningSumsHi = append(b.runningSumsHi, 0)
	b.runningSumsLo = append(b.runningSumsLo, 0)
	for i := range b.samples {
		b.samples[i].Values = append(b.samples[i].Values, 0)
	}
	return id
}

// AddStringLabel adds (or reuses) a string-valued label.
func (b *Builder) AddStringLabel(key, value string) LabelID {
	return b.addLabel(Label{Key: key, Str: value, IsNumber: false})
}

// AddNumericLabel adds (or reuses) a number-valued label.
func (b *Builder) AddNumericLabel(key string, value int64) LabelID {
	return b.addLabel(Label{Key: key, Num: value, IsNumber: true})
}

func (b *Builder) addLabel(l Label) LabelID {
	if id, ok := b.labelByValue[l]; ok {
		return id
	}
	unpacked := int32(len(b.labels))
	b.labels = append(b.labels, l)
	id := newLabelID(unpacked, l.IsNumber)
	b.labelByValue[l] = id
	return id
}

// AddThread adds (or reuses) a thread/process identity entity.
func (b *Builder) AddThread(t Thread) ThreadID {
	k := makeThreadKey(t)
	if id, ok := b.threadByValue[k]; ok {
		return id
	}
	id := ThreadID(len(b.threads))
	b.threads = append(b.threads, t)
	b.threadByValue[k] = id
	return id
}

// AddBinary adds (or reuses) a mapped-executable identity entity.
func (b *Builder) AddBinary(bin Binary) BinaryID {
	if id, ok := b.binaryByValue[bin]; ok {
		return id
	}
	id := BinaryID(len(b.binaries))
	b.binaries = append(b.binaries, bin)
	b.binaryByValue[bin] = id
	return id
}

// AddFunction adds (or reuses) a symbol entity.
func (b *Builder) AddFunction(fn Function) FunctionID {
	if id, ok := b.functionByValue[fn]; ok {
		return id
	}
	id := FunctionID(len(b.functions))
	b.functions = append(b.functions, fn)
	b.functionByValue[fn] = id
	return id
}

// AddInlineChain adds (or reuses) a flattened inline chain, innermost line
// first.
func (b *Builder) AddInlineChain(lines []SourceLine) InlineChainID {
	key := inlineChainKey(lines)
	if id, ok := b.inlineChainByValue[key]; ok {
		return id
	}
	first := len(b.sourceLines)
	b.sourceLines = append(b.sourceLines, lines...)
	id := InlineChainID(len(b.inlineChains))
	b.inlineChains = append(b.inlineChains, InlineChain{Lines: b.sourceLines[first : first+len(lines) : first+len(lines)]})
	b.inlineChainByValue[key] = id
	return id
}

func inlineChainKey(lines []SourceLine) string {
	var sb strings.Builder
	for _, l := range lines {
		fmt.Fprintf(&sb, "%d:%d:%d;", l.Function, l.Line, l.Column)
	}
	return sb.String()
}

// AddStackFrame adds (or reuses) one physical frame.
func (b *Builder) AddStackFrame(f StackFrame) StackFrameID {
	if id, ok := b.stackFrameByValue[f]; ok {
		return id
	}
	id := StackFrameID(len(b.stackFrames))
	b.stackFrames = append(b.stackFrames, f)
	b.stackFrameByValue[f] = id
	return id
}

// AddStack adds (or reuses) an ordered sequence of frames, innermost first.
func (b *Builder) AddStack(frames []StackFrameID) StackID {
	key := stackKey(frames)
	if id, ok := b.stackByValue[key]; ok {
		return id
	}
	id := StackID(len(b.stacks))
	b.stacks = append(b.stacks, Stack{Frames: append([]StackFrameID(nil), frames...)})
	b.stackByValue[key] = id
	return id
}

func stackKey(frames []StackFrameID) string {
	var sb strings.Builder
	for _, f := range frames {
		fmt.Fprintf(&sb, "%d,", f)
	}
	return sb.String()
}

// AddSampleKey adds (or reuses) a sample-identifying tuple.
func (b *Builder) AddSampleKey(k SampleKey) SampleKeyID {
	key := sampleKeyKey(k)
	if id, ok := b.sampleKeyByValue[key]; ok {
		return id
	}
	id := SampleKeyID(len(b.sampleKeys))
	cp := k
	cp.Labels = append([]LabelID(nil), k.Labels...)
	b.sampleKeys = append(b.sampleKeys, cp)
	b.sampleKeyByValue[key] = id
	return id
}

func sampleKeyKey(k SampleKey) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d|%d|%d|", k.Thread, k.UserStack, k.KernelStack)
	for _, l := range k.Labels {
		fmt.Fprintf(&sb, "%d,", l)
	}
	return sb.String()
}

// AddSample appends a sample with the given key and values (parallel to the
// ValueTypes declared so far). If an untimestamped sample with an identical
// key already exists, its values are summed into the existing entry instead
// of creating a new one, per §4.F. A timestamped sample is always kept
// distinct; the first timestamp seen establishes the profile's epoch and
// subsequent timestamps are stored as signed nanosecond deltas from it.
func (b *Builder) AddSample(key SampleKeyID, values []int64, timestampNanos *int64) SampleID {
	b.sampleEmitted = true
	for i, v := range values {
		addRunningSum(&b.runningSumsHi[i], &b.runningSumsLo[i], v)
	}

	if timestampNanos == nil {
		for i := range b.samples {
			if b.samples[i].Key == key && !b.samples[i].HasTimestamp {
				mergeValues(b.samples[i].Values, values)
				return SampleID(i)
			}
		}
		id := SampleID(len(b.samples))
		b.samples = append(b.samples, sampleEntry{Key: key, Values: append([]int64(nil), values...)})
		return id
	}

	if !b.epochSet {
		b.epochSet = true
		b.epochNanos = *timestampNanos
	}
	delta := *timestampNanos - b.epochNanos
	id := SampleID(len(b.samples))
	b.samples = append(b.samples, sampleEntry{
		Key:                 key,
		Values:              append([]int64(nil), values...),
		HasTimestamp:        true,
		TimestampDeltaNanos: delta,
	})
	return id
}

func mergeValues(dst, src []int64) {
	for i := range dst {
		if i < len(src) {
			dst[i] += src[i]
		}
	}
}

func addRunningSum(hi, lo *uint64, v int64) {
	var uv uint64
	if v < 0 {
		uv = uint64(-v)
	} else {
		uv = uint64(v)
	}
	sum := *lo + uv
	if sum < *lo {
		*hi++
	}
	*lo = sum
}

// SetMetadata replaces the profile's metadata block.
func (b *Builder) SetMetadata(m Metadata) { b.metadata = m }

// SetFeatures replaces the profile's features block.
func (b *Builder) SetFeatures(f Features) { b.features = f }

// Finish produces a read-only Profile snapshot of everything added so far.
// The Builder remains usable afterward; Finish does not reset state.
func (b *Builder) Finish() *Profile {
	p := &Profile{
		strings:      b.strings,
		comments:     append([]Comment(nil), b.comments...),
		valueTypes:   append([]ValueType(nil), b.valueTypes...),
		labels:       append([]Label(nil), b.labels...),
		threads:      append([]Thread(nil), b.threads...),
		binaries:     append([]Binary(nil), b.binaries...),
		functions:    append([]Function(nil), b.functions...),
		inlineChains: append([]InlineChain(nil), b.inlineChains...),
		stackFrames:  append([]StackFrame(nil), b.stackFrames...),
		stacks:       append([]Stack(nil), b.stacks...),
		sampleKeys:   append([]SampleKey(nil), b.sampleKeys...),
		features:     b.features,
		metadata:     b.metadata,
		epochNanos:   b.epochNanos,
	}
	p.samples = make([]Sample, len(b.samples))
	for i, s := range b.samples {
		p.samples[i] = Sample{
			Key:                 s.Key,
			Values:              append([]int64(nil), s.Values...),
			HasTimestamp:        s.HasTimestamp,
			TimestampDeltaNanos: s.TimestampDeltaNanos,
		}
	}
	p.runningSums = make([]RunningSum, len(b.runningSumsHi))
	for i := range b.runningSumsHi {
		p.runningSums[i] = RunningSum{Hi: b.runningSumsHi[i], Lo: b.runningSumsLo[i]}
	}
	return p
}
