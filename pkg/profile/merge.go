package profile

import (
	"fmt"
	"strings"
)

// LabelFilter decides whether a label should survive a merge; it returns
// false to drop the label from the merged SampleKey.
type LabelFilter func(key string, isNumber bool) bool

// MergeOptions controls how ProfileMerger folds one source profile's
// entities into the destination, per §4.G.
type MergeOptions struct {
	// KeepProcesses, when false, discards thread/process identity so
	// samples with otherwise-identical keys from different processes
	// collapse into one.
	KeepProcesses bool
	// KeepBinaries, when false, drops Binary/BinaryOffset from merged
	// stack frames, forcing merges to rely on symbolic names alone.
	KeepBinaries bool
	// KeepBinaryPaths, when false, merges binaries that share a build-id
	// but differ only in path.
	KeepBinaryPaths bool
	// KeepTimestamps, when false, strips sample timestamps so that
	// otherwise-duplicate samples can merge.
	KeepTimestamps bool
	// KeepLineNumbers, when false, drops line/column from source lines.
	KeepLineNumbers bool
	// NormalizeValueTypes, when true, canonicalizes equivalent spellings of
	// one unit (e.g. "ns" and "nanoseconds") before matching value types
	// across merge inputs; values in different units (e.g. ns vs µs) are
	// not converted and stay in separate columns. When false, a value type
	// whose Type matches an already merged one but whose Unit differs
	// aborts the merge.
	NormalizeValueTypes bool
	// CleanupThreadNames, when true, strips a thread name's trailing
	// digits so that e.g. "pool-1" and "pool-2" merge under "pool-".
	CleanupThreadNames bool
	// LabelFilter, if non-nil, is consulted for every label on every
	// merged SampleKey; labels it rejects are dropped.
	LabelFilter LabelFilter
}

// DefaultMergeOptions matches the reference merger's defaults (§4.G).
func DefaultMergeOptions() MergeOptions {
	return MergeOptions{
		KeepProcesses:       true,
		KeepBinaries:        true,
		KeepBinaryPaths:     true,
		KeepTimestamps:      false,
		KeepLineNumbers:     true,
		NormalizeValueTypes: true,
		CleanupThreadNames:  true,
	}
}

// indexRemapping memoizes a per-profile, per-entity-kind mapping from a
// source index to its destination index, established lazily the first time
// each source index is encountered.
type indexRemapping struct {
	mapped []bool
	dest   []int32
}

func newIndexRemapping() *indexRemapping { return &indexRemapping{} }

func (r *indexRemapping) grow(n int) {
	for len(r.mapped) < n {
		r.mapped = append(r.mapped, false)
		r.dest = append(r.dest, 0)
	}
}

// set records src -> dst. It is a fatal (panicking) programming error to
// set the same source index twice to different destinations, mirroring the
// reference implementation's assertion.
func (r *indexRemapping) set(src, dst int32) {
	r.grow(int(src) + 1)
	if r.mapped[src] && r.dest[src] != dst {
		panic(fmt.Sprintf("profile: duplicate remap of index %d: already %d, now %d", src, r.dest[src], dst))
	}
	r.mapped[src] = true
	r.dest[src] = dst
}

func (r *indexRemapping) tryMap(src int32) (int32, bool) {
	if int(src) >= len(r.mapped) || !r.mapped[src] {
		return 0, false
	}
	return r.dest[src], true
}

// Merger merges many source Profiles into one destination, built
// incrementally on an internal Builder. It is not safe for concurrent use;
// run one Merger per output shard for parallel batch merging (see
// MergeShardsParallel).
type Merger struct {
	builder *Builder
	options MergeOptions

	profileCount int

	// defaultSampleType and featureFlags are captured from the first
	// profile merged and checked for compatibility against every
	// subsequent one, per §4.G's feature-compatibility rule.
	defaultSampleTypeSet bool
	defaultSampleType    string
	featuresSet          bool
	features             Features
}

// NewMerger returns a Merger that accumulates into a fresh Builder.
func NewMerger(options MergeOptions) *Merger {
	return &Merger{builder: NewBuilder(), options: options}
}

// Add folds src's entities into the destination, in topological order, per
// §4.G. It returns an error if src's features are incompatible with a
// previously merged profile.
func (m *Merger) Add(src *Profile) error {
	if m.featuresSet && m.features.HasSkewedBinaryOffsets != src.Features().HasSkewedBinaryOffsets {
		return fmt.Errorf("profile: merge: has_skewed_binary_offsets mismatch (%v vs %v)", m.features.HasSkewedBinaryOffsets, src.Features().HasSkewedBinaryOffsets)
	}
	if !m.featuresSet {
		m.featuresSet = true
		m.features = src.Features()
		m.builder.SetFeatures(src.Features())
	}
	if m.defaultSampleTypeSet && m.defaultSampleType != src.Metadata().DefaultSampleType {
		return fmt.Errorf("profile: merge: default sample type mismatch (%q vs %q)", m.defaultSampleType, src.Metadata().DefaultSampleType)
	}
	if !m.defaultSampleTypeSet {
		m.defaultSampleTypeSet = true
		m.defaultSampleType = src.Metadata().DefaultSampleType
		md := src.Metadata()
		m.builder.SetMetadata(md)
	}

	sm := &singleMerger{
		src:     src,
		dst:     m.builder,
		options: m.options,

		strings:      newIndexRemapping(),
		valueTypes:   newIndexRemapping(),
		functions:    newIndexRemapping(),
		binaries:     newIndexRemapping(),
		inlineChains: newIndexRemapping(),
		stackFrames:  newIndexRemapping(),
		stacks:       newIndexRemapping(),
		threads:      newIndexRemapping(),
		labels:       newIndexRemapping(),
		sampleKeys:   newIndexRemapping(),
	}
	if err := sm.run(); err != nil {
		return err
	}
	m.profileCount++
	return nil
}

// Finish returns the merged Profile.
func (m *Merger) Finish() *Profile { return m.builder.Finish() }

// MergeProfiles merges profiles into one Profile using options, a
// convenience wrapper around Merger for the common single-shard case.
func MergeProfiles(profiles []*Profile, options MergeOptions) (*Profile, error) {
	m := NewMerger(options)
	for _, p := range profiles {
		if err := m.Add(p); err != nil {
			return nil, err
		}
	}
	return m.Finish(), nil
}

// singleMerger walks one source profile's entities in topological order,
// remapping each into the shared destination builder.
type singleMerger struct {
	src     *Profile
	dst     *Builder
	options MergeOptions

	strings      *indexRemapping
	valueTypes   *indexRemapping
	functions    *indexRemapping
	binaries     *indexRemapping
	inlineChains *indexRemapping
	stackFrames  *indexRemapping
	stacks       *indexRemapping
	threads      *indexRemapping
	labels       *indexRemapping
	sampleKeys   *indexRemapping

	labelIsNumber map[int32]bool
}

func (sm *singleMerger) run() error {
	if !sm.options.NormalizeValueTypes {
		for _, vt := range sm.src.ValueTypes() {
			for _, have := range sm.dst.valueTypes {
				if have.Type == vt.Type && have.Unit != vt.Unit {
					return fmt.Errorf("profile: merge: value type %q unit mismatch (%q vs %q)", vt.Type, have.Unit, vt.Unit)
				}
			}
		}
	}
	sm.mapValueTypes()
	sm.mapFunctions()
	sm.mapBinaries()
	sm.mapInlineChains()
	sm.mapStackFrames()
	sm.mapStacks()
	sm.mapThreads()
	sm.mapLabels()
	sm.mapSampleKeys()
	return sm.mapSamples()
}

func (sm *singleMerger) mapString(id StringID) StringID {
	if dst, ok := sm.strings.tryMap(int32(id)); ok {
		return StringID(dst)
	}
	dst := sm.dst.AddString(sm.src.GetString(id))
	sm.strings.set(int32(id), int32(dst))
	return dst
}

func (sm *singleMerger) mapValueTypes() {
	for i, vt := range sm.src.ValueTypes() {
		mapped := vt
		if sm.options.NormalizeValueTypes {
			mapped.Unit = normalizeUnit(vt.Unit)
		}
		dst := sm.dst.EnsureValueType(mapped)
		sm.valueTypes.set(int32(i), int32(dst))
	}
}

// normalizeUnit canonicalizes a handful of known-equivalent unit spellings
// so that e.g. "ns" and "nanoseconds" reconcile under NormalizeValueTypes.
func normalizeUnit(unit string) string {
	switch strings.ToLower(unit) {
	case "ns", "nanosecond", "nanoseconds":
		return "nanoseconds"
	case "us", "microsecond", "microseconds":
		return "microseconds"
	case "ms", "millisecond", "milliseconds":
		return "milliseconds"
	case "s", "second", "seconds":
		return "seconds"
	case "count", "samples", "sample":
		return "count"
	case "bytes", "byte":
		return "bytes"
	default:
		return unit
	}
}

func (sm *singleMerger) mapFunctions() {
	for i, fn := range sm.src.Functions() {
		dst := sm.dst.AddFunction(fn)
		sm.functions.set(int32(i), int32(dst))
	}
}

func (sm *singleMerger) mapBinaries() {
	for i, b := range sm.src.Binaries() {
		mapped := b
		if !sm.options.KeepBinaryPaths {
			mapped.Path = ""
		}
		dst := sm.dst.AddBinary(mapped)
		sm.binaries.set(int32(i), int32(dst))
	}
}

func (sm *singleMerger) mapInlineChains() {
	for i, chain := range sm.src.InlineChains() {
		lines := make([]SourceLine, len(chain.Lines))
		for j, l := range chain.Lines {
			fnDst, _ := sm.functions.tryMap(int32(l.Function))
			nl := SourceLine{Function: FunctionID(fnDst)}
			if sm.options.KeepLineNumbers {
				nl.Line = l.Line
				nl.Column = l.Column
			}
			lines[j] = nl
		}
		dst := sm.dst.AddInlineChain(lines)
		sm.inlineChains.set(int32(i), int32(dst))
	}
}

func (sm *singleMerger) mapStackFrames() {
	for i, f := range sm.src.StackFrames() {
		chainDst, _ := sm.inlineChains.tryMap(int32(f.InlineChain))
		var nf StackFrame
		nf.InlineChain = InlineChainID(chainDst)
		if sm.options.KeepBinaries {
			binDst, _ := sm.binaries.tryMap(int32(f.Binary))
			nf.Binary = BinaryID(binDst)
			nf.BinaryOffset = f.BinaryOffset
		}
		dst := sm.dst.AddStackFrame(nf)
		sm.stackFrames.set(int32(i), int32(dst))
	}
}

func (sm *singleMerger) mapStacks() {
	for i, st := range sm.src.Stacks() {
		frames := make([]StackFrameID, len(st.Frames))
		for j, f := range st.Frames {
			fd, _ := sm.stackFrames.tryMap(int32(f))
			frames[j] = StackFrameID(fd)
		}
		dst := sm.dst.AddStack(frames)
		sm.stacks.set(int32(i), int32(dst))
	}
}

// sanitizeThreadName strips a run of trailing ASCII digits, so that
// "worker-42" normalizes to "worker-" (CleanupThreadNames).
func sanitizeThreadName(name string) string {
	end := len(name)
	for end > 0 && name[end-1] >= '0' && name[end-1] <= '9' {
		end--
	}
	return name[:end]
}

func (sm *singleMerger) mapThreads() {
	for i, t := range sm.src.Threads() {
		mapped := t
		if !sm.options.KeepProcesses {
			mapped = Thread{}
		} else if sm.options.CleanupThreadNames {
			mapped.ThreadName = sanitizeThreadName(t.ThreadName)
		}
		dst := sm.dst.AddThread(mapped)
		sm.threads.set(int32(i), int32(dst))
	}
}

func (sm *singleMerger) mapLabels() {
	// Labels are packed (tag in low bit); remap by unpacked index per tag
	// so the destination label table stays deduplicated independent of
	// source ordering.
	n := len(sm.src.labels)
	for i := 0; i < n; i++ {
		l := sm.src.labels[i]
		if sm.options.LabelFilter != nil && !sm.options.LabelFilter(l.Key, l.IsNumber) {
			continue
		}
		var dst LabelID
		if l.IsNumber {
			dst = sm.dst.AddNumericLabel(l.Key, l.Num)
		} else {
			dst = sm.dst.AddStringLabel(l.Key, l.Str)
		}
		sm.labels.set(int32(i), int32(dst.unpackedIndex()))
		sm.rememberLabelTag(i, l.IsNumber)
	}
}

// labelTagMemo tracks, for each source label, whether it was a number label
// so mapLabel can reconstruct the packed destination LabelID.
func (sm *singleMerger) rememberLabelTag(i int, isNumber bool) {
	if sm.labelIsNumber == nil {
		sm.labelIsNumber = make(map[int32]bool)
	}
	sm.labelIsNumber[int32(i)] = isNumber
}

func (sm *singleMerger) mapLabel(srcPacked LabelID) (LabelID, bool) {
	srcUnpacked := srcPacked.unpackedIndex()
	dstUnpacked, ok := sm.labels.tryMap(srcUnpacked)
	if !ok {
		return 0, false
	}
	isNumber := sm.labelIsNumber[srcUnpacked]
	return newLabelID(dstUnpacked, isNumber), true
}

func (sm *singleMerger) mapSampleKeys() {
	for i, k := range sm.src.SampleKeys() {
		threadDst, _ := sm.threads.tryMap(int32(k.Thread))
		userDst, _ := sm.stacks.tryMap(int32(k.UserStack))
		kernelDst, _ := sm.stacks.tryMap(int32(k.KernelStack))

		var labels []LabelID
		for _, l := range k.Labels {
			if dst, ok := sm.mapLabel(l); ok {
				labels = append(labels, dst)
			}
		}

		dst := sm.dst.AddSampleKey(SampleKey{
			Thread:      ThreadID(threadDst),
			UserStack:   StackID(userDst),
			KernelStack: StackID(kernelDst),
			Labels:      labels,
		})
		sm.sampleKeys.set(int32(i), int32(dst))
	}
}

// mapSamples places each source value at its destination value-type column
// rather than copying the values vector positionally: source profiles may
// declare their value types in different orders, or declare a set the
// destination only grows to include partway through the merge, so a
// positional copy would misattribute or overrun the destination's columns
// (§4.G, §8 invariant 8).
func (sm *singleMerger) mapSamples() error {
	width := len(sm.dst.valueTypes)
	for _, s := range sm.src.Samples() {
		keyDst, _ := sm.sampleKeys.tryMap(int32(s.Key))

		values := make([]int64, width)
		for i, v := range s.Values {
			vtDst, ok := sm.valueTypes.tryMap(int32(i))
			if !ok {
				continue
			}
			values[vtDst] = v
		}

		var ts *int64
		if s.HasTimestamp && sm.options.KeepTimestamps {
			absolute := sm.src.EpochNanos() + s.TimestampDeltaNanos
			ts = &absolute
		}
		sm.dst.AddSample(SampleKeyID(keyDst), values, ts)
	}
	return nil
}
