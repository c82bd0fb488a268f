package profile

import (
	"fmt"
	"time"

	gprofile "github.com/google/pprof/profile"
)

// kernelMappingPath and pythonMappingPath are the documented wire contract
// between a pprof producer and this bridge (§9 Design Notes, §4.H):
// locations whose Mapping.File equals one of these strings are treated
// specially rather than symbolized as ordinary native binaries.
const (
	kernelMappingPath = "[kernel]"
	pythonMappingPath = "[python]"

	// mappingStride is the synthetic, 128 GiB per-binary address stride
	// ConvertToPProf fabricates so that locations in distinct binaries
	// land at distinct absolute addresses in the emitted pprof profile.
	mappingStride = uint64(128) << 30
)

// Well-known thread-identity label keys, §6.5.
const (
	LabelPID         = "pid"
	LabelTID         = "tid"
	LabelProcessComm = "process_comm"
	LabelThreadComm  = "thread_comm"
	labelCommLegacy  = "comm" // deprecated alias for thread_comm
	LabelWorkload    = "workload"
)

var threadIdentityLabelKeys = map[string]bool{
	LabelPID:         true,
	LabelTID:         true,
	LabelProcessComm: true,
	LabelThreadComm:  true,
	labelCommLegacy:  true,
	LabelWorkload:    true,
}

// ConvertFromPProf builds a normalized Profile from a pprof profile, per
// §4.H inbound conversion. Mapping paths equal to "[kernel]" mark locations
// belonging on the kernel stack; "[python]" marks locations to drop from
// the native stack entirely (their frames are expected to be represented as
// Python frames elsewhere, outside the scope of this conversion). Built-in
// thread-identity label keys (§6.5) are lifted out of the label bag into
// the dedicated Thread entity instead of staying as SampleKey labels.
func ConvertFromPProf(src *gprofile.Profile) (*Profile, error) {
	b := NewBuilder()

	for _, st := range src.SampleType {
		if _, err := b.AddValueType(ValueType{Type: st.Type, Unit: st.Unit}); err != nil {
			return nil, err
		}
	}
	if len(src.SampleType) > 0 {
		b.SetMetadata(Metadata{DefaultSampleType: src.SampleType[0].Type})
	}

	mappingKind := make(map[uint64]mappingClass, len(src.Mapping))
	mappingToBinary := make(map[uint64]BinaryID, len(src.Mapping))
	for _, m := range src.Mapping {
		class := classifySpecialMapping(m.File)
		mappingKind[m.ID] = class
		if class == mappingOrdinary {
			mappingToBinary[m.ID] = b.AddBinary(Binary{BuildID: m.BuildID, Path: m.File})
		}
	}

	functionIDs := make(map[uint64]FunctionID, len(src.Function))
	for _, fn := range src.Function {
		functionIDs[fn.ID] = b.AddFunction(Function{
			Name:       fn.Name,
			SystemName: fn.SystemName,
			FileName:   fn.Filename,
			StartLine:  fn.StartLine,
		})
	}

	type convertedLocation struct {
		frame StackFrameID
		class mappingClass
	}
	locations := make(map[uint64]convertedLocation, len(src.Location))
	for _, loc := range src.Location {
		class := mappingOrdinary
		var binaryID BinaryID
		var offset uint64
		if loc.Mapping != nil {
			class = mappingKind[loc.Mapping.ID]
			if class == mappingOrdinary {
				binaryID = mappingToBinary[loc.Mapping.ID]
				offset = loc.Address - loc.Mapping.Start + loc.Mapping.Offset
			}
		}

		lines := make([]SourceLine, 0, len(loc.Line))
		for _, ln := range loc.Line {
			fnID, ok := functionIDs[ln.Function.ID]
			if !ok {
				continue
			}
			lines = append(lines, SourceLine{Function: fnID, Line: ln.Line, Column: ln.Column})
		}
		chain := b.AddInlineChain(lines)

		frame := b.AddStackFrame(StackFrame{Binary: binaryID, BinaryOffset: offset, InlineChain: chain})
		locations[loc.ID] = convertedLocation{frame: frame, class: class}
	}

	for _, sample := range src.Sample {
		var userFrames, kernelFrames []StackFrameID
		seenKernel := false
		for _, loc := range sample.Location {
			conv, ok := locations[loc.ID]
			if !ok {
				continue
			}
			switch conv.class {
			case mappingPython:
				continue
			case mappingKernel:
				seenKernel = true
				kernelFrames = append(kernelFrames, conv.frame)
			default:
				if seenKernel {
					return nil, fmt.Errorf("profile: ConvertFromPProf: user-space location after a kernel location in sample stack")
				}
				userFrames = append(userFrames, conv.frame)
			}
		}

		thread, labels := splitThreadIdentity(b, sample.Label, sample.NumLabel)

		key := b.AddSampleKey(SampleKey{
			Thread:      thread,
			UserStack:   b.AddStack(userFrames),
			KernelStack: b.AddStack(kernelFrames),
			Labels:      labels,
		})

		values := append([]int64(nil), sample.Value...)
		b.AddSample(key, values, nil)
	}

	return b.Finish(), nil
}

type mappingClass int

const (
	mappingOrdinary mappingClass = iota
	mappingKernel
	mappingPython
)

func classifySpecialMapping(path string) mappingClass {
	switch path {
	case kernelMappingPath:
		return mappingKernel
	case pythonMappingPath:
		return mappingPython
	default:
		return mappingOrdinary
	}
}

func splitThreadIdentity(b *Builder, strLabels map[string][]string, numLabels map[string][]int64) (ThreadID, []LabelID) {
	var thread Thread
	haveThread := false
	var labels []LabelID

	for key, values := range strLabels {
		if len(values) == 0 {
			continue
		}
		if threadIdentityLabelKeys[key] {
			haveThread = true
			switch key {
			case LabelProcessComm:
				thread.ProcessName = values[0]
			case LabelThreadComm, labelCommLegacy:
				thread.ThreadName = values[0]
			case LabelWorkload:
				thread.ContainerNames = append(thread.ContainerNames, values[0])
			}
			continue
		}
		for _, v := range values {
			labels = append(labels, b.AddStringLabel(key, v))
		}
	}

	for key, values := range numLabels {
		if len(values) == 0 {
			continue
		}
		if threadIdentityLabelKeys[key] {
			haveThread = true
			switch key {
			case LabelPID:
				thread.ProcessID = int32(values[0])
			case LabelTID:
				thread.ThreadID = int32(values[0])
			}
			continue
		}
		for _, v := range values {
			labels = append(labels, b.AddNumericLabel(key, v))
		}
	}

	if !haveThread {
		return ZeroThreadID(), labels
	}
	return b.AddThread(thread), labels
}

// ConvertToPProf writes p as a standard pprof profile, per §4.H outbound
// conversion. Because pprof forbids id 0, Binary and Location ids are
// biased by +1. Each Binary is given a synthetic 128 GiB
// memory_start/memory_limit stride so that locations in distinct binaries
// produce distinct absolute addresses; the round-trip is lossy on those
// addresses but stable and exact on symbol names (§8 property 7).
func ConvertToPProf(p *Profile) (*gprofile.Profile, error) {
	out := &gprofile.Profile{
		TimeNanos: p.EpochNanos(),
	}

	for _, vt := range p.ValueTypes() {
		out.SampleType = append(out.SampleType, &gprofile.ValueType{Type: vt.Type, Unit: vt.Unit})
	}
	for _, c := range p.Comments() {
		out.Comments = append(out.Comments, c.Text)
	}

	binaries := p.Binaries()
	mappings := make([]*gprofile.Mapping, len(binaries))
	for i, bin := range binaries {
		if i == 0 {
			continue // index 0 is the zero sentinel, not a real binary
		}
		id := uint64(i) + 1
		mappings[i] = &gprofile.Mapping{
			ID:      id,
			Start:   mappingStride * uint64(i),
			Limit:   mappingStride * uint64(i+1),
			File:    bin.Path,
			BuildID: bin.BuildID,
		}
		out.Mapping = append(out.Mapping, mappings[i])
	}

	functions := p.Functions()
	pprofFunctions := make([]*gprofile.Function, len(functions))
	for i, fn := range functions {
		if i == 0 {
			continue
		}
		id := uint64(i) + 1
		pprofFunctions[i] = &gprofile.Function{
			ID:         id,
			Name:       fn.Name,
			SystemName: fn.SystemName,
			Filename:   fn.FileName,
			StartLine:  fn.StartLine,
		}
		out.Function = append(out.Function, pprofFunctions[i])
	}

	frames := p.StackFrames()
	locations := make([]*gprofile.Location, len(frames))
	for i, f := range frames {
		if i == 0 {
			continue
		}
		id := uint64(i) + 1
		loc := &gprofile.Location{ID: id}
		if int(f.Binary) > 0 && int(f.Binary) < len(mappings) && mappings[f.Binary] != nil {
			loc.Mapping = mappings[f.Binary]
			loc.Address = loc.Mapping.Start + f.BinaryOffset
		}
		chain := p.GetInlineChain(f.InlineChain)
		for _, line := range chain.Lines {
			if int(line.Function) <= 0 || int(line.Function) >= len(pprofFunctions) || pprofFunctions[line.Function] == nil {
				continue
			}
			loc.Line = append(loc.Line, gprofile.Line{
				Function: pprofFunctions[line.Function],
				Line:     line.Line,
				Column:   line.Column,
			})
		}
		locations[i] = loc
		out.Location = append(out.Location, loc)
	}

	stacks := p.Stacks()
	pprofStackLocations := make([][]*gprofile.Location, len(stacks))
	for i, st := range stacks {
		locs := make([]*gprofile.Location, 0, len(st.Frames))
		for _, f := range st.Frames {
			if int(f) > 0 && int(f) < len(locations) && locations[f] != nil {
				locs = append(locs, locations[f])
			}
		}
		pprofStackLocations[i] = locs
	}

	for _, s := range p.Samples() {
		key := p.GetSampleKey(s.Key)

		var locs []*gprofile.Location
		locs = append(locs, pprofStackLocations[key.UserStack]...)
		locs = append(locs, pprofStackLocations[key.KernelStack]...)

		sample := &gprofile.Sample{
			Location: locs,
			Value:    append([]int64(nil), s.Values...),
			Label:    map[string][]string{},
			NumLabel: map[string][]int64{},
		}

		if key.Thread.IsValid() && key.Thread != ZeroThreadID() {
			thread := p.GetThread(key.Thread)
			if thread.ProcessID != 0 {
				sample.NumLabel[LabelPID] = []int64{int64(thread.ProcessID)}
			}
			if thread.ThreadID != 0 {
				sample.NumLabel[LabelTID] = []int64{int64(thread.ThreadID)}
			}
			if thread.ProcessName != "" {
				sample.Label[LabelProcessComm] = []string{thread.ProcessName}
			}
			if thread.ThreadName != "" {
				sample.Label[LabelThreadComm] = []string{thread.ThreadName}
			}
			for _, c := range thread.ContainerNames {
				sample.Label[LabelWorkload] = append(sample.Label[LabelWorkload], c)
			}
		}

		for _, lid := range key.Labels {
			l := p.GetLabel(lid)
			if l.IsNumber {
				sample.NumLabel[l.Key] = append(sample.NumLabel[l.Key], l.Num)
			} else {
				sample.Label[l.Key] = append(sample.Label[l.Key], l.Str)
			}
		}

		out.Sample = append(out.Sample, sample)
	}

	return out, nil
}

// FormatSampleTimestamp renders a sample's absolute timestamp for humans,
// given the owning Profile's epoch and the sample's stored delta.
func FormatSampleTimestamp(epochNanos, deltaNanos int64) string {
	return time.Unix(0, epochNanos+deltaNanos).UTC().Format(time.RFC3339Nano)
}
