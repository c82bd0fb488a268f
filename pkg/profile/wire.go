package profile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// wireMagic identifies the columnar profile wire format of §6.2. It is
// checked on decode so that a truncated or foreign byte stream fails fast
// rather than producing a profile with garbage indices.
var wireMagic = [4]byte{'P', 'R', 'F', '1'}

// MarshalBinary encodes p into the columnar wire format described in §6.2:
// a hand-rolled, length-prefixed little-endian encoding of every table,
// preserving the
// topological invariant (every referenced index was already emitted).
// Builder output already satisfies this invariant by construction, so
// encoding is a direct field-by-field dump.
func (p *Profile) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(wireMagic[:])

	writeBytes(&buf, p.strings.blob)
	writeUint32Slice(&buf, p.strings.offsets)
	writeUint32Slice(&buf, p.strings.lengths)

	writeUint32(&buf, uint32(len(p.comments)))
	for _, c := range p.comments {
		writeString(&buf, c.Text)
	}

	writeUint32(&buf, uint32(len(p.valueTypes)))
	for _, vt := range p.valueTypes {
		writeString(&buf, vt.Type)
		writeString(&buf, vt.Unit)
	}

	writeUint32(&buf, uint32(len(p.runningSums)))
	for _, s := range p.runningSums {
		writeUint64(&buf, s.Hi)
		writeUint64(&buf, s.Lo)
	}

	writeUint32(&buf, uint32(len(p.labels)))
	for _, l := range p.labels {
		writeString(&buf, l.Key)
		writeBool(&buf, l.IsNumber)
		writeString(&buf, l.Str)
		writeInt64(&buf, l.Num)
	}

	writeUint32(&buf, uint32(len(p.threads)))
	for _, t := range p.threads {
		writeInt32(&buf, t.ProcessID)
		writeInt32(&buf, t.ThreadID)
		writeString(&buf, t.ProcessName)
		writeString(&buf, t.ThreadName)
		writeUint32(&buf, uint32(len(t.ContainerNames)))
		for _, c := range t.ContainerNames {
			writeString(&buf, c)
		}
	}

	writeUint32(&buf, uint32(len(p.binaries)))
	for _, b := range p.binaries {
		writeString(&buf, b.BuildID)
		writeString(&buf, b.Path)
	}

	writeUint32(&buf, uint32(len(p.functions)))
	for _, fn := range p.functions {
		writeString(&buf, fn.Name)
		writeString(&buf, fn.SystemName)
		writeString(&buf, fn.FileName)
		writeInt64(&buf, fn.StartLine)
	}

	writeUint32(&buf, uint32(len(p.inlineChains)))
	for _, chain := range p.inlineChains {
		writeUint32(&buf, uint32(len(chain.Lines)))
		for _, l := range chain.Lines {
			writeInt32(&buf, int32(l.Function))
			writeInt64(&buf, l.Line)
			writeInt64(&buf, l.Column)
		}
	}

	writeUint32(&buf, uint32(len(p.stackFrames)))
	for _, f := range p.stackFrames {
		writeInt32(&buf, int32(f.Binary))
		writeUint64(&buf, f.BinaryOffset)
		writeInt32(&buf, int32(f.InlineChain))
	}

	writeUint32(&buf, uint32(len(p.stacks)))
	for _, st := range p.stacks {
		writeUint32(&buf, uint32(len(st.Frames)))
		for _, f := range st.Frames {
			writeInt32(&buf, int32(f))
		}
	}

	writeUint32(&buf, uint32(len(p.sampleKeys)))
	for _, k := range p.sampleKeys {
		writeInt32(&buf, int32(k.Thread))
		writeInt32(&buf, int32(k.UserStack))
		writeInt32(&buf, int32(k.KernelStack))
		writeUint32(&buf, uint32(len(k.Labels)))
		for _, l := range k.Labels {
			writeInt32(&buf, int32(l))
		}
	}

	writeUint32(&buf, uint32(len(p.samples)))
	for _, s := range p.samples {
		writeInt32(&buf, int32(s.Key))
		writeUint32(&buf, uint32(len(s.Values)))
		for _, v := range s.Values {
			writeInt64(&buf, v)
		}
		writeBool(&buf, s.HasTimestamp)
		writeInt64(&buf, s.TimestampDeltaNanos)
	}

	writeBool(&buf, p.features.HasSkewedBinaryOffsets)
	writeString(&buf, p.metadata.DefaultSampleType)
	writeString(&buf, p.metadata.Hostname)
	writeInt64(&buf, p.epochNanos)

	return buf.Bytes(), nil
}

// UnmarshalProfile decodes the wire format written by MarshalBinary. It
// does not itself run Validate; callers reading untrusted input should call
// Validate with CheckIndices set afterward.
func UnmarshalProfile(data []byte) (*Profile, error) {
	r := bytes.NewReader(data)
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, fmt.Errorf("profile: read magic: %w", err)
	}
	if magic != wireMagic {
		return nil, fmt.Errorf("profile: bad magic %q, want %q", magic, wireMagic)
	}

	p := &Profile{strings: &stringTable{}}

	var err error
	if p.strings.blob, err = readBytes(r); err != nil {
		return nil, err
	}
	if p.strings.offsets, err = readUint32Slice(r); err != nil {
		return nil, err
	}
	if p.strings.lengths, err = readUint32Slice(r); err != nil {
		return nil, err
	}

	nComments, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	p.comments = make([]Comment, nComments)
	for i := range p.comments {
		if p.comments[i].Text, err = readString(r); err != nil {
			return nil, err
		}
	}

	nValueTypes, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	p.valueTypes = make([]ValueType, nValueTypes)
	for i := range p.valueTypes {
		if p.valueTypes[i].Type, err = readString(r); err != nil {
			return nil, err
		}
		if p.valueTypes[i].Unit, err = readString(r); err != nil {
			return nil, err
		}
	}

	nSums, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	p.runningSums = make([]RunningSum, nSums)
	for i := range p.runningSums {
		if p.runningSums[i].Hi, err = readUint64(r); err != nil {
			return nil, err
		}
		if p.runningSums[i].Lo, err = readUint64(r); err != nil {
			return nil, err
		}
	}

	nLabels, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	p.labels = make([]Label, nLabels)
	for i := range p.labels {
		if p.labels[i].Key, err = readString(r); err != nil {
			return nil, err
		}
		if p.labels[i].IsNumber, err = readBool(r); err != nil {
			return nil, err
		}
		if p.labels[i].Str, err = readString(r); err != nil {
			return nil, err
		}
		if p.labels[i].Num, err = readInt64(r); err != nil {
			return nil, err
		}
	}

	nThreads, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	p.threads = make([]Thread, nThreads)
	for i := range p.threads {
		t := &p.threads[i]
		if t.ProcessID, err = readInt32(r); err != nil {
			return nil, err
		}
		if t.ThreadID, err = readInt32(r); err != nil {
			return nil, err
		}
		if t.ProcessName, err = readString(r); err != nil {
			return nil, err
		}
		if t.ThreadName, err = readString(r); err != nil {
			return nil, err
		}
		nc, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		t.ContainerNames = make([]string, nc)
		for j := range t.ContainerNames {
			if t.ContainerNames[j], err = readString(r); err != nil {
				return nil, err
			}
		}
	}

	nBinaries, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	p.binaries = make([]Binary, nBinaries)
	for i := range p.binaries {
		if p.binaries[i].BuildID, err = readString(r); err != nil {
			return nil, err
		}
		if p.binaries[i].Path, err = readString(r); err != nil {
			return nil, err
		}
	}

	nFunctions, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	p.functions = make([]Function, nFunctions)
	for i := range p.functions {
		fn := &p.functions[i]
		if fn.Name, err = readString(r); err != nil {
			return nil, err
		}
		if fn.SystemName, err = readString(r); err != nil {
			return nil, err
		}
		if fn.FileName, err = readString(r); err != nil {
			return nil, err
		}
		if fn.StartLine, err = readInt64(r); err != nil {
			return nil, err
		}
	}

	nChains, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	p.inlineChains = make([]InlineChain, nChains)
	for i := range p.inlineChains {
		nLines, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		lines := make([]SourceLine, nLines)
		for j := range lines {
			fnIdx, err := readInt32(r)
			if err != nil {
				return nil, err
			}
			lines[j].Function = FunctionID(fnIdx)
			if lines[j].Line, err = readInt64(r); err != nil {
				return nil, err
			}
			if lines[j].Column, err = readInt64(r); err != nil {
				return nil, err
			}
		}
		p.inlineChains[i].Lines = lines
	}

	nFrames, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	p.stackFrames = make([]StackFrame, nFrames)
	for i := range p.stackFrames {
		f := &p.stackFrames[i]
		binIdx, err := readInt32(r)
		if err != nil {
			return nil, err
		}
		f.Binary = BinaryID(binIdx)
		if f.BinaryOffset, err = readUint64(r); err != nil {
			return nil, err
		}
		chainIdx, err := readInt32(r)
		if err != nil {
			return nil, err
		}
		f.InlineChain = InlineChainID(chainIdx)
	}

	nStacks, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	p.stacks = make([]Stack, nStacks)
	for i := range p.stacks {
		nf, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		frames := make([]StackFrameID, nf)
		for j := range frames {
			v, err := readInt32(r)
			if err != nil {
				return nil, err
			}
			frames[j] = StackFrameID(v)
		}
		p.stacks[i].Frames = frames
	}

	nKeys, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	p.sampleKeys = make([]SampleKey, nKeys)
	for i := range p.sampleKeys {
		k := &p.sampleKeys[i]
		threadIdx, err := readInt32(r)
		if err != nil {
			return nil, err
		}
		k.Thread = ThreadID(threadIdx)
		userIdx, err := readInt32(r)
		if err != nil {
			return nil, err
		}
		k.UserStack = StackID(userIdx)
		kernelIdx, err := readInt32(r)
		if err != nil {
			return nil, err
		}
		k.KernelStack = StackID(kernelIdx)
		nl, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		labels := make([]LabelID, nl)
		for j := range labels {
			v, err := readInt32(r)
			if err != nil {
				return nil, err
			}
			labels[j] = LabelID(v)
		}
		k.Labels = labels
	}

	nSamples, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	p.samples = make([]Sample, nSamples)
	for i := range p.samples {
		s := &p.samples[i]
		keyIdx, err := readInt32(r)
		if err != nil {
			return nil, err
		}
		s.Key = SampleKeyID(keyIdx)
		nv, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		values := make([]int64, nv)
		for j := range values {
			if values[j], err = readInt64(r); err != nil {
				return nil, err
			}
		}
		s.Values = values
		if s.HasTimestamp, err = readBool(r); err != nil {
			return nil, err
		}
		if s.TimestampDeltaNanos, err = readInt64(r); err != nil {
			return nil, err
		}
	}

	if p.features.HasSkewedBinaryOffsets, err = readBool(r); err != nil {
		return nil, err
	}
	if p.metadata.DefaultSampleType, err = readString(r); err != nil {
		return nil, err
	}
	if p.metadata.Hostname, err = readString(r); err != nil {
		return nil, err
	}
	if p.epochNanos, err = readInt64(r); err != nil {
		return nil, err
	}

	return p, nil
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeInt32(buf *bytes.Buffer, v int32)  { writeUint32(buf, uint32(v)) }
func writeInt64(buf *bytes.Buffer, v int64)  { writeUint64(buf, uint64(v)) }
func writeBool(buf *bytes.Buffer, v bool) {
	if v {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeUint32(buf, uint32(len(b)))
	buf.Write(b)
}

func writeString(buf *bytes.Buffer, s string) { writeBytes(buf, []byte(s)) }

func writeUint32Slice(buf *bytes.Buffer, s []uint32) {
	writeUint32(buf, uint32(len(s)))
	for _, v := range s {
		writeUint32(buf, v)
	}
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("profile: read uint32: %w", err)
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func readUint64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("profile: read uint64: %w", err)
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func readInt32(r *bytes.Reader) (int32, error) {
	v, err := readUint32(r)
	return int32(v), err
}

func readInt64(r *bytes.Reader) (int64, error) {
	v, err := readUint64(r)
	return int64(v), err
}

func readBool(r *bytes.Reader) (bool, error) {
	b, err := r.ReadByte()
	if err != nil {
		return false, fmt.Errorf("profile: read bool: %w", err)
	}
	return b != 0, nil
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("profile: read bytes: %w", err)
	}
	return b, nil
}

func readString(r *bytes.Reader) (string, error) {
	b, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func readUint32Slice(r *bytes.Reader) ([]uint32, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	s := make([]uint32, n)
	for i := range s {
		if s[i], err = readUint32(r); err != nil {
			return nil, err
		}
	}
	return s, nil
}
