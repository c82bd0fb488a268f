package sample

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/yandex/perforator/pkg/python"
)

// sampleWireMagic tags the length-prefixed binary encoding used on the perf
// ring between the in-kernel producers and this package's consumers,
// mirroring output.h's record_tag discriminant but as an explicit magic
// rather than relying on struct layout matching across the language
// boundary.
var sampleWireMagic = [4]byte{'S', 'M', 'P', '1'}

// MarshalBinary encodes s into the wire format consumed by DecodeSample.
func (s *Sample) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(sampleWireMagic[:])

	writeUint32(&buf, uint32(s.Type))
	writeUint64(&buf, s.SampleConfig)
	writeBool(&buf, s.KernelThread)
	writeUint32(&buf, uint32(s.CPU))
	writeUint32(&buf, s.RuntimeNanos)
	writeString(&buf, s.ThreadComm)
	writeString(&buf, s.ProcessComm)
	writeUint32(&buf, s.PID)
	writeUint32(&buf, s.TID)
	writeUint64(&buf, s.StartTimeNanos)
	writeUint64(&buf, s.ParentCgroup)
	writeUint64Slice(&buf, s.CgroupHierarchy)
	writeUint64Slice(&buf, s.KernelStack)
	writeUint64Slice(&buf, s.UserStack)

	writeUint32(&buf, uint32(len(s.PythonStack)))
	for _, f := range s.PythonStack {
		writeBool(&buf, f.IsCStub)
		writeUint64(&buf, f.Key.CodeObject)
		writeUint32(&buf, f.Key.PID)
		writeUint32(&buf, uint32(f.Key.FirstLineNo))
	}

	writeUint32(&buf, uint32(len(s.TLSValues)))
	for _, v := range s.TLSValues {
		writeString(&buf, v.Name)
		writeBool(&buf, v.IsInt)
		writeUint64(&buf, uint64(v.Int))
		writeString(&buf, v.Str)
	}

	writeUint64(&buf, s.Value)
	writeUint64(&buf, s.TimeDeltaNanos)

	return buf.Bytes(), nil
}

// DecodeSample parses the wire format MarshalBinary produces.
func DecodeSample(raw []byte) (*Sample, error) {
	if len(raw) < 4 || !bytes.Equal(raw[:4], sampleWireMagic[:]) {
		return nil, fmt.Errorf("sample: bad magic")
	}
	r := bytes.NewReader(raw[4:])

	s := &Sample{}
	var err error
	var u32 uint32

	if u32, err = readUint32(r); err != nil {
		return nil, err
	}
	s.Type = Type(u32)
	if s.SampleConfig, err = readUint64(r); err != nil {
		return nil, err
	}
	if s.KernelThread, err = readBool(r); err != nil {
		return nil, err
	}
	if u32, err = readUint32(r); err != nil {
		return nil, err
	}
	s.CPU = uint16(u32)
	if s.RuntimeNanos, err = readUint32(r); err != nil {
		return nil, err
	}
	if s.ThreadComm, err = readString(r); err != nil {
		return nil, err
	}
	if s.ProcessComm, err = readString(r); err != nil {
		return nil, err
	}
	if s.PID, err = readUint32(r); err != nil {
		return nil, err
	}
	if s.TID, err = readUint32(r); err != nil {
		return nil, err
	}
	if s.StartTimeNanos, err = readUint64(r); err != nil {
		return nil, err
	}
	if s.ParentCgroup, err = readUint64(r); err != nil {
		return nil, err
	}
	if s.CgroupHierarchy, err = readUint64Slice(r); err != nil {
		return nil, err
	}
	if s.KernelStack, err = readUint64Slice(r); err != nil {
		return nil, err
	}
	if s.UserStack, err = readUint64Slice(r); err != nil {
		return nil, err
	}

	nFrames, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < nFrames; i++ {
		var f python.Frame
		if f.IsCStub, err = readBool(r); err != nil {
			return nil, err
		}
		if f.Key.CodeObject, err = readUint64(r); err != nil {
			return nil, err
		}
		if f.Key.PID, err = readUint32(r); err != nil {
			return nil, err
		}
		var firstLine uint32
		if firstLine, err = readUint32(r); err != nil {
			return nil, err
		}
		f.Key.FirstLineNo = int32(firstLine)
		s.PythonStack = append(s.PythonStack, f)
	}

	nTLS, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < nTLS; i++ {
		var v TLSValue
		if v.Name, err = readString(r); err != nil {
			return nil, err
		}
		if v.IsInt, err = readBool(r); err != nil {
			return nil, err
		}
		var iv uint64
		if iv, err = readUint64(r); err != nil {
			return nil, err
		}
		v.Int = int64(iv)
		if v.Str, err = readString(r); err != nil {
			return nil, err
		}
		s.TLSValues = append(s.TLSValues, v)
	}

	if s.Value, err = readUint64(r); err != nil {
		return nil, err
	}
	if s.TimeDeltaNanos, err = readUint64(r); err != nil {
		return nil, err
	}

	return s, nil
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

func writeBool(buf *bytes.Buffer, v bool) {
	if v {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

func writeString(buf *bytes.Buffer, s string) {
	writeUint32(buf, uint32(len(s)))
	buf.WriteString(s)
}

func writeUint64Slice(buf *bytes.Buffer, vs []uint64) {
	writeUint32(buf, uint32(len(vs)))
	for _, v := range vs {
		writeUint64(buf, v)
	}
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := readFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func readUint64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := readFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func readBool(r *bytes.Reader) (bool, error) {
	b, err := r.ReadByte()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

func readString(r *bytes.Reader) (string, error) {
	n, err := readUint32(r)
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := readFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func readUint64Slice(r *bytes.Reader) ([]uint64, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	vs := make([]uint64, n)
	for i := range vs {
		if vs[i], err = readUint64(r); err != nil {
			return nil, err
		}
	}
	return vs, nil
}

func readFull(r *bytes.Reader, buf []byte) (int, error) {
	n, err := r.Read(buf)
	if err != nil {
		return n, err
	}
	if n != len(buf) {
		return n, fmt.Errorf("sample: short read: got %d want %d", n, len(buf))
	}
	return n, nil
}
