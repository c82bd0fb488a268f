package sample

import (
	"testing"

	"github.com/yandex/perforator/pkg/python"
)

func TestSampleWire_RoundTrip(t *testing.T) {
	s := &Sample{
		Type:            TypePerfEvent,
		SampleConfig:    99,
		KernelThread:    false,
		CPU:             3,
		RuntimeNanos:    1234,
		ThreadComm:      "worker",
		ProcessComm:     "app",
		PID:             100,
		TID:             101,
		StartTimeNanos:  5000,
		ParentCgroup:    7,
		CgroupHierarchy: []uint64{1, 2, 3},
		KernelStack:     []uint64{0xffff0001, 0xffff0002},
		UserStack:       []uint64{0x400100, 0x400200},
		PythonStack: []python.Frame{
			{Key: python.SymbolKey{CodeObject: 0x9000, PID: 100, FirstLineNo: 4}},
			{IsCStub: true, Key: python.SymbolKey{FirstLineNo: -1}},
		},
		TLSValues: []TLSValue{
			{Name: "request_id", IsInt: false, Str: "abc-123"},
			{Name: "counter", IsInt: true, Int: 42},
		},
		Value:          10,
		TimeDeltaNanos: 20,
	}

	raw, err := s.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}

	decoded, err := DecodeSample(raw)
	if err != nil {
		t.Fatalf("DecodeSample: %v", err)
	}

	if decoded.Type != s.Type || decoded.PID != s.PID || decoded.TID != s.TID {
		t.Fatalf("basic fields mismatch: got %+v", decoded)
	}
	if len(decoded.CgroupHierarchy) != 3 || decoded.CgroupHierarchy[2] != 3 {
		t.Fatalf("cgroup hierarchy: got %v", decoded.CgroupHierarchy)
	}
	if len(decoded.PythonStack) != 2 {
		t.Fatalf("got %d python frames, want 2", len(decoded.PythonStack))
	}
	if decoded.PythonStack[0].Key.CodeObject != 0x9000 {
		t.Fatalf("frame 0 code object mismatch: got %#x", decoded.PythonStack[0].Key.CodeObject)
	}
	if !decoded.PythonStack[1].IsCStub {
		t.Fatalf("frame 1 should be a C-stack stub")
	}
	if len(decoded.TLSValues) != 2 || decoded.TLSValues[0].Str != "abc-123" || decoded.TLSValues[1].Int != 42 {
		t.Fatalf("tls values mismatch: got %+v", decoded.TLSValues)
	}
	if decoded.Value != 10 || decoded.TimeDeltaNanos != 20 {
		t.Fatalf("trailing fields mismatch: got value=%d delta=%d", decoded.Value, decoded.TimeDeltaNanos)
	}
}

func TestSampleWire_RejectsBadMagic(t *testing.T) {
	if _, err := DecodeSample([]byte("bad!")); err == nil {
		t.Fatalf("expected an error decoding a buffer with a bad magic")
	}
}
