package tlsvar

import "testing"

type fakeMemory struct {
	at  map[uint64][]byte
	u64 map[uint64]uint64
}

func newFakeMemory() *fakeMemory {
	return &fakeMemory{at: make(map[uint64][]byte), u64: make(map[uint64]uint64)}
}

func (m *fakeMemory) ReadAt(addr uint64, buf []byte) error {
	data, ok := m.at[addr]
	if !ok || len(data) < len(buf) {
		return errMissing(addr)
	}
	copy(buf, data)
	return nil
}

func (m *fakeMemory) ReadUint64(addr uint64) (uint64, error) {
	v, ok := m.u64[addr]
	if !ok {
		return 0, errMissing(addr)
	}
	return v, nil
}

type errMissing uint64

func (e errMissing) Error() string { return "fakeMemory: no value at address" }

func magicHeader(kind Kind) []byte {
	h := make([]byte, magicSize)
	copy(h, magicPrefix[:])
	h[7] = byte(kind)
	return h
}

func TestParseMagic_ValidPrefix(t *testing.T) {
	var raw [magicSize]byte
	copy(raw[:], magicHeader(KindUnsignedInt64))
	if got := ParseMagic(raw); got != KindUnsignedInt64 {
		t.Fatalf("got %v, want KindUnsignedInt64", got)
	}
}

func TestParseMagic_InvalidPrefix(t *testing.T) {
	var raw [magicSize]byte // all zero, doesn't match magicPrefix
	if got := ParseMagic(raw); got != KindInvalid {
		t.Fatalf("got %v, want KindInvalid", got)
	}
}

func TestCollect_UnsignedInt64(t *testing.T) {
	mem := newFakeMemory()
	const fsbase, offset = 0x7f0000, 0x30
	addr := uint64(fsbase - offset)

	mem.at[addr] = magicHeader(KindUnsignedInt64)
	mem.u64[addr+magicSize] = 12345

	v, ok, err := Collect(mem, fsbase, offset)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if !ok {
		t.Fatalf("expected ok=true")
	}
	if v.Kind != KindUnsignedInt64 || v.UInt64 != 12345 {
		t.Fatalf("got %+v, want UInt64=12345", v)
	}
}

func TestCollect_StringPointer_ClampedTo128Bytes(t *testing.T) {
	mem := newFakeMemory()
	const fsbase, offset = 0x7f0000, 0x40
	addr := uint64(fsbase - offset)
	const strPtr = 0x9000

	mem.at[addr] = magicHeader(KindStringPointer)
	mem.u64[addr+magicSize] = strPtr
	mem.u64[addr+magicSize+8] = 500 // longer than maxStringLength

	longString := make([]byte, maxStringLength)
	for i := range longString {
		longString[i] = 'x'
	}
	mem.at[strPtr] = longString

	v, ok, err := Collect(mem, fsbase, offset)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if !ok {
		t.Fatalf("expected ok=true")
	}
	if len(v.Str) != maxStringLength {
		t.Fatalf("got string length %d, want clamped to %d", len(v.Str), maxStringLength)
	}
}

func TestCollect_InvalidMagicReturnsNotOK(t *testing.T) {
	mem := newFakeMemory()
	const fsbase, offset = 0x7f0000, 0x50
	addr := uint64(fsbase - offset)
	mem.at[addr] = make([]byte, magicSize) // all zero, wrong prefix

	_, ok, err := Collect(mem, fsbase, offset)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false for an invalid magic prefix")
	}
}

func TestMaxVariablesPerBinary(t *testing.T) {
	if got := MaxVariablesPerBinary(); got != 4 {
		t.Fatalf("got %d, want 4", got)
	}
}
