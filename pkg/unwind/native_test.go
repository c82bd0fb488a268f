package unwind

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeRoots struct {
	roots map[BinaryID]PageID
}

func (r *fakeRoots) Root(bid BinaryID) (PageID, bool) {
	p, ok := r.roots[bid]
	return p, ok
}

type fakeTables struct {
	tables map[BinaryID]*Table
}

func (t *fakeTables) TableFor(bid BinaryID) (*Table, bool) {
	tb, ok := t.tables[bid]
	return tb, ok
}

func newSingleBinaryUnwinder(t *testing.T, entries []RawUnwindEntry, mappings *MappingTable, mem UserMemory, opts Options, counters *Counters) *Unwinder {
	t.Helper()
	table, err := BuildTable(entries, DefaultPreprocessingOptions())
	if err != nil {
		t.Fatalf("BuildTable: %v", err)
	}
	roots := &fakeRoots{roots: map[BinaryID]PageID{1: 0}}
	tables := &fakeTables{tables: map[BinaryID]*Table{1: table}}
	return NewUnwinder(mappings, roots, tables, mem, opts, counters, nil)
}

// A rule that sets CFA = SP+16 and leaves RBP undefined drives one DWARF
// step, and a return address equal to the sentinel stops the walk cleanly.
func TestUnwinder_Unwind_OneDWARFStepThenSentinel(t *testing.T) {
	entries := []RawUnwindEntry{
		{StartPC: 0x1000, PCRange: 0x100, Rule: UnwindRule{
			CFA: SubRule{Kind: RuleRegisterPlusOffset, Register: RegisterSP, Offset: 16},
			RBP: UndefinedSubRule(),
			RA:  SubRule{Kind: RuleCFAMinus8},
		}},
	}
	mappings := NewMappingTable()
	mappings.AddMapping(100, ExecutableMapping{Begin: 0x1000, End: 0x2000, BinaryID: 1})

	mem := &fakeMemory{values: map[uint64]uint64{
		0x1000 + 16 - 8: 0, // RA read decrements by one: 0 - 1 wraps to the sentinel
	}}

	u := newSingleBinaryUnwinder(t, entries, mappings, mem, Options{}, nil)
	res := u.Unwind(100, RegisterTriple{SP: 0x1000, BP: 0, IP: 0x1050})

	if len(res.Frames) != 1 {
		t.Fatalf("got %d frames, want 1 (sentinel on first step)", len(res.Frames))
	}
	if res.Frames[0] != 0x1050 {
		t.Fatalf("first frame: got %#x, want %#x", res.Frames[0], 0x1050)
	}
	if res.DWARFFrames != 1 || res.FramePointers != 0 {
		t.Fatalf("got DWARFFrames=%d FramePointers=%d, want 1/0", res.DWARFFrames, res.FramePointers)
	}
}

// When the mapping table has no rule covering the instruction pointer,
// Unwind falls back to the one-step frame-pointer walk instead of stopping.
func TestUnwinder_Unwind_FallsBackToFramePointersWithoutMapping(t *testing.T) {
	mappings := NewMappingTable() // no mapping registered: every lookup misses
	mem := &fakeMemory{values: map[uint64]uint64{
		0x2000 + 8: 0, // RA - 1 wraps to the sentinel
		0x2000:     0,
	}}

	u := newSingleBinaryUnwinder(t, nil, mappings, mem, Options{}, nil)
	res := u.Unwind(7, RegisterTriple{SP: 0x2000, BP: 0x2000, IP: 0x1234})

	if res.FramePointers != 1 || res.DWARFFrames != 0 {
		t.Fatalf("got DWARFFrames=%d FramePointers=%d, want 0/1 (frame-pointer fallback)", res.DWARFFrames, res.FramePointers)
	}
}

// A frame-pointer read failure stops the walk without panicking and counts
// FramePointerReadFailure.
func TestUnwinder_Unwind_FramePointerReadFailureStops(t *testing.T) {
	mappings := NewMappingTable()
	mem := &fakeMemory{values: map[uint64]uint64{}} // every read misses

	reg := prometheus.NewRegistry()
	counters := NewCounters(reg)
	u := newSingleBinaryUnwinder(t, nil, mappings, mem, Options{}, counters)

	res := u.Unwind(7, RegisterTriple{SP: 0x2000, BP: 0x2000, IP: 0x1234})

	if len(res.Frames) != 1 {
		t.Fatalf("got %d frames, want 1 (stopped after read failure)", len(res.Frames))
	}
	if got := testutil.ToFloat64(counters.FramePointerReadFailure); got != 1 {
		t.Fatalf("FramePointerReadFailure: got %v, want 1", got)
	}
}

// Unwind never walks past maxNativeFrames even when every step succeeds and
// never reaches the sentinel, and it counts TooManyFrames exactly once.
func TestUnwinder_Unwind_BoundedByMaxNativeFrames(t *testing.T) {
	entries := []RawUnwindEntry{
		{StartPC: 0x1000, PCRange: 0x100, Rule: UnwindRule{
			CFA: SubRule{Kind: RuleRegisterPlusOffset, Register: RegisterSP, Offset: 16},
			RBP: UndefinedSubRule(),
			RA:  SubRule{Kind: RuleCFAMinus8},
		}},
	}
	mappings := NewMappingTable()
	mappings.AddMapping(100, ExecutableMapping{Begin: 0x1000, End: 0x2000, BinaryID: 1})

	// Every read returns a non-sentinel address plus one, so RA-1 never
	// equals the sentinel and every step returns to the same instruction
	// pointer while the CFA grows by 16.
	mem := &infiniteStepMemory{ra: 0x1055}

	reg := prometheus.NewRegistry()
	counters := NewCounters(reg)
	u := newSingleBinaryUnwinder(t, entries, mappings, mem, Options{}, counters)

	res := u.Unwind(100, RegisterTriple{SP: 0x1000, BP: 0, IP: 0x1050})

	if len(res.Frames) != maxNativeFrames {
		t.Fatalf("got %d frames, want %d (bounded)", len(res.Frames), maxNativeFrames)
	}
	if got := testutil.ToFloat64(counters.TooManyFrames); got != 1 {
		t.Fatalf("TooManyFrames: got %v, want 1", got)
	}
}

type infiniteStepMemory struct {
	ra uint64
}

func (m *infiniteStepMemory) ReadUint64(addr uint64) (uint64, error) {
	return m.ra, nil
}
