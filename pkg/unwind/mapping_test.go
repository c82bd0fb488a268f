package unwind

import "testing"

func TestMappingTable_LookupHitsAndMisses(t *testing.T) {
	tab := NewMappingTable()
	tab.AddMapping(1, ExecutableMapping{Begin: 0x1000, End: 0x2000, BinaryID: 7})
	tab.AddMapping(1, ExecutableMapping{Begin: 0x3000, End: 0x4000, BinaryID: 8})

	m, err := tab.Lookup(1, 0x1500)
	if err != nil {
		t.Fatalf("Lookup(1, 0x1500): %v", err)
	}
	if m.BinaryID != 7 {
		t.Fatalf("got BinaryID %d, want 7", m.BinaryID)
	}

	if _, err := tab.Lookup(1, 0x2500); err != errMappingLookupMiss {
		t.Fatalf("Lookup(1, 0x2500): got %v, want a miss (gap between mappings)", err)
	}

	if _, err := tab.Lookup(2, 0x1500); err != errMappingLookupMiss {
		t.Fatalf("Lookup(2, ...): got %v, want a miss (unknown pid)", err)
	}
}

func TestMappingTable_LookupRejectsInvalidBinaryID(t *testing.T) {
	tab := NewMappingTable()
	tab.AddMapping(1, ExecutableMapping{Begin: 0x1000, End: 0x2000, BinaryID: InvalidBinaryID})

	_, err := tab.Lookup(1, 0x1500)
	if err != errMappingHasNoBinary {
		t.Fatalf("got %v, want errMappingHasNoBinary", err)
	}
}

// AddMapping keeps mappings sorted by Begin regardless of insertion order,
// so Lookup's binary search stays correct.
func TestMappingTable_AddMapping_OutOfOrderInsertion(t *testing.T) {
	tab := NewMappingTable()
	tab.AddMapping(1, ExecutableMapping{Begin: 0x5000, End: 0x6000, BinaryID: 3})
	tab.AddMapping(1, ExecutableMapping{Begin: 0x1000, End: 0x2000, BinaryID: 1})
	tab.AddMapping(1, ExecutableMapping{Begin: 0x3000, End: 0x4000, BinaryID: 2})

	for _, c := range []struct {
		ip   uint64
		want BinaryID
	}{
		{0x1500, 1},
		{0x3500, 2},
		{0x5500, 3},
	} {
		m, err := tab.Lookup(1, c.ip)
		if err != nil {
			t.Fatalf("Lookup(1, %#x): %v", c.ip, err)
		}
		if m.BinaryID != c.want {
			t.Fatalf("Lookup(1, %#x): got BinaryID %d, want %d", c.ip, m.BinaryID, c.want)
		}
	}
}
