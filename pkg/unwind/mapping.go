package unwind

import (
	"fmt"
	"sort"
)

// BinaryID identifies a mapped executable image, independent of and
// upstream from the profile package's own BinaryID — the unwinder deals in
// raw, dense binary identifiers assigned by the (out-of-scope) process
// discovery and preprocessing pipeline, before any profile is built.
type BinaryID uint64

// InvalidBinaryID marks a mapping with no known binary, per §4.C step 4
// ("mapping-has-no-binary").
const InvalidBinaryID BinaryID = ^BinaryID(0)

// ExecutableMapping is one (pid, address-range) record, per §3.3.
type ExecutableMapping struct {
	Begin    uint64
	End      uint64
	BinaryID BinaryID
	Offset   int64
}

// MappingTable is a longest-prefix-match index over (pid, ip), yielding the
// ExecutableMapping whose range contains ip for that pid. It is populated
// externally (process discovery is a non-goal here, §1); this type only
// consumes already-known mappings.
type MappingTable struct {
	// byPID holds, per pid, the process's mappings sorted by Begin so
	// Lookup can binary-search for the longest matching prefix — the
	// userspace analog of the reference's LPM_TRIE map.
	byPID map[uint32][]ExecutableMapping
}

// NewMappingTable returns an empty table.
func NewMappingTable() *MappingTable {
	return &MappingTable{byPID: make(map[uint32][]ExecutableMapping)}
}

// AddMapping registers one mapping for pid. Mappings for the same pid must
// not overlap; AddMapping does not itself enforce this, mirroring the
// reference's trust-the-producer contract (process discovery is a
// non-goal).
func (t *MappingTable) AddMapping(pid uint32, m ExecutableMapping) {
	mappings := t.byPID[pid]
	idx := sort.Search(len(mappings), func(i int) bool { return mappings[i].Begin >= m.Begin })
	mappings = append(mappings, ExecutableMapping{})
	copy(mappings[idx+1:], mappings[idx:])
	mappings[idx] = m
	t.byPID[pid] = mappings
}

var (
	errMappingLookupMiss  = fmt.Errorf("mapping lookup miss")
	errMappingHasNoBinary = fmt.Errorf("mapping has no binary")
)

// Lookup finds the mapping containing ip in pid's address space, per §3.3 /
// §4.C step 2. It returns errMappingLookupMiss if no mapping covers ip, or
// errMappingHasNoBinary if the mapping found carries the sentinel
// InvalidBinaryID.
func (t *MappingTable) Lookup(pid uint32, ip uint64) (ExecutableMapping, error) {
	mappings := t.byPID[pid]
	// Longest-prefix-match degrades, for a set of non-overlapping ranges,
	// to "the last range whose Begin is <= ip, if ip is still inside it".
	i := sort.Search(len(mappings), func(i int) bool { return mappings[i].Begin > ip }) - 1
	if i < 0 || i >= len(mappings) {
		return ExecutableMapping{}, errMappingLookupMiss
	}
	m := mappings[i]
	if ip < m.Begin || ip >= m.End {
		return ExecutableMapping{}, errMappingLookupMiss
	}
	if m.BinaryID == InvalidBinaryID {
		return ExecutableMapping{}, errMappingHasNoBinary
	}
	return m, nil
}
