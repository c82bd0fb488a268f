package profile

// stringTable is a single byte blob plus parallel (offset, length) arrays,
// indexed by StringID. Index 0 is always the empty string, inserted by
// newStringTable so every profile can rely on ZeroStringID() resolving to
// "".
type stringTable struct {
	blob    []byte
	offsets []uint32
	lengths []uint32
	byValue map[string]StringID
}

func newStringTable() *stringTable {
	st := &stringTable{
		byValue: make(map[string]StringID),
	}
	st.insert("")
	return st
}

// add returns the StringID for s, reusing an existing entry if one with the
// same bytes was already added (hash consing).
func (st *stringTable) add(s string) StringID {
	if id, ok := st.byValue[s]; ok {
		return id
	}
	return st.insert(s)
}

func (st *stringTable) insert(s string) StringID {
	id := StringID(len(st.offsets))
	st.offsets = append(st.offsets, uint32(len(st.blob)))
	st.lengths = append(st.lengths, uint32(len(s)))
	st.blob = append(st.blob, s...)
	st.byValue[s] = id
	return id
}

// get returns the string stored at id. It panics if id is out of range,
// since an out-of-range StringID can only arise from a corrupt profile or a
// programming error within this package — callers that read untrusted wire
// data must run Validate first.
func (st *stringTable) get(id StringID) string {
	i := int(id)
	off := st.offsets[i]
	length := st.lengths[i]
	return string(st.blob[off : off+length])
}

func (st *stringTable) count() int { return len(st.offsets) }
