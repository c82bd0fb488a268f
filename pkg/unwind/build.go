package unwind

import "fmt"

// MemoryPageStore is a PageStore backed by an in-memory map, used by
// BuildTable's output and by tests that don't need mmapped files.
type MemoryPageStore struct {
	pages map[PageID]*Page
}

// GetPage implements PageStore.
func (s *MemoryPageStore) GetPage(id PageID) (*Page, bool) {
	p, ok := s.pages[id]
	return p, ok
}

// BuildTable lays RawUnwindEntry rows (already sorted by StartPC, as
// DecodeBinaryAnalysis returns them) out into a 3-level trie of leaf pages
// of at most LeafLength entries each, linked for the "pc at leaf boundary"
// case (§3.2/§4.A). It validates that ranges do not genuinely overlap;
// ranges that merely touch (one entry's end equals the next's start) are
// accepted or rejected according to opts.AcceptTouchingRanges (§9).
func BuildTable(entries []RawUnwindEntry, opts PreprocessingOptions) (*Table, error) {
	if err := checkRangeOverlaps(entries, opts); err != nil {
		return nil, err
	}

	store := &MemoryPageStore{pages: make(map[PageID]*Page)}
	var nextID PageID

	allocLeaf := func(rows []RawUnwindEntry) PageID {
		id := nextID
		nextID++
		leaf := make([]LeafEntry, len(rows))
		for i, e := range rows {
			leaf[i] = LeafEntry{PC: e.StartPC, Range: uint32(e.PCRange), Rule: e.Rule}
		}
		begin := uint64(0)
		end := uint64(0)
		if len(rows) > 0 {
			begin = rows[0].StartPC
			end = rows[len(rows)-1].StartPC + rows[len(rows)-1].PCRange
		}
		store.pages[id] = &Page{ID: id, Type: PageLeaf, Leaf: leaf, BeginAddress: begin, EndAddress: end, NextPage: InvalidPageID}
		return id
	}

	// Chunk entries into leaves of at most LeafLength rows each, linking
	// consecutive leaves so a pc equal to one leaf's end can be resolved
	// via the next leaf, per §3.2.
	var leafIDs []PageID
	for i := 0; i < len(entries); i += LeafLength {
		end := i + LeafLength
		if end > len(entries) {
			end = len(entries)
		}
		leafIDs = append(leafIDs, allocLeaf(entries[i:end]))
	}
	for i := 0; i+1 < len(leafIDs); i++ {
		store.pages[leafIDs[i]].NextPage = leafIDs[i+1]
	}
	if len(leafIDs) == 0 {
		leafIDs = []PageID{allocLeaf(nil)}
	}

	// Build the 3 trie levels bottom-up. Each leaf page is addressed by
	// the (level0,level1,level2) slice of its first entry's StartPC; pages
	// sharing a (level0,level1) prefix are grouped under the same level-2
	// node, and so on up to the root, following §4.A's bit layout exactly.
	type key3 struct{ l0, l1, l2 uint64 }
	leafByKey := make(map[key3]PageID)
	for _, id := range leafIDs {
		p := store.pages[id]
		k := key3{pcSlice(p.BeginAddress, 0), pcSlice(p.BeginAddress, 1), pcSlice(p.BeginAddress, 2)}
		leafByKey[k] = id // last leaf starting in this slice wins the slot; slices are expected to be fine-grained enough in practice
	}

	level2Nodes := make(map[[2]uint64]PageID)
	for k, leafID := range leafByKey {
		l2key := [2]uint64{k.l0, k.l1}
		nodeID, ok := level2Nodes[l2key]
		if !ok {
			nodeID = nextID
			nextID++
			store.pages[nodeID] = &Page{ID: nodeID, Type: PageNode, Children: make([]PageID, 1<<level2Width)}
			level2Nodes[l2key] = nodeID
		}
		store.pages[nodeID].Children[k.l2] = leafID
	}

	level1Nodes := make(map[uint64]PageID)
	for l2key, nodeID := range level2Nodes {
		l1key := l2key[0]
		parentID, ok := level1Nodes[l1key]
		if !ok {
			parentID = nextID
			nextID++
			store.pages[parentID] = &Page{ID: parentID, Type: PageNode, Children: make([]PageID, 1<<level1Width)}
			level1Nodes[l1key] = parentID
		}
		store.pages[parentID].Children[l2key[1]] = nodeID
	}

	rootID := nextID
	nextID++
	root := &Page{ID: rootID, Type: PageNode, Children: make([]PageID, 1<<level0Width)}
	for l0, parentID := range level1Nodes {
		root.Children[l0] = parentID
	}
	store.pages[rootID] = root

	return NewTable(store, rootID), nil
}

func checkRangeOverlaps(entries []RawUnwindEntry, opts PreprocessingOptions) error {
	for i := 1; i < len(entries); i++ {
		prevEnd := entries[i-1].StartPC + entries[i-1].PCRange
		cur := entries[i].StartPC
		switch {
		case cur > prevEnd:
			// disjoint, fine
		case cur == prevEnd:
			if !opts.AcceptTouchingRanges {
				return fmt.Errorf("unwind: BuildTable: touching ranges rejected at entry %d (end=%#x, next start=%#x)", i, prevEnd, cur)
			}
		default:
			return fmt.Errorf("unwind: BuildTable: overlapping ranges at entry %d (prev end=%#x, next start=%#x)", i, prevEnd, cur)
		}
	}
	return nil
}
