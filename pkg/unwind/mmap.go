package unwind

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"
)

// MmapPageStore is a PageStore backed by one mmapped file per "part" (up to
// NumPagesPerPart pages each), matching the reference's array-of-maps
// layout in which each part is independently addressable. Pages are
// decoded lazily from the mapped bytes on every GetPage call rather than
// copied into the Go heap up front; each call allocates the decoded Page.
type MmapPageStore struct {
	parts []mmap.MMap
	files []*os.File
}

// OpenMmapPageStore mmaps partPaths in order; part i backs page ids
// [i*NumPagesPerPart, (i+1)*NumPagesPerPart).
func OpenMmapPageStore(partPaths []string) (*MmapPageStore, error) {
	s := &MmapPageStore{}
	for _, path := range partPaths {
		f, err := os.Open(path)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("unwind: open part %q: %w", path, err)
		}
		m, err := mmap.Map(f, mmap.RDONLY, 0)
		if err != nil {
			f.Close()
			s.Close()
			return nil, fmt.Errorf("unwind: mmap part %q: %w", path, err)
		}
		s.files = append(s.files, f)
		s.parts = append(s.parts, m)
	}
	return s, nil
}

// Close unmaps and closes every part file.
func (s *MmapPageStore) Close() error {
	var firstErr error
	for _, m := range s.parts {
		if err := m.Unmap(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, f := range s.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// GetPage implements PageStore.
func (s *MmapPageStore) GetPage(id PageID) (*Page, bool) {
	partID := uint32(id) / NumPagesPerPart
	pageInPart := uint32(id) % NumPagesPerPart
	if int(partID) >= len(s.parts) {
		return nil, false
	}
	part := s.parts[partID]
	off := int(pageInPart) * PageByteSize
	if off+PageByteSize > len(part) {
		return nil, false
	}
	return decodePage(part[off : off+PageByteSize])
}

// decodePage parses the fixed PageByteSize-byte on-disk layout into a Page.
// The layout mirrors the reference unwind_table_page struct: a small fixed
// header (id, padding, begin/end address, next_page, type) followed by a
// union of leaf/node bodies occupying the rest of the page.
func decodePage(raw []byte) (*Page, bool) {
	if len(raw) != PageByteSize {
		return nil, false
	}
	le := binary.LittleEndian
	p := &Page{
		ID:           PageID(le.Uint32(raw[0:4])),
		BeginAddress: le.Uint64(raw[8:16]),
		EndAddress:   le.Uint64(raw[16:24]),
		NextPage:     PageID(le.Uint32(raw[24:28])),
		Type:         PageType(raw[28]),
	}
	body := raw[32:]
	switch p.Type {
	case PageNode:
		n := 1 << level0Width
		p.Children = make([]PageID, n)
		for i := 0; i < n; i++ {
			p.Children[i] = PageID(le.Uint32(body[i*4 : i*4+4]))
		}
	case PageLeaf:
		length := le.Uint32(body[0:4])
		if length > LeafLength {
			return nil, false
		}
		pcOff := 4
		rangeOff := pcOff + LeafLength*4
		ruleOff := rangeOff + LeafLength*4
		p.Leaf = make([]LeafEntry, length)
		for i := uint32(0); i < length; i++ {
			pc := le.Uint32(body[pcOff+int(i)*4 : pcOff+int(i)*4+4])
			rng := le.Uint32(body[rangeOff+int(i)*4 : rangeOff+int(i)*4+4])
			rule := decodeRule(body[ruleOff+int(i)*unwindRuleByteSize : ruleOff+(int(i)+1)*unwindRuleByteSize])
			p.Leaf[i] = LeafEntry{PC: uint64(pc), Range: rng, Rule: rule}
		}
	case PageEmpty:
		// No body to decode.
	default:
		return nil, false
	}
	return p, true
}

// unwindRuleByteSize is the packed on-disk size of one UnwindRule: CFA
// (kind:1, reg:1, offset:4 = 6 bytes), RBP (offset:1 byte), RA is implicit
// (always CFA-8 read, not stored) — matching the reference's packed
// cfa_unwind_rule + rbp_unwind_rule layout (7 bytes total, the size the
// reference's own trace code memcpy's for logging).
const unwindRuleByteSize = 7

func decodeRule(raw []byte) UnwindRule {
	cfaKind := RuleKind(raw[0])
	cfaReg := Register(raw[1])
	cfaOffset := int32(binary.LittleEndian.Uint32(raw[2:6]))
	rbpOffset := int8(raw[6])

	rbp := SubRule{Kind: RuleRegisterDerefPlusOffsetBias, Offset: int64(rbpOffset)}
	if rbpOffset == int8(0x7f) {
		rbp = UndefinedSubRule()
	}

	return UnwindRule{
		CFA: SubRule{Kind: cfaKind, Register: cfaReg, Offset: int64(cfaOffset)},
		RBP: rbp,
		RA:  SubRule{Kind: RuleCFAMinus8},
	}
}
