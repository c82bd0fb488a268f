package unwind

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ianlancetaylor/demangle"
	"github.com/klauspost/compress/zstd"
)

// PreprocessingOptions tunes how a BinaryAnalysis artifact is decoded into a Table, per
// §6.1/§9.
type PreprocessingOptions struct {
	// AcceptTouchingRanges controls whether adjacent ranges whose end
	// equals the next range's start are accepted (matching observed
	// reference behavior) or rejected as overlapping. Default true.
	AcceptTouchingRanges bool
}

// DefaultPreprocessingOptions matches the Open Question decision recorded
// in SPEC_FULL.md §9.
func DefaultPreprocessingOptions() PreprocessingOptions {
	return PreprocessingOptions{AcceptTouchingRanges: true}
}

// RawUnwindEntry is one decoded, delta-un-encoded row of the §6.1
// UnwindTable: (start_pc, pc_range, rule), after dictionary expansion.
type RawUnwindEntry struct {
	StartPC uint64
	PCRange uint64
	Rule    UnwindRule
}

// DecodeBinaryAnalysis reads the Zstd-compressed §6.1 BinaryAnalysis
// artifact (delta-encoded start_pc, a rule dictionary sorted by use-count,
// and a TLSConfig of demangled symbol names) and returns the raw,
// delta-decoded unwind entries sorted by StartPC plus the decoded TLS
// offsets. It does not itself build a Table (callers combine these entries
// into pages via BuildTable).
func DecodeBinaryAnalysis(r io.Reader) ([]RawUnwindEntry, []TLSSymbol, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, nil, fmt.Errorf("unwind: open zstd reader: %w", err)
	}
	defer dec.Close()

	raw, err := io.ReadAll(dec)
	if err != nil {
		return nil, nil, fmt.Errorf("unwind: decompress BinaryAnalysis: %w", err)
	}

	br := bytes.NewReader(raw)

	dict, err := readRuleDictionary(br)
	if err != nil {
		return nil, nil, err
	}

	entries, err := readUnwindRows(br, dict)
	if err != nil {
		return nil, nil, err
	}
	integrateDeltaEncodedStartPC(entries)

	symbols, err := readTLSConfig(br)
	if err != nil {
		return nil, nil, err
	}

	return entries, symbols, nil
}

func readRuleDictionary(r *bytes.Reader) ([]UnwindRule, error) {
	n, err := readU32(r)
	if err != nil {
		return nil, fmt.Errorf("unwind: read dictionary length: %w", err)
	}
	dict := make([]UnwindRule, n)
	for i := range dict {
		raw := make([]byte, unwindRuleByteSize)
		if _, err := io.ReadFull(r, raw); err != nil {
			return nil, fmt.Errorf("unwind: read dictionary entry %d: %w", i, err)
		}
		dict[i] = decodeRule(raw)
	}
	return dict, nil
}

func readUnwindRows(r *bytes.Reader, dict []UnwindRule) ([]RawUnwindEntry, error) {
	n, err := readU32(r)
	if err != nil {
		return nil, fmt.Errorf("unwind: read row count: %w", err)
	}
	entries := make([]RawUnwindEntry, n)
	for i := range entries {
		deltaStart, err := readU64(r)
		if err != nil {
			return nil, fmt.Errorf("unwind: read row %d start_pc delta: %w", i, err)
		}
		pcRange, err := readU64(r)
		if err != nil {
			return nil, fmt.Errorf("unwind: read row %d pc_range: %w", i, err)
		}
		ruleIdx, err := readU32(r)
		if err != nil {
			return nil, fmt.Errorf("unwind: read row %d rule index: %w", i, err)
		}
		if int(ruleIdx) >= len(dict) {
			return nil, fmt.Errorf("unwind: row %d rule index %d out of range of dictionary (size %d)", i, ruleIdx, len(dict))
		}
		entries[i] = RawUnwindEntry{StartPC: deltaStart, PCRange: pcRange, Rule: dict[ruleIdx]}
	}
	return entries, nil
}

// integrateDeltaEncodedStartPC reverses the §6.1 delta encoding: each row's
// transmitted StartPC is an offset from the end of the previous row's
// range. This is the Integrate half of the DeltaEncode/Integrate identity
// required by §8 property 6.
func integrateDeltaEncodedStartPC(entries []RawUnwindEntry) {
	var previousEnd uint64
	for i := range entries {
		delta := entries[i].StartPC
		entries[i].StartPC = previousEnd + delta
		previousEnd = entries[i].StartPC + entries[i].PCRange
	}
}

// DeltaEncodeStartPC is the forward half of the §6.1/§8.6 encoding,
// provided so tests can assert the identity DeltaEncode(Integrate(x)) == x
// without depending on an external producer.
func DeltaEncodeStartPC(entries []RawUnwindEntry) []uint64 {
	deltas := make([]uint64, len(entries))
	var previousEnd uint64
	for i, e := range entries {
		deltas[i] = e.StartPC - previousEnd
		previousEnd = e.StartPC + e.PCRange
	}
	return deltas
}

// TLSSymbol is one decoded (offset, name) pair from the §6.1 TLSConfig,
// with its linkage name demangled if it was C++-mangled.
type TLSSymbol struct {
	Offset int64
	Name   string
}

const tlsSymbolPrefix = "perforator_tls_"

func readTLSConfig(r *bytes.Reader) ([]TLSSymbol, error) {
	n, err := readU32(r)
	if err != nil {
		return nil, fmt.Errorf("unwind: read TLSConfig count: %w", err)
	}
	symbols := make([]TLSSymbol, 0, n)
	for i := uint32(0); i < n; i++ {
		offset, err := readI64(r)
		if err != nil {
			return nil, fmt.Errorf("unwind: read TLSConfig[%d] offset: %w", i, err)
		}
		name, err := readLenPrefixedString(r)
		if err != nil {
			return nil, fmt.Errorf("unwind: read TLSConfig[%d] name: %w", i, err)
		}
		demangled := demangleIfMangled(name)
		symbols = append(symbols, TLSSymbol{Offset: offset, Name: demangled})
	}
	return symbols, nil
}

// demangleIfMangled demangles name if it looks like a C++-mangled symbol
// (the Itanium "_Z" prefix); otherwise it is returned unchanged. Only
// symbols whose demangled form carries the tlsSymbolPrefix are TLS
// variables tracked by the sample pipeline, per §6.1.
func demangleIfMangled(name string) string {
	if len(name) < 2 || name[0:2] != "_Z" {
		return name
	}
	out, err := demangle.ToString(name, demangle.NoParams)
	if err != nil {
		return name
	}
	return out
}

// IsTrackedTLSSymbol reports whether name (already demangled) should be
// tracked as a thread-local variable, per §6.1's prefix rule.
func IsTrackedTLSSymbol(name string) bool {
	return len(name) >= len(tlsSymbolPrefix) && name[:len(tlsSymbolPrefix)] == tlsSymbolPrefix
}

func readU32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func readU64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func readI64(r *bytes.Reader) (int64, error) {
	v, err := readU64(r)
	return int64(v), err
}

func readLenPrefixedString(r *bytes.Reader) (string, error) {
	n, err := readU32(r)
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}
