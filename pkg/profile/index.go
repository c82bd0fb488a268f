// Package profile implements a normalized, columnar, deduplicated profile
// representation: a builder that hash-conses entities into strong-typed
// index tables, a read-only Profile view over those tables, a validator, a
// topological merger, and a bridge to the google/pprof wire format.
package profile

import "fmt"

// Index is a non-negative, opaque, strong-typed integer identifying one
// entity in one of the profile's tables. Index 0 is reserved for the
// empty/null sentinel of its kind. Mixing indices across kinds is a type
// error caught at compile time by distinct named types below.
type Index int32

// invalidIndex is returned by lookups that fail; it is distinct from Zero,
// which denotes the valid, reserved "empty" entity at position 0.
const invalidIndex Index = -1

// IsValid reports whether idx is non-negative, i.e. not the invalid value
// (the zero sentinel is valid). It does not check idx against the size of
// any table.
func (idx Index) IsValid() bool { return idx >= 0 }

// GetInternalIndex returns the bare integer position within the owning
// table. Callers outside this package should rarely need it; it exists for
// wire encoding and direct slice indexing within the package.
func (idx Index) GetInternalIndex() int32 { return int32(idx) }

func fromInternalIndex(i int32) Index {
	if i < 0 {
		return invalidIndex
	}
	return Index(i)
}

// Each entity kind below is a distinct named type over Index so the Go
// compiler rejects accidental mixing (e.g. passing a FunctionID where a
// StackID is expected), mirroring the source's per-kind strong-index tags.
type (
	StringID      Index
	CommentID     Index
	ValueTypeID   Index
	SampleID      Index
	SampleKeyID   Index
	StackID       Index
	BinaryID      Index
	StackFrameID  Index
	InlineChainID Index
	SourceLineID  Index
	FunctionID    Index
	ThreadID      Index
	LabelID       Index
)

// Invalid returns the distinguished "no such entity" value for each kind.
func InvalidStringID() StringID           { return StringID(invalidIndex) }
func InvalidCommentID() CommentID         { return CommentID(invalidIndex) }
func InvalidValueTypeID() ValueTypeID     { return ValueTypeID(invalidIndex) }
func InvalidSampleID() SampleID           { return SampleID(invalidIndex) }
func InvalidSampleKeyID() SampleKeyID     { return SampleKeyID(invalidIndex) }
func InvalidStackID() StackID             { return StackID(invalidIndex) }
func InvalidBinaryID() BinaryID           { return BinaryID(invalidIndex) }
func InvalidStackFrameID() StackFrameID   { return StackFrameID(invalidIndex) }
func InvalidInlineChainID() InlineChainID { return InlineChainID(invalidIndex) }
func InvalidSourceLineID() SourceLineID   { return SourceLineID(invalidIndex) }
func InvalidFunctionID() FunctionID       { return FunctionID(invalidIndex) }
func InvalidThreadID() ThreadID           { return ThreadID(invalidIndex) }
func InvalidLabelID() LabelID             { return LabelID(invalidIndex) }

// Zero returns the sentinel "empty" entity index for each kind: index 0 of
// its table, always populated by the builder before any caller-supplied
// entity. ValueTypeID is the exception: the builder adds no sentinel value
// type, so ZeroValueTypeID is the first value type the caller declared.
func ZeroStringID() StringID           { return 0 }
func ZeroValueTypeID() ValueTypeID     { return 0 }
func ZeroStackID() StackID             { return 0 }
func ZeroBinaryID() BinaryID           { return 0 }
func ZeroStackFrameID() StackFrameID   { return 0 }
func ZeroInlineChainID() InlineChainID { return 0 }
func ZeroFunctionID() FunctionID       { return 0 }
func ZeroThreadID() ThreadID           { return 0 }

func (id StringID) IsValid() bool      { return Index(id).IsValid() }
func (id ValueTypeID) IsValid() bool   { return Index(id).IsValid() }
func (id StackID) IsValid() bool       { return Index(id).IsValid() }
func (id BinaryID) IsValid() bool      { return Index(id).IsValid() }
func (id StackFrameID) IsValid() bool  { return Index(id).IsValid() }
func (id FunctionID) IsValid() bool    { return Index(id).IsValid() }
func (id ThreadID) IsValid() bool      { return Index(id).IsValid() }
func (id SourceLineID) IsValid() bool  { return Index(id).IsValid() }
func (id InlineChainID) IsValid() bool { return Index(id).IsValid() }
func (id SampleKeyID) IsValid() bool   { return Index(id).IsValid() }
func (id LabelID) IsValid() bool       { return Index(id).IsValid() }

func (id StringID) String() string { return fmt.Sprintf("StringID(%d)", int32(id)) }
func (id FunctionID) String() string { return fmt.Sprintf("FunctionID(%d)", int32(id)) }
func (id BinaryID) String() string { return fmt.Sprintf("BinaryID(%d)", int32(id)) }

// labelTagBits packs a 1-bit type tag into the low bit of a LabelID so that
// a single array can carry both string-valued and number-valued labels, per
// the profile model's tagged-union Label representation.
const labelTagBits = 1

func newLabelID(unpacked int32, isNumber bool) LabelID {
	tag := int32(0)
	if isNumber {
		tag = 1
	}
	return LabelID(unpacked<<labelTagBits | tag)
}

func (id LabelID) unpackedIndex() int32 { return int32(id) >> labelTagBits }
func (id LabelID) isNumberTag() bool    { return int32(id)&1 == 1 }
