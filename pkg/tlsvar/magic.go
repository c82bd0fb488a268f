// Package tlsvar decodes the thread-local "magic" variables a traced
// binary can expose for the sample pipeline to collect (§4.E step 4,
// original_source perforator/lib/tls).
package tlsvar

// magicPrefix is the 7-byte constant every tracked thread-local variable's
// in-memory representation starts with, matching
// NPerforator::NThreadLocal::kMagic (magic_bytes.h).
var magicPrefix = [7]byte{0x7e, 0x6f, 0x06, 0xa7, 0x06, 0x04, 0xa6}

// Kind is the discriminant following the magic prefix, matching
// EVariableKind (magic.h).
type Kind uint8

const (
	KindInvalid Kind = iota
	KindUnsignedInt64
	KindStringPointer
)

// magicSize is sizeof(TMagic): the 7-byte prefix plus the 1-byte kind,
// matching magic.h's static_assert(sizeof(TMagic) == 8).
const magicSize = 8

// maxStringLength clamps a decoded string payload, per §3.5/§5 ("up to 128
// bytes per TLS string").
const maxStringLength = 128

// maxTLSVariablesPerBinary bounds how many offsets one binary's config may
// list, per §5 ("max 4 TLS variables per binary").
const maxTLSVariablesPerBinary = 4

// ParseMagic reads the 8-byte magic header from raw and reports its Kind,
// or KindInvalid if the prefix does not match.
func ParseMagic(raw [magicSize]byte) Kind {
	for i, b := range magicPrefix {
		if raw[i] != b {
			return KindInvalid
		}
	}
	return Kind(raw[7])
}
