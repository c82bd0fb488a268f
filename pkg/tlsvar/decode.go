package tlsvar

import (
	"fmt"
)

// Memory reads bytes out of a traced process's address space. It mirrors
// python.Memory but is kept as its own narrow interface so this package
// does not depend on pkg/python.
type Memory interface {
	ReadAt(addr uint64, buf []byte) error
	ReadUint64(addr uint64) (uint64, error)
}

// Value is one decoded thread-local variable reading, per §3.5/§4.E step 4.
type Value struct {
	Kind   Kind
	UInt64 uint64
	Str    string
}

// Collect reads the TMagic + payload for one configured TLS offset: it
// reads 8 magic bytes at fsbase-offset, checks the prefix, and if it
// matches, decodes the payload according to Kind — either a plain uint64 or
// a (pointer, length) pair whose pointee is read and clamped to
// maxStringLength bytes (§4.E step 4, variable.h's TTlsRepresentation).
func Collect(mem Memory, fsbase, offset uint64) (Value, bool, error) {
	addr := fsbase - offset

	var header [magicSize]byte
	if err := mem.ReadAt(addr, header[:]); err != nil {
		return Value{}, false, fmt.Errorf("tlsvar: read magic at %#x: %w", addr, err)
	}

	kind := ParseMagic(header)
	if kind == KindInvalid {
		return Value{}, false, nil
	}

	payloadAddr := addr + magicSize
	switch kind {
	case KindUnsignedInt64:
		v, err := mem.ReadUint64(payloadAddr)
		if err != nil {
			return Value{}, false, fmt.Errorf("tlsvar: read uint64 payload: %w", err)
		}
		return Value{Kind: kind, UInt64: v}, true, nil

	case KindStringPointer:
		ptr, err := mem.ReadUint64(payloadAddr)
		if err != nil {
			return Value{}, false, fmt.Errorf("tlsvar: read string pointer: %w", err)
		}
		length, err := mem.ReadUint64(payloadAddr + 8)
		if err != nil {
			return Value{}, false, fmt.Errorf("tlsvar: read string length: %w", err)
		}
		if length > maxStringLength {
			length = maxStringLength
		}
		if ptr == 0 || length == 0 {
			return Value{Kind: kind}, true, nil
		}
		buf := make([]byte, length)
		if err := mem.ReadAt(ptr, buf); err != nil {
			return Value{}, false, fmt.Errorf("tlsvar: read string payload: %w", err)
		}
		return Value{Kind: kind, Str: string(buf)}, true, nil

	default:
		return Value{}, false, fmt.Errorf("tlsvar: unknown kind %d", kind)
	}
}

// MaxVariablesPerBinary exposes maxTLSVariablesPerBinary for callers
// validating configuration.
func MaxVariablesPerBinary() int { return maxTLSVariablesPerBinary }
