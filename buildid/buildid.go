// Package buildid extracts the stable identity of an ELF binary (§3.3's
// BinaryID is keyed on it): its GNU build-id note if present, otherwise a
// SHA-1 hash of its .text section.
package buildid

import (
	"bytes"
	"crypto/sha1"
	"debug/elf"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
)

var errNoBuildID = errors.New("buildid: no GNU build-id note present")

// KernelBuildID reads the running kernel's build-id note out of
// /sys/kernel/notes, the same raw ELF notes section format as a normal
// binary's .note.gnu.build-id.
func KernelBuildID() (string, error) {
	f, err := os.Open("/sys/kernel/notes")
	if err != nil {
		return "", fmt.Errorf("buildid: open /sys/kernel/notes: %w", err)
	}
	defer f.Close()

	raw, err := io.ReadAll(f)
	if err != nil {
		return "", fmt.Errorf("buildid: read /sys/kernel/notes: %w", err)
	}

	id, err := findGNUBuildIDNote(raw)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(id), nil
}

// ElfBuildID returns file's build identity: its GNU build-id note if one
// exists, otherwise a SHA-1 hash of its .text section (a binary stripped of
// the note still needs a stable identity to key BinaryID off of, per
// §3.3/§6.1).
func ElfBuildID(file string) (string, error) {
	f, err := os.Open(file)
	if err != nil {
		return "", fmt.Errorf("buildid: open %q: %w", file, err)
	}
	defer f.Close()

	ef, err := elf.NewFile(f)
	if err != nil {
		return "", fmt.Errorf("buildid: parse ELF %q: %w", file, err)
	}
	defer ef.Close()

	if id, err := gnuBuildIDFromSections(ef); err == nil {
		return hex.EncodeToString(id), nil
	}

	return hashTextSection(ef)
}

// gnuBuildIDFromSections scans every SHT_NOTE section (normally just
// .note.gnu.build-id) for a "GNU" note of type NT_GNU_BUILD_ID.
func gnuBuildIDFromSections(ef *elf.File) ([]byte, error) {
	for _, sec := range ef.Sections {
		if sec.Type != elf.SHT_NOTE {
			continue
		}
		raw, err := sec.Data()
		if err != nil {
			continue
		}
		if id, err := findGNUBuildIDNote(raw); err == nil {
			return id, nil
		}
	}
	return nil, errNoBuildID
}

// findGNUBuildIDNote parses a raw ELF notes blob (namesz/descsz/type header
// per entry, 4-byte aligned) looking for the "GNU" build-id note
// (NT_GNU_BUILD_ID == 3), matching the layout /sys/kernel/notes and
// .note.gnu.build-id both use.
func findGNUBuildIDNote(raw []byte) ([]byte, error) {
	const noteTypeGNUBuildID = 3
	r := bytes.NewReader(raw)

	for r.Len() >= 12 {
		var nameSize, descSize, noteType uint32
		if err := binary.Read(r, binary.LittleEndian, &nameSize); err != nil {
			break
		}
		if err := binary.Read(r, binary.LittleEndian, &descSize); err != nil {
			break
		}
		if err := binary.Read(r, binary.LittleEndian, &noteType); err != nil {
			break
		}

		name := make([]byte, align4(nameSize))
		if _, err := io.ReadFull(r, name); err != nil {
			break
		}
		desc := make([]byte, align4(descSize))
		if _, err := io.ReadFull(r, desc); err != nil {
			break
		}

		if noteType == noteTypeGNUBuildID && bytes.HasPrefix(name, []byte("GNU\x00")) {
			return desc[:descSize], nil
		}
	}
	return nil, errNoBuildID
}

func align4(n uint32) uint32 {
	return (n + 3) &^ 3
}

// hashTextSection falls back to hashing .text when no build-id note is
// present, the same degradation the reference performs.
func hashTextSection(ef *elf.File) (string, error) {
	sec := ef.Section(".text")
	if sec == nil {
		return "", errors.New("buildid: no .text section")
	}
	h := sha1.New()
	if _, err := io.Copy(h, sec.Open()); err != nil {
		return "", fmt.Errorf("buildid: hash .text: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
