package buildid

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// buildNote constructs one raw ELF note entry (namesz/descsz/type header,
// name, desc, both 4-byte aligned) the way /sys/kernel/notes and
// .note.gnu.build-id both lay them out.
func buildNote(name string, desc []byte, noteType uint32) []byte {
	var buf bytes.Buffer
	nameBytes := append([]byte(name), 0) // NUL-terminated, per ELF notes convention
	binary.Write(&buf, binary.LittleEndian, uint32(len(nameBytes)))
	binary.Write(&buf, binary.LittleEndian, uint32(len(desc)))
	binary.Write(&buf, binary.LittleEndian, noteType)
	buf.Write(nameBytes)
	for buf.Len()%4 != 0 {
		buf.WriteByte(0)
	}
	buf.Write(desc)
	for buf.Len()%4 != 0 {
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

func TestFindGNUBuildIDNote_Found(t *testing.T) {
	id := []byte{0xde, 0xad, 0xbe, 0xef, 0x01, 0x02, 0x03, 0x04}
	raw := buildNote("GNU", id, 3)

	got, err := findGNUBuildIDNote(raw)
	if err != nil {
		t.Fatalf("findGNUBuildIDNote: %v", err)
	}
	if !bytes.Equal(got, id) {
		t.Fatalf("got %x, want %x", got, id)
	}
}

func TestFindGNUBuildIDNote_SkipsNonMatchingNotes(t *testing.T) {
	other := buildNote("FreeBSD", []byte{0x01}, 1)
	id := []byte{0xaa, 0xbb}
	wanted := buildNote("GNU", id, 3)

	raw := append(other, wanted...)
	got, err := findGNUBuildIDNote(raw)
	if err != nil {
		t.Fatalf("findGNUBuildIDNote: %v", err)
	}
	if !bytes.Equal(got, id) {
		t.Fatalf("got %x, want %x", got, id)
	}
}

func TestFindGNUBuildIDNote_NotFound(t *testing.T) {
	raw := buildNote("FreeBSD", []byte{0x01}, 1)
	if _, err := findGNUBuildIDNote(raw); err == nil {
		t.Fatalf("expected an error when no GNU build-id note is present")
	}
}

func TestAlign4(t *testing.T) {
	cases := map[uint32]uint32{0: 0, 1: 4, 2: 4, 3: 4, 4: 4, 5: 8}
	for in, want := range cases {
		if got := align4(in); got != want {
			t.Errorf("align4(%d): got %d, want %d", in, got, want)
		}
	}
}
