package elfimage

import (
	"encoding/binary"
	"testing"

	"github.com/pileofpwn/x86trace/internal/tracetypes"
)

func buildELF64(entry, phoff uint64, etype, machine uint16, phnum uint16) []byte {
	blob := make([]byte, 64)
	copy(blob[:4], Magic[:])
	blob[4] = 2 // ELFCLASS64
	blob[5] = 1 // little-endian
	binary.LittleEndian.PutUint16(blob[16:18], etype)
	binary.LittleEndian.PutUint16(blob[18:20], machine)
	binary.LittleEndian.PutUint64(blob[24:32], entry)
	binary.LittleEndian.PutUint64(blob[32:40], phoff)
	binary.LittleEndian.PutUint16(blob[54:56], 56)
	binary.LittleEndian.PutUint16(blob[56:58], phnum)
	return blob
}

func TestParseHeader64(t *testing.T) {
	blob := buildELF64(0x1000, 64, tracetypes.ET_DYN, tracetypes.EM_X86_64, 1)
	hdr, err := ParseHeader(blob)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if hdr.Class != tracetypes.ElfClass64 {
		t.Errorf("class = %v, want 64", hdr.Class)
	}
	if hdr.Entry != 0x1000 {
		t.Errorf("entry = 0x%x, want 0x1000", hdr.Entry)
	}
	if hdr.Machine != tracetypes.EM_X86_64 {
		t.Errorf("machine = %d, want %d", hdr.Machine, tracetypes.EM_X86_64)
	}
	if hdr.Phentsize != 56 {
		t.Errorf("phentsize = %d, want 56", hdr.Phentsize)
	}
}

func TestParseHeaderNotELF(t *testing.T) {
	if _, err := ParseHeader([]byte("not an elf file at all")); err == nil {
		t.Fatal("expected error for non-ELF blob")
	}
}

func TestParseHeaderRoundTrip(t *testing.T) {
	blob := buildELF64(0xdeadbeef, 64, tracetypes.ET_EXEC, tracetypes.EM_X86_64, 2)
	hdr1, err := ParseHeader(blob)
	if err != nil {
		t.Fatalf("first parse: %v", err)
	}
	hdr2, err := ParseHeader(blob)
	if err != nil {
		t.Fatalf("second parse: %v", err)
	}
	if hdr1 != hdr2 {
		t.Errorf("round-trip mismatch: %+v != %+v", hdr1, hdr2)
	}
	// Re-read each field at its documented ELF64 offset.
	reread := tracetypes.ElfHeader{
		Class:     tracetypes.ElfClass64,
		Type:      int(binary.LittleEndian.Uint16(blob[16:18])),
		Machine:   int(binary.LittleEndian.Uint16(blob[18:20])),
		Entry:     binary.LittleEndian.Uint64(blob[24:32]),
		Phoff:     binary.LittleEndian.Uint64(blob[32:40]),
		Phentsize: int(binary.LittleEndian.Uint16(blob[54:56])),
		Phnum:     int(binary.LittleEndian.Uint16(blob[56:58])),
	}
	if hdr1 != reread {
		t.Errorf("parsed %+v, fields at documented offsets %+v", hdr1, reread)
	}
}

func TestParseProgramHeaders64FieldOrder(t *testing.T) {
	// One PT_LOAD entry at offset 64, 56 bytes, with flags right after type.
	blob := buildELF64(0x1000, 64, tracetypes.ET_EXEC, tracetypes.EM_X86_64, 1)
	blob = append(blob, make([]byte, 56)...)
	binary.LittleEndian.PutUint32(blob[64:68], tracetypes.PT_LOAD) // p_type
	binary.LittleEndian.PutUint32(blob[68:72], 5)                  // p_flags (R+X)
	binary.LittleEndian.PutUint64(blob[72:80], 0)                  // p_offset
	binary.LittleEndian.PutUint64(blob[80:88], 0x400000)           // p_vaddr
	binary.LittleEndian.PutUint64(blob[88:96], 0x400000)           // p_paddr
	binary.LittleEndian.PutUint64(blob[96:104], 0x10)              // p_filesz
	binary.LittleEndian.PutUint64(blob[104:112], 0x10)             // p_memsz
	binary.LittleEndian.PutUint64(blob[112:120], 0x1000)           // p_align

	hdr, err := ParseHeader(blob)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	phdrs := ParseProgramHeaders(blob, hdr)
	if len(phdrs) != 1 {
		t.Fatalf("got %d program headers, want 1", len(phdrs))
	}
	ph := phdrs[0]
	if ph.Type != tracetypes.PT_LOAD {
		t.Errorf("type = %d, want PT_LOAD", ph.Type)
	}
	if ph.Flags != 5 {
		t.Errorf("flags = %d, want 5", ph.Flags)
	}
	if ph.Vaddr != 0x400000 {
		t.Errorf("vaddr = 0x%x, want 0x400000", ph.Vaddr)
	}
	if ph.Filesz != 0x10 {
		t.Errorf("filesz = %d, want 16", ph.Filesz)
	}
}

func TestReadCString(t *testing.T) {
	blob := append([]byte("hello\x00world"), 0)
	s := ReadCString(blob, 0)
	if s != "hello" {
		t.Errorf("ReadCString = %q, want %q", s, "hello")
	}
}

func TestReadCStringNoTerminator(t *testing.T) {
	blob := []byte("noterm")
	s := ReadCString(blob, 0)
	if s != "noterm" {
		t.Errorf("ReadCString = %q, want %q", s, "noterm")
	}
}

func TestReadCStringInvalidUTF8(t *testing.T) {
	blob := []byte{'a', 0xff, 'b', 0}
	s := ReadCString(blob, 0)
	if len(s) == 0 {
		t.Fatal("expected non-empty replacement string")
	}
}
