// Package elfimage parses the ELF identification, header, program
// headers, and embedded C strings directly out of a byte blob, at the
// exact field offsets the ELF format specifies for both 32- and
// 64-bit classes. It does not use debug/elf: the trace engine needs
// the literal byte layout auditable field-by-field, not a parsed
// abstraction.
package elfimage

import (
	"encoding/binary"

	"github.com/pileofpwn/x86trace/internal/tracetypes"
)

// Magic is the four-byte ELF identification prefix.
var Magic = [4]byte{0x7f, 'E', 'L', 'F'}

// IsELF reports whether blob begins with the ELF magic.
func IsELF(blob []byte) bool {
	return len(blob) >= 4 && blob[0] == Magic[0] && blob[1] == Magic[1] && blob[2] == Magic[2] && blob[3] == Magic[3]
}

func readU16(b []byte, off int) uint16 { return binary.LittleEndian.Uint16(b[off : off+2]) }
func readU32(b []byte, off int) uint32 { return binary.LittleEndian.Uint32(b[off : off+4]) }
func readU64(b []byte, off int) uint64 { return binary.LittleEndian.Uint64(b[off : off+8]) }

// ParseHeader reads the ELF identification and header fields. Offsets
// for class-specific fields follow the ELF32/ELF64 spec exactly:
// 32-bit e_entry/e_phoff are 4 bytes at 24/28, e_phentsize/e_phnum are
// 2 bytes at 42/44; 64-bit e_entry/e_phoff are 8 bytes at 24/32,
// e_phentsize/e_phnum are 2 bytes at 54/56.
func ParseHeader(blob []byte) (tracetypes.ElfHeader, error) {
	if len(blob) < 16 || !IsELF(blob) {
		return tracetypes.ElfHeader{}, &tracetypes.InvalidInputError{Reason: tracetypes.ReasonNotElf}
	}
	elfClass := blob[4]
	endian := blob[5]
	if endian != 1 {
		return tracetypes.ElfHeader{}, &tracetypes.InvalidInputError{Reason: tracetypes.ReasonUnsupportedEndian}
	}

	switch elfClass {
	case 1:
		if len(blob) < 46 {
			return tracetypes.ElfHeader{}, &tracetypes.InvalidInputError{Reason: tracetypes.ReasonNotElf}
		}
		return tracetypes.ElfHeader{
			Class:     tracetypes.ElfClass32,
			Type:      int(readU16(blob, 16)),
			Machine:   int(readU16(blob, 18)),
			Entry:     uint64(readU32(blob, 24)),
			Phoff:     uint64(readU32(blob, 28)),
			Phentsize: int(readU16(blob, 42)),
			Phnum:     int(readU16(blob, 44)),
		}, nil
	case 2:
		if len(blob) < 58 {
			return tracetypes.ElfHeader{}, &tracetypes.InvalidInputError{Reason: tracetypes.ReasonNotElf}
		}
		return tracetypes.ElfHeader{
			Class:     tracetypes.ElfClass64,
			Type:      int(readU16(blob, 16)),
			Machine:   int(readU16(blob, 18)),
			Entry:     readU64(blob, 24),
			Phoff:     readU64(blob, 32),
			Phentsize: int(readU16(blob, 54)),
			Phnum:     int(readU16(blob, 56)),
		}, nil
	default:
		return tracetypes.ElfHeader{}, &tracetypes.InvalidInputError{Reason: tracetypes.ReasonUnsupportedClass}
	}
}

// ParseProgramHeaders reads header.Phnum entries starting at
// header.Phoff. The 32-bit and 64-bit layouts are NOT the same field
// order: 64-bit puts p_flags immediately after p_type, before
// p_offset, while 32-bit puts p_flags last.
func ParseProgramHeaders(blob []byte, header tracetypes.ElfHeader) []tracetypes.ProgramHeader {
	entries := make([]tracetypes.ProgramHeader, 0, header.Phnum)
	for idx := 0; idx < header.Phnum; idx++ {
		off := int(header.Phoff) + idx*header.Phentsize
		var ph tracetypes.ProgramHeader
		if header.Class == tracetypes.ElfClass32 {
			if off+32 > len(blob) {
				break
			}
			ph = tracetypes.ProgramHeader{
				Type:   readU32(blob, off),
				Offset: uint64(readU32(blob, off+4)),
				Vaddr:  uint64(readU32(blob, off+8)),
				Paddr:  uint64(readU32(blob, off+12)),
				Filesz: uint64(readU32(blob, off+16)),
				Memsz:  uint64(readU32(blob, off+20)),
				Flags:  readU32(blob, off+24),
				Align:  uint64(readU32(blob, off+28)),
			}
		} else {
			if off+56 > len(blob) {
				break
			}
			ph = tracetypes.ProgramHeader{
				Type:   readU32(blob, off),
				Flags:  readU32(blob, off+4),
				Offset: readU64(blob, off+8),
				Vaddr:  readU64(blob, off+16),
				Paddr:  readU64(blob, off+24),
				Filesz: readU64(blob, off+32),
				Memsz:  readU64(blob, off+40),
				Align:  readU64(blob, off+48),
			}
		}
		entries = append(entries, ph)
	}
	return entries
}

// ReadCString reads bytes from offset until a NUL byte or end of blob.
// Invalid UTF-8 is replaced, never rejected.
func ReadCString(blob []byte, offset uint64) string {
	if offset > uint64(len(blob)) {
		return ""
	}
	start := int(offset)
	end := start
	for end < len(blob) && blob[end] != 0 {
		end++
	}
	return decodeUTF8Replace(blob[start:end])
}

// decodeUTF8Replace mirrors Python's str.decode("utf-8", errors="replace"):
// invalid byte sequences become U+FFFD rather than aborting the read.
func decodeUTF8Replace(b []byte) string {
	return string([]rune(string(b)))
}
