// Package addrspace maps ELF PT_LOAD segments into a fresh guest
// address space, page-aligned, for both the main image and an
// optional interpreter image.
package addrspace

import "github.com/pileofpwn/x86trace/internal/tracetypes"

// PageSize is the guest page size every mapping aligns to.
const PageSize = 0x1000

// Mapper is the capability AddressSpace needs from an emulator: map a
// page-aligned region and write bytes into it. internal/emulator.Emulator
// satisfies this.
type Mapper interface {
	MapRegion(addr, size uint64) error
	MemWrite(addr uint64, data []byte) error
}

func alignDown(v, align uint64) uint64 { return v &^ (align - 1) }
func alignUp(v, align uint64) uint64   { return (v + align - 1) &^ (align - 1) }

// MapImage maps every PT_LOAD segment of blob into mapper at
// loadBase+vaddr, page-aligned, writing filesz bytes from the blob and
// leaving the memsz-filesz remainder zero (the mapping itself starts
// zeroed; only filesz bytes are ever written). Overlap between
// adjacent segments sharing a page is tolerated: the earlier mapping
// wins and later writes overlay it. The same routine maps both the
// main image and a PT_INTERP-named interpreter.
func MapImage(mapper Mapper, blob []byte, loadBase uint64, phdrs []tracetypes.ProgramHeader) error {
	var mapped pageRanges
	for _, ph := range phdrs {
		if ph.Type != tracetypes.PT_LOAD {
			continue
		}
		segStart := loadBase + ph.Vaddr
		segEnd := segStart + ph.Memsz
		mapStart := alignDown(segStart, PageSize)
		mapEnd := alignUp(segEnd, PageSize)

		for _, gap := range mapped.claim(mapStart, mapEnd) {
			if err := mapper.MapRegion(gap.start, gap.end-gap.start); err != nil {
				return err
			}
		}
		if ph.Filesz > 0 {
			if ph.Offset+ph.Filesz > uint64(len(blob)) {
				return &tracetypes.InvalidInputError{Reason: "PT_LOAD filesz exceeds blob length"}
			}
			data := blob[ph.Offset : ph.Offset+ph.Filesz]
			if err := mapper.MemWrite(segStart, data); err != nil {
				return err
			}
		}
	}
	return nil
}

// pageRange is a half-open [start,end) range of already-mapped pages.
type pageRange struct{ start, end uint64 }

// pageRanges tracks which page ranges have already been mapped so
// that overlapping PT_LOAD segments in the same page are only mapped
// once: the earlier mapping wins.
type pageRanges []pageRange

// claim returns the sub-ranges of [start,end) not yet covered, and
// records the whole range as now covered.
func (p *pageRanges) claim(start, end uint64) []pageRange {
	var gaps []pageRange
	cursor := start
	for _, r := range *p {
		if r.end <= cursor || r.start >= end {
			continue
		}
		if r.start > cursor {
			gaps = append(gaps, pageRange{cursor, r.start})
		}
		if r.end > cursor {
			cursor = r.end
		}
	}
	if cursor < end {
		gaps = append(gaps, pageRange{cursor, end})
	}
	*p = append(*p, pageRange{start, end})
	return gaps
}
