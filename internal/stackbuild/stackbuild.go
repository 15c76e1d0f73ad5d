// Package stackbuild constructs the System-V-compatible initial user
// stack (argv, envp terminator, auxv) that a traced program expects to
// find at start of execution.
package stackbuild

import "github.com/pileofpwn/x86trace/internal/tracetypes"

// Writer is the capability StackBuilder needs from an emulator: write
// bytes into guest memory. internal/emulator.Emulator satisfies this.
type Writer interface {
	MemWrite(addr uint64, data []byte) error
}

// AuxvEntry is one (key, value) pair of the auxiliary vector.
type AuxvEntry struct {
	Key   uint64
	Value uint64
}

// Auxv key constants for the entries this engine populates.
const (
	AT_PHDR   = 3
	AT_PHENT  = 4
	AT_PHNUM  = 5
	AT_PAGESZ = 6
	AT_BASE   = 7
	AT_ENTRY  = 9
)

// Build constructs the initial stack top-down in the mapped
// [stackBase, stackBase+stackSize) region and returns the final,
// word-aligned stack pointer. The push order is: argv0 bytes, envp
// terminator, argv terminator, argv[0] pointer, argc, each auxv pair
// in order, then a (0,0) terminator.
func Build(w Writer, stackBase, stackSize uint64, wordSize int, argv0 string, auxv []AuxvEntry) (uint64, error) {
	sp := stackBase + stackSize
	var pushErr error

	pushBytes := func(data []byte) uint64 {
		if pushErr != nil {
			return 0
		}
		sp -= uint64(len(data))
		if err := w.MemWrite(sp, data); err != nil {
			pushErr = err
		}
		return sp
	}

	pushPtr := func(value uint64) {
		if pushErr != nil {
			return
		}
		sp -= uint64(wordSize)
		buf := make([]byte, wordSize)
		mask := uint64(1)<<(uint(wordSize)*8) - 1
		if wordSize == 8 {
			mask = ^uint64(0)
		}
		masked := value & mask
		for i := 0; i < wordSize; i++ {
			buf[i] = byte(masked >> (8 * uint(i)))
		}
		if err := w.MemWrite(sp, buf); err != nil {
			pushErr = err
		}
	}

	argv0Bytes := append([]byte(argv0), 0)
	argv0Addr := pushBytes(argv0Bytes)

	pushPtr(0) // envp terminator
	pushPtr(0) // argv terminator
	pushPtr(argv0Addr)
	pushPtr(1) // argc

	for _, e := range auxv {
		pushPtr(e.Key)
		pushPtr(e.Value)
	}
	pushPtr(0)
	pushPtr(0)

	if pushErr != nil {
		return 0, pushErr
	}

	sp &^= uint64(wordSize - 1)
	return sp, nil
}

// BuildAuxv assembles the standard six-entry auxv this engine emits.
// interpBase is nil when no interpreter was mapped, in which case
// AT_BASE is 0.
func BuildAuxv(header tracetypes.ElfHeader, phdrVaddr, base, entry uint64, interpBase *uint64) []AuxvEntry {
	atBase := uint64(0)
	if interpBase != nil {
		atBase = *interpBase
	}
	return []AuxvEntry{
		{AT_PHDR, phdrVaddr},
		{AT_PHENT, uint64(header.Phentsize)},
		{AT_PHNUM, uint64(header.Phnum)},
		{AT_PAGESZ, 0x1000},
		{AT_BASE, atBase},
		{AT_ENTRY, base + entry},
	}
}
