// Package stepper installs the single per-instruction hook that
// enforces the step budget and captures register-file and stack-window
// snapshots before each instruction retires.
package stepper

import (
	"encoding/binary"

	"github.com/pileofpwn/x86trace/internal/tracetypes"
)

// Disassembler turns raw instruction bytes into "mnemonic op_str"
// text. internal/disasm provides the default implementation; a run
// without one falls back to hex-encoding.
type Disassembler interface {
	Disassemble(code []byte, addr uint64, archBits int) (string, bool)
}

// Emulator is the capability Stepper needs from the emulator.
type Emulator interface {
	ArchBits() int
	WordSize() int
	SP() uint64
	MemRead(addr, size uint64) ([]byte, error)
	Registers() []tracetypes.Register
	Stop()
}

// Stepper owns the step counter and appends into a run-scoped snapshot
// slice supplied by the caller, never a package-level list.
type Stepper struct {
	emu          Emulator
	disassembler Disassembler
	maxSteps     int
	stackEntries int

	stepCounter int
	snapshots   *[]tracetypes.Snapshot
	onSnapshot  func(tracetypes.Snapshot)
}

// New constructs a Stepper that appends to snapshots as the emulator
// fetches instructions. snapshots must outlive the run.
func New(emu Emulator, disassembler Disassembler, maxSteps, stackEntries int, snapshots *[]tracetypes.Snapshot) *Stepper {
	return &Stepper{
		emu:          emu,
		disassembler: disassembler,
		maxSteps:     maxSteps,
		stackEntries: stackEntries,
		snapshots:    snapshots,
	}
}

// OnSnapshot registers a callback invoked with each snapshot right
// after it is appended, for a caller that wants to stream steps live
// rather than wait for the run to finish.
func (s *Stepper) OnSnapshot(fn func(tracetypes.Snapshot)) {
	s.onSnapshot = fn
}

// StepCount reports how many snapshots have been captured so far.
func (s *Stepper) StepCount() int { return s.stepCounter }

// OnCode is the hook body, called once per fetched instruction. The
// caller (internal/tracedriver) is responsible for wiring this to the
// emulator's code-hook registration, since that registration's
// signature carries the concrete *emulator.Emulator type this package
// does not import.
func (s *Stepper) OnCode(addr uint64, size uint32) {
	if s.stepCounter == s.maxSteps {
		s.emu.Stop()
		return
	}
	s.stepCounter++

	instr := s.disassembleAt(addr, size)
	registers := s.emu.Registers()
	sp := s.emu.SP()

	snap := tracetypes.Snapshot{
		Step:      s.stepCounter,
		RIP:       tracetypes.Hex(addr),
		RSP:       tracetypes.Hex(sp),
		Instr:     instr,
		Registers: registers,
		Stack:     s.readStackWindow(sp),
	}
	*s.snapshots = append(*s.snapshots, snap)
	if s.onSnapshot != nil {
		s.onSnapshot(snap)
	}
}

func (s *Stepper) disassembleAt(addr uint64, size uint32) string {
	if size == 0 {
		return "(no bytes)"
	}
	code, err := s.emu.MemRead(addr, uint64(size))
	if err != nil {
		return "(no bytes)"
	}
	if s.disassembler != nil {
		if text, ok := s.disassembler.Disassemble(code, addr, s.emu.ArchBits()); ok {
			return text
		}
	}
	return hexEncode(code)
}

func hexEncode(b []byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, 0, len(b)*2)
	for _, c := range b {
		out = append(out, hexDigits[c>>4], hexDigits[c&0xf])
	}
	return string(out)
}

// readStackWindow reads stackEntries*wordSize bytes from sp, decoded
// into little-endian unsigned words. A faulting read yields a nil
// (omitted) stack list rather than a partial one.
func (s *Stepper) readStackWindow(sp uint64) []tracetypes.StackWord {
	if s.stackEntries == 0 {
		return nil
	}
	wordSize := s.emu.WordSize()
	total := uint64(s.stackEntries * wordSize)
	data, err := s.emu.MemRead(sp, total)
	if err != nil {
		return nil
	}

	words := make([]tracetypes.StackWord, 0, s.stackEntries)
	for i := 0; i < s.stackEntries; i++ {
		off := i * wordSize
		chunk := data[off : off+wordSize]
		var val uint64
		if wordSize == 8 {
			val = binary.LittleEndian.Uint64(chunk)
		} else {
			val = uint64(binary.LittleEndian.Uint32(chunk))
		}
		words = append(words, tracetypes.StackWord{
			ID:    i,
			Addr:  tracetypes.Hex(sp + uint64(off)),
			Pos:   off,
			Size:  wordSize,
			Value: tracetypes.Hex(val),
		})
	}
	return words
}
