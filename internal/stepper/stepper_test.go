package stepper

import (
	"testing"

	"github.com/pileofpwn/x86trace/internal/tracetypes"
)

type fakeEmu struct {
	archBits int
	wordSize int
	sp       uint64
	mem      map[uint64][]byte
	regs     []tracetypes.Register
	stopped  bool
}

func (f *fakeEmu) ArchBits() int { return f.archBits }
func (f *fakeEmu) WordSize() int { return f.wordSize }
func (f *fakeEmu) SP() uint64    { return f.sp }

func (f *fakeEmu) MemRead(addr, size uint64) ([]byte, error) {
	data, ok := f.mem[addr]
	if !ok || uint64(len(data)) < size {
		return nil, errFault
	}
	return data[:size], nil
}

func (f *fakeEmu) Registers() []tracetypes.Register { return f.regs }
func (f *fakeEmu) Stop()                             { f.stopped = true }

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

const errFault = fakeErr("fault")

type fakeDisasm struct{}

func (fakeDisasm) Disassemble(code []byte, addr uint64, archBits int) (string, bool) {
	if len(code) > 0 && code[0] == 0x90 {
		return "nop", true
	}
	return "", false
}

func TestStepperStopsAtBudget(t *testing.T) {
	emu := &fakeEmu{archBits: 64, wordSize: 8, mem: map[uint64][]byte{0x400000: {0x90}}}
	var snaps []tracetypes.Snapshot
	s := New(emu, fakeDisasm{}, 2, 0, &snaps)

	s.OnCode(0x400000, 1)
	s.OnCode(0x400001, 1)
	s.OnCode(0x400002, 1) // at budget, should stop and not append

	if len(snaps) != 2 {
		t.Fatalf("len(snaps) = %d, want 2", len(snaps))
	}
	if !emu.stopped {
		t.Error("emulator was not stopped at budget")
	}
	if snaps[0].Step != 1 || snaps[1].Step != 2 {
		t.Errorf("unexpected step numbers: %+v", snaps)
	}
}

func TestStepperDisassemblesNop(t *testing.T) {
	emu := &fakeEmu{archBits: 64, wordSize: 8, mem: map[uint64][]byte{0x400000: {0x90}}}
	var snaps []tracetypes.Snapshot
	s := New(emu, fakeDisasm{}, 10, 0, &snaps)

	s.OnCode(0x400000, 1)

	if snaps[0].Instr != "nop" {
		t.Errorf("instr = %q, want nop", snaps[0].Instr)
	}
}

func TestStepperHexFallback(t *testing.T) {
	emu := &fakeEmu{archBits: 64, wordSize: 8, mem: map[uint64][]byte{0x400000: {0xde, 0xad}}}
	var snaps []tracetypes.Snapshot
	s := New(emu, nil, 10, 0, &snaps)

	s.OnCode(0x400000, 2)

	if snaps[0].Instr != "dead" {
		t.Errorf("instr = %q, want dead", snaps[0].Instr)
	}
}

func TestStepperEmptySizeNoBytes(t *testing.T) {
	emu := &fakeEmu{archBits: 64, wordSize: 8, mem: map[uint64][]byte{}}
	var snaps []tracetypes.Snapshot
	s := New(emu, nil, 10, 0, &snaps)

	s.OnCode(0x400000, 0)

	if snaps[0].Instr != "(no bytes)" {
		t.Errorf("instr = %q, want (no bytes)", snaps[0].Instr)
	}
}

func TestStepperStackWindowFaultOmitsStack(t *testing.T) {
	emu := &fakeEmu{archBits: 64, wordSize: 8, sp: 0x7fff0000, mem: map[uint64][]byte{0x400000: {0x90}}}
	var snaps []tracetypes.Snapshot
	s := New(emu, fakeDisasm{}, 10, 4, &snaps)

	s.OnCode(0x400000, 1)

	if snaps[0].Stack != nil {
		t.Errorf("stack = %+v, want nil on faulting read", snaps[0].Stack)
	}
}

func TestStepperStackWindowDecoded(t *testing.T) {
	emu := &fakeEmu{
		archBits: 64, wordSize: 8, sp: 0x7fff0000,
		mem: map[uint64][]byte{
			0x400000:   {0x90},
			0x7fff0000: {1, 0, 0, 0, 0, 0, 0, 0, 2, 0, 0, 0, 0, 0, 0, 0},
		},
	}
	var snaps []tracetypes.Snapshot
	s := New(emu, fakeDisasm{}, 10, 2, &snaps)

	s.OnCode(0x400000, 1)

	if len(snaps[0].Stack) != 2 {
		t.Fatalf("len(stack) = %d, want 2", len(snaps[0].Stack))
	}
	if snaps[0].Stack[0].Value != "0x1" || snaps[0].Stack[1].Value != "0x2" {
		t.Errorf("unexpected stack words: %+v", snaps[0].Stack)
	}
}

func TestStepperOnSnapshotCallbackFiresPerStep(t *testing.T) {
	emu := &fakeEmu{archBits: 64, wordSize: 8, mem: map[uint64][]byte{0x400000: {0x90}, 0x400001: {0x90}}}
	var snaps []tracetypes.Snapshot
	s := New(emu, fakeDisasm{}, 10, 0, &snaps)

	var streamed []tracetypes.Snapshot
	s.OnSnapshot(func(snap tracetypes.Snapshot) { streamed = append(streamed, snap) })

	s.OnCode(0x400000, 1)
	s.OnCode(0x400001, 1)

	if len(streamed) != 2 {
		t.Fatalf("len(streamed) = %d, want 2", len(streamed))
	}
	if streamed[0].Step != 1 || streamed[1].Step != 2 {
		t.Errorf("unexpected streamed step numbers: %+v", streamed)
	}
}
