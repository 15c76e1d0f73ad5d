package emulator

import "testing"

// 64-bit test code: mov eax, 5; mov ebx, 3; add eax, ebx; hlt
var addTestCode64 = []byte{
	0xb8, 0x05, 0x00, 0x00, 0x00, // mov eax, 5
	0xbb, 0x03, 0x00, 0x00, 0x00, // mov ebx, 3
	0x01, 0xd8, // add eax, ebx
	0xf4, // hlt
}

const codeBase = 0x400000

func TestEmulatorBasic64(t *testing.T) {
	emu, err := New(64)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer emu.Close()

	if err := emu.MapRegion(codeBase, PageSize); err != nil {
		t.Fatalf("MapRegion: %v", err)
	}
	if err := emu.MemWrite(codeBase, addTestCode64); err != nil {
		t.Fatalf("MemWrite: %v", err)
	}

	end := uint64(codeBase + len(addTestCode64))
	if err := emu.Run(codeBase, end); err != nil {
		t.Logf("expected stop at hlt: %v", err)
	}

	rax, _ := emu.RegRead(regOrder64[0].reg)
	if rax != 8 {
		t.Errorf("rax = %d, want 8", rax)
	}
}

func TestMemReadWord(t *testing.T) {
	emu, err := New(64)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer emu.Close()

	if err := emu.MapRegion(0x500000, PageSize); err != nil {
		t.Fatalf("MapRegion: %v", err)
	}
	want := uint64(0x123456789abcdef0)
	buf := make([]byte, 8)
	for i := 0; i < 8; i++ {
		buf[i] = byte(want >> (8 * i))
	}
	if err := emu.MemWrite(0x500000, buf); err != nil {
		t.Fatalf("MemWrite: %v", err)
	}
	got, err := emu.MemReadWord(0x500000)
	if err != nil {
		t.Fatalf("MemReadWord: %v", err)
	}
	if got != want {
		t.Errorf("MemReadWord = 0x%x, want 0x%x", got, want)
	}
}

func TestRegisterOrder32(t *testing.T) {
	emu, err := New(32)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer emu.Close()

	regs := emu.Registers()
	if len(regs) != len(regOrder32) {
		t.Fatalf("got %d registers, want %d", len(regs), len(regOrder32))
	}
	if regs[0].Name != "eax" || regs[8].Name != "eip" {
		t.Errorf("unexpected register order: %+v", regs)
	}
}

func TestRegisterOrder64(t *testing.T) {
	emu, err := New(64)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer emu.Close()

	regs := emu.Registers()
	if len(regs) != 17 {
		t.Fatalf("got %d registers, want 17", len(regs))
	}
	if regs[0].Name != "rax" || regs[16].Name != "r15" {
		t.Errorf("unexpected register order: %+v", regs)
	}
}

func TestAddressHook(t *testing.T) {
	emu, err := New(64)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer emu.Close()

	if err := emu.MapRegion(codeBase, PageSize); err != nil {
		t.Fatalf("MapRegion: %v", err)
	}
	if err := emu.MemWrite(codeBase, addTestCode64); err != nil {
		t.Fatalf("MemWrite: %v", err)
	}

	hookCalled := false
	secondInstrAddr := uint64(codeBase + 5)
	emu.HookAddress(secondInstrAddr, func(e *Emulator) bool {
		hookCalled = true
		return false
	})

	end := uint64(codeBase + len(addTestCode64))
	_ = emu.Run(codeBase, end)

	if !hookCalled {
		t.Error("address hook was not called")
	}
}

func TestCodeHookCountsInstructions(t *testing.T) {
	emu, err := New(64)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer emu.Close()

	if err := emu.MapRegion(codeBase, PageSize); err != nil {
		t.Fatalf("MapRegion: %v", err)
	}
	if err := emu.MemWrite(codeBase, addTestCode64); err != nil {
		t.Fatalf("MemWrite: %v", err)
	}

	count := 0
	emu.HookCode(func(e *Emulator, addr uint64, size uint32) {
		count++
	})

	end := uint64(codeBase + len(addTestCode64))
	_ = emu.Run(codeBase, end)

	if count != 4 {
		t.Errorf("instruction count = %d, want 4", count)
	}
}
