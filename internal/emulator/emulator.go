// Package emulator wraps Unicorn Engine for x86 and x86-64 guest
// execution: memory regions, register access in the trace engine's
// canonical order, and hook installation for the Stepper and
// SyscallBridge.
package emulator

import (
	"encoding/binary"
	"fmt"
	"sync"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/pileofpwn/x86trace/internal/tracetypes"
)

// Page size the address space is mapped in multiples of.
const PageSize = 0x1000

// CodeHookFunc is called for every instruction fetched by the emulator.
type CodeHookFunc func(emu *Emulator, addr uint64, size uint32)

// AddressHookFunc is called when execution reaches a specific address.
// Returning true stops emulation.
type AddressHookFunc func(emu *Emulator) bool

// Emulator wraps a Unicorn x86/x86-64 instance.
type Emulator struct {
	mu       uc.Unicorn
	archBits int

	codeHooks   []CodeHookFunc
	addrHooks   map[uint64]AddressHookFunc
	addrHooksMu sync.RWMutex

	stopped bool
}

// New creates an x86 or x86-64 emulator with no mapped memory. Callers
// map regions explicitly via MapRegion: this trace engine's regions are
// driven by ELF program headers or a single raw-image region and so
// are mapped by the caller, not the constructor.
func New(archBits int) (*Emulator, error) {
	mode := uc.MODE_32
	if archBits == 64 {
		mode = uc.MODE_64
	}
	mu, err := uc.NewUnicorn(uc.ARCH_X86, mode)
	if err != nil {
		return nil, fmt.Errorf("create unicorn: %w", err)
	}

	emu := &Emulator{
		mu:        mu,
		archBits:  archBits,
		addrHooks: make(map[uint64]AddressHookFunc),
	}

	if err := emu.setupHooks(); err != nil {
		mu.Close()
		return nil, err
	}

	return emu, nil
}

// ArchBits reports 32 or 64.
func (e *Emulator) ArchBits() int { return e.archBits }

func (e *Emulator) setupHooks() error {
	_, err := e.mu.HookAdd(uc.HOOK_CODE, func(_ uc.Unicorn, addr uint64, size uint32) {
		if e.stopped {
			e.mu.Stop()
			return
		}

		e.addrHooksMu.RLock()
		hook, ok := e.addrHooks[addr]
		e.addrHooksMu.RUnlock()

		if ok {
			if hook(e) {
				e.Stop()
				return
			}
		}

		for _, h := range e.codeHooks {
			h(e, addr, size)
		}
	}, 1, 0)
	return err
}

// Close releases resources.
func (e *Emulator) Close() error {
	return e.mu.Close()
}

// MapRegion maps a page-aligned range with full permissions. The
// trace engine does not enforce W^X: it is a learning tool, not a
// sandbox.
func (e *Emulator) MapRegion(addr, size uint64) error {
	return e.mu.MemMap(addr, size)
}

// MemRead reads bytes from guest memory.
func (e *Emulator) MemRead(addr, size uint64) ([]byte, error) {
	return e.mu.MemRead(addr, size)
}

// MemWrite writes bytes to guest memory.
func (e *Emulator) MemWrite(addr uint64, data []byte) error {
	return e.mu.MemWrite(addr, data)
}

// MemReadWord reads a word (4 or 8 bytes depending on ArchBits) as an
// unsigned little-endian integer.
func (e *Emulator) MemReadWord(addr uint64) (uint64, error) {
	data, err := e.mu.MemRead(addr, uint64(e.WordSize()))
	if err != nil {
		return 0, err
	}
	if e.archBits == 64 {
		return binary.LittleEndian.Uint64(data), nil
	}
	return uint64(binary.LittleEndian.Uint32(data)), nil
}

// WordSize returns 8 for 64-bit, 4 for 32-bit.
func (e *Emulator) WordSize() int {
	if e.archBits == 64 {
		return 8
	}
	return 4
}

// RegRead reads a Unicorn register constant.
func (e *Emulator) RegRead(reg int) (uint64, error) {
	return e.mu.RegRead(reg)
}

// RegWrite writes a Unicorn register constant.
func (e *Emulator) RegWrite(reg int, val uint64) error {
	return e.mu.RegWrite(reg, val)
}

// regOrder describes one entry of the canonical register capture
// order for a given arch width.
type regOrder struct {
	name string
	reg  int
}

var regOrder64 = []regOrder{
	{"rax", uc.X86_REG_RAX}, {"rbx", uc.X86_REG_RBX}, {"rcx", uc.X86_REG_RCX},
	{"rdx", uc.X86_REG_RDX}, {"rsi", uc.X86_REG_RSI}, {"rdi", uc.X86_REG_RDI},
	{"rbp", uc.X86_REG_RBP}, {"rsp", uc.X86_REG_RSP}, {"rip", uc.X86_REG_RIP},
	{"r8", uc.X86_REG_R8}, {"r9", uc.X86_REG_R9}, {"r10", uc.X86_REG_R10},
	{"r11", uc.X86_REG_R11}, {"r12", uc.X86_REG_R12}, {"r13", uc.X86_REG_R13},
	{"r14", uc.X86_REG_R14}, {"r15", uc.X86_REG_R15},
}

var regOrder32 = []regOrder{
	{"eax", uc.X86_REG_EAX}, {"ebx", uc.X86_REG_EBX}, {"ecx", uc.X86_REG_ECX},
	{"edx", uc.X86_REG_EDX}, {"esi", uc.X86_REG_ESI}, {"edi", uc.X86_REG_EDI},
	{"ebp", uc.X86_REG_EBP}, {"esp", uc.X86_REG_ESP}, {"eip", uc.X86_REG_EIP},
}

func (e *Emulator) regOrder() []regOrder {
	if e.archBits == 64 {
		return regOrder64
	}
	return regOrder32
}

// PCReg and SPReg return the Unicorn register constants for the
// program counter and stack pointer at the emulator's arch width.
func (e *Emulator) PCReg() int {
	if e.archBits == 64 {
		return uc.X86_REG_RIP
	}
	return uc.X86_REG_EIP
}

func (e *Emulator) SPReg() int {
	if e.archBits == 64 {
		return uc.X86_REG_RSP
	}
	return uc.X86_REG_ESP
}

// SetSP sets the stack pointer register for the current arch width.
func (e *Emulator) SetSP(val uint64) error {
	return e.mu.RegWrite(e.SPReg(), val)
}

// SetBP sets the base/frame pointer register for the current arch
// width (EBP/RBP).
func (e *Emulator) SetBP(val uint64) error {
	reg := uc.X86_REG_EBP
	if e.archBits == 64 {
		reg = uc.X86_REG_RBP
	}
	return e.mu.RegWrite(reg, val)
}

// SP reads the current stack pointer.
func (e *Emulator) SP() uint64 {
	v, _ := e.mu.RegRead(e.SPReg())
	return v
}

// PC reads the current program counter.
func (e *Emulator) PC() uint64 {
	v, _ := e.mu.RegRead(e.PCReg())
	return v
}

// Registers captures the register file in canonical snapshot order.
func (e *Emulator) Registers() []tracetypes.Register {
	order := e.regOrder()
	regs := make([]tracetypes.Register, 0, len(order))
	for idx, ro := range order {
		val, _ := e.mu.RegRead(ro.reg)
		regs = append(regs, tracetypes.Register{
			Name:  ro.name,
			Value: tracetypes.Hex(val),
			Pos:   idx,
		})
	}
	return regs
}

// HookCode adds a code hook called for every instruction.
func (e *Emulator) HookCode(fn CodeHookFunc) {
	e.codeHooks = append(e.codeHooks, fn)
}

// HookAddress adds a hook fired when execution reaches addr.
func (e *Emulator) HookAddress(addr uint64, fn AddressHookFunc) {
	e.addrHooksMu.Lock()
	defer e.addrHooksMu.Unlock()
	e.addrHooks[addr] = fn
}

// HookIntr installs a handler for the INTR hook (used for int 0x80 on
// 32-bit guests).
func (e *Emulator) HookIntr(fn func(intno uint32)) error {
	_, err := e.mu.HookAdd(uc.HOOK_INTR, func(_ uc.Unicorn, intno uint32) {
		fn(intno)
	}, 1, 0)
	return err
}

// HookSyscall installs a handler for the SYSCALL instruction hook
// (used on 64-bit guests).
func (e *Emulator) HookSyscall(fn func()) error {
	_, err := e.mu.HookAdd(uc.HOOK_INSN, func(_ uc.Unicorn) {
		fn()
	}, 1, 0, uc.X86_INS_SYSCALL)
	return err
}

// Run starts emulation from start, stopping at end (exclusive upper
// bound) or when a hook requests a stop.
func (e *Emulator) Run(start, end uint64) error {
	e.stopped = false
	return e.mu.Start(start, end)
}

// Stop requests emulation to halt at the next instruction boundary.
func (e *Emulator) Stop() {
	e.stopped = true
	e.mu.Stop()
}
