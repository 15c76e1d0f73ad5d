// Package syscallbridge intercepts the narrow syscall surface this
// trace engine honors: sys_read on fd 0, via int 0x80 on 32-bit
// guests and the syscall instruction on 64-bit guests, backed by an
// injected, monotonically-consumed stdin buffer.
//
// The handler is specified once and each hook is registered once,
// rather than once per architecture width.
package syscallbridge

import uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

// Emulator is the capability this bridge needs. internal/emulator.Emulator
// satisfies it.
type Emulator interface {
	ArchBits() int
	RegRead(reg int) (uint64, error)
	RegWrite(reg int, val uint64) error
	MemWrite(addr uint64, data []byte) error
	HookIntr(fn func(intno uint32)) error
	HookSyscall(fn func()) error
}

// Register constants for the two ABIs this bridge serves: the int
// 0x80 calling convention (EAX, EBX, ECX, EDX) and the syscall
// instruction's (RAX, RDI, RSI, RDX).
const (
	regEAX = uc.X86_REG_EAX
	regEBX = uc.X86_REG_EBX
	regECX = uc.X86_REG_ECX
	regEDX = uc.X86_REG_EDX

	regRAX = uc.X86_REG_RAX
	regRDI = uc.X86_REG_RDI
	regRSI = uc.X86_REG_RSI
	regRDX = uc.X86_REG_RDX
)

// StdinCursor owns the monotonic read position over an injected stdin
// buffer. It is per-run state, constructed fresh for each Trace call
// and mutated only by the hook it is bound to.
type StdinCursor struct {
	data []byte
	pos  int
}

// NewStdinCursor wraps data for consumption by sys_read.
func NewStdinCursor(data []byte) *StdinCursor {
	return &StdinCursor{data: data}
}

// Pos reports how many bytes have been consumed so far.
func (c *StdinCursor) Pos() int { return c.pos }

// ReadSyscallNo32 and ReadSyscallNo64 identify Linux sys_read on each
// architecture width.
const (
	ReadSyscallNo32 = 3
	ReadSyscallNo64 = 0
)

// handleRead implements read(fd, buf, count) against the cursor. Only
// fd 0 is served; any other fd returns -1, masked to the word width
// as a two's-complement value.
func handleRead(cursor *StdinCursor, memWrite func(addr uint64, data []byte) error, fd, buf, count uint64, wordWidthMask uint64) uint64 {
	if fd != 0 {
		return wordWidthMask // -1 in two's complement at this word width
	}
	remaining := len(cursor.data) - cursor.pos
	if remaining < 0 {
		remaining = 0
	}
	toCopy := int(count)
	if toCopy > remaining {
		toCopy = remaining
	}
	if toCopy < 0 {
		toCopy = 0
	}
	if toCopy > 0 {
		chunk := cursor.data[cursor.pos : cursor.pos+toCopy]
		_ = memWrite(buf, chunk)
		cursor.pos += toCopy
	}
	return uint64(toCopy)
}

const (
	mask32 = 0xFFFFFFFF
	mask64 = 0xFFFFFFFFFFFFFFFF
)

// Install wires the interrupt hook (int 0x80, 32-bit only) and the
// syscall instruction hook (64-bit only) onto emu, both backed by
// cursor. Exactly one handler is registered per hook kind, regardless
// of arch width; each hook checks emu.ArchBits() itself and is a
// no-op on the wrong width, mirroring the original's guard clauses
// without its triple registration.
func Install(emu Emulator, cursor *StdinCursor) error {
	if err := emu.HookIntr(func(intno uint32) {
		if emu.ArchBits() != 32 || intno != 0x80 {
			return
		}
		eax, _ := emu.RegRead(regEAX)
		if eax != ReadSyscallNo32 {
			return
		}
		ebx, _ := emu.RegRead(regEBX)
		ecx, _ := emu.RegRead(regECX)
		edx, _ := emu.RegRead(regEDX)
		result := handleRead(cursor, emu.MemWrite, ebx, ecx, edx, mask32)
		_ = emu.RegWrite(regEAX, result)
	}); err != nil {
		return err
	}

	return emu.HookSyscall(func() {
		if emu.ArchBits() != 64 {
			return
		}
		rax, _ := emu.RegRead(regRAX)
		if rax != ReadSyscallNo64 {
			return
		}
		rdi, _ := emu.RegRead(regRDI)
		rsi, _ := emu.RegRead(regRSI)
		rdx, _ := emu.RegRead(regRDX)
		result := handleRead(cursor, emu.MemWrite, rdi, rsi, rdx, mask64)
		_ = emu.RegWrite(regRAX, result)
	})
}
