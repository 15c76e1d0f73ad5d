// Package disasm provides the default Stepper Disassembler, decoding
// x86 and x86-64 instruction bytes with a real decoder rather than
// shelling out.
package disasm

import (
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// Decoder decodes raw instruction bytes into Intel-syntax text. It
// satisfies internal/stepper.Disassembler.
type Decoder struct{}

// New returns a ready-to-use Decoder.
func New() *Decoder { return &Decoder{} }

// Disassemble decodes code at addr for the given arch width, returning
// "mnemonic op_str" on success. A decode failure returns ok=false so
// the caller falls back to hex.
func (Decoder) Disassemble(code []byte, addr uint64, archBits int) (string, bool) {
	mode := 32
	if archBits == 64 {
		mode = 64
	}
	inst, err := x86asm.Decode(code, mode)
	if err != nil {
		return "", false
	}
	text := x86asm.IntelSyntax(inst, addr, nil)
	return normalize(text), true
}

// normalize turns x86asm's "mnemonic  op1, op2" rendering into a
// "mnemonic op_str" shape: a single space between the mnemonic and
// its operand string.
func normalize(text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return text
	}
	if len(fields) == 1 {
		return fields[0]
	}
	return fields[0] + " " + strings.Join(fields[1:], " ")
}
