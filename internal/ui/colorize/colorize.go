// Package colorize provides terminal syntax highlighting for the
// disassembly and register stream cmd/x86trace prints in --verbose
// mode. Register/immediate/punctuation coloring comes from
// a Chroma lexer; the leading mnemonic is further tinted by the
// control-flow category internal/trace assigns it, so a call, jmp, or
// syscall stands out from an ordinary mov or add at a glance.
package colorize

import (
	"fmt"
	"os"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"

	"github.com/pileofpwn/x86trace/internal/trace"
)

// x86traceDark is this engine's own disassembly palette: white
// mnemonics and operators, cyan registers, pink numeric literals,
// yellow labels, orange comments. tagColor layers a control-flow tint
// on top of this for the leading mnemonic.
var x86traceDark = styles.Register(chroma.MustNewStyle("x86trace-dark", chroma.StyleEntries{
	chroma.Text:           "#FFFFFF",
	chroma.Background:     "bg:#000000",
	chroma.Comment:        "#FF8000",
	chroma.CommentPreproc: "#FF8000",

	chroma.Keyword:       "#FFFFFF",
	chroma.KeywordPseudo: "#FFFFFF",
	chroma.Name:          "#87CEEB",
	chroma.NameBuiltin:   "#87CEEB",
	chroma.NameVariable:  "#87CEEB",

	chroma.LiteralNumber:        "#FF80C0",
	chroma.LiteralNumberHex:     "#FF80C0",
	chroma.LiteralNumberBin:     "#FF80C0",
	chroma.LiteralNumberOct:     "#FF80C0",
	chroma.LiteralNumberInteger: "#FF80C0",
	chroma.LiteralNumberFloat:   "#FF80C0",

	chroma.NameLabel:    "#FFC800",
	chroma.NameFunction: "#FFFFFF",

	chroma.Operator:    "#FFFFFF",
	chroma.Punctuation: "#FFFFFF",

	chroma.String: "#00FF00",
}))

// tagColor maps a trace.Tag to the ANSI truecolor escape x86trace uses
// to tint a mnemonic of that control-flow category. Left out of this
// map, a mnemonic keeps whatever color the lexer alone assigns it.
var tagColor = map[trace.Tag]string{
	trace.Call:      "\033[38;2;135;206;235m", // sky blue: transfers control, expects a return
	trace.Ret:       "\033[38;2;186;85;211m",  // violet: control returns here
	trace.Jmp:       "\033[38;2;144;238;144m", // light green: unconditional transfer
	trace.CondJmp:   "\033[38;2;154;205;50m",  // yellow-green: may or may not transfer
	trace.Syscall:   "\033[38;2;255;215;0m",   // gold: crosses into the syscall bridge
	trace.Interrupt: "\033[38;2;255;99;71m",   // tomato: software interrupt
	trace.Halt:      "\033[38;2;255;69;0m",    // orange-red: execution stops
	trace.Stack:     "\033[38;2;100;149;237m", // cornflower blue: touches the stack
}

// getAssemblyLexer returns the best available Intel-syntax lexer.
// nasm matches the "mnemonic op1, op2" shape internal/disasm emits;
// the GAS spellings are kept as fallbacks for chroma versions that
// register the lexer under a different name or casing. No ARM lexer
// is listed: this engine only ever disassembles x86/x86-64.
func getAssemblyLexer() chroma.Lexer {
	candidates := []string{"nasm", "gas", "GAS", "Gas"}
	for _, name := range candidates {
		if lexer := lexers.Get(name); lexer != nil {
			return lexer
		}
	}
	return nil
}

// getDisasmStyle returns x86trace's own palette, falling back to a
// close third-party equivalent if style registration ever failed.
func getDisasmStyle() *chroma.Style {
	candidates := []string{"x86trace-dark", "dracula", "monokai"}
	for _, name := range candidates {
		if style := styles.Get(name); style != nil {
			return style
		}
	}
	return styles.Fallback
}

// getTerminalFormatter returns an appropriate terminal formatter
func getTerminalFormatter() chroma.Formatter {
	candidates := []string{"terminal16m", "terminal256"}
	for _, name := range candidates {
		if formatter := formatters.Get(name); formatter != nil {
			return formatter
		}
	}
	return formatters.Fallback
}

// IsDisabled returns true if colors are disabled via environment
func IsDisabled() bool {
	return os.Getenv("X86TRACE_NO_COLOR") != "" || os.Getenv("NO_COLOR") != ""
}

// Instruction colorizes an assembly instruction: registers, numbers
// and punctuation via Chroma's NASM lexer, then the leading mnemonic
// re-tinted by its trace.Tag category so call/ret/jmp/syscall/int/hlt
// and stack touches are visually distinct in a step-by-step listing.
func Instruction(insn string) string {
	if IsDisabled() {
		return insn
	}

	lexer := getAssemblyLexer()
	if lexer == nil {
		return insn
	}

	style := getDisasmStyle()
	formatter := getTerminalFormatter()

	iterator, err := lexer.Tokenise(nil, insn)
	if err != nil {
		return insn
	}

	var buf strings.Builder
	if err := formatter.Format(&buf, style, iterator); err != nil {
		return insn
	}
	out := strings.TrimSuffix(buf.String(), "\n")

	e := trace.NewEvent(0, "instr", "", "")
	trace.DefaultEnricher(e, insn)
	if tint, ok := tagColor[e.Tags.Primary()]; ok {
		return tint + out + "\033[0m"
	}
	return out
}

// Address formats an address in yellow
func Address(addr uint64) string {
	if IsDisabled() {
		return fmt.Sprintf("%08X", addr)
	}
	return fmt.Sprintf("\033[38;2;255;200;0m%08X\033[0m", addr)
}

// Tag formats a hashtag in light pink
func Tag(tag string) string {
	if IsDisabled() {
		return tag
	}
	return fmt.Sprintf("\033[38;2;255;180;200m%s\033[0m", tag)
}

// FuncName formats a function name in yellow (IDA style labels)
func FuncName(name string) string {
	if IsDisabled() {
		return name
	}
	return fmt.Sprintf("\033[38;2;255;200;0m%s\033[0m", name)
}

// Detail formats detail text in light gray
func Detail(detail string) string {
	if IsDisabled() {
		return detail
	}
	return fmt.Sprintf("\033[38;2;180;180;180m%s\033[0m", detail)
}

// Risk formats a flagged risk message in red (high visibility)
func Risk(msg string) string {
	if IsDisabled() {
		return msg
	}
	return fmt.Sprintf("\033[38;2;255;80;80m%s\033[0m", msg)
}

// Border formats border characters in dark gray
func Border(s string) string {
	if IsDisabled() {
		return s
	}
	return fmt.Sprintf("\033[38;2;80;80;80m%s\033[0m", s)
}

// Comment formats comments in white
func Comment(s string) string {
	if IsDisabled() {
		return s
	}
	return fmt.Sprintf("\033[38;2;255;255;255m%s\033[0m", s)
}

// Header formats header text in blue (IDA style)
func Header(s string) string {
	if IsDisabled() {
		return s
	}
	return fmt.Sprintf("\033[38;2;86;156;214m%s\033[0m", s)
}

// HexBytes formats hex opcode bytes in light gray
func HexBytes(s string) string {
	if IsDisabled() {
		return s
	}
	return fmt.Sprintf("\033[38;2;180;180;180m%s\033[0m", s)
}

// Error formats error messages in pink
func Error(s string) string {
	if IsDisabled() {
		return s
	}
	return fmt.Sprintf("\033[38;2;255;128;192m%s\033[0m", s)
}

// String formats string values in pink/magenta
func String(s string) string {
	if IsDisabled() {
		return s
	}
	return fmt.Sprintf("\033[38;2;255;128;192m%s\033[0m", s)
}
