// Package objdump shells out to binutils objdump for a disassembly
// listing of a binary on disk, parallel to internal/disasm's in-process
// decode of bytes already mapped into the emulator. The two never
// agree exactly: objdump reads relocations and section headers this
// engine's loader does not model.
package objdump

import (
	"bufio"
	"os/exec"
	"regexp"
	"strings"

	"github.com/pileofpwn/x86trace/internal/tracetypes"
)

// DisasmProducer is the capability a pipeline needs from this package.
type DisasmProducer interface {
	Disassemble(binaryPath string) (lines []tracetypes.DisasmLine, raw string, ok bool)
}

// Objdump shells out to the objdump binary. LookPath and Run are
// overridable for testing without a real toolchain on PATH.
type Objdump struct {
	LookPath func(string) (string, error)
	Run      func(path string, args ...string) ([]byte, error)
}

// New returns an Objdump backed by the real os/exec.
func New() *Objdump {
	return &Objdump{
		LookPath: exec.LookPath,
		Run: func(path string, args ...string) ([]byte, error) {
			return exec.Command(path, args...).Output()
		},
	}
}

var addrLineRe = regexp.MustCompile(`^\s*([0-9a-fA-F]+):\s*(.*)$`)

// Disassemble runs objdump -d -M intel against binaryPath and parses
// each "addr: text" row. raw is objdump's full stdout, suitable for
// writing as a sidecar listing alongside a pipeline's JSON output. ok
// is false when objdump is missing or exits non-zero; no partial
// result is returned in that case.
func (o *Objdump) Disassemble(binaryPath string) (lines []tracetypes.DisasmLine, raw string, ok bool) {
	path, err := o.LookPath("objdump")
	if err != nil {
		return nil, "", false
	}

	out, err := o.Run(path, "-d", "-M", "intel", binaryPath)
	if err != nil {
		return nil, "", false
	}

	raw = string(out)
	lines = parseObjdump(raw)
	return lines, raw, true
}

func parseObjdump(output string) []tracetypes.DisasmLine {
	var lines []tracetypes.DisasmLine
	scanner := bufio.NewScanner(strings.NewReader(output))
	idx := 0
	for scanner.Scan() {
		idx++
		m := addrLineRe.FindStringSubmatch(scanner.Text())
		if m == nil {
			continue
		}
		lines = append(lines, tracetypes.DisasmLine{
			Addr: "0x" + strings.ToLower(m[1]),
			Text: strings.TrimSpace(m[2]),
			Line: idx,
		})
	}
	return lines
}

// SidecarPath derives the .disasm.asm path for a JSON output path,
// matching the pipeline's convention of naming the raw listing after
// the report it accompanies.
func SidecarPath(outputPath string) string {
	if strings.HasSuffix(outputPath, ".json") {
		return strings.TrimSuffix(outputPath, ".json") + ".disasm.asm"
	}
	return outputPath + ".disasm.asm"
}
