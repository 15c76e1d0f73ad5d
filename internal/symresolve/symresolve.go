// Package symresolve resolves a symbol name to an address by shelling
// out to nm in numeric, defined-only mode, mirroring how the trace
// driver picks a start_symbol address.
package symresolve

import (
	"os/exec"
	"strconv"
	"strings"
)

// SymbolLister resolves symbol -> address, honoring the driver's
// addr = nm_value + base_adjust convention. Missing tool, non-zero
// exit, or absent symbol all yield ok=false.
type SymbolLister interface {
	Resolve(path, symbol string, baseAdjust uint64) (addr uint64, ok bool)
}

// NM shells out to `nm -n --defined-only <path>`.
type NM struct {
	// LookPath overrides exec.LookPath for tests; nil uses the default.
	LookPath func(string) (string, error)
	// Run overrides exec.Command(...).Output for tests; nil runs nm for real.
	Run func(path string) ([]byte, error)
}

// New returns an NM resolver using the real exec package.
func New() *NM { return &NM{} }

func (n *NM) lookPath(name string) (string, error) {
	if n.LookPath != nil {
		return n.LookPath(name)
	}
	return exec.LookPath(name)
}

func (n *NM) run(path string) ([]byte, error) {
	if n.Run != nil {
		return n.Run(path)
	}
	return exec.Command("nm", "-n", "--defined-only", path).Output()
}

// Resolve returns addr+baseAdjust for the first exact name match in
// nm's output, in the order nm emits symbols. Not fuzzy: the name
// field must match symbol exactly.
func (n *NM) Resolve(path, symbol string, baseAdjust uint64) (uint64, bool) {
	if _, err := n.lookPath("nm"); err != nil {
		return 0, false
	}
	out, err := n.run(path)
	if err != nil {
		return 0, false
	}
	return parseNMOutput(string(out), symbol, baseAdjust)
}

func parseNMOutput(output, symbol string, baseAdjust uint64) (uint64, bool) {
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		addrStr, name := fields[0], fields[2]
		if name != symbol {
			continue
		}
		addr, err := strconv.ParseUint(addrStr, 16, 64)
		if err != nil {
			continue
		}
		return addr + baseAdjust, true
	}
	return 0, false
}
