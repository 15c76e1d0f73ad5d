// Package srcmap enriches captured snapshots with file/line/function
// information by shelling out to addr2line, matching the sequence of
// a bare address banner, a function name, and a file:line line per
// requested address.
package srcmap

import (
	"os/exec"
	"strconv"
	"strings"

	"github.com/ianlancetaylor/demangle"
)

// Info is the enrichment produced for one address.
type Info struct {
	File string
	Line int
	Func string
}

// LineMapper resolves a set of addresses to source info in one call,
// so the underlying tool can be invoked once per run rather than once
// per address.
type LineMapper interface {
	Map(binaryPath string, addrs []string, baseAdjust uint64) map[string]Info
}

// Addr2Line shells out to `addr2line -e <path> -f -C -a <addr>...`.
type Addr2Line struct {
	LookPath func(string) (string, error)
	Run      func(path string, args ...string) ([]byte, error)
}

// New returns an Addr2Line mapper using the real exec package.
func New() *Addr2Line { return &Addr2Line{} }

func (a *Addr2Line) lookPath(name string) (string, error) {
	if a.LookPath != nil {
		return a.LookPath(name)
	}
	return exec.LookPath(name)
}

func (a *Addr2Line) run(path string, args ...string) ([]byte, error) {
	if a.Run != nil {
		return a.Run(path, args...)
	}
	return exec.Command(path, args...).Output()
}

// Available reports whether addr2line is on PATH, the condition the
// trace driver checks before attempting enrichment.
func (a *Addr2Line) Available() bool {
	_, err := a.lookPath("addr2line")
	return err == nil
}

// Map resolves every unique "0x..." address in addrs, preserving
// first-encounter order, against binaryPath. baseAdjust is subtracted
// from each address (clamped at 0) before querying, to account for PIE
// load bias. Addresses the tool cannot resolve are simply absent from
// the returned map. Calling Map twice with the same inputs produces
// the same result: the underlying tool call has no state.
func (a *Addr2Line) Map(binaryPath string, addrs []string, baseAdjust uint64) map[string]Info {
	unique := dedupHexAddrs(addrs)
	if len(unique) == 0 {
		return nil
	}
	if !a.Available() {
		return nil
	}

	adjusted := make([]string, 0, len(unique))
	for _, addr := range unique {
		v, err := strconv.ParseUint(strings.TrimPrefix(addr, "0x"), 16, 64)
		if err != nil {
			return nil
		}
		var value uint64
		if v > baseAdjust {
			value = v - baseAdjust
		}
		adjusted = append(adjusted, "0x"+strconv.FormatUint(value, 16))
	}

	args := append([]string{"-e", binaryPath, "-f", "-C", "-a"}, adjusted...)
	out, err := a.run("addr2line", args...)
	if err != nil {
		return nil
	}

	return parseAddr2Line(string(out), unique)
}

func dedupHexAddrs(addrs []string) []string {
	seen := make(map[string]bool)
	var unique []string
	for _, addr := range addrs {
		if !strings.HasPrefix(addr, "0x") || seen[addr] {
			continue
		}
		seen[addr] = true
		unique = append(unique, addr)
	}
	return unique
}

// parseAddr2Line groups addr2line's output into address banner,
// function line, file:line triples, in the same order unique was
// requested, and demangles function names addr2line's -C flag left
// untouched (itanium mangling without "_Z" prefix awareness is one
// case Filter handles; most GNU toolchains already demangle under -C,
// this is a defensive second pass for whatever slips through).
func parseAddr2Line(output string, unique []string) map[string]Info {
	var lines []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}

	mapping := make(map[string]Info)
	idx := 0
	for _, origAddr := range unique {
		if idx+2 >= len(lines) {
			break
		}
		funcLine := lines[idx+1]
		fileLine := lines[idx+2]
		idx += 3

		info := Info{}
		if funcLine != "??" {
			info.Func = demangle.Filter(funcLine)
		}
		if fileLine != "??:0" {
			// File paths may themselves contain ':', so split on the
			// last occurrence only, matching rsplit(":", 1).
			if i := strings.LastIndex(fileLine, ":"); i >= 0 {
				file, lineStr := fileLine[:i], fileLine[i+1:]
				if n, err := strconv.Atoi(lineStr); err == nil {
					info.File = file
					info.Line = n
				}
			}
		}
		if info != (Info{}) {
			mapping[origAddr] = info
		}
	}
	return mapping
}
