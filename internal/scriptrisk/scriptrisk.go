// Package scriptrisk implements riskscan.Scanner by running a
// user-supplied JavaScript predicate, via goja, against each snapshot
// of a trace. It stands in for the pack's Python-specific AST walker:
// there is no Python source in this domain to walk, so risk-flagging
// here operates on the Snapshot stream the engine already produces
// instead of on source text.
package scriptrisk

import (
	"encoding/json"
	"fmt"

	"github.com/dop251/goja"

	"github.com/pileofpwn/x86trace/internal/riskscan"
	"github.com/pileofpwn/x86trace/internal/tracetypes"
)

// Scanner holds a predicate: JS source defining a function
// `check(snapshot)` that returns either null/undefined (no risk) or an
// object shaped like riskscan.Risk (line/kind/severity/message fields;
// file is filled in by the scanner since the script never sees a path).
type Scanner struct {
	predicate string
}

// New compiles nothing eagerly; predicate is only parsed on first Scan
// so a bad script surfaces as a Scan error, not a construction panic.
func New(predicate string) *Scanner {
	return &Scanner{predicate: predicate}
}

// Scan ignores path and source; ScanSnapshots is the entry point the
// pipeline uses. Scan exists only to satisfy riskscan.Scanner for
// callers that have nothing but a path and bytes to offer (an empty,
// always-zero-risk result, since a JS snapshot predicate has nothing
// to run against raw source bytes).
func (s *Scanner) Scan(path string, source []byte) ([]riskscan.Risk, error) {
	return nil, nil
}

// ScanSnapshots runs the predicate once per snapshot, collecting every
// non-null result. file is attached to each risk since the script
// itself only sees the snapshot, not where it came from.
func (s *Scanner) ScanSnapshots(file string, snapshots []tracetypes.Snapshot) ([]riskscan.Risk, error) {
	vm := goja.New()
	if _, err := vm.RunString(s.predicate); err != nil {
		return nil, fmt.Errorf("compiling risk predicate: %w", err)
	}
	check, ok := goja.AssertFunction(vm.Get("check"))
	if !ok {
		return nil, fmt.Errorf("risk predicate must define a check(snapshot) function")
	}

	var risks []riskscan.Risk
	for _, snap := range snapshots {
		result, err := check(goja.Undefined(), vm.ToValue(snap))
		if err != nil {
			return nil, fmt.Errorf("running risk predicate at step %d: %w", snap.Step, err)
		}
		if goja.IsNull(result) || goja.IsUndefined(result) {
			continue
		}

		// Round-trip through JSON so the script's lowercase keys
		// (kind, severity, ...) land on riskscan.Risk's json tags.
		var risk riskscan.Risk
		exported, err := json.Marshal(result.Export())
		if err == nil {
			err = json.Unmarshal(exported, &risk)
		}
		if err != nil {
			return nil, fmt.Errorf("risk predicate returned an unexpected shape at step %d: %w", snap.Step, err)
		}
		risk.File = file
		if risk.Line == 0 {
			risk.Line = snap.Step
		}
		risks = append(risks, risk)
	}
	return risks, nil
}

var _ riskscan.Scanner = (*Scanner)(nil)
