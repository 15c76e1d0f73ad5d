package srcmap

import (
	"errors"
	"strings"
	"testing"
)

func fakeTool(output string) *Addr2Line {
	return &Addr2Line{
		LookPath: func(string) (string, error) { return "/usr/bin/addr2line", nil },
		Run:      func(path string, args ...string) ([]byte, error) { return []byte(output), nil },
	}
}

func TestMapParsesTriples(t *testing.T) {
	out := strings.Join([]string{
		"0x401000",
		"main",
		"/src/main.c:10",
	}, "\n")
	a := fakeTool(out)

	got := a.Map("a.out", []string{"0x401000"}, 0)
	info, ok := got["0x401000"]
	if !ok {
		t.Fatal("expected an entry for 0x401000")
	}
	if info.Func != "main" || info.File != "/src/main.c" || info.Line != 10 {
		t.Errorf("info = %+v, want {main /src/main.c 10}", info)
	}
}

func TestMapUnresolvedLeftAbsent(t *testing.T) {
	out := strings.Join([]string{
		"0x401000",
		"??",
		"??:0",
	}, "\n")
	a := fakeTool(out)

	got := a.Map("a.out", []string{"0x401000"}, 0)
	if _, ok := got["0x401000"]; ok {
		t.Errorf("got = %+v, want no entry for an unresolved address", got)
	}
	info := got["0x401000"]
	if info.Func != "" || info.File != "" {
		t.Errorf("info = %+v, want empty func/file for unresolved address", info)
	}
}

func TestMapDedupsPreservingOrder(t *testing.T) {
	out := strings.Repeat(strings.Join([]string{"0x401000", "main", "/src/main.c:1"}, "\n")+"\n", 1)
	a := fakeTool(out)

	got := a.Map("a.out", []string{"0x401000", "0x401000", "0x401000"}, 0)
	if len(got) != 1 {
		t.Errorf("len(got) = %d, want 1 (dedup)", len(got))
	}
}

func TestMapMissingToolReturnsNil(t *testing.T) {
	a := &Addr2Line{LookPath: func(string) (string, error) { return "", errors.New("not found") }}
	got := a.Map("a.out", []string{"0x401000"}, 0)
	if got != nil {
		t.Errorf("got = %+v, want nil when addr2line is unavailable", got)
	}
}

func TestMapIsIdempotent(t *testing.T) {
	out := strings.Join([]string{"0x401000", "main", "/src/main.c:10"}, "\n")
	a := fakeTool(out)

	first := a.Map("a.out", []string{"0x401000"}, 0)
	second := a.Map("a.out", []string{"0x401000"}, 0)
	if first["0x401000"] != second["0x401000"] {
		t.Errorf("Map is not idempotent: %+v vs %+v", first, second)
	}
}

func TestMapBaseAdjustClampedAtZero(t *testing.T) {
	var gotArgs []string
	a := &Addr2Line{
		LookPath: func(string) (string, error) { return "/usr/bin/addr2line", nil },
		Run: func(path string, args ...string) ([]byte, error) {
			gotArgs = args
			return []byte(strings.Join([]string{"0x0", "main", "/src/main.c:1"}, "\n")), nil
		},
	}
	a.Map("a.out", []string{"0x100"}, 0x10000)

	last := gotArgs[len(gotArgs)-1]
	if last != "0x0" {
		t.Errorf("adjusted address = %q, want 0x0 (clamped)", last)
	}
}
