package traceserver

import (
	"context"
	"testing"

	"github.com/pileofpwn/x86trace/internal/tracetypes"
)

type fakeTracer struct {
	snaps  []tracetypes.Snapshot
	result *tracetypes.Result
	err    error
}

func (f *fakeTracer) TraceStreaming(ctx context.Context, blob []byte, cfg tracetypes.Config, binaryPath string, onSnapshot func(tracetypes.Snapshot)) (*tracetypes.Result, error) {
	for _, s := range f.snaps {
		onSnapshot(s)
	}
	return f.result, f.err
}

func TestNewDefaultsNilLoggerToNop(t *testing.T) {
	s := New(&fakeTracer{}, nil)
	if s.logger == nil {
		t.Fatal("expected a non-nil logger")
	}
}

func TestHandlerIsNotNil(t *testing.T) {
	s := New(&fakeTracer{}, nil)
	if s.Handler() == nil {
		t.Fatal("expected a non-nil http.Handler")
	}
}

func TestFakeTracerSatisfiesInterface(t *testing.T) {
	var _ Tracer = (*fakeTracer)(nil)
}
