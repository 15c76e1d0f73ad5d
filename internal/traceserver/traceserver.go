// Package traceserver streams a trace's snapshots to a connected
// websocket client as they are captured, the live counterpart to the
// batch JSON result internal/tracedriver returns. A run only ever has
// one stepper, so one connection sees one run; the server itself holds
// no per-run queue or buffering concern.
package traceserver

import (
	"context"
	"net/http"

	"golang.org/x/net/websocket"

	"github.com/pileofpwn/x86trace/internal/log"
	"github.com/pileofpwn/x86trace/internal/tracetypes"
)

// Tracer is the capability the server needs: run a trace and report
// each snapshot to onSnapshot as it is captured, returning the final
// result once the run completes (or its budget/fault ends it).
type Tracer interface {
	TraceStreaming(ctx context.Context, blob []byte, cfg tracetypes.Config, binaryPath string, onSnapshot func(tracetypes.Snapshot)) (*tracetypes.Result, error)
}

// Request is the JSON message a client sends to start a run.
type Request struct {
	Blob       []byte          `json:"blob"`
	Config     tracetypes.Config `json:"config"`
	BinaryPath string          `json:"binary_path"`
}

// Message is the JSON envelope sent back over the socket: either a
// single snapshot as it is captured, or the final result.
type Message struct {
	Kind     string               `json:"kind"` // "snapshot" or "result"
	Snapshot *tracetypes.Snapshot `json:"snapshot,omitempty"`
	Result   *tracetypes.Result   `json:"result,omitempty"`
	Error    string               `json:"error,omitempty"`
}

// Server wires a Tracer to a websocket.Handler.
type Server struct {
	tracer Tracer
	logger *log.Logger
}

// New returns a Server backed by tracer. A nil logger is replaced with
// a no-op one.
func New(tracer Tracer, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Server{tracer: tracer, logger: logger}
}

// Handler returns an http.Handler serving one run per connection. The
// caller mounts it at whatever path it likes, e.g.
// http.Handle("/trace", server.Handler()).
func (s *Server) Handler() http.Handler {
	return websocket.Handler(s.serveConn)
}

func (s *Server) serveConn(ws *websocket.Conn) {
	defer ws.Close()

	var req Request
	if err := websocket.JSON.Receive(ws, &req); err != nil {
		s.logger.Trace("", "StreamRequestInvalid", err.Error())
		return
	}

	ctx := ws.Request().Context()
	result, err := s.tracer.TraceStreaming(ctx, req.Blob, req.Config, req.BinaryPath, func(snap tracetypes.Snapshot) {
		_ = websocket.JSON.Send(ws, Message{Kind: "snapshot", Snapshot: &snap})
	})
	if err != nil {
		_ = websocket.JSON.Send(ws, Message{Kind: "result", Error: err.Error()})
		return
	}
	_ = websocket.JSON.Send(ws, Message{Kind: "result", Result: result})
}
