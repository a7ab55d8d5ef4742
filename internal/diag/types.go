package diag

import (
	"context"
	"time"
)

// Stage identifies the pipeline boundary a trace event was recorded at.
type Stage string

const (
	StageConnect   Stage = "connect"
	StageSubscribe Stage = "subscribe"
	StageReceive   Stage = "receive"
	StageNormalize Stage = "normalize"
	StageDeliver   Stage = "deliver"
	StageReject    Stage = "reject"
)

// Outcome is the result recorded for a stage.
type Outcome string

const (
	OutcomeOK       Outcome = "ok"
	OutcomeRejected Outcome = "rejected"
	OutcomeError    Outcome = "error"
)

// Details with a meaning for Classify. Connect events carrying them mark the
// start and the end of a live session.
const (
	DetailConnected    = "connected"
	DetailDisconnected = "disconnected"

	DetailBackpressureDrop = "backpressure-drop"
)

// TraceEvent is a single observability record for one stage outcome.
type TraceEvent struct {
	Seq       uint64    `json:"seq"`              // assigned by the recorder, strictly increasing
	Stage     Stage     `json:"stage"`            // pipeline boundary
	Symbol    string    `json:"symbol,omitempty"` // empty for connection-level events
	Timestamp time.Time `json:"timestamp"`        // UTC; filled by the recorder when zero
	Outcome   Outcome   `json:"outcome"`
	Detail    string    `json:"detail,omitempty"`
}

// Recorder accepts trace events. Implementations must never block the caller
// on I/O and must never panic.
type Recorder interface {
	Record(ev TraceEvent)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Record(TraceEvent) {}

// Sink receives trace events asynchronously from a Trace.
type Sink interface {
	Write(ctx context.Context, ev TraceEvent) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev TraceEvent) error

func (f SinkFunc) Write(ctx context.Context, ev TraceEvent) error { return f(ctx, ev) }
