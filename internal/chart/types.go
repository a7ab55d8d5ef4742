package chart

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Outcome is the result of offering a tick to the adapter.
type Outcome int

const (
	Accepted Outcome = iota
	RejectedStale
	RejectedDuplicate
	Failed // the surface refused the append; cursor unchanged
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case RejectedStale:
		return "stale"
	case RejectedDuplicate:
		return "duplicate"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Point is a single append to the rendering surface.
type Point struct {
	Symbol    string          `json:"symbol"`
	Timestamp time.Time       `json:"timestamp"` // UTC
	Price     decimal.Decimal `json:"price"`
	Size      decimal.Decimal `json:"size"`
}

// Surface is the rendering side of the chart. Appends are not idempotent:
// the adapter guarantees each point is offered once, in order.
type Surface interface {
	Append(ctx context.Context, p Point) error
}

// Cursor is the last accepted position of one symbol's series.
type Cursor struct {
	LastTimestamp time.Time
	LastSeq       uint64
}

// HistorySource reports where a symbol's historical series ends.
type HistorySource interface {
	LastBarTime(ctx context.Context, symbol string) (time.Time, bool, error)
}

// ResumeSource is a HistorySource that reads back points already appended to
// the surface. Resumes reports whether its last point has been delivered.
type ResumeSource interface {
	HistorySource
	Resumes() bool
}
