package tick

import (
	"time"

	"github.com/shopspring/decimal"
)

// Kind distinguishes trades from quotes.
type Kind string

const (
	KindTrade Kind = "trade"
	KindQuote Kind = "quote"
)

// RawMessage is one provider data element as received from the wire.
// It is opaque until normalized.
type RawMessage struct {
	Symbol     string    // best-effort symbol hint for tracing; may be empty
	Data       []byte    // provider JSON element
	ReceivedAt time.Time // local arrival instant
	Session    uint64    // connection generation; a reconnect starts a new one
}

// Tick is a normalized trade or quote. Timestamp is always UTC.
type Tick struct {
	Symbol    string
	Kind      Kind
	Price     decimal.Decimal
	Size      decimal.Decimal
	Timestamp time.Time
	Seq       uint64 // process-wide receipt order, assigned by the Normalizer
}
