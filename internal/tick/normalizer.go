package tick

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"livefeed/internal/diag"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Universe reports whether a symbol is known.
type Universe interface {
	Has(symbol string) bool
}

// Normalizer turns provider elements into Ticks. One Normalizer is shared by
// every stream of the process so Seq orders arrivals across all of them.
type Normalizer struct {
	universe Universe
	recorder diag.Recorder
	logger   *zap.Logger

	seq atomic.Uint64
}

// NewNormalizer creates a Normalizer. A nil universe accepts every symbol.
func NewNormalizer(universe Universe, recorder diag.Recorder, logger *zap.Logger) *Normalizer {
	if recorder == nil {
		recorder = diag.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{
		universe: universe,
		recorder: recorder,
		logger:   logger.Named("normalizer"),
	}
}

// element is the provider wire shape of a trade ("t") or quote ("q").
// encoding/json prefers exact key matches, so "S"/"s" and "T"/"t" do not collide.
type element struct {
	Type     string              `json:"T"`
	Symbol   string              `json:"S"`
	Price    decimal.NullDecimal `json:"p"`
	Size     decimal.NullDecimal `json:"s"`
	BidPrice decimal.NullDecimal `json:"bp"`
	BidSize  decimal.NullDecimal `json:"bs"`
	AskPrice decimal.NullDecimal `json:"ap"`
	AskSize  decimal.NullDecimal `json:"as"`
	Time     json.RawMessage     `json:"t"`
}

var two = decimal.NewFromInt(2)

// Normalize converts msg into a Tick. Failures are recorded and returned as a
// *NormalizationError; the caller drops the message.
func (n *Normalizer) Normalize(msg RawMessage) (Tick, error) {
	t, symbol, err := n.normalize(msg)
	if symbol == "" {
		symbol = msg.Symbol
	}

	if err != nil {
		n.recorder.Record(diag.TraceEvent{
			Stage:   diag.StageNormalize,
			Symbol:  symbol,
			Outcome: diag.OutcomeRejected,
			Detail:  err.Error(),
		})
		n.logger.Debug("dropped raw message", zap.String("symbol", symbol), zap.Error(err))
		return Tick{}, err
	}

	n.recorder.Record(diag.TraceEvent{
		Stage:   diag.StageNormalize,
		Symbol:  symbol,
		Outcome: diag.OutcomeOK,
	})
	return t, nil
}

func (n *Normalizer) normalize(msg RawMessage) (Tick, string, error) {
	var el element
	if err := json.Unmarshal(msg.Data, &el); err != nil {
		return Tick{}, "", &NormalizationError{Kind: MissingField, Field: "payload", Err: err}
	}

	if el.Symbol == "" {
		return Tick{}, "", &NormalizationError{Kind: MissingField, Field: "S"}
	}
	if n.universe != nil && !n.universe.Has(el.Symbol) {
		return Tick{}, el.Symbol, &NormalizationError{Kind: UnknownSymbol, Value: el.Symbol}
	}

	ts, err := parseTimestamp(el.Time)
	if err != nil {
		return Tick{}, el.Symbol, err
	}

	t := Tick{Symbol: el.Symbol, Timestamp: ts}

	switch el.Type {
	case "t":
		if !el.Price.Valid {
			return Tick{}, el.Symbol, &NormalizationError{Kind: MissingField, Field: "p"}
		}
		if !el.Size.Valid {
			return Tick{}, el.Symbol, &NormalizationError{Kind: MissingField, Field: "s"}
		}
		t.Kind = KindTrade
		t.Price = el.Price.Decimal
		t.Size = el.Size.Decimal

	case "q":
		for _, f := range []struct {
			name string
			v    decimal.NullDecimal
		}{{"bp", el.BidPrice}, {"bs", el.BidSize}, {"ap", el.AskPrice}, {"as", el.AskSize}} {
			if !f.v.Valid {
				return Tick{}, el.Symbol, &NormalizationError{Kind: MissingField, Field: f.name}
			}
		}
		t.Kind = KindQuote
		t.Price = el.BidPrice.Decimal.Add(el.AskPrice.Decimal).Div(two)
		t.Size = el.BidSize.Decimal.Add(el.AskSize.Decimal)

	default:
		return Tick{}, el.Symbol, &NormalizationError{Kind: MissingField, Field: "T", Value: el.Type}
	}

	t.Seq = n.seq.Add(1)
	return t, el.Symbol, nil
}

// parseTimestamp accepts only RFC 3339 strings that carry a zone designator.
// Zone-less and numeric timestamps are ambiguous and rejected.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, &NormalizationError{Kind: MissingField, Field: "t"}
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}, &NormalizationError{Kind: InvalidTimestamp, Field: "t", Value: string(raw)}
	}

	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, &NormalizationError{Kind: InvalidTimestamp, Field: "t", Value: s, Err: err}
	}
	return ts.UTC(), nil
}
