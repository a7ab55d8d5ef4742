package tick

import (
	"errors"
	"testing"
	"time"

	"livefeed/internal/diag"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type symbols map[string]bool

func (s symbols) Has(sym string) bool { return s[sym] }

func newTestNormalizer(t *testing.T) (*Normalizer, *diag.Trace) {
	tr := diag.NewTrace(diag.DefaultConfig(), nil)
	return NewNormalizer(symbols{"AAPL": true, "MSFT": true}, tr, zaptest.NewLogger(t)), tr
}

func raw(s string) RawMessage {
	return RawMessage{Data: []byte(s), ReceivedAt: time.Now()}
}

// go test -v --run TestNormalize_Trade
func TestNormalize_Trade(t *testing.T) {
	n, tr := newTestNormalizer(t)

	got, err := n.Normalize(raw(`{"T":"t","S":"AAPL","p":187.25,"s":"100","t":"2024-01-01T09:30:00.123456789-05:00"}`))
	require.NoError(t, err)

	assert.Equal(t, "AAPL", got.Symbol)
	assert.Equal(t, KindTrade, got.Kind)
	assert.True(t, got.Price.Equal(decimal.RequireFromString("187.25")))
	assert.True(t, got.Size.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, time.UTC, got.Timestamp.Location())
	assert.Equal(t, time.Date(2024, 1, 1, 14, 30, 0, 123456789, time.UTC), got.Timestamp)
	assert.Equal(t, uint64(1), got.Seq)

	evs := tr.Query("AAPL", time.Time{}, time.Time{})
	require.Len(t, evs, 1)
	assert.Equal(t, diag.StageNormalize, evs[0].Stage)
	assert.Equal(t, diag.OutcomeOK, evs[0].Outcome)
}

func TestNormalize_QuoteUsesMidpoint(t *testing.T) {
	n, _ := newTestNormalizer(t)

	got, err := n.Normalize(raw(`{"T":"q","S":"MSFT","bp":"400.10","bs":3,"ap":"400.20","as":5,"t":"2024-01-01T00:00:00Z"}`))
	require.NoError(t, err)

	assert.Equal(t, KindQuote, got.Kind)
	assert.True(t, got.Price.Equal(decimal.RequireFromString("400.15")), got.Price.String())
	assert.True(t, got.Size.Equal(decimal.NewFromInt(8)))
}

func TestNormalize_ZonelessTimestampIsRejected(t *testing.T) {
	n, tr := newTestNormalizer(t)

	_, err := n.Normalize(raw(`{"T":"t","S":"AAPL","p":1,"s":1,"t":"2024-01-01T00:00:00"}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTimestamp))

	var nerr *NormalizationError
	require.True(t, errors.As(err, &nerr))
	assert.Equal(t, InvalidTimestamp, nerr.Kind)

	evs := tr.Query("", time.Time{}, time.Time{})
	require.Len(t, evs, 1)
	assert.Equal(t, diag.OutcomeRejected, evs[0].Outcome)
	assert.Equal(t, "AAPL", evs[0].Symbol)
}

func TestNormalize_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
		want error
	}{
		{"not json", `{"T":`, ErrMissingField},
		{"no symbol", `{"T":"t","p":1,"s":1,"t":"2024-01-01T00:00:00Z"}`, ErrMissingField},
		{"no price", `{"T":"t","S":"AAPL","s":1,"t":"2024-01-01T00:00:00Z"}`, ErrMissingField},
		{"no size", `{"T":"t","S":"AAPL","p":1,"t":"2024-01-01T00:00:00Z"}`, ErrMissingField},
		{"quote without ask", `{"T":"q","S":"AAPL","bp":1,"bs":1,"t":"2024-01-01T00:00:00Z"}`, ErrMissingField},
		{"unknown type", `{"T":"b","S":"AAPL","t":"2024-01-01T00:00:00Z"}`, ErrMissingField},
		{"no timestamp", `{"T":"t","S":"AAPL","p":1,"s":1}`, ErrMissingField},
		{"numeric timestamp", `{"T":"t","S":"AAPL","p":1,"s":1,"t":1704067200000}`, ErrInvalidTimestamp},
		{"garbage timestamp", `{"T":"t","S":"AAPL","p":1,"s":1,"t":"yesterday"}`, ErrInvalidTimestamp},
		{"unknown symbol", `{"T":"t","S":"GME","p":1,"s":1,"t":"2024-01-01T00:00:00Z"}`, ErrUnknownSymbol},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, _ := newTestNormalizer(t)
			_, err := n.Normalize(raw(tt.data))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestNormalize_SeqIsGlobalAndSkipsFailures(t *testing.T) {
	n, _ := newTestNormalizer(t)

	a, err := n.Normalize(raw(`{"T":"t","S":"AAPL","p":1,"s":1,"t":"2024-01-01T00:00:00Z"}`))
	require.NoError(t, err)
	_, err = n.Normalize(raw(`{"T":"t","S":"AAPL","p":1,"s":1,"t":"bad"}`))
	require.Error(t, err)
	b, err := n.Normalize(raw(`{"T":"t","S":"MSFT","p":1,"s":1,"t":"2024-01-01T00:00:00Z"}`))
	require.NoError(t, err)

	assert.Less(t, a.Seq, b.Seq)
}

func TestNormalize_NilUniverseAcceptsAll(t *testing.T) {
	n := NewNormalizer(nil, nil, nil)
	_, err := n.Normalize(raw(`{"T":"t","S":"ANY","p":1,"s":1,"t":"2024-01-01T00:00:00Z"}`))
	assert.NoError(t, err)
}
