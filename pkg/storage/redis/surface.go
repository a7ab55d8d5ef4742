// Package redis is a chart surface backed by Redis: every accepted point is
// published on a per-symbol channel and kept as the symbol's latest point.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"livefeed/internal/chart"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const (
	DefaultChannelPrefix = "chart."
	DefaultKeyPrefix     = "chart:last:"

	lastPointTTL = 24 * time.Hour
)

// Compile-time check to ensure Surface implements chart.Surface
var (
	_ chart.Surface      = (*Surface)(nil)
	_ chart.ResumeSource = (*Surface)(nil)
)

// PointMessage is the JSON payload published for each point.
type PointMessage struct {
	Symbol    string          `json:"symbol"`
	Timestamp time.Time       `json:"timestamp"`
	Price     decimal.Decimal `json:"price"`
	Size      decimal.Decimal `json:"size"`
}

type Surface struct {
	client        redis.UniversalClient
	channelPrefix string
	keyPrefix     string
}

// NewSurface wraps client. Empty prefixes fall back to the defaults.
func NewSurface(client redis.UniversalClient, channelPrefix, keyPrefix string) *Surface {
	if channelPrefix == "" {
		channelPrefix = DefaultChannelPrefix
	}
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &Surface{client: client, channelPrefix: channelPrefix, keyPrefix: keyPrefix}
}

func (s *Surface) Channel(symbol string) string { return s.channelPrefix + symbol }

func (s *Surface) Key(symbol string) string { return s.keyPrefix + symbol }

// Append stores p as the latest point and publishes it, in one round trip.
func (s *Surface) Append(ctx context.Context, p chart.Point) error {
	payload, err := json.Marshal(PointMessage{
		Symbol:    p.Symbol,
		Timestamp: p.Timestamp.UTC(),
		Price:     p.Price,
		Size:      p.Size,
	})
	if err != nil {
		return fmt.Errorf("encode point: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.Key(p.Symbol), payload, lastPointTTL)
	pipe.Publish(ctx, s.Channel(p.Symbol), payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis append %s: %w", p.Symbol, err)
	}
	return nil
}

// Last returns the latest point stored for symbol.
func (s *Surface) Last(ctx context.Context, symbol string) (PointMessage, bool, error) {
	raw, err := s.client.Get(ctx, s.Key(symbol)).Bytes()
	if err == redis.Nil {
		return PointMessage{}, false, nil
	}
	if err != nil {
		return PointMessage{}, false, err
	}

	var msg PointMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return PointMessage{}, false, fmt.Errorf("decode point: %w", err)
	}
	return msg, true, nil
}

// LastBarTime makes the last stored point a history source, so a restart
// does not chart points older than what consumers already saw.
func (s *Surface) LastBarTime(ctx context.Context, symbol string) (time.Time, bool, error) {
	msg, ok, err := s.Last(ctx, symbol)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	return msg.Timestamp.UTC(), true, nil
}

// Resumes is true: the last stored point was already published.
func (s *Surface) Resumes() bool { return true }
