package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"livefeed/internal/chart"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSurface(t *testing.T) (*Surface, *miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewSurface(rdb, "", ""), mr, rdb
}

// go test -v --run TestSurface_AppendPublishesAndStores
func TestSurface_AppendPublishesAndStores(t *testing.T) {
	s, mr, rdb := newSurface(t)
	ctx := context.Background()

	sub := rdb.Subscribe(ctx, "chart.AAPL")
	defer sub.Close()
	_, err := sub.Receive(ctx) // subscription confirmation
	require.NoError(t, err)

	ts := time.Date(2024, 1, 1, 0, 0, 1, 0, time.UTC)
	p := chart.Point{Symbol: "AAPL", Timestamp: ts, Price: decimal.RequireFromString("190.5"), Size: decimal.NewFromInt(10)}
	require.NoError(t, s.Append(ctx, p))

	select {
	case msg := <-sub.Channel():
		var got PointMessage
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
		assert.Equal(t, "AAPL", got.Symbol)
		assert.True(t, got.Price.Equal(p.Price))
		assert.True(t, got.Timestamp.Equal(ts))
	case <-time.After(2 * time.Second):
		t.Fatal("no point published")
	}

	assert.True(t, mr.Exists("chart:last:AAPL"))
	assert.Greater(t, mr.TTL("chart:last:AAPL"), time.Duration(0))

	last, ok, err := s.LastBarTime(ctx, "AAPL")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, last.Equal(ts))

	_, ok, err = s.LastBarTime(ctx, "MSFT")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSurface_AppendFailsWhenRedisIsDown(t *testing.T) {
	s, mr, _ := newSurface(t)
	mr.Close()

	err := s.Append(context.Background(), chart.Point{Symbol: "AAPL", Timestamp: time.Now()})
	assert.Error(t, err)
}
