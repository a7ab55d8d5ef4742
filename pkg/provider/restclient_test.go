package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRESTServer(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/assets", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key", r.Header.Get("APCA-API-KEY-ID"))
		assert.Equal(t, "secret", r.Header.Get("APCA-API-SECRET-KEY"))
		_, _ = w.Write([]byte(`[
			{"symbol":"MSFT","status":"active","tradable":true},
			{"symbol":"AAPL","status":"active","tradable":true},
			{"symbol":"OTC1","status":"active","tradable":false},
			{"symbol":"GONE","status":"inactive","tradable":true},
			{"symbol":"AAPL","status":"active","tradable":true}
		]`))
	})
	mux.HandleFunc("/v2/stocks/AAPL/bars/latest", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"symbol":"AAPL","bar":{"t":"2023-12-31T19:00:00-05:00","o":190.1,"h":191,"l":189.5,"c":190.75,"v":1200,"n":42,"vw":190.4}}`))
	})
	mux.HandleFunc("/v2/stocks/NVDA/bars/latest", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"symbol":"NVDA","bar":null}`))
	})
	mux.HandleFunc("/v2/stocks/FAIL/bars/latest", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"code":40310000,"message":"subscription does not permit querying recent SIP data"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// go test -v --run TestGetSymbols
func TestGetSymbols(t *testing.T) {
	srv := newRESTServer(t)
	client := NewRESTClient(srv.URL+"/", "key", "secret", 5*time.Second)

	symbols, err := client.GetSymbols(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL", "MSFT"}, symbols)
}

// go test -v --run TestLatestBar
func TestLatestBar(t *testing.T) {
	srv := newRESTServer(t)
	client := NewRESTClient(srv.URL, "key", "secret", 5*time.Second)
	ctx := context.Background()

	bar, ok, err := client.LatestBar(ctx, "AAPL")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), bar.Timestamp)
	assert.True(t, bar.Close.Equal(decimal.RequireFromString("190.75")))
	assert.Equal(t, int64(42), bar.TradeCount)

	ts, ok, err := client.LastBarTime(ctx, "AAPL")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, time.UTC, ts.Location())

	_, ok, err = client.LastBarTime(ctx, "NVDA")
	require.NoError(t, err)
	assert.False(t, ok, "null bar")

	_, ok, err = client.LastBarTime(ctx, "UNKNOWN")
	require.NoError(t, err)
	assert.False(t, ok, "404")

	_, _, err = client.LastBarTime(ctx, "FAIL")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "subscription does not permit")
}
