package backfill

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantpond/driftline/internal/domain"
)

const klineFixture = `[
  [180000, "100.0", "101.5", "99.5", "100.8", "12.5", 239999, "1260.0", 42, "7.1", "715.0", "0"],
  [240000, "100.8", "102.0", "100.2", "101.9", "8.0", 299999, "815.0", 30, "4.4", "448.0", "0"]
]`

func TestClientFetchRangeParsesTuples(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v3/klines", r.URL.Path)
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(klineFixture))
	}))
	defer srv.Close()

	client := NewClient(ClientConfig{BaseURL: srv.URL, RPS: 100, Burst: 100})
	candles, err := client.FetchRange(context.Background(), "BTCUSDT", "1m", 180_000, 300_000, 3)
	require.NoError(t, err)
	require.Len(t, candles, 2)

	assert.Contains(t, gotQuery, "symbol=BTCUSDT")
	assert.Contains(t, gotQuery, "startTime=180000")
	assert.Contains(t, gotQuery, "endTime=300000")
	assert.Contains(t, gotQuery, "limit=3")

	first := candles[0]
	assert.Equal(t, int64(180_000), first.OpenTime)
	assert.Equal(t, int64(239_999), first.CloseTime)
	assert.Equal(t, 100.0, first.Open)
	assert.Equal(t, 101.5, first.High)
	assert.Equal(t, 99.5, first.Low)
	assert.Equal(t, 100.8, first.Close)
	assert.Equal(t, 12.5, first.Volume)
	assert.Equal(t, int64(42), first.TradeCount)
	assert.Equal(t, 7.1, first.TakerBuyVolume)
	assert.Equal(t, 715.0, first.TakerBuyQuoteVolume)
	assert.True(t, first.IsClosed)
	assert.Equal(t, domain.SourceRESTBackfill, first.IngestionSource)
}

func TestClientFetchRangeHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"code":-1121,"msg":"Invalid symbol."}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	client := NewClient(ClientConfig{BaseURL: srv.URL, RPS: 100, Burst: 100})
	_, err := client.FetchRange(context.Background(), "NOPE", "1m", 0, 60_000, 2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 400")
}

func TestClientBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewClient(ClientConfig{BaseURL: srv.URL, RPS: 1000, Burst: 1000})
	for i := 0; i < 5; i++ {
		_, err := client.FetchRange(context.Background(), "BTCUSDT", "1m", 0, 60_000, 2)
		require.Error(t, err)
	}

	// Sixth call must fail open without reaching the server.
	srv.Close()
	_, err := client.FetchRange(context.Background(), "BTCUSDT", "1m", 0, 60_000, 2)
	require.Error(t, err)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
}

func TestParseKlineRowRejectsShortTuple(t *testing.T) {
	_, err := parseKlineRow("BTCUSDT", "1m", nil)
	require.Error(t, err)
}
