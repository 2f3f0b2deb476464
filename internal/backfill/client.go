// Package backfill recovers gap segments: a rate-limited, circuit-broken
// REST client fetches historical candles, workers close individual segments,
// and an orchestrator schedules workers over the open-segment backlog.
package backfill

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/quantpond/driftline/internal/domain"
)

// MaxKlineLimit is the venue's hard cap on rows per historical request.
const MaxKlineLimit = 1500

// HistoricalSource fetches closed candles for a bounded range. Implemented by
// Client; faked in tests.
type HistoricalSource interface {
	FetchRange(ctx context.Context, symbol, interval string, startTime, endTime int64, limit int) ([]domain.Candle, error)
}

// ClientConfig tunes the REST client.
type ClientConfig struct {
	BaseURL string
	Timeout time.Duration
	RPS     float64
	Burst   int
}

// Client issues historical-klines requests guarded by a token-bucket rate
// limiter and a circuit breaker, so a struggling venue API degrades into
// fast-failing recovery cycles instead of piled-up timeouts.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// NewClient builds the guarded REST client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RPS <= 0 {
		cfg.RPS = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "historical-klines",
		MaxRequests: 2,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state change")
		},
	})

	return &Client{
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		breaker: breaker,
	}
}

// FetchRange requests closed candles for [startTime, endTime) and converts
// the venue's 12-tuple rows into canonical candles.
func (c *Client) FetchRange(ctx context.Context, symbol, interval string, startTime, endTime int64, limit int) ([]domain.Candle, error) {
	if limit <= 0 || limit > MaxKlineLimit {
		limit = MaxKlineLimit
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.fetch(ctx, symbol, interval, startTime, endTime, limit)
	})
	if err != nil {
		return nil, err
	}
	return result.([]domain.Candle), nil
}

func (c *Client) fetch(ctx context.Context, symbol, interval string, startTime, endTime int64, limit int) ([]domain.Candle, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", interval)
	q.Set("startTime", strconv.FormatInt(startTime, 10))
	q.Set("endTime", strconv.FormatInt(endTime, 10))
	q.Set("limit", strconv.Itoa(limit))

	reqURL := fmt.Sprintf("%s/api/v3/klines?%s", c.baseURL, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build klines request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("klines request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("klines request returned HTTP %d: %s", resp.StatusCode, string(body))
	}

	var rows [][]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("failed to decode klines response: %w", err)
	}

	candles := make([]domain.Candle, 0, len(rows))
	for i, row := range rows {
		candle, err := parseKlineRow(symbol, interval, row)
		if err != nil {
			return nil, fmt.Errorf("kline row %d: %w", i, err)
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

// parseKlineRow converts one 12-tuple:
// [openTime, o, h, l, c, v, closeTime, quoteVolume, trades, takerBuyBase, takerBuyQuote, ignore].
func parseKlineRow(symbol, interval string, row []json.RawMessage) (domain.Candle, error) {
	if len(row) < 11 {
		return domain.Candle{}, fmt.Errorf("expected 12 fields, got %d", len(row))
	}

	openTime, err := tupleInt(row[0])
	if err != nil {
		return domain.Candle{}, fmt.Errorf("openTime: %w", err)
	}
	closeTime, err := tupleInt(row[6])
	if err != nil {
		return domain.Candle{}, fmt.Errorf("closeTime: %w", err)
	}
	trades, err := tupleInt(row[8])
	if err != nil {
		return domain.Candle{}, fmt.Errorf("trades: %w", err)
	}

	floats := make([]float64, 0, 7)
	for _, idx := range []int{1, 2, 3, 4, 5, 9, 10} {
		v, err := tupleFloat(row[idx])
		if err != nil {
			return domain.Candle{}, fmt.Errorf("field %d: %w", idx, err)
		}
		floats = append(floats, v)
	}

	c := domain.Candle{
		Symbol:              symbol,
		Interval:            interval,
		OpenTime:            openTime,
		CloseTime:           closeTime,
		Open:                floats[0],
		High:                floats[1],
		Low:                 floats[2],
		Close:               floats[3],
		Volume:              floats[4],
		TradeCount:          trades,
		TakerBuyVolume:      floats[5],
		TakerBuyQuoteVolume: floats[6],
		IsClosed:            true,
		IngestionSource:     domain.SourceRESTBackfill,
	}
	return c, c.Validate()
}

// tupleInt reads a JSON number field as int64.
func tupleInt(raw json.RawMessage) (int64, error) {
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, err
	}
	f, err := n.Float64()
	if err != nil {
		return 0, err
	}
	return int64(f), nil
}

// tupleFloat reads a field that arrives either as a quoted decimal string or
// a bare number.
func tupleFloat(raw json.RawMessage) (float64, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strconv.ParseFloat(s, 64)
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, err
	}
	return f, nil
}
