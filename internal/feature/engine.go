package feature

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/quantpond/driftline/internal/domain"
	"github.com/quantpond/driftline/internal/obs"
	"github.com/quantpond/driftline/internal/store"
)

// Engine computes and persists one feature snapshot per closed bar.
type Engine struct {
	candles    store.CandleStore
	features   store.FeatureStore
	sentiments store.SentimentStore
	metrics    *obs.Metrics

	lookbackBars int
	sentParams   SentimentParams

	// lastDone tracks the latest processed open_time per key. Only a fully
	// persisted run advances it, so a failed run is retried on the next tick.
	mu       sync.Mutex
	lastDone map[string]int64
}

// NewEngine builds a feature engine. sentiments may be nil to disable the
// sentiment join; metrics may be nil.
func NewEngine(candles store.CandleStore, features store.FeatureStore, sentiments store.SentimentStore, metrics *obs.Metrics, lookbackBars int, sentParams SentimentParams) *Engine {
	if lookbackBars < 51 {
		lookbackBars = 51
	}
	return &Engine{
		candles:      candles,
		features:     features,
		sentiments:   sentiments,
		metrics:      metrics,
		lookbackBars: lookbackBars,
		sentParams:   sentParams,
		lastDone:     make(map[string]int64),
	}
}

// ComputeAndStore derives one snapshot for the newest closed bar of
// (symbol, interval). Identical latest bars dedup to "unchanged"; any
// persistence failure leaves the dedup pointer untouched.
func (e *Engine) ComputeAndStore(ctx context.Context, symbol, interval string) domain.Envelope {
	env := e.computeAndStore(ctx, symbol, interval)
	if e.metrics != nil {
		e.metrics.FeatureRuns.WithLabelValues(env.Status).Inc()
	}
	return env
}

func (e *Engine) computeAndStore(ctx context.Context, symbol, interval string) domain.Envelope {
	rows, err := e.candles.FetchRecent(ctx, symbol, interval, e.lookbackBars)
	if err != nil {
		log.Error().Err(err).Str("symbol", symbol).Msg("Feature candle fetch failed")
		return domain.ErrEnvelope("candle_fetch_failed")
	}
	if len(rows) == 0 {
		return domain.Envelope{Status: domain.StatusNoData}
	}

	// Newest first from the store; the math wants ascending closes.
	latest := rows[0]
	closes := make([]float64, len(rows))
	for i, c := range rows {
		closes[len(rows)-1-i] = c.Close
	}

	key := symbol + "|" + interval
	if done, ok := e.lastProcessed(ctx, key, symbol, interval); ok && done == latest.OpenTime {
		return domain.Envelope{Status: domain.StatusUnchanged}
	}

	snap := domain.FeatureSnapshot{
		Symbol:    symbol,
		Interval:  interval,
		OpenTime:  latest.OpenTime,
		CloseTime: latest.CloseTime,
	}
	for name, v := range priceFeatures(closes) {
		snap.Put(name, v)
	}

	if e.sentiments != nil {
		if err := e.joinSentiment(ctx, &snap, symbol, latest.CloseTime); err != nil {
			log.Error().Err(err).Str("symbol", symbol).Msg("Sentiment join failed")
			return domain.ErrEnvelope("sentiment_fetch_failed")
		}
	}

	if _, err := e.features.UpsertSnapshot(ctx, snap); err != nil {
		log.Error().Err(err).
			Str("symbol", symbol).
			Int64("open_time", snap.OpenTime).
			Msg("Feature snapshot upsert failed")
		return domain.ErrEnvelope("snapshot_upsert_failed")
	}

	e.mu.Lock()
	e.lastDone[key] = latest.OpenTime
	e.mu.Unlock()

	return domain.OKEnvelope(map[string]any{
		"open_time": snap.OpenTime,
		"features":  len(snap.Features),
	})
}

// lastProcessed resolves the dedup pointer, falling back to the store on a
// cold start so a restart does not recompute the newest snapshot.
func (e *Engine) lastProcessed(ctx context.Context, key, symbol, interval string) (int64, bool) {
	e.mu.Lock()
	done, ok := e.lastDone[key]
	e.mu.Unlock()
	if ok {
		return done, true
	}

	stored, err := e.features.LatestOpenTime(ctx, symbol, interval)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Warn().Err(err).Str("symbol", symbol).Msg("Dedup pointer lookup failed")
		}
		return 0, false
	}
	e.mu.Lock()
	e.lastDone[key] = stored
	e.mu.Unlock()
	return stored, true
}

func (e *Engine) joinSentiment(ctx context.Context, snap *domain.FeatureSnapshot, symbol string, endMS int64) error {
	from := endMS - e.sentParams.LookbackMS
	ticks, err := e.sentiments.FetchRange(ctx, symbol, from, endMS)
	if err != nil {
		return fmt.Errorf("failed to fetch sentiment ticks: %w", err)
	}
	for name, v := range sentimentFeatures(ticks, endMS, e.sentParams) {
		snap.Put(name, v)
	}
	return nil
}
