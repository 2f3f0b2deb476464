package label

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantpond/driftline/internal/domain"
	"github.com/quantpond/driftline/internal/obs"
	"github.com/quantpond/driftline/internal/store"
)

// Config tunes the batch labeling loop.
type Config struct {
	Params     Params
	MinAge     time.Duration // forward window must have had time to form
	BatchLimit int
	Slack      int // extra bars fetched past L per group
}

// Summary reports one labeling pass.
type Summary struct {
	Candidates int `json:"candidates"`
	Labeled    int `json:"labeled"`
	Positive   int `json:"positive"`
	Deferred   int `json:"deferred"`
	Skipped    int `json:"skipped"` // already labeled by a concurrent writer
}

// Labeler resolves pending inference rows in batches.
type Labeler struct {
	inferences store.InferenceLog
	candles    store.CandleStore
	metrics    *obs.Metrics
	cfg        Config
}

// New builds a labeler. metrics may be nil.
func New(inferences store.InferenceLog, candles store.CandleStore, metrics *obs.Metrics, cfg Config) *Labeler {
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 500
	}
	if cfg.Slack < 0 {
		cfg.Slack = 0
	}
	return &Labeler{inferences: inferences, candles: candles, metrics: metrics, cfg: cfg}
}

type groupKey struct {
	symbol   string
	interval string
	target   string
}

// Run executes one labeling pass: fetch candidates past min_age, group them
// by (symbol, interval, target), evaluate each group against one shared
// candle window, and write resolved labels. Already-labeled rows are never
// overwritten.
func (l *Labeler) Run(ctx context.Context) (Summary, error) {
	var sum Summary

	candidates, err := l.inferences.Candidates(ctx, l.cfg.MinAge, l.cfg.BatchLimit)
	if err != nil {
		return sum, fmt.Errorf("failed to fetch label candidates: %w", err)
	}
	sum.Candidates = len(candidates)
	if len(candidates) == 0 {
		return sum, nil
	}

	groups := make(map[groupKey][]domain.InferenceRecord)
	for _, rec := range candidates {
		key := groupKey{symbol: rec.Symbol, interval: rec.Interval, target: rec.Target()}
		groups[key] = append(groups[key], rec)
	}

	for key, recs := range groups {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		if err := l.labelGroup(ctx, key, recs, &sum); err != nil {
			log.Warn().Err(err).
				Str("symbol", key.symbol).
				Str("target", key.target).
				Msg("Label group failed")
		}
	}

	if l.metrics != nil && sum.Labeled > 0 {
		l.metrics.LabelsWritten.Add(float64(sum.Labeled))
	}
	if sum.Labeled > 0 || sum.Deferred > 0 {
		log.Info().
			Int("labeled", sum.Labeled).
			Int("positive", sum.Positive).
			Int("deferred", sum.Deferred).
			Msg("Labeling pass complete")
	}
	return sum, nil
}

// labelGroup fetches one ascending candle window covering every candidate in
// the group plus L+slack bars of forward room, then resolves each row.
func (l *Labeler) labelGroup(ctx context.Context, key groupKey, recs []domain.InferenceRecord, sum *Summary) error {
	intervalMS, err := domain.IntervalMS(key.interval)
	if err != nil {
		return err
	}

	earliest, latest := recs[0].CreatedAt, recs[0].CreatedAt
	for _, rec := range recs[1:] {
		if rec.CreatedAt.Before(earliest) {
			earliest = rec.CreatedAt
		}
		if rec.CreatedAt.After(latest) {
			latest = rec.CreatedAt
		}
	}

	forward := int64(l.cfg.Params.Lookahead+l.cfg.Slack+1) * intervalMS
	from := earliest.UnixMilli() - intervalMS
	to := latest.UnixMilli() + forward

	candles, err := l.candles.FetchRange(ctx, key.symbol, key.interval, from, to)
	if err != nil {
		return fmt.Errorf("failed to fetch label window: %w", err)
	}

	for _, rec := range recs {
		outcome := BottomEvent(candles, rec.CreatedAt, l.cfg.Params)
		if outcome == OutcomeDeferred {
			sum.Deferred++
			continue
		}
		wrote, err := l.inferences.SetLabel(ctx, rec.ID, outcome.Label())
		if err != nil {
			return fmt.Errorf("failed to write label for %s: %w", rec.ID, err)
		}
		if !wrote {
			sum.Skipped++
			continue
		}
		sum.Labeled++
		if outcome == OutcomePositive {
			sum.Positive++
		}
	}
	return nil
}

// Loop runs labeling passes on a fixed period until the context ends.
func (l *Labeler) Loop(ctx context.Context, period time.Duration) {
	if period <= 0 {
		period = time.Minute
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := l.Run(ctx); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("Labeling pass failed")
			}
		case <-ctx.Done():
			return
		}
	}
}
