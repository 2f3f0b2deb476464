package backfill

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantpond/driftline/internal/broadcast"
	"github.com/quantpond/driftline/internal/domain"
	"github.com/quantpond/driftline/internal/obs"
	"github.com/quantpond/driftline/internal/store"
)

// GapMirror is the ingestor-owned in-memory gap list; the worker reports
// recoveries through it so the live view stays consistent with the store.
// A nil mirror is tolerated for one-shot CLI runs.
type GapMirror interface {
	Remove(id int64)
	UpdateRemaining(id, remaining, recovered int64)
}

// Outcome classifies one recovery pass over a segment.
type Outcome int

const (
	// OutcomeRecovered closed the segment completely.
	OutcomeRecovered Outcome = iota
	// OutcomePartial recovered some bars; the segment stays live.
	OutcomePartial
	// OutcomeNothing recovered no bars; the segment is retried later.
	OutcomeNothing
)

// Worker recovers bars for individual gap segments.
type Worker struct {
	source     HistoricalSource
	candles    store.CandleStore
	gaps       store.GapStore
	mirror     GapMirror
	publisher  broadcast.Broadcaster
	metrics    *obs.Metrics
	intervalMS int64
	maxBatch   int
}

// NewWorker builds a recovery worker. publisher and mirror may be nil.
func NewWorker(source HistoricalSource, candles store.CandleStore, gaps store.GapStore, mirror GapMirror, publisher broadcast.Broadcaster, metrics *obs.Metrics, intervalMS int64, maxBatch int) *Worker {
	if maxBatch <= 0 || maxBatch > MaxKlineLimit {
		maxBatch = MaxKlineLimit
	}
	return &Worker{
		source:     source,
		candles:    candles,
		gaps:       gaps,
		mirror:     mirror,
		publisher:  publisher,
		metrics:    metrics,
		intervalMS: intervalMS,
		maxBatch:   maxBatch,
	}
}

// Recover runs one bounded recovery pass over a segment: a single range
// request sized to the segment, filtered to the span, bulk-upserted, and the
// segment lifecycle advanced by what actually landed.
func (w *Worker) Recover(ctx context.Context, seg domain.GapSegment) (Outcome, error) {
	limit := int(seg.MissingBars) + 2
	if limit > w.maxBatch {
		limit = w.maxBatch
	}

	rows, err := w.source.FetchRange(ctx, seg.Symbol, seg.Interval,
		seg.FromOpenTime, seg.ToOpenTime+w.intervalMS, limit)
	if err != nil {
		if w.metrics != nil {
			w.metrics.BackfillRequests.WithLabelValues("error").Inc()
		}
		return OutcomeNothing, err
	}
	if w.metrics != nil {
		w.metrics.BackfillRequests.WithLabelValues("ok").Inc()
	}

	// The venue may return bars outside the inclusive span.
	inSpan := rows[:0]
	for _, c := range rows {
		if c.OpenTime >= seg.FromOpenTime && c.OpenTime <= seg.ToOpenTime {
			inSpan = append(inSpan, c)
		}
	}

	if len(inSpan) == 0 {
		if w.metrics != nil {
			w.metrics.ObserveRecovery(false, seg.DetectedAt)
		}
		return OutcomeNothing, nil
	}

	if err := w.candles.BulkUpsert(ctx, inSpan, domain.SourceRESTBackfill); err != nil {
		return OutcomeNothing, err
	}
	if w.metrics != nil {
		w.metrics.BarsUpserted.WithLabelValues(domain.SourceRESTBackfill).Add(float64(len(inSpan)))
	}

	recovered := int64(len(inSpan))
	outcome := OutcomePartial
	if recovered >= seg.RemainingBars {
		outcome = OutcomeRecovered
		if err := w.gaps.MarkRecovered(ctx, seg.ID); err != nil {
			return outcome, err
		}
		if w.mirror != nil {
			w.mirror.Remove(seg.ID)
		}
		if w.metrics != nil {
			w.metrics.ObserveRecovery(true, seg.DetectedAt)
		}
		log.Info().
			Str("symbol", seg.Symbol).
			Int64("segment_id", seg.ID).
			Int64("bars", recovered).
			Dur("mttr", time.Since(seg.DetectedAt)).
			Msg("Gap segment recovered")
	} else {
		remaining := seg.RemainingBars - recovered
		totalRecovered := seg.RecoveredBars + recovered
		if err := w.gaps.UpdateProgress(ctx, seg.ID, remaining, totalRecovered); err != nil {
			return outcome, err
		}
		if w.mirror != nil {
			w.mirror.UpdateRemaining(seg.ID, remaining, totalRecovered)
		}
		log.Info().
			Str("symbol", seg.Symbol).
			Int64("segment_id", seg.ID).
			Int64("bars", recovered).
			Int64("remaining", remaining).
			Msg("Gap segment partially recovered")
	}

	if w.publisher != nil {
		w.publisher.PublishRepair(ctx, broadcast.NewRepair(seg.Symbol, seg.Interval, inSpan, map[string]any{
			"segment_id": seg.ID,
			"recovered":  recovered,
		}))
	}
	return outcome, nil
}
