// Package ingest consumes the live candle stream, batches closed bars into
// the candle store, and tracks the gaps the stream leaves behind.
package ingest

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantpond/driftline/internal/domain"
	"github.com/quantpond/driftline/internal/obs"
	"github.com/quantpond/driftline/internal/store"
)

// FlushListener receives each batch of just-persisted closed bars.
// Invocations are best-effort: a panicking or slow listener must not stall
// ingestion, so listeners run on the flusher goroutine and should return fast.
type FlushListener func(candles []domain.Candle)

// Status is a point-in-time view of the ingestor.
type Status struct {
	Running            bool  `json:"running"`
	BufferSize         int   `json:"buffer_size"`
	LastMessageTS      int64 `json:"last_message_ts"`
	LastClosedOpenTime int64 `json:"last_closed_open_time"`
	Reconnects         int64 `json:"reconnects"`
	OpenGapSegments    int   `json:"open_gap_segments"`
	FlushErrors        int64 `json:"flush_errors"`
}

// Config tunes one ingestor instance.
type Config struct {
	Symbol        string
	Interval      string
	IntervalMS    int64
	BatchSize     int
	FlushInterval time.Duration
	MaxRetries    int // reconnect attempts; 0 = infinite
}

// Ingestor runs the stream read loop and the buffer/flush pipeline for one
// (symbol, interval). A single goroutine owns the buffer and all tracker
// mutation; the read loop only forwards messages to it.
type Ingestor struct {
	cfg     Config
	stream  Stream
	candles store.CandleStore
	gaps    store.GapStore
	tracker *Tracker
	metrics *obs.Metrics

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	listeners []FlushListener

	lastMessageTS int64
	reconnects    int64
	flushErrors   int64
	bufferLen     int
}

// New builds an ingestor. The gap store may be shared with the backfill side;
// the tracker is created here and exposed via Tracker() for the recovery
// workers' in-memory mirror updates.
func New(cfg Config, stream Stream, candles store.CandleStore, gaps store.GapStore, metrics *obs.Metrics) *Ingestor {
	return &Ingestor{
		cfg:     cfg,
		stream:  stream,
		candles: candles,
		gaps:    gaps,
		tracker: NewTracker(cfg.Symbol, cfg.Interval, cfg.IntervalMS),
		metrics: metrics,
	}
}

// Tracker exposes the in-memory gap owner for the backfill workers.
func (in *Ingestor) Tracker() *Tracker {
	return in.tracker
}

// OnFlush registers a listener fired with each persisted batch. Listeners
// registered after Start still receive subsequent flushes.
func (in *Ingestor) OnFlush(fn FlushListener) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.listeners = append(in.listeners, fn)
}

// Start launches the read and process loops. Calling Start on a running
// ingestor is a no-op.
func (in *Ingestor) Start(ctx context.Context) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.running {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	in.cancel = cancel
	in.running = true

	in.hydrate(runCtx)

	msgCh := make(chan KlineMessage, in.cfg.BatchSize*2)

	in.wg.Add(2)
	go in.readLoop(runCtx, msgCh)
	go in.processLoop(runCtx, msgCh)

	log.Info().
		Str("symbol", in.cfg.Symbol).
		Str("interval", in.cfg.Interval).
		Msg("Ingestor started")
}

// Stop cancels the loops and waits for the final drain. Idempotent.
func (in *Ingestor) Stop() {
	in.mu.Lock()
	if !in.running {
		in.mu.Unlock()
		return
	}
	in.running = false
	cancel := in.cancel
	in.mu.Unlock()

	cancel()
	// Closing the stream unblocks a read loop parked inside Read.
	in.stream.Close()
	in.wg.Wait()

	log.Info().Str("symbol", in.cfg.Symbol).Msg("Ingestor stopped")
}

// Status returns a snapshot of the ingestor's counters.
func (in *Ingestor) Status() Status {
	in.mu.Lock()
	defer in.mu.Unlock()
	return Status{
		Running:            in.running,
		BufferSize:         in.bufferLen,
		LastMessageTS:      in.lastMessageTS,
		LastClosedOpenTime: in.tracker.Frontier(),
		Reconnects:         in.reconnects,
		OpenGapSegments:    in.tracker.OpenCount(),
		FlushErrors:        in.flushErrors,
	}
}

// Gaps returns the tracked in-memory gap segments.
func (in *Ingestor) Gaps() []domain.GapSegment {
	return in.tracker.Snapshot()
}

// hydrate loads persisted open segments into the tracker exactly once.
func (in *Ingestor) hydrate(ctx context.Context) {
	segments, err := in.gaps.OpenSegments(ctx, in.cfg.Symbol, in.cfg.Interval)
	if err != nil {
		log.Warn().Err(err).Msg("Gap hydration failed, starting with empty mirror")
		return
	}
	in.tracker.Hydrate(segments)
	if in.metrics != nil {
		in.metrics.OpenGapSegments.Set(float64(in.tracker.OpenCount()))
	}
}

// readLoop owns the connection: dial, read, and reconnect with capped
// exponential backoff plus jitter. maxRetries == 0 retries forever.
func (in *Ingestor) readLoop(ctx context.Context, msgCh chan<- KlineMessage) {
	defer in.wg.Done()
	defer close(msgCh)

	const backoffCap = 30 * time.Second
	attempt := 0

	for ctx.Err() == nil {
		if err := in.stream.Connect(ctx); err != nil {
			attempt++
			if !in.sleepBackoff(ctx, attempt, backoffCap, err) {
				return
			}
			continue
		}
		attempt = 0

		for ctx.Err() == nil {
			msg, err := in.stream.Read()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				attempt++
				if !in.sleepBackoff(ctx, attempt, backoffCap, err) {
					return
				}
				break
			}
			attempt = 0

			select {
			case msgCh <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

// sleepBackoff counts a reconnect, sleeps the capped exponential delay, and
// reports whether the loop should keep trying.
func (in *Ingestor) sleepBackoff(ctx context.Context, attempt int, maxDelay time.Duration, cause error) bool {
	in.mu.Lock()
	in.reconnects++
	in.mu.Unlock()
	if in.metrics != nil {
		in.metrics.Reconnects.Inc()
	}

	if in.cfg.MaxRetries > 0 && attempt > in.cfg.MaxRetries {
		log.Error().Err(cause).Int("attempts", attempt).Msg("Stream retries exhausted")
		return false
	}

	delay := time.Second << uint(attempt-1)
	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}
	delay += time.Duration(rand.Int63n(int64(time.Second)))

	log.Warn().Err(cause).Dur("backoff", delay).Int("attempt", attempt).Msg("Stream reconnecting")

	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

// processLoop owns the buffer and the gap tracker. It flushes on batch size
// or the flush interval, and drains once more on cancellation.
func (in *Ingestor) processLoop(ctx context.Context, msgCh <-chan KlineMessage) {
	defer in.wg.Done()

	buffer := make([]domain.Candle, 0, in.cfg.BatchSize)
	ticker := time.NewTicker(in.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func(fctx context.Context) {
		if len(buffer) == 0 {
			return
		}
		if err := in.flush(fctx, buffer); err != nil {
			// Bars stay buffered; the next tick retries.
			in.mu.Lock()
			in.flushErrors++
			in.mu.Unlock()
			in.metrics.RecordFlushError()
			return
		}
		buffer = buffer[:0]
		in.setBufferLen(0)
	}

	for {
		select {
		case msg, ok := <-msgCh:
			if !ok {
				flush(context.Background())
				return
			}
			if c, accepted := in.handleMessage(ctx, msg); accepted {
				buffer = append(buffer, c)
				in.setBufferLen(len(buffer))
				if len(buffer) >= in.cfg.BatchSize {
					flush(ctx)
				}
			}

		case <-ticker.C:
			flush(ctx)

		case <-ctx.Done():
			// Final drain with a fresh bounded context; the run context is
			// already cancelled.
			drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			flush(drainCtx)
			cancel()
			return
		}
	}
}

// handleMessage applies one stream message: every message stamps
// last_message_ts, only closed bars are buffered and accounted. Late fills
// bypass the buffer and are persisted immediately with their own source.
func (in *Ingestor) handleMessage(ctx context.Context, msg KlineMessage) (domain.Candle, bool) {
	in.mu.Lock()
	in.lastMessageTS = time.Now().UnixMilli()
	in.mu.Unlock()

	if !msg.Kline.Closed {
		return domain.Candle{}, false
	}

	o := in.tracker.ObserveClosed(msg.Kline.OpenTime)
	switch o.Kind {
	case ObsNewGap:
		in.persistGap(ctx, *o.Gap)
		c, err := msg.Kline.Candle(domain.SourceWSLive)
		if err != nil {
			log.Warn().Err(err).Msg("Dropping malformed closed bar")
			return domain.Candle{}, false
		}
		return c, true

	case ObsLateFill:
		in.handleLateFill(ctx, msg.Kline)
		return domain.Candle{}, false

	default:
		c, err := msg.Kline.Candle(domain.SourceWSLive)
		if err != nil {
			log.Warn().Err(err).Msg("Dropping malformed closed bar")
			return domain.Candle{}, false
		}
		return c, true
	}
}

// persistGap writes a detected segment fire-and-forget: a storage failure is
// logged and counted, never blocks ingestion.
func (in *Ingestor) persistGap(ctx context.Context, gap domain.GapSegment) {
	if in.metrics != nil {
		in.metrics.GapsDetected.Inc()
		in.metrics.OpenGapSegments.Set(float64(in.tracker.OpenCount()))
	}

	id, err := in.gaps.InsertDetected(ctx, gap)
	if err != nil {
		log.Warn().Err(err).
			Int64("from", gap.FromOpenTime).
			Int64("to", gap.ToOpenTime).
			Msg("Failed to persist detected gap")
		return
	}
	gap.ID = id
	in.tracker.Track(gap)

	log.Info().
		Str("symbol", gap.Symbol).
		Int64("from", gap.FromOpenTime).
		Int64("to", gap.ToOpenTime).
		Int64("missing_bars", gap.MissingBars).
		Msg("Gap detected")
}

// handleLateFill upserts the bar with the late source and mirrors the
// tracker's segment adjustment into the gap store.
func (in *Ingestor) handleLateFill(ctx context.Context, k Kline) {
	if in.metrics != nil {
		in.metrics.LateFills.Inc()
	}

	c, err := k.Candle(domain.SourceWSLate)
	if err != nil {
		log.Warn().Err(err).Msg("Dropping malformed late bar")
		return
	}
	if err := in.candles.UpsertOne(ctx, c); err != nil {
		log.Warn().Err(err).Int64("open_time", c.OpenTime).Msg("Late fill upsert failed")
		return
	}
	if in.metrics != nil {
		in.metrics.BarsUpserted.WithLabelValues(domain.SourceWSLate).Inc()
	}

	res := in.tracker.ApplyLateFill(k.OpenTime)
	switch res.Action {
	case LateNoMatch:
		return

	case LateRecovered:
		if err := in.gaps.MarkRecovered(ctx, res.SegmentID); err != nil {
			log.Warn().Err(err).Int64("segment_id", res.SegmentID).Msg("Failed to mark gap recovered")
		}

	case LateDecrement:
		if err := in.gaps.UpdateProgress(ctx, res.SegmentID, res.Remaining, res.Recovered); err != nil {
			log.Warn().Err(err).Int64("segment_id", res.SegmentID).Msg("Failed to update gap progress")
		}

	case LateSplit:
		if in.metrics != nil {
			in.metrics.SegmentSplits.Inc()
		}
		leftID, rightID, err := in.gaps.ReplaceSplit(ctx, res.SegmentID, res.Left, res.Right)
		if err != nil {
			log.Warn().Err(err).Int64("segment_id", res.SegmentID).Msg("Failed to persist gap split")
			break
		}
		// Stamp the persisted ids onto the tracker's mirror copies.
		res.Left.ID = leftID
		res.Right.ID = rightID
		in.tracker.Track(res.Left)
		in.tracker.Track(res.Right)
	}

	if in.metrics != nil {
		in.metrics.OpenGapSegments.Set(float64(in.tracker.OpenCount()))
	}
}

// flush persists one batch atomically and fires listeners on success.
func (in *Ingestor) flush(ctx context.Context, batch []domain.Candle) error {
	if err := in.candles.BulkUpsert(ctx, batch, domain.SourceWSLive); err != nil {
		return err
	}
	if in.metrics != nil {
		in.metrics.BarsUpserted.WithLabelValues(domain.SourceWSLive).Add(float64(len(batch)))
	}

	in.mu.Lock()
	listeners := make([]FlushListener, len(in.listeners))
	copy(listeners, in.listeners)
	in.mu.Unlock()

	persisted := make([]domain.Candle, len(batch))
	copy(persisted, batch)
	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Msg("Flush listener panicked")
				}
			}()
			fn(persisted)
		}()
	}
	return nil
}

func (in *Ingestor) setBufferLen(n int) {
	in.mu.Lock()
	in.bufferLen = n
	in.mu.Unlock()
	if in.metrics != nil {
		in.metrics.BufferSize.Set(float64(n))
	}
}
