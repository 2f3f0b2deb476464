package main

import (
	"context"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/quantpond/driftline/internal/backfill"
	"github.com/quantpond/driftline/internal/broadcast"
	"github.com/quantpond/driftline/internal/config"
	"github.com/quantpond/driftline/internal/domain"
	"github.com/quantpond/driftline/internal/feature"
	"github.com/quantpond/driftline/internal/httpapi"
	"github.com/quantpond/driftline/internal/infer"
	"github.com/quantpond/driftline/internal/ingest"
	"github.com/quantpond/driftline/internal/label"
	"github.com/quantpond/driftline/internal/obs"
	"github.com/quantpond/driftline/internal/registry"
	"github.com/quantpond/driftline/internal/retrain"
	"github.com/quantpond/driftline/internal/store/hotcache"
	"github.com/quantpond/driftline/internal/train"
)

// hotWindowBars is how many recent closed bars the Redis hot cache keeps.
const hotWindowBars = 200

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the full pipeline daemon",
		Long: `Runs every component: stream ingestion with gap tracking, backfill
recovery, the feature scheduler, the labeling loop, the retrain
controller, model serving, and the ops HTTP surface.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd.Flags())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	intervalMS, err := domain.IntervalMS(cfg.Venue.Interval)
	if err != nil {
		return err
	}

	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.close()

	metrics := obs.NewMetrics()

	// Broadcast: the in-process WebSocket hub always runs; the Redis mirror is
	// best-effort and the daemon serves without it.
	hub := broadcast.NewHub()
	defer hub.Close()
	sinks := []broadcast.Broadcaster{hub}
	if cfg.Redis.Addr != "" {
		pub, err := broadcast.NewRedisPublisher(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.PubDB, cfg.Redis.Channel)
		if err != nil {
			log.Warn().Err(err).Msg("Redis repair publisher unavailable, continuing without it")
		} else {
			defer pub.Close()
			sinks = append(sinks, pub)
		}
	}
	fanout := broadcast.NewFanout(metrics, sinks...)

	var hot *hotcache.Cache
	if cfg.Redis.Addr != "" {
		hot, err = hotcache.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.CacheDB, cfg.Redis.CacheTTL())
		if err != nil {
			log.Warn().Err(err).Msg("Hot candle cache unavailable, continuing without it")
			hot = nil
		} else {
			defer hot.Close()
		}
	}

	// Ingestion.
	stream := ingest.NewWSStream(cfg.Venue.WSBaseURL, cfg.Venue.Symbol, cfg.Venue.Interval, cfg.Ingest.Heartbeat())
	ingestor := ingest.New(ingest.Config{
		Symbol:        cfg.Venue.Symbol,
		Interval:      cfg.Venue.Interval,
		IntervalMS:    intervalMS,
		BatchSize:     cfg.Ingest.BatchSize,
		FlushInterval: cfg.Ingest.FlushInterval(),
		MaxRetries:    cfg.Ingest.MaxRetries,
	}, stream, st.candles, st.gaps, metrics)
	if hot != nil {
		ingestor.OnFlush(hotWindowListener(hot, cfg.Venue.Symbol, cfg.Venue.Interval))
	}

	// Backfill.
	client := backfill.NewClient(backfill.ClientConfig{
		BaseURL: cfg.Venue.RESTBaseURL,
		Timeout: cfg.Backfill.RequestTimeout(),
		RPS:     cfg.Backfill.RPS,
		Burst:   cfg.Backfill.Burst,
	})
	worker := backfill.NewWorker(client, st.candles, st.gaps, ingestor.Tracker(), fanout, metrics, intervalMS, cfg.Backfill.MaxBatch)
	orchestrator := backfill.NewOrchestrator(st.gaps, worker, cfg.Venue.Symbol, cfg.Venue.Interval,
		cfg.Backfill.RescanInterval(), cfg.Backfill.Concurrency)

	// Features.
	engine := feature.NewEngine(st.candles, st.features, st.sentiments, metrics, cfg.Features.LookbackBars,
		feature.SentimentParams{
			StepMS:       cfg.Sentiment.StepMS(),
			LookbackMS:   int64(cfg.Sentiment.LookbackMin) * 60_000,
			EMAWindows:   cfg.Sentiment.EMAWindows,
			PosThreshold: cfg.Sentiment.PosThreshold,
		})
	universe, err := config.LoadUniverse(config.UniverseConfigPath(),
		config.UniversePair{Symbol: cfg.Venue.Symbol, Interval: cfg.Venue.Interval})
	if err != nil {
		return err
	}
	keys := make([]feature.Key, 0, len(universe.Pairs))
	for _, p := range universe.Pairs {
		keys = append(keys, feature.Key{Symbol: p.Symbol, Interval: p.Interval})
	}
	featureSched := feature.NewScheduler(engine, metrics, cfg.Features.SchedInterval(), keys)

	// Labeling.
	labeler := label.New(st.inferences, st.candles, metrics, labelerConfig(cfg))

	// Model serving. The retrain controller invalidates this cache on
	// promotion so the new production model is served immediately.
	models := registry.NewService(st.registry, metrics, cfg.Inference.ModelCacheTTL())
	defer models.Close()

	// Training and the retrain controller.
	trainer := train.NewService(st.features, st.candles, st.registry, st.jobs, metrics, trainConfig(cfg))

	var controller *retrain.Controller
	if cfg.Retrain.Enabled {
		req, err := trainRequest(cfg, intervalMS, false)
		if err != nil {
			return err
		}
		drift := retrain.NewDriftDetector(st.features, retrain.DriftConfig{
			Features:            cfg.Retrain.Features,
			Window:              cfg.Retrain.DriftWindow,
			Threshold:           cfg.Retrain.DriftThreshold,
			AggMode:             cfg.Retrain.AggMode,
			RequiredConsecutive: cfg.Retrain.RequiredConsecutive,
		})
		calib := retrain.NewCalibrationMonitor(st.inferences, st.registry, retrain.CalibrationConfig{
			ModelName:          cfg.Training.ModelName,
			ModelType:          cfg.Training.ModelType,
			AbsThreshold:       cfg.Retrain.CalibAbsThreshold,
			RelThreshold:       cfg.Retrain.CalibRelThreshold,
			MaxSamples:         cfg.Retrain.CalibWindow,
			CVDegradationRatio: cfg.Retrain.CVDegradationRatio,
		})
		gate := retrainGate(st, metrics, cfg)
		controller = retrain.NewController(st.locker, st.jobs, drift, calib, trainer, gate, metrics, retrain.ControllerConfig{
			Symbol:       cfg.Venue.Symbol,
			Interval:     cfg.Venue.Interval,
			LockKey:      cfg.Retrain.LockKey,
			EvalInterval: cfg.Retrain.EvalInterval(),
			MinInterval:  cfg.Retrain.MinInterval(),
			TrainRequest: req,
			AutoPromote:  true,
			RequireBoth:  cfg.Retrain.RequireBothSignals,
			OnPromoted:   models.Invalidate,
		})
	}

	// The decision path.
	decider := infer.NewEngine(models, st.features, st.inferences, metrics, infer.Config{
		ModelName:     cfg.Training.ModelName,
		ModelType:     cfg.Training.ModelType,
		Target:        cfg.Training.Target,
		ProbThreshold: cfg.Inference.ProbThreshold,
	})

	// Ops HTTP.
	srvCfg := httpapi.Config{
		ListenAddr: cfg.Ops.ListenAddr,
		Ingest:     ingestor,
		Backfill:   orchestrator,
		Models:     models,
		Hub:        hub,
		Metrics:    metrics,
		ModelName:  cfg.Training.ModelName,
		ModelType:  cfg.Training.ModelType,
	}
	if controller != nil {
		srvCfg.Retrain = controller
	}
	server := httpapi.NewServer(srvCfg)

	// Start everything.
	var wg sync.WaitGroup
	if cfg.Venue.IngestionEnabled {
		ingestor.Start(ctx)
		orchestrator.Start(ctx)
	} else {
		log.Info().Msg("Ingestion disabled, running analytics components only")
	}
	featureSched.Start(ctx)
	if controller != nil {
		controller.Start(ctx)
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		labeler.Loop(ctx, cfg.Features.SchedInterval())
	}()
	go func() {
		defer wg.Done()
		decisionLoop(ctx, decider, cfg)
	}()
	server.Start()

	log.Info().
		Str("symbol", cfg.Venue.Symbol).
		Str("interval", cfg.Venue.Interval).
		Str("addr", cfg.Ops.ListenAddr).
		Msg("Daemon running")

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}
	if controller != nil {
		controller.Stop()
	}
	featureSched.Stop()
	if cfg.Venue.IngestionEnabled {
		orchestrator.Stop()
		ingestor.Stop()
	}
	wg.Wait()

	log.Info().Msg("Daemon stopped")
	return nil
}

// hotWindowListener keeps a rolling window of flushed bars mirrored into the
// Redis hot cache. State lives in the closure; the flusher goroutine is the
// only caller.
func hotWindowListener(hot *hotcache.Cache, symbol, interval string) ingest.FlushListener {
	var window []domain.Candle
	return func(batch []domain.Candle) {
		window = append(window, batch...)
		if len(window) > hotWindowBars {
			window = window[len(window)-hotWindowBars:]
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := hot.PutRecent(ctx, symbol, interval, window); err != nil {
			log.Warn().Err(err).Msg("Hot cache update failed")
		}
	}
}

// decisionLoop scores the newest snapshot on the feature cadence. Quiet
// statuses (no model yet, no fresh snapshot) are expected during warm-up.
func decisionLoop(ctx context.Context, decider *infer.Engine, cfg *config.Config) {
	ticker := time.NewTicker(cfg.Features.SchedInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			res, env := decider.Predict(ctx, cfg.Venue.Symbol, cfg.Venue.Interval)
			switch env.Status {
			case domain.StatusOK:
				log.Info().
					Str("id", res.ID).
					Float64("probability", res.Probability).
					Int("decision", res.Decision).
					Str("model_version", res.ModelVersion).
					Msg("Inference recorded")
			case domain.StatusError:
				log.Warn().Str("reason", env.Reason).Msg("Inference failed")
			default:
				log.Debug().Str("status", env.Status).Str("reason", env.Reason).Msg("Inference skipped")
			}
		case <-ctx.Done():
			return
		}
	}
}
