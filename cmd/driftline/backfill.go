package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/quantpond/driftline/internal/backfill"
	"github.com/quantpond/driftline/internal/domain"
	"github.com/quantpond/driftline/internal/obs"
)

func newBackfillCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Run one recovery pass over the open gap segments",
		Long: `Loads the open and partial gap segments for the configured market and
runs a single recovery pass over each, oldest first. Meant for
catching up after downtime without starting the full daemon.`,
		RunE: runBackfill,
	}
	cmd.Flags().Int("max-segments", 0, "Stop after this many segments (0 = all)")
	return cmd
}

func runBackfill(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd.Flags())
	if err != nil {
		return err
	}
	maxSegments, _ := cmd.Flags().GetInt("max-segments")

	ctx := cmd.Context()
	intervalMS, err := domain.IntervalMS(cfg.Venue.Interval)
	if err != nil {
		return err
	}

	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.close()

	client := backfill.NewClient(backfill.ClientConfig{
		BaseURL: cfg.Venue.RESTBaseURL,
		Timeout: cfg.Backfill.RequestTimeout(),
		RPS:     cfg.Backfill.RPS,
		Burst:   cfg.Backfill.Burst,
	})
	worker := backfill.NewWorker(client, st.candles, st.gaps, nil, nil, obs.NewMetrics(), intervalMS, cfg.Backfill.MaxBatch)

	segments, err := st.gaps.OpenSegments(ctx, cfg.Venue.Symbol, cfg.Venue.Interval)
	if err != nil {
		return fmt.Errorf("failed to load open segments: %w", err)
	}
	if len(segments) == 0 {
		log.Info().Msg("No open gap segments")
		return nil
	}
	if maxSegments > 0 && len(segments) > maxSegments {
		segments = segments[:maxSegments]
	}

	var recovered, partial, untouched int
	for _, seg := range segments {
		outcome, err := worker.Recover(ctx, seg)
		if err != nil {
			log.Warn().Err(err).Int64("segment_id", seg.ID).Msg("Recovery pass failed")
			continue
		}
		switch outcome {
		case backfill.OutcomeRecovered:
			recovered++
		case backfill.OutcomePartial:
			partial++
		default:
			untouched++
		}
	}

	log.Info().
		Int("segments", len(segments)).
		Int("recovered", recovered).
		Int("partial", partial).
		Int("untouched", untouched).
		Msg("Backfill pass complete")
	return nil
}
