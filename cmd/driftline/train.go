package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/quantpond/driftline/internal/domain"
	"github.com/quantpond/driftline/internal/obs"
	"github.com/quantpond/driftline/internal/train"
)

func newTrainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Run one training job and register the result",
		Long: `Assembles the dataset from stored feature snapshots, runs time-ordered
cross-validation and the hold-out fit, and registers the artifact as a
staging model. Promotion stays with the retrain controller unless
--promote is set.`,
		RunE: runTrain,
	}
	cmd.Flags().Bool("with-sentiment", false, "Include sentiment features in the dataset")
	cmd.Flags().Int("window-bars", 0, "Snapshots considered, newest backwards (0 = default)")
	cmd.Flags().Bool("promote", false, "Run the promotion gate on the trained model")
	return cmd
}

func runTrain(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd.Flags())
	if err != nil {
		return err
	}
	withSentiment, _ := cmd.Flags().GetBool("with-sentiment")
	windowBars, _ := cmd.Flags().GetInt("window-bars")
	promote, _ := cmd.Flags().GetBool("promote")

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

	req, err := trainRequest(cfg, intervalMS, withSentiment)
	if err != nil {
		return err
	}
	if windowBars > 0 {
		req.WindowBars = windowBars
	}

	metrics := obs.NewMetrics()
	svc := train.NewService(st.features, st.candles, st.registry, st.jobs, metrics, trainConfig(cfg))
	env := svc.Run(ctx, req)

	switch env.Status {
	case domain.StatusOK:
		log.Info().Fields(env.Detail).Msg("Training complete")
	case domain.StatusError:
		return fmt.Errorf("training failed: %s", env.Reason)
	default:
		log.Warn().Str("status", env.Status).Str("reason", env.Reason).Fields(env.Detail).Msg("Training skipped")
		return nil
	}

	if !promote {
		return nil
	}
	modelID, ok := env.Detail["model_id"].(int64)
	if !ok {
		return fmt.Errorf("training result carried no model id")
	}

	gate := retrainGate(st, metrics, cfg)
	result, err := gate.Evaluate(ctx, modelID)
	if err != nil {
		return fmt.Errorf("promotion gate failed: %w", err)
	}
	if result.Promoted {
		log.Info().Int64("model_id", modelID).Msg("Model promoted to production")
	} else {
		log.Info().Int64("model_id", modelID).Str("reason", result.Reason).Msg("Promotion rejected")
	}
	return nil
}
