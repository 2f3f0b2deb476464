package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/quantpond/driftline/internal/label"
	"github.com/quantpond/driftline/internal/obs"
)

func newLabelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "label",
		Short: "Run one labeling pass over pending inferences",
		Long: `Resolves inference rows whose forward window has had time to form,
writing each realized bottom-event label exactly once.`,
		RunE: runLabel,
	}
}

func runLabel(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd.Flags())
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.close()

	labeler := label.New(st.inferences, st.candles, obs.NewMetrics(), labelerConfig(cfg))
	sum, err := labeler.Run(ctx)
	if err != nil {
		return err
	}

	log.Info().
		Int("candidates", sum.Candidates).
		Int("labeled", sum.Labeled).
		Int("positive", sum.Positive).
		Int("deferred", sum.Deferred).
		Int("skipped", sum.Skipped).
		Msg("Labeling pass complete")
	return nil
}
