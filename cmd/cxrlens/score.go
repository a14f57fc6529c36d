package main

import (
	"github.com/spf13/cobra"
)

func (a *app) scoreCmd() *cobra.Command {
	var (
		probs  string
		vitals vitalsFlags
	)
	cmd := &cobra.Command{
		Use:   "score",
		Short: "Correct, gate and grade one probability vector",
		Long: `Run the scoring path on raw classifier probabilities given in the order
NORMAL, BACTERIAL_PNEUMONIA, VIRAL_PNEUMONIA. No model is loaded.

Examples:
  cxrlens score --probs 0.1,0.1,0.8
  cxrlens score --probs 0.3,0.6,0.1 --min-confidence 0.5
  cxrlens score --probs 0.05,0.9,0.05 --age 71 --resp-rate 32`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := parseProbs(probs)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			b, err := a.engine(ctx, false)
			if err != nil {
				return err
			}
			defer b.Close(ctx)

			res, err := b.Score(ctx, raw)
			if err != nil {
				return err
			}
			v, ok := vitals.vitals(cmd)
			return writeJSON(cmd.OutOrStdout(), newDecisionOutput(res, v, ok))
		},
	}
	cmd.Flags().StringVar(&probs, "probs", "", "raw probabilities NORMAL,BACTERIAL,VIRAL")
	_ = cmd.MarkFlagRequired("probs")
	vitals.register(cmd)
	return cmd
}
