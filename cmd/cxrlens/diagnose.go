package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/straja-ai/cxrlens/internal/diagnosis"
	"github.com/straja-ai/cxrlens/internal/preprocess"
	"github.com/straja-ai/cxrlens/internal/redact"
)

func (a *app) diagnoseCmd() *cobra.Command {
	var (
		images []string
		vitals vitalsFlags
	)
	cmd := &cobra.Command{
		Use:   "diagnose",
		Short: "Classify radiographs and print the post-processed decision",
		Long: `Load the configured model, classify each --image and print the corrected,
gated and graded decision as JSON.

Examples:
  cxrlens diagnose --config cxrlens.yaml --image chest.png
  cxrlens diagnose --image a.png --image b.jpg --age 70 --confusion`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			b, err := a.engine(ctx, true)
			if err != nil {
				return err
			}
			defer b.Close(ctx)

			v, ok := vitals.vitals(cmd)
			outputs := make([]decisionOutput, 0, len(images))
			for _, path := range images {
				x, _, err := preprocess.File(path, b.Model.Preprocess)
				if err != nil {
					return err
				}
				res, err := b.Diagnose(diagnosis.WithSource(ctx, path), x)
				if err != nil {
					return fmt.Errorf("%s: %w", redact.Path(path), err)
				}
				out := newDecisionOutput(res, v, ok)
				out.Source = redact.Path(path)
				outputs = append(outputs, out)
			}
			if len(outputs) == 1 {
				return writeJSON(cmd.OutOrStdout(), outputs[0])
			}
			return writeJSON(cmd.OutOrStdout(), outputs)
		},
	}
	cmd.Flags().StringArrayVar(&images, "image", nil, "radiograph to classify (repeatable)")
	_ = cmd.MarkFlagRequired("image")
	vitals.register(cmd)
	return cmd
}
