package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/straja-ai/cxrlens/internal/diagnosis"
	"github.com/straja-ai/cxrlens/internal/replay"
)

func (a *app) replayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Record and re-run regression cases for the scoring path",
		Long: `Replay keeps a set of raw probability vectors with their recorded decisions in
the SQLite database at replay.db_path and reports any drift after a configuration
or code change.`,
	}
	cmd.AddCommand(a.replayRecordCmd())
	cmd.AddCommand(a.replayRunCmd())
	cmd.AddCommand(a.replayHistoryCmd())
	return cmd
}

func (a *app) replayRecordCmd() *cobra.Command {
	var (
		fixture string
		write   bool
	)
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Score fixture cases and store the outcomes as expectations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			f, err := replay.LoadFixture(fixture)
			if err != nil {
				return err
			}
			base, err := diagnosis.OptionsFromConfig(a.cfg)
			if err != nil {
				return err
			}

			bar := newBar(cmd.ErrOrStderr(), len(f.Cases), "recording")
			cases, err := replay.Record(ctx, f.Cases, base, func(replay.Case, bool) { _ = bar.Add(1) })
			if err != nil {
				return err
			}

			store, err := replay.NewStore(a.cfg.Replay.DBPath)
			if err != nil {
				return fmt.Errorf("failed to open replay database: %w", err)
			}
			defer closeStore(store)
			if err := store.SaveCases(ctx, cases); err != nil {
				return err
			}
			if write {
				f.Cases = cases
				if err := replay.WriteFixture(fixture, f); err != nil {
					return err
				}
			}
			slog.Info("replay cases recorded", "cases", len(cases), "rewrote_fixture", write)
			fmt.Fprintf(cmd.OutOrStdout(), "recorded %d cases\n", len(cases))
			return nil
		},
	}
	cmd.Flags().StringVar(&fixture, "fixture", "", "fixture JSON file")
	cmd.Flags().BoolVar(&write, "write", false, "rewrite the fixture file with the recorded expectations")
	_ = cmd.MarkFlagRequired("fixture")
	return cmd
}

func (a *app) replayRunCmd() *cobra.Command {
	var (
		fixture string
		noSave  bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Re-score recorded cases and report drift",
		Long: `Re-score the cases of --fixture, or every stored case when no fixture is given,
and compare class, override, gating and severity with the recording. The command
fails when any case drifted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := replay.NewStore(a.cfg.Replay.DBPath)
			if err != nil {
				return fmt.Errorf("failed to open replay database: %w", err)
			}
			defer closeStore(store)

			var cases []replay.Case
			if fixture != "" {
				f, err := replay.LoadFixture(fixture)
				if err != nil {
					return err
				}
				cases = f.Cases
			} else if cases, err = store.ListCases(ctx); err != nil {
				return err
			}
			if len(cases) == 0 {
				return errors.New("no replay cases; record some with 'cxrlens replay record'")
			}

			base, err := diagnosis.OptionsFromConfig(a.cfg)
			if err != nil {
				return err
			}
			bar := newBar(cmd.ErrOrStderr(), len(cases), "replaying")
			rep, err := replay.Run(ctx, cases, base, func(replay.Case, bool) { _ = bar.Add(1) })
			if err != nil {
				return err
			}
			if !noSave {
				if err := store.SaveRun(ctx, rep); err != nil {
					return err
				}
			}
			if err := writeJSON(cmd.OutOrStdout(), rep); err != nil {
				return err
			}
			if !rep.OK() {
				return fmt.Errorf("replay: %d of %d cases drifted", rep.Failed, rep.Total)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&fixture, "fixture", "", "fixture JSON file (default: stored cases)")
	cmd.Flags().BoolVar(&noSave, "no-save", false, "do not append the report to the run history")
	return cmd
}

func (a *app) replayHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past replay runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := replay.NewStore(a.cfg.Replay.DBPath)
			if err != nil {
				return fmt.Errorf("failed to open replay database: %w", err)
			}
			defer closeStore(store)

			runs, err := store.Runs(cmd.Context(), limit)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, r := range runs {
				fmt.Fprintf(w, "%s  %s  total=%d passed=%d failed=%d\n",
					r.StartedAt.Format("2006-01-02 15:04:05"), r.ID, r.Total, r.Passed, r.Failed)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to list")
	return cmd
}

func newBar(w io.Writer, n int, desc string) *progressbar.ProgressBar {
	return progressbar.NewOptions(n,
		progressbar.OptionSetWriter(w),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetDescription(desc),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprintln(w)
		}),
	)
}

func closeStore(s *replay.Store) {
	if err := s.Close(); err != nil {
		slog.Error("failed to close replay database", "error", err)
	}
}
