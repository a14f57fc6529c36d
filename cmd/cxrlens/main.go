// Package main contains the cxrlens CLI commands.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/straja-ai/cxrlens/internal/config"
	"github.com/straja-ai/cxrlens/internal/diagnosis"
	"github.com/straja-ai/cxrlens/internal/xray"
)

var version = "dev"

// Exit codes beyond the generic failure.
const (
	exitInvalidInput  = 2
	exitConfiguration = 3
)

// app carries the state shared by every subcommand of one root command.
type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     *config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}
	root := &cobra.Command{
		Use:   "cxrlens",
		Short: "Chest X-ray diagnosis post-processing and Grad-CAM explanations",
		Long: `cxrlens corrects the class probabilities of a chest X-ray classifier, gates
low-confidence positives back to NORMAL, grades severity on a 0-10 scale and renders
Grad-CAM overlays showing where the model looked.

Configuration is read from --config (YAML). Flags and CXRLENS_* environment
variables override file values, e.g. CXRLENS_MODEL_BUNDLE_DIR.`,
		SilenceUsage:      true,
		PersistentPreRunE: a.initConfig,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "cxrlens.yaml", "config file")
	pf.String("log-level", "info", "log level (debug, info, warn, error)")
	pf.String("log-format", "console", "log format (console, json)")
	pf.Float64("min-confidence", 0.65, "confidence gate threshold in [0.5, 0.95]")

	_ = a.v.BindPFlag("logging.level", pf.Lookup("log-level"))
	_ = a.v.BindPFlag("logging.format", pf.Lookup("log-format"))
	_ = a.v.BindPFlag("engine.min_confidence", pf.Lookup("min-confidence"))

	root.AddCommand(a.scoreCmd())
	root.AddCommand(a.diagnoseCmd())
	root.AddCommand(a.explainCmd())
	root.AddCommand(a.replayCmd())
	root.AddCommand(versionCmd())
	return root
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		slog.Info("received interrupt signal, shutting down")
		cancel()
	}()

	err := newRootCmd().ExecuteContext(ctx)
	cancel()

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, xray.ErrConfiguration):
		return exitConfiguration
	case errors.Is(err, xray.ErrInvalidInput):
		return exitInvalidInput
	default:
		return 1
	}
}

func (a *app) initConfig(cmd *cobra.Command, _ []string) error {
	a.v.SetEnvPrefix("CXRLENS")
	a.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	a.v.AutomaticEnv()

	cfg, err := config.Load(a.cfgFile)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	a.applyOverrides(cfg)
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("%w: %v", xray.ErrConfiguration, err)
	}
	a.cfg = cfg

	if err := setupLogging(cfg.Logging, cmd.ErrOrStderr()); err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	return nil
}

// applyOverrides layers explicitly set flags and CXRLENS_* variables over the file.
func (a *app) applyOverrides(cfg *config.Config) {
	strs := map[string]*string{
		"logging.level":    &cfg.Logging.Level,
		"logging.format":   &cfg.Logging.Format,
		"model.kind":       &cfg.Model.Kind,
		"model.bundle_dir": &cfg.Model.BundleDir,
		"severity.profile": &cfg.Severity.Profile,
		"overlay.mode":     &cfg.Overlay.Mode,
		"replay.db_path":   &cfg.Replay.DBPath,
	}
	for key, dst := range strs {
		if a.v.IsSet(key) {
			*dst = a.v.GetString(key)
		}
	}
	if a.v.IsSet("engine.min_confidence") {
		cfg.Engine.MinConfidence = a.v.GetFloat64("engine.min_confidence")
	}
}

func setupLogging(lc config.LoggingConfig, w io.Writer) error {
	var level slog.Level
	switch strings.ToLower(lc.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return fmt.Errorf("invalid log level: %s", lc.Level)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(lc.Format) {
	case "console":
		handler = slog.NewTextHandler(w, opts)
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		return fmt.Errorf("invalid log format: %s", lc.Format)
	}

	slog.SetDefault(slog.New(handler))
	return nil
}

// engine builds an engine from the loaded config. Without withModel the model
// section is ignored and the engine can only score probability vectors.
func (a *app) engine(ctx context.Context, withModel bool) (*diagnosis.Built, error) {
	cfg := *a.cfg
	if !withModel {
		cfg.Model.Kind = ""
	}
	b, err := diagnosis.FromConfig(ctx, &cfg, slog.Default(), version)
	if err != nil {
		return nil, err
	}
	if withModel && b.Model == nil {
		b.Close(ctx)
		return nil, xray.Misconfigured("cli", "no model configured; set model.kind and model.bundle_dir")
	}
	return b, nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "cxrlens %s\n", version)
		},
	}
}
