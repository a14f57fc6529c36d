package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Env vars that override engine.min_confidence, in priority order.
const (
	EnvMinConfidence       = "CXRLENS_MIN_CONFIDENCE"
	EnvLegacyMinConfidence = "PNEUMONIA_MIN_CONFIDENCE"
)

// Config holds cxrlens configuration.
type Config struct {
	Engine      EngineConfig      `yaml:"engine"`
	Severity    SeverityConfig    `yaml:"severity"`
	Model       ModelConfig       `yaml:"model"`
	Attribution AttributionConfig `yaml:"attribution"`
	Overlay     OverlayConfig     `yaml:"overlay"`
	Audit       AuditConfig       `yaml:"audit"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Logging     LoggingConfig     `yaml:"logging"`
	Replay      ReplayConfig      `yaml:"replay"`
}

type EngineConfig struct {
	MinConfidence float64 `yaml:"min_confidence"` // [0.5, 0.95]
	// ForceNegativeZero pins the severity of a Normal decision to 0.
	ForceNegativeZero *bool `yaml:"force_negative_zero"`
}

// NegativeZero reports ForceNegativeZero, true when unset.
func (e EngineConfig) NegativeZero() bool {
	return e.ForceNegativeZero == nil || *e.ForceNegativeZero
}

type SeverityConfig struct {
	Profile         string             `yaml:"profile"` // default | calibrated | custom
	Weights         WeightsConfig      `yaml:"weights"`
	TypeMultipliers map[string]float64 `yaml:"type_multipliers"` // class label -> multiplier
}

type WeightsConfig struct {
	Mass    float64 `yaml:"mass"`
	Margin  float64 `yaml:"margin"`
	Entropy float64 `yaml:"entropy"`
}

type ModelConfig struct {
	Kind              string `yaml:"kind"` // native | onnx; empty means no classifier
	BundleDir         string `yaml:"bundle_dir"`
	InputSize         int    `yaml:"input_size"`
	Preprocess        string `yaml:"preprocess"` // mobilenet_v2 | resnet | unit; empty uses the bundle's
	MaxSessions       int    `yaml:"max_sessions"`
	IntraThreads      int    `yaml:"intra_threads"`
	InterThreads      int    `yaml:"inter_threads"`
	SharedLibraryPath string `yaml:"shared_library_path"`
}

// AttributionConfig overrides the layer names declared by the model bundle.
type AttributionConfig struct {
	Backbone  string `yaml:"backbone"`
	TapLayer  string `yaml:"tap_layer"`
	Pooling   string `yaml:"pooling"`
	Dropout   string `yaml:"dropout"`
	Dense     string `yaml:"dense"`
	CacheSize int    `yaml:"cache_size"`
	Workers   int    `yaml:"workers"`
}

type OverlayConfig struct {
	Mode       string  `yaml:"mode"` // jet | highlight
	Opacity    float64 `yaml:"opacity"`
	Percentile float64 `yaml:"percentile"`
}

type AuditConfig struct {
	Sinks           []AuditSinkConfig `yaml:"sinks"`
	QueueSize       int               `yaml:"queue_size"`
	Workers         int               `yaml:"workers"`
	ShutdownTimeout int               `yaml:"shutdown_timeout_ms"`
}

type AuditSinkConfig struct {
	Type       string            `yaml:"type"` // file_jsonl | webhook
	Path       string            `yaml:"path"`
	MaxSizeMB  int               `yaml:"max_size_mb"`
	MaxBackups int               `yaml:"max_backups"`
	MaxAgeDays int               `yaml:"max_age_days"`
	Compress   bool              `yaml:"compress"`
	URL        string            `yaml:"url"`
	Headers    map[string]string `yaml:"headers"`
	TimeoutMs  int               `yaml:"timeout_ms"`
}

type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Protocol string `yaml:"protocol"` // grpc | http
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // console | json
}

type ReplayConfig struct {
	DBPath string `yaml:"db_path"`
}

// Load reads configuration from a YAML file.
// If the file doesn't exist, it returns a default config and no error.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case !os.IsNotExist(err):
			return nil, err
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := defaultConfig()
	applyDefaults(cfg)
	return cfg
}

func defaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			MinConfidence: 0.65,
		},
		Severity: SeverityConfig{
			Profile: "default",
		},
		Model: ModelConfig{
			InputSize: 224,
		},
		Attribution: AttributionConfig{
			CacheSize: 128,
			Workers:   2,
		},
		Overlay: OverlayConfig{
			Mode:       "jet",
			Opacity:    0.35,
			Percentile: 85,
		},
		Audit: AuditConfig{
			QueueSize:       1000,
			Workers:         1,
			ShutdownTimeout: 2000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Replay: ReplayConfig{
			DBPath: "data/replay.db",
		},
	}
}

func applyEnv(cfg *Config) error {
	for _, key := range []string{EnvMinConfidence, EnvLegacyMinConfidence} {
		raw := strings.TrimSpace(os.Getenv(key))
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("%s=%q is not a number", key, raw)
		}
		cfg.Engine.MinConfidence = v
		return nil
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Engine.MinConfidence == 0 {
		cfg.Engine.MinConfidence = 0.65
	}
	if cfg.Severity.Profile == "" {
		cfg.Severity.Profile = "default"
	}

	if cfg.Model.InputSize <= 0 {
		cfg.Model.InputSize = 224
	}

	if cfg.Attribution.CacheSize < 0 {
		cfg.Attribution.CacheSize = 0
	}
	if cfg.Attribution.Workers <= 0 {
		cfg.Attribution.Workers = 2
	}

	if cfg.Overlay.Mode == "" {
		cfg.Overlay.Mode = "jet"
	}
	if cfg.Overlay.Opacity == 0 {
		if strings.EqualFold(cfg.Overlay.Mode, "highlight") {
			cfg.Overlay.Opacity = 0.45
		} else {
			cfg.Overlay.Opacity = 0.35
		}
	}
	if cfg.Overlay.Percentile == 0 {
		cfg.Overlay.Percentile = 85
	}

	if cfg.Audit.QueueSize <= 0 {
		cfg.Audit.QueueSize = 1000
	}
	if cfg.Audit.Workers <= 0 {
		cfg.Audit.Workers = 1
	}
	if cfg.Audit.ShutdownTimeout <= 0 {
		cfg.Audit.ShutdownTimeout = 2000
	}
	for i := range cfg.Audit.Sinks {
		if cfg.Audit.Sinks[i].MaxSizeMB <= 0 {
			cfg.Audit.Sinks[i].MaxSizeMB = 100
		}
	}

	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}
	if cfg.Replay.DBPath == "" {
		cfg.Replay.DBPath = "data/replay.db"
	}
}
