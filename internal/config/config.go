package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const envPrefix = "CASTSESSION"

// Config holds runtime settings loaded from CASTSESSION_* environment variables.
type Config struct {
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// Path to the mpv binary driving the local backend.
	MPVPath string `envconfig:"MPV_PATH" default:"mpv"`

	CastConnectAttempts uint          `envconfig:"CAST_CONNECT_ATTEMPTS" default:"3"`
	CastConnectBackoff  time.Duration `envconfig:"CAST_CONNECT_BACKOFF" default:"120ms"`
	CastPollInterval    time.Duration `envconfig:"CAST_POLL_INTERVAL" default:"1s"`

	AdFetchTimeout     time.Duration `envconfig:"AD_FETCH_TIMEOUT" default:"8s"`
	AdFetchRetries     int           `envconfig:"AD_FETCH_RETRIES" default:"2"`
	AdProgressInterval time.Duration `envconfig:"AD_PROGRESS_INTERVAL" default:"250ms"`

	// Maximum timeupdate notifications per second relayed to the client.
	EventRate float64 `envconfig:"EVENT_RATE" default:"4"`

	DiscoveryTimeoutMS int `envconfig:"DISCOVERY_TIMEOUT_MS" default:"2500"`
	DispatchQueue      int `envconfig:"DISPATCH_QUEUE" default:"256"`
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, err
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	if strings.TrimSpace(cfg.MPVPath) == "" {
		return fmt.Errorf("%s_MPV_PATH is required", envPrefix)
	}
	if cfg.CastConnectAttempts == 0 {
		return fmt.Errorf("%s_CAST_CONNECT_ATTEMPTS must be greater than 0", envPrefix)
	}
	if cfg.CastPollInterval <= 0 {
		return fmt.Errorf("%s_CAST_POLL_INTERVAL must be positive", envPrefix)
	}
	if cfg.AdFetchTimeout <= 0 {
		return fmt.Errorf("%s_AD_FETCH_TIMEOUT must be positive", envPrefix)
	}
	if cfg.AdFetchRetries < 0 {
		return fmt.Errorf("%s_AD_FETCH_RETRIES must not be negative", envPrefix)
	}
	if cfg.AdProgressInterval <= 0 {
		return fmt.Errorf("%s_AD_PROGRESS_INTERVAL must be positive", envPrefix)
	}
	if cfg.EventRate <= 0 {
		return fmt.Errorf("%s_EVENT_RATE must be positive", envPrefix)
	}
	if cfg.DiscoveryTimeoutMS < 100 {
		return fmt.Errorf("%s_DISCOVERY_TIMEOUT_MS must be at least 100", envPrefix)
	}
	if cfg.DispatchQueue <= 0 {
		return fmt.Errorf("%s_DISPATCH_QUEUE must be positive", envPrefix)
	}
	return nil
}

// ParseLogLevel maps a level name to a slog level. Unknown values fall back to
// info and report false.
func ParseLogLevel(raw string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "info":
		return slog.LevelInfo, true
	case "debug":
		return slog.LevelDebug, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

// NewLogger builds the JSON logger used by every component and returns the
// level it was built with. An unknown level is reported once through the
// logger itself.
func (c *Config) NewLogger(w io.Writer) (*slog.Logger, slog.Level) {
	level, ok := ParseLogLevel(c.LogLevel)
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	if !ok {
		logger.Warn("invalid_log_level",
			slog.String("env", envPrefix+"_LOG_LEVEL"),
			slog.String("value", c.LogLevel),
			slog.String("using", level.String()),
		)
	}
	return logger, level
}
