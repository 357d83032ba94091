package app

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/raysh454/snaptap/internal/capture"
	"github.com/raysh454/snaptap/internal/interceptor"
	"github.com/raysh454/snaptap/internal/webclient"
)

// EnvPrefix prefixes every environment variable read by LoadConfig, e.g.
// SNAPTAP_MARKER.
const EnvPrefix = "SNAPTAP"

// Config holds the runtime configuration. Values come from the environment
// and are then overridden by command-line flags.
type Config struct {
	// Marker is the URL substring that selects requests for capture.
	Marker string `envconfig:"MARKER" default:"upload?stylesnapToken"`

	// Global is the window property the page hook stores captures in.
	Global string `envconfig:"GLOBAL" default:"_interceptedStylesnapArr"`

	// ListenAddr is the API server address used in serve mode.
	ListenAddr string `envconfig:"LISTEN_ADDR" default:"127.0.0.1:8080"`

	// DBPath enables the SQLite archive when set.
	DBPath string `envconfig:"DB_PATH"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogDev    bool   `envconfig:"LOG_DEV" default:"false"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"zap"` // zap|json

	// Backend selects the web client used by fetch mode and by capture jobs.
	Backend    string `envconfig:"BACKEND" default:"chromedp"`
	Headless   bool   `envconfig:"HEADLESS" default:"true"`
	NetworkTap bool   `envconfig:"NETWORK_TAP" default:"false"`
	UserAgent  string `envconfig:"USER_AGENT"`

	// FetchConcurrency bounds parallel requests in fetch mode.
	FetchConcurrency int `envconfig:"FETCH_CONCURRENCY" default:"4"`

	Timeout      time.Duration `envconfig:"TIMEOUT" default:"30s"`
	IdleAfter    time.Duration `envconfig:"IDLE_AFTER" default:"2s"`
	PollInterval time.Duration `envconfig:"POLL_INTERVAL" default:"500ms"`
	MaxWait      time.Duration `envconfig:"MAX_WAIT" default:"20s"`
	MaxRetries   int           `envconfig:"MAX_RETRIES" default:"3"`
}

// LoadConfig reads the configuration from SNAPTAP_* environment variables.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultConfig returns a Config populated with the same defaults LoadConfig
// applies.
func DefaultConfig() *Config {
	return &Config{
		Marker:       capture.DefaultMarker,
		Global:       interceptor.DefaultGlobal,
		ListenAddr:   "127.0.0.1:8080",
		LogLevel:     "info",
		LogFormat:    "zap",
		Backend:      string(webclient.ClientChromedp),
		Headless:     true,
		Timeout:      webclient.DefaultTimeout,
		IdleAfter:    webclient.DefaultIdleAfter,
		PollInterval: webclient.DefaultPollInterval,
		MaxWait:      webclient.DefaultMaxWait,
		MaxRetries:   webclient.DefaultMaxRetries,

		FetchConcurrency: 4,
	}
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	if c.Marker == "" {
		return capture.ErrEmptyMarker
	}
	switch c.LogFormat {
	case "zap", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", c.LogFormat)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("config: max retries must be at least 1, got %d", c.MaxRetries)
	}
	if c.PollInterval <= 0 || c.MaxWait <= 0 {
		return fmt.Errorf("config: poll interval and max wait must be positive")
	}
	return nil
}

// WebClientConfig maps the runtime config onto a webclient.Config for the
// given backend.
func (c *Config) WebClientConfig(backend webclient.Client) webclient.Config {
	return webclient.Config{
		Client:       backend,
		Marker:       c.Marker,
		Global:       c.Global,
		Timeout:      c.Timeout,
		Headless:     c.Headless,
		NetworkTap:   c.NetworkTap,
		UserAgent:    c.UserAgent,
		IdleAfter:    c.IdleAfter,
		PollInterval: c.PollInterval,
		MaxWait:      c.MaxWait,
		MaxRetries:   c.MaxRetries,
	}
}
