package webclient

import (
	"time"

	"github.com/raysh454/snaptap/internal/capture"
	"github.com/raysh454/snaptap/internal/logging"
	"github.com/raysh454/snaptap/internal/monitoring"
)

type Client string

const (
	ClientNetHTTP  Client = "nethttp"
	ClientChromedp Client = "chromedp"
)

// Config selects and tunes a backend. Zero durations and counts fall back to
// the defaults below.
type Config struct {
	Client Client

	// Marker is the URL substring to capture.
	Marker string

	// Global is the window property used by the page hook (chromedp only).
	Global string

	// Timeout bounds a whole net/http request.
	Timeout time.Duration

	// Headless runs the browser without a window.
	Headless bool

	// NetworkTap additionally records matching exchanges from DevTools
	// network events. Each request is then captured once per path.
	NetworkTap bool

	// UserAgent overrides the browser user agent when set.
	UserAgent string

	IdleAfter    time.Duration
	PollInterval time.Duration
	MaxWait      time.Duration
	MaxRetries   int
}

const (
	DefaultTimeout      = 30 * time.Second
	DefaultIdleAfter    = 2 * time.Second
	DefaultPollInterval = 500 * time.Millisecond
	DefaultMaxWait      = 20 * time.Second
	DefaultMaxRetries   = 3
)

func (c Config) withDefaults() Config {
	if c.Marker == "" {
		c.Marker = capture.DefaultMarker
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.IdleAfter <= 0 {
		c.IdleAfter = DefaultIdleAfter
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxWait <= 0 {
		c.MaxWait = DefaultMaxWait
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	return c
}

// Deps are the collaborators shared by every backend.
type Deps struct {
	// Sink receives every captured exchange. Required.
	Sink    capture.Sink
	Logger  logging.Logger
	Metrics *monitoring.Metrics
}

func (d Deps) logger() logging.Logger {
	if d.Logger == nil {
		return logging.Nop()
	}
	return d.Logger
}
