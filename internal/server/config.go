package server

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/raysh454/snaptap/internal/capture"
	"github.com/raysh454/snaptap/internal/jobs"
	"github.com/raysh454/snaptap/internal/logging"
	"github.com/raysh454/snaptap/internal/store"
	"github.com/raysh454/snaptap/internal/webclient"
)

type Config struct {
	// ListenAddr is the HTTP listen address for the API server.
	ListenAddr string

	// Buffer is the capture buffer exposed under /captures. Required.
	Buffer *capture.Buffer

	// Store, when set, is exposed under /archive.
	Store *store.Store

	// Capturer, when set, enables POST /capture.
	Capturer webclient.Capturer

	// Jobs, when set, enables the asynchronous /jobs endpoints.
	Jobs *jobs.Orchestrator

	// Gatherer backs /metrics; defaults to the global registry.
	Gatherer prometheus.Gatherer

	Logger logging.Logger
}
