package demoserver

import "time"

// Config holds configuration for the demo server.
type Config struct {
	// Port is the port on which the demo server listens.
	Port int

	// Transport picks how the page uploads: "fetch", "xhr" or "both".
	Transport string

	// UploadDelay is added before every upload response.
	UploadDelay time.Duration

	// BlockedUploads is how many uploads answer with an HTML robot check
	// before real JSON results are served.
	BlockedUploads int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Port:      9999,
		Transport: "both",
	}
}
