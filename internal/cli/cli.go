package cli

import (
	"flag"
	"fmt"
	"io"
	"strings"
)

// Mode selects what a single run does.
type Mode string

const (
	// ModeCapture drives a browser until the page sends a matching upload.
	ModeCapture Mode = "capture"
	// ModeServe runs the HTTP API around the capture buffer.
	ModeServe Mode = "serve"
	// ModeFetch GETs every target URL through the capturing transport, a
	// bounded number at a time.
	ModeFetch Mode = "fetch"
)

// CLIArgs are the command-line arguments for one run. Empty string fields
// mean "use the configured value".
type CLIArgs struct {
	// Target is the page (capture) or URL (fetch) to load. In capture mode
	// with Image set it is the site origin.
	Target string

	// Extra holds positional arguments; fetch mode treats them as further
	// URLs.
	Extra []string

	// Image, when set, builds a stylesnap search URL from Target and Image.
	Image string

	Mode Mode

	Marker     string
	DBPath     string
	ListenAddr string

	// RawArgs is the original args slice (useful for debugging/tests).
	RawArgs []string
}

// ParseArgs parses a slice of args and returns CLIArgs. Use in tests by passing
// arbitrary slices. The function is deterministic and does not read os.Args.
func ParseArgs(args []string) (*CLIArgs, error) {
	fs := flag.NewFlagSet("snaptap", flag.ContinueOnError)
	var (
		target = fs.String("target", "", "Page or URL to load (required for capture and fetch)")
		image  = fs.String("image", "", "Image URL; with -target as origin, captures a stylesnap search")
		mode   = fs.String("mode", string(ModeCapture), "Run mode: capture|serve|fetch")
		marker = fs.String("marker", "", "URL substring to capture (default from SNAPTAP_MARKER)")
		dbPath = fs.String("db", "", "SQLite archive path (default from SNAPTAP_DB_PATH)")
		listen = fs.String("listen", "", "API listen address in serve mode (default from SNAPTAP_LISTEN_ADDR)")
	)

	// Ensure Parse doesn't write to stdout/stderr in tests
	fs.SetOutput(io.Discard)

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	m := Mode(strings.ToLower(strings.TrimSpace(*mode)))
	switch m {
	case ModeCapture, ModeFetch:
		if strings.TrimSpace(*target) == "" {
			return nil, fmt.Errorf("missing required -target argument for mode %s", m)
		}
	case ModeServe:
	default:
		return nil, fmt.Errorf("unknown -mode %q: want capture, serve or fetch", *mode)
	}
	if len(fs.Args()) > 0 && m != ModeFetch {
		return nil, fmt.Errorf("unexpected arguments %v: only -mode fetch takes several URLs", fs.Args())
	}
	if *image != "" && m != ModeCapture {
		return nil, fmt.Errorf("-image is only valid with -mode capture")
	}

	return &CLIArgs{
		Target:     strings.TrimSpace(*target),
		Image:      strings.TrimSpace(*image),
		Mode:       m,
		Marker:     *marker,
		DBPath:     *dbPath,
		ListenAddr: *listen,
		Extra:      fs.Args(),
		RawArgs:    args,
	}, nil
}

// Targets returns Target followed by any extra positional URLs.
func (a *CLIArgs) Targets() []string {
	out := make([]string, 0, 1+len(a.Extra))
	if a.Target != "" {
		out = append(out, a.Target)
	}
	return append(out, a.Extra...)
}
