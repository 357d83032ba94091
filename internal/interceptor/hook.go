// Package interceptor observes traffic to the capture endpoint on three
// paths: a script injected into the page that wraps fetch and
// XMLHttpRequest, an http.RoundTripper for Go clients, and a listener on
// Chrome DevTools network events. Every path forwards calls untouched and
// appends matching exchanges to a capture.Sink.
package interceptor

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/raysh454/snaptap/internal/capture"
)

// DefaultGlobal is the window property the page hook keeps its buffer in.
const DefaultGlobal = "_interceptedStylesnapArr"

//go:embed hook.js
var hookSource string

var hookTemplate = template.Must(template.New("hook").Parse(hookSource))

// HookOptions configures the page hook.
type HookOptions struct {
	// Marker is the URL substring to capture. Defaults to capture.DefaultMarker.
	Marker string

	// Global is the window property holding captured exchanges.
	// Defaults to DefaultGlobal.
	Global string
}

// Hook holds the rendered scripts for one marker/global pair.
type Hook struct {
	opts    HookOptions
	install string
	read    string
	clear   string
}

// NewHook renders the page scripts. Values are embedded as JSON string
// literals so any marker text is safe to inject.
func NewHook(opts HookOptions) (*Hook, error) {
	if opts.Marker == "" {
		opts.Marker = capture.DefaultMarker
	}
	if strings.TrimSpace(opts.Global) == "" {
		opts.Global = DefaultGlobal
	}

	marker, err := json.Marshal(opts.Marker)
	if err != nil {
		return nil, fmt.Errorf("encode marker: %w", err)
	}
	global, err := json.Marshal(opts.Global)
	if err != nil {
		return nil, fmt.Errorf("encode global: %w", err)
	}

	var sb strings.Builder
	if err := hookTemplate.Execute(&sb, struct{ Marker, Global string }{string(marker), string(global)}); err != nil {
		return nil, fmt.Errorf("render hook: %w", err)
	}

	return &Hook{
		opts:    opts,
		install: sb.String(),
		read:    fmt.Sprintf("(window[%s] || []).slice()", global),
		clear:   fmt.Sprintf("(function () { if (window[%[1]s]) { window[%[1]s] = []; } return true; })()", global),
	}, nil
}

// Options returns the effective options after defaults.
func (h *Hook) Options() HookOptions { return h.opts }

// InstallScript wraps fetch and XMLHttpRequest. Running it more than once in
// the same page is a no-op.
func (h *Hook) InstallScript() string { return h.install }

// ReadScript evaluates to a copy of the captured array, or [] when the hook
// is not installed.
func (h *Hook) ReadScript() string { return h.read }

// ClearScript empties the captured array in place of the old one.
func (h *Hook) ClearScript() string { return h.clear }
