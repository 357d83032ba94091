package webclient

import (
	"context"
	"errors"

	"github.com/raysh454/snaptap/internal/capture"
)

var (
	ErrInvalidRequest     = errors.New("webclient: invalid request")
	ErrMethodNotSupported = errors.New("webclient: method not supported")

	// ErrNoCapture is returned when no JSON exchange was captured within the
	// configured wait and retry budget.
	ErrNoCapture = errors.New("webclient: no JSON exchange captured")
)

// WebClient performs requests while feeding matching exchanges to a sink.
type WebClient interface {
	Do(ctx context.Context, req *Request) (*Response, error)

	// Get is a convenience method for simple GET requests
	Get(ctx context.Context, url string) (*Response, error)

	Close() error
}

// Capturer drives a page until it has sent a matching request whose response
// body is JSON.
type Capturer interface {
	Capture(ctx context.Context, pageURL string) (capture.Exchange, error)
}
