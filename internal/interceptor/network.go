package interceptor

import (
	"context"
	"sync"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/raysh454/snaptap/internal/capture"
	"github.com/raysh454/snaptap/internal/logging"
	"github.com/raysh454/snaptap/internal/monitoring"
)

// BodyFunc fetches the response body of a finished request.
type BodyFunc func(ctx context.Context, id network.RequestID) ([]byte, error)

// ChromeBody reads a response body over CDP. ctx must be a chromedp context.
func ChromeBody(ctx context.Context, id network.RequestID) ([]byte, error) {
	var body []byte
	err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		b, err := network.GetResponseBody(id).Do(ctx)
		if err != nil {
			return err
		}
		body = b
		return nil
	}))
	return body, err
}

// NetworkTap follows DevTools network events. The URL of a matching request
// is remembered when it is sent; once loading finishes the body is fetched
// and the exchange appended.
type NetworkTap struct {
	ctx     context.Context
	matcher capture.Matcher
	sink    capture.Sink
	body    BodyFunc
	logger  logging.Logger
	metrics *monitoring.Metrics

	mu      sync.Mutex
	pending map[network.RequestID]string
	wg      sync.WaitGroup
}

// NewNetworkTap builds a tap. A nil body defaults to ChromeBody and a nil
// logger discards output.
func NewNetworkTap(ctx context.Context, matcher capture.Matcher, sink capture.Sink, body BodyFunc, logger logging.Logger, metrics *monitoring.Metrics) *NetworkTap {
	if body == nil {
		body = ChromeBody
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &NetworkTap{
		ctx:     ctx,
		matcher: matcher,
		sink:    sink,
		body:    body,
		logger:  logger.With(logging.Field{Key: "tap", Value: "cdp"}),
		metrics: metrics,
		pending: make(map[network.RequestID]string),
	}
}

// Listen registers the tap on the chromedp target behind ctx.
func (t *NetworkTap) Listen(ctx context.Context) {
	chromedp.ListenTarget(ctx, t.Observe)
}

// Observe handles a single CDP event. It never blocks on I/O and is safe to
// use directly as a chromedp listener.
func (t *NetworkTap) Observe(ev any) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		if e.Request == nil {
			return
		}
		t.mu.Lock()
		if t.matcher.Match(e.Request.URL) {
			t.pending[e.RequestID] = e.Request.URL
		} else {
			// A redirect may move a tracked request off the marker.
			delete(t.pending, e.RequestID)
		}
		t.mu.Unlock()

	case *network.EventLoadingFailed:
		t.mu.Lock()
		delete(t.pending, e.RequestID)
		t.mu.Unlock()

	case *network.EventLoadingFinished:
		t.mu.Lock()
		url, ok := t.pending[e.RequestID]
		delete(t.pending, e.RequestID)
		t.mu.Unlock()
		if !ok {
			return
		}

		t.wg.Add(1)
		go func(id network.RequestID) {
			defer t.wg.Done()
			body, err := t.body(t.ctx, id)
			if err != nil {
				t.metrics.CaptureFailed(capture.SourceCDP)
				t.logger.Warn("get response body failed",
					logging.Field{Key: "url", Value: url},
					logging.Field{Key: "error", Value: err.Error()})
				return
			}
			t.sink.Append(capture.Exchange{URL: url, Body: string(body), Source: capture.SourceCDP})
			t.metrics.ExchangeCaptured(capture.SourceCDP)
		}(e.RequestID)
	}
}

// Pending returns how many matching requests are still in flight.
func (t *NetworkTap) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Wait blocks until every body fetch started so far has completed.
func (t *NetworkTap) Wait() {
	t.wg.Wait()
}
