package webclient

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/raysh454/snaptap/internal/capture"
	"github.com/raysh454/snaptap/internal/interceptor"
	"github.com/raysh454/snaptap/internal/logging"
)

// ChromeDPClient drives a real browser. The page hook is registered before
// every navigation so fetch and XMLHttpRequest traffic to the marker is
// recorded inside the page, then read back by polling.
type ChromeDPClient struct {
	cfg     Config
	deps    Deps
	hook    *interceptor.Hook
	matcher capture.Matcher
	logger  logging.Logger

	allocCtx    context.Context
	allocCancel context.CancelFunc
}

// NewChromeDPClient prepares a browser allocator. The browser itself starts
// lazily on the first Do or Capture.
func NewChromeDPClient(cfg Config, deps Deps, opts ...chromedp.ExecAllocatorOption) (*ChromeDPClient, error) {
	cfg = cfg.withDefaults()
	if deps.Sink == nil {
		return nil, fmt.Errorf("chromedp webclient: sink is required")
	}
	matcher, err := capture.NewMatcher(cfg.Marker)
	if err != nil {
		return nil, err
	}
	hook, err := interceptor.NewHook(interceptor.HookOptions{Marker: cfg.Marker, Global: cfg.Global})
	if err != nil {
		return nil, fmt.Errorf("build page hook: %w", err)
	}

	allocOpts := make([]chromedp.ExecAllocatorOption, 0, len(chromedp.DefaultExecAllocatorOptions)+8)
	allocOpts = append(allocOpts, chromedp.DefaultExecAllocatorOptions[:]...)
	allocOpts = append(allocOpts,
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if !cfg.Headless {
		allocOpts = append(allocOpts, chromedp.Flag("headless", false))
	}
	if cfg.UserAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(cfg.UserAgent))
	}
	allocOpts = append(allocOpts, opts...)

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)

	logger := deps.logger().With(logging.Field{Key: "backend", Value: "chromedp"})
	logger.Debug("created chromedp webclient",
		logging.Field{Key: "idle_after", Value: cfg.IdleAfter.String()},
		logging.Field{Key: "marker", Value: matcher.Marker()},
		logging.Field{Key: "headless", Value: cfg.Headless})

	return &ChromeDPClient{
		cfg:         cfg,
		deps:        deps,
		hook:        hook,
		matcher:     matcher,
		logger:      logger,
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// pageLoad tracks one tab: the main document response and, when enabled,
// what the network tap recorded.
type pageLoad struct {
	mu      sync.Mutex
	status  int
	headers http.Header

	tap    *interceptor.NetworkTap
	tapped *capture.Buffer
}

func (pl *pageLoad) observe(ev any) {
	e, ok := ev.(*network.EventResponseReceived)
	if !ok || e.Type != network.ResourceTypeDocument || e.Response == nil {
		return
	}
	pl.mu.Lock()
	defer pl.mu.Unlock()
	if pl.status != 0 {
		return
	}
	pl.status = int(e.Response.Status)
	pl.headers = make(http.Header, len(e.Response.Headers))
	for k, v := range e.Response.Headers {
		pl.headers.Set(k, fmt.Sprint(v))
	}
}

func (pl *pageLoad) document() (int, http.Header) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return pl.status, pl.headers
}

func waitNetworkIdle(ctx context.Context, idleAfter time.Duration) <-chan struct{} {
	idleChan := make(chan struct{})
	var activeReqs int32
	var timer *time.Timer
	var timerMutex sync.Mutex
	var once sync.Once

	startTimer := func() {
		timerMutex.Lock()
		defer timerMutex.Unlock()

		if timer != nil {
			timer.Stop()
		}

		timer = time.AfterFunc(idleAfter, func() {
			if atomic.LoadInt32(&activeReqs) <= 0 {
				once.Do(func() { close(idleChan) })
			}
		})
	}

	chromedp.ListenTarget(ctx, func(ev any) {
		switch ev.(type) {
		case *network.EventRequestWillBeSent:
			atomic.AddInt32(&activeReqs, 1)
		case *network.EventLoadingFinished, *network.EventLoadingFailed:
			if atomic.AddInt32(&activeReqs, -1) <= 0 {
				startTimer()
			}
		}
	})

	return idleChan
}

// newTab opens a browser tab that is torn down when ctx ends or the returned
// cancel is called.
func (c *ChromeDPClient) newTab(ctx context.Context) (context.Context, context.CancelFunc) {
	tabCtx, cancel := chromedp.NewContext(c.allocCtx)
	stop := context.AfterFunc(ctx, cancel)
	return tabCtx, func() {
		stop()
		cancel()
	}
}

// load registers the hook, navigates and waits for the network to settle or
// MaxWait to pass.
func (c *ChromeDPClient) load(tabCtx context.Context, pageURL string) (*pageLoad, error) {
	pl := &pageLoad{}
	chromedp.ListenTarget(tabCtx, pl.observe)

	if c.cfg.NetworkTap {
		pl.tapped = capture.NewBuffer()
		pl.tap = interceptor.NewNetworkTap(tabCtx, c.matcher, capture.Tee(c.deps.Sink, pl.tapped), nil, c.logger, c.deps.Metrics)
		pl.tap.Listen(tabCtx)
	}

	idle := waitNetworkIdle(tabCtx, c.cfg.IdleAfter)

	c.logger.Info("loading page", logging.Field{Key: "url", Value: pageURL})
	err := chromedp.Run(tabCtx,
		network.Enable(),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(c.hook.InstallScript()).Do(ctx)
			return err
		}),
		chromedp.Navigate(pageURL),
	)
	if err != nil {
		return pl, fmt.Errorf("navigate %s: %w", pageURL, err)
	}

	timer := time.NewTimer(c.cfg.MaxWait)
	defer timer.Stop()
	select {
	case <-idle:
	case <-timer.C:
		c.logger.Debug("network did not go idle", logging.Field{Key: "url", Value: pageURL})
	case <-tabCtx.Done():
		return pl, tabCtx.Err()
	}
	return pl, nil
}

// readPage returns the exchanges the page hook has recorded so far, tagged
// with SourcePage.
func (c *ChromeDPClient) readPage(tabCtx context.Context) ([]capture.Exchange, error) {
	var out []capture.Exchange
	if err := chromedp.Run(tabCtx, chromedp.Evaluate(c.hook.ReadScript(), &out)); err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Source = capture.SourcePage
	}
	return out, nil
}

func (c *ChromeDPClient) sink(ex capture.Exchange) {
	c.deps.Sink.Append(ex)
	c.deps.Metrics.ExchangeCaptured(ex.Source)
	c.logger.Debug("exchange captured",
		logging.Field{Key: "url", Value: ex.URL},
		logging.Field{Key: "source", Value: string(ex.Source)})
}

// poll reads the page buffer every PollInterval for up to MaxWait. New
// entries go to the sink; the first JSON body ends the round.
func (c *ChromeDPClient) poll(tabCtx context.Context, pl *pageLoad) (capture.Exchange, bool, error) {
	deadline := time.NewTimer(c.cfg.MaxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	seen, tappedSeen := 0, 0
	started := time.Now()
	lastReport := time.Duration(0)
	for {
		var fresh []capture.Exchange

		exs, err := c.readPage(tabCtx)
		if err != nil {
			if tabCtx.Err() != nil {
				return capture.Exchange{}, false, tabCtx.Err()
			}
			// The execution context disappears while the page navigates.
			c.logger.Debug("reading page buffer failed", logging.Field{Key: "error", Value: err.Error()})
		} else if len(exs) > seen {
			fresh = exs[seen:]
			seen = len(exs)
			for _, ex := range fresh {
				c.sink(ex)
			}
		}
		if pl.tapped != nil {
			more := pl.tapped.Since(tappedSeen)
			tappedSeen += len(more)
			fresh = append(fresh, more...)
		}

		if ex, ok := capture.FirstJSON(fresh); ok {
			return ex, true, nil
		}
		if len(fresh) > 0 {
			c.logger.Warn("captured response is not JSON", logging.Field{Key: "count", Value: len(fresh)})
		}

		if waited := time.Since(started); waited-lastReport >= 5*time.Second {
			lastReport = waited
			c.logger.Info("still waiting for a JSON exchange", logging.Field{Key: "waited", Value: waited.Round(time.Second).String()})
		}

		select {
		case <-tabCtx.Done():
			return capture.Exchange{}, false, tabCtx.Err()
		case <-deadline.C:
			return capture.Exchange{}, false, nil
		case <-ticker.C:
		}
	}
}

// Capture loads pageURL and waits for a matching exchange with a JSON body.
// When a round of MaxWait passes without one the page is reloaded, up to
// MaxRetries rounds in total. The hook is installed on every new document,
// so each round starts from an empty page buffer. Only the page is
// reloaded; intercepted requests are never replayed.
func (c *ChromeDPClient) Capture(ctx context.Context, pageURL string) (capture.Exchange, error) {
	tabCtx, cancel := c.newTab(ctx)
	defer cancel()

	pl, err := c.load(tabCtx, pageURL)
	if pl.tap != nil {
		defer pl.tap.Wait()
	}
	if err != nil {
		return capture.Exchange{}, err
	}

	for round := 1; round <= c.cfg.MaxRetries; round++ {
		ex, ok, err := c.poll(tabCtx, pl)
		if err != nil {
			return capture.Exchange{}, err
		}
		if ok {
			c.logger.Info("captured JSON exchange",
				logging.Field{Key: "url", Value: ex.URL},
				logging.Field{Key: "round", Value: round})
			return ex, nil
		}
		if round == c.cfg.MaxRetries {
			break
		}

		c.logger.Info("no JSON exchange captured, reloading page",
			logging.Field{Key: "url", Value: pageURL},
			logging.Field{Key: "round", Value: round})
		if err := chromedp.Run(tabCtx, chromedp.Reload()); err != nil {
			return capture.Exchange{}, fmt.Errorf("reload %s: %w", pageURL, err)
		}
	}

	c.logger.Warn("giving up on page", logging.Field{Key: "url", Value: pageURL}, logging.Field{Key: "rounds", Value: c.cfg.MaxRetries})
	return capture.Exchange{}, ErrNoCapture
}

// Do renders req.URL and returns its HTML. Exchanges recorded while the page
// loaded are forwarded to the sink. Only GET is supported.
func (c *ChromeDPClient) Do(ctx context.Context, req *Request) (*Response, error) {
	if req == nil {
		return nil, ErrInvalidRequest
	}
	method := strings.ToUpper(req.Method)
	if method != "" && method != http.MethodGet {
		return nil, fmt.Errorf("%w: %s", ErrMethodNotSupported, method)
	}

	tabCtx, cancel := c.newTab(ctx)
	defer cancel()

	pl, err := c.load(tabCtx, req.URL)
	if pl.tap != nil {
		defer pl.tap.Wait()
	}
	if err != nil {
		return nil, err
	}

	var html string
	if err := chromedp.Run(tabCtx, chromedp.OuterHTML("html", &html)); err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}

	if exs, err := c.readPage(tabCtx); err == nil {
		for _, ex := range exs {
			c.sink(ex)
		}
	}

	status, headers := pl.document()
	return &Response{
		Request:    req,
		Body:       []byte(html),
		Headers:    headers,
		StatusCode: status,
		FetchedAt:  time.Now(),
	}, nil
}

// Get is a convenience method for simple GET requests
func (c *ChromeDPClient) Get(ctx context.Context, url string) (*Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodGet, URL: url})
}

func (c *ChromeDPClient) Close() error {
	c.allocCancel()
	return nil
}
