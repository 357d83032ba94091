package webclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/raysh454/snaptap/internal/capture"
	"github.com/raysh454/snaptap/internal/interceptor"
	"github.com/raysh454/snaptap/internal/logging"
)

// NetHTTPClient is a net/http backed WebClient whose transport records
// matching exchanges.
type NetHTTPClient struct {
	client *http.Client
	logger logging.Logger
}

// NewNetHTTPClient wraps httpClient (or a default one) so that its transport
// captures matching exchanges into deps.Sink. httpClient itself is not
// modified.
func NewNetHTTPClient(cfg Config, deps Deps, httpClient *http.Client) (*NetHTTPClient, error) {
	cfg = cfg.withDefaults()
	if deps.Sink == nil {
		return nil, fmt.Errorf("nethttp webclient: sink is required")
	}
	matcher, err := capture.NewMatcher(cfg.Marker)
	if err != nil {
		return nil, err
	}

	componentLogger := deps.logger().With(logging.Field{Key: "backend", Value: "nethttp"})

	var c http.Client
	if httpClient != nil {
		c = *httpClient
	} else {
		c = http.Client{Timeout: cfg.Timeout}
	}
	if c.Jar == nil {
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, fmt.Errorf("create cookie jar: %w", err)
		}
		c.Jar = jar
	}
	c.Transport = &interceptor.Transport{
		Base:    c.Transport,
		Matcher: matcher,
		Sink:    deps.Sink,
		Logger:  componentLogger,
		Metrics: deps.Metrics,
	}

	componentLogger.Info("created nethttp webclient",
		logging.Field{Key: "timeout", Value: c.Timeout.String()},
		logging.Field{Key: "marker", Value: matcher.Marker()})

	return &NetHTTPClient{
		client: &c,
		logger: componentLogger,
	}, nil
}

// Do implements the generic request execution using net/http.
func (nhc *NetHTTPClient) Do(ctx context.Context, req *Request) (*Response, error) {
	if req == nil {
		return nil, ErrInvalidRequest
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	nhc.logger.Debug("sending http request",
		logging.Field{Key: "method", Value: method},
		logging.Field{Key: "url", Value: req.URL})

	var bodyReader io.Reader
	if len(req.Body) > 0 {
		bodyReader = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	for k, vs := range req.Headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := nhc.client.Do(httpReq)
	if err != nil {
		nhc.logger.Warn("http request failed",
			logging.Field{Key: "method", Value: method},
			logging.Field{Key: "url", Value: req.URL},
			logging.Field{Key: "error", Value: err.Error()})
		return nil, fmt.Errorf("http do: %w", err)
	}

	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		nhc.logger.Warn("failed to read response body",
			logging.Field{Key: "method", Value: method},
			logging.Field{Key: "url", Value: req.URL},
			logging.Field{Key: "error", Value: err.Error()})
		return nil, fmt.Errorf("read body: %w", err)
	}

	return &Response{
		Request:    req,
		Body:       body,
		Headers:    resp.Header,
		StatusCode: resp.StatusCode,
		FetchedAt:  time.Now(),
	}, nil
}

// Get is a convenience method for simple GET requests
func (nhc *NetHTTPClient) Get(ctx context.Context, url string) (*Response, error) {
	return nhc.Do(ctx, &Request{Method: http.MethodGet, URL: url})
}

func (nhc *NetHTTPClient) Close() error {
	nhc.logger.Info("closing nethttp webclient")
	nhc.client.CloseIdleConnections()
	return nil
}

// HTTPClient returns the wrapped *http.Client. Requests made through it are
// captured as well.
func (nhc *NetHTTPClient) HTTPClient() *http.Client {
	return nhc.client
}
