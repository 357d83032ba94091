package fetcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/raysh454/snaptap/internal/logging"
	"github.com/raysh454/snaptap/internal/webclient"
)

// Module: fetcher
// Issues GETs for many URLs through a capturing WebClient. Matching exchanges
// reach the client's sink; the fetcher only reports per-URL outcomes.
type Fetcher struct {
	MaxConcurrency int
	wc             webclient.WebClient
	logger         logging.Logger
}

// Result is the outcome of one URL.
type Result struct {
	URL        string `json:"url"`
	StatusCode int    `json:"status_code,omitempty"`
	Err        error  `json:"-"`
	Error      string `json:"error,omitempty"`
}

// New creates a new Fetcher with the given webclient and logger.
func New(cfg Config, wc webclient.WebClient, logger logging.Logger) (*Fetcher, error) {
	if wc == nil {
		return nil, fmt.Errorf("fetcher: webclient is nil")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = 1
	}
	return &Fetcher{
		MaxConcurrency: cfg.MaxConcurrency,
		wc:             wc,
		logger:         logger,
	}, nil
}

// Fetch GETs every URL and returns one Result per URL, in input order. URLs
// not yet started when ctx ends are reported with ctx's error.
func (f *Fetcher) Fetch(ctx context.Context, pageURLs []string) []Result {
	results := make([]Result, len(pageURLs))

	var wg sync.WaitGroup
	sem := make(chan struct{}, f.MaxConcurrency)

	for i, pageURL := range pageURLs {
		results[i].URL = pageURL
		if err := ctx.Err(); err != nil {
			results[i].setErr(err)
			continue
		}

		select {
		case <-ctx.Done():
			results[i].setErr(ctx.Err())
			continue
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(i int, pageURL string) {
			defer wg.Done()
			defer func() { <-sem }()

			resp, err := f.HTTPGet(ctx, pageURL)
			if err != nil {
				f.logger.Error("error while fetching page",
					logging.Field{Key: "url", Value: pageURL},
					logging.Field{Key: "error", Value: err})
				results[i].setErr(err)
				return
			}
			results[i].StatusCode = resp.StatusCode
		}(i, pageURL)
	}

	wg.Wait()
	return results
}

func (r *Result) setErr(err error) {
	r.Err = err
	r.Error = err.Error()
}

// HTTPGet makes a GET request for page through the capturing client.
func (f *Fetcher) HTTPGet(ctx context.Context, page string) (*webclient.Response, error) {
	resp, err := f.wc.Get(ctx, page)
	if err != nil {
		return nil, fmt.Errorf("error GETting %s: %w", page, err)
	}
	return resp, nil
}
