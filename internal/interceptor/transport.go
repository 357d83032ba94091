package interceptor

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/raysh454/snaptap/internal/capture"
	"github.com/raysh454/snaptap/internal/logging"
	"github.com/raysh454/snaptap/internal/monitoring"
)

// Transport is an http.RoundTripper that records the response body of every
// request whose URL matches. The response handed back to the caller is the
// one Base returned; only its Body is wrapped so the bytes can be copied as
// the caller reads them.
type Transport struct {
	Base    http.RoundTripper
	Matcher capture.Matcher
	Sink    capture.Sink
	Logger  logging.Logger
	Metrics *monitoring.Metrics
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base().RoundTrip(req)
	if err != nil || resp == nil || t.Sink == nil {
		return resp, err
	}

	url := req.URL.String()
	if !t.Matcher.Match(url) {
		return resp, err
	}

	if resp.Body == nil {
		t.record(url, nil, nil)
		return resp, err
	}

	resp.Body = &teeBody{
		rc: resp.Body,
		done: func(body []byte, readErr error) {
			t.record(url, body, readErr)
		},
	}
	return resp, err
}

func (t *Transport) record(url string, body []byte, err error) {
	if err != nil {
		t.Metrics.CaptureFailed(capture.SourceTransport)
		if t.Logger != nil {
			t.Logger.Warn("exchange not captured",
				logging.Field{Key: "url", Value: url},
				logging.Field{Key: "error", Value: err.Error()})
		}
		return
	}
	t.Sink.Append(capture.Exchange{URL: url, Body: string(body), Source: capture.SourceTransport})
	t.Metrics.ExchangeCaptured(capture.SourceTransport)
	if t.Logger != nil {
		t.Logger.Debug("exchange captured",
			logging.Field{Key: "url", Value: url},
			logging.Field{Key: "bytes", Value: len(body)})
	}
}

// errClosedEarly is reported when the caller closes a matching body before
// reading it to EOF.
var errClosedEarly = errors.New("response body closed before EOF")

// teeBody copies everything read through it. done is called exactly once:
// with the complete body at EOF, or with an error on a read failure or an
// early Close.
type teeBody struct {
	rc   io.ReadCloser
	done func(body []byte, err error)

	mu       sync.Mutex
	buf      bytes.Buffer
	finished bool
}

func (b *teeBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finished {
		return n, err
	}
	b.buf.Write(p[:n])
	switch {
	case err == io.EOF:
		b.finishLocked(nil)
	case err != nil:
		b.finishLocked(err)
	}
	return n, err
}

// Close closes the underlying body and returns its error. A body closed
// before EOF is not captured.
func (b *teeBody) Close() error {
	err := b.rc.Close()

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.finished {
		b.finishLocked(errClosedEarly)
	}
	return err
}

func (b *teeBody) finishLocked(err error) {
	b.finished = true
	body := append([]byte(nil), b.buf.Bytes()...)
	b.buf.Reset()
	b.done(body, err)
}
