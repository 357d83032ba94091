package interceptor

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raysh454/snaptap/internal/capture"
	"github.com/raysh454/snaptap/internal/monitoring"
	"github.com/raysh454/snaptap/internal/testutil"
)

func newUploadServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/upload", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Token", r.URL.Query().Get("stylesnapToken"))
		fmt.Fprint(w, "ok")
	})
	mux.HandleFunc("/other", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "other")
	})
	mux.HandleFunc("/big", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, strings.Repeat("x", 64*1024))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newCaptureClient(buf *capture.Buffer, marker string) *http.Client {
	m, _ := capture.NewMatcher(marker)
	return &http.Client{Transport: &Transport{
		Matcher: m,
		Sink:    buf,
		Logger:  &testutil.DummyLogger{},
	}}
}

func TestTransport_CapturesMatchingExchange(t *testing.T) {
	srv := newUploadServer(t)
	buf := capture.NewBuffer()
	client := newCaptureClient(buf, capture.DefaultMarker)

	url := srv.URL + "/upload?stylesnapToken=abc"
	resp, err := client.Get(url)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	assert.Equal(t, "ok", string(body))
	assert.Equal(t, "abc", resp.Header.Get("X-Token"))
	assert.Equal(t, []capture.Exchange{{URL: url, Body: "ok", Source: capture.SourceTransport}}, buf.Snapshot())
}

func TestTransport_IgnoresOtherURLs(t *testing.T) {
	srv := newUploadServer(t)
	buf := capture.NewBuffer()
	client := newCaptureClient(buf, capture.DefaultMarker)

	resp, err := client.Get(srv.URL + "/other")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, "other", string(body))
	assert.Equal(t, 0, buf.Len())
}

func TestTransport_CapturesLargeBody(t *testing.T) {
	srv := newUploadServer(t)
	buf := capture.NewBuffer()
	client := newCaptureClient(buf, "/big")

	resp, err := client.Get(srv.URL + "/big")
	require.NoError(t, err)
	_, err = io.Copy(io.Discard, resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	got := buf.Snapshot()
	require.Len(t, got, 1)
	assert.Len(t, got[0].Body, 64*1024)
}

// endlessBody never reaches EOF and records when it is closed.
type endlessBody struct {
	closed   atomic.Bool
	closeErr error
}

func (e *endlessBody) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 'x'
	}
	return len(p), nil
}

func (e *endlessBody) Close() error {
	e.closed.Store(true)
	return e.closeErr
}

func TestTransport_EarlyCloseClosesBodyAndSkipsCapture(t *testing.T) {
	buf := capture.NewBuffer()
	reg := prometheus.NewRegistry()
	logger := &testutil.DummyLogger{}
	body := &endlessBody{closeErr: errors.New("conn already closed")}
	tr := &Transport{
		Base: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			return &http.Response{StatusCode: http.StatusOK, Body: body, Request: r}, nil
		}),
		Matcher: capture.DefaultMatcher(),
		Sink:    buf,
		Logger:  logger,
		Metrics: monitoring.NewMetrics(reg),
	}

	req := httptest.NewRequest(http.MethodGet, "http://example.test/upload?stylesnapToken=stream", nil)
	resp, err := tr.RoundTrip(req)
	require.NoError(t, err)

	head := make([]byte, 16)
	_, err = io.ReadFull(resp.Body, head)
	require.NoError(t, err)

	err = resp.Body.Close()
	assert.EqualError(t, err, "conn already closed")
	assert.True(t, body.closed.Load(), "underlying body must be closed synchronously")

	assert.Equal(t, 0, buf.Len())
	assert.Len(t, logger.WarnMessages(), 1)
	assert.NoError(t, promtest.GatherAndCompare(reg, strings.NewReader(`
# HELP snaptap_capture_errors_total Matching exchanges that could not be captured, by interception path.
# TYPE snaptap_capture_errors_total counter
snaptap_capture_errors_total{source="transport"} 1
`), "snaptap_capture_errors_total"))

	// A later Close neither re-records nor panics.
	_ = resp.Body.Close()
	assert.Equal(t, 0, buf.Len())
	assert.Len(t, logger.WarnMessages(), 1)
}

func TestTransport_OneEntryPerRequest(t *testing.T) {
	srv := newUploadServer(t)
	buf := capture.NewBuffer()
	client := newCaptureClient(buf, capture.DefaultMarker)

	for i := 0; i < 3; i++ {
		resp, err := client.Get(fmt.Sprintf("%s/upload?stylesnapToken=%d", srv.URL, i))
		require.NoError(t, err)
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		// a second Close must not add another entry
		resp.Body.Close()
	}

	assert.Equal(t, 3, buf.Len())
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestTransport_PassesThroughBaseErrors(t *testing.T) {
	buf := capture.NewBuffer()
	boom := errors.New("dial refused")
	tr := &Transport{
		Base:    roundTripFunc(func(*http.Request) (*http.Response, error) { return nil, boom }),
		Matcher: capture.DefaultMatcher(),
		Sink:    buf,
	}

	req := httptest.NewRequest(http.MethodGet, "http://example.test/upload?stylesnapToken=1", nil)
	resp, err := tr.RoundTrip(req)

	assert.Nil(t, resp)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, buf.Len())
}

type failingBody struct{ err error }

func (f failingBody) Read([]byte) (int, error) { return 0, f.err }
func (f failingBody) Close() error             { return nil }

func TestTransport_BodyReadErrorIsNotCaptured(t *testing.T) {
	buf := capture.NewBuffer()
	reg := prometheus.NewRegistry()
	logger := &testutil.DummyLogger{}
	readErr := errors.New("connection reset")
	tr := &Transport{
		Base: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			return &http.Response{StatusCode: http.StatusOK, Body: failingBody{readErr}, Request: r}, nil
		}),
		Matcher: capture.DefaultMatcher(),
		Sink:    buf,
		Logger:  logger,
		Metrics: monitoring.NewMetrics(reg),
	}

	req := httptest.NewRequest(http.MethodGet, "http://example.test/upload?stylesnapToken=1", nil)
	resp, err := tr.RoundTrip(req)
	require.NoError(t, err)

	_, err = io.ReadAll(resp.Body)
	assert.ErrorIs(t, err, readErr)
	assert.Equal(t, 0, buf.Len())
	assert.Len(t, logger.WarnMessages(), 1)
}
