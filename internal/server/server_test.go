package server_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/raysh454/snaptap/internal/capture"
	"github.com/raysh454/snaptap/internal/jobs"
	"github.com/raysh454/snaptap/internal/monitoring"
	"github.com/raysh454/snaptap/internal/server"
	"github.com/raysh454/snaptap/internal/store"
	"github.com/raysh454/snaptap/internal/testutil"
	"github.com/raysh454/snaptap/internal/webclient"
)

const stylesnapBody = `{"searchResults":[{"bbxAsinMetadataList":[{"asin":"B0TEST","title":"Mug","price":"$9.99"}]}]}`

type fakeCapturer struct {
	mu   sync.Mutex
	urls []string
	ex   capture.Exchange
	err  error
}

func (f *fakeCapturer) Capture(_ context.Context, pageURL string) (capture.Exchange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urls = append(f.urls, pageURL)
	return f.ex, f.err
}

type capturerFunc func(ctx context.Context, pageURL string) (capture.Exchange, error)

func (f capturerFunc) Capture(ctx context.Context, pageURL string) (capture.Exchange, error) {
	return f(ctx, pageURL)
}

func newTestServer(t *testing.T, mutate func(*server.Config)) (*server.Server, *capture.Buffer) {
	t.Helper()

	buf := capture.NewBuffer()
	cfg := server.Config{
		ListenAddr: ":0",
		Buffer:     buf,
		Gatherer:   prometheus.NewRegistry(),
		Logger:     &testutil.DummyLogger{},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	s, err := server.NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return s, buf
}

func doJSON(t *testing.T, s http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode JSON response: %v (body: %s)", err, rec.Body.String())
	}
}

func TestNewServer_RequiresBuffer(t *testing.T) {
	t.Parallel()
	if _, err := server.NewServer(server.Config{}); err == nil {
		t.Fatal("expected error without a buffer")
	}
}

// ─── CORS ──────────────────────────────────────────────────────────────

func TestServer_CORS_HeaderPresent(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, nil)

	rec := doJSON(t, s, "GET", "/captures", "")

	if origin := rec.Header().Get("Access-Control-Allow-Origin"); origin != "*" {
		t.Errorf("expected CORS origin *, got %q", origin)
	}
}

func TestServer_CORS_Preflight(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, nil)

	rec := doJSON(t, s, "OPTIONS", "/captures", "")

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Methods"); got != "GET, DELETE" {
		t.Errorf("unexpected allow methods %q", got)
	}
}

func TestServer_Health(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, nil)

	rec := doJSON(t, s, "GET", "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	decodeJSON(t, rec, &body)
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %v", body)
	}
}

// ─── Buffer ────────────────────────────────────────────────────────────

func TestServer_ListCaptures_InOrder(t *testing.T) {
	t.Parallel()
	s, buf := newTestServer(t, nil)

	buf.Append(capture.Exchange{URL: "/upload?stylesnapToken=a", Body: "1"})
	buf.Append(capture.Exchange{URL: "/upload?stylesnapToken=b", Body: "2"})

	rec := doJSON(t, s, "GET", "/captures", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got []capture.Exchange
	decodeJSON(t, rec, &got)
	if len(got) != 2 || got[0].Body != "1" || got[1].Body != "2" {
		t.Fatalf("unexpected captures: %+v", got)
	}
}

func TestServer_ListCaptures_Since(t *testing.T) {
	t.Parallel()
	s, buf := newTestServer(t, nil)

	for i := 0; i < 3; i++ {
		buf.Append(capture.Exchange{URL: fmt.Sprintf("/upload?stylesnapToken=%d", i), Body: fmt.Sprint(i)})
	}

	rec := doJSON(t, s, "GET", "/captures?since=2", "")
	var got []capture.Exchange
	decodeJSON(t, rec, &got)
	if len(got) != 1 || got[0].Body != "2" {
		t.Fatalf("unexpected captures: %+v", got)
	}

	rec = doJSON(t, s, "GET", "/captures?since=10", "")
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("expected empty array past the end, got %s", rec.Body.String())
	}
}

func TestServer_ListCaptures_InvalidSince(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, nil)

	for _, q := range []string{"abc", "-1"} {
		rec := doJSON(t, s, "GET", "/captures?since="+q, "")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("since=%s: expected 400, got %d", q, rec.Code)
		}
	}
}

func TestServer_CountAndClear(t *testing.T) {
	t.Parallel()
	s, buf := newTestServer(t, nil)

	buf.Append(capture.Exchange{URL: "/upload?stylesnapToken=a", Body: "ok"})

	var count server.CountResponse
	decodeJSON(t, doJSON(t, s, "GET", "/captures/count", ""), &count)
	if count.Count != 1 {
		t.Fatalf("expected count 1, got %d", count.Count)
	}

	rec := doJSON(t, s, "DELETE", "/captures", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if buf.Len() != 0 {
		t.Errorf("expected empty buffer, got %d", buf.Len())
	}
}

// ─── Archive ───────────────────────────────────────────────────────────

func TestServer_Archive_NotConfigured(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, nil)

	if rec := doJSON(t, s, "GET", "/archive", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
	if rec := doJSON(t, s, "DELETE", "/archive", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestServer_Archive_ListAndClear(t *testing.T) {
	t.Parallel()

	st, err := store.Open(filepath.Join(t.TempDir(), "archive.db"), &testutil.DummyLogger{})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	s, _ := newTestServer(t, func(c *server.Config) { c.Store = st })

	st.Append(capture.Exchange{URL: "/upload?stylesnapToken=a", Body: "1", Source: capture.SourceTransport})
	st.Append(capture.Exchange{URL: "/upload?stylesnapToken=b", Body: "2", Source: capture.SourceTransport})

	var recs []store.Record
	decodeJSON(t, doJSON(t, s, "GET", "/archive?limit=1", ""), &recs)
	if len(recs) != 1 || recs[0].Exchange.Body != "1" {
		t.Fatalf("unexpected archive: %+v", recs)
	}
	if recs[0].ID == "" {
		t.Error("expected record id")
	}

	if rec := doJSON(t, s, "DELETE", "/archive", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	n, err := st.Count(context.Background())
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 0 {
		t.Errorf("expected empty archive, got %d", n)
	}
}

// ─── Capture ───────────────────────────────────────────────────────────

func TestServer_Capture_NotConfigured(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, nil)

	rec := doJSON(t, s, "POST", "/capture", `{"url":"http://example.test/stylesnap"}`)
	if rec.Code != http.StatusNotImplemented {
		t.Errorf("expected 501, got %d", rec.Code)
	}
}

func TestServer_Capture_BadRequests(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, func(c *server.Config) { c.Capturer = &fakeCapturer{} })

	if rec := doJSON(t, s, "POST", "/capture", `{bad`); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid JSON: expected 400, got %d", rec.Code)
	}
	if rec := doJSON(t, s, "POST", "/capture", `{}`); rec.Code != http.StatusBadRequest {
		t.Errorf("missing url: expected 400, got %d", rec.Code)
	}
}

func TestServer_Capture_DecodesProducts(t *testing.T) {
	t.Parallel()
	fc := &fakeCapturer{ex: capture.Exchange{
		URL:    "http://shop.test/upload?stylesnapToken=t",
		Body:   stylesnapBody,
		Source: capture.SourcePage,
	}}
	s, _ := newTestServer(t, func(c *server.Config) { c.Capturer = fc })

	rec := doJSON(t, s, "POST", "/capture", `{"origin":"http://shop.test","image_url":"http://img.test/a.jpg"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp server.CaptureResponse
	decodeJSON(t, rec, &resp)
	if resp.Exchange.URL != fc.ex.URL {
		t.Errorf("unexpected exchange %+v", resp.Exchange)
	}
	if len(resp.Products) != 1 || resp.Products[0].ASIN != "B0TEST" {
		t.Errorf("unexpected products %+v", resp.Products)
	}
	if len(fc.urls) != 1 || !strings.HasPrefix(fc.urls[0], "http://shop.test/stylesnap?q=") {
		t.Errorf("unexpected page url %v", fc.urls)
	}
}

func TestServer_Capture_NonJSONBodyHasNoProducts(t *testing.T) {
	t.Parallel()
	fc := &fakeCapturer{ex: capture.Exchange{URL: "/upload?stylesnapToken=t", Body: "ok"}}
	s, _ := newTestServer(t, func(c *server.Config) { c.Capturer = fc })

	rec := doJSON(t, s, "POST", "/capture", `{"url":"http://shop.test/stylesnap"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp server.CaptureResponse
	decodeJSON(t, rec, &resp)
	if resp.Exchange.Body != "ok" || resp.Products != nil {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestServer_Capture_NoCaptureIsGatewayTimeout(t *testing.T) {
	t.Parallel()
	fc := &fakeCapturer{err: fmt.Errorf("after 3 rounds: %w", webclient.ErrNoCapture)}
	s, _ := newTestServer(t, func(c *server.Config) { c.Capturer = fc })

	rec := doJSON(t, s, "POST", "/capture", `{"url":"http://shop.test/stylesnap"}`)
	if rec.Code != http.StatusGatewayTimeout {
		t.Errorf("expected 504, got %d", rec.Code)
	}
}

// ─── Metrics ───────────────────────────────────────────────────────────

func TestServer_Metrics(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m := monitoring.NewMetrics(reg)
	m.ExchangeCaptured(capture.SourceTransport)

	s, _ := newTestServer(t, func(c *server.Config) { c.Gatherer = reg })

	rec := doJSON(t, s, "GET", "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `snaptap_exchanges_captured_total{source="transport"} 1`) {
		t.Errorf("metrics output missing counter:\n%s", rec.Body.String())
	}
}

// ─── WebSocket ─────────────────────────────────────────────────────────

func TestServer_CapturesWS_StreamsBacklogAndNewEntries(t *testing.T) {
	t.Parallel()
	s, buf := newTestServer(t, nil)
	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)

	buf.Append(capture.Exchange{URL: "/upload?stylesnapToken=old", Body: "skip"})
	buf.Append(capture.Exchange{URL: "/upload?stylesnapToken=a", Body: "backlog"})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/captures?since=1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	read := func() capture.Exchange {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var ex capture.Exchange
		if err := conn.ReadJSON(&ex); err != nil {
			t.Fatalf("ReadJSON: %v", err)
		}
		return ex
	}

	if ex := read(); ex.Body != "backlog" {
		t.Fatalf("expected backlog entry, got %+v", ex)
	}

	buf.Append(capture.Exchange{URL: "/upload?stylesnapToken=b", Body: "live"})
	if ex := read(); ex.Body != "live" {
		t.Fatalf("expected live entry, got %+v", ex)
	}
}

func TestServer_CapturesWS_FollowsClear(t *testing.T) {
	t.Parallel()
	s, buf := newTestServer(t, nil)
	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)

	buf.Append(capture.Exchange{URL: "/upload?stylesnapToken=a", Body: "first"})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/captures"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var ex capture.Exchange
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(&ex); err != nil || ex.Body != "first" {
		t.Fatalf("first read: %+v, %v", ex, err)
	}

	buf.Clear()
	buf.Append(capture.Exchange{URL: "/upload?stylesnapToken=b", Body: "after-clear"})

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(&ex); err != nil || ex.Body != "after-clear" {
		t.Fatalf("read after clear: %+v, %v", ex, err)
	}
}

// ─── Jobs ──────────────────────────────────────────────────────────────

func newJobsServer(t *testing.T, c webclient.Capturer) *server.Server {
	t.Helper()
	orch := jobs.NewOrchestrator(c, &testutil.DummyLogger{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})
	s, _ := newTestServer(t, func(cfg *server.Config) { cfg.Jobs = orch })
	return s
}

func TestServer_Jobs_NotConfigured(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, nil)

	if rec := doJSON(t, s, "GET", "/jobs", ""); rec.Code != http.StatusNotImplemented {
		t.Errorf("expected 501, got %d", rec.Code)
	}
}

func TestServer_Jobs_StartAndGet(t *testing.T) {
	t.Parallel()
	fc := &fakeCapturer{ex: capture.Exchange{URL: "/upload?stylesnapToken=j", Body: stylesnapBody}}
	s := newJobsServer(t, fc)

	rec := doJSON(t, s, "POST", "/jobs", `{"url":"http://shop.test/stylesnap"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var started jobs.Job
	decodeJSON(t, rec, &started)
	if started.ID == "" {
		t.Fatal("expected job id")
	}

	var job jobs.Job
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec = doJSON(t, s, "GET", "/jobs/"+started.ID, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		decodeJSON(t, rec, &job)
		if job.Status == jobs.StatusDone {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if job.Status != jobs.StatusDone {
		t.Fatalf("job did not finish: %+v", job)
	}
	if len(job.Products) != 1 || job.Products[0].ASIN != "B0TEST" {
		t.Errorf("unexpected products %+v", job.Products)
	}

	var list []jobs.Job
	decodeJSON(t, doJSON(t, s, "GET", "/jobs", ""), &list)
	if len(list) != 1 {
		t.Errorf("expected 1 job, got %d", len(list))
	}
}

func TestServer_Jobs_UnknownJob(t *testing.T) {
	t.Parallel()
	s := newJobsServer(t, &fakeCapturer{})

	if rec := doJSON(t, s, "GET", "/jobs/nope", ""); rec.Code != http.StatusNotFound {
		t.Errorf("GET: expected 404, got %d", rec.Code)
	}
	if rec := doJSON(t, s, "DELETE", "/jobs/nope", ""); rec.Code != http.StatusNotFound {
		t.Errorf("DELETE: expected 404, got %d", rec.Code)
	}
}

func TestServer_Jobs_EventsWS(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	blocking := capturerFunc(func(ctx context.Context, _ string) (capture.Exchange, error) {
		select {
		case <-release:
			return capture.Exchange{URL: "/upload?stylesnapToken=w", Body: "{}"}, nil
		case <-ctx.Done():
			return capture.Exchange{}, ctx.Err()
		}
	})
	s := newJobsServer(t, blocking)
	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)

	rec := doJSON(t, s, "POST", "/jobs", `{"url":"http://shop.test/stylesnap"}`)
	var started jobs.Job
	decodeJSON(t, rec, &started)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/jobs/" + started.ID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	close(release)

	var last jobs.Event
	for {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var ev jobs.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				break
			}
			t.Fatalf("ReadJSON: %v", err)
		}
		last = ev
	}
	if last.Type != jobs.EventResult || last.Status != jobs.StatusDone {
		t.Errorf("expected final result event, got %+v", last)
	}
}

func TestServer_Jobs_EventsWS_EveryClientGetsFullStream(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	blocking := capturerFunc(func(ctx context.Context, _ string) (capture.Exchange, error) {
		select {
		case <-release:
			return capture.Exchange{URL: "/upload?stylesnapToken=w", Body: "{}"}, nil
		case <-ctx.Done():
			return capture.Exchange{}, ctx.Err()
		}
	})
	s := newJobsServer(t, blocking)
	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)

	rec := doJSON(t, s, "POST", "/jobs", `{"url":"http://shop.test/stylesnap"}`)
	var started jobs.Job
	decodeJSON(t, rec, &started)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/jobs/" + started.ID
	var conns []*websocket.Conn
	for i := 0; i < 2; i++ {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
		defer conn.Close()
		conns = append(conns, conn)
	}
	close(release)

	for i, conn := range conns {
		var got []jobs.Event
		for {
			_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			var ev jobs.Event
			if err := conn.ReadJSON(&ev); err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					break
				}
				t.Fatalf("client %d ReadJSON: %v", i, err)
			}
			got = append(got, ev)
		}
		if len(got) != 3 {
			t.Fatalf("client %d: expected pending, running and result events, got %+v", i, got)
		}
		if got[0].Status != jobs.StatusPending || got[2].Type != jobs.EventResult {
			t.Errorf("client %d: unexpected events %+v", i, got)
		}
	}
}
