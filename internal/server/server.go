package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/raysh454/snaptap/internal/jobs"
	"github.com/raysh454/snaptap/internal/logging"
	"github.com/raysh454/snaptap/internal/stylesnap"
	"github.com/raysh454/snaptap/internal/webclient"
)

// Server is the HTTP + WebSocket surface a test harness polls for captured
// exchanges.
type Server struct {
	cfg      Config
	router   chi.Router
	upgrader websocket.Upgrader
	logger   logging.Logger
}

// NewServer wires the routes for cfg.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Buffer == nil {
		return nil, fmt.Errorf("server: capture buffer is required")
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewStdoutLogger("server")
	}

	s := &Server{
		cfg:    cfg,
		router: chi.NewRouter(),
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// The harness connects from arbitrary local pages.
				return true
			},
		},
	}

	s.routes()
	return s, nil
}

func (s *Server) routes() {
	r := s.router

	r.Use(s.corsMiddleware)

	// CORS preflight
	r.Options("/captures", s.optionsHandler("GET, DELETE"))
	r.Options("/capture", s.optionsHandler("POST"))
	r.Options("/archive", s.optionsHandler("GET, DELETE"))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))

	// In-memory buffer
	r.Get("/captures", s.handleListCaptures)
	r.Get("/captures/count", s.handleCountCaptures)
	r.Delete("/captures", s.handleClearCaptures)

	// Archive
	r.Get("/archive", s.handleListArchive)
	r.Delete("/archive", s.handleClearArchive)

	// Harness
	r.Post("/capture", s.handleCapture)

	// Jobs
	r.Route("/jobs", func(r chi.Router) {
		r.Options("/", s.optionsHandler("GET, POST"))
		r.Options("/{jobID}", s.optionsHandler("GET, DELETE"))
		r.Get("/", s.handleListJobs)
		r.Post("/", s.handleStartJob)
		r.Get("/{jobID}", s.handleGetJob)
		r.Delete("/{jobID}", s.handleCancelJob)
	})

	// WebSocket stream of new exchanges
	r.Get("/ws/captures", s.handleCapturesWS)
	r.Get("/ws/jobs/{jobID}", s.handleJobEventsWS)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		next.ServeHTTP(w, r)
	})
}

func (s *Server) optionsHandler(methods string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Methods", methods)
		w.WriteHeader(http.StatusNoContent)
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	fields := []logging.Field{
		{Key: "method", Value: r.Method},
		{Key: "path", Value: r.URL.Path},
	}
	if q := r.URL.Query(); len(q) > 0 {
		fields = append(fields, logging.Field{Key: "query", Value: q})
	}
	s.logger.Debug("http_request", fields...)

	s.router.ServeHTTP(w, r)
}

// HTTPServer creates an *http.Server ready to ListenAndServe.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // allow streaming
	}
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func intParam(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q", name, v)
	}
	return n, nil
}

// --- HTTP handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListCaptures(w http.ResponseWriter, r *http.Request) {
	since, err := intParam(r, "since")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Buffer.Since(since))
}

func (s *Server) handleCountCaptures(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, CountResponse{Count: s.cfg.Buffer.Len()})
}

func (s *Server) handleClearCaptures(w http.ResponseWriter, r *http.Request) {
	s.cfg.Buffer.Clear()
	s.logger.Info("cleared capture buffer")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListArchive(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Store == nil {
		writeError(w, http.StatusNotFound, "archive not configured")
		return
	}
	limit, err := intParam(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	recs, err := s.cfg.Store.List(r.Context(), limit)
	if err != nil {
		s.logger.Warn("listing archive", logging.Field{Key: "error", Value: err.Error()})
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleClearArchive(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Store == nil {
		writeError(w, http.StatusNotFound, "archive not configured")
		return
	}
	if err := s.cfg.Store.Clear(r.Context()); err != nil {
		s.logger.Warn("clearing archive", logging.Field{Key: "error", Value: err.Error()})
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Capturer == nil {
		writeError(w, http.StatusNotImplemented, "no browser capturer configured")
		return
	}

	pageURL, ok := decodeCaptureRequest(w, r)
	if !ok {
		return
	}

	ex, err := s.cfg.Capturer.Capture(r.Context(), pageURL)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, webclient.ErrNoCapture) {
			status = http.StatusGatewayTimeout
		}
		s.logger.Warn("capture failed",
			logging.Field{Key: "url", Value: pageURL},
			logging.Field{Key: "error", Value: err.Error()})
		writeError(w, status, err.Error())
		return
	}

	resp := CaptureResponse{Exchange: ex}
	if products, err := stylesnap.Decode(ex.Body); err == nil {
		resp.Products = products
	}
	writeJSON(w, http.StatusOK, resp)
}

// decodeCaptureRequest reads a CaptureRequest and resolves the page URL. On
// failure it has already written the error response.
func decodeCaptureRequest(w http.ResponseWriter, r *http.Request) (string, bool) {
	var body CaptureRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return "", false
	}
	pageURL := body.URL
	if pageURL == "" && body.Origin != "" && body.ImageURL != "" {
		pageURL = stylesnap.SearchURL(body.Origin, body.ImageURL)
	}
	if pageURL == "" {
		writeError(w, http.StatusBadRequest, "url or origin+image_url is required")
		return "", false
	}
	return pageURL, true
}

func (s *Server) jobsOrError(w http.ResponseWriter) *jobs.Orchestrator {
	if s.cfg.Jobs == nil {
		writeError(w, http.StatusNotImplemented, "jobs not configured")
	}
	return s.cfg.Jobs
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	orch := s.jobsOrError(w)
	if orch == nil {
		return
	}
	writeJSON(w, http.StatusOK, orch.ListJobs())
}

func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	orch := s.jobsOrError(w)
	if orch == nil {
		return
	}
	pageURL, ok := decodeCaptureRequest(w, r)
	if !ok {
		return
	}

	job, err := orch.StartCaptureJob(r.Context(), pageURL)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, jobs.ErrNoCapturer) {
			status = http.StatusNotImplemented
		}
		writeError(w, status, err.Error())
		return
	}
	s.logger.Info("capture job started",
		logging.Field{Key: "job_id", Value: job.ID},
		logging.Field{Key: "url", Value: pageURL})
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	orch := s.jobsOrError(w)
	if orch == nil {
		return
	}
	job, ok := orch.GetJob(chi.URLParam(r, "jobID"))
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	orch := s.jobsOrError(w)
	if orch == nil {
		return
	}
	jobID := chi.URLParam(r, "jobID")
	if _, ok := orch.GetJob(jobID); !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	orch.CancelJob(jobID)
	w.WriteHeader(http.StatusNoContent)
}

// handleJobEventsWS forwards a job's status events until the job ends. Every
// connection receives the full stream.
func (s *Server) handleJobEventsWS(w http.ResponseWriter, r *http.Request) {
	orch := s.jobsOrError(w)
	if orch == nil {
		return
	}
	events, unsubscribe, ok := orch.Subscribe(chi.URLParam(r, "jobID"))
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	defer unsubscribe()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrading to websocket", logging.Field{Key: "error", Value: err.Error()})
		return
	}
	defer conn.Close()

	for ev := range events {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished"),
		time.Now().Add(time.Second))
}

// handleCapturesWS streams buffered exchanges, starting at ?since=n, and
// then every new one as it is appended.
func (s *Server) handleCapturesWS(w http.ResponseWriter, r *http.Request) {
	next, err := intParam(r, "since")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrading to websocket", logging.Field{Key: "error", Value: err.Error()})
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reading is required to notice the client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	buf := s.cfg.Buffer
	gen := buf.Generation()
	for {
		entries, cur, changed := buf.Follow(gen, next)
		if cur != gen {
			gen, next = cur, 0
		}
		for _, ex := range entries {
			if err := conn.WriteJSON(ex); err != nil {
				return
			}
			next++
		}

		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		case <-changed:
		}
	}
}
