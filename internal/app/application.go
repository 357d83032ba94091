package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/raysh454/snaptap/internal/capture"
	"github.com/raysh454/snaptap/internal/cli"
	"github.com/raysh454/snaptap/internal/fetcher"
	"github.com/raysh454/snaptap/internal/jobs"
	"github.com/raysh454/snaptap/internal/logging"
	"github.com/raysh454/snaptap/internal/monitoring"
	"github.com/raysh454/snaptap/internal/server"
	"github.com/raysh454/snaptap/internal/store"
	"github.com/raysh454/snaptap/internal/stylesnap"
	"github.com/raysh454/snaptap/internal/webclient"
)

// CaptureResult is what capture mode prints.
type CaptureResult struct {
	Exchange capture.Exchange    `json:"exchange"`
	Products []stylesnap.Product `json:"products,omitempty"`
}

// Application is the runtime state container for one run. It owns the
// capture buffer and every sink behind it; pass it to modules instead of
// using package-level state.
type Application struct {
	Config *Config
	Args   *cli.CLIArgs
	Logger logging.Logger

	Buffer   *capture.Buffer
	Store    *store.Store
	Registry *prometheus.Registry
	Metrics  *monitoring.Metrics

	// Out receives the JSON printed by capture and fetch modes.
	Out io.Writer

	// NewWebClient builds web clients; tests swap it out.
	NewWebClient func(cfg webclient.Config, deps webclient.Deps) (webclient.WebClient, error)

	ctx    context.Context
	cancel context.CancelFunc
}

// NewLogger builds the logger selected by cfg.
func NewLogger(cfg *Config) (logging.Logger, error) {
	if cfg.LogFormat == "json" {
		return logging.NewStdoutLogger("snaptap"), nil
	}
	return logging.NewZapLogger(cfg.LogLevel, cfg.LogDev)
}

// NewApplication applies args on top of cfg and builds the shared parts:
// buffer, metrics and (when a DB path is configured) the archive.
func NewApplication(cfg *Config, args *cli.CLIArgs, logger logging.Logger) (*Application, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if args == nil {
		return nil, errors.New("app: args are required")
	}
	if logger == nil {
		logger = logging.Nop()
	}

	merged := *cfg
	if args.Marker != "" {
		merged.Marker = args.Marker
	}
	if args.DBPath != "" {
		merged.DBPath = args.DBPath
	}
	if args.ListenAddr != "" {
		merged.ListenAddr = args.ListenAddr
	}
	if err := merged.Validate(); err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a := &Application{
		Config:       &merged,
		Args:         args,
		Logger:       logger,
		Buffer:       capture.NewBuffer(),
		Registry:     reg,
		Metrics:      monitoring.NewMetrics(reg),
		Out:          os.Stdout,
		NewWebClient: webclient.NewWebClient,
	}

	if merged.DBPath != "" {
		st, err := store.Open(merged.DBPath, logger.With(logging.Field{Key: "component", Value: "store"}))
		if err != nil {
			return nil, err
		}
		a.Store = st
	}

	a.ctx, a.cancel = context.WithCancel(context.Background())
	return a, nil
}

// Sink fans captured exchanges out to the buffer, the archive (if any) and
// the buffer-size gauge.
func (a *Application) Sink() capture.Sink {
	var archive capture.Sink
	if a.Store != nil {
		archive = a.Store
	}
	return capture.Tee(
		a.Buffer,
		archive,
		capture.SinkFunc(func(capture.Exchange) { a.Metrics.SetBufferSize(a.Buffer.Len()) }),
	)
}

func (a *Application) deps() webclient.Deps {
	return webclient.Deps{
		Sink:    a.Sink(),
		Logger:  a.Logger,
		Metrics: a.Metrics,
	}
}

// Run executes the selected mode until it completes or ctx ends.
func (a *Application) Run(ctx context.Context) error {
	if a == nil {
		return errors.New("application is nil")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(a.ctx, cancel)
	defer stop()

	a.Logger.Info("application starting",
		logging.Field{Key: "mode", Value: string(a.Args.Mode)},
		logging.Field{Key: "target", Value: a.Args.Target},
		logging.Field{Key: "marker", Value: a.Config.Marker})

	switch a.Args.Mode {
	case cli.ModeCapture:
		return a.runCapture(ctx)
	case cli.ModeFetch:
		return a.runFetch(ctx)
	case cli.ModeServe:
		return a.runServe(ctx)
	default:
		return fmt.Errorf("app: unknown mode %q", a.Args.Mode)
	}
}

func (a *Application) pageURL() string {
	if a.Args.Image != "" {
		return stylesnap.SearchURL(a.Args.Target, a.Args.Image)
	}
	return a.Args.Target
}

func (a *Application) capturer() (webclient.Capturer, io.Closer, error) {
	wc, err := a.NewWebClient(a.Config.WebClientConfig(webclient.Client(a.Config.Backend)), a.deps())
	if err != nil {
		return nil, nil, err
	}
	c, ok := wc.(webclient.Capturer)
	if !ok {
		_ = wc.Close()
		return nil, nil, fmt.Errorf("app: backend %q cannot drive a page", a.Config.Backend)
	}
	return c, wc, nil
}

func (a *Application) runCapture(ctx context.Context) error {
	c, closer, err := a.capturer()
	if err != nil {
		return err
	}
	defer closer.Close()

	ex, err := c.Capture(ctx, a.pageURL())
	if err != nil {
		return fmt.Errorf("capture %s: %w", a.pageURL(), err)
	}

	res := CaptureResult{Exchange: ex}
	if products, err := stylesnap.Decode(ex.Body); err == nil {
		res.Products = products
	} else {
		a.Logger.Debug("captured body is not a stylesnap result", logging.Field{Key: "error", Value: err.Error()})
	}
	return a.print(res)
}

func (a *Application) runFetch(ctx context.Context) error {
	wc, err := a.NewWebClient(a.Config.WebClientConfig(webclient.ClientNetHTTP), a.deps())
	if err != nil {
		return err
	}
	defer wc.Close()

	f, err := fetcher.New(fetcher.Config{MaxConcurrency: a.Config.FetchConcurrency}, wc, a.Logger)
	if err != nil {
		return err
	}

	targets := a.Args.Targets()
	var failed []fetcher.Result
	for _, res := range f.Fetch(ctx, targets) {
		if res.Err != nil {
			failed = append(failed, res)
		}
	}
	a.Logger.Info("fetched targets",
		logging.Field{Key: "targets", Value: len(targets)},
		logging.Field{Key: "failed", Value: len(failed)},
		logging.Field{Key: "captured", Value: a.Buffer.Len()})

	if err := a.print(a.Buffer.Snapshot()); err != nil {
		return err
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d of %d fetches failed, first: %w", len(failed), len(targets), failed[0].Err)
	}
	return nil
}

func (a *Application) runServe(ctx context.Context) error {
	srvCfg := server.Config{
		ListenAddr: a.Config.ListenAddr,
		Buffer:     a.Buffer,
		Store:      a.Store,
		Gatherer:   a.Registry,
		Logger:     a.Logger.With(logging.Field{Key: "component", Value: "server"}),
	}

	c, closer, err := a.capturer()
	if err != nil {
		a.Logger.Warn("serving without capture jobs", logging.Field{Key: "error", Value: err.Error()})
	} else {
		defer closer.Close()
		orch := jobs.NewOrchestrator(c, a.Logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := orch.Shutdown(shutdownCtx); err != nil {
				a.Logger.Warn("jobs shutdown returned error", logging.Field{Key: "error", Value: err.Error()})
			}
		}()
		srvCfg.Capturer = c
		srvCfg.Jobs = orch
	}

	srv, err := server.NewServer(srvCfg)
	if err != nil {
		return err
	}
	httpSrv := srv.HTTPServer()

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info("api listening", logging.Field{Key: "addr", Value: httpSrv.Addr})
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	return nil
}

func (a *Application) print(v any) error {
	enc := json.NewEncoder(a.Out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Shutdown stops Run and releases the archive.
func (a *Application) Shutdown(ctx context.Context) error {
	if a == nil {
		return errors.New("application is nil")
	}
	a.Logger.Info("application shutdown initiated")
	a.cancel()

	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			return fmt.Errorf("close store: %w", err)
		}
	}
	return nil
}
