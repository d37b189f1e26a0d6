package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/loqalabs/loqa-scribe/internal/transcribe"
	"github.com/loqalabs/loqa-scribe/internal/upload"
	"github.com/spf13/afero"
)

// jobDrainTimeout bounds the wait for killed engine jobs to clean up.
const jobDrainTimeout = 5 * time.Second

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	natsServer  *natsserver.EmbeddedServer
	bus         *bus.Client
	service     *transcribe.Service
	ready       atomic.Bool
	wg          sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	publisher, err := r.startBus(ctx)
	if err != nil {
		r.shutdownInfra()
		return err
	}

	store, err := upload.NewStore(afero.NewOsFs(), r.cfg.Upload, r.logger)
	if err != nil {
		r.shutdownInfra()
		return fmt.Errorf("failed to create upload store: %w", err)
	}
	if err := store.EnsureDir(); err != nil {
		r.shutdownInfra()
		return fmt.Errorf("failed to prepare upload dir: %w", err)
	}
	// Nothing is in flight yet, so every leftover upload belongs to a previous process.
	if _, err := store.SweepStale(0); err != nil {
		r.logger.Warn("startup upload sweep failed", slog.String("error", err.Error()))
	}
	staleAfter := time.Duration(r.cfg.Upload.StaleAfterMS) * time.Millisecond
	sweepEvery := time.Duration(r.cfg.Upload.SweepEveryMS) * time.Millisecond
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		store.RunSweeper(ctx, sweepEvery, staleAfter)
	}()

	resolver := transcribe.NewResolver(r.cfg.Engine)
	if res, err := resolver.Resolve(); err != nil {
		r.logger.Warn("transcription engine not installed; requests will fail until it is",
			slog.String("script", r.cfg.Engine.Script),
			slog.String("error", err.Error()))
	} else {
		r.logger.Info("transcription engine resolved",
			slog.String("interpreter", res.Interpreter),
			slog.String("script", res.Script),
			slog.Bool("isolated", res.Isolated))
	}
	runner := transcribe.NewRunner(r.cfg.Engine, r.logger)
	r.service = transcribe.NewService(r.cfg.Engine, resolver, runner, publisher, r.logger)

	if frontendAvailable(r.cfg.HTTP.StaticDir) {
		r.logger.Info("serving frontend", slog.String("dir", r.cfg.HTTP.StaticDir))
	} else {
		r.logger.Info("no frontend build found; serving API only", slog.String("dir", r.cfg.HTTP.StaticDir))
	}

	handlers := &api{
		log:        r.logger.With(slog.String("component", "http")),
		uploads:    store,
		scribe:     r.service,
		corsOrigin: r.cfg.HTTP.CORSOrigin,
		staticDir:  r.cfg.HTTP.StaticDir,
		metrics:    metricsHandler,
		ready:      r.isReady,
		clock:      time.Now,
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           handlers.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			serveErr <- err
			cancel()
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("cors_origin", r.cfg.HTTP.CORSOrigin),
		slog.String("upload_dir", store.Dir()),
		slog.Int64("max_upload_bytes", store.MaxBytes()))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	grace := time.Duration(r.cfg.HTTP.ShutdownTimeoutMS) * time.Millisecond
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), grace)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}

	// Engines still running after the grace period are killed; their jobs then
	// release their uploads before we return.
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), jobDrainTimeout)
	defer cancelDrain()
	if err := r.service.Shutdown(drainCtx); err != nil {
		r.logger.Error("transcription shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()
	r.shutdownInfra()

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// startBus starts the embedded server and connects when events are enabled.
// The returned Publisher is nil when they are not.
func (r *Runtime) startBus(ctx context.Context) (transcribe.Publisher, error) {
	if !r.cfg.Bus.Enabled {
		return nil, nil
	}

	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to start embedded NATS server: %w", err)
	}
	r.natsServer = embedded
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}

	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	r.bus = client
	return client, nil
}

func (r *Runtime) shutdownInfra() {
	if r.bus != nil {
		r.bus.Close()
		r.bus = nil
	}
	r.natsServer.Shutdown()
	r.natsServer = nil

	if r.tracerClose != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.tracerClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
		r.tracerClose = nil
	}
}

func (r *Runtime) isReady() bool {
	if !r.ready.Load() || r.service == nil || !r.service.Ready() {
		return false
	}
	return !r.cfg.Bus.Enabled || r.bus.Healthy()
}
