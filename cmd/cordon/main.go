package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	cdhttp "github.com/cordonlabs/cordon/internal/adapter/http"
	cdnats "github.com/cordonlabs/cordon/internal/adapter/nats"
	"github.com/cordonlabs/cordon/internal/adapter/otel"
	"github.com/cordonlabs/cordon/internal/adapter/postgres"
	"github.com/cordonlabs/cordon/internal/adapter/ristretto"
	"github.com/cordonlabs/cordon/internal/adapter/runtime"
	"github.com/cordonlabs/cordon/internal/adapter/ws"
	"github.com/cordonlabs/cordon/internal/config"
	"github.com/cordonlabs/cordon/internal/logger"
	"github.com/cordonlabs/cordon/internal/resilience"
	"github.com/cordonlabs/cordon/internal/service"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logCloser := logger.New(cfg.Logging)
	slog.SetDefault(log)
	defer logCloser.Close()

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"sweep_interval", cfg.Heartbeat.SweepInterval,
		"pg_max_conns", cfg.Postgres.MaxConns,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Infrastructure ---

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	slog.Info("migrations applied")

	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	store := postgres.NewStore(pool)
	slog.Info("postgres connected")

	queue, err := cdnats.Connect(ctx, cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = queue.Close() }()
	slog.Info("nats connected", "url", cfg.NATS.URL)

	ackCache, err := ristretto.New(cfg.Cache.MaxSizeMB << 20)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer ackCache.Close()

	// Telemetry (optional)
	var instruments *otel.Metrics
	if cfg.Telemetry.Enabled {
		shutdownMetrics, err := otel.InitMetrics(ctx, cfg.Logging.Service, cfg.Telemetry.OTLPEndpoint)
		if err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownMetrics(shutdownCtx)
		}()
		instruments, err = otel.NewMetrics()
		if err != nil {
			return fmt.Errorf("telemetry instruments: %w", err)
		}
	}
	metrics := service.NewFleetMetrics(instruments)

	hub := ws.NewHub()
	agentRT := runtime.New(queue.Conn())
	breaker := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)

	// --- Services ---

	agentSvc := service.NewAgentService(store, agentRT)
	heartbeatSvc := service.NewHeartbeatService(store, queue, ackCache, hub, metrics, cfg.Heartbeat, cfg.Cache.AckRetention)
	anomalySvc := service.NewAnomalyService(store, queue, hub, metrics, cfg.Anomaly)
	restartSvc := service.NewRestartService(store, queue, hub, agentRT, breaker, metrics, cfg.Restart)
	quarantineSvc := service.NewQuarantineService(store, queue, hub, agentRT, metrics, cfg.Restart)
	taskSvc := service.NewTaskQueueService(store, metrics, cfg.Queue)
	phaseSvc := service.NewPhaseService(store, queue, hub, metrics)

	// Cross-service wiring. Each arrow is a narrow interface so the services
	// stay constructible in isolation.
	heartbeatSvc.SetEscalator(restartSvc)
	heartbeatSvc.SetObserver(anomalySvc)
	anomalySvc.SetConfirmer(service.NewReadingConfirm(store, cfg.Anomaly.Threshold, cfg.Anomaly.Consecutive))
	anomalySvc.SetHandler(restartSvc)
	anomalySvc.SetRaiser(restartSvc)
	restartSvc.SetQuarantiner(quarantineSvc)
	restartSvc.SetBaselines(anomalySvc.Baselines(), cfg.Anomaly.BaselineDecay)
	quarantineSvc.SetPreempter(restartSvc)
	quarantineSvc.SetForgetter(anomalySvc)
	taskSvc.SetRaiser(restartSvc)
	taskSvc.SetPhaseAdvancer(phaseSvc)

	// --- HTTP ---

	handlers := &cdhttp.Handlers{
		Agents:      agentSvc,
		Heartbeats:  heartbeatSvc,
		Tasks:       taskSvc,
		Tickets:     phaseSvc,
		Remediation: restartSvc,
		Quarantine:  quarantineSvc,
		Hub:         hub,
	}

	r := chi.NewRouter()
	r.Use(cdhttp.SecurityHeaders)
	r.Use(cdhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(cdhttp.PropagateRequestID)
	r.Use(cdhttp.Logger)
	r.Use(chimw.Recoverer)
	if cfg.Telemetry.Enabled {
		r.Use(otel.HTTPMiddleware(cfg.Logging.Service))
	}

	r.Get("/health", healthHandler(pool.Ping, queue.IsConnected, breaker.Healthy))

	cdhttp.MountRoutes(r, handlers)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// --- Background loops ---

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("starting server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error { return heartbeatSvc.RunSweeper(gctx) })
	g.Go(func() error { return anomalySvc.RunEvaluator(gctx) })
	g.Go(func() error { return taskSvc.RunDispatcher(gctx) })
	g.Go(func() error { return restartSvc.RunAckWatch(gctx, cfg.Restart.AckSLA/5) })
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	restartSvc.Drain()
	return err
}

// healthHandler reports liveness of the service's backing infrastructure.
func healthHandler(pingDB func(context.Context) error, natsUp, breakerHealthy func() bool) http.HandlerFunc {
	type healthStatus struct {
		Status   string `json:"status"`
		Postgres string `json:"postgres"`
		NATS     string `json:"nats"`
		Runtime  string `json:"runtime"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		status := healthStatus{Status: "ok", Postgres: "up", NATS: "up", Runtime: "up"}
		code := http.StatusOK

		if err := pingDB(r.Context()); err != nil {
			status.Status, status.Postgres = "degraded", "down"
			code = http.StatusServiceUnavailable
		}
		if !natsUp() {
			status.Status, status.NATS = "degraded", "down"
			code = http.StatusServiceUnavailable
		}
		if !breakerHealthy() {
			// Breaker open means the agent runtime is refusing commands, but
			// the API itself still serves reads.
			status.Status, status.Runtime = "degraded", "down"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	}
}
