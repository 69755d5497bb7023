package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/artpar/gsm/internal/shell/alerts"
	"github.com/artpar/gsm/internal/shell/api"
	"github.com/artpar/gsm/internal/shell/api/middleware"
	"github.com/artpar/gsm/internal/shell/cmdexec"
	"github.com/artpar/gsm/internal/shell/control"
	"github.com/artpar/gsm/internal/shell/docker"
	"github.com/artpar/gsm/internal/shell/inventory"
	"github.com/artpar/gsm/internal/shell/logtail"
	"github.com/artpar/gsm/internal/shell/metrics"
	"github.com/artpar/gsm/internal/shell/probe"
	"github.com/artpar/gsm/internal/shell/procmgr"
	"github.com/artpar/gsm/internal/shell/status"
	"github.com/artpar/gsm/internal/shell/store"
	"github.com/artpar/gsm/internal/shell/sysmetrics"
	"github.com/artpar/gsm/internal/shell/workers"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess         = 0
	ExitConfigError     = 1
	ExitDatabaseError   = 2
	ExitHTTPServerError = 4
	ExitAlertError      = 5
)

// =============================================================================
// Server
// =============================================================================

// Server represents the GSM application server.
type Server struct {
	config     *Config
	httpServer *http.Server
	store      store.Store
	docker     *docker.Client
	cache      *status.Cache
	dispatcher *alerts.Dispatcher
	poller     *workers.StatusPoller
	retention  *workers.Retention
	logger     *slog.Logger
}

// NewServer creates a new server with the given config.
func NewServer(cfg *Config, logger *slog.Logger) (*Server, error) {
	// Load the fleet
	servers, err := inventory.Load(cfg.Servers.File)
	if err != nil {
		return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitConfigError}
	}
	logger.Info("server inventory loaded", "servers", servers.Len(), "file", cfg.Servers.File)

	location, err := time.LoadLocation(cfg.Alerts.TimeZone)
	if err != nil {
		return nil, &ServerError{Op: "NewServer", Err: fmt.Errorf("alerts.timezone: %w", err), ExitCode: ExitConfigError}
	}

	auth, err := middleware.NewAuthMiddleware(middleware.AuthConfig{
		APIKey:         cfg.Auth.APIKey,
		AllowedIPs:     cfg.Auth.AllowedIPs,
		TrustedProxies: cfg.Auth.TrustedProxies,
		Logger:         logger,
	})
	if err != nil {
		return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitConfigError}
	}
	if cfg.Auth.APIKey == "" {
		logger.Warn("auth.api_key is not set, protected endpoints will answer 503")
	}

	// Open the event journal
	s, err := openStore(cfg.Database.DSN)
	if err != nil {
		return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitDatabaseError}
	}

	// Process managers
	registry, dockerClient := newRegistry(cfg, logger)

	prb := probe.NewDefault(probe.Config{Timeout: cfg.Status.ProbeTimeout}, registry, logger)
	sampler := probe.NewResourceSampler(probe.Config{Timeout: cfg.Status.ProbeTimeout}, logger)
	tailer := logtail.New(registry, logtail.Config{LogDir: cfg.Servers.LogDir}, logger)
	system := sysmetrics.New(sysmetrics.Config{
		DiskPath: cfg.System.DiskPath,
		TTL:      cfg.System.TTL,
		Timeout:  cfg.Status.ProbeTimeout,
	}, logger)

	cache := status.New(servers, prb, sampler, tailer, system, status.Config{
		TTL:            cfg.Status.TTL,
		RefreshTimeout: cfg.Status.RefreshTimeout,
		MaxConcurrent:  cfg.Status.MaxConcurrent,
		Thresholds:     cfg.Status.Thresholds,
	}, logger)

	m := metrics.New()
	cache.SetRecorder(m)
	cache.Subscribe(m)

	dispatcher := alerts.NewDispatcher(newNotifier(cfg.Alerts, logger), s, alerts.Config{
		Cooldown:     cfg.Alerts.EffectiveCooldown(),
		Location:     location,
		DashboardURL: cfg.Alerts.DashboardURL,
	}, logger)
	dispatcher.SetRecorder(m)
	cache.Subscribe(dispatcher)

	executor := control.NewExecutor(servers, registry, prb, cache, s, control.Config{
		CommandTimeout: cfg.Control.CommandTimeout,
		SettleDelay:    cfg.Control.SettleDelay,
		ProbeTimeout:   cfg.Status.ProbeTimeout,
	}, logger)
	executor.SetRecorder(m)

	handler := api.NewHandler(api.Config{
		Status:    cache,
		Control:   executor,
		Logs:      tailer,
		System:    system,
		Alerts:    dispatcher,
		Events:    s,
		Metrics:   m.Handler(),
		Auth:      auth,
		Logger:    logger,
		Version:   Version,
		StartedAt: time.Now(),
	})

	// Create HTTP server
	httpServer := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return &Server{
		config:     cfg,
		httpServer: httpServer,
		store:      s,
		docker:     dockerClient,
		cache:      cache,
		dispatcher: dispatcher,
		poller: workers.NewStatusPoller(cache, workers.StatusPollerConfig{
			Interval: cfg.Status.PollInterval,
			Timeout:  cfg.Status.RefreshTimeout,
		}, logger),
		retention: workers.NewRetention(s, workers.RetentionConfig{
			Interval: cfg.Retention.Interval,
			MaxAge:   cfg.Retention.MaxAge,
		}, logger),
		logger: logger,
	}, nil
}

func openStore(dsn string) (*store.SQLiteStore, error) {
	if dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	return store.NewSQLiteStore(dsn)
}

// newRegistry builds the process manager registry. Docker is optional: when
// the daemon cannot be reached, servers bound to containers report
// Unsupported on control and fall back to heuristic lookup for status.
func newRegistry(cfg *Config, logger *slog.Logger) (*procmgr.Registry, *docker.Client) {
	managers := []procmgr.Manager{
		procmgr.NewPM2(cmdexec.Default(), procmgr.PM2Config{
			Binary:    cfg.Managers.PM2Binary,
			Ecosystem: cfg.Managers.PM2Ecosystem,
		}, logger),
		procmgr.NewDirect(nil, nil, nil, procmgr.DirectConfig{
			LogDir:    cfg.Servers.LogDir,
			StopGrace: cfg.Managers.StopGrace,
		}, logger),
	}

	var client *docker.Client
	if cfg.Managers.DockerEnabled {
		c, err := docker.NewDockerClient(cfg.Managers.DockerHost)
		if err != nil {
			logger.Warn("docker unavailable, container-managed servers cannot be controlled", "error", err)
		} else {
			client = c
			managers = append(managers, docker.NewManager(client, docker.ManagerConfig{}, logger))
		}
	}

	return procmgr.NewRegistry(managers...), client
}

func newNotifier(cfg AlertsConfig, logger *slog.Logger) alerts.Notifier {
	if cfg.TelegramToken == "" || cfg.TelegramChatID == 0 {
		logger.Warn("telegram is not configured, alerts will only be logged")
		return alerts.NewLogNotifier(logger)
	}
	n, err := alerts.NewTelegramNotifier(cfg.TelegramToken, cfg.TelegramChatID)
	if err != nil {
		logger.Error("telegram bot could not be initialised, alerts will only be logged", "error", err)
		return alerts.NewLogNotifier(logger)
	}
	return n
}

// SendTestAlert delivers the test notification and returns the exit code.
func SendTestAlert(ctx context.Context, cfg *Config, logger *slog.Logger) int {
	location, err := time.LoadLocation(cfg.Alerts.TimeZone)
	if err != nil {
		logger.Error("invalid alerts.timezone", "error", err)
		return ExitConfigError
	}

	d := alerts.NewDispatcher(newNotifier(cfg.Alerts, logger), nil, alerts.Config{
		Cooldown:     cfg.Alerts.EffectiveCooldown(),
		Location:     location,
		DashboardURL: cfg.Alerts.DashboardURL,
	}, logger)
	if err := d.SendTest(ctx); err != nil {
		logger.Error("test alert failed", "channel", d.Channel(), "error", err)
		return ExitAlertError
	}
	logger.Info("test alert sent", "channel", d.Channel())
	return ExitSuccess
}

// Start starts the server and blocks until shutdown.
func (s *Server) Start(ctx context.Context) error {
	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	s.dispatcher.Start()
	s.poller.Start()
	s.retention.Start()

	// Start HTTP server in goroutine
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server",
			"address", s.config.Server.Address())
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or error
	select {
	case sig := <-sigCh:
		s.logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		s.Shutdown(context.Background())
		return &ServerError{
			Op:       "Start",
			Err:      err,
			ExitCode: ExitHTTPServerError,
		}
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown(context.Background())
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.Server.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	// Stop producers before the dispatcher so queued alerts drain
	s.poller.Stop()
	s.retention.Stop()
	s.dispatcher.Stop()

	if s.docker != nil {
		if err := s.docker.Close(); err != nil {
			s.logger.Error("Docker client close error", "error", err)
		}
	}

	if err := s.store.Close(); err != nil {
		s.logger.Error("database close error", "error", err)
	}

	s.logger.Info("shutdown complete")
	return nil
}

// =============================================================================
// Server Error
// =============================================================================

// ServerError represents an error during server operation.
type ServerError struct {
	Op       string
	Err      error
	ExitCode int
}

func (e *ServerError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *ServerError) Unwrap() error {
	return e.Err
}
