package agent

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/vpnworks/xray-agent/internal/config"
	"github.com/vpnworks/xray-agent/internal/coreapi"
	"github.com/vpnworks/xray-agent/internal/domain"
	"github.com/vpnworks/xray-agent/internal/monitor"
	"github.com/vpnworks/xray-agent/internal/reconcile"
	"github.com/vpnworks/xray-agent/internal/registration"
	"github.com/vpnworks/xray-agent/internal/server"
	"github.com/vpnworks/xray-agent/internal/system"
	"github.com/vpnworks/xray-agent/internal/xray"
)

// Agent is the top-level application that orchestrates all subsystems.
type Agent struct {
	cfg    *config.Config
	logger *slog.Logger

	reality    *xray.Reality
	store      *xray.Store
	ctrl       *xray.ExecController
	api        *coreapi.Client
	queue      *reconcile.Queue
	reconciler *reconcile.Reconciler
	reg        *registration.Manager
	health     *monitor.HealthMonitor
	metrics    *monitor.MetricsReporter

	httpServer *server.Server
	startedAt  time.Time
}

// New creates and wires all agent subsystems. It opens the config store,
// so a missing config file is bootstrapped here and a corrupt one is a
// fatal startup error.
func New(cfg *config.Config, logger *slog.Logger) (*Agent, error) {
	reality, err := xray.LoadReality(cfg.RealityPath)
	if err != nil {
		return nil, fmt.Errorf("load reality keys: %w", err)
	}

	store := xray.NewStore(cfg.XrayConfigPath, logger)
	if err := store.Open(func() (*xray.Document, error) {
		return xray.DefaultDocument(reality, cfg.XrayAPIAddr)
	}); err != nil {
		return nil, fmt.Errorf("open config store: %w", err)
	}

	ctrl := xray.NewExecController(xray.ControllerOptions{
		Binary:          cfg.XrayBinary,
		APIAddr:         cfg.XrayAPIAddr,
		ReloadCommand:   cfg.ReloadCommand,
		RestartCommand:  cfg.RestartCommand,
		StatusCommand:   cfg.StatusCommand,
		ValidateTimeout: cfg.ValidateTimeout,
		ReloadTimeout:   cfg.ReloadTimeout,
		RestartTimeout:  cfg.RestartTimeout,
	}, logger)

	api := coreapi.NewClient(cfg.APIKey, cfg.CoreURL, cfg.ServerID, logger)
	queue := reconcile.NewQueue(cfg.QueueCapacity)
	reconciler := reconcile.New(store, ctrl, api, queue, logger)

	agentURL, err := resolveAgentURL(cfg)
	if err != nil {
		return nil, err
	}

	reg := registration.NewManager(api, domain.RegisterRequest{
		AgentURL: agentURL,
		Version:  config.Version,
	}, cfg.ReregisterAfter, logger)

	health := monitor.NewHealthMonitor(ctrl, api, reg, cfg.HealthInterval, logger)
	reg.OnDegraded(health.SetExternal)

	startedAt := time.Now()
	metrics := monitor.NewMetricsReporter(
		store,
		ctrl,
		system.NewStatsCollector(),
		api,
		reg,
		cfg.MetricsInterval,
		startedAt,
		logger,
	)

	return &Agent{
		cfg:        cfg,
		logger:     logger,
		reality:    reality,
		store:      store,
		ctrl:       ctrl,
		api:        api,
		queue:      queue,
		reconciler: reconciler,
		reg:        reg,
		health:     health,
		metrics:    metrics,
		startedAt:  startedAt,
	}, nil
}

// resolveAgentURL returns the callback URL advertised to the core API.
// When not configured it is derived from the detected public IP and the
// listen port.
func resolveAgentURL(cfg *config.Config) (string, error) {
	if cfg.AgentURL != "" {
		return cfg.AgentURL, nil
	}

	_, port, err := net.SplitHostPort(cfg.ListenAddr)
	if err != nil {
		return "", fmt.Errorf("parse listen addr %q: %w", cfg.ListenAddr, err)
	}
	return fmt.Sprintf("http://%s:%s", system.PublicIP(), port), nil
}

// Run executes the agent lifecycle: background loops, registration, HTTP
// server. It blocks until the context is cancelled or the server fails.
func (a *Agent) Run(ctx context.Context) error {
	api := server.NewAPI(
		a.cfg.ServerID,
		config.Version,
		a.startedAt,
		a.store,
		a.ctrl,
		a.queue,
		a.reconciler,
		a.reg,
		a.health,
		a.metrics,
		a.reality,
		a.logger,
	)
	a.httpServer = server.New(a.cfg.ListenAddr, api, a.cfg.APIKey, a.logger)

	// The reconciler gets its own wait group so shutdown can hold the
	// process open until an in-flight command finishes its apply sequence.
	var workers sync.WaitGroup
	workers.Add(1)
	go func() {
		defer workers.Done()
		a.reconciler.Run(ctx)
	}()

	go func() {
		if err := a.store.Watch(ctx); err != nil {
			a.logger.Warn("config file watch unavailable", "err", err)
		}
	}()
	go a.reg.Run(ctx)
	go a.health.Run(ctx)
	go a.metrics.Run(ctx)

	a.logger.Info("agent ready",
		"version", config.Version,
		"server_id", a.cfg.ServerID,
		"listen", a.cfg.ListenAddr,
		"users", a.store.UsersCount(),
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.httpServer.Start()
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down agent")
		return a.shutdown(&workers)
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}
}

func (a *Agent) shutdown(workers *sync.WaitGroup) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.httpServer.Shutdown(ctx); err != nil {
		a.logger.Error("http server shutdown error", "err", err)
	}

	workers.Wait()

	a.logger.Info("agent stopped")
	return nil
}
