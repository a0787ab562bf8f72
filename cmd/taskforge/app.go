package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/aristath/taskforge/internal/backend"
	"github.com/aristath/taskforge/internal/capability"
	"github.com/aristath/taskforge/internal/config"
	"github.com/aristath/taskforge/internal/events"
	"github.com/aristath/taskforge/internal/isolation"
	"github.com/aristath/taskforge/internal/logging"
	"github.com/aristath/taskforge/internal/perfmon"
	"github.com/aristath/taskforge/internal/persistence"
)

// loadConfig reads the global config and the project config at path (or
// the conventional one), then applies flag overrides.
func loadConfig(flags *rootFlags) (*config.Config, error) {
	global, project, err := config.DefaultPaths()
	if err != nil {
		return nil, err
	}
	if flags.configPath != "" {
		project = flags.configPath
	}
	cfg, err := config.Load(global, project)
	if err != nil {
		return nil, err
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		cfg.Log.Format = flags.logFormat
	}
	return cfg, cfg.Validate()
}

// app holds everything a command needs, built from one config.
type app struct {
	cfg      *config.Config
	log      *logging.Logger
	store    persistence.Store
	registry *capability.Registry
	invoker  capability.Invoker
	procs    *backend.ProcessManager
	bus      *events.EventBus
	metrics  *prometheus.Registry
	server   *http.Server
}

func newApp(ctx context.Context, flags *rootFlags) (*app, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	store, err := persistence.Open(ctx, cfg.Storage.Driver, cfg.StoragePath())
	if err != nil {
		return nil, fmt.Errorf("opening %s storage: %w", cfg.Storage.Driver, err)
	}

	procs := backend.NewProcessManager()
	registry := capability.NewRegistry()
	if err := backend.RegisterAgents(registry, agentConfigs(cfg), procs); err != nil {
		store.Close()
		return nil, fmt.Errorf("registering agents: %w", err)
	}

	a := &app{
		cfg:      cfg,
		log:      log,
		store:    store,
		registry: registry,
		procs:    procs,
		bus:      events.NewEventBus(),
		metrics:  prometheus.NewRegistry(),
	}
	a.invoker = capability.NewResilient(registry, capability.RetryConfig{
		InitialInterval:     cfg.Retry.InitialInterval,
		MaxInterval:         cfg.Retry.MaxInterval,
		MaxElapsedTime:      cfg.Retry.MaxElapsedTime,
		Multiplier:          cfg.Retry.Multiplier,
		RandomizationFactor: cfg.Retry.RandomizationFactor,
	}, nil, log)
	return a, nil
}

// agentConfigs joins every agent with its provider.
func agentConfigs(cfg *config.Config) map[string]backend.Config {
	out := make(map[string]backend.Config, len(cfg.Agents))
	for name, agent := range cfg.Agents {
		p := cfg.Providers[agent.Provider]
		out[name] = backend.Config{
			Dialect:      backend.Dialect(p.Dialect),
			Command:      p.Command,
			Model:        agent.Model,
			SystemPrompt: agent.SystemPrompt,
			Backend:      p.Backend,
			ExtraArgs:    p.Args,
		}
	}
	return out
}

// isolation returns the configured provider of per-task working copies.
func (a *app) isolation() isolation.Provider {
	iso := a.cfg.Isolation
	switch iso.Provider {
	case "dir":
		root := iso.Dir
		if !filepath.IsAbs(root) {
			root = filepath.Join(a.cfg.StateDir, root)
		}
		return isolation.NewDirs(afero.NewOsFs(), root, iso.RepoPath)
	default:
		return isolation.NewWorktrees(isolation.WorktreeConfig{
			RepoPath:   iso.RepoPath,
			BaseBranch: iso.BaseBranch,
			Dir:        iso.Dir,
		}, a.log)
	}
}

// sinks persists run records into the store.
func (a *app) sinks() persistence.Sinks {
	return persistence.Sinks{Records: a.store}
}

// serveMetrics exposes the app's collectors at addr until Close.
func (a *app) serveMetrics(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.metrics, promhttp.HandlerOpts{}))
	a.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error(ctx, "metrics server stopped", zap.Error(err))
		}
	}()
	a.log.Info(ctx, "serving metrics", zap.String("addr", ln.Addr().String()))
	return nil
}

func (a *app) collectors() *perfmon.Collectors {
	return perfmon.NewCollectors(a.metrics)
}

// Close kills leftover agent processes and releases the store.
func (a *app) Close() {
	ctx := context.Background()
	if n := a.procs.Count(); n > 0 {
		a.log.Warn(ctx, "killing leftover subprocesses", zap.Int("count", n))
		if err := a.procs.KillAll(); err != nil {
			a.log.Error(ctx, "failed to kill subprocesses", zap.Error(err))
		}
	}
	if a.server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = a.server.Shutdown(shutdownCtx)
	}
	a.bus.Close()
	if err := a.store.Close(); err != nil {
		a.log.Error(ctx, "failed to close store", zap.Error(err))
	}
	_ = a.log.Sync()
}

// progress logs bus events until the bus closes.
func (a *app) progress(ctx context.Context) {
	ch := a.bus.SubscribeAll(64)
	go func() {
		for e := range ch {
			a.log.Debug(ctx, "event", zap.String("type", e.EventType()), zap.String("run_id", e.RunID()))
		}
	}()
}
