// Package daemon assembles the coordination stack in dependency order and
// owns its lifecycle: the durable store and its janitor, the lock
// coordinator, the conversation store, the context cache, the tool executor,
// the generation provider, and the turn orchestrator.
package daemon

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/mwade/parley/internal/config"
	"github.com/mwade/parley/internal/logger"
	"github.com/mwade/parley/internal/observability"
	"github.com/mwade/parley/pkg/contextcache"
	"github.com/mwade/parley/pkg/conversation"
	"github.com/mwade/parley/pkg/generate"
	"github.com/mwade/parley/pkg/lock"
	"github.com/mwade/parley/pkg/moderation"
	"github.com/mwade/parley/pkg/store"
	"github.com/mwade/parley/pkg/tool"
	"github.com/mwade/parley/pkg/turn"
)

// Daemon represents the Parley daemon service
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	kv           *store.SQLite
	janitor      *store.Janitor
	locks        *lock.Coordinator
	convs        *conversation.Store
	cache        *contextcache.Cache
	tools        *tool.Executor
	generator    generate.Generator
	filter       *moderation.ContentFilter
	orchestrator *turn.Orchestrator

	metricsServer *http.Server

	ctx    context.Context
	cancel context.CancelFunc

	startTime time.Time
	running   bool
	mu        sync.RWMutex
}

// New creates a new daemon instance
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	observability.EnsureRegistered()

	d := &Daemon{
		config: cfg,
		logger: log,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := d.initialize(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize daemon: %w", err)
	}
	return d, nil
}

func (d *Daemon) initialize() error {
	cfg := d.config

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	kv, err := store.OpenSQLite(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	d.kv = kv

	janitor, err := store.NewJanitor(kv, cfg.Store.JanitorSchedule)
	if err != nil {
		return fmt.Errorf("failed to create store janitor: %w", err)
	}
	d.janitor = janitor

	d.locks = lock.New(kv, lock.Options{
		DefaultTTL:    time.Duration(cfg.Locks.TTLSeconds) * time.Second,
		LocalCapacity: cfg.Locks.LocalCapacity,
	})

	d.convs = conversation.NewStore(kv, time.Duration(cfg.Conversations.TTLHours)*time.Hour)

	d.cache = contextcache.New(kv, d.locks, contextcache.Options{
		FillLockTTL:  time.Duration(cfg.Cache.FillLockSeconds) * time.Second,
		PollAttempts: cfg.Cache.PollAttempts,
		PollInterval: time.Duration(cfg.Cache.PollIntervalMs) * time.Millisecond,
	})

	d.tools = tool.NewExecutor(tool.Options{
		Workers: cfg.Tools.Workers,
	})

	generator, err := buildGenerator(cfg)
	if err != nil {
		return err
	}
	d.generator = generate.NewRetrying(generator, cfg.Turns.MaxRetries, 0)

	filter, err := moderation.New(cfg.Moderation)
	if err != nil {
		return fmt.Errorf("failed to create content filter: %w", err)
	}
	d.filter = filter

	d.orchestrator = turn.New(d.locks, d.convs, d.cache, d.tools, d.generator, d.filter, turn.Options{
		Model:         cfg.AI.Model,
		MaxToolRounds: cfg.Turns.MaxToolRounds,
		ToolTimeout:   time.Duration(cfg.Tools.TimeoutSeconds) * time.Second,
		ContextTTL:    time.Duration(cfg.Cache.TTLSeconds) * time.Second,
	})

	return nil
}

// buildGenerator selects the highest-priority configured provider.
func buildGenerator(cfg *config.Config) (generate.Generator, error) {
	profiles := make([]config.AIProfile, len(cfg.AI.Profiles))
	copy(profiles, cfg.AI.Profiles)
	sort.SliceStable(profiles, func(i, j int) bool {
		return profiles[i].Priority < profiles[j].Priority
	})

	for _, profile := range profiles {
		switch profile.Provider {
		case "anthropic":
			return generate.NewAnthropic(profile.APIKey), nil
		case "openai":
			return generate.NewOpenAI(profile.APIKey), nil
		}
	}
	return nil, fmt.Errorf("no usable AI profile configured")
}

// Orchestrator exposes the turn orchestrator to embedding transports.
func (d *Daemon) Orchestrator() *turn.Orchestrator {
	return d.orchestrator
}

// Tools exposes the tool executor so transports can register capabilities.
func (d *Daemon) Tools() *tool.Executor {
	return d.tools
}

// Start starts background services.
func (d *Daemon) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return fmt.Errorf("daemon is already running")
	}

	d.janitor.Start()

	if d.config.Metrics.Enabled {
		addr := fmt.Sprintf("%s:%d", d.config.Metrics.Host, d.config.Metrics.Port)
		mux := http.NewServeMux()
		mux.Handle("/metrics", observability.MetricsHandler())
		d.metricsServer = &http.Server{Addr: addr, Handler: mux}

		go func() {
			zl := d.logger.GetZerolog()
			zl.Info().Str("addr", addr).Msg("Metrics endpoint listening")
			if err := d.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				zl.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	d.startTime = time.Now()
	d.running = true
	zl := d.logger.GetZerolog()
	zl.Info().Msg("Daemon started")
	return nil
}

// Run starts the daemon and blocks until a shutdown signal arrives.
func (d *Daemon) Run() error {
	if err := d.Start(); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		zl := d.logger.GetZerolog()
		zl.Info().Str("signal", sig.String()).Msg("Received signal")
	case <-d.ctx.Done():
	}

	return d.Stop()
}

// Stop shuts down background services and closes the store.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return nil
	}

	d.cancel()
	d.janitor.Stop()
	d.tools.Close()

	zl := d.logger.GetZerolog()

	if d.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.metricsServer.Shutdown(shutdownCtx); err != nil {
			zl.Warn().Err(err).Msg("Metrics server shutdown failed")
		}
	}

	if err := d.kv.Close(); err != nil {
		zl.Warn().Err(err).Msg("Failed to close store")
	}

	d.running = false
	zl.Info().
		Dur("uptime", time.Since(d.startTime)).
		Msg("Daemon stopped")
	return nil
}

// Uptime returns how long the daemon has been running.
func (d *Daemon) Uptime() time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.running {
		return 0
	}
	return time.Since(d.startTime)
}
