package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/recolab/banditd/internal/api"
	"github.com/recolab/banditd/internal/decision"
	"github.com/recolab/banditd/internal/experiment"
	"github.com/recolab/banditd/internal/guardrails"
	"github.com/recolab/banditd/internal/infra/cache"
	"github.com/recolab/banditd/internal/infra/sqlite"
	"github.com/recolab/banditd/internal/policy"
	"github.com/recolab/banditd/internal/reward"
	"github.com/recolab/banditd/internal/selector"
)

// Daemon is the assembled service.
type Daemon struct {
	cfg Config
	log zerolog.Logger

	DB       *sqlite.DB
	Manager  *experiment.Manager
	Registry *policy.Registry
	Selector *selector.Selector
	Worker   *reward.Worker
	Monitor  *guardrails.Monitor
	Decider  *decision.Engine
	server   *api.Server
}

// New builds every component from the configuration.
func New(cfg Config, log zerolog.Logger) (*Daemon, error) {
	storePath := cfg.StorePath()
	if storePath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(storePath), 0o700); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	db, err := sqlite.Open(storePath)
	if err != nil {
		return nil, err
	}

	var backend cache.Cache
	switch cfg.Cache.Backend {
	case "", "memory":
		backend = cache.NewMemory()
	case "redis":
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		backend, err = cache.NewRedis(ctx, cfg.Cache.RedisAddr, cfg.Cache.RedisPassword, cfg.Cache.RedisDB)
		if err != nil {
			// Caches are soft: a dead Redis degrades to in-process caching.
			log.Warn().Err(err).Msg("redis unavailable, using in-memory cache")
			backend = cache.NewMemory()
		}
	default:
		db.Close()
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
	}

	store := policy.NewStateStore(db, backend, log)
	registry := policy.NewRegistry(store)
	if err := registry.SetEpsilon(cfg.Bandit.Epsilon); err != nil {
		db.Close()
		return nil, err
	}
	if err := registry.SetMinPulls(cfg.Bandit.MinPulls); err != nil {
		db.Close()
		return nil, err
	}

	manager := experiment.NewManager(db, backend, log)

	mode := reward.ModeBinary
	if cfg.Bandit.RewardMode == string(reward.ModeScaled) {
		mode = reward.ModeScaled
	}
	worker := reward.NewWorker(db, reward.NewCalculator(mode), registry, log)

	guardEngine := guardrails.NewEngine(db, log)
	guardEngine.UpdateThresholds(guardrails.Thresholds{
		ErrorRate:        cfg.Guardrails.ErrorRate,
		LatencyP95Ms:     cfg.Guardrails.LatencyP95Ms,
		ArmConcentration: cfg.Guardrails.ArmConcentration,
		RewardDrop:       cfg.Guardrails.RewardDrop,
	})
	monitor := guardrails.NewMonitor(guardEngine, manager, log)
	monitor.Cooldown = time.Duration(cfg.Guardrails.CooldownMinutes) * time.Minute
	monitor.MaxAttempts = cfg.Guardrails.MaxAttempts

	decider := decision.NewEngine(db, log)

	sel := selector.New(manager, registry, db, log)
	if cfg.Bandit.SelectionBudgetMs > 0 {
		sel.Budget = time.Duration(cfg.Bandit.SelectionBudgetMs) * time.Millisecond
	}

	server := api.NewServer(db, manager, registry, sel, guardEngine, decider, worker, log)
	if cfg.API.Metrics {
		server.EnableMetrics()
	}

	return &Daemon{
		cfg:      cfg,
		log:      log.With().Str("component", "daemon").Logger(),
		DB:       db,
		Manager:  manager,
		Registry: registry,
		Selector: sel,
		Worker:   worker,
		Monitor:  monitor,
		Decider:  decider,
		server:   server,
	}, nil
}

// Run serves HTTP and drives the periodic tasks until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	defer d.DB.Close()

	group := NewTaskGroup(d.log)
	group.Add("rewards", time.Duration(d.cfg.Rewards.IntervalMinutes)*time.Minute, func(ctx context.Context) {
		if _, err := d.Worker.ProcessPending(ctx); err != nil {
			d.log.Error().Err(err).Msg("reward pass failed")
		}
	})
	group.Add("reward_retry", time.Duration(d.cfg.Rewards.RetryMinutes)*time.Minute, func(ctx context.Context) {
		if _, err := d.Worker.RetryStale(ctx); err != nil {
			d.log.Error().Err(err).Msg("retry pass failed")
		}
	})
	group.Add("reward_sweep", time.Duration(d.cfg.Rewards.SweepHours)*time.Hour, func(ctx context.Context) {
		if _, err := d.Worker.Sweep(ctx); err != nil {
			d.log.Error().Err(err).Msg("sweep failed")
		}
	})
	group.Add("guardrails", time.Duration(d.cfg.Guardrails.IntervalMinutes)*time.Minute, func(ctx context.Context) {
		d.Monitor.RunOnce(ctx)
	})
	group.Add("decisions", time.Duration(d.cfg.Decisions.IntervalHours)*time.Hour, func(ctx context.Context) {
		active, err := d.Manager.Active()
		if err != nil {
			d.log.Error().Err(err).Msg("decision batch failed to list experiments")
			return
		}
		d.Decider.RunDaily(active)
	})
	group.Start(ctx)

	addr := net.JoinHostPort(d.cfg.API.Host, strconv.Itoa(d.cfg.API.Port))
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           d.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		d.log.Info().Str("addr", addr).Msg("api listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		group.Wait()
		return nil
	case err := <-errCh:
		group.Wait()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// NewLogger builds the process logger from the config.
func NewLogger(cfg LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if cfg.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Logger()
}
