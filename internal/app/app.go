// Package app wires configuration into a running set of components.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"tradeloop/internal/collab"
	"tradeloop/internal/collab/llm"
	"tradeloop/internal/collab/sim"
	"tradeloop/internal/config"
	"tradeloop/internal/daemon"
	"tradeloop/internal/db"
	"tradeloop/internal/frequency"
	"tradeloop/internal/memdir"
	"tradeloop/internal/migrate"
	"tradeloop/internal/notify"
	"tradeloop/internal/organizer"
	"tradeloop/internal/repo"
)

// App holds the components built from one workspace config.
type App struct {
	Workspace string
	Config    *config.Config
	Log       logrus.FieldLogger

	Store     *memdir.Store
	Index     *repo.Repo
	Brokerage collab.Brokerage
	Tagger    collab.Tagger
	Decider   collab.DecisionMaker
	Notifier  collab.Notifier
	Webhooks  *notify.Webhook
	Organizer *organizer.Worker
	Analyzer  frequency.Analyzer

	conn  *sql.DB
	cache organizer.Cache
}

// Open builds every component. Network collaborators are constructed but not
// contacted, except the redis cache which is pinged on connect.
func Open(ctx context.Context, workspace string, cfg *config.Config, log logrus.FieldLogger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	a := &App{Workspace: workspace, Config: cfg, Log: log}
	root := cfg.StoreRoot(workspace)

	opts := []memdir.Option{memdir.WithLogger(log)}
	if cfg.Store.Host != "" {
		opts = append(opts, memdir.WithHost(cfg.Store.Host))
	}
	if cfg.Store.Index {
		conn, err := db.Open(db.Config{Root: root})
		if err != nil {
			return nil, fmt.Errorf("open manifest: %w", err)
		}
		if err := migrate.Migrate(ctx, conn); err != nil {
			conn.Close()
			return nil, fmt.Errorf("migrate manifest: %w", err)
		}
		a.conn = conn
		a.Index = &repo.Repo{DB: conn}
		opts = append(opts, memdir.WithIndex(a.Index))
	}
	store, err := memdir.Open(root, opts...)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Store = store

	if err := a.buildCollaborators(ctx); err != nil {
		a.Close()
		return nil, err
	}
	a.Organizer = organizer.New(store, a.Tagger, organizer.Options{
		BatchSize: cfg.Organizer.BatchSize,
		Delay:     time.Duration(cfg.Organizer.DelayMS) * time.Millisecond,
		Cache:     a.cache,
		Log:       log,
	})
	a.Analyzer = frequency.Analyzer{Store: store, Source: "frequency_analyzer", Log: log}
	return a, nil
}

func (a *App) buildCollaborators(ctx context.Context) error {
	cfg := a.Config
	switch cfg.Brokerage.Provider {
	case "sim":
		a.Brokerage = sim.New(sim.Config{
			Symbols:      cfg.Decision.Symbols,
			StartingCash: cfg.Brokerage.StartingCash,
			Seed:         cfg.Brokerage.Seed,
			Log:          a.Log,
		})
	default:
		return fmt.Errorf("unknown brokerage provider %q", cfg.Brokerage.Provider)
	}

	switch cfg.LLM.Provider {
	case "mock":
		a.Tagger = llm.Mock{}
		a.Decider = llm.Mock{}
	case "openai":
		client := llm.NewClient(llm.Config{
			BaseURL: cfg.LLM.BaseURL,
			APIKey:  cfg.LLM.APIKey,
			Model:   cfg.LLM.Model,
			Timeout: time.Duration(cfg.LLM.TimeoutSeconds) * time.Second,
		})
		a.Tagger = llm.Tagger{Client: client}
		a.Decider = llm.DecisionMaker{Client: client}
	default:
		return fmt.Errorf("unknown llm provider %q", cfg.LLM.Provider)
	}

	switch cfg.Organizer.Cache {
	case "none":
		a.cache = organizer.NopCache{}
	case "memory", "":
		a.cache = organizer.NewMemoryCache(cfg.Organizer.CacheSize)
	case "redis":
		rc, err := organizer.NewRedisCache(ctx, cfg.Organizer.RedisURL, "", time.Duration(cfg.Organizer.CacheTTL)*time.Hour)
		if err != nil {
			return err
		}
		a.cache = rc
	default:
		return fmt.Errorf("unknown organizer cache %q", cfg.Organizer.Cache)
	}

	notifiers := []collab.Notifier{notify.Log{Logger: a.Log}}
	if len(cfg.Notify.Webhooks) > 0 {
		a.Webhooks = notify.NewWebhook("tradeloop", cfg.Notify.Webhooks, a.Log)
		notifiers = append(notifiers, a.Webhooks)
	}
	a.Notifier = notify.Multi{Min: collab.Severity(cfg.Notify.MinSeverity), Notifiers: notifiers}
	return nil
}

// FrequencyParams returns the analyzer parameters from config.
func (a *App) FrequencyParams() frequency.Params {
	f := a.Config.Frequency
	return frequency.Params{
		WindowDays:         f.WindowDays,
		MinIntervalSeconds: f.MinIntervalSeconds,
		BufferFactor:       f.BufferFactor,
		MinSamples:         f.MinSamples,
	}
}

// PruneLimits returns the archive retention limits from config.
func (a *App) PruneLimits() memdir.PruneLimits {
	return memdir.PruneLimits{MaxAgeDays: a.Config.Store.Prune.MaxAgeDays, MaxCount: a.Config.Store.Prune.MaxCount}
}

// Daemon builds the orchestration loop. clock may be nil.
func (a *App) Daemon(clock daemon.Clock) (*daemon.Daemon, error) {
	cfg := a.Config
	symbols := make([]string, 0, len(cfg.Decision.Symbols))
	for _, s := range cfg.Decision.Symbols {
		symbols = append(symbols, strings.ToUpper(strings.TrimSpace(s)))
	}
	deps := daemon.Deps{
		Store:     a.Store,
		Brokerage: a.Brokerage,
		Decider:   a.Decider,
		Notifier:  a.Notifier,
		Organizer: a.Organizer,
		Analyzer:  a.Analyzer,
		Clock:     clock,
		Log:       a.Log,
	}
	if cfg.Optimizer.Schedule != "" {
		deps.Optimizer = Review{Store: a.Store, WindowDays: cfg.Frequency.WindowDays, Log: a.Log}
	}
	return daemon.New(daemon.Config{
		Symbols:             symbols,
		Execute:             cfg.Decision.Execute,
		Tick:                time.Duration(cfg.Scheduler.TickSeconds) * time.Second,
		HealthInterval:      time.Duration(cfg.Scheduler.HealthSeconds) * time.Second,
		MaintenanceInterval: time.Duration(cfg.Scheduler.MaintenanceSeconds) * time.Second,
		PruneInterval:       time.Duration(cfg.Store.Prune.IntervalHours) * time.Hour,
		Frequency:           a.FrequencyParams(),
		PruneEnabled:        cfg.Store.Prune.Enabled,
		Prune:               a.PruneLimits(),
		OptimizerCadence:    daemon.Cadence(cfg.Optimizer.Schedule),
		OptimizerAt:         cfg.Optimizer.At,
	}, deps)
}

// Close releases the manifest database and cache connections.
func (a *App) Close() error {
	var errs []error
	if c, ok := a.cache.(interface{ Close() error }); ok {
		errs = append(errs, c.Close())
	}
	if a.conn != nil {
		errs = append(errs, a.conn.Close())
	}
	return errors.Join(errs...)
}
