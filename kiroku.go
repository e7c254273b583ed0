// Package kiroku is the public API for embedding the kiroku provenance and
// cross-layer enforcement engine.
//
// Callers construct an App, use its services, and optionally run the
// background loops:
//
//	app, err := kiroku.New(ctx,
//	    kiroku.WithVersion(version),
//	    kiroku.WithLogger(logger),
//	    kiroku.WithRulesFile("rules.yaml"),
//	)
//	if err != nil { ... }
//	defer app.Close(context.Background())
//	results, err := app.ValidateAll(ctx, orgID)
//
// Service packages under internal/ never import this package; only the CLI
// builds on it. Public types in types.go are aliases so values flow across
// the boundary without conversion.
package kiroku

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/ashita-ai/kiroku/internal/config"
	"github.com/ashita-ai/kiroku/internal/edgefacts"
	"github.com/ashita-ai/kiroku/internal/enforce"
	"github.com/ashita-ai/kiroku/internal/mirror"
	"github.com/ashita-ai/kiroku/internal/notify"
	"github.com/ashita-ai/kiroku/internal/orchestrator"
	"github.com/ashita-ai/kiroku/internal/provenance"
	"github.com/ashita-ai/kiroku/internal/storage"
	"github.com/ashita-ai/kiroku/internal/telemetry"
	"github.com/ashita-ai/kiroku/internal/worker"
	"github.com/ashita-ai/kiroku/migrations"
)

// App owns the graph store connection and every service built on it.
// Construct with New, release with Close.
type App struct {
	cfg          config.Config
	db           *storage.DB
	chain        *provenance.Service
	facts        *edgefacts.Service
	engine       *enforce.Engine
	orch         *orchestrator.Orchestrator
	mirror       *mirror.Mirror // nil when no mirror path is configured
	pub          notify.Publisher
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New loads configuration, connects to PostgreSQL, runs migrations, wires
// the services and loads the rule set. It starts no goroutines; call Run for
// the background loops.
func New(ctx context.Context, opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	o.apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, logger: logger, version: version}
	if err := a.init(ctx, o); err != nil {
		a.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context, o resolvedOptions) error {
	cfg, logger := a.cfg, a.logger

	shutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, a.version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	a.otelShutdown = shutdown

	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	a.db = db
	db.RegisterPoolMetrics()

	if o.skipMigrations {
		logger.Info("embedded migrations skipped")
	} else if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	a.chain = provenance.New(db, cfg.DefaultBranch, logger)
	a.facts = edgefacts.New(db, nil, logger)
	a.engine, err = enforce.New(db, a.facts, a.chain, enforce.Config{
		Parallelism:   cfg.EnforceParallelism,
		DisableRepair: o.dryRun,
		Branch:        cfg.DefaultBranch,
	}, logger)
	if err != nil {
		return fmt.Errorf("enforce: %w", err)
	}

	orchOpts := orchestrator.Options{}
	if cfg.PersistRules {
		orchOpts.Rules = db
	}
	if cfg.MirrorPath != "" {
		if a.mirror, err = mirror.Open(cfg.MirrorPath); err != nil {
			return fmt.Errorf("mirror: %w", err)
		}
		orchOpts.History = a.mirror
	}
	switch {
	case o.publisher != nil:
		a.pub = o.publisher
	case cfg.RedisURL != "":
		if a.pub, err = notify.DialRedis(ctx, cfg.RedisURL, logger); err != nil {
			return fmt.Errorf("notify: %w", err)
		}
	default:
		a.pub = notify.NoopPublisher{}
	}
	orchOpts.Publisher = a.pub
	a.orch = orchestrator.New(a.engine, a.facts, orchOpts, logger)

	return a.loadRules(ctx, o.rules)
}

// loadRules installs the rule set: explicit rules win, then the rules file,
// then whatever was persisted.
func (a *App) loadRules(ctx context.Context, explicit []Rule) error {
	switch {
	case explicit != nil:
		return a.orch.LoadRules(ctx, explicit)
	case a.cfg.RulesFile != "":
		rules, err := enforce.LoadRuleFile(a.cfg.RulesFile)
		if err != nil {
			return err
		}
		if err := a.orch.LoadRules(ctx, rules); err != nil {
			return err
		}
		a.logger.Info("rules loaded", "file", a.cfg.RulesFile, "count", len(rules))
		return nil
	case a.cfg.PersistRules:
		return a.orch.Restore(ctx)
	}
	return nil
}

// Chain returns the commit chain service.
func (a *App) Chain() *provenance.Service { return a.chain }

// Facts returns the EdgeFact service.
func (a *App) Facts() *edgefacts.Service { return a.facts }

// Enforcement returns the orchestrator that owns the rule set.
func (a *App) Enforcement() *orchestrator.Orchestrator { return a.orch }

// Config returns the resolved configuration.
func (a *App) Config() config.Config { return a.cfg }

// ValidateAll runs every enabled rule against orgID.
func (a *App) ValidateAll(ctx context.Context, orgID uuid.UUID) ([]ValidationResult, error) {
	return a.orch.ValidateAll(ctx, orgID)
}

// RepairViolations re-validates and repairs the given entities only.
func (a *App) RepairViolations(ctx context.Context, orgID uuid.UUID, entityIDs []string) ([]ValidationResult, error) {
	return a.orch.RepairViolations(ctx, orgID, entityIDs)
}

// Statistics returns fact counts and per-rule enforcement history.
func (a *App) Statistics(ctx context.Context, orgID uuid.UUID) (Statistics, error) {
	return a.orch.GetCrossLayerStatistics(ctx, orgID)
}

// RecentRuns lists the newest enforcement runs recorded in the mirror.
// Without a mirror it returns an empty list.
func (a *App) RecentRuns(ctx context.Context, orgID uuid.UUID, limit int) ([]mirror.RunRecord, error) {
	if a.mirror == nil {
		return []mirror.RunRecord{}, nil
	}
	return a.mirror.RecentRuns(ctx, orgID, limit)
}

// Run starts the worker loops (commit-driven repair, sweeps, checkpoints) and
// blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("kiroku worker starting", "version", a.version,
		"rules", len(a.orch.GetRules()), "listen", a.db.HasNotifyConn())
	w := worker.New(a.db, a.orch, a.chain, worker.Config{
		SweepInterval:      a.cfg.SweepInterval,
		CheckpointInterval: a.cfg.CheckpointInterval,
		Debounce:           a.cfg.RepairDebounce,
	}, a.logger)
	return w.Run(ctx)
}

// Close releases every connection. Safe on a partially initialised App.
func (a *App) Close(ctx context.Context) {
	if a.pub != nil {
		if err := a.pub.Close(); err != nil {
			a.logger.Warn("close publisher", "error", err)
		}
	}
	if a.mirror != nil {
		if err := a.mirror.Close(); err != nil {
			a.logger.Warn("close mirror", "error", err)
		}
	}
	if a.db != nil {
		a.db.Close(ctx)
	}
	if a.otelShutdown != nil {
		_ = a.otelShutdown(ctx)
	}
}
