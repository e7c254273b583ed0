// Package enforce implements the cross-layer rule engine.
//
// A rule states a required relationship between entity types of different
// layers. The engine compiles each rule into a typed checker, finds the
// entities that violate it within one organization, and repairs violations
// where the rule carries a repair strategy. Every repair is recorded through
// the commit chain and the EdgeFact store so automatic links keep their
// provenance.
package enforce

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kiroku/internal/edgefacts"
	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/provenance"
	"github.com/ashita-ai/kiroku/internal/storage"
	"github.com/ashita-ai/kiroku/internal/telemetry"
)

// Graph is the read side of the graph store plus the raw-query escape hatch.
// *storage.DB satisfies it.
type Graph interface {
	ListKnownEntities(ctx context.Context, orgID uuid.UUID, entityType model.EntityType) ([]model.EntityRef, error)
	LatestVersion(ctx context.Context, orgID uuid.UUID, ref model.EntityRef) (model.Version, error)
	RunViolationQuery(ctx context.Context, sql string, orgID uuid.UUID) ([]storage.RawViolation, error)
	RunRepairQuery(ctx context.Context, sql string, orgID uuid.UUID, entityID string) (int64, error)
}

// Facts is the EdgeFact store. *edgefacts.Service satisfies it.
type Facts interface {
	AssertFact(ctx context.Context, in edgefacts.AssertInput) (model.EdgeFact, error)
	RetractFact(ctx context.Context, id uuid.UUID, validTo *time.Time) error
	QueryActive(ctx context.Context, q model.FactQuery) ([]model.EdgeFact, error)
}

// Chain is the commit chain. *provenance.Service satisfies it.
type Chain interface {
	CreateCommit(ctx context.Context, in provenance.CreateCommitInput) (model.Commit, error)
	CreateAction(ctx context.Context, in provenance.CreateActionInput) (model.Action, error)
}

// Author and tool recorded on everything the engine writes.
const (
	RepairAuthor = "cross-layer-enforcement"
	RepairTool   = "cross-layer-enforcement"
)

// RepairedByType is the relationship recorded for raw-query repairs, linking
// the repaired entity to the repair commit.
const RepairedByType = "REPAIRED_BY"

// Config tunes an Engine.
type Config struct {
	// Parallelism bounds how many rules ValidateAll evaluates at once. Default 4.
	Parallelism int
	// DisableRepair makes every run validation-only.
	DisableRepair bool
	// Branch receives repair commits; empty means the chain's default branch.
	Branch string
	// CommitRetries bounds how often a repair commit is retried after losing
	// the branch head to a concurrent writer. Default 8.
	CommitRetries int
	// CommitRetryDelay is the first backoff between those retries. Default 5ms.
	CommitRetryDelay time.Duration
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Engine evaluates and repairs cross-layer rules. It holds no per-run state
// and is safe for concurrent use.
type Engine struct {
	graph  Graph
	facts  Facts
	chain  Chain
	exprs  *Evaluator
	cfg    Config
	logger *slog.Logger

	tracer       trace.Tracer
	found        metric.Int64Counter
	repaired     metric.Int64Counter
	ruleErrors   metric.Int64Counter
	ruleDuration metric.Float64Histogram
}

// New creates an Engine.
func New(graph Graph, facts Facts, chain Chain, cfg Config, logger *slog.Logger) (*Engine, error) {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	if cfg.CommitRetries <= 0 {
		cfg.CommitRetries = 8
	}
	if cfg.CommitRetryDelay <= 0 {
		cfg.CommitRetryDelay = 5 * time.Millisecond
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	exprs, err := NewEvaluator()
	if err != nil {
		return nil, err
	}

	meter := telemetry.Meter("kiroku/enforce")
	found, _ := meter.Int64Counter("kiroku.enforce.violations.found",
		metric.WithDescription("Violations found by rule evaluations"))
	repaired, _ := meter.Int64Counter("kiroku.enforce.violations.repaired",
		metric.WithDescription("Violations repaired automatically"))
	ruleErrors, _ := meter.Int64Counter("kiroku.enforce.rule.errors",
		metric.WithDescription("Rule evaluations whose query failed"))
	ruleDuration, _ := meter.Float64Histogram("kiroku.enforce.rule.duration",
		metric.WithDescription("Time to evaluate and repair one rule (ms)"),
		metric.WithUnit("ms"),
	)

	return &Engine{
		graph:        graph,
		facts:        facts,
		chain:        chain,
		exprs:        exprs,
		cfg:          cfg,
		logger:       logger,
		tracer:       telemetry.Tracer("kiroku/enforce"),
		found:        found,
		repaired:     repaired,
		ruleErrors:   ruleErrors,
		ruleDuration: ruleDuration,
	}, nil
}

// Compile checks that a rule is well formed and, for expression rules, that
// its CEL predicate compiles.
func (e *Engine) Compile(rule model.CrossLayerRule) error {
	_, err := compile(rule, e.exprs)
	return err
}

// evaluation is the context of one rule run against one organization.
type evaluation struct {
	e     *Engine
	orgID uuid.UUID
	rule  model.CrossLayerRule
	check checker
	now   time.Time
	// commit is opened lazily by the first repair of the run.
	commit *model.Commit
}

// ValidateRule evaluates one rule against the current state of orgID and, if
// the rule is enabled and carries a repair, repairs each violation.
//
// A failing rule query yields a result with Error set and a *QueryExecutionError.
// If ctx is cancelled while repairing, the partial result is returned with ctx.Err().
func (e *Engine) ValidateRule(ctx context.Context, orgID uuid.UUID, rule model.CrossLayerRule) (model.ValidationResult, error) {
	return e.run(ctx, orgID, rule, nil)
}

func (e *Engine) run(ctx context.Context, orgID uuid.UUID, rule model.CrossLayerRule, sc scope) (model.ValidationResult, error) {
	ctx, span := e.tracer.Start(ctx, "enforce.rule", trace.WithAttributes(
		attribute.String("kiroku.rule_id", rule.ID),
		attribute.String("kiroku.org_id", orgID.String()),
		attribute.String("kiroku.rule_kind", string(rule.Kind)),
	))
	defer span.End()

	start := e.cfg.Clock()
	attrs := metric.WithAttributes(attribute.String("rule_id", rule.ID))
	defer func() {
		e.ruleDuration.Record(ctx, float64(e.cfg.Clock().Sub(start).Milliseconds()), attrs)
	}()

	m := newMachine()
	res := model.ValidationResult{
		RuleID:     rule.ID,
		RuleName:   rule.Name,
		OrgID:      orgID,
		State:      m.state,
		Violations: []model.Violation{},
		StartedAt:  start.UTC(),
	}
	finish := func() model.ValidationResult {
		m.to(model.StateReported)
		res.State = m.state
		res.FinishedAt = e.cfg.Clock().UTC()
		return res
	}

	m.to(model.StateValidating)
	ev := &evaluation{e: e, orgID: orgID, rule: rule, now: start}
	check, err := compile(rule, e.exprs)
	var violations []model.Violation
	if err == nil {
		ev.check = check
		violations, err = check.find(ctx, ev, sc)
	}
	if err != nil {
		qe := &QueryExecutionError{RuleID: rule.ID, Err: err}
		res.Error = qe.Error()
		e.ruleErrors.Add(ctx, 1, attrs)
		span.RecordError(qe)
		span.SetStatus(codes.Error, "rule query failed")
		e.logger.Warn("enforce: rule query failed", "rule_id", rule.ID, "org_id", orgID, "error", err)
		return finish(), qe
	}

	res.ViolationsFound = len(violations)
	if len(violations) == 0 {
		m.to(model.StateClean)
		return finish(), nil
	}
	m.to(model.StateViolationsFound)
	res.Violations = violations
	e.found.Add(ctx, int64(len(violations)), attrs)
	span.SetAttributes(attribute.Int("kiroku.violations", len(violations)))

	if !rule.CanRepair() || e.cfg.DisableRepair {
		return finish(), nil
	}

	m.to(model.StateRepairing)
	for i := range res.Violations {
		if err := ctx.Err(); err != nil {
			return finish(), err
		}
		v := &res.Violations[i]
		if err := ev.repair(ctx, v); err != nil {
			if ctx.Err() != nil {
				return finish(), ctx.Err()
			}
			e.logger.Warn("enforce: repair failed",
				"rule_id", rule.ID, "org_id", orgID, "entity_id", v.EntityID, "error", err)
			continue
		}
		if v.Repaired {
			res.ViolationsRepaired++
		}
	}
	e.repaired.Add(ctx, int64(res.ViolationsRepaired), attrs)
	return finish(), nil
}

// ValidateAll evaluates every enabled rule in rules against orgID with bounded
// parallelism. A rule whose query fails is reported with Error set and does
// not affect the others.
//
// If ctx is cancelled, the results of rules that finished are returned
// together with ctx.Err(); rules that did not finish are omitted.
func (e *Engine) ValidateAll(ctx context.Context, orgID uuid.UUID, rules []model.CrossLayerRule) ([]model.ValidationResult, error) {
	return e.runAll(ctx, orgID, rules, nil)
}

// RepairViolations re-validates and repairs every enabled rule restricted to
// the given entity IDs, avoiding a full-graph scan after a bulk ingestion.
func (e *Engine) RepairViolations(ctx context.Context, orgID uuid.UUID, rules []model.CrossLayerRule, entityIDs []string) ([]model.ValidationResult, error) {
	if len(entityIDs) == 0 {
		return []model.ValidationResult{}, nil
	}
	return e.runAll(ctx, orgID, rules, newScope(entityIDs))
}

func (e *Engine) runAll(ctx context.Context, orgID uuid.UUID, rules []model.CrossLayerRule, sc scope) ([]model.ValidationResult, error) {
	enabled := make([]model.CrossLayerRule, 0, len(rules))
	for _, r := range rules {
		if r.Enabled {
			enabled = append(enabled, r)
		}
	}

	results := make([]model.ValidationResult, len(enabled))
	done := make([]bool, len(enabled))

	var g errgroup.Group
	g.SetLimit(e.cfg.Parallelism)
	for i, rule := range enabled {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			res, err := e.run(ctx, orgID, rule, sc)
			if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return nil
			}
			results[i] = res
			done[i] = true
			return nil
		})
	}
	_ = g.Wait()

	out := make([]model.ValidationResult, 0, len(enabled))
	for i, ok := range done {
		if ok {
			out = append(out, results[i])
		}
	}
	if err := ctx.Err(); err != nil {
		return out, err
	}
	return out, nil
}
