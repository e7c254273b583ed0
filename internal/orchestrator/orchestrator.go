// Package orchestrator coordinates cross-layer enforcement for an organization.
//
// It owns the rule set (in memory, optionally persisted to the graph store),
// hands only enabled rules to the engine, and fans each run's results out to
// the reporting mirror, the notification publisher and metrics. Its one
// invariant: a disabled rule is never evaluated.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kiroku/internal/mirror"
	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/notify"
	"github.com/ashita-ai/kiroku/internal/storage"
	"github.com/ashita-ai/kiroku/internal/telemetry"
)

// Engine evaluates rules. *enforce.Engine satisfies it.
type Engine interface {
	Compile(rule model.CrossLayerRule) error
	ValidateAll(ctx context.Context, orgID uuid.UUID, rules []model.CrossLayerRule) ([]model.ValidationResult, error)
	RepairViolations(ctx context.Context, orgID uuid.UUID, rules []model.CrossLayerRule, entityIDs []string) ([]model.ValidationResult, error)
}

// FactCounter reports EdgeFact counts. *edgefacts.Service satisfies it.
type FactCounter interface {
	CountFacts(ctx context.Context, orgID uuid.UUID) ([]model.FactCount, error)
}

// RuleStore persists rule definitions. *storage.DB satisfies it.
type RuleStore interface {
	UpsertRule(ctx context.Context, r model.CrossLayerRule) error
	SetRuleEnabled(ctx context.Context, id string, enabled bool) error
	DeleteRule(ctx context.Context, id string) error
	ListRules(ctx context.Context) ([]model.CrossLayerRule, error)
}

// History stores run results for statistics. *mirror.Mirror satisfies it.
type History interface {
	Record(ctx context.Context, run mirror.Run) error
	RuleStats(ctx context.Context, orgID uuid.UUID) ([]model.RuleStats, error)
}

// Run triggers recorded with each run.
const (
	TriggerValidateAll = "validate_all"
	TriggerTargeted    = "targeted"
)

// Options holds the optional collaborators. Nil fields disable the feature.
type Options struct {
	Rules     RuleStore
	History   History
	Publisher notify.Publisher
	Clock     func() time.Time
}

// Orchestrator manages the rule set and runs enforcement.
type Orchestrator struct {
	engine Engine
	facts  FactCounter
	store  RuleStore
	hist   History
	pub    notify.Publisher
	now    func() time.Time
	logger *slog.Logger

	mu    sync.RWMutex
	rules []model.CrossLayerRule

	runs metric.Int64Counter
}

// New creates an Orchestrator with an empty rule set.
func New(engine Engine, facts FactCounter, opts Options, logger *slog.Logger) *Orchestrator {
	if opts.Publisher == nil {
		opts.Publisher = notify.NoopPublisher{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	runs, _ := telemetry.Meter("kiroku/orchestrator").Int64Counter("kiroku.enforce.runs",
		metric.WithDescription("Enforcement runs, by trigger"))
	return &Orchestrator{
		engine: engine,
		facts:  facts,
		store:  opts.Rules,
		hist:   opts.History,
		pub:    opts.Publisher,
		now:    opts.Clock,
		logger: logger,
		runs:   runs,
	}
}

// GetRules returns a copy of the rule set in insertion order.
func (o *Orchestrator) GetRules() []model.CrossLayerRule {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return slices.Clone(o.rules)
}

// GetRule returns one rule by ID.
func (o *Orchestrator) GetRule(id string) (model.CrossLayerRule, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	i := o.index(id)
	if i < 0 {
		return model.CrossLayerRule{}, false
	}
	return o.rules[i], true
}

// index returns the position of id or -1. Callers hold mu.
func (o *Orchestrator) index(id string) int {
	return slices.IndexFunc(o.rules, func(r model.CrossLayerRule) bool { return r.ID == id })
}

// AddRule compiles rule and adds it to the set, replacing a rule with the
// same ID in place.
func (o *Orchestrator) AddRule(ctx context.Context, rule model.CrossLayerRule) error {
	if err := o.engine.Compile(rule); err != nil {
		return fmt.Errorf("orchestrator: add rule: %w", err)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.store != nil {
		if err := o.store.UpsertRule(ctx, rule); err != nil {
			return fmt.Errorf("orchestrator: persist rule: %w", err)
		}
	}
	if i := o.index(rule.ID); i >= 0 {
		o.rules[i] = rule
	} else {
		o.rules = append(o.rules, rule)
	}
	o.logger.Info("orchestrator: rule added", "rule_id", rule.ID, "kind", rule.Kind, "enabled", rule.Enabled)
	return nil
}

// RemoveRule deletes a rule. Unknown IDs return storage.ErrNotFound.
func (o *Orchestrator) RemoveRule(ctx context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	i := o.index(id)
	if i < 0 {
		return fmt.Errorf("orchestrator: rule %q: %w", id, storage.ErrNotFound)
	}
	if o.store != nil {
		if err := o.store.DeleteRule(ctx, id); err != nil {
			return fmt.Errorf("orchestrator: delete rule: %w", err)
		}
	}
	o.rules = slices.Delete(o.rules, i, i+1)
	o.logger.Info("orchestrator: rule removed", "rule_id", id)
	return nil
}

// SetRuleEnabled enables or disables a rule. Unknown IDs return storage.ErrNotFound.
func (o *Orchestrator) SetRuleEnabled(ctx context.Context, id string, enabled bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	i := o.index(id)
	if i < 0 {
		return fmt.Errorf("orchestrator: rule %q: %w", id, storage.ErrNotFound)
	}
	if o.store != nil {
		if err := o.store.SetRuleEnabled(ctx, id, enabled); err != nil {
			return fmt.Errorf("orchestrator: persist rule state: %w", err)
		}
	}
	o.rules[i].Enabled = enabled
	return nil
}

// LoadRules replaces the whole rule set. Every rule is compiled first; if
// any fails, nothing changes and all failures are returned.
func (o *Orchestrator) LoadRules(ctx context.Context, rules []model.CrossLayerRule) error {
	var errs []error
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		if seen[r.ID] {
			errs = append(errs, fmt.Errorf("rule %q: duplicate id", r.ID))
		}
		seen[r.ID] = true
		if err := o.engine.Compile(r); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("orchestrator: load rules: %w", errors.Join(errs...))
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.store != nil {
		for _, r := range rules {
			if err := o.store.UpsertRule(ctx, r); err != nil {
				return fmt.Errorf("orchestrator: persist rule: %w", err)
			}
		}
		for _, old := range o.rules {
			if !seen[old.ID] {
				if err := o.store.DeleteRule(ctx, old.ID); err != nil {
					return fmt.Errorf("orchestrator: delete rule: %w", err)
				}
			}
		}
	}
	o.rules = slices.Clone(rules)
	o.logger.Info("orchestrator: rules loaded", "count", len(rules))
	return nil
}

// Restore loads the persisted rule set. Rules that no longer compile are
// skipped and logged. Without a rule store Restore is a no-op.
func (o *Orchestrator) Restore(ctx context.Context) error {
	if o.store == nil {
		return nil
	}
	stored, err := o.store.ListRules(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator: restore rules: %w", err)
	}
	rules := make([]model.CrossLayerRule, 0, len(stored))
	for _, r := range stored {
		if err := o.engine.Compile(r); err != nil {
			o.logger.Warn("orchestrator: skipping stored rule", "rule_id", r.ID, "error", err)
			continue
		}
		rules = append(rules, r)
	}
	o.mu.Lock()
	o.rules = rules
	o.mu.Unlock()
	o.logger.Info("orchestrator: rules restored", "count", len(rules))
	return nil
}

func (o *Orchestrator) enabled() []model.CrossLayerRule {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]model.CrossLayerRule, 0, len(o.rules))
	for _, r := range o.rules {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out
}

// ValidateAll evaluates every enabled rule against orgID. On cancellation the
// results of finished rules are still recorded and returned with ctx.Err().
func (o *Orchestrator) ValidateAll(ctx context.Context, orgID uuid.UUID) ([]model.ValidationResult, error) {
	start := o.now()
	results, err := o.engine.ValidateAll(ctx, orgID, o.enabled())
	o.afterRun(ctx, orgID, TriggerValidateAll, start, results)
	return results, err
}

// RepairViolations re-validates and repairs the given entities under every enabled rule.
func (o *Orchestrator) RepairViolations(ctx context.Context, orgID uuid.UUID, entityIDs []string) ([]model.ValidationResult, error) {
	if len(entityIDs) == 0 {
		return []model.ValidationResult{}, nil
	}
	start := o.now()
	results, err := o.engine.RepairViolations(ctx, orgID, o.enabled(), entityIDs)
	o.afterRun(ctx, orgID, TriggerTargeted, start, results)
	return results, err
}

// afterRun records and publishes a run. Both are best effort and survive
// cancellation of the run's context.
func (o *Orchestrator) afterRun(ctx context.Context, orgID uuid.UUID, trigger string, start time.Time, results []model.ValidationResult) {
	if len(results) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	run := mirror.Run{ID: uuid.New(), OrgID: orgID, Trigger: trigger, StartedAt: start, Results: results}
	o.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", trigger)))

	if o.hist != nil {
		if err := o.hist.Record(ctx, run); err != nil {
			o.logger.Warn("orchestrator: record run", "run_id", run.ID, "org_id", orgID, "error", err)
		}
	}
	summary := summarize(run, o.now().UTC())
	if err := o.pub.Publish(ctx, summary); err != nil {
		o.logger.Warn("orchestrator: publish run", "run_id", run.ID, "org_id", orgID, "error", err)
	}
	o.logger.Info("orchestrator: run finished",
		"run_id", run.ID, "org_id", orgID, "trigger", trigger, "rules", len(results),
		"violations_found", summary.ViolationsFound, "violations_repaired", summary.ViolationsRepaired,
		"failed_rules", summary.Failed)
}

func summarize(run mirror.Run, finished time.Time) notify.RunSummary {
	s := notify.RunSummary{
		RunID:      run.ID,
		OrgID:      run.OrgID,
		Trigger:    run.Trigger,
		Rules:      make([]notify.RuleSummary, 0, len(run.Results)),
		FinishedAt: finished,
	}
	for _, r := range run.Results {
		s.ViolationsFound += r.ViolationsFound
		s.ViolationsRepaired += r.ViolationsRepaired
		if r.Failed() {
			s.Failed++
		}
		s.Rules = append(s.Rules, notify.RuleSummary{
			RuleID:             r.RuleID,
			State:              string(r.State),
			ViolationsFound:    r.ViolationsFound,
			ViolationsRepaired: r.ViolationsRepaired,
			Error:              r.Error,
		})
	}
	return s
}

// GetCrossLayerStatistics aggregates EdgeFact counts and per-rule violation
// history for orgID. Every configured rule appears, with zero counts when it
// has never run or no history is configured.
func (o *Orchestrator) GetCrossLayerStatistics(ctx context.Context, orgID uuid.UUID) (model.CrossLayerStatistics, error) {
	counts, err := o.facts.CountFacts(ctx, orgID)
	if err != nil {
		return model.CrossLayerStatistics{}, fmt.Errorf("orchestrator: count facts: %w", err)
	}
	stats := model.CrossLayerStatistics{
		OrgID:       orgID,
		FactCounts:  counts,
		GeneratedAt: o.now().UTC(),
	}
	for _, c := range counts {
		stats.ActiveFacts += c.Active
		stats.TotalFacts += c.Total
	}

	byRule := map[string]model.RuleStats{}
	if o.hist != nil {
		history, err := o.hist.RuleStats(ctx, orgID)
		if err != nil {
			return model.CrossLayerStatistics{}, fmt.Errorf("orchestrator: rule stats: %w", err)
		}
		for _, s := range history {
			byRule[s.RuleID] = s
		}
	}
	for _, r := range o.GetRules() {
		if _, ok := byRule[r.ID]; !ok {
			byRule[r.ID] = model.RuleStats{RuleID: r.ID}
		}
	}
	stats.Rules = make([]model.RuleStats, 0, len(byRule))
	for _, s := range byRule {
		stats.Rules = append(stats.Rules, s)
	}
	slices.SortFunc(stats.Rules, func(a, b model.RuleStats) int { return strings.Compare(a.RuleID, b.RuleID) })
	return stats, nil
}
