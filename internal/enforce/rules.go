package enforce

import (
	"context"
	"fmt"
	"slices"

	"github.com/ashita-ai/kiroku/internal/model"
)

// scope restricts an evaluation to a set of entity IDs. nil means every entity.
type scope map[string]bool

func newScope(ids []string) scope {
	if ids == nil {
		return nil
	}
	s := make(scope, len(ids))
	for _, id := range ids {
		s[id] = true
	}
	return s
}

func (s scope) has(id string) bool { return s == nil || s[id] }

// checker is the compiled predicate of one rule kind. find returns the
// violators within sc, in a deterministic order.
type checker interface {
	find(ctx context.Context, ev *evaluation, sc scope) ([]model.Violation, error)
}

// compile turns a rule definition into its checker.
func compile(rule model.CrossLayerRule, exprs *Evaluator) (checker, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	switch rule.Kind {
	case model.RuleRequiredOutgoing:
		return relationChecker{
			rule:         rule,
			lower:        rule.Required,
			lowerOnFrom:  true,
			singleTarget: rule.Cardinality.SingleTarget(),
		}, nil
	case model.RuleRequiredIncoming:
		return relationChecker{
			rule:         rule,
			lower:        rule.Required,
			singleSource: rule.Cardinality.SingleSource(),
		}, nil
	case model.RuleCardinalityBound:
		return relationChecker{
			rule:         rule,
			singleTarget: rule.Cardinality.SingleTarget(),
			singleSource: rule.Cardinality.SingleSource(),
		}, nil
	case model.RuleExpression:
		if _, err := exprs.Compile(rule.Expression); err != nil {
			return nil, fmt.Errorf("rule %q: %w", rule.ID, err)
		}
		return expressionChecker{rule: rule, exprs: exprs}, nil
	case model.RuleRawQuery:
		return rawChecker{rule: rule}, nil
	}
	return nil, fmt.Errorf("rule %q: unknown kind %q", rule.ID, rule.Kind)
}

// relationChecker covers required_outgoing, required_incoming and cardinality_bound.
type relationChecker struct {
	rule model.CrossLayerRule
	// lower requires at least one active fact per known anchor entity; the
	// anchor is the from side when lowerOnFrom, the to side otherwise.
	lower       bool
	lowerOnFrom bool
	// singleTarget bounds each source to one target; singleSource bounds each
	// target to one source.
	singleTarget bool
	singleSource bool
}

func (c relationChecker) find(ctx context.Context, ev *evaluation, sc scope) ([]model.Violation, error) {
	r := c.rule
	facts, err := ev.e.facts.QueryActive(ctx, model.FactQuery{
		OrgID:    ev.orgID,
		Type:     r.RelationshipType,
		FromType: r.FromEntityType,
		ToType:   r.ToEntityType,
	})
	if err != nil {
		return nil, err
	}
	bySource := make(map[string][]model.EdgeFact)
	byTarget := make(map[string][]model.EdgeFact)
	for _, f := range facts {
		bySource[f.From.ID] = append(bySource[f.From.ID], f)
		byTarget[f.To.ID] = append(byTarget[f.To.ID], f)
	}

	var out []model.Violation
	if c.lower {
		anchor, groups, dir := r.FromEntityType, bySource, "outgoing"
		if !c.lowerOnFrom {
			anchor, groups, dir = r.ToEntityType, byTarget, "incoming"
		}
		known, err := ev.e.graph.ListKnownEntities(ctx, ev.orgID, anchor)
		if err != nil {
			return nil, err
		}
		for _, ref := range known {
			if !sc.has(ref.ID) || len(groups[ref.ID]) > 0 {
				continue
			}
			out = append(out, model.Violation{
				EntityID:   ref.ID,
				EntityType: ref.Type,
				Kind:       model.ViolationMissingRelationship,
				Description: fmt.Sprintf("%s %s has no %s %s relationship %s %s",
					ref.Type, ref.ID, dir, r.RelationshipType, preposition(dir), counterpart(r, c.lowerOnFrom)),
			})
		}
	}
	if c.singleTarget {
		out = append(out, exceeded(bySource, sc, r.FromEntityType, r, "targets")...)
	}
	if c.singleSource {
		out = append(out, exceeded(byTarget, sc, r.ToEntityType, r, "sources")...)
	}
	return out, nil
}

func preposition(dir string) string {
	if dir == "outgoing" {
		return "to"
	}
	return "from"
}

func counterpart(r model.CrossLayerRule, fromAnchor bool) model.EntityType {
	if fromAnchor {
		return r.ToEntityType
	}
	return r.FromEntityType
}

// exceeded reports every entity with more than one active fact in groups.
func exceeded(groups map[string][]model.EdgeFact, sc scope, entityType model.EntityType, r model.CrossLayerRule, what string) []model.Violation {
	ids := make([]string, 0, len(groups))
	for id, fs := range groups {
		if len(fs) > 1 && sc.has(id) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)

	out := make([]model.Violation, 0, len(ids))
	for _, id := range ids {
		out = append(out, model.Violation{
			EntityID:   id,
			EntityType: entityType,
			Kind:       model.ViolationCardinalityExceeded,
			Description: fmt.Sprintf("%s %s has %d active %s %s under %s",
				entityType, id, len(groups[id]), r.RelationshipType, what, r.Cardinality),
		})
	}
	return out
}

// expressionChecker evaluates a CEL predicate on every active fact of the relationship.
type expressionChecker struct {
	rule  model.CrossLayerRule
	exprs *Evaluator
}

func (c expressionChecker) find(ctx context.Context, ev *evaluation, sc scope) ([]model.Violation, error) {
	r := c.rule
	facts, err := ev.e.facts.QueryActive(ctx, model.FactQuery{
		OrgID:    ev.orgID,
		Type:     r.RelationshipType,
		FromType: r.FromEntityType,
		ToType:   r.ToEntityType,
	})
	if err != nil {
		return nil, err
	}
	var out []model.Violation
	for _, f := range facts {
		if !sc.has(f.From.ID) && !sc.has(f.To.ID) {
			continue
		}
		ok, err := c.exprs.Holds(r.Expression, f, ev.now)
		if err != nil {
			return nil, err
		}
		if ok {
			continue
		}
		id := f.ID
		out = append(out, model.Violation{
			EntityID:    f.From.ID,
			EntityType:  f.From.Type,
			Kind:        model.ViolationPredicateFailed,
			Description: fmt.Sprintf("%s %s -> %s fails %q", r.RelationshipType, f.From, f.To, r.Expression),
			FactID:      &id,
		})
	}
	return out, nil
}

// rawChecker runs the rule's SQL template; every returned row is a violator.
type rawChecker struct {
	rule model.CrossLayerRule
}

func (c rawChecker) find(ctx context.Context, ev *evaluation, sc scope) ([]model.Violation, error) {
	rows, err := ev.e.graph.RunViolationQuery(ctx, c.rule.RawQuery, ev.orgID)
	if err != nil {
		return nil, err
	}
	var out []model.Violation
	for _, row := range rows {
		if !sc.has(row.EntityID) {
			continue
		}
		out = append(out, model.Violation{
			EntityID:    row.EntityID,
			EntityType:  row.EntityType,
			Kind:        model.ViolationQueryReported,
			Description: row.Description,
		})
	}
	return out, nil
}
