package enforce

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/ashita-ai/kiroku/internal/edgefacts"
	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/provenance"
	"github.com/ashita-ai/kiroku/internal/storage"
)

// errNotApplicable means the rule's repair strategy cannot fix this kind of violation.
var errNotApplicable = errors.New("repair strategy does not apply to violation kind")

// repair fixes one violation if it still exists. It sets v.Repaired and
// v.RepairAction; a returned error means the attempt failed and v.Repaired is false.
func (ev *evaluation) repair(ctx context.Context, v *model.Violation) error {
	still, err := ev.stillViolated(ctx, *v)
	if err != nil {
		return fmt.Errorf("re-check: %w", err)
	}
	if !still {
		v.RepairAction = "none: resolved before repair"
		return nil
	}

	spec := ev.rule.Repair
	if !applies(spec.Strategy, v.Kind) {
		v.RepairAction = "none: " + errNotApplicable.Error()
		return nil
	}

	commit, err := ev.openCommit(ctx)
	if err != nil {
		return err
	}

	action, outputs, err := ev.apply(ctx, commit, v)
	if err != nil {
		_ = ev.recordAction(ctx, commit, v, outputs, err)
		return err
	}
	if err := ev.recordAction(ctx, commit, v, outputs, nil); err != nil {
		return err
	}
	v.Repaired = true
	v.RepairAction = action
	return nil
}

// applies reports whether strategy can fix a violation of kind.
func applies(strategy model.RepairStrategy, kind model.ViolationKind) bool {
	switch strategy {
	case model.RepairLinkFixed, model.RepairLinkFromProperty:
		return kind == model.ViolationMissingRelationship || kind == model.ViolationQueryReported
	case model.RepairRetractExtra:
		return kind == model.ViolationCardinalityExceeded
	case model.RepairRawQuery:
		return true
	}
	return false
}

// stillViolated re-runs the rule restricted to v's entity.
func (ev *evaluation) stillViolated(ctx context.Context, v model.Violation) (bool, error) {
	current, err := ev.check.find(ctx, ev, scope{v.EntityID: true})
	if err != nil {
		return false, err
	}
	return slices.ContainsFunc(current, func(c model.Violation) bool {
		if c.EntityID != v.EntityID || c.EntityType != v.EntityType || c.Kind != v.Kind {
			return false
		}
		if v.FactID != nil {
			return c.FactID != nil && *c.FactID == *v.FactID
		}
		return true
	}), nil
}

// openCommit returns the run's repair commit, creating it on first use.
func (ev *evaluation) openCommit(ctx context.Context) (model.Commit, error) {
	if ev.commit != nil {
		return *ev.commit, nil
	}
	in := provenance.CreateCommitInput{
		OrgID:      ev.orgID,
		Message:    fmt.Sprintf("cross-layer enforcement: repair %s", ruleLabel(ev.rule)),
		Author:     RepairAuthor,
		AuthorType: model.AuthorSystem,
		BranchName: ev.e.cfg.Branch,
		Metadata: map[string]any{
			"rule_id":  ev.rule.ID,
			"strategy": string(ev.rule.Repair.Strategy),
		},
	}
	// Rules repairing in parallel race for the same branch head. The parent
	// is re-read from the head on every attempt.
	var c model.Commit
	err := storage.RetryOnConflict(ctx, ev.e.cfg.CommitRetries, ev.e.cfg.CommitRetryDelay, func() error {
		var err error
		c, err = ev.e.chain.CreateCommit(ctx, in)
		return err
	})
	if err != nil {
		return model.Commit{}, fmt.Errorf("open repair commit: %w", err)
	}
	ev.commit = &c
	return c, nil
}

func ruleLabel(r model.CrossLayerRule) string {
	if r.Name != "" {
		return r.Name
	}
	return r.ID
}

// apply performs the repair and returns a description plus action outputs.
func (ev *evaluation) apply(ctx context.Context, commit model.Commit, v *model.Violation) (string, map[string]any, error) {
	spec := ev.rule.Repair
	switch spec.Strategy {
	case model.RepairLinkFixed:
		return ev.link(ctx, v, spec.TargetID)
	case model.RepairLinkFromProperty:
		target, err := ev.propertyTarget(ctx, v, spec.Property)
		if err != nil {
			return "", nil, err
		}
		return ev.link(ctx, v, target)
	case model.RepairRetractExtra:
		return ev.retractExtra(ctx, v)
	case model.RepairRawQuery:
		n, err := ev.e.graph.RunRepairQuery(ctx, spec.RawQuery, ev.orgID, v.EntityID)
		if err != nil {
			return "", nil, &QueryExecutionError{RuleID: ev.rule.ID, Err: err}
		}
		out := map[string]any{"rows_affected": n}
		if n == 0 {
			return "", out, errors.New("repair query affected no rows")
		}
		f, err := ev.markRepaired(ctx, commit, v, n)
		if err != nil {
			return "", out, err
		}
		out["fact_id"] = f.ID.String()
		return fmt.Sprintf("raw repair query affected %d rows", n), out, nil
	}
	return "", nil, fmt.Errorf("unknown repair strategy %q", spec.Strategy)
}

// link asserts the missing relationship between v's entity and targetID.
// Outgoing rules link entity -> target; incoming rules link target -> entity.
func (ev *evaluation) link(ctx context.Context, v *model.Violation, targetID string) (string, map[string]any, error) {
	r := ev.rule
	from := v.Ref()
	to := model.EntityRef{Type: r.ToEntityType, ID: targetID}
	if r.Kind == model.RuleRequiredIncoming {
		from = model.EntityRef{Type: r.FromEntityType, ID: targetID}
		to = v.Ref()
	}
	ruleID := r.ID
	f, err := ev.e.facts.AssertFact(ctx, edgefacts.AssertInput{
		OrgID: ev.orgID,
		Type:  r.RelationshipType,
		From:  from,
		To:    to,
		Props: model.FactProps{
			Method:     model.MethodAutomatic,
			Confidence: r.Repair.Confidence,
			RuleID:     &ruleID,
		},
		Policy: r.Cardinality,
	})
	if err != nil {
		return "", nil, fmt.Errorf("assert %s: %w", r.RelationshipType, err)
	}
	id := f.ID
	v.FactID = &id
	return fmt.Sprintf("linked %s -[%s]-> %s", from, r.RelationshipType, to),
		map[string]any{"fact_id": f.ID.String(), "from": from.String(), "to": to.String()}, nil
}

// markRepaired records a raw repair in the fact store as an automatic
// REPAIRED_BY fact from the entity to the repair commit. The query itself
// writes outside the fact store.
func (ev *evaluation) markRepaired(ctx context.Context, commit model.Commit, v *model.Violation, rows int64) (model.EdgeFact, error) {
	ruleID := ev.rule.ID
	f, err := ev.e.facts.AssertFact(ctx, edgefacts.AssertInput{
		OrgID: ev.orgID,
		Type:  RepairedByType,
		From:  v.Ref(),
		To:    model.EntityRef{Type: model.EntityCommit, ID: commit.ID.String()},
		Props: model.FactProps{
			Method:     model.MethodAutomatic,
			Confidence: ev.rule.Repair.Confidence,
			RuleID:     &ruleID,
			Extra:      map[string]any{"rows_affected": rows},
		},
		Policy: model.ManyToMany,
	})
	if err != nil {
		return model.EdgeFact{}, fmt.Errorf("assert %s: %w", RepairedByType, err)
	}
	id := f.ID
	v.FactID = &id
	return f, nil
}

// propertyTarget reads the link target from a property of the entity's latest version.
func (ev *evaluation) propertyTarget(ctx context.Context, v *model.Violation, property string) (string, error) {
	ver, err := ev.e.graph.LatestVersion(ctx, ev.orgID, v.Ref())
	if err != nil {
		return "", fmt.Errorf("read %s: %w", v.Ref(), err)
	}
	raw, ok := ver.Properties[property]
	if !ok || raw == nil {
		return "", fmt.Errorf("%s has no %q property", v.Ref(), property)
	}
	var target string
	switch t := raw.(type) {
	case string:
		target = t
	case float64, int, int64, bool:
		target = fmt.Sprint(t)
	default:
		return "", fmt.Errorf("%s property %q is %T, want a scalar id", v.Ref(), property, raw)
	}
	if target == "" {
		return "", fmt.Errorf("%s property %q is empty", v.Ref(), property)
	}
	return target, nil
}

// retractExtra closes every active fact on v's side but the newest.
func (ev *evaluation) retractExtra(ctx context.Context, v *model.Violation) (string, map[string]any, error) {
	r := ev.rule
	q := model.FactQuery{OrgID: ev.orgID, Type: r.RelationshipType, FromType: r.FromEntityType, ToType: r.ToEntityType}
	ref := v.Ref()
	if v.EntityType == r.ToEntityType && r.FromEntityType != r.ToEntityType {
		q.To, q.ToType = &ref, ""
	} else {
		q.From, q.FromType = &ref, ""
	}
	facts, err := ev.e.facts.QueryActive(ctx, q)
	if err != nil {
		return "", nil, fmt.Errorf("load facts: %w", err)
	}
	if len(facts) < 2 {
		return "", nil, fmt.Errorf("%s has %d active facts, nothing to retract", ref, len(facts))
	}

	slices.SortFunc(facts, func(a, b model.EdgeFact) int {
		if c := b.ValidFrom.Compare(a.ValidFrom); c != 0 {
			return c
		}
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	at := ev.e.cfg.Clock()
	retracted := make([]string, 0, len(facts)-1)
	for _, f := range facts[1:] {
		if err := ev.e.facts.RetractFact(ctx, f.ID, &at); err != nil {
			return "", map[string]any{"retracted": retracted}, fmt.Errorf("retract %s: %w", f.ID, err)
		}
		retracted = append(retracted, f.ID.String())
	}
	kept := facts[0].ID
	v.FactID = &kept
	return fmt.Sprintf("retracted %d extra %s facts, kept %s", len(retracted), r.RelationshipType, kept),
		map[string]any{"kept": kept.String(), "retracted": retracted}, nil
}

// recordAction writes the Action for one repair attempt. A failed attempt is
// recorded with status failed; errors recording it are only logged.
func (ev *evaluation) recordAction(ctx context.Context, c model.Commit, v *model.Violation, outputs map[string]any, cause error) error {
	in := provenance.CreateActionInput{
		OrgID:      ev.orgID,
		CommitID:   c.ID,
		ActionType: "repair." + string(ev.rule.Repair.Strategy),
		Tool:       RepairTool,
		EntityType: v.EntityType,
		EntityID:   v.EntityID,
		Inputs: map[string]any{
			"rule_id":        ev.rule.ID,
			"violation_kind": string(v.Kind),
			"description":    v.Description,
		},
		Outputs: outputs,
		Status:  model.ActionSuccess,
	}
	if cause != nil {
		msg := cause.Error()
		in.Status = model.ActionFailed
		in.ErrorMessage = &msg
	}
	if _, err := ev.e.chain.CreateAction(ctx, in); err != nil {
		if cause != nil {
			ev.e.logger.Warn("enforce: record failed repair", "rule_id", ev.rule.ID, "error", err)
			return nil
		}
		return fmt.Errorf("record repair action: %w", err)
	}
	return nil
}
