package mirror_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kiroku/internal/mirror"
	"github.com/ashita-ai/kiroku/internal/model"
)

func openTemp(t *testing.T) *mirror.Mirror {
	t.Helper()
	m, err := mirror.Open(filepath.Join(t.TempDir(), "nested", "mirror.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func result(ruleID string, found, repaired int, at time.Time, violations ...model.Violation) model.ValidationResult {
	return model.ValidationResult{
		RuleID:             ruleID,
		State:              model.StateReported,
		ViolationsFound:    found,
		ViolationsRepaired: repaired,
		Violations:         violations,
		StartedAt:          at,
		FinishedAt:         at.Add(time.Second),
	}
}

func TestRecordAndRuleStats(t *testing.T) {
	ctx := context.Background()
	m := openTemp(t)
	orgID := uuid.New()
	t0 := time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)
	factID := uuid.New()

	require.NoError(t, m.Record(ctx, mirror.Run{
		ID: uuid.New(), OrgID: orgID, Trigger: "sweep", StartedAt: t0,
		Results: []model.ValidationResult{
			result("scene-needs-script", 2, 1, t0,
				model.Violation{EntityID: "S1", EntityType: model.EntityScene, Kind: model.ViolationMissingRelationship, Repaired: true, RepairAction: "linked", FactID: &factID},
				model.Violation{EntityID: "S2", EntityType: model.EntityScene, Kind: model.ViolationMissingRelationship},
			),
			{RuleID: "broken", State: model.StateReported, Error: "rule \"broken\": boom", StartedAt: t0, FinishedAt: t0},
		},
	}))

	t1 := t0.Add(time.Hour)
	require.NoError(t, m.Record(ctx, mirror.Run{
		ID: uuid.New(), OrgID: orgID, Trigger: "targeted", StartedAt: t1,
		Results: []model.ValidationResult{
			result("scene-needs-script", 1, 1, t1,
				model.Violation{EntityID: "S2", EntityType: model.EntityScene, Kind: model.ViolationMissingRelationship, Repaired: true}),
		},
	}))

	// Another organization must not leak into the stats.
	require.NoError(t, m.Record(ctx, mirror.Run{
		ID: uuid.New(), OrgID: uuid.New(), StartedAt: t1,
		Results: []model.ValidationResult{result("scene-needs-script", 9, 0, t1)},
	}))

	stats, err := m.RuleStats(ctx, orgID)
	require.NoError(t, err)
	require.Len(t, stats, 2)

	assert.Equal(t, "broken", stats[0].RuleID)
	assert.Equal(t, 1, stats[0].Runs)
	assert.Equal(t, 1, stats[0].Failures)

	s := stats[1]
	assert.Equal(t, "scene-needs-script", s.RuleID)
	assert.Equal(t, 2, s.Runs)
	assert.Zero(t, s.Failures)
	assert.Equal(t, 3, s.ViolationsFound)
	assert.Equal(t, 2, s.ViolationsRepaired)
	assert.Equal(t, 1, s.LastViolations)
	require.NotNil(t, s.LastRunAt)
	assert.True(t, s.LastRunAt.Equal(t1.Add(time.Second)))

	runs, err := m.RecentRuns(ctx, orgID, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "targeted", runs[0].Trigger)
	assert.Equal(t, 1, runs[1].FailedRules)
	assert.Equal(t, 2, runs[1].Rules)

	history, err := m.EntityViolations(ctx, orgID, "S2")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.True(t, history[0].Violation.Repaired, "newest run first")
	assert.False(t, history[1].Violation.Repaired)

	s1, err := m.EntityViolations(ctx, orgID, "S1")
	require.NoError(t, err)
	require.Len(t, s1, 1)
	require.NotNil(t, s1[0].Violation.FactID)
	assert.Equal(t, factID, *s1[0].Violation.FactID)
}

func TestEmptyStats(t *testing.T) {
	m, err := mirror.Open(":memory:")
	require.NoError(t, err)
	defer func() { _ = m.Close() }()

	stats, err := m.RuleStats(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Empty(t, stats)
	assert.NotNil(t, stats)
}

func TestReopenKeepsHistory(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "mirror.sqlite")
	orgID := uuid.New()

	m, err := mirror.Open(path)
	require.NoError(t, err)
	require.NoError(t, m.Record(ctx, mirror.Run{ID: uuid.New(), OrgID: orgID, StartedAt: time.Now(),
		Results: []model.ValidationResult{result("r", 0, 0, time.Now())}}))
	require.NoError(t, m.Close())

	m, err = mirror.Open(path)
	require.NoError(t, err)
	defer func() { _ = m.Close() }()
	runs, err := m.RecentRuns(ctx, orgID, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := mirror.Open("  ")
	require.Error(t, err)
}
