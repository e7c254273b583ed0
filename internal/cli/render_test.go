package cli

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/ashita-ai/kiroku/internal/mirror"
	"github.com/ashita-ai/kiroku/internal/model"
)

func TestEnforceReportText(t *testing.T) {
	results := []model.ValidationResult{
		{
			RuleID:             "scene-needs-script",
			State:              model.StateReported,
			ViolationsFound:    2,
			ViolationsRepaired: 1,
			Violations: []model.Violation{
				{
					EntityID: "S1", EntityType: model.EntityScene, Kind: model.ViolationMissingRelationship,
					Description:  "scene S1 has no outgoing USES_SCRIPT relationship to script",
					Repaired:     true,
					RepairAction: "linked scene:S1 -[USES_SCRIPT]-> script:SC1",
				},
				{
					EntityID: "S2", EntityType: model.EntityScene, Kind: model.ViolationMissingRelationship,
					Description: "scene S2 has no outgoing USES_SCRIPT relationship to script",
				},
			},
		},
		{RuleID: "slot-filled-once", State: model.StateReported, Violations: []model.Violation{}},
		{RuleID: "raw-orphans", State: model.StateReported, Error: `enforce: rule "raw-orphans" query failed: boom`},
	}
	rep := newEnforceReport("00000000-0000-0000-0000-000000000001", false, results)
	assert.Equal(t, 2, rep.ViolationsFound)
	assert.Equal(t, 1, rep.ViolationsRepaired)
	assert.Equal(t, 1, rep.Outstanding())
	assert.Equal(t, 1, rep.FailedRules)

	buf := &bytes.Buffer{}
	writeEnforceReport(buf, rep)
	newGolden(t).Assert(t, "enforce_report", buf.Bytes())
}

func TestEnforceReportNoRules(t *testing.T) {
	buf := &bytes.Buffer{}
	writeEnforceReport(buf, newEnforceReport("org", true, nil))
	assert.Contains(t, buf.String(), "(dry run)")
	assert.Contains(t, buf.String(), "no enabled rules")
}

func TestChainReportText(t *testing.T) {
	buf := &bytes.Buffer{}
	writeChainReport(buf, model.ChainReport{
		BranchName: "main",
		Checked:    3,
		Broken:     []uuid.UUID{uuid.MustParse("00000000-0000-0000-0000-0000000000b2")},
	})
	newGolden(t).Assert(t, "verify_broken", buf.Bytes())

	buf.Reset()
	writeChainReport(buf, model.ChainReport{BranchName: "main", Checked: 3})
	assert.Equal(t, "✓ main: 3 commit(s) verified\n", buf.String())
}

func TestStatsText(t *testing.T) {
	last := time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)
	rep := StatsReport{
		Statistics: model.CrossLayerStatistics{
			FactCounts:  []model.FactCount{{Type: "USES_SCRIPT", Active: 2, Total: 3}},
			ActiveFacts: 2,
			TotalFacts:  3,
			Rules: []model.RuleStats{
				{RuleID: "idle"},
				{RuleID: "scene-needs-script", Runs: 2, ViolationsFound: 3, ViolationsRepaired: 3, LastRunAt: &last},
			},
		},
		RecentRuns: []mirror.RunRecord{{Trigger: "validate_all", Rules: 2, FinishedAt: last}},
	}
	buf := &bytes.Buffer{}
	writeStats(buf, rep)
	out := buf.String()
	assert.Contains(t, out, "2 active of 3 facts")
	assert.Contains(t, out, "last=never")
	assert.Contains(t, out, "last=2026-05-01T09:30:00Z")
	assert.Contains(t, out, "Recent runs")
	assert.Contains(t, out, "validate_all")
}

func TestFactsText(t *testing.T) {
	from := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	to := from.Add(time.Hour)
	conf := 0.9
	buf := &bytes.Buffer{}
	writeFacts(buf, []model.EdgeFact{{
		Type:      "FILLS_SLOT",
		From:      model.EntityRef{Type: model.EntityFile, ID: "F1"},
		To:        model.EntityRef{Type: model.EntitySlot, ID: "SCRIPT_PRIMARY"},
		Props:     model.FactProps{Method: model.MethodAgent, Confidence: &conf},
		ValidFrom: from,
		ValidTo:   &to,
	}})
	assert.Equal(t,
		"file:F1 -[FILLS_SLOT]-> slot:SCRIPT_PRIMARY  [2026-03-01T12:00:00Z, 2026-03-01T13:00:00Z) method=agent confidence=0.90\n",
		buf.String())

	buf.Reset()
	writeFacts(buf, nil)
	assert.Equal(t, "no facts\n", buf.String())
}
