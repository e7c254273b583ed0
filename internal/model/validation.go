package model

import (
	"time"

	"github.com/google/uuid"
)

// RunState is the lifecycle state of one rule evaluation.
type RunState string

const (
	StatePending         RunState = "pending"
	StateValidating      RunState = "validating"
	StateClean           RunState = "clean"
	StateViolationsFound RunState = "violations_found"
	StateRepairing       RunState = "repairing"
	StateReported        RunState = "reported"
)

// ViolationKind classifies a violation.
type ViolationKind string

const (
	ViolationMissingRelationship ViolationKind = "missing_relationship"
	ViolationCardinalityExceeded ViolationKind = "cardinality_exceeded"
	ViolationPredicateFailed     ViolationKind = "predicate_failed"
	ViolationQueryReported       ViolationKind = "query_reported"
)

// Violation describes one entity that breaks a rule.
type Violation struct {
	EntityID     string        `json:"entity_id"`
	EntityType   EntityType    `json:"entity_type"`
	Kind         ViolationKind `json:"kind"`
	Description  string        `json:"description"`
	Repaired     bool          `json:"repaired"`
	RepairAction string        `json:"repair_action,omitempty"`
	// FactID points at the offending fact for fact-level violations.
	FactID *uuid.UUID `json:"fact_id,omitempty"`
}

// Ref returns the violating entity reference.
func (v Violation) Ref() EntityRef { return EntityRef{Type: v.EntityType, ID: v.EntityID} }

// ValidationResult is produced per rule per run and never persisted in the graph store.
type ValidationResult struct {
	RuleID             string      `json:"rule_id"`
	RuleName           string      `json:"rule_name"`
	OrgID              uuid.UUID   `json:"org_id"`
	State              RunState    `json:"state"`
	ViolationsFound    int         `json:"violations_found"`
	ViolationsRepaired int         `json:"violations_repaired"`
	Violations         []Violation `json:"violations"`
	// Error is set when the rule's query itself failed; counters are zero.
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Failed reports whether the evaluation hit an engine-level error.
func (r ValidationResult) Failed() bool { return r.Error != "" }

// RuleStats aggregates enforcement history for one rule.
type RuleStats struct {
	RuleID             string     `json:"rule_id"`
	Runs               int        `json:"runs"`
	Failures           int        `json:"failures"`
	ViolationsFound    int        `json:"violations_found"`
	ViolationsRepaired int        `json:"violations_repaired"`
	LastRunAt          *time.Time `json:"last_run_at,omitempty"`
	LastViolations     int        `json:"last_violations"`
}

// CrossLayerStatistics is the dashboard aggregate for one organization.
type CrossLayerStatistics struct {
	OrgID       uuid.UUID   `json:"org_id"`
	FactCounts  []FactCount `json:"fact_counts"`
	ActiveFacts int         `json:"active_facts"`
	TotalFacts  int         `json:"total_facts"`
	Rules       []RuleStats `json:"rules"`
	GeneratedAt time.Time   `json:"generated_at"`
}
