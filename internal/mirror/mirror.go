// Package mirror keeps a local SQLite copy of enforcement history.
//
// The graph store never persists ValidationResults. The mirror records one
// row per run, one per rule evaluation and one per violation so operators
// can chart violation trends per rule without touching PostgreSQL.
package mirror

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ashita-ai/kiroku/internal/model"
)

// schemaVersion is stored in PRAGMA user_version.
const schemaVersion = 1

// Mirror is a SQLite-backed store of enforcement runs.
type Mirror struct {
	db *sql.DB
}

// Open opens or creates the mirror at path. ":memory:" gives a private
// in-memory database.
func Open(path string) (*Mirror, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("mirror: missing db path")
	}
	if p != ":memory:" {
		p = filepath.Clean(p)
		if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
			return nil, fmt.Errorf("mirror: create dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, fmt.Errorf("mirror: open: %w", err)
	}
	// One connection: SQLite serializes writers anyway, and an in-memory
	// database exists per connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Mirror{db: db}, nil
}

// Close closes the database.
func (m *Mirror) Close() error {
	if m == nil || m.db == nil {
		return nil
	}
	return m.db.Close()
}

func initSchema(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("mirror: pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("mirror: pragma busy_timeout: %w", err)
	}

	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("mirror: pragma user_version: %w", err)
	}
	if v >= schemaVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("mirror: begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS enforcement_runs (
  run_id TEXT PRIMARY KEY,
  org_id TEXT NOT NULL,
  run_trigger TEXT NOT NULL DEFAULT '',
  rules INTEGER NOT NULL,
  failed_rules INTEGER NOT NULL,
  violations_found INTEGER NOT NULL,
  violations_repaired INTEGER NOT NULL,
  started_at_unix_ms INTEGER NOT NULL,
  finished_at_unix_ms INTEGER NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_org_finished ON enforcement_runs(org_id, finished_at_unix_ms DESC)`,
		`CREATE TABLE IF NOT EXISTS enforcement_rule_results (
  run_id TEXT NOT NULL REFERENCES enforcement_runs(run_id),
  org_id TEXT NOT NULL,
  rule_id TEXT NOT NULL,
  state TEXT NOT NULL,
  violations_found INTEGER NOT NULL,
  violations_repaired INTEGER NOT NULL,
  error TEXT NOT NULL DEFAULT '',
  finished_at_unix_ms INTEGER NOT NULL,
  PRIMARY KEY (run_id, rule_id)
)`,
		`CREATE INDEX IF NOT EXISTS idx_rule_results_org_rule ON enforcement_rule_results(org_id, rule_id, finished_at_unix_ms DESC)`,
		`CREATE TABLE IF NOT EXISTS enforcement_violations (
  run_id TEXT NOT NULL REFERENCES enforcement_runs(run_id),
  org_id TEXT NOT NULL,
  rule_id TEXT NOT NULL,
  entity_id TEXT NOT NULL,
  entity_type TEXT NOT NULL,
  kind TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  repaired INTEGER NOT NULL DEFAULT 0,
  repair_action TEXT NOT NULL DEFAULT '',
  fact_id TEXT NOT NULL DEFAULT ''
)`,
		`CREATE INDEX IF NOT EXISTS idx_violations_org_entity ON enforcement_violations(org_id, entity_id)`,
		fmt.Sprintf(`PRAGMA user_version = %d`, schemaVersion),
	} {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("mirror: migrate: %w", err)
		}
	}
	return tx.Commit()
}

// Run is one enforcement pass over an organization.
type Run struct {
	ID        uuid.UUID
	OrgID     uuid.UUID
	Trigger   string
	StartedAt time.Time
	Results   []model.ValidationResult
}

// RunRecord is a stored run row.
type RunRecord struct {
	ID                 uuid.UUID `json:"run_id"`
	OrgID              uuid.UUID `json:"org_id"`
	Trigger            string    `json:"trigger"`
	Rules              int       `json:"rules"`
	FailedRules        int       `json:"failed_rules"`
	ViolationsFound    int       `json:"violations_found"`
	ViolationsRepaired int       `json:"violations_repaired"`
	StartedAt          time.Time `json:"started_at"`
	FinishedAt         time.Time `json:"finished_at"`
}

// ViolationRecord is a violation as seen by one run.
type ViolationRecord struct {
	RunID      uuid.UUID       `json:"run_id"`
	RuleID     string          `json:"rule_id"`
	Violation  model.Violation `json:"violation"`
	FinishedAt time.Time       `json:"finished_at"`
}

// Record stores a run and every rule result and violation in it.
func (m *Mirror) Record(ctx context.Context, run Run) error {
	var found, repaired, failed int
	finished := run.StartedAt
	for _, r := range run.Results {
		found += r.ViolationsFound
		repaired += r.ViolationsRepaired
		if r.Failed() {
			failed++
		}
		if r.FinishedAt.After(finished) {
			finished = r.FinishedAt
		}
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mirror: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	org := run.OrgID.String()
	if _, err := tx.ExecContext(ctx, `
INSERT INTO enforcement_runs (run_id, org_id, run_trigger, rules, failed_rules, violations_found, violations_repaired, started_at_unix_ms, finished_at_unix_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID.String(), org, run.Trigger, len(run.Results), failed, found, repaired,
		run.StartedAt.UnixMilli(), finished.UnixMilli(),
	); err != nil {
		return fmt.Errorf("mirror: insert run: %w", err)
	}

	for _, r := range run.Results {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO enforcement_rule_results (run_id, org_id, rule_id, state, violations_found, violations_repaired, error, finished_at_unix_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID.String(), org, r.RuleID, string(r.State), r.ViolationsFound, r.ViolationsRepaired, r.Error, r.FinishedAt.UnixMilli(),
		); err != nil {
			return fmt.Errorf("mirror: insert rule result %s: %w", r.RuleID, err)
		}
		for _, v := range r.Violations {
			factID := ""
			if v.FactID != nil {
				factID = v.FactID.String()
			}
			if _, err := tx.ExecContext(ctx, `
INSERT INTO enforcement_violations (run_id, org_id, rule_id, entity_id, entity_type, kind, description, repaired, repair_action, fact_id)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				run.ID.String(), org, r.RuleID, v.EntityID, string(v.EntityType), string(v.Kind), v.Description,
				boolToInt(v.Repaired), v.RepairAction, factID,
			); err != nil {
				return fmt.Errorf("mirror: insert violation: %w", err)
			}
		}
	}
	return tx.Commit()
}

// RuleStats aggregates every recorded evaluation per rule for orgID, ordered by rule id.
func (m *Mirror) RuleStats(ctx context.Context, orgID uuid.UUID) ([]model.RuleStats, error) {
	rows, err := m.db.QueryContext(ctx, `
SELECT r.rule_id,
       COUNT(*),
       SUM(CASE WHEN r.error <> '' THEN 1 ELSE 0 END),
       SUM(r.violations_found),
       SUM(r.violations_repaired),
       MAX(r.finished_at_unix_ms),
       (SELECT l.violations_found FROM enforcement_rule_results l
         WHERE l.org_id = r.org_id AND l.rule_id = r.rule_id
         ORDER BY l.finished_at_unix_ms DESC, l.rowid DESC LIMIT 1)
FROM enforcement_rule_results r
WHERE r.org_id = ?
GROUP BY r.org_id, r.rule_id
ORDER BY r.rule_id`, orgID.String())
	if err != nil {
		return nil, fmt.Errorf("mirror: rule stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []model.RuleStats{}
	for rows.Next() {
		var s model.RuleStats
		var lastMs int64
		if err := rows.Scan(&s.RuleID, &s.Runs, &s.Failures, &s.ViolationsFound, &s.ViolationsRepaired, &lastMs, &s.LastViolations); err != nil {
			return nil, fmt.Errorf("mirror: scan rule stats: %w", err)
		}
		last := time.UnixMilli(lastMs).UTC()
		s.LastRunAt = &last
		out = append(out, s)
	}
	return out, rows.Err()
}

// RecentRuns returns up to limit runs for orgID, newest first.
func (m *Mirror) RecentRuns(ctx context.Context, orgID uuid.UUID, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := m.db.QueryContext(ctx, `
SELECT run_id, org_id, run_trigger, rules, failed_rules, violations_found, violations_repaired, started_at_unix_ms, finished_at_unix_ms
FROM enforcement_runs
WHERE org_id = ?
ORDER BY finished_at_unix_ms DESC, rowid DESC
LIMIT ?`, orgID.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("mirror: recent runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []RunRecord{}
	for rows.Next() {
		var r RunRecord
		var runID, org string
		var startMs, finishMs int64
		if err := rows.Scan(&runID, &org, &r.Trigger, &r.Rules, &r.FailedRules,
			&r.ViolationsFound, &r.ViolationsRepaired, &startMs, &finishMs); err != nil {
			return nil, fmt.Errorf("mirror: scan run: %w", err)
		}
		if r.ID, err = uuid.Parse(runID); err != nil {
			return nil, fmt.Errorf("mirror: run id %q: %w", runID, err)
		}
		if r.OrgID, err = uuid.Parse(org); err != nil {
			return nil, fmt.Errorf("mirror: org id %q: %w", org, err)
		}
		r.StartedAt = time.UnixMilli(startMs).UTC()
		r.FinishedAt = time.UnixMilli(finishMs).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// EntityViolations returns every recorded violation of entityID, newest run first.
func (m *Mirror) EntityViolations(ctx context.Context, orgID uuid.UUID, entityID string) ([]ViolationRecord, error) {
	rows, err := m.db.QueryContext(ctx, `
SELECT v.run_id, v.rule_id, v.entity_id, v.entity_type, v.kind, v.description, v.repaired, v.repair_action, v.fact_id,
       r.finished_at_unix_ms
FROM enforcement_violations v
JOIN enforcement_runs r ON r.run_id = v.run_id
WHERE v.org_id = ? AND v.entity_id = ?
ORDER BY r.finished_at_unix_ms DESC, v.rowid DESC`, orgID.String(), entityID)
	if err != nil {
		return nil, fmt.Errorf("mirror: entity violations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []ViolationRecord{}
	for rows.Next() {
		var rec ViolationRecord
		var runID, entityType, kind, factID string
		var repaired int
		var finishMs int64
		if err := rows.Scan(&runID, &rec.RuleID, &rec.Violation.EntityID, &entityType, &kind,
			&rec.Violation.Description, &repaired, &rec.Violation.RepairAction, &factID, &finishMs); err != nil {
			return nil, fmt.Errorf("mirror: scan violation: %w", err)
		}
		if rec.RunID, err = uuid.Parse(runID); err != nil {
			return nil, fmt.Errorf("mirror: run id %q: %w", runID, err)
		}
		rec.Violation.EntityType = model.EntityType(entityType)
		rec.Violation.Kind = model.ViolationKind(kind)
		rec.Violation.Repaired = repaired != 0
		if factID != "" {
			id, err := uuid.Parse(factID)
			if err != nil {
				return nil, fmt.Errorf("mirror: fact id %q: %w", factID, err)
			}
			rec.Violation.FactID = &id
		}
		rec.FinishedAt = time.UnixMilli(finishMs).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
