package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kiroku/internal/model"
)

const factColumns = `id, org_id, type, from_type, from_id, to_type, to_id, props,
	exclusive, created_at, valid_from, valid_to`

// AssertFact records f. When f.Exclusive is set, every open fact on the same
// (org, type, from, to) key is closed at f.ValidFrom and f is opened in the
// same transaction. Additive facts are appended without touching the key.
//
// Two writers racing on an exclusive key are decided by the partial unique
// index: the loser gets ErrConflict.
func (db *DB) AssertFact(ctx context.Context, f model.EdgeFact) (model.EdgeFact, error) {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	now := time.Now().UTC().Truncate(time.Microsecond)
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	if f.ValidFrom.IsZero() {
		f.ValidFrom = now
	}
	f.CreatedAt = f.CreatedAt.UTC().Truncate(time.Microsecond)
	f.ValidFrom = f.ValidFrom.UTC().Truncate(time.Microsecond)
	f.ValidTo = nil

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.EdgeFact{}, fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if f.Exclusive {
		if _, err := tx.Exec(ctx,
			`UPDATE edge_facts SET valid_to = GREATEST(valid_from, $7)
			 WHERE org_id = $1 AND type = $2 AND from_type = $3 AND from_id = $4
			   AND to_type = $5 AND to_id = $6 AND valid_to IS NULL`,
			f.OrgID, f.Type, string(f.From.Type), f.From.ID, string(f.To.Type), f.To.ID, f.ValidFrom,
		); err != nil {
			return model.EdgeFact{}, fmt.Errorf("storage: supersede fact: %w", err)
		}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO edge_facts (id, org_id, type, from_type, from_id, to_type, to_id, props,
		 exclusive, created_at, valid_from, valid_to)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NULL)`,
		f.ID, f.OrgID, f.Type, string(f.From.Type), f.From.ID, string(f.To.Type), f.To.ID, f.Props,
		f.Exclusive, f.CreatedAt, f.ValidFrom,
	); err != nil {
		if isUniqueViolation(err) {
			return model.EdgeFact{}, fmt.Errorf("storage: fact %s -[%s]-> %s: %w", f.From, f.Type, f.To, ErrConflict)
		}
		return model.EdgeFact{}, fmt.Errorf("storage: insert fact: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return model.EdgeFact{}, fmt.Errorf("storage: fact %s -[%s]-> %s: %w", f.From, f.Type, f.To, ErrConflict)
		}
		return model.EdgeFact{}, fmt.Errorf("storage: commit tx: %w", err)
	}
	return f, nil
}

// RetractFact closes an open fact at validTo (clamped to its ValidFrom).
// Retracting an already closed fact is a no-op; an unknown ID is ErrNotFound.
func (db *DB) RetractFact(ctx context.Context, id uuid.UUID, validTo time.Time) error {
	validTo = validTo.UTC().Truncate(time.Microsecond)
	tag, err := db.pool.Exec(ctx,
		`UPDATE edge_facts SET valid_to = GREATEST(valid_from, $2)
		 WHERE id = $1 AND valid_to IS NULL`, id, validTo)
	if err != nil {
		return fmt.Errorf("storage: retract fact: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM edge_facts WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return fmt.Errorf("storage: check fact: %w", err)
	}
	if !exists {
		return fmt.Errorf("storage: fact %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetFact retrieves a fact by ID.
func (db *DB) GetFact(ctx context.Context, id uuid.UUID) (model.EdgeFact, error) {
	f, err := scanFact(db.pool.QueryRow(ctx, `SELECT `+factColumns+` FROM edge_facts WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.EdgeFact{}, fmt.Errorf("storage: fact %s: %w", id, ErrNotFound)
		}
		return model.EdgeFact{}, fmt.Errorf("storage: get fact: %w", err)
	}
	return f, nil
}

// QueryFactsAsOf returns the facts matching q whose interval contains t:
// valid_from <= t AND (valid_to IS NULL OR valid_to > t).
func (db *DB) QueryFactsAsOf(ctx context.Context, t time.Time, q model.FactQuery) ([]model.EdgeFact, error) {
	where, args := buildFactWhereClause(q)
	args = append(args, t.UTC())
	n := len(args)
	sql := fmt.Sprintf(`SELECT %s FROM edge_facts %s
		AND valid_from <= $%d AND (valid_to IS NULL OR valid_to > $%d)
		ORDER BY valid_from, id`, factColumns, where, n, n)

	rows, err := db.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query facts: %w", err)
	}
	return collectFacts(rows)
}

// QueryActiveFacts returns the facts matching q that hold at now. It is
// QueryFactsAsOf(now): a fact asserted with a future valid_from is not active
// yet, and the fact it supersedes stays active until then.
func (db *DB) QueryActiveFacts(ctx context.Context, now time.Time, q model.FactQuery) ([]model.EdgeFact, error) {
	where, args := buildFactWhereClause(q)
	args = append(args, now.UTC())
	n := len(args)
	sql := fmt.Sprintf(`SELECT %s FROM edge_facts %s
		AND valid_from <= $%d AND (valid_to IS NULL OR valid_to > $%d)
		ORDER BY valid_from, id`, factColumns, where, n, n)

	rows, err := db.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query active facts: %w", err)
	}
	return collectFacts(rows)
}

// FactHistory returns every fact ever recorded on one key, oldest first.
func (db *DB) FactHistory(ctx context.Context, orgID uuid.UUID, factType string, from, to model.EntityRef) ([]model.EdgeFact, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+factColumns+` FROM edge_facts
		 WHERE org_id = $1 AND type = $2 AND from_type = $3 AND from_id = $4
		   AND to_type = $5 AND to_id = $6
		 ORDER BY valid_from, created_at, id`,
		orgID, factType, string(from.Type), from.ID, string(to.Type), to.ID)
	if err != nil {
		return nil, fmt.Errorf("storage: fact history: %w", err)
	}
	return collectFacts(rows)
}

// CountFacts returns active and total fact counts per relationship type.
func (db *DB) CountFacts(ctx context.Context, orgID uuid.UUID, now time.Time) ([]model.FactCount, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT type,
		        COUNT(*) FILTER (WHERE valid_from <= $2 AND (valid_to IS NULL OR valid_to > $2)),
		        COUNT(*)
		 FROM edge_facts WHERE org_id = $1
		 GROUP BY type ORDER BY type`, orgID, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("storage: count facts: %w", err)
	}
	defer rows.Close()

	var counts []model.FactCount
	for rows.Next() {
		var c model.FactCount
		if err := rows.Scan(&c.Type, &c.Active, &c.Total); err != nil {
			return nil, fmt.Errorf("storage: scan fact count: %w", err)
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

// buildFactWhereClause renders q as a WHERE clause. The clause always starts
// with the org filter so callers can append "AND ..." conditions.
func buildFactWhereClause(q model.FactQuery) (string, []any) {
	conditions := []string{"org_id = $1"}
	args := []any{q.OrgID}
	argIdx := 2

	add := func(cond string, v any) {
		conditions = append(conditions, fmt.Sprintf(cond, argIdx))
		args = append(args, v)
		argIdx++
	}

	if q.Type != "" {
		add("type = $%d", q.Type)
	}
	switch {
	case q.From != nil:
		add("from_type = $%d", string(q.From.Type))
		add("from_id = $%d", q.From.ID)
	case q.FromType != "":
		add("from_type = $%d", string(q.FromType))
	}
	switch {
	case q.To != nil:
		add("to_type = $%d", string(q.To.Type))
		add("to_id = $%d", q.To.ID)
	case q.ToType != "":
		add("to_type = $%d", string(q.ToType))
	}

	return "WHERE " + strings.Join(conditions, " AND "), args
}

func collectFacts(rows pgx.Rows) ([]model.EdgeFact, error) {
	defer rows.Close()
	var facts []model.EdgeFact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan fact: %w", err)
		}
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

func scanFact(row pgx.Row) (model.EdgeFact, error) {
	var f model.EdgeFact
	var fromType, toType string
	if err := row.Scan(&f.ID, &f.OrgID, &f.Type, &fromType, &f.From.ID, &toType, &f.To.ID,
		&f.Props, &f.Exclusive, &f.CreatedAt, &f.ValidFrom, &f.ValidTo); err != nil {
		return model.EdgeFact{}, err
	}
	f.From.Type = model.EntityType(fromType)
	f.To.Type = model.EntityType(toType)
	f.CreatedAt = f.CreatedAt.UTC()
	f.ValidFrom = f.ValidFrom.UTC()
	if f.ValidTo != nil {
		t := f.ValidTo.UTC()
		f.ValidTo = &t
	}
	return f, nil
}
