package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ashita-ai/kiroku/internal/model"
)

// UpsertRule stores a rule definition, replacing any rule with the same ID.
func (db *DB) UpsertRule(ctx context.Context, r model.CrossLayerRule) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO cross_layer_rules (id, definition, enabled, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE
		 SET definition = EXCLUDED.definition, enabled = EXCLUDED.enabled, updated_at = EXCLUDED.updated_at`,
		r.ID, r, r.Enabled, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage: upsert rule %q: %w", r.ID, err)
	}
	return nil
}

// SetRuleEnabled flips the enabled flag of a stored rule.
func (db *DB) SetRuleEnabled(ctx context.Context, id string, enabled bool) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE cross_layer_rules
		 SET enabled = $2,
		     definition = jsonb_set(definition, '{enabled}', to_jsonb($2::boolean)),
		     updated_at = $3
		 WHERE id = $1`, id, enabled, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("storage: set rule enabled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: rule %q: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteRule removes a stored rule. Deleting an unknown rule is a no-op.
func (db *DB) DeleteRule(ctx context.Context, id string) error {
	if _, err := db.pool.Exec(ctx, `DELETE FROM cross_layer_rules WHERE id = $1`, id); err != nil {
		return fmt.Errorf("storage: delete rule: %w", err)
	}
	return nil
}

// ListRules returns every stored rule ordered by ID.
func (db *DB) ListRules(ctx context.Context) ([]model.CrossLayerRule, error) {
	rows, err := db.pool.Query(ctx, `SELECT definition, enabled FROM cross_layer_rules ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("storage: list rules: %w", err)
	}
	defer rows.Close()

	var rules []model.CrossLayerRule
	for rows.Next() {
		var r model.CrossLayerRule
		var enabled bool
		if err := rows.Scan(&r, &enabled); err != nil {
			return nil, fmt.Errorf("storage: scan rule: %w", err)
		}
		r.Enabled = enabled
		rules = append(rules, r)
	}
	return rules, rows.Err()
}
