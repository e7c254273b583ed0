package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kiroku/internal/model"
)

// RawViolation is one row reported by a raw validation query.
type RawViolation struct {
	EntityID    string
	EntityType  model.EntityType
	Description string
}

// RunViolationQuery executes a raw validation query in a read-only
// transaction. $1 is bound to orgID; the query must return
// (entity_id, entity_type, description) rows.
func (db *DB) RunViolationQuery(ctx context.Context, sql string, orgID uuid.UUID) ([]RawViolation, error) {
	tx, err := db.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("storage: begin read-only tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, sql, orgID)
	if err != nil {
		return nil, fmt.Errorf("storage: violation query: %w", err)
	}
	defer rows.Close()

	var out []RawViolation
	for rows.Next() {
		var v RawViolation
		var entityType string
		if err := rows.Scan(&v.EntityID, &entityType, &v.Description); err != nil {
			return nil, fmt.Errorf("storage: scan violation row: %w", err)
		}
		v.EntityType = model.EntityType(entityType)
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: violation query: %w", err)
	}
	return out, nil
}

// RunRepairQuery executes a raw repair statement in its own transaction with
// $1 bound to orgID and $2 to entityID. Returns the number of affected rows.
func (db *DB) RunRepairQuery(ctx context.Context, sql string, orgID uuid.UUID, entityID string) (int64, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, sql, orgID, entityID)
	if err != nil {
		return 0, fmt.Errorf("storage: repair query: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("storage: commit tx: %w", err)
	}
	return tag.RowsAffected(), nil
}
