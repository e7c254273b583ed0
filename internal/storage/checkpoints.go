package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kiroku/internal/model"
)

// GetLatestCheckpoint returns the most recent checkpoint for a branch.
// Returns nil if none exists.
func (db *DB) GetLatestCheckpoint(ctx context.Context, orgID uuid.UUID, branch string) (*model.ChainCheckpoint, error) {
	var p model.ChainCheckpoint
	err := db.pool.QueryRow(ctx,
		`SELECT id, org_id, branch_name, head_commit_id, commit_count, root_hash, previous_root, created_at
		 FROM chain_checkpoints
		 WHERE org_id = $1 AND branch_name = $2
		 ORDER BY created_at DESC
		 LIMIT 1`, orgID, branch,
	).Scan(&p.ID, &p.OrgID, &p.BranchName, &p.HeadCommitID, &p.CommitCount, &p.RootHash, &p.PreviousRoot, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: get latest checkpoint: %w", err)
	}
	return &p, nil
}

// CreateCheckpoint inserts a new chain checkpoint.
func (db *DB) CreateCheckpoint(ctx context.Context, p model.ChainCheckpoint) (model.ChainCheckpoint, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO chain_checkpoints (id, org_id, branch_name, head_commit_id, commit_count,
		 root_hash, previous_root, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.ID, p.OrgID, p.BranchName, p.HeadCommitID, p.CommitCount, p.RootHash, p.PreviousRoot, p.CreatedAt,
	)
	if err != nil {
		return model.ChainCheckpoint{}, fmt.Errorf("storage: create checkpoint: %w", err)
	}
	return p, nil
}

// BranchSignatures returns the signatures of every commit reachable from the
// branch head, root first, together with the head commit ID.
// A branch without a head yields ErrNotFound.
func (db *DB) BranchSignatures(ctx context.Context, orgID uuid.UUID, branch string) (uuid.UUID, []string, error) {
	head, ok, err := branchHead(ctx, db.pool, orgID, branch)
	if err != nil {
		return uuid.Nil, nil, err
	}
	if !ok {
		return uuid.Nil, nil, fmt.Errorf("storage: branch %q: %w", branch, ErrNotFound)
	}

	rows, err := db.pool.Query(ctx,
		`WITH RECURSIVE chain AS (
			SELECT id, parent_commit_id, signature, 0 AS depth
			FROM commits WHERE id = $2 AND org_id = $1
			UNION ALL
			SELECT p.id, p.parent_commit_id, p.signature, chain.depth + 1
			FROM commits p
			JOIN chain ON p.id = chain.parent_commit_id
			WHERE p.org_id = $1
		)
		SELECT signature FROM chain ORDER BY depth DESC`,
		orgID, head,
	)
	if err != nil {
		return uuid.Nil, nil, fmt.Errorf("storage: branch signatures: %w", err)
	}
	defer rows.Close()

	var sigs []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return uuid.Nil, nil, fmt.Errorf("storage: scan signature: %w", err)
		}
		sigs = append(sigs, s)
	}
	return head, sigs, rows.Err()
}
