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

const versionColumns = `id, org_id, entity_id, entity_type, properties, commit_id, created_at, content_hash`

// CreateAction inserts an action under a commit of orgID. The commit must
// exist in that organization, otherwise ErrNotFound.
func (db *DB) CreateAction(ctx context.Context, orgID uuid.UUID, a model.Action) (model.Action, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	a.CreatedAt = a.CreatedAt.UTC().Truncate(time.Microsecond)
	if a.Inputs == nil {
		a.Inputs = map[string]any{}
	}
	if a.Outputs == nil {
		a.Outputs = map[string]any{}
	}
	if a.Status == "" {
		a.Status = model.ActionSuccess
	}

	tag, err := db.pool.Exec(ctx,
		`INSERT INTO actions (id, commit_id, action_type, tool, entity_type, entity_id,
		 inputs, outputs, status, error_message, created_at)
		 SELECT $1, c.id, $3, $4, $5, $6, $7, $8, $9, $10, $11
		 FROM commits c WHERE c.id = $2 AND c.org_id = $12`,
		a.ID, a.CommitID, a.ActionType, a.Tool, string(a.EntityType), a.EntityID,
		a.Inputs, a.Outputs, string(a.Status), a.ErrorMessage, a.CreatedAt, orgID,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return model.Action{}, fmt.Errorf("storage: action commit %s: %w", a.CommitID, ErrNotFound)
		}
		return model.Action{}, fmt.Errorf("storage: create action: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.Action{}, fmt.Errorf("storage: action commit %s: %w", a.CommitID, ErrNotFound)
	}
	return a, nil
}

// ListActionsByCommit returns the actions recorded under a commit in creation order.
func (db *DB) ListActionsByCommit(ctx context.Context, commitID uuid.UUID) ([]model.Action, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, commit_id, action_type, tool, entity_type, entity_id,
		 inputs, outputs, status, error_message, created_at
		 FROM actions WHERE commit_id = $1 ORDER BY created_at, id`, commitID)
	if err != nil {
		return nil, fmt.Errorf("storage: list actions: %w", err)
	}
	defer rows.Close()

	var actions []model.Action
	for rows.Next() {
		var a model.Action
		var entityType, status string
		if err := rows.Scan(&a.ID, &a.CommitID, &a.ActionType, &a.Tool, &entityType, &a.EntityID,
			&a.Inputs, &a.Outputs, &status, &a.ErrorMessage, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan action: %w", err)
		}
		a.EntityType = model.EntityType(entityType)
		a.Status = model.ActionStatus(status)
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// CreateVersion inserts a snapshot attached to a commit of v.OrgID. The commit
// must exist in that organization, otherwise ErrNotFound. Identical snapshots
// are stored again: versions are never deduplicated.
func (db *DB) CreateVersion(ctx context.Context, v model.Version) (model.Version, error) {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now()
	}
	v.CreatedAt = v.CreatedAt.UTC().Truncate(time.Microsecond)
	if v.Properties == nil {
		v.Properties = map[string]any{}
	}

	tag, err := db.pool.Exec(ctx,
		`INSERT INTO versions (id, org_id, entity_id, entity_type, properties, commit_id, created_at, content_hash)
		 SELECT $1, c.org_id, $3, $4, $5, c.id, $6, $7
		 FROM commits c WHERE c.id = $8 AND c.org_id = $2`,
		v.ID, v.OrgID, v.EntityID, string(v.EntityType), v.Properties, v.CreatedAt, v.ContentHash, v.CommitID,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return model.Version{}, fmt.Errorf("storage: version commit %s: %w", v.CommitID, ErrNotFound)
		}
		return model.Version{}, fmt.Errorf("storage: create version: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.Version{}, fmt.Errorf("storage: version commit %s: %w", v.CommitID, ErrNotFound)
	}
	return v, nil
}

// GetVersion retrieves a version by ID.
func (db *DB) GetVersion(ctx context.Context, id uuid.UUID) (model.Version, error) {
	v, err := scanVersion(db.pool.QueryRow(ctx, `SELECT `+versionColumns+` FROM versions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Version{}, fmt.Errorf("storage: version %s: %w", id, ErrNotFound)
		}
		return model.Version{}, fmt.Errorf("storage: get version: %w", err)
	}
	return v, nil
}

// GetEntityVersionHistory returns every version of an entity, most recent
// commit first. Versions are ordered by their commit's position in the chain,
// not by when the version row was written. Entity IDs are opaque, so versions
// of different entity types sharing an ID are all returned.
func (db *DB) GetEntityVersionHistory(ctx context.Context, orgID uuid.UUID, entityID string) ([]model.Version, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+prefixed("v", versionColumns)+`
		 FROM versions v JOIN commits c ON c.id = v.commit_id
		 WHERE v.org_id = $1 AND v.entity_id = $2
		 ORDER BY c.created_at DESC, c.id DESC, v.created_at DESC, v.id DESC`, orgID, entityID)
	if err != nil {
		return nil, fmt.Errorf("storage: entity version history: %w", err)
	}
	return collectVersions(rows)
}

// ListVersionsByCommit returns the versions attached to a commit.
func (db *DB) ListVersionsByCommit(ctx context.Context, commitID uuid.UUID) ([]model.Version, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+versionColumns+` FROM versions WHERE commit_id = $1 ORDER BY created_at, id`, commitID)
	if err != nil {
		return nil, fmt.Errorf("storage: list versions by commit: %w", err)
	}
	return collectVersions(rows)
}

// LatestVersion returns the version of ref on the most recent commit,
// regardless of branch.
func (db *DB) LatestVersion(ctx context.Context, orgID uuid.UUID, ref model.EntityRef) (model.Version, error) {
	v, err := scanVersion(db.pool.QueryRow(ctx,
		`SELECT `+prefixed("v", versionColumns)+`
		 FROM versions v JOIN commits c ON c.id = v.commit_id
		 WHERE v.org_id = $1 AND v.entity_type = $2 AND v.entity_id = $3
		 ORDER BY c.created_at DESC, c.id DESC, v.created_at DESC, v.id DESC LIMIT 1`,
		orgID, string(ref.Type), ref.ID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Version{}, fmt.Errorf("storage: version of %s: %w", ref, ErrNotFound)
		}
		return model.Version{}, fmt.Errorf("storage: latest version: %w", err)
	}
	return v, nil
}

// GetCurrentVersion returns the version of ref attached to the most recent
// commit reachable from the branch head.
func (db *DB) GetCurrentVersion(ctx context.Context, orgID uuid.UUID, branch string, ref model.EntityRef) (model.Version, error) {
	v, err := scanVersion(db.pool.QueryRow(ctx,
		`WITH RECURSIVE chain AS (
			SELECT c.id, c.parent_commit_id, 0 AS depth
			FROM commits c
			JOIN branch_heads h ON h.head_commit_id = c.id
			WHERE h.org_id = $1 AND h.branch_name = $2
			UNION ALL
			SELECT p.id, p.parent_commit_id, chain.depth + 1
			FROM commits p
			JOIN chain ON p.id = chain.parent_commit_id
			WHERE p.org_id = $1
		)
		SELECT `+prefixed("v", versionColumns)+`
		FROM chain JOIN versions v ON v.commit_id = chain.id
		WHERE v.entity_type = $3 AND v.entity_id = $4
		ORDER BY chain.depth, v.created_at DESC, v.id DESC
		LIMIT 1`,
		orgID, branch, string(ref.Type), ref.ID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Version{}, fmt.Errorf("storage: %s on branch %q: %w", ref, branch, ErrNotFound)
		}
		return model.Version{}, fmt.Errorf("storage: current version: %w", err)
	}
	return v, nil
}

// ListKnownEntities returns the distinct entities of entityType that have at
// least one version in the organization, ordered by ID.
func (db *DB) ListKnownEntities(ctx context.Context, orgID uuid.UUID, entityType model.EntityType) ([]model.EntityRef, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT DISTINCT entity_id FROM versions
		 WHERE org_id = $1 AND entity_type = $2
		 ORDER BY entity_id`, orgID, string(entityType))
	if err != nil {
		return nil, fmt.Errorf("storage: list known entities: %w", err)
	}
	defer rows.Close()

	var refs []model.EntityRef
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan entity id: %w", err)
		}
		refs = append(refs, model.EntityRef{Type: entityType, ID: id})
	}
	return refs, rows.Err()
}

func collectVersions(rows pgx.Rows) ([]model.Version, error) {
	defer rows.Close()
	var versions []model.Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan version: %w", err)
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func scanVersion(row pgx.Row) (model.Version, error) {
	var v model.Version
	var entityType string
	if err := row.Scan(&v.ID, &v.OrgID, &v.EntityID, &entityType, &v.Properties,
		&v.CommitID, &v.CreatedAt, &v.ContentHash); err != nil {
		return model.Version{}, err
	}
	v.EntityType = model.EntityType(entityType)
	v.CreatedAt = v.CreatedAt.UTC()
	return v, nil
}
