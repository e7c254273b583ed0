package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kiroku/internal/integrity"
	"github.com/ashita-ai/kiroku/internal/model"
)

const commitColumns = `id, org_id, message, author, author_type, parent_commit_id,
	branch_name, created_at, signature, metadata`

// CreateCommitParams holds the inputs for CreateCommit.
type CreateCommitParams struct {
	OrgID          uuid.UUID
	Message        string
	Author         string
	AuthorType     model.AuthorType
	ParentCommitID *uuid.UUID
	BranchName     string
	// DefaultBranch is forked from when BranchName has no head yet and no
	// parent is given.
	DefaultBranch string
	Metadata      map[string]any
	// CreatedAt defaults to now; it is truncated to microseconds.
	CreatedAt time.Time
}

// CreateCommit appends a signed commit to a branch and advances the branch
// head with a check-and-set, all in one transaction.
//
// Parent resolution:
//   - explicit parent: must exist in the org (ErrNotFound otherwise) and, if the
//     branch already has a head, must be that head (ErrConflict otherwise);
//   - no parent, branch has a head: the head;
//   - no parent, new branch: the default branch head, else the org's newest
//     commit, else none (root commit).
//
// A concurrent writer that advanced the head first makes this call fail with ErrConflict.
func (db *DB) CreateCommit(ctx context.Context, p CreateCommitParams) (model.Commit, error) {
	if p.BranchName == "" {
		p.BranchName = model.DefaultBranch
	}
	if p.DefaultBranch == "" {
		p.DefaultBranch = model.DefaultBranch
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Commit{}, fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	head, hasHead, err := branchHead(ctx, tx, p.OrgID, p.BranchName)
	if err != nil {
		return model.Commit{}, err
	}

	var parentID *uuid.UUID
	parentSig := ""
	switch {
	case p.ParentCommitID != nil:
		sig, err := commitSignature(ctx, tx, p.OrgID, *p.ParentCommitID)
		if err != nil {
			return model.Commit{}, fmt.Errorf("storage: parent commit %s: %w", *p.ParentCommitID, err)
		}
		if hasHead && head != *p.ParentCommitID {
			return model.Commit{}, fmt.Errorf("storage: branch %q head is %s, not %s: %w",
				p.BranchName, head, *p.ParentCommitID, ErrConflict)
		}
		parentID, parentSig = p.ParentCommitID, sig
	case hasHead:
		sig, err := commitSignature(ctx, tx, p.OrgID, head)
		if err != nil {
			return model.Commit{}, fmt.Errorf("storage: branch head %s: %w", head, err)
		}
		parentID, parentSig = &head, sig
	default:
		id, sig, ok, err := forkPoint(ctx, tx, p.OrgID, p.BranchName, p.DefaultBranch)
		if err != nil {
			return model.Commit{}, err
		}
		if ok {
			parentID, parentSig = &id, sig
		}
	}

	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	c := model.Commit{
		ID:             uuid.New(),
		OrgID:          p.OrgID,
		Message:        p.Message,
		Author:         p.Author,
		AuthorType:     p.AuthorType,
		ParentCommitID: parentID,
		BranchName:     p.BranchName,
		CreatedAt:      createdAt.UTC().Truncate(time.Microsecond),
		Metadata:       p.Metadata,
	}
	if c.Metadata == nil {
		c.Metadata = map[string]any{}
	}
	c.Signature = integrity.ComputeCommitSignature(commitFields(c), parentSig)

	if _, err := tx.Exec(ctx,
		`INSERT INTO commits (id, org_id, message, author, author_type, parent_commit_id,
		 branch_name, created_at, signature, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		c.ID, c.OrgID, c.Message, c.Author, string(c.AuthorType), c.ParentCommitID,
		c.BranchName, c.CreatedAt, c.Signature, c.Metadata,
	); err != nil {
		return model.Commit{}, fmt.Errorf("storage: insert commit: %w", err)
	}

	if hasHead {
		tag, err := tx.Exec(ctx,
			`UPDATE branch_heads SET head_commit_id = $3, updated_at = $4
			 WHERE org_id = $1 AND branch_name = $2 AND head_commit_id = $5`,
			c.OrgID, c.BranchName, c.ID, c.CreatedAt, head,
		)
		if err != nil {
			return model.Commit{}, fmt.Errorf("storage: advance branch head: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return model.Commit{}, fmt.Errorf("storage: branch %q head moved: %w", c.BranchName, ErrConflict)
		}
	} else {
		tag, err := tx.Exec(ctx,
			`INSERT INTO branch_heads (org_id, branch_name, head_commit_id, updated_at)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (org_id, branch_name) DO NOTHING`,
			c.OrgID, c.BranchName, c.ID, c.CreatedAt,
		)
		if err != nil {
			return model.Commit{}, fmt.Errorf("storage: create branch head: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return model.Commit{}, fmt.Errorf("storage: branch %q created concurrently: %w", c.BranchName, ErrConflict)
		}
	}

	if err := notify(ctx, tx, ChannelCommits, CommitEvent{
		OrgID: c.OrgID, CommitID: c.ID, BranchName: c.BranchName,
	}); err != nil {
		return model.Commit{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Commit{}, fmt.Errorf("storage: commit tx: %w", err)
	}
	return c, nil
}

// GetCommit retrieves a commit by ID.
func (db *DB) GetCommit(ctx context.Context, id uuid.UUID) (model.Commit, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+commitColumns+` FROM commits WHERE id = $1`, id)
	c, err := scanCommit(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Commit{}, fmt.Errorf("storage: commit %s: %w", id, ErrNotFound)
		}
		return model.Commit{}, fmt.Errorf("storage: get commit: %w", err)
	}
	return c, nil
}

// GetBranchHead returns the head pointer of a branch.
func (db *DB) GetBranchHead(ctx context.Context, orgID uuid.UUID, branch string) (model.BranchHead, error) {
	var h model.BranchHead
	err := db.pool.QueryRow(ctx,
		`SELECT org_id, branch_name, head_commit_id, updated_at
		 FROM branch_heads WHERE org_id = $1 AND branch_name = $2`,
		orgID, branch,
	).Scan(&h.OrgID, &h.BranchName, &h.HeadCommitID, &h.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.BranchHead{}, fmt.Errorf("storage: branch %q: %w", branch, ErrNotFound)
		}
		return model.BranchHead{}, fmt.Errorf("storage: get branch head: %w", err)
	}
	return h, nil
}

// ListBranches returns every branch head of an organization ordered by name.
func (db *DB) ListBranches(ctx context.Context, orgID uuid.UUID) ([]model.BranchHead, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT org_id, branch_name, head_commit_id, updated_at
		 FROM branch_heads WHERE org_id = $1 ORDER BY branch_name`, orgID)
	if err != nil {
		return nil, fmt.Errorf("storage: list branches: %w", err)
	}
	defer rows.Close()

	var heads []model.BranchHead
	for rows.Next() {
		var h model.BranchHead
		if err := rows.Scan(&h.OrgID, &h.BranchName, &h.HeadCommitID, &h.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan branch head: %w", err)
		}
		heads = append(heads, h)
	}
	return heads, rows.Err()
}

// ListOrganizationIDs returns every organization that has at least one branch.
func (db *DB) ListOrganizationIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := db.pool.Query(ctx, `SELECT DISTINCT org_id FROM branch_heads ORDER BY org_id`)
	if err != nil {
		return nil, fmt.Errorf("storage: list organization IDs: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan organization ID: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetCommitHistory walks parent pointers from the branch head, newest first.
// A branch without a head yields an empty list.
func (db *DB) GetCommitHistory(ctx context.Context, orgID uuid.UUID, branch string, limit int) ([]model.Commit, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 10000 {
		limit = 10000
	}

	rows, err := db.pool.Query(ctx,
		`WITH RECURSIVE chain AS (
			SELECT c.id, c.parent_commit_id, 0 AS depth
			FROM commits c
			JOIN branch_heads h ON h.head_commit_id = c.id
			WHERE h.org_id = $1 AND h.branch_name = $2
			UNION ALL
			SELECT p.id, p.parent_commit_id, chain.depth + 1
			FROM commits p
			JOIN chain ON p.id = chain.parent_commit_id
			WHERE p.org_id = $1 AND chain.depth + 1 < $3
		)
		SELECT `+prefixed("c", commitColumns)+`
		FROM chain JOIN commits c ON c.id = chain.id
		ORDER BY chain.depth`,
		orgID, branch, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: commit history: %w", err)
	}
	defer rows.Close()

	var commits []model.Commit
	for rows.Next() {
		c, err := scanCommit(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan commit: %w", err)
		}
		commits = append(commits, c)
	}
	return commits, rows.Err()
}

// ParentSignature returns the stored signature of c's parent, or "" for a root.
// A parent that no longer exists yields ErrNotFound.
func (db *DB) ParentSignature(ctx context.Context, c model.Commit) (string, error) {
	if c.ParentCommitID == nil {
		return "", nil
	}
	sig, err := commitSignature(ctx, db.pool, c.OrgID, *c.ParentCommitID)
	if err != nil {
		return "", fmt.Errorf("storage: parent of %s: %w", c.ID, err)
	}
	return sig, nil
}

func branchHead(ctx context.Context, q querier, orgID uuid.UUID, branch string) (uuid.UUID, bool, error) {
	var head uuid.UUID
	err := q.QueryRow(ctx,
		`SELECT head_commit_id FROM branch_heads WHERE org_id = $1 AND branch_name = $2`,
		orgID, branch,
	).Scan(&head)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, false, nil
		}
		return uuid.Nil, false, fmt.Errorf("storage: read branch head: %w", err)
	}
	return head, true, nil
}

func commitSignature(ctx context.Context, q querier, orgID, id uuid.UUID) (string, error) {
	var sig string
	err := q.QueryRow(ctx,
		`SELECT signature FROM commits WHERE id = $1 AND org_id = $2`, id, orgID,
	).Scan(&sig)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("storage: read commit signature: %w", err)
	}
	return sig, nil
}

// forkPoint picks the parent of the first commit on a new branch.
func forkPoint(ctx context.Context, q querier, orgID uuid.UUID, branch, defaultBranch string) (uuid.UUID, string, bool, error) {
	if branch != defaultBranch {
		head, ok, err := branchHead(ctx, q, orgID, defaultBranch)
		if err != nil {
			return uuid.Nil, "", false, err
		}
		if ok {
			sig, err := commitSignature(ctx, q, orgID, head)
			if err != nil {
				return uuid.Nil, "", false, fmt.Errorf("storage: default branch head %s: %w", head, err)
			}
			return head, sig, true, nil
		}
	}

	var id uuid.UUID
	var sig string
	err := q.QueryRow(ctx,
		`SELECT id, signature FROM commits WHERE org_id = $1
		 ORDER BY created_at DESC, id DESC LIMIT 1`, orgID,
	).Scan(&id, &sig)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, "", false, nil
		}
		return uuid.Nil, "", false, fmt.Errorf("storage: read newest commit: %w", err)
	}
	return id, sig, true, nil
}

// commitFields extracts the signed fields of a commit.
func commitFields(c model.Commit) integrity.CommitFields {
	return integrity.CommitFields{
		OrgID:          c.OrgID,
		Message:        c.Message,
		Author:         c.Author,
		AuthorType:     string(c.AuthorType),
		ParentCommitID: c.ParentCommitID,
		CreatedAt:      c.CreatedAt,
	}
}

func scanCommit(row pgx.Row) (model.Commit, error) {
	var c model.Commit
	var authorType string
	err := row.Scan(
		&c.ID, &c.OrgID, &c.Message, &c.Author, &authorType, &c.ParentCommitID,
		&c.BranchName, &c.CreatedAt, &c.Signature, &c.Metadata,
	)
	if err != nil {
		return model.Commit{}, err
	}
	c.AuthorType = model.AuthorType(authorType)
	c.CreatedAt = c.CreatedAt.UTC()
	return c, nil
}

// prefixed qualifies every column of a comma-separated list with alias.
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
