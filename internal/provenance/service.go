// Package provenance implements the commit chain and version store.
//
// Every mutation in the platform opens a commit; actions record the tool
// invocations performed within it and versions snapshot the entities it
// touched. Commits are signed over their canonical fields and their parent's
// signature, so altering any stored commit breaks validation of that commit.
package provenance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kiroku/internal/integrity"
	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/storage"
	"github.com/ashita-ai/kiroku/internal/telemetry"
)

// Store is the subset of the graph store the commit chain needs.
// *storage.DB satisfies it.
type Store interface {
	CreateCommit(ctx context.Context, p storage.CreateCommitParams) (model.Commit, error)
	GetCommit(ctx context.Context, id uuid.UUID) (model.Commit, error)
	ParentSignature(ctx context.Context, c model.Commit) (string, error)
	GetCommitHistory(ctx context.Context, orgID uuid.UUID, branch string, limit int) ([]model.Commit, error)
	CreateAction(ctx context.Context, orgID uuid.UUID, a model.Action) (model.Action, error)
	CreateVersion(ctx context.Context, v model.Version) (model.Version, error)
	GetVersion(ctx context.Context, id uuid.UUID) (model.Version, error)
	GetEntityVersionHistory(ctx context.Context, orgID uuid.UUID, entityID string) ([]model.Version, error)
	GetCurrentVersion(ctx context.Context, orgID uuid.UUID, branch string, ref model.EntityRef) (model.Version, error)
	LatestVersion(ctx context.Context, orgID uuid.UUID, ref model.EntityRef) (model.Version, error)
	BranchSignatures(ctx context.Context, orgID uuid.UUID, branch string) (uuid.UUID, []string, error)
	GetLatestCheckpoint(ctx context.Context, orgID uuid.UUID, branch string) (*model.ChainCheckpoint, error)
	CreateCheckpoint(ctx context.Context, p model.ChainCheckpoint) (model.ChainCheckpoint, error)
}

// Service is the commit chain and version store.
type Service struct {
	store         Store
	defaultBranch string
	logger        *slog.Logger

	commitsCreated  metric.Int64Counter
	commitConflicts metric.Int64Counter
}

// New creates a commit chain over store. An empty defaultBranch means model.DefaultBranch.
func New(store Store, defaultBranch string, logger *slog.Logger) *Service {
	if defaultBranch == "" {
		defaultBranch = model.DefaultBranch
	}
	meter := telemetry.Meter("kiroku/provenance")
	created, _ := meter.Int64Counter("kiroku.commits.created",
		metric.WithDescription("Commits appended to a branch"))
	conflicts, _ := meter.Int64Counter("kiroku.commit.conflicts",
		metric.WithDescription("Commit attempts that lost the branch head check-and-set"))
	return &Service{
		store:           store,
		defaultBranch:   defaultBranch,
		logger:          logger,
		commitsCreated:  created,
		commitConflicts: conflicts,
	}
}

// DefaultBranch returns the branch used when callers omit one.
func (s *Service) DefaultBranch() string { return s.defaultBranch }

// CreateCommitInput contains the data needed to open a commit.
type CreateCommitInput struct {
	OrgID      uuid.UUID
	Message    string
	Author     string
	AuthorType model.AuthorType
	// ParentCommitID defaults to the head of BranchName.
	ParentCommitID *uuid.UUID
	// BranchName defaults to the service's default branch.
	BranchName string
	Metadata   map[string]any
}

// CreateCommit appends a signed commit to a branch.
//
// Fails with storage.ErrNotFound if an explicit parent does not exist in the
// organization, and with storage.ErrConflict if another writer advanced the
// branch head first; the caller should re-read the head and retry.
func (s *Service) CreateCommit(ctx context.Context, in CreateCommitInput) (model.Commit, error) {
	if in.OrgID == uuid.Nil {
		return model.Commit{}, errors.New("provenance: org id is required")
	}
	if !in.AuthorType.Valid() {
		return model.Commit{}, fmt.Errorf("provenance: invalid author type %q", in.AuthorType)
	}
	branch := in.BranchName
	if branch == "" {
		branch = s.defaultBranch
	}

	c, err := s.store.CreateCommit(ctx, storage.CreateCommitParams{
		OrgID:          in.OrgID,
		Message:        in.Message,
		Author:         in.Author,
		AuthorType:     in.AuthorType,
		ParentCommitID: in.ParentCommitID,
		BranchName:     branch,
		DefaultBranch:  s.defaultBranch,
		Metadata:       in.Metadata,
	})
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			s.commitConflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("branch", branch)))
			s.logger.Debug("provenance: branch head moved", "org_id", in.OrgID, "branch", branch)
		}
		return model.Commit{}, fmt.Errorf("provenance: create commit: %w", err)
	}
	s.commitsCreated.Add(ctx, 1, metric.WithAttributes(attribute.String("author_type", string(c.AuthorType))))
	return c, nil
}

// CreateActionInput contains the data needed to record a tool invocation.
type CreateActionInput struct {
	OrgID        uuid.UUID
	CommitID     uuid.UUID
	ActionType   string
	Tool         string
	EntityType   model.EntityType
	EntityID     string
	Inputs       map[string]any
	Outputs      map[string]any
	Status       model.ActionStatus
	ErrorMessage *string
}

// CreateAction records an action under an existing commit of the organization.
func (s *Service) CreateAction(ctx context.Context, in CreateActionInput) (model.Action, error) {
	if in.Status == "" {
		in.Status = model.ActionSuccess
	}
	if !in.Status.Valid() {
		return model.Action{}, fmt.Errorf("provenance: invalid action status %q", in.Status)
	}
	a, err := s.store.CreateAction(ctx, in.OrgID, model.Action{
		CommitID:     in.CommitID,
		ActionType:   in.ActionType,
		Tool:         in.Tool,
		EntityType:   in.EntityType,
		EntityID:     in.EntityID,
		Inputs:       in.Inputs,
		Outputs:      in.Outputs,
		Status:       in.Status,
		ErrorMessage: in.ErrorMessage,
	})
	if err != nil {
		return model.Action{}, fmt.Errorf("provenance: create action: %w", err)
	}
	return a, nil
}

// CreateVersionInput contains the data needed to snapshot an entity.
type CreateVersionInput struct {
	OrgID      uuid.UUID
	Entity     model.EntityRef
	Properties map[string]any
	CommitID   uuid.UUID
}

// CreateVersion stores a full snapshot of an entity under a commit.
// Identical consecutive snapshots are stored again.
func (s *Service) CreateVersion(ctx context.Context, in CreateVersionInput) (model.Version, error) {
	if in.Entity.Type == "" || in.Entity.ID == "" {
		return model.Version{}, errors.New("provenance: entity type and id are required")
	}
	hash, err := integrity.ComputeContentHash(in.Properties)
	if err != nil {
		return model.Version{}, fmt.Errorf("provenance: %w", err)
	}
	v, err := s.store.CreateVersion(ctx, model.Version{
		OrgID:       in.OrgID,
		EntityID:    in.Entity.ID,
		EntityType:  in.Entity.Type,
		Properties:  in.Properties,
		CommitID:    in.CommitID,
		ContentHash: hash,
	})
	if err != nil {
		return model.Version{}, fmt.Errorf("provenance: create version: %w", err)
	}
	return v, nil
}

// ValidateCommit recomputes a commit's signature from its stored fields and
// its parent's stored signature. A mismatch returns false, not an error.
// A commit whose parent row is missing cannot be verified and also returns false.
func (s *Service) ValidateCommit(ctx context.Context, commitID uuid.UUID) (bool, error) {
	c, err := s.store.GetCommit(ctx, commitID)
	if err != nil {
		return false, fmt.Errorf("provenance: validate commit: %w", err)
	}
	return s.verify(ctx, c)
}

func (s *Service) verify(ctx context.Context, c model.Commit) (bool, error) {
	parentSig, err := s.store.ParentSignature(ctx, c)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("provenance: parent commit missing", "commit_id", c.ID, "parent_commit_id", c.ParentCommitID)
			return false, nil
		}
		return false, fmt.Errorf("provenance: validate commit: %w", err)
	}
	ok := integrity.VerifyCommitSignature(c.Signature, integrity.CommitFields{
		OrgID:          c.OrgID,
		Message:        c.Message,
		Author:         c.Author,
		AuthorType:     string(c.AuthorType),
		ParentCommitID: c.ParentCommitID,
		CreatedAt:      c.CreatedAt,
	}, parentSig)
	if !ok {
		s.logger.Warn("provenance: commit signature mismatch", "commit_id", c.ID, "org_id", c.OrgID)
	}
	return ok, nil
}

// VerifyBranch validates every commit on the walk from the branch head,
// up to limit commits (0 means all).
func (s *Service) VerifyBranch(ctx context.Context, orgID uuid.UUID, branch string, limit int) (model.ChainReport, error) {
	if branch == "" {
		branch = s.defaultBranch
	}
	if limit <= 0 {
		limit = maxWalk
	}
	commits, err := s.store.GetCommitHistory(ctx, orgID, branch, limit)
	if err != nil {
		return model.ChainReport{}, fmt.Errorf("provenance: verify branch: %w", err)
	}
	report := model.ChainReport{OrgID: orgID, BranchName: branch}
	for _, c := range commits {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		ok, err := s.verify(ctx, c)
		if err != nil {
			return report, err
		}
		report.Checked++
		if !ok {
			report.Broken = append(report.Broken, c.ID)
		}
	}
	return report, nil
}

// maxWalk bounds a full branch walk.
const maxWalk = 10000

// GetCommit returns a commit by ID.
func (s *Service) GetCommit(ctx context.Context, id uuid.UUID) (model.Commit, error) {
	return s.store.GetCommit(ctx, id)
}

// GetCommitHistory walks parent pointers from the branch head, newest first.
func (s *Service) GetCommitHistory(ctx context.Context, orgID uuid.UUID, branch string, limit int) ([]model.Commit, error) {
	if branch == "" {
		branch = s.defaultBranch
	}
	return s.store.GetCommitHistory(ctx, orgID, branch, limit)
}

// GetEntityVersionHistory returns every version of an entity, most recent first.
func (s *Service) GetEntityVersionHistory(ctx context.Context, orgID uuid.UUID, entityID string) ([]model.Version, error) {
	return s.store.GetEntityVersionHistory(ctx, orgID, entityID)
}

// GetCurrentVersion returns the version of ref attached to the most recent
// commit reachable from the branch head.
func (s *Service) GetCurrentVersion(ctx context.Context, orgID uuid.UUID, branch string, ref model.EntityRef) (model.Version, error) {
	if branch == "" {
		branch = s.defaultBranch
	}
	return s.store.GetCurrentVersion(ctx, orgID, branch, ref)
}

// LatestVersion returns the newest version of ref on any branch.
func (s *Service) LatestVersion(ctx context.Context, orgID uuid.UUID, ref model.EntityRef) (model.Version, error) {
	return s.store.LatestVersion(ctx, orgID, ref)
}

// DiffVersions returns the JSON merge patch (RFC 7386) that turns the
// properties of one version into those of another.
func (s *Service) DiffVersions(ctx context.Context, fromID, toID uuid.UUID) (json.RawMessage, error) {
	from, err := s.store.GetVersion(ctx, fromID)
	if err != nil {
		return nil, fmt.Errorf("provenance: diff versions: %w", err)
	}
	to, err := s.store.GetVersion(ctx, toID)
	if err != nil {
		return nil, fmt.Errorf("provenance: diff versions: %w", err)
	}
	return diffProperties(from.Properties, to.Properties)
}

func diffProperties(from, to map[string]any) (json.RawMessage, error) {
	if from == nil {
		from = map[string]any{}
	}
	if to == nil {
		to = map[string]any{}
	}
	a, err := json.Marshal(from)
	if err != nil {
		return nil, fmt.Errorf("provenance: marshal properties: %w", err)
	}
	b, err := json.Marshal(to)
	if err != nil {
		return nil, fmt.Errorf("provenance: marshal properties: %w", err)
	}
	patch, err := jsonpatch.CreateMergePatch(a, b)
	if err != nil {
		return nil, fmt.Errorf("provenance: create merge patch: %w", err)
	}
	return patch, nil
}

// Checkpoint records a Merkle root over every commit signature on a branch,
// chained to the previous checkpoint's root. Returns nil when the head has
// not moved since the last checkpoint.
func (s *Service) Checkpoint(ctx context.Context, orgID uuid.UUID, branch string) (*model.ChainCheckpoint, error) {
	if branch == "" {
		branch = s.defaultBranch
	}
	head, sigs, err := s.store.BranchSignatures(ctx, orgID, branch)
	if err != nil {
		return nil, fmt.Errorf("provenance: checkpoint: %w", err)
	}
	prev, err := s.store.GetLatestCheckpoint(ctx, orgID, branch)
	if err != nil {
		return nil, fmt.Errorf("provenance: checkpoint: %w", err)
	}
	if prev != nil && prev.HeadCommitID == head {
		return nil, nil
	}

	root := integrity.BuildMerkleRoot(sigs)
	var prevRoot *string
	if prev != nil {
		prevRoot = &prev.RootHash
	}
	cp, err := s.store.CreateCheckpoint(ctx, model.ChainCheckpoint{
		OrgID:        orgID,
		BranchName:   branch,
		HeadCommitID: head,
		CommitCount:  len(sigs),
		RootHash:     integrity.ChainRoot(root, prevRoot),
		PreviousRoot: prevRoot,
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("provenance: checkpoint: %w", err)
	}
	s.logger.Info("provenance: checkpoint recorded",
		"org_id", orgID, "branch", branch, "commits", cp.CommitCount, "root", cp.RootHash)
	return &cp, nil
}
