// Package model defines the core domain types for Kiroku.
//
// Types map directly to the graph store tables (commits, actions, versions,
// edge_facts) and to the ephemeral enforcement results. Types use strong
// typing (UUIDs, time.Time, enums) and keep map[string]any to opaque payloads.
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultBranch is the branch used when a caller does not name one.
const DefaultBranch = "main"

// AuthorType identifies who produced a commit.
type AuthorType string

const (
	AuthorUser   AuthorType = "user"
	AuthorAgent  AuthorType = "agent"
	AuthorSystem AuthorType = "system"
)

// Valid reports whether t is a known author type.
func (t AuthorType) Valid() bool {
	switch t {
	case AuthorUser, AuthorAgent, AuthorSystem:
		return true
	}
	return false
}

// ParseAuthorType converts a string to an AuthorType.
func ParseAuthorType(s string) (AuthorType, error) {
	t := AuthorType(s)
	if !t.Valid() {
		return "", fmt.Errorf("invalid author type %q: must be user, agent, or system", s)
	}
	return t, nil
}

// Commit is an immutable record of one logical change.
// ParentCommitID is nil only for an organization's root commit.
type Commit struct {
	ID             uuid.UUID      `json:"id"`
	OrgID          uuid.UUID      `json:"org_id"`
	Message        string         `json:"message"`
	Author         string         `json:"author"`
	AuthorType     AuthorType     `json:"author_type"`
	ParentCommitID *uuid.UUID     `json:"parent_commit_id,omitempty"`
	BranchName     string         `json:"branch_name"`
	CreatedAt      time.Time      `json:"created_at"`
	Signature      string         `json:"signature"`
	Metadata       map[string]any `json:"metadata"`
}

// IsRoot reports whether the commit has no parent.
func (c Commit) IsRoot() bool { return c.ParentCommitID == nil }

// ActionStatus is the outcome of a tool invocation.
type ActionStatus string

const (
	ActionSuccess ActionStatus = "success"
	ActionFailed  ActionStatus = "failed"
	ActionPending ActionStatus = "pending"
)

// Valid reports whether s is a known action status.
func (s ActionStatus) Valid() bool {
	switch s {
	case ActionSuccess, ActionFailed, ActionPending:
		return true
	}
	return false
}

// Action records one tool or agent invocation performed within a commit.
// Never reassigned to another commit.
type Action struct {
	ID           uuid.UUID      `json:"id"`
	CommitID     uuid.UUID      `json:"commit_id"`
	ActionType   string         `json:"action_type"`
	Tool         string         `json:"tool"`
	EntityType   EntityType     `json:"entity_type"`
	EntityID     string         `json:"entity_id"`
	Inputs       map[string]any `json:"inputs"`
	Outputs      map[string]any `json:"outputs"`
	Status       ActionStatus   `json:"status"`
	ErrorMessage *string        `json:"error_message,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Version is a full snapshot of one entity's properties at the time of a commit.
type Version struct {
	ID          uuid.UUID      `json:"id"`
	OrgID       uuid.UUID      `json:"org_id"`
	EntityID    string         `json:"entity_id"`
	EntityType  EntityType     `json:"entity_type"`
	Properties  map[string]any `json:"properties"`
	CommitID    uuid.UUID      `json:"commit_id"`
	CreatedAt   time.Time      `json:"created_at"`
	ContentHash string         `json:"content_hash"`
}

// Ref returns the entity reference this version describes.
func (v Version) Ref() EntityRef { return EntityRef{Type: v.EntityType, ID: v.EntityID} }

// BranchHead is the check-and-set pointer to the newest commit on a branch.
type BranchHead struct {
	OrgID        uuid.UUID `json:"org_id"`
	BranchName   string    `json:"branch_name"`
	HeadCommitID uuid.UUID `json:"head_commit_id"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ChainCheckpoint is a Merkle root over a branch's commit signatures,
// chained to the previous checkpoint for the same branch.
type ChainCheckpoint struct {
	ID           uuid.UUID `json:"id"`
	OrgID        uuid.UUID `json:"org_id"`
	BranchName   string    `json:"branch_name"`
	HeadCommitID uuid.UUID `json:"head_commit_id"`
	CommitCount  int       `json:"commit_count"`
	RootHash     string    `json:"root_hash"`
	PreviousRoot *string   `json:"previous_root,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// ChainReport is the result of validating every commit on a branch walk.
type ChainReport struct {
	OrgID      uuid.UUID   `json:"org_id"`
	BranchName string      `json:"branch_name"`
	Checked    int         `json:"checked"`
	Broken     []uuid.UUID `json:"broken,omitempty"`
}

// Intact reports whether every checked commit verified.
func (r ChainReport) Intact() bool { return len(r.Broken) == 0 }
