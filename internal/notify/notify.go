// Package notify fans enforcement run summaries out to subscribers.
//
// The worker ships a Redis pub/sub publisher so dashboards and downstream
// jobs can react to violations without polling. When no Redis URL is
// configured the NoopPublisher is used; MemoryPublisher serves local runs
// and tests.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ChannelPrefix is prepended to the organization id to form the channel name.
const ChannelPrefix = "kiroku:enforcement:"

// Channel returns the channel enforcement summaries for orgID are published on.
func Channel(orgID uuid.UUID) string { return ChannelPrefix + orgID.String() }

// RuleSummary is the per-rule part of a run summary.
type RuleSummary struct {
	RuleID             string `json:"rule_id"`
	State              string `json:"state"`
	ViolationsFound    int    `json:"violations_found"`
	ViolationsRepaired int    `json:"violations_repaired"`
	Error              string `json:"error,omitempty"`
}

// RunSummary describes one enforcement run over an organization.
type RunSummary struct {
	RunID              uuid.UUID     `json:"run_id"`
	OrgID              uuid.UUID     `json:"org_id"`
	Trigger            string        `json:"trigger"`
	ViolationsFound    int           `json:"violations_found"`
	ViolationsRepaired int           `json:"violations_repaired"`
	Failed             int           `json:"failed_rules"`
	Rules              []RuleSummary `json:"rules"`
	FinishedAt         time.Time     `json:"finished_at"`
}

// Publisher delivers run summaries. Implementations must be safe for
// concurrent use. Publishing is best effort: callers log errors and move on.
type Publisher interface {
	Publish(ctx context.Context, s RunSummary) error
	Close() error
}

// NoopPublisher drops every summary. Used when fan-out is disabled.
type NoopPublisher struct{}

// Publish does nothing.
func (NoopPublisher) Publish(context.Context, RunSummary) error { return nil }

// Close is a no-op.
func (NoopPublisher) Close() error { return nil }

// MemoryPublisher keeps published summaries in memory.
type MemoryPublisher struct {
	mu        sync.Mutex
	summaries []RunSummary
}

// Publish appends s.
func (m *MemoryPublisher) Publish(_ context.Context, s RunSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summaries = append(m.summaries, s)
	return nil
}

// Summaries returns a copy of everything published so far, oldest first.
func (m *MemoryPublisher) Summaries() []RunSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RunSummary, len(m.summaries))
	copy(out, m.summaries)
	return out
}

// Close is a no-op.
func (m *MemoryPublisher) Close() error { return nil }
