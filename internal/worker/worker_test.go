package worker_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kiroku/internal/enforce"
	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/storage"
	"github.com/ashita-ai/kiroku/internal/testutil"
	"github.com/ashita-ai/kiroku/internal/worker"
)

type fakeStore struct {
	orgs     []uuid.UUID
	branches map[uuid.UUID][]model.BranchHead
	commits  map[uuid.UUID]model.Commit
	versions map[uuid.UUID][]model.Version
	actions  map[uuid.UUID][]model.Action

	// brokenConn makes the store report a notify connection whose every wait fails.
	brokenConn bool
	waits      atomic.Int64
}

func (s *fakeStore) HasNotifyConn() bool { return s.brokenConn }
func (s *fakeStore) Listen(context.Context, string) error {
	if s.brokenConn {
		return nil
	}
	return errors.New("not supported")
}
func (s *fakeStore) WaitForNotification(context.Context) (string, string, error) {
	s.waits.Add(1)
	return "", "", errors.New("connection reset")
}
func (s *fakeStore) ListOrganizationIDs(context.Context) ([]uuid.UUID, error) { return s.orgs, nil }
func (s *fakeStore) ListBranches(_ context.Context, orgID uuid.UUID) ([]model.BranchHead, error) {
	return s.branches[orgID], nil
}
func (s *fakeStore) GetCommit(_ context.Context, id uuid.UUID) (model.Commit, error) {
	c, ok := s.commits[id]
	if !ok {
		return model.Commit{}, storage.ErrNotFound
	}
	return c, nil
}
func (s *fakeStore) ListVersionsByCommit(_ context.Context, id uuid.UUID) ([]model.Version, error) {
	return s.versions[id], nil
}
func (s *fakeStore) ListActionsByCommit(_ context.Context, id uuid.UUID) ([]model.Action, error) {
	return s.actions[id], nil
}

type fakeEnforcer struct {
	mu       sync.Mutex
	repairs  map[uuid.UUID][]string
	validate []uuid.UUID
}

func (e *fakeEnforcer) ValidateAll(_ context.Context, orgID uuid.UUID) ([]model.ValidationResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.validate = append(e.validate, orgID)
	return nil, nil
}

func (e *fakeEnforcer) RepairViolations(_ context.Context, orgID uuid.UUID, ids []string) ([]model.ValidationResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.repairs == nil {
		e.repairs = map[uuid.UUID][]string{}
	}
	e.repairs[orgID] = ids
	return nil, nil
}

type fakeCheckpointer struct {
	sealed []string
}

func (c *fakeCheckpointer) Checkpoint(_ context.Context, orgID uuid.UUID, branch string) (*model.ChainCheckpoint, error) {
	c.sealed = append(c.sealed, orgID.String()+"/"+branch)
	return &model.ChainCheckpoint{OrgID: orgID, BranchName: branch}, nil
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestHandleCommitDebouncesPerOrg(t *testing.T) {
	ctx := context.Background()
	orgID := uuid.New()
	userCommit := model.Commit{ID: uuid.New(), OrgID: orgID, Author: "editor", AuthorType: model.AuthorUser}
	repairCommit := model.Commit{ID: uuid.New(), OrgID: orgID, Author: enforce.RepairAuthor, AuthorType: model.AuthorSystem}
	store := &fakeStore{
		commits: map[uuid.UUID]model.Commit{userCommit.ID: userCommit, repairCommit.ID: repairCommit},
		versions: map[uuid.UUID][]model.Version{
			userCommit.ID:   {{EntityID: "S2"}, {EntityID: "S1"}},
			repairCommit.ID: {{EntityID: "S9"}},
		},
		actions: map[uuid.UUID][]model.Action{userCommit.ID: {{EntityID: "S1"}, {EntityID: "F4"}}},
	}
	enf := &fakeEnforcer{}
	clk := &clock{t: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)}
	w := worker.New(store, enf, &fakeCheckpointer{}, worker.Config{Debounce: time.Second, Clock: clk.now}, testutil.TestLogger())

	require.NoError(t, w.HandleCommit(ctx, storage.CommitEvent{OrgID: orgID, CommitID: userCommit.ID}))
	require.NoError(t, w.HandleCommit(ctx, storage.CommitEvent{OrgID: orgID, CommitID: repairCommit.ID}))

	assert.Zero(t, w.Flush(ctx, false), "still inside the quiet period")
	clk.advance(500 * time.Millisecond)
	w.Enqueue(orgID, []string{"S3"})
	clk.advance(700 * time.Millisecond)
	assert.Zero(t, w.Flush(ctx, false), "new work restarts the quiet period")

	clk.advance(400 * time.Millisecond)
	assert.Equal(t, 1, w.Flush(ctx, false))
	assert.Equal(t, []string{"F4", "S1", "S2", "S3"}, enf.repairs[orgID], "deduplicated, sorted, repair commits ignored")

	assert.Zero(t, w.Flush(ctx, true), "queue is empty after a flush")

	require.ErrorIs(t, w.HandleCommit(ctx, storage.CommitEvent{OrgID: orgID, CommitID: uuid.New()}), storage.ErrNotFound)
}

func TestForceFlush(t *testing.T) {
	enf := &fakeEnforcer{}
	w := worker.New(&fakeStore{}, enf, &fakeCheckpointer{}, worker.Config{Debounce: time.Hour}, testutil.TestLogger())
	a, b := uuid.New(), uuid.New()
	w.Enqueue(a, []string{"x"})
	w.Enqueue(b, []string{"y"})
	w.Enqueue(b, nil)

	assert.Equal(t, 2, w.Flush(context.Background(), true))
	assert.Equal(t, []string{"x"}, enf.repairs[a])
	assert.Equal(t, []string{"y"}, enf.repairs[b])
}

func TestSweepAndCheckpoint(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	store := &fakeStore{
		orgs: []uuid.UUID{a, b},
		branches: map[uuid.UUID][]model.BranchHead{
			a: {{BranchName: "main"}, {BranchName: "draft"}},
			b: {{BranchName: "main"}},
		},
	}
	enf := &fakeEnforcer{}
	cp := &fakeCheckpointer{}
	w := worker.New(store, enf, cp, worker.Config{}, testutil.TestLogger())

	w.Sweep(context.Background())
	assert.Equal(t, []uuid.UUID{a, b}, enf.validate)

	w.CheckpointAll(context.Background())
	assert.Equal(t, []string{a.String() + "/main", a.String() + "/draft", b.String() + "/main"}, cp.sealed)
}

func TestRunStopsOnCancel(t *testing.T) {
	store := &fakeStore{orgs: []uuid.UUID{uuid.New()}}
	enf := &fakeEnforcer{}
	w := worker.New(store, enf, &fakeCheckpointer{},
		worker.Config{SweepInterval: 10 * time.Millisecond}, testutil.TestLogger())
	orgID := uuid.New()
	w.Enqueue(orgID, []string{"late"})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, w.Run(ctx))

	enf.mu.Lock()
	defer enf.mu.Unlock()
	assert.NotEmpty(t, enf.validate)
	assert.Equal(t, []string{"late"}, enf.repairs[orgID], "pending work is drained on shutdown")
}

func TestListenBacksOffOnBrokenConnection(t *testing.T) {
	store := &fakeStore{brokenConn: true}
	w := worker.New(store, &fakeEnforcer{}, &fakeCheckpointer{},
		worker.Config{ListenRetry: 20 * time.Millisecond}, testutil.TestLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.NoError(t, w.Run(ctx))

	// 20ms, 40ms, 80ms, 160ms: at most a handful of waits fit in 200ms.
	waits := store.waits.Load()
	assert.GreaterOrEqual(t, waits, int64(1))
	assert.LessOrEqual(t, waits, int64(6))
}
