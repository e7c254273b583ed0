// Package worker runs the long-lived enforcement loops outside the engine.
//
// Three loops share one Worker:
//   - listen: LISTEN on the commit channel, collect the entities each new
//     commit touched and, after a quiet period per organization, run a
//     targeted RepairViolations over them;
//   - sweep: periodically run ValidateAll for every organization;
//   - checkpoint: periodically seal each branch's commit signatures under a
//     chained Merkle root.
package worker

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kiroku/internal/enforce"
	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/storage"
)

// Enforcer runs enforcement. *orchestrator.Orchestrator satisfies it.
type Enforcer interface {
	ValidateAll(ctx context.Context, orgID uuid.UUID) ([]model.ValidationResult, error)
	RepairViolations(ctx context.Context, orgID uuid.UUID, entityIDs []string) ([]model.ValidationResult, error)
}

// Checkpointer seals branches. *provenance.Service satisfies it.
type Checkpointer interface {
	Checkpoint(ctx context.Context, orgID uuid.UUID, branch string) (*model.ChainCheckpoint, error)
}

// Store is the graph store surface the loops read. *storage.DB satisfies it.
type Store interface {
	HasNotifyConn() bool
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (channel, payload string, err error)
	ListOrganizationIDs(ctx context.Context) ([]uuid.UUID, error)
	ListBranches(ctx context.Context, orgID uuid.UUID) ([]model.BranchHead, error)
	GetCommit(ctx context.Context, id uuid.UUID) (model.Commit, error)
	ListVersionsByCommit(ctx context.Context, commitID uuid.UUID) ([]model.Version, error)
	ListActionsByCommit(ctx context.Context, commitID uuid.UUID) ([]model.Action, error)
}

// Config tunes the loops. A zero interval disables that loop.
type Config struct {
	SweepInterval      time.Duration
	CheckpointInterval time.Duration
	// Debounce is how long an organization must be quiet before its pending
	// entities are repaired. Zero means 2s.
	Debounce time.Duration
	// ListenRetry is the first pause after a failed wait on the commit
	// channel. It doubles on each consecutive failure up to 30x. Zero means 100ms.
	ListenRetry time.Duration
	Clock       func() time.Time
}

type pendingOrg struct {
	ids  map[string]bool
	last time.Time
}

// Worker owns the loops and the pending repair queue.
type Worker struct {
	store    Store
	enforcer Enforcer
	chain    Checkpointer
	cfg      Config
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[uuid.UUID]*pendingOrg
}

// New creates a Worker.
func New(store Store, enforcer Enforcer, chain Checkpointer, cfg Config, logger *slog.Logger) *Worker {
	if cfg.Debounce <= 0 {
		cfg.Debounce = 2 * time.Second
	}
	if cfg.ListenRetry <= 0 {
		cfg.ListenRetry = 100 * time.Millisecond
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Worker{
		store:    store,
		enforcer: enforcer,
		chain:    chain,
		cfg:      cfg,
		logger:   logger,
		pending:  make(map[uuid.UUID]*pendingOrg),
	}
}

// Run starts every enabled loop and blocks until ctx is cancelled. Pending
// repairs are flushed once more on the way out.
func (w *Worker) Run(ctx context.Context) error {
	var g errgroup.Group
	if w.store.HasNotifyConn() {
		g.Go(func() error { w.listen(ctx); return nil })
		g.Go(func() error { w.flushLoop(ctx); return nil })
	} else {
		w.logger.Info("worker: commit listener disabled (no notify connection)")
	}
	if w.cfg.SweepInterval > 0 {
		g.Go(func() error { every(ctx, w.cfg.SweepInterval, w.Sweep); return nil })
	}
	if w.cfg.CheckpointInterval > 0 {
		g.Go(func() error { every(ctx, w.cfg.CheckpointInterval, w.CheckpointAll); return nil })
	}
	<-ctx.Done()
	_ = g.Wait()

	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	w.Flush(drainCtx, true)
	return nil
}

func every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (w *Worker) listen(ctx context.Context) {
	if err := w.store.Listen(ctx, storage.ChannelCommits); err != nil {
		w.logger.Error("worker: listen commits", "error", err)
		return
	}
	w.logger.Info("worker: listening for commits", "channel", storage.ChannelCommits)

	backoff := w.cfg.ListenRetry
	for {
		_, payload, err := w.store.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Warn("worker: notification error, retrying", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, 30*w.cfg.ListenRetry)
			continue
		}
		backoff = w.cfg.ListenRetry
		ev, err := storage.ParseCommitEvent(payload)
		if err != nil {
			w.logger.Warn("worker: bad commit event", "error", err)
			continue
		}
		if err := w.HandleCommit(ctx, ev); err != nil && ctx.Err() == nil {
			w.logger.Warn("worker: handle commit", "commit_id", ev.CommitID, "error", err)
		}
	}
}

// HandleCommit queues every entity the commit touched. Commits written by the
// enforcer itself are ignored so repairs do not trigger more repairs.
func (w *Worker) HandleCommit(ctx context.Context, ev storage.CommitEvent) error {
	c, err := w.store.GetCommit(ctx, ev.CommitID)
	if err != nil {
		return err
	}
	if c.AuthorType == model.AuthorSystem && c.Author == enforce.RepairAuthor {
		return nil
	}
	versions, err := w.store.ListVersionsByCommit(ctx, c.ID)
	if err != nil {
		return err
	}
	actions, err := w.store.ListActionsByCommit(ctx, c.ID)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(versions)+len(actions))
	for _, v := range versions {
		ids = append(ids, v.EntityID)
	}
	for _, a := range actions {
		if a.EntityID != "" {
			ids = append(ids, a.EntityID)
		}
	}
	w.Enqueue(ev.OrgID, ids)
	return nil
}

// Enqueue adds entity IDs to orgID's pending set and restarts its quiet period.
func (w *Worker) Enqueue(orgID uuid.UUID, ids []string) {
	if len(ids) == 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.pending[orgID]
	if !ok {
		p = &pendingOrg{ids: make(map[string]bool)}
		w.pending[orgID] = p
	}
	for _, id := range ids {
		p.ids[id] = true
	}
	p.last = w.cfg.Clock()
}

func (w *Worker) flushLoop(ctx context.Context) {
	every(ctx, w.cfg.Debounce/2, func(ctx context.Context) { w.Flush(ctx, false) })
}

// Flush repairs the pending entities of every organization that has been
// quiet for the debounce period, or of all organizations when force is set.
// It returns how many organizations were flushed.
func (w *Worker) Flush(ctx context.Context, force bool) int {
	now := w.cfg.Clock()
	ready := map[uuid.UUID][]string{}
	w.mu.Lock()
	for orgID, p := range w.pending {
		if !force && now.Sub(p.last) < w.cfg.Debounce {
			continue
		}
		ids := make([]string, 0, len(p.ids))
		for id := range p.ids {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		ready[orgID] = ids
		delete(w.pending, orgID)
	}
	w.mu.Unlock()

	for orgID, ids := range ready {
		if _, err := w.enforcer.RepairViolations(ctx, orgID, ids); err != nil {
			w.logger.Warn("worker: targeted repair", "org_id", orgID, "entities", len(ids), "error", err)
		}
	}
	return len(ready)
}

// Sweep runs a full validation for every organization.
func (w *Worker) Sweep(ctx context.Context) {
	orgIDs, err := w.store.ListOrganizationIDs(ctx)
	if err != nil {
		w.logger.Warn("worker: sweep: list orgs failed", "error", err)
		return
	}
	for _, orgID := range orgIDs {
		if ctx.Err() != nil {
			return
		}
		if _, err := w.enforcer.ValidateAll(ctx, orgID); err != nil {
			w.logger.Warn("worker: sweep", "org_id", orgID, "error", err)
		}
	}
}

// CheckpointAll seals every branch of every organization whose head moved
// since its last checkpoint.
func (w *Worker) CheckpointAll(ctx context.Context) {
	orgIDs, err := w.store.ListOrganizationIDs(ctx)
	if err != nil {
		w.logger.Warn("worker: checkpoint: list orgs failed", "error", err)
		return
	}
	sealed := 0
	for _, orgID := range orgIDs {
		branches, err := w.store.ListBranches(ctx, orgID)
		if err != nil {
			w.logger.Warn("worker: checkpoint: list branches failed", "org_id", orgID, "error", err)
			continue
		}
		for _, b := range branches {
			if ctx.Err() != nil {
				return
			}
			cp, err := w.chain.Checkpoint(ctx, orgID, b.BranchName)
			if err != nil {
				w.logger.Warn("worker: checkpoint failed", "org_id", orgID, "branch", b.BranchName, "error", err)
				continue
			}
			if cp != nil {
				sealed++
			}
		}
	}
	if sealed > 0 {
		w.logger.Info("worker: checkpoints sealed", "count", sealed)
	}
}
