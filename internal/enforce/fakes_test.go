package enforce_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kiroku/internal/edgefacts"
	"github.com/ashita-ai/kiroku/internal/enforce"
	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/provenance"
	"github.com/ashita-ai/kiroku/internal/storage"
)

var (
	_ enforce.Graph = (*fakeGraph)(nil)
	_ enforce.Facts = (*fakeFacts)(nil)
	_ enforce.Chain = (*fakeChain)(nil)
)

// fakeGraph serves known entities and latest versions from memory.
type fakeGraph struct {
	mu         sync.Mutex
	known      []model.EntityRef
	versions   map[string]model.Version
	rawRows    []storage.RawViolation
	rawErr     error
	repairRows int64
	repairErr  error
	repairs    []string
}

func newFakeGraph(known ...model.EntityRef) *fakeGraph {
	return &fakeGraph{known: known, versions: make(map[string]model.Version)}
}

func (g *fakeGraph) setProps(ref model.EntityRef, props map[string]any) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.versions[ref.String()] = model.Version{ID: uuid.New(), EntityID: ref.ID, EntityType: ref.Type, Properties: props}
}

func (g *fakeGraph) ListKnownEntities(_ context.Context, _ uuid.UUID, t model.EntityType) ([]model.EntityRef, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []model.EntityRef
	for _, r := range g.known {
		if r.Type == t {
			out = append(out, r)
		}
	}
	return out, nil
}

func (g *fakeGraph) LatestVersion(_ context.Context, _ uuid.UUID, ref model.EntityRef) (model.Version, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	v, ok := g.versions[ref.String()]
	if !ok {
		return model.Version{}, storage.ErrNotFound
	}
	return v, nil
}

func (g *fakeGraph) RunViolationQuery(context.Context, string, uuid.UUID) ([]storage.RawViolation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.rawRows), g.rawErr
}

func (g *fakeGraph) RunRepairQuery(_ context.Context, _ string, _ uuid.UUID, entityID string) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.repairErr != nil {
		return 0, g.repairErr
	}
	g.repairs = append(g.repairs, entityID)
	return g.repairRows, nil
}

// fakeFacts is an in-memory EdgeFact store. Each assertion without an explicit
// time is one second after the previous one.
type fakeFacts struct {
	mu    sync.Mutex
	facts []model.EdgeFact
	tick  time.Time
}

func newFakeFacts() *fakeFacts {
	return &fakeFacts{tick: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (s *fakeFacts) AssertFact(_ context.Context, in edgefacts.AssertInput) (model.EdgeFact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at := in.At
	if at.IsZero() {
		s.tick = s.tick.Add(time.Second)
		at = s.tick
	}
	if in.Props.Method == "" {
		in.Props.Method = model.MethodManual
	}
	if in.Policy.Exclusive() {
		for i := range s.facts {
			f := &s.facts[i]
			if f.ValidTo == nil && f.Type == in.Type && f.From == in.From && f.To == in.To {
				closed := at
				f.ValidTo = &closed
			}
		}
	}
	f := model.EdgeFact{
		ID:        uuid.New(),
		OrgID:     in.OrgID,
		Type:      in.Type,
		From:      in.From,
		To:        in.To,
		Props:     in.Props,
		Exclusive: in.Policy.Exclusive(),
		CreatedAt: at,
		ValidFrom: at,
	}
	s.facts = append(s.facts, f)
	return f, nil
}

func (s *fakeFacts) RetractFact(_ context.Context, id uuid.UUID, validTo *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.facts {
		if s.facts[i].ID == id {
			if s.facts[i].ValidTo == nil {
				at := *validTo
				s.facts[i].ValidTo = &at
			}
			return nil
		}
	}
	return storage.ErrNotFound
}

func (s *fakeFacts) QueryActive(_ context.Context, q model.FactQuery) ([]model.EdgeFact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.EdgeFact
	for _, f := range s.facts {
		if f.ValidTo != nil || f.OrgID != q.OrgID {
			continue
		}
		if q.Type != "" && f.Type != q.Type {
			continue
		}
		if q.From != nil && f.From != *q.From || q.To != nil && f.To != *q.To {
			continue
		}
		if q.FromType != "" && f.From.Type != q.FromType || q.ToType != "" && f.To.Type != q.ToType {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

func (s *fakeFacts) active() []model.EdgeFact {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.EdgeFact
	for _, f := range s.facts {
		if f.ValidTo == nil {
			out = append(out, f)
		}
	}
	return out
}

// fakeChain records commits and actions. Like the graph store it moves a
// branch head with check-and-set: the head is read, then re-checked after
// headDelay, and a moved head fails with storage.ErrConflict.
type fakeChain struct {
	mu        sync.Mutex
	commits   []model.Commit
	actions   []provenance.CreateActionInput
	heads     map[string]uuid.UUID
	conflicts int
	headDelay time.Duration
	commitErr error
}

func (c *fakeChain) CreateCommit(_ context.Context, in provenance.CreateCommitInput) (model.Commit, error) {
	c.mu.Lock()
	if c.commitErr != nil {
		c.mu.Unlock()
		return model.Commit{}, c.commitErr
	}
	key := in.OrgID.String() + "/" + in.BranchName
	parent, hasParent := c.heads[key]
	c.mu.Unlock()

	time.Sleep(c.headDelay)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.heads[key] != parent {
		c.conflicts++
		return model.Commit{}, storage.ErrConflict
	}
	commit := model.Commit{
		ID:         uuid.New(),
		OrgID:      in.OrgID,
		Message:    in.Message,
		Author:     in.Author,
		AuthorType: in.AuthorType,
		BranchName: in.BranchName,
		Metadata:   in.Metadata,
	}
	if hasParent {
		commit.ParentCommitID = &parent
	}
	if c.heads == nil {
		c.heads = make(map[string]uuid.UUID)
	}
	c.heads[key] = commit.ID
	c.commits = append(c.commits, commit)
	return commit, nil
}

func (c *fakeChain) CreateAction(_ context.Context, in provenance.CreateActionInput) (model.Action, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !slices.ContainsFunc(c.commits, func(x model.Commit) bool { return x.ID == in.CommitID }) {
		return model.Action{}, errors.New("unknown commit")
	}
	c.actions = append(c.actions, in)
	return model.Action{ID: uuid.New(), CommitID: in.CommitID, ActionType: in.ActionType, Tool: in.Tool, Status: in.Status}, nil
}
