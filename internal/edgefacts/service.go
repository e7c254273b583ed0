// Package edgefacts implements the bitemporal relationship store.
//
// An EdgeFact is a typed relationship between two entities that holds over a
// half-open interval [ValidFrom, ValidTo). Facts are never deleted: they are
// closed. Under an exclusive cardinality policy asserting a fact closes any
// open fact on the same key in the same transaction, so readers never see
// zero or two active facts for a single-valued slot.
package edgefacts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/telemetry"
)

// Store is the subset of the graph store the fact service needs.
// *storage.DB satisfies it.
type Store interface {
	AssertFact(ctx context.Context, f model.EdgeFact) (model.EdgeFact, error)
	RetractFact(ctx context.Context, id uuid.UUID, validTo time.Time) error
	GetFact(ctx context.Context, id uuid.UUID) (model.EdgeFact, error)
	QueryActiveFacts(ctx context.Context, now time.Time, q model.FactQuery) ([]model.EdgeFact, error)
	QueryFactsAsOf(ctx context.Context, t time.Time, q model.FactQuery) ([]model.EdgeFact, error)
	FactHistory(ctx context.Context, orgID uuid.UUID, factType string, from, to model.EntityRef) ([]model.EdgeFact, error)
	CountFacts(ctx context.Context, orgID uuid.UUID, now time.Time) ([]model.FactCount, error)
}

// Clock returns the current time. Tests substitute a fixed clock.
type Clock func() time.Time

// Service records and queries EdgeFacts.
type Service struct {
	store  Store
	now    Clock
	logger *slog.Logger

	asserted metric.Int64Counter
}

// New creates a fact service. A nil clock means time.Now.
func New(store Store, clock Clock, logger *slog.Logger) *Service {
	if clock == nil {
		clock = time.Now
	}
	asserted, _ := telemetry.Meter("kiroku/edgefacts").Int64Counter("kiroku.facts.asserted",
		metric.WithDescription("EdgeFacts asserted, by method"))
	return &Service{store: store, now: clock, logger: logger, asserted: asserted}
}

// AssertInput contains the data needed to assert a relationship.
type AssertInput struct {
	OrgID uuid.UUID
	Type  string
	From  model.EntityRef
	To    model.EntityRef
	Props model.FactProps
	// Policy decides whether the assertion supersedes open facts on the key.
	// Empty means N:N (additive).
	Policy model.Cardinality
	// At is the start of validity; zero means now.
	At time.Time
}

// AssertFact records a relationship fact. Under 1:1 and 1:N the previous open
// fact on (org, type, from, to) is closed at the new fact's ValidFrom.
// A concurrent assertion on the same exclusive key may fail with
// storage.ErrConflict; exactly one of the racing writers wins.
func (s *Service) AssertFact(ctx context.Context, in AssertInput) (model.EdgeFact, error) {
	if err := validateAssert(in); err != nil {
		return model.EdgeFact{}, err
	}
	if in.Props.Method == "" {
		in.Props.Method = model.MethodManual
	}
	at := in.At
	if at.IsZero() {
		at = s.now()
	}
	policy := in.Policy
	if policy == "" {
		policy = model.ManyToMany
	}

	f, err := s.store.AssertFact(ctx, model.EdgeFact{
		OrgID:     in.OrgID,
		Type:      in.Type,
		From:      in.From,
		To:        in.To,
		Props:     in.Props,
		Exclusive: policy.Exclusive(),
		ValidFrom: at,
	})
	if err != nil {
		return model.EdgeFact{}, fmt.Errorf("edgefacts: assert %s: %w", in.Type, err)
	}
	s.asserted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", in.Type),
		attribute.String("method", string(in.Props.Method)),
	))
	return f, nil
}

func validateAssert(in AssertInput) error {
	var errs []error
	if in.OrgID == uuid.Nil {
		errs = append(errs, errors.New("org id is required"))
	}
	if in.Type == "" {
		errs = append(errs, errors.New("type is required"))
	}
	if in.From.Type == "" || in.From.ID == "" {
		errs = append(errs, errors.New("from reference is incomplete"))
	}
	if in.To.Type == "" || in.To.ID == "" {
		errs = append(errs, errors.New("to reference is incomplete"))
	}
	if in.Policy != "" && !in.Policy.Valid() {
		errs = append(errs, fmt.Errorf("invalid cardinality policy %q", in.Policy))
	}
	if c := in.Props.Confidence; c != nil && (*c < 0 || *c > 1) {
		errs = append(errs, fmt.Errorf("confidence %v out of range [0, 1]", *c))
	}
	if len(errs) > 0 {
		return fmt.Errorf("edgefacts: %w", errors.Join(errs...))
	}
	return nil
}

// RetractFact closes a fact at validTo, or now when validTo is nil.
// Retracting a closed fact is a no-op.
func (s *Service) RetractFact(ctx context.Context, id uuid.UUID, validTo *time.Time) error {
	at := s.now()
	if validTo != nil {
		at = *validTo
	}
	if err := s.store.RetractFact(ctx, id, at); err != nil {
		return fmt.Errorf("edgefacts: retract: %w", err)
	}
	return nil
}

// GetFact returns a fact by ID.
func (s *Service) GetFact(ctx context.Context, id uuid.UUID) (model.EdgeFact, error) {
	return s.store.GetFact(ctx, id)
}

// QueryActive returns facts not closed as of now.
func (s *Service) QueryActive(ctx context.Context, q model.FactQuery) ([]model.EdgeFact, error) {
	return s.store.QueryActiveFacts(ctx, s.now(), q)
}

// QueryAsOf returns facts whose validity interval contains t.
func (s *Service) QueryAsOf(ctx context.Context, t time.Time, q model.FactQuery) ([]model.EdgeFact, error) {
	return s.store.QueryFactsAsOf(ctx, t, q)
}

// FactHistory returns every fact ever recorded on one key, oldest first.
func (s *Service) FactHistory(ctx context.Context, orgID uuid.UUID, factType string, from, to model.EntityRef) ([]model.EdgeFact, error) {
	return s.store.FactHistory(ctx, orgID, factType, from, to)
}

// CountFacts returns active and total counts per relationship type.
func (s *Service) CountFacts(ctx context.Context, orgID uuid.UUID) ([]model.FactCount, error) {
	return s.store.CountFacts(ctx, orgID, s.now())
}
