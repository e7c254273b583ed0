package edgefacts_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kiroku/internal/edgefacts"
	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/storage"
	"github.com/ashita-ai/kiroku/internal/testutil"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()

	ctx := context.Background()
	var err error
	testDB, err = tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close(ctx)
	tc.Terminate()
	os.Exit(code)
}

var (
	file1       = model.EntityRef{Type: model.EntityFile, ID: "F1"}
	slotPrimary = model.EntityRef{Type: model.EntitySlot, ID: "SCRIPT_PRIMARY"}
)

func ptr[T any](v T) *T { return &v }

// TestSupersessionScenario asserts FILLS_SLOT(F1, SCRIPT_PRIMARY) at t=0 with
// confidence 0.6 and again at t=10 with confidence 0.9.
func TestSupersessionScenario(t *testing.T) {
	ctx := context.Background()
	orgID := uuid.New()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	t10 := t0.Add(10 * time.Second)
	svc := edgefacts.New(testDB, func() time.Time { return t10.Add(time.Minute) }, testutil.TestLogger())

	first, err := svc.AssertFact(ctx, edgefacts.AssertInput{
		OrgID: orgID, Type: "FILLS_SLOT", From: file1, To: slotPrimary,
		Props: model.FactProps{Confidence: ptr(0.6)}, Policy: model.OneToOne, At: t0,
	})
	require.NoError(t, err)
	assert.Equal(t, model.MethodManual, first.Props.Method)

	second, err := svc.AssertFact(ctx, edgefacts.AssertInput{
		OrgID: orgID, Type: "FILLS_SLOT", From: file1, To: slotPrimary,
		Props: model.FactProps{Confidence: ptr(0.9), Method: model.MethodAgent}, Policy: model.OneToOne, At: t10,
	})
	require.NoError(t, err)

	closed, err := svc.GetFact(ctx, first.ID)
	require.NoError(t, err)
	require.NotNil(t, closed.ValidTo)
	assert.True(t, closed.ValidTo.Equal(t10))

	open, err := svc.GetFact(ctx, second.ID)
	require.NoError(t, err)
	assert.Nil(t, open.ValidTo)

	active, err := svc.QueryActive(ctx, model.FactQuery{OrgID: orgID, From: &file1, To: &slotPrimary})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, second.ID, active[0].ID)
	require.NotNil(t, active[0].Props.Confidence)
	assert.InDelta(t, 0.9, *active[0].Props.Confidence, 1e-9)
}

func TestPointInTimeReconstruction(t *testing.T) {
	ctx := context.Background()
	orgID := uuid.New()
	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	now := base.Add(time.Hour)
	svc := edgefacts.New(testDB, func() time.Time { return now }, testutil.TestLogger())

	const n = 4
	ids := make([]uuid.UUID, n)
	times := make([]time.Time, n)
	for i := range n {
		times[i] = base.Add(time.Duration(i) * time.Minute)
		f, err := svc.AssertFact(ctx, edgefacts.AssertInput{
			OrgID: orgID, Type: "FILLS_SLOT", From: file1, To: slotPrimary,
			Policy: model.OneToOne, At: times[i],
		})
		require.NoError(t, err)
		ids[i] = f.ID
	}

	q := model.FactQuery{OrgID: orgID, Type: "FILLS_SLOT"}
	for i := range n {
		for _, probe := range []time.Time{times[i], times[i].Add(30 * time.Second)} {
			got, err := svc.QueryAsOf(ctx, probe, q)
			require.NoError(t, err)
			require.Len(t, got, 1, "as of %s", probe)
			assert.Equal(t, ids[i], got[0].ID, "as of %s", probe)
		}
	}

	active, err := svc.QueryActive(ctx, q)
	require.NoError(t, err)
	asOfNow, err := svc.QueryAsOf(ctx, now, q)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Len(t, asOfNow, 1)
	assert.Equal(t, active[0].ID, asOfNow[0].ID)

	history, err := svc.FactHistory(ctx, orgID, "FILLS_SLOT", file1, slotPrimary)
	require.NoError(t, err)
	require.Len(t, history, n)
	for i := range n {
		assert.Equal(t, ids[i], history[i].ID)
	}
}

func TestSingleActiveUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	orgID := uuid.New()
	svc := edgefacts.New(testDB, nil, testutil.TestLogger())

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = storage.RetryOnConflict(ctx, 5, time.Millisecond, func() error {
				_, err := svc.AssertFact(ctx, edgefacts.AssertInput{
					OrgID: orgID, Type: "FILLS_SLOT", From: file1, To: slotPrimary, Policy: model.OneToOne,
				})
				return err
			})
		}()
	}
	wg.Wait()

	active, err := svc.QueryActive(ctx, model.FactQuery{OrgID: orgID})
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestAdditivePolicies(t *testing.T) {
	ctx := context.Background()
	orgID := uuid.New()
	svc := edgefacts.New(testDB, nil, testutil.TestLogger())

	for _, policy := range []model.Cardinality{model.ManyToOne, model.ManyToMany, ""} {
		_, err := svc.AssertFact(ctx, edgefacts.AssertInput{
			OrgID: orgID, Type: "TAGGED", From: file1, To: slotPrimary, Policy: policy,
		})
		require.NoError(t, err)
	}
	active, err := svc.QueryActive(ctx, model.FactQuery{OrgID: orgID, Type: "TAGGED"})
	require.NoError(t, err)
	assert.Len(t, active, 3)

	counts, err := svc.CountFacts(ctx, orgID)
	require.NoError(t, err)
	assert.Equal(t, []model.FactCount{{Type: "TAGGED", Active: 3, Total: 3}}, counts)
}

func TestRetractIdempotent(t *testing.T) {
	ctx := context.Background()
	orgID := uuid.New()
	now := time.Now().UTC().Truncate(time.Microsecond)
	svc := edgefacts.New(testDB, func() time.Time { return now }, testutil.TestLogger())

	f, err := svc.AssertFact(ctx, edgefacts.AssertInput{
		OrgID: orgID, Type: "FILLS_SLOT", From: file1, To: slotPrimary, Policy: model.OneToOne,
		At: now.Add(-time.Hour),
	})
	require.NoError(t, err)

	require.NoError(t, svc.RetractFact(ctx, f.ID, nil))
	once, err := svc.GetFact(ctx, f.ID)
	require.NoError(t, err)

	later := now.Add(time.Hour)
	require.NoError(t, svc.RetractFact(ctx, f.ID, &later))
	twice, err := svc.GetFact(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, once, twice)

	active, err := svc.QueryActive(ctx, model.FactQuery{OrgID: orgID})
	require.NoError(t, err)
	assert.Empty(t, active)

	require.ErrorIs(t, svc.RetractFact(ctx, uuid.New(), nil), storage.ErrNotFound)
}

func TestFutureDatedRetractionStaysActive(t *testing.T) {
	ctx := context.Background()
	orgID := uuid.New()
	svc := edgefacts.New(testDB, nil, testutil.TestLogger())

	f, err := svc.AssertFact(ctx, edgefacts.AssertInput{
		OrgID: orgID, Type: "BOOKED", From: model.EntityRef{Type: model.EntityLocation, ID: "L1"},
		To: model.EntityRef{Type: model.EntityShootDay, ID: "D1"}, Policy: model.OneToOne,
	})
	require.NoError(t, err)
	future := time.Now().Add(24 * time.Hour)
	require.NoError(t, svc.RetractFact(ctx, f.ID, &future))

	active, err := svc.QueryActive(ctx, model.FactQuery{OrgID: orgID})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.NotNil(t, active[0].ValidTo)
}

func TestFutureDatedAssertionActivatesLater(t *testing.T) {
	ctx := context.Background()
	orgID := uuid.New()
	now := time.Now().UTC().Truncate(time.Microsecond)
	clock := now
	svc := edgefacts.New(testDB, func() time.Time { return clock }, testutil.TestLogger())

	a, err := svc.AssertFact(ctx, edgefacts.AssertInput{
		OrgID: orgID, Type: "FILLS_SLOT", From: file1, To: slotPrimary,
		Policy: model.OneToOne, At: now.Add(-time.Hour),
	})
	require.NoError(t, err)
	b, err := svc.AssertFact(ctx, edgefacts.AssertInput{
		OrgID: orgID, Type: "FILLS_SLOT", From: file1, To: slotPrimary,
		Policy: model.OneToOne, At: now.Add(time.Hour),
	})
	require.NoError(t, err)

	q := model.FactQuery{OrgID: orgID, Type: "FILLS_SLOT"}
	active, err := svc.QueryActive(ctx, q)
	require.NoError(t, err)
	asOfNow, err := svc.QueryAsOf(ctx, now, q)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, a.ID, active[0].ID)
	assert.Equal(t, asOfNow, active)

	clock = now.Add(2 * time.Hour)
	active, err = svc.QueryActive(ctx, q)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, b.ID, active[0].ID)
}

func TestAssertValidation(t *testing.T) {
	svc := edgefacts.New(testDB, nil, testutil.TestLogger())
	ctx := context.Background()

	_, err := svc.AssertFact(ctx, edgefacts.AssertInput{Type: "X", From: file1, To: slotPrimary})
	require.ErrorContains(t, err, "org id is required")

	_, err = svc.AssertFact(ctx, edgefacts.AssertInput{
		OrgID: uuid.New(), Type: "X", From: model.EntityRef{Type: model.EntityFile}, To: slotPrimary,
		Props: model.FactProps{Confidence: ptr(1.5)}, Policy: "2:2",
	})
	require.ErrorContains(t, err, "from reference is incomplete")
	require.ErrorContains(t, err, "out of range")
	require.ErrorContains(t, err, "invalid cardinality")
}
