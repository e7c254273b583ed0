package kiroku_test

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kiroku"
	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/notify"
	"github.com/ashita-ai/kiroku/internal/provenance"
	"github.com/ashita-ai/kiroku/internal/testutil"
)

var testDSN string

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	testDSN = tc.DSN
	code := m.Run()
	tc.Terminate()
	os.Exit(code)
}

func slotRule() kiroku.Rule {
	return kiroku.Rule{
		ID:               "file-fills-slot",
		Kind:             model.RuleRequiredOutgoing,
		FromEntityType:   model.EntityFile,
		ToEntityType:     model.EntitySlot,
		RelationshipType: "FILLS_SLOT",
		Required:         true,
		Cardinality:      model.OneToOne,
		Repair:           &kiroku.RepairSpec{Strategy: model.RepairLinkFixed, TargetID: "UNSORTED"},
		Enabled:          true,
	}
}

func TestAppLifecycle(t *testing.T) {
	ctx := context.Background()
	pub := &notify.MemoryPublisher{}
	app, err := kiroku.New(ctx,
		kiroku.WithDatabaseURL(testDSN),
		kiroku.WithLogger(testutil.TestLogger()),
		kiroku.WithVersion("test"),
		kiroku.WithPublisher(pub),
		kiroku.WithRules(slotRule()),
	)
	require.NoError(t, err)
	defer app.Close(context.Background())

	orgID := uuid.New()
	c, err := app.Chain().CreateCommit(ctx, provenance.CreateCommitInput{
		OrgID: orgID, Message: "upload", Author: "bob", AuthorType: model.AuthorUser,
	})
	require.NoError(t, err)
	_, err = app.Chain().CreateVersion(ctx, provenance.CreateVersionInput{
		OrgID: orgID, CommitID: c.ID, Entity: model.EntityRef{Type: model.EntityFile, ID: "F1"},
		Properties: map[string]any{"name": "take1.mov"},
	})
	require.NoError(t, err)

	results, err := app.ValidateAll(ctx, orgID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 1, results[0].ViolationsRepaired)

	active, err := app.Facts().QueryActive(ctx, kiroku.FactQuery{OrgID: orgID, Type: "FILLS_SLOT"})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "UNSORTED", active[0].To.ID)

	summaries := pub.Summaries()
	require.Len(t, summaries, 1)
	assert.Equal(t, orgID, summaries[0].OrgID)

	stats, err := app.Statistics(ctx, orgID)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ActiveFacts)

	runs, err := app.RecentRuns(ctx, orgID, 5)
	require.NoError(t, err)
	assert.Empty(t, runs, "no mirror configured")
}

func TestNewRejectsInvalidRules(t *testing.T) {
	bad := slotRule()
	bad.RelationshipType = ""
	_, err := kiroku.New(context.Background(),
		kiroku.WithDatabaseURL(testDSN),
		kiroku.WithLogger(testutil.TestLogger()),
		kiroku.WithRules(bad),
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "relationship_type")
}

func TestNewFailsWithoutDatabase(t *testing.T) {
	_, err := kiroku.New(context.Background(),
		kiroku.WithDatabaseURL("postgres://nobody@127.0.0.1:1/none?sslmode=disable&connect_timeout=1"),
		kiroku.WithLogger(testutil.TestLogger()),
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage")
}

func TestSentinelErrors(t *testing.T) {
	ctx := context.Background()
	app, err := kiroku.New(ctx, kiroku.WithDatabaseURL(testDSN), kiroku.WithLogger(testutil.TestLogger()))
	require.NoError(t, err)
	defer app.Close(ctx)

	_, err = app.Chain().GetCommit(ctx, uuid.New())
	require.ErrorIs(t, err, kiroku.ErrNotFound)
}
