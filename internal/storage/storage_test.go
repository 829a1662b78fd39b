package storage_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomreach/loomreach/internal/model"
	"github.com/loomreach/loomreach/internal/storage"
	"github.com/loomreach/loomreach/internal/testutil"
	"github.com/loomreach/loomreach/migrations"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create test DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}
	defer testDB.Close()

	os.Exit(m.Run())
}

// newWorkspaceID returns a fresh workspace ID so tests do not interfere.
func newWorkspaceID() string {
	return "ws-" + uuid.New().String()
}

func sampleRun(workspaceID string) model.RunRecord {
	return model.RunRecord{
		ID:               uuid.New(),
		WorkspaceID:      workspaceID,
		AgentName:        "campaign_advisor",
		Purpose:          model.PurposeOrchestration,
		ModelIdentifier:  "gpt-4o",
		InputFingerprint: "fp-test",
		Status:           model.RunStatusPending,
		StartedAt:        time.Now().UTC().Truncate(time.Millisecond),
	}
}

func sampleArtifact() *model.Artifact {
	return &model.Artifact{
		Summary: "Shift budget toward the retargeting audience.",
		Actions: []model.Action{
			{
				ID:        "a1",
				Title:     "Increase retargeting budget",
				Kind:      model.ActionKindRecommendation,
				Impact:    model.ActionLevelHigh,
				Effort:    model.ActionLevelLow,
				Rationale: "ROAS is 3x the prospecting audience.",
				Steps:     []string{"Raise daily cap to $500"},
			},
		},
		Risks:            []string{},
		Dependencies:     []string{},
		MetricsToWatch:   []string{"roas"},
		RequiresApproval: false,
	}
}

// mustBegin reserves a slot with no limits and fails the test if denied.
func mustBegin(t *testing.T, ctx context.Context, ws string) {
	t.Helper()
	ok, err := testDB.Begin(ctx, ws, 0, 0)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLedgerBeginEnd(t *testing.T) {
	ctx := context.Background()
	ws := newWorkspaceID()

	mustBegin(t, ctx, ws)
	mustBegin(t, ctx, ws)

	snap, err := testDB.Snapshot(ctx, ws)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.RequestsInWindow)
	assert.Equal(t, 2, snap.ConcurrentRuns)
	assert.Equal(t, "starter", snap.Tier)

	require.NoError(t, testDB.End(ctx, ws))
	snap, err = testDB.Snapshot(ctx, ws)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.RequestsInWindow)
	assert.Equal(t, 1, snap.ConcurrentRuns)
}

func TestLedgerEndClampsAtZero(t *testing.T) {
	ctx := context.Background()
	ws := newWorkspaceID()

	require.NoError(t, testDB.SetTier(ctx, ws, "starter"))
	require.NoError(t, testDB.End(ctx, ws))
	require.NoError(t, testDB.End(ctx, ws))

	snap, err := testDB.Snapshot(ctx, ws)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.ConcurrentRuns)
}

func TestLedgerConcurrentBegins(t *testing.T) {
	ctx := context.Background()
	ws := newWorkspaceID()

	const n = 50
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, _ = testDB.Begin(ctx, ws, 0, 0)
		}()
	}
	wg.Wait()

	snap, err := testDB.Snapshot(ctx, ws)
	require.NoError(t, err)
	assert.Equal(t, n, snap.RequestsInWindow)
	assert.Equal(t, n, snap.ConcurrentRuns)
}

func TestLedgerBeginEnforcesConcurrencyCap(t *testing.T) {
	ctx := context.Background()
	ws := newWorkspaceID()

	const limit = 5
	ok, err := testDB.Begin(ctx, ws, 0, limit)
	require.NoError(t, err)
	require.True(t, ok)

	const n = 20
	var admitted atomic.Int64
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			ok, err := testDB.Begin(ctx, ws, 0, limit)
			if err == nil && ok {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	// One slot was taken up front, so only limit-1 of the racers win, and
	// the denied calls leave the counters untouched.
	assert.EqualValues(t, limit-1, admitted.Load())
	snap, err := testDB.Snapshot(ctx, ws)
	require.NoError(t, err)
	assert.Equal(t, limit, snap.ConcurrentRuns)
	assert.Equal(t, limit, snap.RequestsInWindow)
}

func TestLedgerBeginEnforcesWindowCap(t *testing.T) {
	ctx := context.Background()
	ws := newWorkspaceID()

	for i := 0; i < 3; i++ {
		ok, err := testDB.Begin(ctx, ws, 3, 0)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, testDB.End(ctx, ws))
	}

	ok, err := testDB.Begin(ctx, ws, 3, 0)
	require.NoError(t, err)
	require.False(t, ok)

	snap, err := testDB.Snapshot(ctx, ws)
	require.NoError(t, err)
	assert.Equal(t, 3, snap.RequestsInWindow)
	assert.Equal(t, 0, snap.ConcurrentRuns)
}

func TestLedgerWindowReset(t *testing.T) {
	ctx := context.Background()
	ws := newWorkspaceID()

	mustBegin(t, ctx, ws)
	mustBegin(t, ctx, ws)

	// Age the last call past the rolling window.
	_, err := testDB.Pool().Exec(ctx,
		`UPDATE workspaces SET last_call_at = now() - interval '2 minutes' WHERE id = $1`, ws)
	require.NoError(t, err)

	snap, err := testDB.Snapshot(ctx, ws)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.RequestsInWindow, "lapsed window reads as zero")

	mustBegin(t, ctx, ws)
	snap, err = testDB.Snapshot(ctx, ws)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.RequestsInWindow, "first call of a fresh window")
}

func TestLedgerSpendAndReset(t *testing.T) {
	ctx := context.Background()
	ws := newWorkspaceID()

	require.NoError(t, testDB.AddCost(ctx, ws, 1.25))
	require.NoError(t, testDB.AddCost(ctx, ws, 0.75))

	snap, err := testDB.Snapshot(ctx, ws)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, snap.SpentThisPeriod, 1e-9)

	require.NoError(t, testDB.ResetPeriod(ctx, ws))
	snap, err = testDB.Snapshot(ctx, ws)
	require.NoError(t, err)
	assert.Zero(t, snap.SpentThisPeriod)
}

func TestLedgerSetTier(t *testing.T) {
	ctx := context.Background()
	ws := newWorkspaceID()

	require.NoError(t, testDB.SetTier(ctx, ws, "scale"))

	snap, err := testDB.Snapshot(ctx, ws)
	require.NoError(t, err)
	assert.Equal(t, "scale", snap.Tier)
}

func TestLedgerUnknownWorkspace(t *testing.T) {
	snap, err := testDB.Snapshot(context.Background(), newWorkspaceID())
	require.NoError(t, err)
	assert.Equal(t, "starter", snap.Tier)
	assert.Zero(t, snap.RequestsInWindow)
	assert.Zero(t, snap.ConcurrentRuns)
	assert.Zero(t, snap.SpentThisPeriod)
}

func TestCreateAndCompleteRun(t *testing.T) {
	ctx := context.Background()
	ws := newWorkspaceID()
	run := sampleRun(ws)

	require.NoError(t, testDB.CreateRun(ctx, run))

	completed := run
	completed.Status = model.RunStatusSuccess
	completed.TokensIn = 150
	completed.TokensOut = 60
	completed.CostEstimate = 0.000975
	completed.DurationMS = 1200
	completed.Output = sampleArtifact()
	now := time.Now().UTC().Truncate(time.Millisecond)
	completed.CompletedAt = &now

	require.NoError(t, testDB.CompleteRun(ctx, completed))

	got, err := testDB.GetRun(ctx, ws, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuccess, got.Status)
	assert.Equal(t, 150, got.TokensIn)
	assert.Equal(t, 60, got.TokensOut)
	require.NotNil(t, got.Output)
	assert.Equal(t, completed.Output.Summary, got.Output.Summary)
	require.NotNil(t, got.CompletedAt)
}

func TestCompleteRunIsOneWay(t *testing.T) {
	ctx := context.Background()
	ws := newWorkspaceID()
	run := sampleRun(ws)

	require.NoError(t, testDB.CreateRun(ctx, run))

	first := run
	first.Status = model.RunStatusSuccess
	first.TokensIn = 100
	now := time.Now().UTC()
	first.CompletedAt = &now
	require.NoError(t, testDB.CompleteRun(ctx, first))

	// A second terminal write must not overwrite the first.
	second := run
	second.Status = model.RunStatusFallback
	second.TokensIn = 999
	second.CompletedAt = &now
	require.NoError(t, testDB.CompleteRun(ctx, second))

	got, err := testDB.GetRun(ctx, ws, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuccess, got.Status)
	assert.Equal(t, 100, got.TokensIn)
}

func TestCompleteRunWithoutPendingInsert(t *testing.T) {
	// A spooled record whose pending insert was lost still lands.
	ctx := context.Background()
	ws := newWorkspaceID()
	run := sampleRun(ws)
	run.Status = model.RunStatusFallback
	now := time.Now().UTC()
	run.CompletedAt = &now

	require.NoError(t, testDB.CompleteRun(ctx, run))

	got, err := testDB.GetRun(ctx, ws, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFallback, got.Status)
}

func TestCompleteRunRejectsNonTerminal(t *testing.T) {
	run := sampleRun(newWorkspaceID())
	err := testDB.CompleteRun(context.Background(), run)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not terminal")
}

func TestGetRunScopedToWorkspace(t *testing.T) {
	ctx := context.Background()
	run := sampleRun(newWorkspaceID())
	require.NoError(t, testDB.CreateRun(ctx, run))

	_, err := testDB.GetRun(ctx, newWorkspaceID(), run.ID)
	assert.ErrorIs(t, err, storage.ErrRunNotFound)
}

func TestListRunsByWorkspace(t *testing.T) {
	ctx := context.Background()
	ws := newWorkspaceID()

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		run := sampleRun(ws)
		run.StartedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
		require.NoError(t, testDB.CreateRun(ctx, run))
		ids = append(ids, run.ID)
	}

	runs, err := testDB.ListRunsByWorkspace(ctx, ws, 0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, ids[2], runs[0].ID, "newest first")

	limited, err := testDB.ListRunsByWorkspace(ctx, ws, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestEvidenceReplaceAndGet(t *testing.T) {
	ctx := context.Background()
	ws := newWorkspaceID()
	run := sampleRun(ws)
	require.NoError(t, testDB.CreateRun(ctx, run))

	bundle := model.EvidenceBundle{
		ID:          uuid.New(),
		RunID:       run.ID,
		WorkspaceID: ws,
		KeyMetrics: map[string]float64{
			"action_count": 1,
			"risk_count":   0,
		},
		Confidence:     model.ConfidenceMedium,
		ReasoningTrace: []string{"completed with a valid artifact on the first attempt"},
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, testDB.ReplaceEvidence(ctx, bundle))

	got, err := testDB.GetEvidenceByRun(ctx, ws, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.RunID)
	assert.Equal(t, model.ConfidenceMedium, got.Confidence)
	assert.Equal(t, float64(1), got.KeyMetrics["action_count"])

	// Replacing for the same run swaps the bundle instead of duplicating it.
	bundle.ID = uuid.New()
	bundle.Confidence = model.ConfidenceLow
	bundle.ReasoningTrace = []string{"fallback artifact was served"}
	require.NoError(t, testDB.ReplaceEvidence(ctx, bundle))

	got, err = testDB.GetEvidenceByRun(ctx, ws, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ConfidenceLow, got.Confidence)
	assert.Equal(t, []string{"fallback artifact was served"}, got.ReasoningTrace)
}

func TestEvidenceNotFound(t *testing.T) {
	_, err := testDB.GetEvidenceByRun(context.Background(), newWorkspaceID(), uuid.New())
	assert.ErrorIs(t, err, storage.ErrEvidenceNotFound)
}

func TestMigrationsAreIdempotent(t *testing.T) {
	// Re-running against an up-to-date schema applies nothing.
	require.NoError(t, testDB.RunMigrations(context.Background(), migrations.FS))
}
