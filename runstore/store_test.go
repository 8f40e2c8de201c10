package runstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/config"
	"github.com/BaSui01/stepflow/scheduler"
	"github.com/BaSui01/stepflow/types"
)

var _ scheduler.RunStore = (*Store)(nil)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(config.RunStoreConfig{}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSaveAndLoadRun(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	run := types.NewRun("pipe-1", "ship the feature", map[string]string{"force_refresh_design_assets": "true"})
	run.Scenario = "full"
	run.Status = types.RunRunning
	require.NoError(t, store.SaveRun(ctx, run))

	stepRun := types.NewStepRun("build")
	stepRun.Status = types.StepCompleted
	stepRun.Outcome = types.OutcomePass
	stepRun.Attempts = 1
	stepRun.Output = "done"
	stepRun.TriggeredByStepID = "plan"
	stepRun.TriggeredByReason = scheduler.ReasonRoute
	stepRun.StartedAt = time.Now().Add(-time.Second)
	stepRun.FinishedAt = time.Now()
	stepRun.GateResults = []types.QualityGateResult{
		{GateID: "g1", Kind: types.GateRegexMustMatch, Blocking: true, Passed: true},
	}
	require.NoError(t, store.SaveStepRun(ctx, run.ID, stepRun))

	require.NoError(t, store.AppendLog(ctx, run.ID, "Skipped cached: all skip-if artifacts already exist"))
	require.NoError(t, store.AppendLog(ctx, run.ID, "Run completed"))

	loaded, err := store.LoadRun(ctx, run.ID)
	require.NoError(t, err)

	assert.Equal(t, run.ID, loaded.ID)
	assert.Equal(t, "pipe-1", loaded.PipelineID)
	assert.Equal(t, types.RunRunning, loaded.Status)
	assert.Equal(t, "full", loaded.Scenario)
	assert.Equal(t, "true", loaded.Input("force_refresh_design_assets"))

	require.Len(t, loaded.StepRuns, 1)
	assert.Equal(t, "build", loaded.StepRuns[0].StepID)
	assert.Equal(t, types.OutcomePass, loaded.StepRuns[0].Outcome)
	assert.Equal(t, scheduler.ReasonRoute, loaded.StepRuns[0].TriggeredByReason)
	require.Len(t, loaded.StepRuns[0].GateResults, 1)
	assert.Equal(t, "g1", loaded.StepRuns[0].GateResults[0].GateID)

	assert.Equal(t, []string{
		"Skipped cached: all skip-if artifacts already exist",
		"Run completed",
	}, loaded.Logs)
}

func TestSaveRunUpsertsStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	run := types.NewRun("pipe-1", "task", nil)
	run.Status = types.RunRunning
	require.NoError(t, store.SaveRun(ctx, run))

	run.Status = types.RunCompleted
	require.NoError(t, store.SaveRun(ctx, run))

	loaded, err := store.LoadRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunCompleted, loaded.Status)
}

func TestSaveStepRunUpserts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	run := types.NewRun("pipe-1", "task", nil)
	require.NoError(t, store.SaveRun(ctx, run))

	stepRun := types.NewStepRun("build")
	stepRun.Status = types.StepRunning
	require.NoError(t, store.SaveStepRun(ctx, run.ID, stepRun))

	stepRun.Status = types.StepCompleted
	stepRun.Outcome = types.OutcomeNeutral
	stepRun.Output = "final output"
	require.NoError(t, store.SaveStepRun(ctx, run.ID, stepRun))

	loaded, err := store.LoadRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, loaded.StepRuns, 1)
	assert.Equal(t, types.StepCompleted, loaded.StepRuns[0].Status)
	assert.Equal(t, types.OutcomeNeutral, loaded.StepRuns[0].Outcome)
	assert.Equal(t, "final output", loaded.StepRuns[0].Output)
}

func TestLoadMissingRun(t *testing.T) {
	store := newTestStore(t)
	_, err := store.LoadRun(context.Background(), "nope")
	require.Error(t, err)
}

func TestFileBackedStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")
	ctx := context.Background()

	store, err := Open(config.RunStoreConfig{Path: path}, zap.NewNop())
	require.NoError(t, err)
	run := types.NewRun("pipe-1", "task", nil)
	run.Status = types.RunCompleted
	require.NoError(t, store.SaveRun(ctx, run))
	require.NoError(t, store.Close())

	reopened, err := Open(config.RunStoreConfig{Path: path}, zap.NewNop())
	require.NoError(t, err)
	defer reopened.Close()

	loaded, err := reopened.LoadRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunCompleted, loaded.Status)
}
