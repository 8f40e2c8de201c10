package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/BaSui01/stepflow/types"
)

func designStep(root string) types.Step {
	_ = root
	return types.Step{
		ID:              "export",
		Role:            types.RoleExecutor,
		SkipIfArtifacts: []string{types.SharedStorageToken + "/frames.json"},
	}
}

func TestDesignProfileInferredFromTemplates(t *testing.T) {
	registry := NewRegistry()

	profiles, err := registry.ProfilesFor(designStep(""))
	require.NoError(t, err)
	require.Len(t, profiles, 1)
	assert.Equal(t, DesignAssetProfileID, profiles[0].ID())

	profiles, err = registry.ProfilesFor(types.Step{ID: "plain"})
	require.NoError(t, err)
	assert.Empty(t, profiles)
}

func TestDesignProfileExplicitUnknownID(t *testing.T) {
	registry := NewRegistry()
	_, err := registry.ProfilesFor(types.Step{ID: "s1", PolicyProfileIDs: []string{"missing"}})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrConfiguration))
}

func TestDesignProfileValidatesFrameMap(t *testing.T) {
	dir := t.TempDir()
	profile := &designAssetProfile{}
	step := designStep(dir)

	path := filepath.Join(dir, "frames.json")
	check := func() []types.ArtifactStateCheck {
		return []types.ArtifactStateCheck{{Template: step.SkipIfArtifacts[0], Resolved: path, Exists: true}}
	}

	require.NoError(t, os.WriteFile(path, []byte(`{"frame_count": 2, "frames": ["a", "b"]}`), 0o644))
	assert.NoError(t, profile.ValidateSkipArtifacts(step, check()))

	require.NoError(t, os.WriteFile(path, []byte(`{"frame_count": "two"}`), 0o644))
	err := profile.ValidateSkipArtifacts(step, check())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not numeric")

	require.NoError(t, os.WriteFile(path, []byte(`not json at all`), 0o644))
	err = profile.ValidateSkipArtifacts(step, check())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not valid JSON")
}

func TestDesignProfileRejectsInlineManifestAssets(t *testing.T) {
	dir := t.TempDir()
	profile := &designAssetProfile{}
	step := types.Step{ID: "export", SkipIfArtifacts: []string{types.SharedStorageToken + "/design_manifest.json"}}

	path := filepath.Join(dir, "design_manifest.json")
	check := []types.ArtifactStateCheck{{Template: step.SkipIfArtifacts[0], Resolved: path, Exists: true}}

	require.NoError(t, os.WriteFile(path, []byte(`{"assets":[{"id":"logo","path":"assets/logo.png"}]}`), 0o644))
	assert.NoError(t, profile.ValidateSkipArtifacts(step, check))

	require.NoError(t, os.WriteFile(path, []byte(`{"assets":[{"id":"logo","inline_data":"iVBORw0KGgo="}]}`), 0o644))
	err := profile.ValidateSkipArtifacts(step, check)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "file-backed")

	require.NoError(t, os.WriteFile(path, []byte(`{"assets":[{"id":"logo","path":"data:image/png;base64,AAAA"}]}`), 0o644))
	err = profile.ValidateSkipArtifacts(step, check)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "data: URI")
}

func TestDesignProfileNormalizesFrameCount(t *testing.T) {
	dir := t.TempDir()
	profile := &designAssetProfile{}
	step := designStep(dir)

	path := filepath.Join(dir, "frames.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"frame_count": 5, "frames": ["a", "b"]}`), 0o644))

	checks := []types.ArtifactStateCheck{{Template: step.SkipIfArtifacts[0], Resolved: path, Exists: true}}
	results := profile.EvaluateContracts(step, "", checks)

	require.Len(t, results, 1)
	assert.True(t, results[0].Passed)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, int64(2), gjson.GetBytes(data, "frame_count").Int())
}

func TestDesignProfileBypassKeyForcesExecution(t *testing.T) {
	engine, root := newTestEngine(t)
	writeShared(t, root, "pipe-1", "frames.json", `{"frame_count": 1, "frames": ["a"]}`)

	step := types.Step{
		ID:              "export",
		Role:            types.RoleExecutor,
		SkipIfArtifacts: []string{types.SharedStorageToken + "/frames.json"},
	}
	pipeline := testPipeline(step)

	run := types.NewRun("pipe-1", "task", nil)
	d := engine.EvaluateSkip(pipeline, run, step, "", NewLedger(), StorageHints{})
	assert.True(t, d.Skip)

	run = types.NewRun("pipe-1", "task", map[string]string{"force_refresh_design_assets": "true"})
	d = engine.EvaluateSkip(pipeline, run, step, "", NewLedger(), StorageHints{})
	assert.False(t, d.Skip)
	assert.Contains(t, d.Reason, "force_refresh_design_assets")
}

func TestDesignProfileRejectsStaleCacheHit(t *testing.T) {
	engine, root := newTestEngine(t)
	writeShared(t, root, "pipe-1", "frames.json", `{"frame_count": "broken"}`)

	step := types.Step{
		ID:              "export",
		Role:            types.RoleExecutor,
		SkipIfArtifacts: []string{types.SharedStorageToken + "/frames.json"},
	}
	run := types.NewRun("pipe-1", "task", nil)

	d := engine.EvaluateSkip(testPipeline(step), run, step, "", NewLedger(), StorageHints{})

	assert.False(t, d.Skip)
	assert.Contains(t, d.Reason, "artifact validation failed")
}

func TestRegistryRegisterReplaces(t *testing.T) {
	registry := NewRegistry()
	registry.Register(&designAssetProfile{})

	p, ok := registry.Lookup(DesignAssetProfileID)
	require.True(t, ok)
	assert.Equal(t, DesignAssetProfileID, p.ID())
}
