package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/BaSui01/stepflow/types"
)

// Profile bundles custom skip-validation and contract-evaluation logic for a
// class of steps. Profiles are resolved by explicit id or inferred via
// Matches, keeping the engine open to new profiles without scheduler
// changes.
type Profile interface {
	ID() string
	// Matches infers applicability from the step definition when no explicit
	// profile id is set.
	Matches(step types.Step) bool
	// BypassInputKeys lists run-input keys that force execution when truthy.
	BypassInputKeys() []string
	// ValidateSkipArtifacts inspects artifact contents (not just existence)
	// before a cache hit is accepted; an error rejects the skip.
	ValidateSkipArtifacts(step types.Step, checks []types.ArtifactStateCheck) error
	// EvaluateContracts runs after execution and may emit synthetic gate
	// results.
	EvaluateContracts(step types.Step, output string, checks []types.ArtifactStateCheck) []types.QualityGateResult
}

// Registry is the static profile lookup table.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewRegistry creates a registry pre-loaded with the built-in profiles.
func NewRegistry() *Registry {
	r := &Registry{profiles: map[string]Profile{}}
	r.Register(&designAssetProfile{})
	return r
}

// Register adds a profile; later registrations replace earlier ones.
func (r *Registry) Register(p Profile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[p.ID()] = p
}

// Lookup returns the profile with the given id.
func (r *Registry) Lookup(id string) (Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[id]
	return p, ok
}

// ProfilesFor resolves a step's profiles: explicit ids first, then inferred
// matches. An unknown explicit id is a configuration error.
func (r *Registry) ProfilesFor(step types.Step) ([]Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Profile
	seen := map[string]bool{}
	for _, id := range step.PolicyProfileIDs {
		p, ok := r.profiles[id]
		if !ok {
			return nil, &types.Error{
				Code:    types.ErrConfiguration,
				Message: fmt.Sprintf("step %s references unknown policy profile %q", step.ID, id),
			}
		}
		if !seen[p.ID()] {
			out = append(out, p)
			seen[p.ID()] = true
		}
	}
	for _, p := range r.profiles {
		if !seen[p.ID()] && p.Matches(step) {
			out = append(out, p)
			seen[p.ID()] = true
		}
	}
	return out, nil
}

// designAssetProfile guards steps that export design assets: a frame map
// whose count field must be parseable, and a manifest that must reference
// file-backed assets rather than inline-encoded payloads.
type designAssetProfile struct{}

// DesignAssetProfileID is the registry id of the built-in design profile.
const DesignAssetProfileID = "design-assets"

func (p *designAssetProfile) ID() string { return DesignAssetProfileID }

func (p *designAssetProfile) Matches(step types.Step) bool {
	for _, tmpl := range append(append([]string{}, step.SkipIfArtifacts...), step.RequiredOutputFiles...) {
		lower := strings.ToLower(tmpl)
		if strings.Contains(lower, "frames.json") || strings.Contains(lower, "design_manifest") {
			return true
		}
	}
	return false
}

func (p *designAssetProfile) BypassInputKeys() []string {
	return []string{"force_refresh_design_assets"}
}

func (p *designAssetProfile) ValidateSkipArtifacts(_ types.Step, checks []types.ArtifactStateCheck) error {
	for _, check := range checks {
		if !check.Exists {
			continue
		}
		lower := strings.ToLower(check.Resolved)
		switch {
		case strings.Contains(lower, "frames.json"):
			if err := validateFrameMap(check.Resolved); err != nil {
				return err
			}
		case strings.Contains(lower, "design_manifest"):
			if err := validateManifest(check.Resolved); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *designAssetProfile) EvaluateContracts(step types.Step, _ string, checks []types.ArtifactStateCheck) []types.QualityGateResult {
	var out []types.QualityGateResult
	for _, check := range checks {
		if !check.Exists {
			continue
		}
		lower := strings.ToLower(check.Resolved)
		switch {
		case strings.Contains(lower, "frames.json"):
			result := types.QualityGateResult{
				GateID:   DesignAssetProfileID + "/frame-count",
				Kind:     types.GateArtifactExists,
				Blocking: true,
				Passed:   true,
			}
			if err := normalizeFrameCount(check.Resolved); err != nil {
				result.Passed = false
				result.Message = err.Error()
			}
			out = append(out, result)
		case strings.Contains(lower, "design_manifest"):
			result := types.QualityGateResult{
				GateID:   DesignAssetProfileID + "/file-backed-assets",
				Kind:     types.GateArtifactExists,
				Blocking: true,
				Passed:   true,
			}
			if err := validateManifest(check.Resolved); err != nil {
				result.Passed = false
				result.Message = err.Error()
			}
			out = append(out, result)
		}
	}
	return out
}

// validateFrameMap requires a parseable frame-count field.
func validateFrameMap(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("frame map %s unreadable: %w", path, err)
	}
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("frame map %s is not valid JSON", path)
	}
	count := gjson.GetBytes(data, "frame_count")
	frames := gjson.GetBytes(data, "frames")
	if !count.Exists() && !frames.Exists() {
		return fmt.Errorf("frame map %s has neither frame_count nor frames", path)
	}
	if count.Exists() && count.Type != gjson.Number {
		return fmt.Errorf("frame map %s frame_count is not numeric", path)
	}
	return nil
}

// normalizeFrameCount rewrites frame_count to match the actual frames list,
// repairing drift left by partial exports.
func normalizeFrameCount(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("frame map %s unreadable: %w", path, err)
	}
	if err := validateFrameMap(path); err != nil {
		return err
	}
	frames := gjson.GetBytes(data, "frames")
	if !frames.Exists() {
		return nil
	}
	actual := int64(0)
	if frames.IsArray() {
		actual = int64(len(frames.Array()))
	} else if frames.IsObject() {
		actual = int64(len(frames.Map()))
	}
	count := gjson.GetBytes(data, "frame_count")
	if count.Exists() && count.Int() == actual {
		return nil
	}

	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("frame map %s: %w", path, err)
	}
	doc["frame_count"] = actual
	updated, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, updated, 0o644)
}

// validateManifest rejects manifests whose assets embed inline payloads
// instead of referencing files on disk.
func validateManifest(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("manifest %s unreadable: %w", path, err)
	}
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("manifest %s is not valid JSON", path)
	}
	var bad string
	gjson.GetBytes(data, "assets").ForEach(func(_, asset gjson.Result) bool {
		if asset.Get("inline_data").Exists() {
			bad = "asset carries inline_data"
			return false
		}
		src := asset.Get("path").String()
		if src == "" {
			src = asset.Get("url").String()
		}
		if strings.HasPrefix(src, "data:") {
			bad = "asset path is a data: URI"
			return false
		}
		if src == "" {
			bad = "asset has no file path"
			return false
		}
		return true
	})
	if bad != "" {
		return fmt.Errorf("manifest %s must reference file-backed assets: %s", path, bad)
	}
	return nil
}
