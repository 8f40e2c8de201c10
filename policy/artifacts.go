package policy

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BaSui01/stepflow/config"
	"github.com/BaSui01/stepflow/types"
)

// StorageResolver supplies the absolute storage roots substituted into
// artifact path templates. The policy engine never computes roots itself.
type StorageResolver interface {
	SharedPath(pipelineID string) string
	IsolatedPath(pipelineID, runID string) string
}

// FSResolver resolves storage roots under two configured base directories:
// shared scope keyed by pipeline id, isolated scope keyed by pipeline and
// run id.
type FSResolver struct {
	cfg config.StorageConfig
}

// NewFSResolver creates the filesystem resolver.
func NewFSResolver(cfg config.StorageConfig) *FSResolver {
	return &FSResolver{cfg: cfg}
}

func (r *FSResolver) SharedPath(pipelineID string) string {
	return filepath.Join(r.cfg.SharedRoot, pipelineID)
}

func (r *FSResolver) IsolatedPath(pipelineID, runID string) string {
	return filepath.Join(r.cfg.IsolatedRoot, pipelineID, runID)
}

// StorageHints carries storage usage observed in a prior run of the same
// pipeline. It sits between the explicit step flags and the role heuristic
// in the precedence order.
type StorageHints struct {
	Shared   *bool
	Isolated *bool
}

// storageScopes resolves whether shared and isolated storage are enabled for
// a step. Precedence is load-bearing: explicit step flag, then prior run
// state, then role heuristic.
func storageScopes(step types.Step, hints StorageHints) (shared, isolated bool) {
	shared = true
	isolated = step.Role == types.RoleExecutor || step.Role == types.RoleTester
	if hints.Shared != nil {
		shared = *hints.Shared
	}
	if hints.Isolated != nil {
		isolated = *hints.Isolated
	}
	if step.EnableSharedStorage != nil {
		shared = *step.EnableSharedStorage
	}
	if step.EnableIsolatedStorage != nil {
		isolated = *step.EnableIsolatedStorage
	}
	return shared, isolated
}

// resolveTemplate substitutes storage tokens and stats the result. A
// template whose scope is disabled yields StorageDisabled and can never
// satisfy a skip-if list.
func resolveTemplate(template, sharedRoot, isolatedRoot string, sharedOK, isolatedOK bool) types.ArtifactStateCheck {
	check := types.ArtifactStateCheck{Template: template}

	if strings.Contains(template, types.SharedStorageToken) && !sharedOK {
		check.StorageDisabled = true
		return check
	}
	if strings.Contains(template, types.IsolatedStorageToken) && !isolatedOK {
		check.StorageDisabled = true
		return check
	}

	resolved := strings.ReplaceAll(template, types.SharedStorageToken, sharedRoot)
	resolved = strings.ReplaceAll(resolved, types.IsolatedStorageToken, isolatedRoot)
	check.Resolved = resolved

	if info, err := os.Stat(resolved); err == nil && !info.IsDir() {
		check.Exists = true
		check.Size = info.Size()
	}
	return check
}
