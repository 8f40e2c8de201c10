package types

// Storage path tokens substituted into artifact path templates. The core
// never computes absolute roots itself; an external resolver supplies them.
const (
	SharedStorageToken   = "{{shared_storage_path}}"
	IsolatedStorageToken = "{{isolated_storage_path}}"
)

// ArtifactStateCheck is a point-in-time snapshot of one resolved artifact
// path template. Produced fresh on every skip decision and every
// post-execution contract check; never persisted.
type ArtifactStateCheck struct {
	// Template is the original path template from the step definition.
	Template string `json:"template"`
	// Resolved is the absolute path after token substitution, empty when the
	// template's storage scope is disabled.
	Resolved string `json:"resolved,omitempty"`
	Exists   bool   `json:"exists"`
	Size     int64  `json:"size,omitempty"`
	// StorageDisabled marks a template whose storage scope is disabled for
	// this step; such a check can never satisfy a skip-if list.
	StorageDisabled bool `json:"storage_disabled,omitempty"`
}
