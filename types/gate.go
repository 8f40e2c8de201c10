package types

// GateTargetAnyStep is the sentinel target making a gate apply to every step.
const GateTargetAnyStep = "*"

// GateKind identifies how a quality gate is evaluated.
type GateKind string

const (
	GateRegexMustMatch    GateKind = "regex_must_match"
	GateRegexMustNotMatch GateKind = "regex_must_not_match"
	GateJSONFieldExists   GateKind = "json_field_exists"
	GateArtifactExists    GateKind = "artifact_exists"
	GateManualApproval    GateKind = "manual_approval"
)

// QualityGate is a pass/fail check applied to a step's output or produced
// artifacts. A blocking gate failure forces the step outcome to fail.
type QualityGate struct {
	ID           string   `json:"id" yaml:"id"`
	TargetStepID string   `json:"target_step_id" yaml:"target_step_id"`
	Kind         GateKind `json:"kind" yaml:"kind"`
	Blocking     bool     `json:"blocking" yaml:"blocking"`

	// Pattern/Flags apply to regex gates. Flags uses Go inline flag letters
	// (i, m, s).
	Pattern string `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Flags   string `json:"flags,omitempty" yaml:"flags,omitempty"`

	// JSONPath applies to json_field_exists gates (gjson path syntax).
	JSONPath string `json:"json_path,omitempty" yaml:"json_path,omitempty"`

	// ArtifactPath applies to artifact_exists gates; it is a path template
	// and may contain storage tokens.
	ArtifactPath string `json:"artifact_path,omitempty" yaml:"artifact_path,omitempty"`

	// Message is the human explanation shown when the gate fails.
	Message string `json:"message,omitempty" yaml:"message,omitempty"`
}

// QualityGateResult records one gate evaluation against one step run.
type QualityGateResult struct {
	GateID   string   `json:"gate_id"`
	Kind     GateKind `json:"kind"`
	Blocking bool     `json:"blocking"`
	Passed   bool     `json:"passed"`
	// Pending marks a manual_approval gate awaiting external resolution.
	Pending    bool   `json:"pending,omitempty"`
	ApprovalID string `json:"approval_id,omitempty"`
	Message    string `json:"message,omitempty"`
}

// Outcome is the workflow-level result of one step run.
type Outcome string

const (
	OutcomePass    Outcome = "pass"
	OutcomeFail    Outcome = "fail"
	OutcomeNeutral Outcome = "neutral"
)

// ComputeOutcome folds gate results into a step outcome: fail if any
// blocking result failed, pass if nothing failed at all, neutral otherwise.
// Pending results do not count as failures.
func ComputeOutcome(results []QualityGateResult) Outcome {
	anyFailed := false
	for _, r := range results {
		if r.Pending || r.Passed {
			continue
		}
		if r.Blocking {
			return OutcomeFail
		}
		anyFailed = true
	}
	if anyFailed {
		return OutcomeNeutral
	}
	return OutcomePass
}
