// Package policy decides skip-vs-execute before a step runs and evaluates
// gates into pass/fail/neutral after it runs.
package policy

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/internal/metrics"
	"github.com/BaSui01/stepflow/types"
)

// SkippedOutput is the output text synthesized for a skipped step. It only
// exists at the serialization boundary; everything internal works off the
// skip decision itself.
const SkippedOutput = "STEP_STATUS: SKIPPED"

// Ledger tracks which steps executed fresh within one run. A skipped step is
// never marked; downstream steps consult the ledger for cascading
// invalidation.
type Ledger struct {
	mu       sync.Mutex
	executed map[string]bool
}

// NewLedger creates an empty per-run ledger.
func NewLedger() *Ledger {
	return &Ledger{executed: map[string]bool{}}
}

// MarkExecuted records that a step ran (was not skipped) in this run.
func (l *Ledger) MarkExecuted(stepID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.executed[stepID] = true
}

// Executed reports whether a step ran fresh in this run.
func (l *Ledger) Executed(stepID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.executed[stepID]
}

// anyExecuted returns one executed step id from the given set.
func (l *Ledger) anyExecuted(ids map[string]bool) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id := range ids {
		if l.executed[id] {
			return id, true
		}
	}
	return "", false
}

// SkipDecision is the pre-execution verdict for one step.
type SkipDecision struct {
	Skip bool
	// Reason explains why a skip candidate was forced to execute; empty when
	// the step was never a candidate or when it is skipped.
	Reason string
	// Checks are the resolved skip-if artifact snapshots.
	Checks []types.ArtifactStateCheck
}

// Engine evaluates caching policy and quality gates for steps.
type Engine struct {
	registry *Registry
	resolver StorageResolver
	metrics  *metrics.Collector
	logger   *zap.Logger
}

// NewEngine wires the policy engine. A nil registry gets the built-in
// profiles.
func NewEngine(registry *Registry, resolver StorageResolver, m *metrics.Collector, logger *zap.Logger) *Engine {
	if registry == nil {
		registry = NewRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		registry: registry,
		resolver: resolver,
		metrics:  m,
		logger:   logger.With(zap.String("component", "policy")),
	}
}

// EvaluateSkip decides whether a step may be skipped. A step with no skip-if
// list always executes. A skip candidate executes anyway when a bypass
// condition holds: a truthy bypass run input, an orchestrator prompt matching
// a bypass pattern, or an ancestor that executed fresh in this run.
// Configuration defects (unknown profile, bad pattern) fail closed toward
// execution.
func (e *Engine) EvaluateSkip(pipeline *types.Pipeline, run *types.Run, step types.Step, orchestratorPrompt string, ledger *Ledger, hints StorageHints) SkipDecision {
	if len(step.SkipIfArtifacts) == 0 {
		return SkipDecision{Skip: false}
	}

	decision := e.evaluateSkip(pipeline, run, step, orchestratorPrompt, ledger, hints)
	outcome := "execute"
	if decision.Skip {
		outcome = "skip"
	}
	e.metrics.RecordSkipDecision(pipeline.ID, outcome)
	return decision
}

func (e *Engine) evaluateSkip(pipeline *types.Pipeline, run *types.Run, step types.Step, orchestratorPrompt string, ledger *Ledger, hints StorageHints) SkipDecision {
	profiles, err := e.registry.ProfilesFor(step)
	if err != nil {
		return SkipDecision{Reason: fmt.Sprintf("policy profile resolution failed: %v", err)}
	}

	bypassKeys := append([]string{}, step.CacheBypassInputKeys...)
	for _, p := range profiles {
		bypassKeys = append(bypassKeys, p.BypassInputKeys()...)
	}
	for _, key := range bypassKeys {
		if truthy(run.Input(key)) {
			return SkipDecision{Reason: fmt.Sprintf("bypass input %q is set", key)}
		}
	}

	for _, pattern := range step.CacheBypassOrchestratorPromptPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			// A pattern that cannot be evaluated forces execution.
			return SkipDecision{Reason: fmt.Sprintf("invalid bypass pattern %q: %v", pattern, err)}
		}
		if orchestratorPrompt != "" && re.MatchString(orchestratorPrompt) {
			return SkipDecision{Reason: fmt.Sprintf("orchestrator prompt matches bypass pattern %q", pattern)}
		}
	}

	if upstream, ok := ledger.anyExecuted(pipeline.Ancestors(step.ID)); ok {
		return SkipDecision{Reason: fmt.Sprintf("upstream step %s executed fresh in this run", upstream)}
	}

	checks := e.resolveAll(pipeline.ID, run.ID, step, hints, step.SkipIfArtifacts)
	for _, check := range checks {
		if check.StorageDisabled {
			return SkipDecision{Reason: fmt.Sprintf("storage scope disabled for artifact %s", check.Template), Checks: checks}
		}
		if !check.Exists {
			return SkipDecision{Reason: fmt.Sprintf("artifact %s does not exist", check.Template), Checks: checks}
		}
	}

	for _, p := range profiles {
		if err := p.ValidateSkipArtifacts(step, checks); err != nil {
			return SkipDecision{Reason: fmt.Sprintf("artifact validation failed: %v", err), Checks: checks}
		}
	}

	return SkipDecision{Skip: true, Checks: checks}
}

// EvaluatePost runs the post-execution contract: required output fields and
// files, each applicable gate, then profile contract hooks. It returns the
// gate results plus any pending approvals created for manual gates. The
// caller folds the results into an outcome with types.ComputeOutcome.
func (e *Engine) EvaluatePost(pipeline *types.Pipeline, run *types.Run, step types.Step, stepRun *types.StepRun, output string, hints StorageHints) ([]types.QualityGateResult, []*types.Approval) {
	var results []types.QualityGateResult
	var approvals []*types.Approval

	if step.OutputFormat == types.OutputJSON {
		for _, field := range step.RequiredOutputFields {
			r := types.QualityGateResult{
				GateID:   "contract/field:" + field,
				Kind:     types.GateJSONFieldExists,
				Blocking: true,
				Passed:   gjson.Get(output, field).Exists(),
			}
			if !r.Passed {
				r.Message = fmt.Sprintf("required output field %q missing", field)
			}
			results = append(results, r)
		}
	}

	fileChecks := e.resolveAll(pipeline.ID, run.ID, step, hints, step.RequiredOutputFiles)
	for _, check := range fileChecks {
		r := types.QualityGateResult{
			GateID:   "contract/file:" + check.Template,
			Kind:     types.GateArtifactExists,
			Blocking: true,
			Passed:   check.Exists,
		}
		if check.StorageDisabled {
			r.Passed = false
			r.Message = fmt.Sprintf("storage scope disabled for required file %s", check.Template)
		} else if !check.Exists {
			r.Message = fmt.Sprintf("required output file %s missing", check.Template)
		}
		results = append(results, r)
	}

	for _, gate := range pipeline.GatesFor(step.ID) {
		r, approval := e.evaluateGate(pipeline, run, step, stepRun, gate, output, hints)
		results = append(results, r)
		if approval != nil {
			approvals = append(approvals, approval)
		}
	}

	profiles, err := e.registry.ProfilesFor(step)
	if err != nil {
		// Unknown profile is a pipeline defect: fail closed.
		results = append(results, types.QualityGateResult{
			GateID:   "contract/profile",
			Kind:     types.GateArtifactExists,
			Blocking: true,
			Passed:   false,
			Message:  err.Error(),
		})
	} else {
		contractChecks := append(e.resolveAll(pipeline.ID, run.ID, step, hints, step.SkipIfArtifacts), fileChecks...)
		for _, p := range profiles {
			results = append(results, p.EvaluateContracts(step, output, contractChecks)...)
		}
	}

	for _, r := range results {
		status := "pass"
		switch {
		case r.Pending:
			status = "pending"
		case !r.Passed:
			status = "fail"
		}
		e.metrics.RecordGateEvaluation(string(r.Kind), status)
	}
	return results, approvals
}

// evaluateGate evaluates one gate by kind. Gates that cannot be evaluated
// (bad regex, unknown kind) fail closed.
func (e *Engine) evaluateGate(pipeline *types.Pipeline, run *types.Run, step types.Step, stepRun *types.StepRun, gate types.QualityGate, output string, hints StorageHints) (types.QualityGateResult, *types.Approval) {
	r := types.QualityGateResult{
		GateID:   gate.ID,
		Kind:     gate.Kind,
		Blocking: gate.Blocking,
	}

	switch gate.Kind {
	case types.GateRegexMustMatch, types.GateRegexMustNotMatch:
		re, err := compileGatePattern(gate)
		if err != nil {
			r.Message = fmt.Sprintf("gate %s has invalid pattern: %v", gate.ID, err)
			return r, nil
		}
		matched := re.MatchString(output)
		r.Passed = matched == (gate.Kind == types.GateRegexMustMatch)
	case types.GateJSONFieldExists:
		r.Passed = gjson.Get(output, gate.JSONPath).Exists()
	case types.GateArtifactExists:
		check := e.resolveOne(pipeline.ID, run.ID, step, hints, gate.ArtifactPath)
		r.Passed = check.Exists && !check.StorageDisabled
	case types.GateManualApproval:
		approval := types.NewApproval(run.ID, stepRun.ID, gate.ID, gate.Message)
		r.Pending = true
		r.ApprovalID = approval.ID
		r.Message = gate.Message
		return r, approval
	default:
		r.Message = fmt.Sprintf("gate %s has unknown kind %q", gate.ID, gate.Kind)
		return r, nil
	}

	if !r.Passed && r.Message == "" {
		r.Message = gate.Message
	}
	return r, nil
}

// ResolveApproval folds an external approval decision into the step run's
// pending gate result, exactly as any other gate result.
func ResolveApproval(stepRun *types.StepRun, approval *types.Approval, decision types.ApprovalDecision) {
	for i, r := range stepRun.GateResults {
		if r.ApprovalID != approval.ID {
			continue
		}
		stepRun.GateResults[i].Pending = false
		stepRun.GateResults[i].Passed = decision == types.ApprovalApproved
		if decision == types.ApprovalRejected && approval.Note != "" {
			stepRun.GateResults[i].Message = approval.Note
		}
		return
	}
}

func (e *Engine) resolveAll(pipelineID, runID string, step types.Step, hints StorageHints, templates []string) []types.ArtifactStateCheck {
	var out []types.ArtifactStateCheck
	for _, tmpl := range templates {
		out = append(out, e.resolveOne(pipelineID, runID, step, hints, tmpl))
	}
	return out
}

func (e *Engine) resolveOne(pipelineID, runID string, step types.Step, hints StorageHints, template string) types.ArtifactStateCheck {
	shared, isolated := storageScopes(step, hints)
	return resolveTemplate(
		template,
		e.resolver.SharedPath(pipelineID),
		e.resolver.IsolatedPath(pipelineID, runID),
		shared, isolated,
	)
}

// compileGatePattern compiles a gate regex, folding flag letters (i, m, s)
// into an inline group.
func compileGatePattern(gate types.QualityGate) (*regexp.Regexp, error) {
	pattern := gate.Pattern
	if gate.Flags != "" {
		pattern = "(?" + gate.Flags + ")" + pattern
	}
	return regexp.Compile(pattern)
}

// truthy interprets a run input as a boolean: set and not an explicit "no".
func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "0", "false", "no", "off":
		return false
	default:
		return true
	}
}
