package types

import (
	"fmt"
	"time"
)

// StepRole classifies what a step does within the pipeline graph.
type StepRole string

const (
	RoleAnalysis     StepRole = "analysis"
	RolePlanner      StepRole = "planner"
	RoleOrchestrator StepRole = "orchestrator"
	RoleExecutor     StepRole = "executor"
	RoleTester       StepRole = "tester"
	RoleReview       StepRole = "review"
)

// OutputFormat declares the shape a step's provider output must take.
type OutputFormat string

const (
	OutputMarkdown OutputFormat = "markdown"
	OutputJSON     OutputFormat = "json"
)

// ReasoningEffort is the requested reasoning depth for a provider call.
// Providers collapse unsupported levels to their nearest supported one.
type ReasoningEffort string

const (
	EffortMinimal ReasoningEffort = "minimal"
	EffortLow     ReasoningEffort = "low"
	EffortMedium  ReasoningEffort = "medium"
	EffortHigh    ReasoningEffort = "high"
	EffortXHigh   ReasoningEffort = "xhigh"
)

// ProviderSelection binds a step to one LLM provider and its call knobs.
type ProviderSelection struct {
	ProviderID      string          `json:"provider_id" yaml:"provider_id"`
	Model           string          `json:"model" yaml:"model"`
	ReasoningEffort ReasoningEffort `json:"reasoning_effort,omitempty" yaml:"reasoning_effort,omitempty"`
	FastMode        bool            `json:"fast_mode,omitempty" yaml:"fast_mode,omitempty"`
	ExtendedContext bool            `json:"extended_context,omitempty" yaml:"extended_context,omitempty"`
	ContextWindow   int             `json:"context_window,omitempty" yaml:"context_window,omitempty"`
}

// Step is a single node in the pipeline graph bound to one provider call.
type Step struct {
	ID       string            `json:"id" yaml:"id"`
	Name     string            `json:"name" yaml:"name"`
	Role     StepRole          `json:"role" yaml:"role"`
	Prompt   string            `json:"prompt" yaml:"prompt"`
	Provider ProviderSelection `json:"provider" yaml:"provider"`

	// Orchestrator fan-out.
	EnableDelegation bool `json:"enable_delegation,omitempty" yaml:"enable_delegation,omitempty"`
	DelegationCount  int  `json:"delegation_count,omitempty" yaml:"delegation_count,omitempty"`

	// Storage flags are tri-state: nil means "not set", and the role-based
	// default applies (see policy storage precedence).
	EnableIsolatedStorage *bool `json:"enable_isolated_storage,omitempty" yaml:"enable_isolated_storage,omitempty"`
	EnableSharedStorage   *bool `json:"enable_shared_storage,omitempty" yaml:"enable_shared_storage,omitempty"`

	// ToolServers lists the external tool server ids attachable to this step.
	ToolServers []string `json:"tool_servers,omitempty" yaml:"tool_servers,omitempty"`

	OutputFormat         OutputFormat `json:"output_format,omitempty" yaml:"output_format,omitempty"`
	RequiredOutputFields []string     `json:"required_output_fields,omitempty" yaml:"required_output_fields,omitempty"`
	RequiredOutputFiles  []string     `json:"required_output_files,omitempty" yaml:"required_output_files,omitempty"`

	// SkipIfArtifacts lists path templates (may contain storage tokens) whose
	// pre-existence allows the step to be skipped.
	SkipIfArtifacts []string `json:"skip_if_artifacts,omitempty" yaml:"skip_if_artifacts,omitempty"`

	// Scenarios restricts which run scenarios include this step. Empty means
	// the step runs in every scenario.
	Scenarios []string `json:"scenarios,omitempty" yaml:"scenarios,omitempty"`

	PolicyProfileIDs                      []string `json:"policy_profile_ids,omitempty" yaml:"policy_profile_ids,omitempty"`
	CacheBypassInputKeys                  []string `json:"cache_bypass_input_keys,omitempty" yaml:"cache_bypass_input_keys,omitempty"`
	CacheBypassOrchestratorPromptPatterns []string `json:"cache_bypass_orchestrator_prompt_patterns,omitempty" yaml:"cache_bypass_orchestrator_prompt_patterns,omitempty"`
}

// InScenario reports whether the step participates in the given run scenario.
func (s Step) InScenario(scenario string) bool {
	if len(s.Scenarios) == 0 || scenario == "" {
		return true
	}
	for _, tag := range s.Scenarios {
		if tag == scenario {
			return true
		}
	}
	return false
}

// LinkCondition gates a link on the source step's outcome.
type LinkCondition string

const (
	LinkAlways    LinkCondition = "always"
	LinkOnPass    LinkCondition = "on_pass"
	LinkOnFail    LinkCondition = "on_fail"
	LinkOnNeutral LinkCondition = "on_neutral"
)

// Matches reports whether a link with this condition fires for an outcome.
func (c LinkCondition) Matches(o Outcome) bool {
	switch c {
	case LinkAlways, "":
		return true
	case LinkOnPass:
		return o == OutcomePass
	case LinkOnFail:
		return o == OutcomeFail
	case LinkOnNeutral:
		return o == OutcomeNeutral
	default:
		return false
	}
}

// Link is a conditional edge between two steps.
type Link struct {
	SourceStepID string        `json:"source_step_id" yaml:"source_step_id"`
	TargetStepID string        `json:"target_step_id" yaml:"target_step_id"`
	Condition    LinkCondition `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// RuntimeConfig bounds one run of a pipeline.
type RuntimeConfig struct {
	// MaxLoops caps how many times the same step id may be re-entered.
	MaxLoops int `json:"max_loops" yaml:"max_loops"`
	// MaxStepExecutions is a hard cap on total step dispatches in a run.
	MaxStepExecutions int `json:"max_step_executions" yaml:"max_step_executions"`
	// StageTimeout is the wall-clock budget per step dispatch.
	StageTimeout time.Duration `json:"stage_timeout" yaml:"stage_timeout"`
}

// Pipeline is the immutable definition the core executes.
type Pipeline struct {
	ID      string        `json:"id" yaml:"id"`
	Name    string        `json:"name" yaml:"name"`
	Steps   []Step        `json:"steps" yaml:"steps"`
	Links   []Link        `json:"links,omitempty" yaml:"links,omitempty"`
	Gates   []QualityGate `json:"gates,omitempty" yaml:"gates,omitempty"`
	Runtime RuntimeConfig `json:"runtime" yaml:"runtime"`
}

// Normalize validates the snapshot: every link endpoint and gate target must
// reference an existing step, self-loops are rejected, and duplicate
// (source, target, condition) triples are rejected.
func (p *Pipeline) Normalize() error {
	if p.ID == "" {
		return &Error{Code: ErrConfiguration, Message: "pipeline id is empty"}
	}
	steps := make(map[string]bool, len(p.Steps))
	for _, s := range p.Steps {
		if s.ID == "" {
			return &Error{Code: ErrConfiguration, Message: fmt.Sprintf("step %q has no id", s.Name)}
		}
		if steps[s.ID] {
			return &Error{Code: ErrConfiguration, Message: fmt.Sprintf("duplicate step id %q", s.ID)}
		}
		steps[s.ID] = true
	}
	seen := make(map[string]bool, len(p.Links))
	for _, l := range p.Links {
		if l.SourceStepID == l.TargetStepID {
			return &Error{Code: ErrConfiguration, Message: fmt.Sprintf("self-loop link on step %q", l.SourceStepID)}
		}
		if !steps[l.SourceStepID] || !steps[l.TargetStepID] {
			return &Error{Code: ErrConfiguration, Message: fmt.Sprintf("link %s -> %s references unknown step", l.SourceStepID, l.TargetStepID)}
		}
		key := l.SourceStepID + "\x00" + l.TargetStepID + "\x00" + string(l.Condition)
		if seen[key] {
			return &Error{Code: ErrConfiguration, Message: fmt.Sprintf("duplicate link %s -> %s (%s)", l.SourceStepID, l.TargetStepID, l.Condition)}
		}
		seen[key] = true
	}
	for _, g := range p.Gates {
		if g.TargetStepID != GateTargetAnyStep && !steps[g.TargetStepID] {
			return &Error{Code: ErrConfiguration, Message: fmt.Sprintf("gate %q targets unknown step %q", g.ID, g.TargetStepID)}
		}
	}
	return nil
}

// StepByID returns the step with the given id.
func (p *Pipeline) StepByID(id string) (Step, bool) {
	for _, s := range p.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// OutgoingLinks returns the links originating at the given step, in
// definition order.
func (p *Pipeline) OutgoingLinks(stepID string) []Link {
	var out []Link
	for _, l := range p.Links {
		if l.SourceStepID == stepID {
			out = append(out, l)
		}
	}
	return out
}

// IncomingLinks returns the links terminating at the given step.
func (p *Pipeline) IncomingLinks(stepID string) []Link {
	var in []Link
	for _, l := range p.Links {
		if l.TargetStepID == stepID {
			in = append(in, l)
		}
	}
	return in
}

// EntrySteps returns the steps with no incoming links, in definition order.
func (p *Pipeline) EntrySteps() []Step {
	targets := make(map[string]bool, len(p.Links))
	for _, l := range p.Links {
		targets[l.TargetStepID] = true
	}
	var entries []Step
	for _, s := range p.Steps {
		if !targets[s.ID] {
			entries = append(entries, s)
		}
	}
	return entries
}

// Ancestors returns the set of step ids from which the given step is
// reachable, following links backwards. Used for cascading cache
// invalidation: a step causally depends on every ancestor's output.
func (p *Pipeline) Ancestors(stepID string) map[string]bool {
	out := make(map[string]bool)
	var visit func(id string)
	visit = func(id string) {
		for _, l := range p.IncomingLinks(id) {
			if !out[l.SourceStepID] {
				out[l.SourceStepID] = true
				visit(l.SourceStepID)
			}
		}
	}
	visit(stepID)
	return out
}

// GatesFor returns the gates applicable to a step: those targeting its id
// plus those targeting any step.
func (p *Pipeline) GatesFor(stepID string) []QualityGate {
	var out []QualityGate
	for _, g := range p.Gates {
		if g.TargetStepID == stepID || g.TargetStepID == GateTargetAnyStep {
			out = append(out, g)
		}
	}
	return out
}
