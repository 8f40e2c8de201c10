// Package scheduler drives one run of a pipeline from queued to a terminal
// status: it walks the step graph frontier, asks the policy engine for skip
// decisions, invokes the execution adapter, folds gate results into outcomes
// and routes conditional edges.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/stepflow/config"
	"github.com/BaSui01/stepflow/internal/ctxkeys"
	"github.com/BaSui01/stepflow/internal/metrics"
	"github.com/BaSui01/stepflow/policy"
	"github.com/BaSui01/stepflow/types"
)

// Dispatch trigger reasons recorded on StepRun.TriggeredByReason.
const (
	ReasonEntry    = "entry"
	ReasonRoute    = "route"
	ReasonDelegate = "delegate"
	ReasonResume   = "resume"
)

// Executor produces output text for one step dispatch. The adapter satisfies
// this; tests inject fakes.
type Executor interface {
	Execute(ctx context.Context, step types.Step, contextText string) (string, error)
}

// RunStore receives run progress as it happens. Implementations must
// tolerate frequent saves of the same run.
type RunStore interface {
	SaveRun(ctx context.Context, run *types.Run) error
	SaveStepRun(ctx context.Context, runID string, stepRun *types.StepRun) error
	AppendLog(ctx context.Context, runID, line string) error
}

type nopStore struct{}

func (nopStore) SaveRun(context.Context, *types.Run) error                 { return nil }
func (nopStore) SaveStepRun(context.Context, string, *types.StepRun) error { return nil }
func (nopStore) AppendLog(context.Context, string, string) error           { return nil }

// dispatch is one pending step invocation on the frontier.
type dispatch struct {
	stepID      string
	triggeredBy string
	reason      string
}

// runState is the in-memory walk state for one run. It survives pauses so a
// resumed run continues from the same frontier.
type runState struct {
	mu sync.Mutex

	pipeline *types.Pipeline
	run      *types.Run
	ledger   *policy.Ledger
	hints    policy.StorageHints

	frontier   []dispatch
	entries    map[string]int
	dispatched int
	// blocked maps step-run id to the step id awaiting manual approval.
	blocked map[string]string

	orchPrompt string

	maxLoops     int
	maxDispatch  int
	stageTimeout time.Duration
}

// Scheduler executes runs. One scheduler may drive many runs concurrently;
// runs share nothing but the read-only pipeline snapshots.
type Scheduler struct {
	cfg          config.SchedulerConfig
	policy       *policy.Engine
	exec         Executor
	store        RunStore
	metrics      *metrics.Collector
	tracer       trace.Tracer
	logger       *zap.Logger
	defaultHints policy.StorageHints

	mu     sync.Mutex
	states map[string]*runState
	pauses map[string]bool
}

// Option overrides a scheduler collaborator.
type Option func(*Scheduler)

// WithRunStore sets the persistence collaborator.
func WithRunStore(store RunStore) Option {
	return func(s *Scheduler) { s.store = store }
}

// WithStorageHints seeds prior-run storage usage for skip evaluation.
func WithStorageHints(hints policy.StorageHints) Option {
	return func(s *Scheduler) { s.defaultHints = hints }
}

// New wires a scheduler.
func New(cfg config.SchedulerConfig, engine *policy.Engine, exec Executor, m *metrics.Collector, logger *zap.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		cfg:     cfg,
		policy:  engine,
		exec:    exec,
		store:   nopStore{},
		metrics: m,
		tracer:  otel.Tracer("stepflow/scheduler"),
		logger:  logger.With(zap.String("component", "scheduler")),
		states:  map[string]*runState{},
		pauses:  map[string]bool{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Execute drives a run until it reaches a terminal status or pauses. Calling
// it on a terminal run is a no-op. Calling it on a paused run resumes from
// the stored frontier.
func (s *Scheduler) Execute(ctx context.Context, pipeline *types.Pipeline, run *types.Run) error {
	if run.Status.Terminal() {
		return nil
	}
	if err := pipeline.Normalize(); err != nil {
		return s.finish(ctx, nil, run, types.RunFailed, err)
	}

	st := s.stateFor(pipeline, run)

	s.mu.Lock()
	delete(s.pauses, run.ID)
	s.mu.Unlock()

	run.Status = types.RunRunning
	s.saveRun(ctx, run)

	return s.walk(ctx, st)
}

// Pause requests that a run freeze before its next frontier wave.
func (s *Scheduler) Pause(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pauses[runID] = true
}

// ResolveApproval applies an external decision to a pending manual gate.
// Once every pending gate on the blocked step run is resolved, the step's
// outcome is computed and its outgoing edges extend the frontier; the run
// itself stays paused until Execute is called again.
func (s *Scheduler) ResolveApproval(ctx context.Context, runID, approvalID string, decision types.ApprovalDecision, note string) error {
	s.mu.Lock()
	st, ok := s.states[runID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no active state for run %s", runID)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	var approval *types.Approval
	for _, a := range st.run.Approvals {
		if a.ID == approvalID {
			approval = a
			break
		}
	}
	if approval == nil {
		return fmt.Errorf("run %s has no approval %s", runID, approvalID)
	}
	if approval.Decision != types.ApprovalPending {
		return fmt.Errorf("approval %s already resolved as %s", approvalID, approval.Decision)
	}
	approval.Decision = decision
	approval.Note = note
	approval.ResolvedAt = time.Now()

	var stepRun *types.StepRun
	for _, sr := range st.run.StepRuns {
		if sr.ID == approval.StepRunID {
			stepRun = sr
			break
		}
	}
	if stepRun == nil {
		return fmt.Errorf("approval %s references unknown step run", approvalID)
	}
	policy.ResolveApproval(stepRun, approval, decision)
	s.logLineLocked(ctx, st, fmt.Sprintf("Approval %s resolved: %s", approvalID, decision))

	for _, r := range stepRun.GateResults {
		if r.Pending {
			return nil
		}
	}

	stepID := st.blocked[stepRun.ID]
	delete(st.blocked, stepRun.ID)
	step, _ := st.pipeline.StepByID(stepID)
	s.finalizeStepRun(stepRun)
	s.saveStepRun(ctx, st.run.ID, stepRun)
	st.frontier = append(st.frontier, s.route(st, step, stepRun.Outcome)...)
	return nil
}

// stateFor returns the walk state for a run, creating it with the entry
// frontier on first sight.
func (s *Scheduler) stateFor(pipeline *types.Pipeline, run *types.Run) *runState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[run.ID]; ok {
		return st
	}

	st := &runState{
		pipeline:     pipeline,
		run:          run,
		ledger:       policy.NewLedger(),
		hints:        s.defaultHints,
		entries:      map[string]int{},
		blocked:      map[string]string{},
		orchPrompt:   run.Task,
		maxLoops:     orDefault(pipeline.Runtime.MaxLoops, s.cfg.DefaultMaxLoops),
		maxDispatch:  orDefault(pipeline.Runtime.MaxStepExecutions, s.cfg.DefaultMaxStepExecutions),
		stageTimeout: orDefaultDur(pipeline.Runtime.StageTimeout, s.cfg.DefaultStageTimeout),
	}
	for _, step := range pipeline.EntrySteps() {
		st.frontier = append(st.frontier, dispatch{stepID: step.ID, reason: ReasonEntry})
	}
	s.states[run.ID] = st
	return st
}

// walk processes frontier waves until the run terminates or pauses.
func (s *Scheduler) walk(ctx context.Context, st *runState) error {
	for {
		if err := context.Cause(ctx); err != nil {
			return s.finish(ctx, st, st.run, types.RunCancelled, err)
		}
		if s.pauseRequested(st.run.ID) {
			st.run.Status = types.RunPaused
			s.saveRun(ctx, st.run)
			s.logLine(ctx, st, "Run paused")
			return nil
		}

		st.mu.Lock()
		if len(st.frontier) == 0 {
			blocked := len(st.blocked) > 0
			st.mu.Unlock()
			if blocked {
				st.run.Status = types.RunPaused
				s.saveRun(ctx, st.run)
				s.logLine(ctx, st, "Run awaiting manual approval")
				return nil
			}
			return s.finish(ctx, st, st.run, types.RunCompleted, nil)
		}
		wave, rest := takeWave(st.frontier)
		st.frontier = rest
		st.mu.Unlock()

		g, waveCtx := errgroup.WithContext(ctx)
		for _, d := range wave {
			d := d
			g.Go(func() error {
				routed, err := s.dispatchOne(waveCtx, st, d)
				if err != nil {
					return err
				}
				st.mu.Lock()
				st.frontier = append(st.frontier, routed...)
				st.mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			if cause := context.Cause(ctx); cause != nil {
				return s.finish(ctx, st, st.run, types.RunCancelled, cause)
			}
			return s.finish(ctx, st, st.run, types.RunFailed, err)
		}
	}
}

// takeWave extracts a set of dispatches with unique step ids; duplicates stay
// behind so the same step never runs twice concurrently.
func takeWave(frontier []dispatch) (wave, rest []dispatch) {
	inWave := map[string]bool{}
	for _, d := range frontier {
		if inWave[d.stepID] {
			rest = append(rest, d)
			continue
		}
		inWave[d.stepID] = true
		wave = append(wave, d)
	}
	return wave, rest
}

// dispatchOne runs a single step dispatch end to end and returns the next
// dispatches it routes to.
func (s *Scheduler) dispatchOne(ctx context.Context, st *runState, d dispatch) ([]dispatch, error) {
	step, ok := st.pipeline.StepByID(d.stepID)
	if !ok {
		s.logLine(ctx, st, fmt.Sprintf("Dropping dispatch for unknown step %s", d.stepID))
		return nil, nil
	}
	if !step.InScenario(st.run.Scenario) {
		s.logLine(ctx, st, fmt.Sprintf("Step %s not in scenario %q, dropped", step.ID, st.run.Scenario))
		return nil, nil
	}

	st.mu.Lock()
	if st.entries[step.ID] >= st.maxLoops {
		st.mu.Unlock()
		s.logLine(ctx, st, fmt.Sprintf("Loop limit reached for %s, dropping re-entry", step.ID))
		return nil, nil
	}
	if st.dispatched >= st.maxDispatch {
		st.mu.Unlock()
		return nil, fmt.Errorf("step execution budget exhausted after %d dispatches", st.dispatched)
	}
	st.entries[step.ID]++
	st.dispatched++
	if step.Role == types.RoleOrchestrator {
		st.orchPrompt = step.Prompt + "\n\n" + st.run.Task
	}
	orchPrompt := st.orchPrompt
	st.mu.Unlock()

	ctx = ctxkeys.WithRunID(ctx, st.run.ID)
	ctx = ctxkeys.WithStepID(ctx, step.ID)
	ctx, span := s.tracer.Start(ctx, "scheduler.dispatch",
		trace.WithAttributes(
			attribute.String("step.id", step.ID),
			attribute.String("step.role", string(step.Role)),
		))
	defer span.End()
	start := time.Now()

	decision := s.policy.EvaluateSkip(st.pipeline, st.run, step, orchPrompt, st.ledger, st.hints)
	if decision.Skip {
		return s.recordSkip(ctx, st, step, d, start)
	}
	if decision.Reason != "" {
		s.logLine(ctx, st, fmt.Sprintf("Skip-if disabled for %s: %s", step.ID, decision.Reason))
	}

	return s.execute(ctx, st, step, d, start)
}

// recordSkip synthesizes a completed step run without invoking the adapter.
func (s *Scheduler) recordSkip(ctx context.Context, st *runState, step types.Step, d dispatch, start time.Time) ([]dispatch, error) {
	stepRun := types.NewStepRun(step.ID)
	stepRun.Status = types.StepCompleted
	stepRun.Outcome = types.OutcomePass
	stepRun.Output = policy.SkippedOutput
	stepRun.TriggeredByStepID = d.triggeredBy
	stepRun.TriggeredByReason = d.reason
	stepRun.StartedAt = start
	stepRun.FinishedAt = time.Now()

	st.mu.Lock()
	st.run.StepRuns = append(st.run.StepRuns, stepRun)
	st.mu.Unlock()

	s.logLine(ctx, st, fmt.Sprintf("Skipped %s: all skip-if artifacts already exist", step.ID))
	s.metrics.RecordStepDispatch(st.pipeline.ID, string(step.Role), "skipped", time.Since(start))
	s.saveStepRun(ctx, st.run.ID, stepRun)

	st.mu.Lock()
	defer st.mu.Unlock()
	return s.route(st, step, stepRun.Outcome), nil
}

// execute invokes the adapter and evaluates the post-execution contract.
func (s *Scheduler) execute(ctx context.Context, st *runState, step types.Step, d dispatch, start time.Time) ([]dispatch, error) {
	stepRun := types.NewStepRun(step.ID)
	stepRun.Status = types.StepRunning
	stepRun.Attempts = 1
	stepRun.TriggeredByStepID = d.triggeredBy
	stepRun.TriggeredByReason = d.reason
	stepRun.StartedAt = start

	st.mu.Lock()
	st.run.StepRuns = append(st.run.StepRuns, stepRun)
	contextText := s.buildContext(st, d)
	stepRun.Input = contextText
	st.mu.Unlock()

	stageCtx, cancel := context.WithTimeout(ctx, st.stageTimeout)
	output, err := s.exec.Execute(stageCtx, step, contextText)
	cancel()

	if err != nil {
		stepRun.Status = types.StepFailed
		stepRun.Outcome = types.OutcomeFail
		stepRun.Error = err.Error()
		stepRun.FinishedAt = time.Now()
		s.saveStepRun(ctx, st.run.ID, stepRun)
		s.metrics.RecordStepDispatch(st.pipeline.ID, string(step.Role), "failed", time.Since(start))

		// Run-level cancellation propagates; a step-level failure is a
		// normal fail outcome routed via on_fail edges.
		if context.Cause(ctx) != nil || types.IsCode(err, types.ErrCancelled) {
			return nil, err
		}
		s.logLine(ctx, st, fmt.Sprintf("Step %s failed: %v", step.ID, err))
		st.mu.Lock()
		defer st.mu.Unlock()
		return s.route(st, step, types.OutcomeFail), nil
	}

	st.mu.Lock()
	st.ledger.MarkExecuted(step.ID)
	stepRun.Output = output
	if step.Role == types.RoleOrchestrator {
		st.orchPrompt = st.orchPrompt + "\n\n" + output
	}
	st.mu.Unlock()

	results, approvals := s.policy.EvaluatePost(st.pipeline, st.run, step, stepRun, output, st.hints)
	stepRun.GateResults = results

	if len(approvals) > 0 {
		st.mu.Lock()
		st.run.Approvals = append(st.run.Approvals, approvals...)
		st.blocked[stepRun.ID] = step.ID
		st.mu.Unlock()
		s.logLine(ctx, st, fmt.Sprintf("Step %s awaiting manual approval", step.ID))
		s.metrics.RecordStepDispatch(st.pipeline.ID, string(step.Role), "blocked", time.Since(start))
		s.saveStepRun(ctx, st.run.ID, stepRun)
		return nil, nil
	}

	s.finalizeStepRun(stepRun)
	s.metrics.RecordStepDispatch(st.pipeline.ID, string(step.Role), "completed", time.Since(start))
	s.saveStepRun(ctx, st.run.ID, stepRun)

	st.mu.Lock()
	defer st.mu.Unlock()
	return s.route(st, step, stepRun.Outcome), nil
}

// finalizeStepRun computes the outcome from gate results and any
// self-reported workflow status. A blocking gate failure always wins.
func (s *Scheduler) finalizeStepRun(stepRun *types.StepRun) {
	outcome := types.ComputeOutcome(stepRun.GateResults)
	if outcome != types.OutcomeFail {
		if reported, ok := ParseWorkflowStatus(stepRun.Output); ok {
			outcome = reported
		}
	}
	stepRun.Outcome = outcome
	stepRun.Status = types.StepCompleted
	if outcome == types.OutcomeFail {
		stepRun.Status = types.StepFailed
	}
	stepRun.FinishedAt = time.Now()
}

// route follows outgoing links whose condition matches the outcome. An
// orchestrator with delegation enabled fans out to several matched targets in
// parallel, capped by its delegation count and the scheduler-wide limit.
// Caller holds st.mu.
func (s *Scheduler) route(st *runState, step types.Step, outcome types.Outcome) []dispatch {
	var matched []types.Link
	for _, link := range st.pipeline.OutgoingLinks(step.ID) {
		if link.Condition.Matches(outcome) {
			matched = append(matched, link)
		}
	}

	reason := ReasonRoute
	if step.Role == types.RoleOrchestrator && step.EnableDelegation && len(matched) > 1 {
		limit := step.DelegationCount
		if limit <= 0 {
			limit = 1
		}
		if s.cfg.MaxDelegation > 0 && limit > s.cfg.MaxDelegation {
			limit = s.cfg.MaxDelegation
		}
		if len(matched) > limit {
			s.logger.Warn("delegation fan-out capped",
				zap.String("step", step.ID),
				zap.Int("targets", len(matched)),
				zap.Int("limit", limit),
			)
			matched = matched[:limit]
		}
		reason = ReasonDelegate
		s.metrics.RecordDelegation(st.pipeline.ID, len(matched))
	}

	out := make([]dispatch, 0, len(matched))
	for _, link := range matched {
		out = append(out, dispatch{stepID: link.TargetStepID, triggeredBy: step.ID, reason: reason})
	}
	return out
}

// buildContext assembles the text handed to the adapter: the run task plus
// the triggering step's output. Caller holds st.mu.
func (s *Scheduler) buildContext(st *runState, d dispatch) string {
	text := st.run.Task
	if d.triggeredBy == "" {
		return text
	}
	for i := len(st.run.StepRuns) - 1; i >= 0; i-- {
		sr := st.run.StepRuns[i]
		if sr.StepID == d.triggeredBy && sr.Output != "" {
			return text + "\n\n## Upstream output (" + d.triggeredBy + ")\n\n" + sr.Output
		}
	}
	return text
}

// finish moves a run to a terminal status.
func (s *Scheduler) finish(ctx context.Context, st *runState, run *types.Run, status types.RunStatus, cause error) error {
	run.Status = status
	s.metrics.RecordRunCompleted(run.PipelineID, string(status))
	if st != nil {
		msg := fmt.Sprintf("Run %s", status)
		if cause != nil {
			msg += ": " + cause.Error()
		}
		s.logLine(ctx, st, msg)
	}
	s.saveRun(ctx, run)

	s.mu.Lock()
	delete(s.states, run.ID)
	delete(s.pauses, run.ID)
	s.mu.Unlock()

	if status == types.RunFailed || status == types.RunCancelled {
		return cause
	}
	return nil
}

func (s *Scheduler) pauseRequested(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pauses[runID]
}

// logLine emits one run log line through zap, the run record and the store.
func (s *Scheduler) logLine(ctx context.Context, st *runState, line string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s.logLineLocked(ctx, st, line)
}

func (s *Scheduler) logLineLocked(ctx context.Context, st *runState, line string) {
	st.run.Logs = append(st.run.Logs, line)
	s.logger.Info(line, zap.String("run", st.run.ID))
	if err := s.store.AppendLog(ctx, st.run.ID, line); err != nil {
		s.logger.Warn("run log append failed", zap.String("run", st.run.ID), zap.Error(err))
	}
}

func (s *Scheduler) saveRun(ctx context.Context, run *types.Run) {
	if err := s.store.SaveRun(ctx, run); err != nil {
		s.logger.Warn("run save failed", zap.String("run", run.ID), zap.Error(err))
	}
}

func (s *Scheduler) saveStepRun(ctx context.Context, runID string, stepRun *types.StepRun) {
	if err := s.store.SaveStepRun(ctx, runID, stepRun); err != nil {
		s.logger.Warn("step run save failed", zap.String("run", runID), zap.Error(err))
	}
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func orDefaultDur(v, def time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return def
}
