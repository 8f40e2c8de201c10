// Package stepflow provides a top-level convenience entry point for running
// pipelines with minimal boilerplate.
//
// Usage:
//
//	import "github.com/BaSui01/stepflow"
//
//	r, err := stepflow.New(nil, logger)
//	run, err := r.Run(ctx, pipeline, "ship the feature", nil)
//
// The runner wires the policy engine, provider adapter and scheduler from one
// Config. Callers that need custom collaborators (a run store, injected
// provider transports) should assemble the packages directly.
package stepflow

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/adapter"
	"github.com/BaSui01/stepflow/config"
	"github.com/BaSui01/stepflow/internal/metrics"
	"github.com/BaSui01/stepflow/policy"
	"github.com/BaSui01/stepflow/scheduler"
	"github.com/BaSui01/stepflow/types"
)

// Runner executes pipeline runs with a fully wired execution core.
type Runner struct {
	cfg   *config.Config
	sched *scheduler.Scheduler
}

// New wires a runner from configuration. A nil cfg uses defaults; a nil
// logger disables logging.
func New(cfg *config.Config, logger *zap.Logger, opts ...scheduler.Option) (*Runner, error) {
	if cfg == nil {
		c, err := config.NewLoader().Load()
		if err != nil {
			return nil, err
		}
		cfg = c
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	collector := metrics.NewCollector("stepflow", nil, logger)
	engine := policy.NewEngine(nil, policy.NewFSResolver(cfg.Storage), collector, logger)
	exec := adapter.New(cfg.Providers, cfg.Stream, collector, logger)
	sched := scheduler.New(cfg.Scheduler, engine, exec, collector, logger, opts...)

	return &Runner{cfg: cfg, sched: sched}, nil
}

// Run executes one run of a pipeline against a task and returns the run
// record. A paused run (manual approval pending) returns with a nil error;
// resolve its approvals and call Resume.
func (r *Runner) Run(ctx context.Context, pipeline *types.Pipeline, task string, inputs map[string]string) (*types.Run, error) {
	run := types.NewRun(pipeline.ID, task, inputs)
	err := r.sched.Execute(ctx, pipeline, run)
	return run, err
}

// Resume continues a paused run.
func (r *Runner) Resume(ctx context.Context, pipeline *types.Pipeline, run *types.Run) error {
	return r.sched.Execute(ctx, pipeline, run)
}

// Pause requests that a run freeze before its next step dispatch.
func (r *Runner) Pause(runID string) { r.sched.Pause(runID) }

// ResolveApproval supplies the external decision for a pending manual gate.
func (r *Runner) ResolveApproval(ctx context.Context, runID, approvalID string, decision types.ApprovalDecision, note string) error {
	return r.sched.ResolveApproval(ctx, runID, approvalID, decision, note)
}
