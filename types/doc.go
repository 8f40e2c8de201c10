// Package types defines the StepFlow data model: the immutable pipeline
// snapshot (Pipeline, Step, Link, QualityGate) handed to the execution core
// per run, and the mutable run state (Run, StepRun, Approval) the core
// produces while driving it.
//
// Pipeline definitions are created externally and never mutated by the core;
// Normalize validates a snapshot once before execution. Run state is owned by
// exactly one scheduler instance for the lifetime of a run.
package types
