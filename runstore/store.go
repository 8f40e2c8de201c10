// Package runstore persists run progress to an embedded sqlite database. It
// implements the scheduler's RunStore collaborator; callers that do not need
// persistence simply run the scheduler without one.
package runstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/stepflow/config"
	"github.com/BaSui01/stepflow/internal/database"
	"github.com/BaSui01/stepflow/types"
)

// RunRecord is the persisted form of one run.
type RunRecord struct {
	ID         string `gorm:"primaryKey;size:64"`
	PipelineID string `gorm:"size:64;index"`
	Task       string
	Scenario   string `gorm:"size:64"`
	Status     string `gorm:"size:16"`
	Inputs     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// StepRunRecord is the persisted form of one step dispatch.
type StepRunRecord struct {
	ID                string `gorm:"primaryKey;size:64"`
	RunID             string `gorm:"size:64;index"`
	StepID            string `gorm:"size:64"`
	Status            string `gorm:"size:16"`
	Outcome           string `gorm:"size:16"`
	Attempts          int
	Output            string
	Error             string
	GateResults       string
	TriggeredByStepID string `gorm:"size:64"`
	TriggeredByReason string `gorm:"size:32"`
	StartedAt         time.Time
	FinishedAt        time.Time
	UpdatedAt         time.Time
}

// LogRecord is one run log line.
type LogRecord struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	RunID     string `gorm:"size:64;index"`
	Line      string
	CreatedAt time.Time
}

// Store persists runs, step runs and run log lines.
type Store struct {
	db     *database.Manager
	logger *zap.Logger
}

// Open creates the store, migrating the schema on first use. An empty path
// opens an in-memory database.
func Open(cfg config.RunStoreConfig, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := database.Open(cfg.Path, logger)
	if err != nil {
		return nil, err
	}
	if err := db.DB().AutoMigrate(&RunRecord{}, &StepRunRecord{}, &LogRecord{}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate run store: %w", err)
	}
	return &Store{db: db, logger: logger.With(zap.String("component", "runstore"))}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// SaveRun upserts the run row.
func (s *Store) SaveRun(ctx context.Context, run *types.Run) error {
	inputs, err := json.Marshal(run.Inputs)
	if err != nil {
		return fmt.Errorf("encode run inputs: %w", err)
	}
	rec := RunRecord{
		ID:         run.ID,
		PipelineID: run.PipelineID,
		Task:       run.Task,
		Scenario:   run.Scenario,
		Status:     string(run.Status),
		Inputs:     string(inputs),
		CreatedAt:  run.CreatedAt,
	}
	return s.db.WithTransaction(ctx, func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"status", "scenario", "updated_at"}),
		}).Create(&rec).Error
	})
}

// SaveStepRun upserts one step run row.
func (s *Store) SaveStepRun(ctx context.Context, runID string, stepRun *types.StepRun) error {
	gates, err := json.Marshal(stepRun.GateResults)
	if err != nil {
		return fmt.Errorf("encode gate results: %w", err)
	}
	rec := StepRunRecord{
		ID:                stepRun.ID,
		RunID:             runID,
		StepID:            stepRun.StepID,
		Status:            string(stepRun.Status),
		Outcome:           string(stepRun.Outcome),
		Attempts:          stepRun.Attempts,
		Output:            stepRun.Output,
		Error:             stepRun.Error,
		GateResults:       string(gates),
		TriggeredByStepID: stepRun.TriggeredByStepID,
		TriggeredByReason: stepRun.TriggeredByReason,
		StartedAt:         stepRun.StartedAt,
		FinishedAt:        stepRun.FinishedAt,
	}
	return s.db.WithTransaction(ctx, func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"status", "outcome", "attempts", "output", "error",
				"gate_results", "finished_at", "updated_at",
			}),
		}).Create(&rec).Error
	})
}

// AppendLog appends one run log line.
func (s *Store) AppendLog(ctx context.Context, runID, line string) error {
	return s.db.DB().WithContext(ctx).Create(&LogRecord{RunID: runID, Line: line}).Error
}

// LoadRun reconstructs a run with its step runs and log lines.
func (s *Store) LoadRun(ctx context.Context, runID string) (*types.Run, error) {
	var rec RunRecord
	if err := s.db.DB().WithContext(ctx).First(&rec, "id = ?", runID).Error; err != nil {
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}

	run := &types.Run{
		ID:         rec.ID,
		PipelineID: rec.PipelineID,
		Task:       rec.Task,
		Scenario:   rec.Scenario,
		Status:     types.RunStatus(rec.Status),
		CreatedAt:  rec.CreatedAt,
	}
	if rec.Inputs != "" {
		if err := json.Unmarshal([]byte(rec.Inputs), &run.Inputs); err != nil {
			return nil, fmt.Errorf("decode run inputs: %w", err)
		}
	}

	var stepRecs []StepRunRecord
	if err := s.db.DB().WithContext(ctx).
		Where("run_id = ?", runID).Order("started_at").Find(&stepRecs).Error; err != nil {
		return nil, fmt.Errorf("load step runs: %w", err)
	}
	for _, sr := range stepRecs {
		stepRun := &types.StepRun{
			ID:                sr.ID,
			StepID:            sr.StepID,
			Status:            types.StepStatus(sr.Status),
			Outcome:           types.Outcome(sr.Outcome),
			Attempts:          sr.Attempts,
			Output:            sr.Output,
			Error:             sr.Error,
			TriggeredByStepID: sr.TriggeredByStepID,
			TriggeredByReason: sr.TriggeredByReason,
			StartedAt:         sr.StartedAt,
			FinishedAt:        sr.FinishedAt,
		}
		if sr.GateResults != "" {
			if err := json.Unmarshal([]byte(sr.GateResults), &stepRun.GateResults); err != nil {
				return nil, fmt.Errorf("decode gate results for %s: %w", sr.ID, err)
			}
		}
		run.StepRuns = append(run.StepRuns, stepRun)
	}

	logs, err := s.Logs(ctx, runID)
	if err != nil {
		return nil, err
	}
	run.Logs = logs
	return run, nil
}

// Logs returns a run's log lines in append order.
func (s *Store) Logs(ctx context.Context, runID string) ([]string, error) {
	var recs []LogRecord
	if err := s.db.DB().WithContext(ctx).
		Where("run_id = ?", runID).Order("id").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("load run logs: %w", err)
	}
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Line)
	}
	return out, nil
}
