// stepflow executes one pipeline run from the command line.
//
// Usage:
//
//	stepflow run --pipeline pipeline.yaml --task "ship the feature"
//	stepflow run --config config.yaml --pipeline p.yaml --task "..." \
//	    --scenario full --input force_refresh_design_assets=true
//	stepflow version
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/BaSui01/stepflow/adapter"
	"github.com/BaSui01/stepflow/config"
	"github.com/BaSui01/stepflow/internal/metrics"
	"github.com/BaSui01/stepflow/internal/telemetry"
	"github.com/BaSui01/stepflow/policy"
	"github.com/BaSui01/stepflow/runstore"
	"github.com/BaSui01/stepflow/scheduler"
	"github.com/BaSui01/stepflow/types"
)

// Build-time variables, set via -ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	switch os.Args[1] {
	case "run":
		os.Exit(runCmd(os.Args[2:]))
	case "version":
		fmt.Printf("stepflow %s (built %s, commit %s)\n", Version, BuildTime, GitCommit)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: stepflow run --pipeline <file> --task <text> [--config <file>] [--scenario <name>] [--input k=v]...")
	fmt.Fprintln(os.Stderr, "       stepflow version")
}

// inputFlags collects repeated --input k=v pairs.
type inputFlags map[string]string

func (f inputFlags) String() string { return fmt.Sprintf("%v", map[string]string(f)) }

func (f inputFlags) Set(v string) error {
	key, value, ok := strings.Cut(v, "=")
	if !ok {
		return fmt.Errorf("input %q is not in k=v form", v)
	}
	f[key] = value
	return nil
}

func runCmd(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config YAML")
	pipelinePath := fs.String("pipeline", "", "path to pipeline YAML (required)")
	task := fs.String("task", "", "task text for the run (required)")
	scenario := fs.String("scenario", "", "run scenario tag")
	inputs := inputFlags{}
	fs.Var(inputs, "input", "run input as k=v, repeatable")
	_ = fs.Parse(args)

	if *pipelinePath == "" || *task == "" {
		usage()
		return 2
	}

	cfg, err := config.NewLoader().WithConfigPath(*configPath).Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("starting stepflow",
		zap.String("version", Version),
		zap.String("pipeline_file", *pipelinePath),
	)

	otelProviders, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("telemetry init failed", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelProviders.Shutdown(ctx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	collector := metrics.NewCollector("stepflow", nil, logger)

	pipeline, err := loadPipeline(*pipelinePath)
	if err != nil {
		logger.Error("pipeline load failed", zap.Error(err))
		return 1
	}

	engine := policy.NewEngine(nil, policy.NewFSResolver(cfg.Storage), collector, logger)
	exec := adapter.New(cfg.Providers, cfg.Stream, collector, logger)

	opts := []scheduler.Option{}
	store, err := runstore.Open(cfg.RunStore, logger)
	if err != nil {
		logger.Warn("run store unavailable, running without persistence", zap.Error(err))
	} else {
		defer store.Close()
		opts = append(opts, scheduler.WithRunStore(store))
	}

	sched := scheduler.New(cfg.Scheduler, engine, exec, collector, logger, opts...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	run := types.NewRun(pipeline.ID, *task, inputs)
	run.Scenario = *scenario

	if err := sched.Execute(ctx, pipeline, run); err != nil {
		logger.Error("run did not complete", zap.String("run", run.ID), zap.Error(err))
	}
	printSummary(run)

	switch run.Status {
	case types.RunCompleted, types.RunPaused:
		return 0
	default:
		return 1
	}
}

func loadPipeline(path string) (*types.Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline: %w", err)
	}
	var pipeline types.Pipeline
	if err := yaml.Unmarshal(data, &pipeline); err != nil {
		return nil, fmt.Errorf("parse pipeline: %w", err)
	}
	if err := pipeline.Normalize(); err != nil {
		return nil, err
	}
	return &pipeline, nil
}

func printSummary(run *types.Run) {
	fmt.Printf("run %s: %s\n", run.ID, run.Status)
	for _, sr := range run.StepRuns {
		line := fmt.Sprintf("  %-20s %-10s %s", sr.StepID, sr.Status, sr.Outcome)
		if sr.Error != "" {
			line += "  " + sr.Error
		}
		fmt.Println(line)
	}
	for _, a := range run.Approvals {
		if a.Decision == types.ApprovalPending {
			fmt.Printf("  pending approval %s: %s\n", a.ID, a.Message)
		}
	}
}

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Format == "console",
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapConfig.Build(
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
