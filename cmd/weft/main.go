package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/okonma/weft/internal/engine"
	"github.com/okonma/weft/internal/logging"
	"github.com/okonma/weft/internal/scheduler"
	"github.com/okonma/weft/internal/store"
	"github.com/okonma/weft/internal/validation"
	"github.com/okonma/weft/pkg/mcp"
	"github.com/okonma/weft/pkg/schema"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg := loadConfig()
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	var err error
	switch os.Args[1] {
	case "run":
		err = cmdRun(cfg, logger, os.Args[2:])
	case "serve":
		err = cmdServe(cfg, logger, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `weft - DAG workflow execution engine

usage:
  weft run <flow.json>    execute a flow definition and print the result
  weft serve              start the MCP stdio server`)
}

// cmdRun executes a flow definition file and prints the settled result.
func cmdRun(cfg Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	paramsJSON := fs.String("params", "", "trigger parameters as a JSON object")
	triggerUser := fs.String("trigger-user", "", "triggering user ID")
	noStore := fs.Bool("no-store", false, "skip recording the run in the database")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: weft run [flags] <flow.json>")
	}

	data, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("read flow: %w", err)
	}
	var flow schema.FlowDefinition
	if err := json.Unmarshal(data, &flow); err != nil {
		return fmt.Errorf("parse flow: %w", err)
	}

	var params map[string]any
	if *paramsJSON != "" {
		if err := json.Unmarshal([]byte(*paramsJSON), &params); err != nil {
			return fmt.Errorf("parse params: %w", err)
		}
	}

	validator, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return err
	}
	if err := validator.ValidateDefinition(&flow); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	coordCfg := engine.CoordinatorConfig{
		MaxConcurrency: cfg.PoolSize,
		Logger:         logger,
	}

	var recorder *store.Recorder
	if !*noStore {
		db, storeErr := openStore(ctx, cfg)
		if storeErr != nil {
			return storeErr
		}
		defer db.Close()
		recorder = store.NewRecorder(db)
		coordCfg.Events = recorder
		coordCfg.Persistence = recorder
	}

	coordinator, err := engine.NewCoordinator(coordCfg)
	if err != nil {
		return err
	}

	opts := engine.RunOptions{
		ExecutionID:   uuid.NewString(),
		TriggerUserID: *triggerUser,
		Params:        params,
	}
	if recorder != nil {
		if err := recorder.BeginRun(ctx, opts.ExecutionID, flow.Name, *triggerUser, params); err != nil {
			logger.Warn("failed to record run start", slog.String("error", err.Error()))
		}
	}
	result, err := coordinator.Execute(ctx, &flow, opts)
	if err != nil {
		return err
	}
	if recorder != nil {
		if err := recorder.CompleteRun(ctx, result); err != nil {
			logger.Warn("failed to record run completion", slog.String("error", err.Error()))
		}
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	if result.Status != schema.RunStatusSuccess {
		os.Exit(1)
	}
	return nil
}

// cmdServe starts the MCP stdio server, optionally scheduling flow files
// that carry a schedule-trigger node.
func cmdServe(cfg Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	flowsDir := fs.String("flows-dir", "", "directory of flow JSON files to schedule")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	recorder := store.NewRecorder(db)

	validator, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return err
	}

	coordinator, err := engine.NewCoordinator(engine.CoordinatorConfig{
		Events:         recorder,
		Persistence:    recorder,
		MaxConcurrency: cfg.PoolSize,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	if *flowsDir != "" {
		sched := scheduler.NewScheduler(&scheduledRunner{coordinator: coordinator, recorder: recorder}, logger)
		if err := registerScheduledFlows(sched, validator, *flowsDir, logger); err != nil {
			return err
		}
		if err := sched.Start(ctx); err != nil {
			return err
		}
		defer sched.Stop()
	}

	srv := mcp.NewWeftServer(mcp.WeftServerDeps{
		Coordinator: coordinator,
		Validator:   validator,
		Store:       db,
		Recorder:    recorder,
		Logger:      logger,
	})

	logger.Info("weft MCP server listening on stdio", slog.String("db", cfg.DBPath))
	return srv.Serve(ctx)
}

// scheduledRunner adapts the coordinator to the scheduler's runner interface,
// recording each triggered run in the store.
type scheduledRunner struct {
	coordinator *engine.Coordinator
	recorder    *store.Recorder
}

func (r *scheduledRunner) RunFlow(ctx context.Context, flow *schema.FlowDefinition, params map[string]any) error {
	opts := engine.RunOptions{ExecutionID: uuid.NewString(), Params: params}
	if r.recorder != nil {
		_ = r.recorder.BeginRun(ctx, opts.ExecutionID, flow.Name, "", params)
	}
	result, err := r.coordinator.Execute(ctx, flow, opts)
	if err != nil {
		return err
	}
	if r.recorder != nil {
		_ = r.recorder.CompleteRun(ctx, result)
	}
	if result.Status != schema.RunStatusSuccess {
		return fmt.Errorf("run %s finished %s: %s", result.ExecutionID, result.Status, result.Error)
	}
	return nil
}

// registerScheduledFlows loads every *.json flow in dir and registers the
// ones carrying a schedule-trigger node. Flows without one are skipped.
func registerScheduledFlows(sched *scheduler.Scheduler, validator *validation.JSONSchemaValidator, dir string, logger *slog.Logger) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read flows dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read flow %s: %w", path, err)
		}
		var flow schema.FlowDefinition
		if err := json.Unmarshal(data, &flow); err != nil {
			return fmt.Errorf("parse flow %s: %w", path, err)
		}
		if err := validator.ValidateDefinition(&flow); err != nil {
			return fmt.Errorf("invalid flow %s: %w", path, err)
		}
		name := flow.Name
		if name == "" {
			name = entry.Name()
		}
		if err := sched.Register(name, &flow, nil); err != nil {
			logger.Warn("flow not scheduled", slog.String("flow", name), slog.String("reason", err.Error()))
		}
	}
	return nil
}

func openStore(ctx context.Context, cfg Config) (*store.LibSQLStore, error) {
	if err := os.MkdirAll(weftDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create weft dir: %w", err)
	}
	db, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// newLogger builds the root logger with correlation ID injection.
func newLogger(cfg Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var inner slog.Handler
	if cfg.LogFormat == "json" {
		inner = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		inner = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(logging.NewCorrelationHandler(inner))
}
