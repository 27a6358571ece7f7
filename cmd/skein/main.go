// Package main is the entry point for the skein binary.
// It provides a CLI for running, resuming and validating pipelines.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/skeinworks/skein/internal/governance"
	"github.com/skeinworks/skein/pkg/capability"
	"github.com/skeinworks/skein/pkg/checkpoint"
	"github.com/skeinworks/skein/pkg/config"
	"github.com/skeinworks/skein/pkg/engine"
	"github.com/skeinworks/skein/pkg/logging"
	"github.com/skeinworks/skein/pkg/telemetry"
)

const serviceName = "skein"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for skein
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "skein",
		Short: "Pipeline orchestration engine",
		Long: `Skein executes declarative pipelines of capabilities: dependency-ordered
steps with retries, budgets, bounded cycles, conversational sessions and
checkpoint/resume.

Examples:
  skein run --file pipelines.yaml --pipeline enrich --input topic=storage
  skein resume --file pipelines.yaml --pipeline enrich --run-id 9f2d4c1a
  skein validate --file pipelines.yaml --explain`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to engine configuration file (YAML)")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newResumeCmd())
	rootCmd.AddCommand(newValidateCmd())

	return rootCmd
}

// newRunCmd creates the run subcommand
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Submit a pipeline run and wait for its result",
		RunE:  runRun,
	}
	addPipelineFlags(cmd)
	cmd.Flags().StringArrayP("input", "i", nil, "Pipeline input as key=value (repeatable, value parsed as YAML)")
	cmd.Flags().String("inputs-file", "", "YAML file holding pipeline inputs")
	return cmd
}

// newResumeCmd creates the resume subcommand
func newResumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume a checkpointed run and wait for its result",
		RunE:  runResume,
	}
	addPipelineFlags(cmd)
	cmd.Flags().String("run-id", "", "Run id to resume")
	_ = cmd.MarkFlagRequired("run-id")
	return cmd
}

// newValidateCmd creates the validate subcommand
func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a pipeline document",
		RunE:  runValidate,
	}
	cmd.Flags().StringP("file", "f", "", "Path to the pipeline document (overrides config)")
	cmd.Flags().Bool("explain", false, "Print the dispatch plan for every pipeline")
	cmd.Flags().Bool("watch", false, "Keep watching the document and re-validate on change")
	return cmd
}

func addPipelineFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("file", "f", "", "Path to the pipeline document (overrides config)")
	cmd.Flags().StringP("pipeline", "p", "", "Pipeline id (required when the document declares several)")
	cmd.Flags().String("ops-addr", "", "Ops listener address for /metrics and /healthz (overrides config)")
	cmd.Flags().String("summarizer", "", "Capability backing summarize/compress session reductions")
}

// bootstrap loads the process configuration and installs the logger.
func bootstrap(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger := logging.Setup(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	return cfg, logger, nil
}

// resolveSpecPath picks the pipeline document path from the --file flag,
// falling back to the configured default.
func resolveSpecPath(cmd *cobra.Command, cfg *config.Config) (string, error) {
	file, err := cmd.Flags().GetString("file")
	if err != nil {
		return "", fmt.Errorf("failed to get file flag: %w", err)
	}
	if file == "" {
		file = cfg.Pipeline.File
	}
	if file == "" {
		return "", fmt.Errorf("no pipeline document: pass --file or set pipeline.file in the config")
	}
	return file, nil
}

// parseInputs merges an optional inputs file with key=value overrides. Values
// parse as YAML scalars so numbers and booleans keep their types.
func parseInputs(pairs []string, file string) (map[string]any, error) {
	inputs := make(map[string]any)
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read inputs file %s: %w", file, err)
		}
		if err := yaml.Unmarshal(data, &inputs); err != nil {
			return nil, fmt.Errorf("failed to parse inputs file %s: %w", file, err)
		}
	}
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid input %q, expected key=value", pair)
		}
		var value any
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		inputs[key] = value
	}
	return inputs, nil
}

// buildEngine assembles the engine from configuration: builtin capabilities,
// the checkpoint backend, pacing and breaker settings.
func buildEngine(cfg *config.Config, logger *slog.Logger) (*engine.Engine, func(), error) {
	registry := capability.NewRegistry()
	capability.RegisterBuiltins(registry, logger)

	store, err := buildCheckpointStore(cfg.Checkpoint, logger)
	if err != nil {
		return nil, nil, err
	}

	limits := make(map[string]governance.LimiterConfig, len(cfg.Engine.RateLimits))
	for name, limit := range cfg.Engine.RateLimits {
		limits[name] = governance.LimiterConfig{
			RequestsPerSecond: limit.RequestsPerSecond,
			BurstSize:         limit.Burst,
		}
	}

	eng := engine.New(engine.Options{
		Capabilities:        registry,
		Checkpoints:         store,
		Logger:              logger,
		MaxWorkers:          cfg.Engine.MaxWorkers,
		DefaultStepTimeout:  cfg.Engine.StepTimeout(),
		ShutdownGrace:       cfg.Engine.Grace(),
		ResetCyclesOnResume: cfg.Engine.ResetCyclesOnResume,
		Breaker: governance.BreakerConfig{
			MaxFailures:    cfg.Engine.Breaker.MaxFailures,
			Cooldown:       cfg.Engine.Breaker.CooldownDuration(),
			HalfOpenProbes: cfg.Engine.Breaker.HalfOpenProbes,
		},
		Limits: limits,
	})

	cleanup := func() {
		if err := eng.Close(); err != nil {
			logger.Error("Engine shutdown error", "error", err)
		}
		if err := store.Close(); err != nil {
			logger.Error("Checkpoint store close error", "error", err)
		}
	}
	return eng, cleanup, nil
}

// buildCheckpointStore selects the checkpoint backend from configuration.
func buildCheckpointStore(cfg config.CheckpointConfig, logger *slog.Logger) (checkpoint.Store, error) {
	switch cfg.Backend {
	case "file":
		return checkpoint.NewFileStore(cfg.Dir, logger)
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return checkpoint.NewRedisStore(client, cfg.TTLDuration(), logger), nil
	default:
		return checkpoint.NewMemoryStore(), nil
	}
}

// setupTelemetry initialises tracing export and returns its shutdown hook.
func setupTelemetry(ctx context.Context, cfg *config.Config, logger *slog.Logger) func() {
	shutdown, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: serviceName,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		logger.Warn("Telemetry disabled", "error", err)
		return func() {}
	}
	return func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(flushCtx); err != nil {
			logger.Error("Telemetry shutdown error", "error", err)
		}
	}
}

// startOpsServer serves /metrics and /healthz during long runs. A bind
// failure degrades to a warning; the run itself proceeds.
func startOpsServer(addr string, metrics *engine.Metrics, logger *slog.Logger) *http.Server {
	if addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Warn("Ops listener unavailable", "addr", addr, "error", err)
		return nil
	}
	logger.Info("Ops listener started", "addr", listener.Addr().String())

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Ops listener failed", "error", err)
		}
	}()
	return server
}

func stopOpsServer(server *http.Server, logger *slog.Logger) {
	if server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Ops listener shutdown error", "error", err)
	}
}

// runRun is the main entry point for the run command
func runRun(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := bootstrap(cmd)
	if err != nil {
		return err
	}
	file, err := resolveSpecPath(cmd, cfg)
	if err != nil {
		return err
	}
	pipelineID, _ := cmd.Flags().GetString("pipeline")
	spec, err := config.LoadPipeline(file, pipelineID)
	if err != nil {
		return err
	}

	pairs, _ := cmd.Flags().GetStringArray("input")
	inputsFile, _ := cmd.Flags().GetString("inputs-file")
	inputs, err := parseInputs(pairs, inputsFile)
	if err != nil {
		return err
	}

	return executePipeline(cmd, cfg, logger, func(ctx context.Context, eng *engine.Engine) (*engine.Run, error) {
		return eng.Submit(ctx, spec, inputs)
	})
}

// runResume is the main entry point for the resume command
func runResume(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := bootstrap(cmd)
	if err != nil {
		return err
	}
	file, err := resolveSpecPath(cmd, cfg)
	if err != nil {
		return err
	}
	pipelineID, _ := cmd.Flags().GetString("pipeline")
	spec, err := config.LoadPipeline(file, pipelineID)
	if err != nil {
		return err
	}
	runID, _ := cmd.Flags().GetString("run-id")

	return executePipeline(cmd, cfg, logger, func(ctx context.Context, eng *engine.Engine) (*engine.Run, error) {
		return eng.Resume(ctx, spec, runID)
	})
}

// executePipeline runs the shared submit/resume path: build the engine, start
// the ops listener, wait for the result and report it.
func executePipeline(cmd *cobra.Command, cfg *config.Config, logger *slog.Logger, start func(context.Context, *engine.Engine) (*engine.Run, error)) error {
	shutdownTelemetry := setupTelemetry(context.Background(), cfg, logger)
	defer shutdownTelemetry()

	eng, cleanup, err := buildEngine(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	if ref, _ := cmd.Flags().GetString("summarizer"); ref != "" {
		if err := eng.UseSummarizer(ref); err != nil {
			return fmt.Errorf("summarizer: %w", err)
		}
	}

	opsAddr, _ := cmd.Flags().GetString("ops-addr")
	if opsAddr == "" {
		opsAddr = cfg.Ops.Address
	}
	opsServer := startOpsServer(opsAddr, eng.Metrics(), logger)
	defer stopOpsServer(opsServer, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	run, err := start(ctx, eng)
	if err != nil {
		return err
	}

	outputs, stepErrs, runErr := eng.Result(ctx, run.ID())
	if ctx.Err() != nil {
		logger.Info("Interrupt received, canceling run", "run_id", run.ID())
		if err := eng.Cancel(run.ID()); err != nil {
			logger.Warn("Cancel failed", "run_id", run.ID(), "error", err)
		}
		drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		outputs, stepErrs, runErr = eng.Result(drainCtx, run.ID())
	}

	reportSteps(stepErrs, logger)
	if len(outputs) > 0 {
		data, err := yaml.Marshal(outputs)
		if err != nil {
			return fmt.Errorf("failed to render outputs: %w", err)
		}
		fmt.Fprint(os.Stdout, string(data))
	}
	if runErr != nil {
		return fmt.Errorf("run %s: %w", run.ID(), runErr)
	}
	return nil
}

func reportSteps(stepErrs map[string]error, logger *slog.Logger) {
	ids := make([]string, 0, len(stepErrs))
	for id := range stepErrs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		logger.Warn("Step did not succeed", "step_id", id, "error", stepErrs[id])
	}
}

// runValidate is the main entry point for the validate command
func runValidate(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := bootstrap(cmd)
	if err != nil {
		return err
	}
	file, err := resolveSpecPath(cmd, cfg)
	if err != nil {
		return err
	}

	specs, err := config.LoadFile(file)
	if err != nil {
		return err
	}
	explain, _ := cmd.Flags().GetBool("explain")
	for i := range specs {
		plan, err := engine.Explain(&specs[i])
		if err != nil {
			return fmt.Errorf("pipeline %s: %w", specs[i].ID, err)
		}
		if explain {
			if err := plan.Render(os.Stdout); err != nil {
				return err
			}
		}
	}
	fmt.Fprintf(os.Stdout, "%s: %d pipeline(s) valid\n", file, len(specs))

	watch, _ := cmd.Flags().GetBool("watch")
	if !watch {
		return nil
	}

	provider, err := config.NewFileProvider(file, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := provider.Close(); err != nil {
			logger.Error("Provider close error", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Watching pipeline document", "file", file)
	registry := engine.NewRegistry(logger)
	registry.Follow(ctx, provider.Subscribe())
	return nil
}
