// Package main is the entry point for the lattice binary: a CLI that applies
// declaratively configured constraint pipelines to text and manages the audit
// trails those runs produce.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/lexsight/lattice/pkg/domain"
	"github.com/lexsight/lattice/pkg/engine"
	"github.com/lexsight/lattice/pkg/engine/constraints"
	"github.com/lexsight/lattice/pkg/gen"
	"github.com/lexsight/lattice/pkg/logging"
	"github.com/lexsight/lattice/pkg/storage"
	"github.com/lexsight/lattice/pkg/telemetry"
)

const (
	defaultLogLevel  = "info"
	defaultLogFormat = "text"

	// offlineReplacement is what the static generator substitutes for
	// unacceptable text when no backend is configured.
	offlineReplacement = "[REGENERATED]"
)

// Exit codes: the CLI owns the mapping from terminal states to statuses.
const (
	exitOK        = 0
	exitError     = 1
	exitRejected  = 2
	exitExhausted = 3
)

// exitStatusError carries a non-default exit code out of a command without
// treating the outcome as an operational error.
type exitStatusError struct {
	code   int
	reason string
}

func (e *exitStatusError) Error() string { return e.reason }

func main() {
	app := &appContext{}
	err := newRootCmd(app).Execute()
	app.close()

	if err != nil {
		var status *exitStatusError
		if errors.As(err, &status) {
			os.Exit(status.code)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitError)
	}
}

// appContext holds state shared across commands: the logger and the
// telemetry shutdown hook, flushed after Execute regardless of outcome.
type appContext struct {
	logger            *slog.Logger
	telemetryShutdown func(context.Context) error
}

func (a *appContext) close() {
	if a.telemetryShutdown == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.telemetryShutdown(ctx); err != nil && a.logger != nil {
		a.logger.Warn("telemetry shutdown failed", "error", err)
	}
}

func newRootCmd(app *appContext) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "lattice",
		Short: "Apply constraint pipelines to text",
		Long: `Lattice runs text through an ordered sequence of constraints (rewrite,
redact, regenerate, validate) until the text converges, a constraint rejects
it, or the pass limit is exhausted. Every constraint invocation is recorded
as a hash-chained audit event.

Exit codes: 0 converged, 2 rejected, 3 pass limit exhausted, 1 errors.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return app.setup(cmd)
		},
	}

	rootCmd.PersistentFlags().String("log-level", defaultLogLevel, "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", defaultLogFormat, "Log format (text, json)")
	rootCmd.PersistentFlags().String("otlp-endpoint", "", "OTLP gRPC endpoint for trace export (empty disables export)")

	rootCmd.AddCommand(newApplyCmd(app))
	rootCmd.AddCommand(newBatchCmd(app))
	rootCmd.AddCommand(newVerifyCmd(app))
	rootCmd.AddCommand(newProfilesCmd(app))

	return rootCmd
}

// setup configures logging and, if requested, trace export. Logs go to
// stderr so stdout stays clean for result JSON.
func (a *appContext) setup(cmd *cobra.Command) error {
	level, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return fmt.Errorf("read log-level flag: %w", err)
	}
	format, err := cmd.Flags().GetString("log-format")
	if err != nil {
		return fmt.Errorf("read log-format flag: %w", err)
	}

	logger := logging.NewLogger(logging.Config{
		Level:  level,
		Format: format,
		Output: cmd.ErrOrStderr(),
	})
	slog.SetDefault(logger)
	a.logger = logger

	endpoint, err := cmd.Flags().GetString("otlp-endpoint")
	if err != nil {
		return fmt.Errorf("read otlp-endpoint flag: %w", err)
	}
	if endpoint != "" {
		shutdown, err := telemetry.SetupProvider(cmd.Context(), telemetry.Config{
			ServiceName: "lattice",
			Endpoint:    endpoint,
			Insecure:    true,
		})
		if err != nil {
			return fmt.Errorf("set up trace export: %w", err)
		}
		a.telemetryShutdown = shutdown
	}
	return nil
}

// engineOptions collects the flags shared by apply and batch.
type engineOptions struct {
	generatorURL   string
	generatorModel string
	deterministic  bool
	metrics        *telemetry.RunMetrics
}

// registerEngineFlags wires the shared engine flags onto a command.
func registerEngineFlags(cmd *cobra.Command, opts *engineOptions) {
	cmd.Flags().StringVar(&opts.generatorURL, "generator-url", "",
		"OpenAI-compatible chat completions endpoint for regenerate constraints (empty selects the offline static generator)")
	cmd.Flags().StringVar(&opts.generatorModel, "generator-model", "",
		"Model requested from the generation backend")
	cmd.Flags().BoolVar(&opts.deterministic, "deterministic", false,
		"Refuse pipelines whose constraints are not deterministic")
}

// buildExecutor assembles a fully wired executor: registry with builtins,
// governed generator, audit recorder, metrics.
func buildExecutor(logger *slog.Logger, opts engineOptions) (*engine.Executor, error) {
	generator, err := buildGenerator(logger, opts)
	if err != nil {
		return nil, err
	}

	registry := engine.NewRegistry(logger)
	constraints.RegisterBuiltins(registry, constraints.Dependencies{
		Generator: generator,
		Logger:    logger,
	})

	executorOpts := []engine.Option{}
	if opts.deterministic {
		executorOpts = append(executorOpts, engine.WithDeterministicOnly())
	}

	return engine.NewExecutor(engine.ExecutorConfig{
		Registry: registry,
		Logger:   logger,
		Metrics:  opts.metrics,
	}, executorOpts...), nil
}

// buildGenerator wires the regenerate backend. Offline runs use the static
// generator; a configured URL selects the HTTP client wrapped in retry,
// breaker and rate-limit governance.
func buildGenerator(logger *slog.Logger, opts engineOptions) (gen.Generator, error) {
	if opts.generatorURL == "" {
		return gen.NewStaticGenerator(offlineReplacement), nil
	}

	httpGen, err := gen.NewHTTPGenerator(gen.HTTPConfig{
		BaseURL: opts.generatorURL,
		Model:   opts.generatorModel,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("configure generation backend: %w", err)
	}

	return gen.NewGoverned(httpGen, gen.GovernedConfig{
		Backend: "http",
		OnRetry: func(attempt int, err error) {
			opts.metrics.GenerationRetried()
			logger.Debug("generation retry", "attempt", attempt, "error", err)
		},
	}, logger), nil
}

// auditSinkOptions collects the audit persistence flags shared by apply and
// batch.
type auditSinkOptions struct {
	jsonlPath  string
	sqlitePath string
}

func registerAuditFlags(cmd *cobra.Command, opts *auditSinkOptions) {
	cmd.Flags().StringVar(&opts.jsonlPath, "audit-out", "",
		"Append finalized audit trails to this JSONL file")
	cmd.Flags().StringVar(&opts.sqlitePath, "audit-db", "",
		"Persist finalized audit trails to this SQLite database")
}

// openSinks opens the configured audit sinks. The returned close function
// is safe to call once, after all writes.
func openSinks(logger *slog.Logger, opts auditSinkOptions) ([]storage.Sink, func(), error) {
	var sinks []storage.Sink

	closeAll := func() {
		for _, sink := range sinks {
			if err := sink.Close(); err != nil {
				logger.Warn("audit sink close failed", "error", err)
			}
		}
	}

	if opts.jsonlPath != "" {
		sink, err := storage.NewJSONLSink(opts.jsonlPath, logger)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, sink)
	}
	if opts.sqlitePath != "" {
		sink, err := storage.NewSQLiteSink(storage.SQLiteConfig{
			Path:   opts.sqlitePath,
			Logger: logger,
		})
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		sinks = append(sinks, sink)
	}

	return sinks, closeAll, nil
}

// persistTrail writes one finalized trail to every sink. Persistence uses
// its own context so a cancelled run still lands its partial trail.
func persistTrail(logger *slog.Logger, sinks []storage.Sink, trail []domain.AuditEvent) error {
	if len(trail) == 0 || len(sinks) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, sink := range sinks {
		if err := sink.Write(ctx, trail); err != nil {
			logger.Error("audit trail persistence failed",
				"run_id", trail[0].RunID,
				"events", len(trail),
				"error", err)
			return err
		}
	}
	return nil
}

// terminalExitCode maps a finished run to the process exit status.
func terminalExitCode(reason domain.TerminalReason) int {
	switch reason {
	case domain.TerminalConverged:
		return exitOK
	case domain.TerminalRejected:
		return exitRejected
	case domain.TerminalMaxPassesExhausted:
		return exitExhausted
	default:
		return exitError
	}
}
