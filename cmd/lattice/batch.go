package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lexsight/lattice/pkg/batch"
	"github.com/lexsight/lattice/pkg/config"
	"github.com/lexsight/lattice/pkg/domain"
	"github.com/lexsight/lattice/pkg/telemetry"
)

// batchItem is one line of the batch input file.
type batchItem struct {
	RunID    string         `json:"run_id,omitempty"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// batchRecord is one line of the batch output file. Audit trails go to the
// configured sinks; the record carries the per-item outcome.
type batchRecord struct {
	RunID          string `json:"run_id"`
	Result         string `json:"result,omitempty"`
	TerminalReason string `json:"terminal_reason,omitempty"`
	Converged      bool   `json:"converged"`
	PassesExecuted int    `json:"passes_executed,omitempty"`
	AuditEvents    int    `json:"audit_events"`
	Error          string `json:"error,omitempty"`
}

func newBatchCmd(app *appContext) *cobra.Command {
	var (
		configPath  string
		profileName string
		inputPath   string
		outputPath  string
		concurrency int
		metricsAddr string
		engOpts     engineOptions
		auditOpts   auditSinkOptions
	)

	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Run many texts through one constraint profile",
		Long: `Batch reads JSON lines ({"run_id": ..., "text": ..., "metadata": ...})
from the input file, runs each through the selected profile concurrently,
and writes one JSON line per item to the output in input order. A failure
on one item never aborts its siblings.

The exit code reflects the worst outcome across the batch: errors beat
rejections, rejections beat pass exhaustion.`,
		Example: `  lattice batch -c profiles.yaml -p strict -i drafts.jsonl -o results.jsonl
  lattice batch -c profiles.yaml -i - --concurrency 8 --metrics-addr :9464`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			items, err := readBatchItems(inputPath, cmd.InOrStdin())
			if err != nil {
				return err
			}
			if len(items) == 0 {
				return fmt.Errorf("batch input %s contains no items", inputPath)
			}

			profiles, err := config.LoadProfiles(configPath)
			if err != nil {
				return err
			}
			profile, err := profiles.Get(profileName)
			if err != nil {
				return err
			}

			if metricsAddr != "" {
				engOpts.metrics = telemetry.NewRunMetrics()
				stopMetrics := serveMetrics(app, metricsAddr, engOpts.metrics)
				defer stopMetrics()
			}

			executor, err := buildExecutor(app.logger, engOpts)
			if err != nil {
				return err
			}

			sinks, closeSinks, err := openSinks(app.logger, auditOpts)
			if err != nil {
				return err
			}
			defer closeSinks()

			requests := make([]domain.PipelineRequest, len(items))
			for i, item := range items {
				metadata := item.Metadata
				if metadata == nil {
					metadata = map[string]any{}
				}
				metadata["profile"] = profile.Name
				requests[i] = profile.Request(item.RunID, item.Text, metadata)
			}

			coordinator := batch.NewCoordinator(batch.Config{
				Runner:      executor,
				Concurrency: concurrency,
				Logger:      app.logger,
			})
			results := coordinator.Run(ctx, requests)

			out, closeOut, err := openBatchOutput(outputPath, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer closeOut()

			exitCode := exitOK
			encoder := json.NewEncoder(out)
			for _, item := range results {
				if persistErr := persistTrail(app.logger, sinks, item.Run.AuditTrail); persistErr != nil && item.Err == nil {
					item.Err = persistErr
				}
				record := buildBatchRecord(item)
				if err := encoder.Encode(record); err != nil {
					return fmt.Errorf("encode batch record: %w", err)
				}
				exitCode = worseExitCode(exitCode, itemExitCode(item))
			}

			if exitCode != exitOK {
				return &exitStatusError{
					code:   exitCode,
					reason: fmt.Sprintf("batch finished with exit status %d", exitCode),
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the profiles configuration file")
	cmd.Flags().StringVarP(&profileName, "profile", "p", "default", "Profile to apply to every item")
	cmd.Flags().StringVarP(&inputPath, "input", "i", "", "JSONL input file (\"-\" reads stdin)")
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "JSONL output file (default stdout)")
	cmd.Flags().IntVar(&concurrency, "concurrency", batch.DefaultConcurrency, "Maximum number of concurrent runs")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while the batch runs")
	registerEngineFlags(cmd, &engOpts)
	registerAuditFlags(cmd, &auditOpts)
	_ = cmd.MarkFlagRequired("config")
	_ = cmd.MarkFlagRequired("input")

	return cmd
}

// readBatchItems parses the JSONL input, naming the offending line on error.
func readBatchItems(path string, stdin io.Reader) ([]batchItem, error) {
	var reader io.Reader
	if path == "-" {
		reader = stdin
	} else {
		file, err := os.Open(path) // #nosec G304 -- path supplied by the operator.
		if err != nil {
			return nil, fmt.Errorf("open batch input: %w", err)
		}
		defer file.Close()
		reader = file
	}

	var items []batchItem
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var item batchItem
		if err := json.Unmarshal(raw, &item); err != nil {
			return nil, fmt.Errorf("batch input line %d: %w", line, err)
		}
		items = append(items, item)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read batch input: %w", err)
	}
	return items, nil
}

func openBatchOutput(path string, stdout io.Writer) (io.Writer, func(), error) {
	if path == "" || path == "-" {
		return stdout, func() {}, nil
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600) // #nosec G304 -- path supplied by the operator.
	if err != nil {
		return nil, nil, fmt.Errorf("open batch output: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}

func buildBatchRecord(item batch.Result) batchRecord {
	record := batchRecord{
		RunID:          item.Run.RunID,
		Result:         item.Run.FinalText,
		TerminalReason: string(item.Run.TerminalReason),
		Converged:      item.Run.Converged,
		PassesExecuted: item.Run.PassesExecuted,
		AuditEvents:    len(item.Run.AuditTrail),
	}
	if item.Err != nil {
		record.Error = item.Err.Error()
		record.Result = ""
	}
	return record
}

// itemExitCode maps one batch item to its exit contribution.
func itemExitCode(item batch.Result) int {
	if item.Err != nil {
		return exitError
	}
	return terminalExitCode(item.Run.TerminalReason)
}

// worseExitCode keeps the more severe of two statuses: errors beat
// rejections, rejections beat exhaustion, anything beats success.
func worseExitCode(a, b int) int {
	severity := map[int]int{exitOK: 0, exitExhausted: 1, exitRejected: 2, exitError: 3}
	if severity[b] > severity[a] {
		return b
	}
	return a
}

// serveMetrics exposes the run metrics on /metrics until the returned stop
// function is called.
func serveMetrics(app *appContext, addr string, metrics *telemetry.RunMetrics) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.logger.Warn("metrics server stopped", "addr", addr, "error", err)
		}
	}()
	app.logger.Info("serving metrics", "addr", addr)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
}
