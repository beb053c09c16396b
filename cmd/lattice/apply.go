package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/lexsight/lattice/pkg/config"
	"github.com/lexsight/lattice/pkg/domain"
)

// applyResponse is the JSON document apply writes to stdout.
type applyResponse struct {
	Result   string        `json:"result"`
	Steps    []applyStep   `json:"steps"`
	Metadata applyMetadata `json:"metadata"`
}

// applyStep summarizes one audit event for human consumption; the full
// hash-chained events go to the audit sinks.
type applyStep struct {
	ConstraintID string `json:"constraint_id"`
	PassIndex    int    `json:"pass_index"`
	OrderIndex   int    `json:"order_index"`
	Action       string `json:"action"`
	Changed      bool   `json:"changed"`
}

type applyMetadata struct {
	RunID                string  `json:"run_id"`
	Profile              string  `json:"profile"`
	TerminalReason       string  `json:"terminal_reason"`
	Converged            bool    `json:"converged"`
	PassesExecuted       int     `json:"passes_executed"`
	ExecutionTimeSeconds float64 `json:"execution_time_seconds"`
	ConstraintsApplied   int     `json:"constraints_applied"`
	OriginalLength       int     `json:"original_length"`
	ProcessedLength      int     `json:"processed_length"`
}

func newApplyCmd(app *appContext) *cobra.Command {
	var (
		configPath  string
		profileName string
		text        string
		filePath    string
		runID       string
		engOpts     engineOptions
		auditOpts   auditSinkOptions
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Run one text through a constraint profile",
		Long: `Apply loads a profile from the configuration file, runs the input text
through its constraint pipeline and prints the result as JSON. The input
comes from --text, --file, or stdin, in that order of precedence.`,
		Example: `  lattice apply -c profiles.yaml -p default -t "SOME SHOUTED TEXT"
  cat draft.txt | lattice apply -c profiles.yaml -p strict --audit-out trail.jsonl`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			input, err := readApplyInput(text, filePath, cmd.InOrStdin())
			if err != nil {
				return err
			}

			profiles, err := config.LoadProfiles(configPath)
			if err != nil {
				return err
			}
			profile, err := profiles.Get(profileName)
			if err != nil {
				return err
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

			request := profile.Request(runID, input, map[string]any{"profile": profile.Name})

			start := time.Now()
			result, runErr := executor.Run(ctx, request)
			elapsed := time.Since(start)

			// Partial trails are persisted too: a faulted or cancelled run
			// leaves its forensic record behind.
			if persistErr := persistTrail(app.logger, sinks, result.AuditTrail); persistErr != nil && runErr == nil {
				runErr = persistErr
			}
			if runErr != nil {
				return runErr
			}

			response := buildApplyResponse(profile.Name, input, result, elapsed)
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			if err := encoder.Encode(response); err != nil {
				return fmt.Errorf("encode result: %w", err)
			}

			if result.TerminalReason == domain.TerminalCancelled {
				return fmt.Errorf("run %s cancelled after %d passes", result.RunID, result.PassesExecuted)
			}
			if code := terminalExitCode(result.TerminalReason); code != exitOK {
				return &exitStatusError{code: code, reason: string(result.TerminalReason)}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the profiles configuration file")
	cmd.Flags().StringVarP(&profileName, "profile", "p", "default", "Profile to apply")
	cmd.Flags().StringVarP(&text, "text", "t", "", "Text to govern")
	cmd.Flags().StringVarP(&filePath, "file", "f", "", "Read the text from this file instead of --text")
	cmd.Flags().StringVar(&runID, "run-id", "", "Run identifier (defaults to a generated UUID)")
	registerEngineFlags(cmd, &engOpts)
	registerAuditFlags(cmd, &auditOpts)
	_ = cmd.MarkFlagRequired("config")

	return cmd
}

// readApplyInput resolves the input text: an explicit --text wins, then
// --file, then stdin.
func readApplyInput(text, filePath string, stdin io.Reader) (string, error) {
	if text != "" {
		return text, nil
	}
	if filePath != "" {
		data, err := os.ReadFile(filePath) // #nosec G304 -- path supplied by the operator.
		if err != nil {
			return "", fmt.Errorf("read input file: %w", err)
		}
		return string(data), nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("no input: supply --text, --file, or pipe text on stdin")
	}
	return strings.TrimSuffix(string(data), "\n"), nil
}

func buildApplyResponse(profile, input string, result domain.PipelineResult, elapsed time.Duration) applyResponse {
	steps := make([]applyStep, 0, len(result.AuditTrail))
	for _, event := range result.AuditTrail {
		steps = append(steps, applyStep{
			ConstraintID: event.ConstraintID,
			PassIndex:    event.PassIndex,
			OrderIndex:   event.OrderIndex,
			Action:       string(event.ActionTaken),
			Changed:      event.InputHash != event.OutputHash,
		})
	}

	return applyResponse{
		Result: result.FinalText,
		Steps:  steps,
		Metadata: applyMetadata{
			RunID:                result.RunID,
			Profile:              profile,
			TerminalReason:       string(result.TerminalReason),
			Converged:            result.Converged,
			PassesExecuted:       result.PassesExecuted,
			ExecutionTimeSeconds: elapsed.Seconds(),
			ConstraintsApplied:   len(result.AuditTrail),
			OriginalLength:       utf8.RuneCountInString(input),
			ProcessedLength:      utf8.RuneCountInString(result.FinalText),
		},
	}
}
