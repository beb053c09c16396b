package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lexsight/lattice/pkg/audit"
	"github.com/lexsight/lattice/pkg/domain"
	"github.com/lexsight/lattice/pkg/storage"
)

func newVerifyCmd(app *appContext) *cobra.Command {
	var (
		trailPath string
		dbPath    string
		runID     string
	)

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check the hash chains of persisted audit trails",
		Long: `Verify recomputes the hash chain of every audit trail in a JSONL file or
SQLite database and reports runs whose chains are broken or out of order.
A non-zero exit means at least one trail failed verification.`,
		Example: `  lattice verify --trail trail.jsonl
  lattice verify --db audits.db --run 2f1c9a...`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if trailPath == "" && dbPath == "" {
				return fmt.Errorf("nothing to verify: supply --trail or --db")
			}

			var trails []runTrail
			if trailPath != "" {
				loaded, err := loadJSONLTrails(trailPath)
				if err != nil {
					return err
				}
				trails = append(trails, loaded...)
			}
			if dbPath != "" {
				loaded, err := loadSQLiteTrails(cmd, dbPath, app)
				if err != nil {
					return err
				}
				trails = append(trails, loaded...)
			}
			if runID != "" {
				trails = filterTrails(trails, runID)
				if len(trails) == 0 {
					return fmt.Errorf("run %s not found", runID)
				}
			}

			broken := 0
			for _, trail := range trails {
				if err := audit.VerifyChain(trail.events); err != nil {
					broken++
					fmt.Fprintf(cmd.OutOrStdout(), "run %s: BROKEN: %v\n", trail.id, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "run %s: ok (%d events, %d passes)\n",
					trail.id, len(trail.events), passCount(trail.events))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "verified %d runs, %d broken\n", len(trails), broken)

			if broken > 0 {
				return &exitStatusError{
					code:   exitError,
					reason: fmt.Sprintf("%d of %d audit trails failed verification", broken, len(trails)),
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&trailPath, "trail", "", "JSONL audit trail file to verify")
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite audit database to verify")
	cmd.Flags().StringVar(&runID, "run", "", "Verify only this run")

	return cmd
}

type runTrail struct {
	id     string
	events []domain.AuditEvent
}

func loadJSONLTrails(path string) ([]runTrail, error) {
	events, err := storage.ReadEventsFile(path)
	if err != nil {
		return nil, err
	}
	byRun, order := storage.GroupByRun(events)

	trails := make([]runTrail, 0, len(order))
	for _, id := range order {
		trails = append(trails, runTrail{id: id, events: byRun[id]})
	}
	return trails, nil
}

func loadSQLiteTrails(cmd *cobra.Command, path string, app *appContext) ([]runTrail, error) {
	sink, err := storage.NewSQLiteSink(storage.SQLiteConfig{Path: path, Logger: app.logger})
	if err != nil {
		return nil, err
	}
	defer func() { _ = sink.Close() }()

	ctx := cmd.Context()
	ids, err := sink.RunIDs(ctx)
	if err != nil {
		return nil, err
	}

	trails := make([]runTrail, 0, len(ids))
	for _, id := range ids {
		events, err := sink.Trail(ctx, id)
		if err != nil {
			return nil, err
		}
		trails = append(trails, runTrail{id: id, events: events})
	}
	return trails, nil
}

func filterTrails(trails []runTrail, runID string) []runTrail {
	var matched []runTrail
	for _, trail := range trails {
		if trail.id == runID {
			matched = append(matched, trail)
		}
	}
	return matched
}

// passCount reports how many passes a trail spans.
func passCount(events []domain.AuditEvent) int {
	if len(events) == 0 {
		return 0
	}
	return events[len(events)-1].PassIndex + 1
}
