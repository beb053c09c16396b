package integration

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexsight/lattice/pkg/audit"
	"github.com/lexsight/lattice/pkg/domain"
	"github.com/lexsight/lattice/pkg/storage"
)

// runScenario executes one profile over one input and returns the result.
func runScenario(t *testing.T, profileName, runID, input string) domain.PipelineResult {
	t.Helper()
	profiles := loadScenarioProfiles(t)
	profile, err := profiles.Get(profileName)
	require.NoError(t, err)

	result, err := newScenarioExecutor(t).Run(context.Background(), profile.Request(runID, input, nil))
	require.NoError(t, err)
	return result
}

func TestTrailSurvivesJSONLRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "trails.jsonl")

	first := runScenario(t, "normalize", "persist-jsonl-1", "  ALPHA run  ")
	second := runScenario(t, "deny-terms", "persist-jsonl-2", "the password is set")

	sink, err := storage.NewJSONLSink(path, quietLogger())
	require.NoError(t, err)
	require.NoError(t, sink.Write(ctx, first.AuditTrail))
	require.NoError(t, sink.Write(ctx, second.AuditTrail))
	require.NoError(t, sink.Close())

	events, err := storage.ReadEventsFile(path)
	require.NoError(t, err)
	byRun, order := storage.GroupByRun(events)

	require.Equal(t, []string{"persist-jsonl-1", "persist-jsonl-2"}, order)
	for runID, trail := range byRun {
		require.NoError(t, audit.VerifyChain(trail), "run %s", runID)
	}
	assert.Equal(t, first.AuditTrail, byRun["persist-jsonl-1"])
	assert.Equal(t, second.AuditTrail, byRun["persist-jsonl-2"])
}

func TestTrailSurvivesSQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "trails.db")

	result := runScenario(t, "redact-pii", "persist-sqlite", "mail bob@example.net urgently")

	sink, err := storage.NewSQLiteSink(storage.SQLiteConfig{Path: path, Logger: quietLogger()})
	require.NoError(t, err)
	require.NoError(t, sink.Write(ctx, result.AuditTrail))

	stored, err := sink.Trail(ctx, "persist-sqlite")
	require.NoError(t, err)
	require.NoError(t, sink.Close())

	require.NoError(t, audit.VerifyChain(stored))
	require.Len(t, stored, len(result.AuditTrail))
	for i, event := range result.AuditTrail {
		assert.Equal(t, event.RunID, stored[i].RunID)
		assert.Equal(t, event.PassIndex, stored[i].PassIndex)
		assert.Equal(t, event.OrderIndex, stored[i].OrderIndex)
		assert.Equal(t, event.ConstraintID, stored[i].ConstraintID)
		assert.Equal(t, event.ActionTaken, stored[i].ActionTaken)
		assert.Equal(t, event.InputHash, stored[i].InputHash)
		assert.Equal(t, event.OutputHash, stored[i].OutputHash)
		assert.True(t, event.Timestamp.Equal(stored[i].Timestamp))
	}
}

// TestRejectedTrailIsFinalizable persists the partial trail of a rejected
// run and confirms it still verifies: every terminal state leaves a complete
// forensic record behind.
func TestRejectedTrailIsFinalizable(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "rejected.jsonl")

	result := runScenario(t, "deny-terms", "persist-rejected", "leaked PASSWORD value")
	require.Equal(t, domain.TerminalRejected, result.TerminalReason)
	require.NotEmpty(t, result.AuditTrail)

	sink, err := storage.NewJSONLSink(path, quietLogger())
	require.NoError(t, err)
	require.NoError(t, sink.Write(ctx, result.AuditTrail))
	require.NoError(t, sink.Close())

	events, err := storage.ReadEventsFile(path)
	require.NoError(t, err)
	require.NoError(t, audit.VerifyChain(events))

	last := events[len(events)-1]
	assert.Equal(t, domain.ActionRejected, last.ActionTaken)
	assert.Equal(t, last.InputHash, last.OutputHash, "rejection leaves the text untouched")
}
