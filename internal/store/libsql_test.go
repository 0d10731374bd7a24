package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okonma/weft/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func seedRun(t *testing.T, s *LibSQLStore, status schema.RunStatus) *Run {
	t.Helper()
	run := &Run{
		ID:            uuid.New().String(),
		FlowName:      "approval-flow",
		Status:        status,
		TriggerUserID: "user-1",
		Params:        map[string]any{"amount": float64(900)},
		StartedAt:     time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, s.CreateRun(context.Background(), run))
	return run
}

// --- Runs ---

func TestCreateAndGetRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := seedRun(t, s, schema.RunStatusRunning)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, "approval-flow", got.FlowName)
	assert.Equal(t, schema.RunStatusRunning, got.Status)
	assert.Equal(t, "user-1", got.TriggerUserID)
	assert.Equal(t, float64(900), got.Params["amount"])
	assert.Nil(t, got.CompletedAt)
}

func TestGetRun_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetRun(context.Background(), "missing")
	require.Error(t, err)

	flowErr, ok := err.(*schema.FlowError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeNotFound, flowErr.Code)
}

func TestFinishRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := seedRun(t, s, schema.RunStatusRunning)

	status := string(schema.RunStatusFailed)
	errMsg := "node score failed"
	soft := 1
	completed := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.FinishRun(ctx, run.ID, RunUpdate{
		Status:       &status,
		Error:        &errMsg,
		SoftFailures: &soft,
		CompletedAt:  &completed,
	}))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, got.Status)
	assert.Equal(t, "node score failed", got.Error)
	assert.Equal(t, 1, got.SoftFailures)
	require.NotNil(t, got.CompletedAt)
	assert.WithinDuration(t, completed, *got.CompletedAt, time.Second)
}

func TestFinishRun_PartialUpdateLeavesRest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := seedRun(t, s, schema.RunStatusRunning)

	status := string(schema.RunStatusSuccess)
	require.NoError(t, s.FinishRun(ctx, run.ID, RunUpdate{Status: &status}))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSuccess, got.Status)
	assert.Empty(t, got.Error)
	assert.Equal(t, "user-1", got.TriggerUserID)
}

func TestFinishRun_NotFound(t *testing.T) {
	s := newTestStore(t)

	status := string(schema.RunStatusSuccess)
	err := s.FinishRun(context.Background(), "missing", RunUpdate{Status: &status})
	require.Error(t, err)
}

func TestFinishRun_EmptyUpdateIsNoop(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.FinishRun(context.Background(), "does-not-matter", RunUpdate{}))
}

func TestListRuns_FilterAndOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	older := &Run{
		ID: uuid.New().String(), FlowName: "approval-flow",
		Status: schema.RunStatusSuccess, StartedAt: time.Now().UTC().Add(-time.Hour),
	}
	newer := &Run{
		ID: uuid.New().String(), FlowName: "approval-flow",
		Status: schema.RunStatusFailed, StartedAt: time.Now().UTC(),
	}
	other := &Run{
		ID: uuid.New().String(), FlowName: "billing-flow",
		Status: schema.RunStatusSuccess, StartedAt: time.Now().UTC().Add(-time.Minute),
	}
	for _, r := range []*Run{older, newer, other} {
		require.NoError(t, s.CreateRun(ctx, r))
	}

	all, err := s.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, newer.ID, all[0].ID, "newest first")

	byFlow, err := s.ListRuns(ctx, RunFilter{FlowName: "approval-flow"})
	require.NoError(t, err)
	assert.Len(t, byFlow, 2)

	byStatus, err := s.ListRuns(ctx, RunFilter{Status: string(schema.RunStatusFailed)})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, newer.ID, byStatus[0].ID)

	since := time.Now().UTC().Add(-30 * time.Minute)
	recent, err := s.ListRuns(ctx, RunFilter{Since: &since})
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	limited, err := s.ListRuns(ctx, RunFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, other.ID, limited[0].ID)
}

// --- Node executions ---

func TestInsertAndListNodeExecutions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := seedRun(t, s, schema.RunStatusRunning)
	base := time.Now().UTC().Add(-time.Minute)

	first := &NodeExecution{
		ExecutionID:   run.ID,
		NodeID:        "trigger",
		NodeType:      "manual-trigger",
		TriggerUserID: "user-1",
		Status:        schema.NodeStatusSuccess,
		Input:         map[string]any{},
		Output:        map[string]any{"amount": float64(900)},
		Attempts:      1,
		StartedAt:     base,
		DurationMs:    3,
	}
	second := &NodeExecution{
		ExecutionID:     run.ID,
		NodeID:          "score",
		NodeType:        "scoring",
		Status:          schema.NodeStatusFailed,
		ErrorMessage:    "model unavailable",
		FailureCategory: schema.FailureExecutor,
		FailureCode:     schema.ErrCodeExecution,
		Attempts:        3,
		StartedAt:       base.Add(time.Second),
		DurationMs:      1500,
	}

	id, err := s.InsertNodeExecution(ctx, first)
	require.NoError(t, err)
	assert.NotEmpty(t, id, "id is generated when absent")
	_, err = s.InsertNodeExecution(ctx, second)
	require.NoError(t, err)

	records, err := s.ListNodeExecutions(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "trigger", records[0].NodeID, "ordered by start time")
	assert.Equal(t, float64(900), records[0].Output["amount"])
	assert.Equal(t, "user-1", records[0].TriggerUserID)

	assert.Equal(t, schema.NodeStatusFailed, records[1].Status)
	assert.Equal(t, "model unavailable", records[1].ErrorMessage)
	assert.Equal(t, schema.FailureExecutor, records[1].FailureCategory)
	assert.Equal(t, 3, records[1].Attempts)
}

func TestListNodeExecutions_EmptyForUnknownRun(t *testing.T) {
	s := newTestStore(t)

	records, err := s.ListNodeExecutions(context.Background(), "missing")
	require.NoError(t, err)
	assert.Empty(t, records)
}

// --- Events ---

func TestAppendEvent_SequencesPerExecution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	runA := seedRun(t, s, schema.RunStatusRunning)
	runB := seedRun(t, s, schema.RunStatusRunning)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendEvent(ctx, &RunEvent{
			ExecutionID: runA.ID,
			Type:        schema.EventNodeStarted,
			NodeID:      "n1",
		}))
	}
	require.NoError(t, s.AppendEvent(ctx, &RunEvent{
		ExecutionID: runB.ID,
		Type:        schema.EventRunStarted,
	}))

	eventsA, err := s.GetEvents(ctx, runA.ID, 0)
	require.NoError(t, err)
	require.Len(t, eventsA, 3)
	for i, e := range eventsA {
		assert.Equal(t, int64(i+1), e.Sequence)
	}

	eventsB, err := s.GetEvents(ctx, runB.ID, 0)
	require.NoError(t, err)
	require.Len(t, eventsB, 1)
	assert.Equal(t, int64(1), eventsB[0].Sequence, "sequences are per execution")
}

func TestGetEvents_SinceCursor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := seedRun(t, s, schema.RunStatusRunning)
	types := []string{schema.EventRunStarted, schema.EventNodeStarted, schema.EventNodeSucceeded}
	for _, typ := range types {
		require.NoError(t, s.AppendEvent(ctx, &RunEvent{ExecutionID: run.ID, Type: typ}))
	}

	tail, err := s.GetEvents(ctx, run.ID, 1)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, schema.EventNodeStarted, tail[0].Type)
	assert.Equal(t, schema.EventNodeSucceeded, tail[1].Type)
}

func TestAppendEvent_PayloadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := seedRun(t, s, schema.RunStatusRunning)
	require.NoError(t, s.AppendEvent(ctx, &RunEvent{
		ExecutionID: run.ID,
		Type:        schema.EventNodeFailed,
		NodeID:      "score",
		Payload:     map[string]any{"category": "EXECUTOR", "attempts": float64(2)},
	}))

	events, err := s.GetEvents(ctx, run.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "score", events[0].NodeID)
	assert.Equal(t, "EXECUTOR", events[0].Payload["category"])
	assert.Equal(t, float64(2), events[0].Payload["attempts"])
}

func TestVacuum(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Vacuum(context.Background()))
}
