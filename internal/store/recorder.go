package store

import (
	"context"
	"time"

	"github.com/okonma/weft/internal/engine"
	"github.com/okonma/weft/pkg/schema"
)

// Recorder adapts a Store to the engine's sink interfaces so runs executed by
// the coordinator land in the database. It also bookends the run row itself.
type Recorder struct {
	store Store
}

// NewRecorder wraps a Store as an engine sink.
func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store}
}

// BeginRun writes the initial RUNNING row for an execution.
func (r *Recorder) BeginRun(ctx context.Context, executionID, flowName, triggerUserID string, params map[string]any) error {
	return r.store.CreateRun(ctx, &Run{
		ID:            executionID,
		FlowName:      flowName,
		Status:        schema.RunStatusRunning,
		TriggerUserID: triggerUserID,
		Params:        params,
		StartedAt:     time.Now().UTC(),
	})
}

// CompleteRun writes the terminal fields of a settled run.
func (r *Recorder) CompleteRun(ctx context.Context, result *engine.RunResult) error {
	status := string(result.Status)
	soft := result.SoftFailures
	completed := result.CompletedAt
	update := RunUpdate{
		Status:       &status,
		SoftFailures: &soft,
		CompletedAt:  &completed,
	}
	if result.Error != "" {
		update.Error = &result.Error
	}
	return r.store.FinishRun(ctx, result.ExecutionID, update)
}

// RecordEvent implements engine.EventSink.
func (r *Recorder) RecordEvent(ctx context.Context, event *engine.Event) error {
	return r.store.AppendEvent(ctx, &RunEvent{
		ExecutionID: event.ExecutionID,
		NodeID:      event.NodeID,
		Type:        event.Type,
		Payload:     event.Payload,
		Timestamp:   event.Timestamp,
	})
}

// PersistNodeExecution implements engine.PersistenceSink.
func (r *Recorder) PersistNodeExecution(ctx context.Context, record *engine.NodeExecutionRecord) (string, error) {
	return r.store.InsertNodeExecution(ctx, &NodeExecution{
		ExecutionID:     record.ExecutionID,
		NodeID:          record.NodeID,
		NodeType:        record.NodeType,
		TriggerUserID:   record.TriggerUserID,
		Status:          record.Status,
		Input:           record.Input,
		Output:          record.Output,
		ErrorMessage:    record.ErrorMessage,
		FailureCategory: record.FailureCategory,
		FailureCode:     record.FailureCode,
		SkipReason:      record.SkipReason,
		Attempts:        record.Attempts,
		StartedAt:       record.StartedAt,
		DurationMs:      record.DurationMs,
	})
}
