package engine

import (
	"context"
	"time"

	"github.com/okonma/weft/pkg/schema"
)

// The coordinator performs no I/O of its own. Everything with a side effect
// — event recording, persistence, cancellation checks, the timeout race and
// the backoff sleep — arrives through the interfaces and function types
// below, injected at construction.

// Event is a diagnostic record emitted at run and node transitions.
type Event struct {
	ExecutionID string         `json:"execution_id"`
	NodeID      string         `json:"node_id,omitempty"`
	Type        string         `json:"type"`
	Payload     map[string]any `json:"payload,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// NodeExecutionRecord is the persisted outcome of one node within a run.
type NodeExecutionRecord struct {
	ExecutionID     string                 `json:"execution_id"`
	NodeID          string                 `json:"node_id"`
	NodeType        string                 `json:"node_type"`
	TriggerUserID   string                 `json:"trigger_user_id,omitempty"`
	Status          schema.NodeStatus      `json:"status"`
	Input           map[string]any         `json:"input,omitempty"`
	Output          map[string]any         `json:"output,omitempty"`
	ErrorMessage    string                 `json:"error_message,omitempty"`
	FailureCategory schema.FailureCategory `json:"failure_category,omitempty"`
	FailureCode     string                 `json:"failure_code,omitempty"`
	SkipReason      string                 `json:"skip_reason,omitempty"`
	Attempts        int                    `json:"attempts"`
	StartedAt       time.Time              `json:"started_at"`
	DurationMs      int64                  `json:"duration_ms"`
}

// EventSink records diagnostic events. Failures are swallowed by the
// coordinator; they must never affect run outcomes.
type EventSink interface {
	RecordEvent(ctx context.Context, event *Event) error
}

// PersistenceSink stores node execution records and returns the record ID.
// Failures are swallowed by the coordinator.
type PersistenceSink interface {
	PersistNodeExecution(ctx context.Context, record *NodeExecutionRecord) (string, error)
}

// CancellationProbe reports a non-nil error once the run has been canceled.
// Consulted at layer boundaries and before each attempt; cooperative, not
// preemptive.
type CancellationProbe func(ctx context.Context) error

// InputResolver optionally post-processes a node's materialized input before
// the executor runs (variable resolution, template expansion). When absent
// the raw materialized input is used unchanged.
type InputResolver interface {
	Resolve(ctx context.Context, node *schema.NodeDefinition, input, params map[string]any) (map[string]any, error)
}

// Task is one node attempt's work.
type Task func(ctx context.Context) (map[string]any, error)

// TaskRunner races a task against a timeout budget.
type TaskRunner func(ctx context.Context, timeout time.Duration, task Task) (map[string]any, error)

// Sleeper waits between retry attempts, returning early on cancellation.
type Sleeper func(ctx context.Context, delay time.Duration) error

// DefaultTaskRunner runs the task on its own goroutine and races it against
// the timeout. A task that ignores its context still loses the race: the
// attempt settles as a timeout while the goroutine drains in the background.
// Panics are converted into internal errors rather than crashing the run.
func DefaultTaskRunner(ctx context.Context, timeout time.Duration, task Task) (map[string]any, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		out map[string]any
		err error
	}
	ch := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{nil, schema.NewErrorf(schema.ErrCodeInternal, "executor panic: %v", r)}
			}
		}()
		out, err := task(attemptCtx)
		ch <- outcome{out, err}
	}()

	select {
	case o := <-ch:
		return o.out, o.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			// Run-level cancellation, not an attempt timeout.
			return nil, schema.NewError(schema.ErrCodeCancelled, "run canceled").WithCause(ctx.Err())
		}
		return nil, schema.NewErrorf(schema.ErrCodeTimeout,
			"attempt exceeded timeout of %s", timeout).WithCause(attemptCtx.Err())
	}
}

type discardSink struct{}

func (discardSink) RecordEvent(context.Context, *Event) error { return nil }

func (discardSink) PersistNodeExecution(context.Context, *NodeExecutionRecord) (string, error) {
	return "", nil
}
