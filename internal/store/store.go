package store

import (
	"context"
	"time"
)

// Store is the persistence surface for run history: runs, per-node execution
// records, and the append-only run event log.
type Store interface {
	CreateRun(ctx context.Context, run *Run) error
	FinishRun(ctx context.Context, id string, update RunUpdate) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	InsertNodeExecution(ctx context.Context, rec *NodeExecution) (string, error)
	ListNodeExecutions(ctx context.Context, executionID string) ([]*NodeExecution, error)

	AppendEvent(ctx context.Context, event *RunEvent) error
	GetEvents(ctx context.Context, executionID string, since int64) ([]*RunEvent, error)

	Close() error
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	Status   string
	FlowName string
	Since    *time.Time
	Limit    int
	Offset   int
}

// RunUpdate carries the terminal fields written when a run settles. Nil
// pointer fields are left unchanged.
type RunUpdate struct {
	Status       *string
	Error        *string
	SoftFailures *int
	CompletedAt  *time.Time
}
