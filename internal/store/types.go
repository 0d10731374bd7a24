package store

import (
	"time"

	"github.com/okonma/weft/pkg/schema"
)

// Run is one recorded execution of a flow.
type Run struct {
	ID            string           `json:"id"`
	FlowName      string           `json:"flow_name,omitempty"`
	Status        schema.RunStatus `json:"status"`
	TriggerUserID string           `json:"trigger_user_id,omitempty"`
	Params        map[string]any   `json:"params,omitempty"`
	Error         string           `json:"error,omitempty"`
	SoftFailures  int              `json:"soft_failures"`
	StartedAt     time.Time        `json:"started_at"`
	CompletedAt   *time.Time       `json:"completed_at,omitempty"`
}

// NodeExecution is the persisted outcome of one node within a run.
type NodeExecution struct {
	ID              string                 `json:"id"`
	ExecutionID     string                 `json:"execution_id"`
	NodeID          string                 `json:"node_id"`
	NodeType        string                 `json:"node_type,omitempty"`
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

// RunEvent is one entry in a run's append-only event log. Sequence is
// assigned per execution on insert.
type RunEvent struct {
	ID          int64          `json:"id"`
	ExecutionID string         `json:"execution_id"`
	NodeID      string         `json:"node_id,omitempty"`
	Type        string         `json:"type"`
	Payload     map[string]any `json:"payload,omitempty"`
	Sequence    int64          `json:"sequence"`
	Timestamp   time.Time      `json:"timestamp"`
}
