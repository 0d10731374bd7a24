package schema

// NodeStatus enumerates the per-node lifecycle states.
// PENDING → (SKIPPED | RUNNING) → (SUCCESS | FAILED); terminal after that.
type NodeStatus string

const (
	NodeStatusPending NodeStatus = "PENDING"
	NodeStatusRunning NodeStatus = "RUNNING"
	NodeStatusSuccess NodeStatus = "SUCCESS"
	NodeStatusFailed  NodeStatus = "FAILED"
	NodeStatusSkipped NodeStatus = "SKIPPED"
)

// Terminal reports whether s is a terminal node state.
func (s NodeStatus) Terminal() bool {
	return s == NodeStatusSuccess || s == NodeStatusFailed || s == NodeStatusSkipped
}

// RunStatus enumerates the run-level outcomes.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "RUNNING"
	RunStatusSuccess  RunStatus = "SUCCESS"
	RunStatusFailed   RunStatus = "FAILED"
	RunStatusCanceled RunStatus = "CANCELED"
)

// FailureCategory classifies why a node attempt sequence failed.
type FailureCategory string

const (
	// FailureExecutor: the node's executor returned an error or a failed result.
	FailureExecutor FailureCategory = "EXECUTOR"
	// FailureTimeout: an attempt exceeded the resolved timeoutMs.
	FailureTimeout FailureCategory = "TIMEOUT"
	// FailureCanceled: run-level cancellation was observed. Takes precedence
	// over any other in-flight classification.
	FailureCanceled FailureCategory = "CANCELED"
	// FailureInternal: unclassified/unexpected (panics, bookkeeping errors).
	FailureInternal FailureCategory = "INTERNAL"
)

// NodeResult is the settled outcome of one node within a run.
type NodeResult struct {
	NodeID          string          `json:"nodeId"`
	Status          NodeStatus      `json:"status"`
	Output          map[string]any  `json:"output,omitempty"`
	ErrorMessage    string          `json:"errorMessage,omitempty"`
	FailureCategory FailureCategory `json:"failureCategory,omitempty"`
	FailureCode     string          `json:"failureCode,omitempty"`
	SkipReason      string          `json:"skipReason,omitempty"`
	Attempts        int             `json:"attempts"`
	DurationMs      int64           `json:"durationMs"`
}
