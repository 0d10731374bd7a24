package schema

// Event types recorded through the engine's event sink. Diagnostic only;
// failures while recording them never affect run outcomes.
const (
	EventRunStarted   = "run.started"
	EventRunSucceeded = "run.succeeded"
	EventRunFailed    = "run.failed"
	EventRunCanceled  = "run.canceled"

	EventNodeStarted   = "node.started"
	EventNodeSucceeded = "node.succeeded"
	EventNodeFailed    = "node.failed"
	EventNodeSkipped   = "node.skipped"
	EventNodeRetrying  = "node.retrying"
)
