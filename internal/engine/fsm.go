package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/okonma/weft/pkg/schema"
)

// validNodeTransitions is the node lifecycle table:
// PENDING → (SKIPPED | RUNNING) → (SUCCESS | FAILED), all terminal after.
var validNodeTransitions = map[schema.NodeStatus][]schema.NodeStatus{
	schema.NodeStatusPending: {schema.NodeStatusRunning, schema.NodeStatusSkipped},
	schema.NodeStatusRunning: {schema.NodeStatusSuccess, schema.NodeStatusFailed},
	schema.NodeStatusSuccess: {},
	schema.NodeStatusFailed:  {},
	schema.NodeStatusSkipped: {},
}

// NodeFSM validates node lifecycle transitions and emits the matching event
// through the sink. Event emission is best effort.
type NodeFSM struct {
	events EventSink
	logger *slog.Logger
}

// NewNodeFSM creates a NodeFSM emitting through the given sink.
func NewNodeFSM(events EventSink, logger *slog.Logger) *NodeFSM {
	if events == nil {
		events = discardSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NodeFSM{events: events, logger: logger}
}

// Transition validates and records a node state transition.
func (f *NodeFSM) Transition(ctx context.Context, executionID, nodeID string, from, to schema.NodeStatus) error {
	if !isValidNodeTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid node transition: %s -> %s", from, to).
			WithNode(nodeID).
			WithDetails(map[string]any{"execution_id": executionID})
	}

	if eventType := nodeEventType(to); eventType != "" {
		event := &Event{
			ExecutionID: executionID,
			NodeID:      nodeID,
			Type:        eventType,
			Timestamp:   time.Now().UTC(),
		}
		if err := f.events.RecordEvent(ctx, event); err != nil {
			f.logger.WarnContext(ctx, "event sink failed",
				slog.String("event", eventType), slog.String("error", err.Error()))
		}
	}

	return nil
}

func isValidNodeTransition(from, to schema.NodeStatus) bool {
	for _, allowed := range validNodeTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func nodeEventType(to schema.NodeStatus) string {
	switch to {
	case schema.NodeStatusRunning:
		return schema.EventNodeStarted
	case schema.NodeStatusSuccess:
		return schema.EventNodeSucceeded
	case schema.NodeStatusFailed:
		return schema.EventNodeFailed
	case schema.NodeStatusSkipped:
		return schema.EventNodeSkipped
	default:
		return ""
	}
}
