package engine

import (
	"context"
	"testing"

	"github.com/okonma/weft/pkg/schema"
)

func TestNodeFSM_ValidTransitions(t *testing.T) {
	fsm := NewNodeFSM(nil, nil)
	ctx := context.Background()

	valid := [][2]schema.NodeStatus{
		{schema.NodeStatusPending, schema.NodeStatusRunning},
		{schema.NodeStatusPending, schema.NodeStatusSkipped},
		{schema.NodeStatusRunning, schema.NodeStatusSuccess},
		{schema.NodeStatusRunning, schema.NodeStatusFailed},
	}
	for _, tc := range valid {
		if err := fsm.Transition(ctx, "exec", "n", tc[0], tc[1]); err != nil {
			t.Errorf("%s -> %s should be valid: %v", tc[0], tc[1], err)
		}
	}
}

func TestNodeFSM_InvalidTransitions(t *testing.T) {
	fsm := NewNodeFSM(nil, nil)
	ctx := context.Background()

	invalid := [][2]schema.NodeStatus{
		{schema.NodeStatusPending, schema.NodeStatusSuccess},
		{schema.NodeStatusPending, schema.NodeStatusFailed},
		{schema.NodeStatusRunning, schema.NodeStatusSkipped},
		{schema.NodeStatusSuccess, schema.NodeStatusRunning},
		{schema.NodeStatusFailed, schema.NodeStatusRunning},
		{schema.NodeStatusSkipped, schema.NodeStatusRunning},
		{schema.NodeStatusSuccess, schema.NodeStatusFailed},
	}
	for _, tc := range invalid {
		err := fsm.Transition(ctx, "exec", "n", tc[0], tc[1])
		assertError(t, err, schema.ErrCodeInvalidTransition)
	}
}

func TestNodeFSM_EmitsEvents(t *testing.T) {
	sink := &recordingSink{}
	fsm := NewNodeFSM(sink, nil)
	ctx := context.Background()

	_ = fsm.Transition(ctx, "exec", "n", schema.NodeStatusPending, schema.NodeStatusRunning)
	_ = fsm.Transition(ctx, "exec", "n", schema.NodeStatusRunning, schema.NodeStatusSuccess)

	types := sink.eventTypes()
	if len(types) != 2 || types[0] != schema.EventNodeStarted || types[1] != schema.EventNodeSucceeded {
		t.Errorf("unexpected events: %v", types)
	}
}

func TestNodeFSM_SinkFailureIsNotFatal(t *testing.T) {
	sink := &recordingSink{fail: true}
	fsm := NewNodeFSM(sink, nil)

	err := fsm.Transition(context.Background(), "exec", "n", schema.NodeStatusPending, schema.NodeStatusRunning)
	if err != nil {
		t.Errorf("sink failure must not fail the transition: %v", err)
	}
}

func TestExecutionState_WriteOnce(t *testing.T) {
	state := newExecutionState(2)

	if !state.SetResult(successResult("a", map[string]any{"v": 1})) {
		t.Fatal("first write should win")
	}
	if state.SetResult(failedResult("a", "late")) {
		t.Error("second write for the same node must be rejected")
	}
	r, _ := state.Result("a")
	if r.Status != schema.NodeStatusSuccess {
		t.Error("first result should be preserved")
	}

	if !state.MarkSkipped("b", "first reason") {
		t.Fatal("first skip mark should win")
	}
	if state.MarkSkipped("b", "second reason") {
		t.Error("second skip mark must be rejected")
	}
	reason, _ := state.SkipReason("b")
	if reason != "first reason" {
		t.Errorf("expected first reason, got %q", reason)
	}
}

func TestExecutionState_OutputsOnlySuccess(t *testing.T) {
	state := newExecutionState(2)
	state.SetResult(successResult("ok", map[string]any{"v": 1}))
	state.SetResult(failedResult("bad", "boom"))

	outputs := state.Outputs()
	if len(outputs) != 1 {
		t.Fatalf("only SUCCESS outputs should snapshot, got %v", outputs)
	}
	if _, ok := state.Output("bad"); ok {
		t.Error("failed node must not expose an output")
	}
}
