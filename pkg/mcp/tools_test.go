package mcp

import (
	"context"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okonma/weft/internal/engine"
	"github.com/okonma/weft/internal/store"
	"github.com/okonma/weft/internal/validation"
	"github.com/okonma/weft/pkg/schema"
)

// --- Mock Store ---

type mockStore struct {
	store.Store // embed for unimplemented methods

	runs    []*store.Run
	records []*store.NodeExecution
	events  []*store.RunEvent
}

func (m *mockStore) ListRuns(_ context.Context, filter store.RunFilter) ([]*store.Run, error) {
	result := make([]*store.Run, 0)
	for _, r := range m.runs {
		if filter.Status != "" && string(r.Status) != filter.Status {
			continue
		}
		if filter.FlowName != "" && r.FlowName != filter.FlowName {
			continue
		}
		result = append(result, r)
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (m *mockStore) ListNodeExecutions(_ context.Context, executionID string) ([]*store.NodeExecution, error) {
	result := make([]*store.NodeExecution, 0)
	for _, rec := range m.records {
		if rec.ExecutionID == executionID {
			result = append(result, rec)
		}
	}
	return result, nil
}

func (m *mockStore) GetEvents(_ context.Context, executionID string, since int64) ([]*store.RunEvent, error) {
	result := make([]*store.RunEvent, 0)
	for _, e := range m.events {
		if e.ExecutionID == executionID && e.Sequence > since {
			result = append(result, e)
		}
	}
	return result, nil
}

// --- Helpers ---

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func newTestServer(t *testing.T, st store.Store) *WeftServer {
	t.Helper()
	coordinator, err := engine.NewCoordinator(engine.CoordinatorConfig{})
	require.NoError(t, err)
	validator, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)
	return NewWeftServer(WeftServerDeps{
		Coordinator: coordinator,
		Validator:   validator,
		Store:       st,
	})
}

func resultPayload(t *testing.T, result *mcp.CallToolResult) map[string]any {
	t.Helper()
	require.NotEmpty(t, result.Content)
	text, ok := mcp.AsTextContent(result.Content[0])
	require.True(t, ok)
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(text.Text), &payload))
	return payload
}

func flowArgs() map[string]any {
	return map[string]any{
		"nodes": []any{
			map[string]any{"id": "start", "type": "manual-trigger"},
			map[string]any{"id": "finish", "type": "task"},
		},
		"edges": []any{
			map[string]any{"from": "start", "to": "finish"},
		},
	}
}

// --- weft.run ---

func TestRunTool(t *testing.T) {
	s := newTestServer(t, nil)

	req := buildRequest("weft.run", map[string]any{
		"definition":      flowArgs(),
		"params":          map[string]any{"amount": float64(900)},
		"trigger_user_id": "agent-1",
	})

	result, err := s.handleRun(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.False(t, result.IsError)

	payload := resultPayload(t, result)
	assert.Equal(t, string(schema.RunStatusSuccess), payload["status"])
	assert.NotEmpty(t, payload["execution_id"])

	nodeResults, ok := payload["node_results"].(map[string]any)
	require.True(t, ok)
	assert.Len(t, nodeResults, 2)
}

func TestRunTool_MissingDefinition(t *testing.T) {
	s := newTestServer(t, nil)

	result, err := s.handleRun(context.Background(), buildRequest("weft.run", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestRunTool_InvalidDefinition(t *testing.T) {
	s := newTestServer(t, nil)

	req := buildRequest("weft.run", map[string]any{
		"definition": map[string]any{
			"nodes": []any{map[string]any{"id": "n1"}}, // type missing
		},
	})
	result, err := s.handleRun(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

// --- weft.validate ---

func TestValidateTool(t *testing.T) {
	s := newTestServer(t, nil)

	req := buildRequest("weft.validate", map[string]any{"definition": flowArgs()})
	result, err := s.handleValidate(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	payload := resultPayload(t, result)
	assert.Equal(t, true, payload["valid"])
	assert.Equal(t, float64(2), payload["nodes"])
}

func TestValidateTool_Cycle(t *testing.T) {
	s := newTestServer(t, nil)

	req := buildRequest("weft.validate", map[string]any{
		"definition": map[string]any{
			"nodes": []any{
				map[string]any{"id": "a", "type": "task"},
				map[string]any{"id": "b", "type": "task"},
			},
			"edges": []any{
				map[string]any{"from": "a", "to": "b"},
				map[string]any{"from": "b", "to": "a"},
			},
		},
	})
	result, err := s.handleValidate(context.Background(), req)
	require.NoError(t, err)

	payload := resultPayload(t, result)
	assert.Equal(t, false, payload["valid"])
	assert.Contains(t, payload["error"], schema.ErrCodeCycleDetected)
}

// --- weft.history ---

func TestHistoryTool_Runs(t *testing.T) {
	ms := &mockStore{
		runs: []*store.Run{
			{ID: "run-1", FlowName: "approval-flow", Status: schema.RunStatusSuccess, StartedAt: time.Now().UTC()},
			{ID: "run-2", FlowName: "billing-flow", Status: schema.RunStatusFailed, StartedAt: time.Now().UTC()},
		},
	}
	s := newTestServer(t, ms)

	req := buildRequest("weft.history", map[string]any{
		"resource": "runs",
		"filter":   map[string]any{"status": "FAILED"},
	})
	result, err := s.handleHistory(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	payload := resultPayload(t, result)
	runs, ok := payload["runs"].([]any)
	require.True(t, ok)
	require.Len(t, runs, 1)
}

func TestHistoryTool_NodesRequireExecutionID(t *testing.T) {
	s := newTestServer(t, &mockStore{})

	req := buildRequest("weft.history", map[string]any{
		"resource": "nodes",
		"filter":   map[string]any{},
	})
	result, err := s.handleHistory(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHistoryTool_Events(t *testing.T) {
	ms := &mockStore{
		events: []*store.RunEvent{
			{ExecutionID: "run-1", Type: schema.EventRunStarted, Sequence: 1},
			{ExecutionID: "run-1", Type: schema.EventRunSucceeded, Sequence: 2},
			{ExecutionID: "run-2", Type: schema.EventRunStarted, Sequence: 1},
		},
	}
	s := newTestServer(t, ms)

	req := buildRequest("weft.history", map[string]any{
		"resource": "events",
		"filter":   map[string]any{"execution_id": "run-1", "since_sequence": float64(1)},
	})
	result, err := s.handleHistory(context.Background(), req)
	require.NoError(t, err)

	payload := resultPayload(t, result)
	events, ok := payload["events"].([]any)
	require.True(t, ok)
	require.Len(t, events, 1)
}

func TestHistoryTool_UnknownResource(t *testing.T) {
	s := newTestServer(t, &mockStore{})

	req := buildRequest("weft.history", map[string]any{"resource": "galaxies"})
	result, err := s.handleHistory(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHistoryTool_NoStore(t *testing.T) {
	s := newTestServer(t, nil)

	req := buildRequest("weft.history", map[string]any{"resource": "runs"})
	result, err := s.handleHistory(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

// --- helpers ---

func TestExtractInt(t *testing.T) {
	assert.Equal(t, 7, extractInt(map[string]any{"n": float64(7)}, "n", 1))
	assert.Equal(t, 7, extractInt(map[string]any{"n": 7}, "n", 1))
	assert.Equal(t, 7, extractInt(map[string]any{"n": "7"}, "n", 1))
	assert.Equal(t, 1, extractInt(map[string]any{"n": "seven"}, "n", 1))
	assert.Equal(t, 1, extractInt(map[string]any{}, "n", 1))
	assert.Equal(t, 1, extractInt(nil, "n", 1))
}

func TestParseDefinition(t *testing.T) {
	req := buildRequest("weft.validate", map[string]any{"definition": flowArgs()})
	def, err := parseDefinition(req)
	require.NoError(t, err)
	require.Len(t, def.Nodes, 2)
	assert.Equal(t, "start", def.Nodes[0].ID)

	_, err = parseDefinition(buildRequest("weft.validate", map[string]any{}))
	require.Error(t, err)
}
