package mcp

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/okonma/weft/internal/engine"
	"github.com/okonma/weft/internal/store"
	"github.com/okonma/weft/pkg/schema"
)

// handleRun executes an inline flow definition.
func (s *WeftServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	def, err := parseDefinition(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if s.validator != nil {
		if valErr := s.validator.ValidateDefinition(def); valErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", valErr)), nil
		}
	}

	params := mcp.ParseStringMap(req, "params", nil)
	triggerUserID := req.GetString("trigger_user_id", "")

	opts := engine.RunOptions{
		ExecutionID:   uuid.NewString(),
		TriggerUserID: triggerUserID,
		Params:        params,
	}

	if s.recorder != nil {
		if beginErr := s.recorder.BeginRun(ctx, opts.ExecutionID, def.Name, triggerUserID, params); beginErr != nil {
			s.logger.Warn("failed to record run start", "error", beginErr)
		}
	}

	result, runErr := s.coordinator.Execute(ctx, def, opts)
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("flow execution failed: %v", runErr)), nil
	}

	if s.recorder != nil {
		if doneErr := s.recorder.CompleteRun(ctx, result); doneErr != nil {
			s.logger.Warn("failed to record run completion", "error", doneErr)
		}
	}

	return marshalResult(result)
}

// handleValidate checks a flow definition without running it: JSON Schema,
// structural rules, and DAG layering (cycle detection).
func (s *WeftServer) handleValidate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	def, err := parseDefinition(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if s.validator != nil {
		if valErr := s.validator.ValidateDefinition(def); valErr != nil {
			return marshalResult(map[string]any{
				"valid": false,
				"error": valErr.Error(),
			})
		}
	}

	graph, buildErr := engine.BuildGraph(def)
	if buildErr != nil {
		return marshalResult(map[string]any{
			"valid": false,
			"error": buildErr.Error(),
		})
	}

	return marshalResult(map[string]any{
		"valid":  true,
		"nodes":  len(graph.Nodes),
		"layers": graph.Layers,
	})
}

// handleHistory queries runs, node executions, or events.
func (s *WeftServer) handleHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.store == nil {
		return mcp.NewToolResultError("no store configured; history is unavailable"), nil
	}

	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}
	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "runs":
		return s.queryRuns(ctx, filter)
	case "nodes":
		return s.queryNodes(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// --- Query helpers ---

func (s *WeftServer) queryRuns(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	rf := store.RunFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if status, ok := filter["status"].(string); ok {
		rf.Status = status
	}
	if flowName, ok := filter["flow_name"].(string); ok {
		rf.FlowName = flowName
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if t, parseErr := time.Parse(time.RFC3339, since); parseErr == nil {
			rf.Since = &t
		}
	}

	runs, err := s.store.ListRuns(ctx, rf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"runs": runs})
}

func (s *WeftServer) queryNodes(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	executionID, ok := filter["execution_id"].(string)
	if !ok || executionID == "" {
		return mcp.NewToolResultError("node query requires 'execution_id' in filter"), nil
	}

	records, err := s.store.ListNodeExecutions(ctx, executionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"node_executions": records})
}

func (s *WeftServer) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	executionID, ok := filter["execution_id"].(string)
	if !ok || executionID == "" {
		return mcp.NewToolResultError("event query requires 'execution_id' in filter"), nil
	}

	since := int64(extractInt(filter, "since_sequence", 0))
	events, err := s.store.GetEvents(ctx, executionID, since)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"events": events})
}

// --- Internal helpers ---

// parseDefinition decodes the "definition" argument into a FlowDefinition.
func parseDefinition(req mcp.CallToolRequest) (*schema.FlowDefinition, error) {
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return nil, fmt.Errorf("definition is required")
	}

	defBytes, err := json.Marshal(defRaw)
	if err != nil {
		return nil, fmt.Errorf("invalid definition: %v", err)
	}
	var def schema.FlowDefinition
	if err := json.Unmarshal(defBytes, &def); err != nil {
		return nil, fmt.Errorf("invalid definition: %v", err)
	}
	return &def, nil
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
