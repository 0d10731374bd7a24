package engine

import (
	"context"
	"fmt"

	"github.com/okonma/weft/internal/conditions"
	"github.com/okonma/weft/pkg/schema"
)

// Verdict is the materializer's decision for one node: either the node is
// ready with an assembled input, or it must be skipped with a reason.
type Verdict struct {
	Ready      bool
	SkipReason string
	Input      map[string]any
}

// Materializer decides node eligibility and assembles node input from the
// settled upstream results. Readiness is strict AND: every incoming edge must
// be satisfied. The input shape depends on in-degree:
//
//	0 edges → empty map
//	1 edge  → the single contribution, verbatim
//	N edges → {"branches": {sourceID: contribution, ...}}
//
// A failed upstream satisfies only error-edges, which contribute the failure
// descriptor instead of an output. A condition evaluation error closes the
// gate (skip) rather than failing the run: a malformed condition on one
// branch must not take down sibling branches.
type Materializer struct {
	conditions *conditions.Evaluator
}

// NewMaterializer creates a Materializer using the given condition evaluator.
func NewMaterializer(evaluator *conditions.Evaluator) *Materializer {
	return &Materializer{conditions: evaluator}
}

// Materialize computes the verdict for a node given the current run state.
func (m *Materializer) Materialize(ctx context.Context, g *Graph, nodeID string, state *ExecutionState, params map[string]any) (*Verdict, error) {
	incoming := g.In[nodeID]
	if len(incoming) == 0 {
		return &Verdict{Ready: true, Input: map[string]any{}}, nil
	}

	contributions := make(map[string]any, len(incoming))
	order := make([]string, 0, len(incoming))

	for _, edge := range incoming {
		contribution, skipReason, err := m.evaluateEdge(ctx, edge, state, params)
		if err != nil {
			return nil, err
		}
		if skipReason != "" {
			return &Verdict{SkipReason: skipReason}, nil
		}
		if _, seen := contributions[edge.From]; !seen {
			order = append(order, edge.From)
		}
		contributions[edge.From] = contribution
	}

	if len(incoming) == 1 {
		input, _ := contributions[order[0]].(map[string]any)
		if input == nil {
			input = map[string]any{}
		}
		return &Verdict{Ready: true, Input: input}, nil
	}

	branches := make(map[string]any, len(contributions))
	for src, c := range contributions {
		branches[src] = c
	}
	return &Verdict{Ready: true, Input: map[string]any{"branches": branches}}, nil
}

// evaluateEdge returns the edge's contribution when satisfied, or a non-empty
// skip reason when the edge blocks the target.
func (m *Materializer) evaluateEdge(ctx context.Context, edge schema.EdgeDefinition, state *ExecutionState, params map[string]any) (map[string]any, string, error) {
	result, ok := state.Result(edge.From)
	if !ok {
		// Layering guarantees upstream settled before downstream runs.
		return nil, "", schema.NewErrorf(schema.ErrCodeInternal,
			"upstream node %s has no settled result", edge.From)
	}

	switch result.Status {
	case schema.NodeStatusSkipped:
		return nil, fmt.Sprintf("upstream node %s was skipped", edge.From), nil

	case schema.NodeStatusFailed:
		if edge.EdgeType != schema.EdgeTypeError {
			return nil, fmt.Sprintf("upstream node %s failed", edge.From), nil
		}
		return errorContribution(result), "", nil

	case schema.NodeStatusSuccess:
		if edge.EdgeType == schema.EdgeTypeError {
			return nil, fmt.Sprintf("error edge from %s not taken: source succeeded", edge.From), nil
		}
		if edge.EdgeType == schema.EdgeTypeCondition {
			scope := &conditions.Scope{
				Params:   params,
				SourceID: edge.From,
				Source:   result.Output,
				Outputs:  state.Outputs(),
			}
			satisfied, err := m.conditions.Evaluate(ctx, edge.Condition, scope)
			if err != nil {
				return nil, fmt.Sprintf("condition on edge %s -> %s could not be evaluated: %v",
					edge.From, edge.To, err), nil
			}
			if !satisfied {
				return nil, fmt.Sprintf("condition on edge %s -> %s evaluated to false",
					edge.From, edge.To), nil
			}
		}
		output := result.Output
		if output == nil {
			output = map[string]any{}
		}
		return output, "", nil

	default:
		return nil, "", schema.NewErrorf(schema.ErrCodeInternal,
			"upstream node %s in non-terminal state %s", edge.From, result.Status)
	}
}

// errorContribution is the input shape delivered along an error-edge: the
// failure descriptor of the failed source, for the recovery branch to inspect.
func errorContribution(result *schema.NodeResult) map[string]any {
	return map[string]any{
		"error": map[string]any{
			"message":  result.ErrorMessage,
			"category": string(result.FailureCategory),
			"code":     result.FailureCode,
		},
	}
}
