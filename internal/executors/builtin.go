package executors

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/okonma/weft/pkg/schema"
)

// Built-in executors. These are deliberately thin: concrete business
// executors (rule packs, scoring, connectors) are external collaborators
// registered by the host. The built-ins cover trigger entry points, simple
// data plumbing, and the total passthrough fallback.

// ManualTrigger handles nodes of type "manual-trigger". Its output is the
// run's parameter snapshot, so downstream nodes can reference trigger data.
type ManualTrigger struct{}

func (ManualTrigger) Name() string { return "manual-trigger" }

func (ManualTrigger) Supports(node *schema.NodeDefinition) bool {
	return node.Type == "manual-trigger"
}

func (ManualTrigger) Execute(_ context.Context, ec *Context) (*Result, error) {
	return &Result{Output: ec.Params}, nil
}

// ScheduleTrigger handles nodes of type "schedule-trigger". The scheduler
// fires runs for these; at execution time the node just emits the trigger
// moment alongside the params.
type ScheduleTrigger struct{}

func (ScheduleTrigger) Name() string { return "schedule-trigger" }

func (ScheduleTrigger) Supports(node *schema.NodeDefinition) bool {
	return node.Type == "schedule-trigger"
}

func (ScheduleTrigger) Execute(_ context.Context, ec *Context) (*Result, error) {
	out := map[string]any{"firedAt": time.Now().UTC().Format(time.RFC3339)}
	for k, v := range ec.Params {
		out[k] = v
	}
	return &Result{Output: out}, nil
}

// GenericTrigger matches any "*-trigger" node type. It MUST stay ordered
// after every specific trigger executor in the precedence table, otherwise
// it shadows them.
type GenericTrigger struct{}

func (GenericTrigger) Name() string { return "generic-trigger" }

func (GenericTrigger) Supports(node *schema.NodeDefinition) bool {
	return strings.HasSuffix(node.Type, "-trigger")
}

func (GenericTrigger) Execute(_ context.Context, ec *Context) (*Result, error) {
	return &Result{Output: ec.Params}, nil
}

// Merge handles nodes of type "merge". It consumes the branch aggregate
// shape produced by the materializer for multi-upstream nodes and flattens
// it into one output object. Later branches win on key collision, in
// lexicographic source order.
type Merge struct{}

func (Merge) Name() string { return "merge" }

func (Merge) Supports(node *schema.NodeDefinition) bool {
	return node.Type == "merge"
}

func (Merge) Execute(_ context.Context, ec *Context) (*Result, error) {
	branches, ok := ec.Input["branches"].(map[string]any)
	if !ok {
		// Single-upstream merge degenerates to passthrough.
		return &Result{Output: ec.Input}, nil
	}
	ids := make([]string, 0, len(branches))
	for id := range branches {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make(map[string]any)
	for _, id := range ids {
		branch, ok := branches[id].(map[string]any)
		if !ok {
			out[id] = branches[id]
			continue
		}
		for k, v := range branch {
			out[k] = v
		}
	}
	return &Result{Output: out}, nil
}

// Delay handles nodes of type "delay", sleeping for config.delayMs before
// passing its input through. Respects cancellation.
type Delay struct{}

func (Delay) Name() string { return "delay" }

func (Delay) Supports(node *schema.NodeDefinition) bool {
	return node.Type == "delay"
}

func (Delay) Execute(ctx context.Context, ec *Context) (*Result, error) {
	ms := intConfig(ec.Node.Config, "delayMs", 0)
	if ms > 0 {
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &Result{Output: ec.Input}, nil
}

// Set handles nodes of type "set": it emits config.values as its output,
// merged over its input.
type Set struct{}

func (Set) Name() string { return "set" }

func (Set) Supports(node *schema.NodeDefinition) bool {
	return node.Type == "set"
}

func (Set) Execute(_ context.Context, ec *Context) (*Result, error) {
	out := make(map[string]any, len(ec.Input))
	for k, v := range ec.Input {
		out[k] = v
	}
	if values, ok := ec.Node.Config["values"].(map[string]any); ok {
		for k, v := range values {
			out[k] = v
		}
	}
	return &Result{Output: out}, nil
}

// Passthrough matches every node and forwards its input unchanged. It is the
// total fallback that guarantees dispatch never fails; the registry appends
// it last.
type Passthrough struct{}

func (Passthrough) Name() string { return "passthrough" }

func (Passthrough) Supports(_ *schema.NodeDefinition) bool { return true }

func (Passthrough) Execute(_ context.Context, ec *Context) (*Result, error) {
	return &Result{Output: ec.Input}, nil
}

func intConfig(config map[string]any, key string, fallback int) int {
	switch v := config[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}
