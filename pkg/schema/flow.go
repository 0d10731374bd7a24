package schema

// FlowDefinition is the JSON-serializable workflow format consumed by the
// engine: a set of typed nodes connected by directed edges, plus optional
// flow-level runtime defaults.
type FlowDefinition struct {
	Name      string           `json:"name,omitempty"`
	Nodes     []NodeDefinition `json:"nodes"`
	Edges     []EdgeDefinition `json:"edges,omitempty"`
	RunPolicy *RunPolicy       `json:"runPolicy,omitempty"`
	Metadata  map[string]any   `json:"metadata,omitempty"`
}

// NodeDefinition describes a single node in a flow. The Type selects which
// executor handles the node; Config is an opaque bag interpreted by that
// executor (and optionally validated against a registered config schema).
type NodeDefinition struct {
	ID            string         `json:"id"`
	Name          string         `json:"name,omitempty"`
	Type          string         `json:"type"`
	Config        map[string]any `json:"config,omitempty"`
	RuntimePolicy *RuntimePolicy `json:"runtimePolicy,omitempty"`
}

// EdgeType distinguishes plain dependency edges from gated ones.
type EdgeType string

const (
	// EdgeTypePlain is an ordinary dependency edge.
	EdgeTypePlain EdgeType = ""
	// EdgeTypeCondition gates traversal on a condition evaluated against the
	// source node's output.
	EdgeTypeCondition EdgeType = "condition-edge"
	// EdgeTypeError is traversed only when the source node FAILED; it forms
	// the recovery branch preserved by ROUTE_TO_ERROR skip propagation.
	EdgeTypeError EdgeType = "error-edge"
)

// EdgeDefinition connects two nodes. Condition is only meaningful on
// condition-edges and may be a bool literal, a {field, operator, value}
// object, or a template/expression string.
type EdgeDefinition struct {
	From      string   `json:"from"`
	To        string   `json:"to"`
	EdgeType  EdgeType `json:"edgeType,omitempty"`
	Condition any      `json:"condition,omitempty"`
}

// ErrorPolicy selects how a node failure affects the rest of the run.
type ErrorPolicy string

const (
	// ErrorPolicyFailFast aborts the entire run on the first failure.
	ErrorPolicyFailFast ErrorPolicy = "FAIL_FAST"
	// ErrorPolicyContinue absorbs the failure as a soft failure and proceeds.
	ErrorPolicyContinue ErrorPolicy = "CONTINUE"
	// ErrorPolicyRouteToError absorbs the failure and skips all transitive
	// descendants except those reached through error-edges.
	ErrorPolicyRouteToError ErrorPolicy = "ROUTE_TO_ERROR"
)

// RuntimePolicy is the per-node timeout/retry/error configuration as written
// in the DSL. Fields are pointers so that "unset" is distinguishable from an
// explicit zero during layered resolution.
type RuntimePolicy struct {
	TimeoutMs      *int        `json:"timeoutMs,omitempty"`
	RetryCount     *int        `json:"retryCount,omitempty"`
	RetryBackoffMs *int        `json:"retryBackoffMs,omitempty"`
	OnError        ErrorPolicy `json:"onError,omitempty"`
}

// RunPolicy holds flow-level runtime defaults, keyed by node type.
type RunPolicy struct {
	NodeDefaults map[string]RuntimePolicy `json:"nodeDefaults,omitempty"`
}
