package executors

import (
	"context"

	"github.com/okonma/weft/pkg/schema"
)

// Result statuses an executor may report. An empty status means success.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Context carries everything an executor may need for one node attempt.
// Input is the materialized upstream output (possibly post-processed by an
// injected input resolver); Params is the immutable snapshot of the run's
// trigger parameters.
type Context struct {
	ExecutionID   string
	TriggerUserID string
	Node          *schema.NodeDefinition
	Input         map[string]any
	Params        map[string]any
}

// Result is what an executor returns on a completed attempt. A nil Result
// with a nil error is treated as success with an empty output. Status
// StatusFailed turns the attempt into an executor failure carrying Message.
type Result struct {
	Status  string         `json:"status,omitempty"`
	Output  map[string]any `json:"output,omitempty"`
	Message string         `json:"message,omitempty"`
}

// NodeExecutor handles a class of node types. Supports is a capability
// predicate; dispatch picks the first executor in declared precedence order
// whose predicate matches.
type NodeExecutor interface {
	Name() string
	Supports(node *schema.NodeDefinition) bool
	Execute(ctx context.Context, ec *Context) (*Result, error)
}
