package engine

import (
	"github.com/okonma/weft/internal/executors"
	"github.com/okonma/weft/pkg/schema"
)

// Registry dispatches a node to the first executor in declared precedence
// order whose Supports predicate matches. Order is explicit and correctness
// sensitive: broad wildcard matchers (any "*-trigger") must be declared
// after every specific executor they would otherwise shadow. The registry
// always appends a total passthrough fallback, so Resolve never fails.
type Registry struct {
	precedence []executors.NodeExecutor
}

// NewRegistry builds a registry from the given precedence list. The
// passthrough fallback is appended unconditionally; callers never need to
// include it.
func NewRegistry(ordered ...executors.NodeExecutor) *Registry {
	precedence := make([]executors.NodeExecutor, 0, len(ordered)+1)
	precedence = append(precedence, ordered...)
	precedence = append(precedence, executors.Passthrough{})
	return &Registry{precedence: precedence}
}

// DefaultRegistry builds a registry over the built-in precedence table.
func DefaultRegistry() *Registry {
	return NewRegistry(executors.DefaultPrecedence()...)
}

// Resolve returns the executor handling the node. The passthrough fallback
// guarantees a non-nil result for every node.
func (r *Registry) Resolve(node *schema.NodeDefinition) executors.NodeExecutor {
	for _, exec := range r.precedence {
		if exec.Supports(node) {
			return exec
		}
	}
	// Unreachable: the fallback matches everything.
	return r.precedence[len(r.precedence)-1]
}

// Precedence returns the declared dispatch order by executor name.
func (r *Registry) Precedence() []string {
	names := make([]string, len(r.precedence))
	for i, exec := range r.precedence {
		names[i] = exec.Name()
	}
	return names
}
