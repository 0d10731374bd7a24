package conditions

import "context"

// Engine evaluates a string expression against a data environment.
// Two implementations: Expr (template comparisons) and CEL ("cel:" guards).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
