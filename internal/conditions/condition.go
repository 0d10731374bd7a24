package conditions

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/okonma/weft/pkg/schema"
)

// Scope is the data a condition is evaluated against: the source node's
// output, the run's parameter snapshot, and all settled outputs (for
// cross-node template references).
type Scope struct {
	Params   map[string]any
	SourceID string
	Source   map[string]any
	Outputs  map[string]map[string]any
}

// Evaluator evaluates condition-edge expressions. A condition may be:
//   - a literal bool;
//   - a structured {field, operator, value} object;
//   - a "cel:"-prefixed CEL expression;
//   - a template string with {{params.x}} / {{nodeId.field}} placeholders,
//     compared with ==, !=, >, >=, <, <= — or coerced to a boolean by
//     truthiness of the parsed literal when no comparator is present.
type Evaluator struct {
	expr *ExprEngine
	cel  *CELEngine
	path *PathEngine
}

// NewEvaluator creates an Evaluator with all three engines ready.
func NewEvaluator() (*Evaluator, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Evaluator{
		expr: NewExprEngine(),
		cel:  celEngine,
		path: NewPathEngine(),
	}, nil
}

// Evaluate returns whether the condition holds. A nil condition is always
// true (the edge degenerates to a plain dependency).
func (ev *Evaluator) Evaluate(ctx context.Context, condition any, scope *Scope) (bool, error) {
	if scope == nil {
		scope = &Scope{}
	}

	switch c := condition.(type) {
	case nil:
		return true, nil
	case bool:
		return c, nil
	case map[string]any:
		return ev.evalStructured(c, scope)
	case string:
		if rest, ok := strings.CutPrefix(c, "cel:"); ok {
			out, err := ev.cel.Evaluate(ctx, strings.TrimSpace(rest), map[string]any{
				"params": scope.Params,
				"source": scope.Source,
				"nodes":  outputsAsAny(scope.Outputs),
			})
			if err != nil {
				return false, err
			}
			return truthy(out), nil
		}
		return ev.evalTemplate(ctx, c, scope)
	default:
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"unsupported condition type %T", condition)
	}
}

// --- structured conditions ---

func (ev *Evaluator) evalStructured(c map[string]any, scope *Scope) (bool, error) {
	field, _ := c["field"].(string)
	operator, _ := c["operator"].(string)
	expected := c["value"]

	if operator == "" {
		return false, schema.NewError(schema.ErrCodeValidation, "structured condition missing operator")
	}

	actual, found, err := ev.path.Lookup(scope.Source, field)
	if err != nil {
		return false, err
	}

	switch operator {
	case "exists":
		return found, nil
	case "not_exists":
		return !found, nil
	case "eq":
		return valuesEqual(actual, expected), nil
	case "neq":
		return !valuesEqual(actual, expected), nil
	case "gt", "gte", "lt", "lte":
		left, lok := asNumber(actual)
		right, rok := asNumber(expected)
		if !lok || !rok {
			return false, schema.NewErrorf(schema.ErrCodeValidation,
				"operator %q requires numeric operands, got %T and %T", operator, actual, expected)
		}
		switch operator {
		case "gt":
			return left > right, nil
		case "gte":
			return left >= right, nil
		case "lt":
			return left < right, nil
		default:
			return left <= right, nil
		}
	case "in":
		return contains(expected, actual)
	case "not_in":
		ok, err := contains(expected, actual)
		return !ok, err
	default:
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown condition operator %q", operator)
	}
}

// contains implements the in/not_in membership check: array haystacks test
// element equality, string haystacks test substring containment.
func contains(haystack, needle any) (bool, error) {
	switch h := haystack.(type) {
	case []any:
		for _, item := range h {
			if valuesEqual(item, needle) {
				return true, nil
			}
		}
		return false, nil
	case string:
		s, ok := needle.(string)
		if !ok {
			return false, schema.NewErrorf(schema.ErrCodeValidation,
				"string membership requires a string operand, got %T", needle)
		}
		return strings.Contains(h, s), nil
	default:
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"in/not_in requires an array or string value, got %T", haystack)
	}
}

// --- template conditions ---

var placeholderRe = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// comparators in detection order; two-char operators first so ">=" is not
// seen as ">".
var comparators = []string{"==", "!=", ">=", "<=", ">", "<"}

func (ev *Evaluator) evalTemplate(ctx context.Context, tmpl string, scope *Scope) (bool, error) {
	substituted, err := ev.substitute(tmpl, scope)
	if err != nil {
		return false, err
	}

	if hasComparator(substituted) {
		out, evalErr := ev.expr.Evaluate(ctx, substituted, nil)
		if evalErr != nil {
			return false, evalErr
		}
		return truthy(out), nil
	}

	return literalTruthy(strings.TrimSpace(substituted)), nil
}

// substitute replaces each {{ref}} with a literal the expression engine can
// compare. References resolve as {{params.x}} against the param snapshot or
// {{nodeId.field}} against a settled node's output.
func (ev *Evaluator) substitute(tmpl string, scope *Scope) (string, error) {
	var resolveErr error
	out := placeholderRe.ReplaceAllStringFunc(tmpl, func(match string) string {
		ref := strings.TrimSpace(placeholderRe.FindStringSubmatch(match)[1])
		val, err := ev.resolveRef(ref, scope)
		if err != nil && resolveErr == nil {
			resolveErr = err
		}
		return literalize(val)
	})
	return out, resolveErr
}

func (ev *Evaluator) resolveRef(ref string, scope *Scope) (any, error) {
	root, rest, _ := strings.Cut(ref, ".")

	var base map[string]any
	switch {
	case root == "params":
		base = scope.Params
	case root == scope.SourceID && scope.Source != nil:
		base = scope.Source
	default:
		outputs, ok := scope.Outputs[root]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"template reference %q: no output recorded for %q", ref, root)
		}
		base = outputs
	}

	if rest == "" {
		return base, nil
	}
	val, _, err := ev.path.Lookup(base, rest)
	return val, err
}

// literalize renders a resolved value as an expression-language literal.
// Composite values are rendered as their quoted JSON encoding, so equality
// comparisons on objects still work.
func literalize(val any) string {
	switch v := val.(type) {
	case nil:
		return "nil"
	case bool:
		return strconv.FormatBool(v)
	case string:
		return strconv.Quote(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return strconv.Quote(fmt.Sprintf("%v", v))
		}
		return strconv.Quote(string(raw))
	}
}

func hasComparator(s string) bool {
	for _, op := range comparators {
		if strings.Contains(s, op) {
			return true
		}
	}
	return false
}

// truthy coerces an evaluation result to a boolean.
func truthy(val any) bool {
	switch v := val.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != "" && !strings.EqualFold(v, "false")
	case float64:
		return v != 0
	case int:
		return v != 0
	case int64:
		return v != 0
	case uint64:
		return v != 0
	default:
		return true
	}
}

// literalTruthy parses a substituted template with no comparator as a JSON
// literal and coerces it to a boolean.
func literalTruthy(s string) bool {
	if s == "" {
		return false
	}
	var parsed any
	if err := json.Unmarshal([]byte(s), &parsed); err == nil {
		return truthy(parsed)
	}
	// Bare unquoted word: expr-quoted strings land here after substitution.
	unquoted, err := strconv.Unquote(s)
	if err == nil {
		return truthy(unquoted)
	}
	return !strings.EqualFold(s, "false") && s != "null" && s != "0"
}

func outputsAsAny(outputs map[string]map[string]any) map[string]any {
	m := make(map[string]any, len(outputs))
	for k, v := range outputs {
		m[k] = v
	}
	return m
}

func asNumber(val any) (float64, bool) {
	switch v := val.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// valuesEqual compares two JSON-shaped values, normalizing numeric types.
func valuesEqual(a, b any) bool {
	if na, ok := asNumber(a); ok {
		if nb, ok := asNumber(b); ok {
			return na == nb
		}
		return false
	}
	switch av := a.(type) {
	case nil:
		return b == nil
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	default:
		ra, errA := json.Marshal(a)
		rb, errB := json.Marshal(b)
		return errA == nil && errB == nil && string(ra) == string(rb)
	}
}
