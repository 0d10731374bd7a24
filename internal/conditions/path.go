package conditions

import (
	"strings"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/okonma/weft/pkg/schema"
)

// PathEngine resolves dotted field paths ("score", "user.address.city")
// against a JSON-shaped object using gojq.
// Thread-safe: compiled *gojq.Code objects are cached and reused across goroutines.
type PathEngine struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewPathEngine creates a new path lookup engine.
func NewPathEngine() *PathEngine {
	return &PathEngine{
		cache: make(map[string]*gojq.Code),
	}
}

// Lookup resolves field against data. The second return value reports
// whether the path resolved to a non-null value; null and missing keys are
// both treated as absent, matching jq's index semantics.
func (e *PathEngine) Lookup(data map[string]any, field string) (any, bool, error) {
	if field == "" {
		return nil, false, schema.NewError(schema.ErrCodeValidation, "empty condition field path")
	}

	code, err := e.getOrCompile(field)
	if err != nil {
		return nil, false, err
	}

	var input any = data
	if data == nil {
		input = map[string]any{}
	}

	iter := code.Run(input)
	val, ok := iter.Next()
	if !ok {
		return nil, false, nil
	}
	if jqErr, isErr := val.(error); isErr {
		return nil, false, schema.NewErrorf(schema.ErrCodeExecution,
			"field lookup failed for %q: %s", field, jqErr.Error()).WithCause(jqErr)
	}
	return val, val != nil, nil
}

func (e *PathEngine) getOrCompile(field string) (*gojq.Code, error) {
	e.mu.RLock()
	if code, ok := e.cache[field]; ok {
		e.mu.RUnlock()
		return code, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if code, ok := e.cache[field]; ok {
		return code, nil
	}

	query, err := gojq.Parse(pathQuery(field))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid condition field path %q: %s", field, err.Error()).WithCause(err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"compile field path %q: %s", field, err.Error()).WithCause(err)
	}

	e.cache[field] = code
	return code, nil
}

// pathQuery converts a dotted path to a jq index chain: "a.b" → `.["a"]["b"]`.
// Bracket indexing keeps segments with non-identifier characters working.
func pathQuery(field string) string {
	var b strings.Builder
	b.WriteString(".")
	for _, seg := range strings.Split(field, ".") {
		b.WriteString(`["`)
		b.WriteString(strings.ReplaceAll(seg, `"`, `\"`))
		b.WriteString(`"]?`)
	}
	return b.String()
}
