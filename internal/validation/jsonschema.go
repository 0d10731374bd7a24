package validation

import (
	"fmt"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/okonma/weft/pkg/schema"
)

// flowSchemaJSON is the JSON Schema for FlowDefinition validation. Embedded
// as a constant to avoid filesystem dependencies.
const flowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://weft.dev/schemas/flow.json",
  "type": "object",
  "required": ["nodes"],
  "properties": {
    "name": { "type": "string" },
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/node" }
    },
    "edges": {
      "type": "array",
      "items": { "$ref": "#/$defs/edge" }
    },
    "runPolicy": {
      "type": "object",
      "properties": {
        "nodeDefaults": {
          "type": "object",
          "additionalProperties": { "$ref": "#/$defs/runtimePolicy" }
        }
      },
      "additionalProperties": false
    },
    "metadata": { "type": "object" }
  },
  "additionalProperties": false,
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "name": { "type": "string" },
        "type": { "type": "string", "minLength": 1 },
        "config": { "type": "object" },
        "runtimePolicy": { "$ref": "#/$defs/runtimePolicy" }
      },
      "additionalProperties": false
    },
    "edge": {
      "type": "object",
      "required": ["from", "to"],
      "properties": {
        "from": { "type": "string", "minLength": 1 },
        "to": { "type": "string", "minLength": 1 },
        "edgeType": {
          "type": "string",
          "enum": ["", "condition-edge", "error-edge"]
        },
        "condition": {}
      },
      "additionalProperties": false
    },
    "runtimePolicy": {
      "type": "object",
      "properties": {
        "timeoutMs": { "type": "integer", "minimum": 0 },
        "retryCount": { "type": "integer", "minimum": 0 },
        "retryBackoffMs": { "type": "integer", "minimum": 0 },
        "onError": {
          "type": "string",
          "enum": ["FAIL_FAST", "CONTINUE", "ROUTE_TO_ERROR"]
        }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator validates flow definitions against JSON Schema Draft
// 2020-12, plus per-node-type config schemas registered at runtime. Safe for
// concurrent use.
type JSONSchemaValidator struct {
	flowSchema *jsonschema.Schema

	// mu guards the config schema registry.
	mu            sync.RWMutex
	configSchemas map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a validator with the flow schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(flowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal flow schema: %w", err)
	}
	if err := c.AddResource("https://weft.dev/schemas/flow.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add flow schema resource: %w", err)
	}

	compiled, err := c.Compile("https://weft.dev/schemas/flow.json")
	if err != nil {
		return nil, fmt.Errorf("compile flow schema: %w", err)
	}

	return &JSONSchemaValidator{
		flowSchema:    compiled,
		configSchemas: make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDefinition validates a FlowDefinition against the flow JSON Schema
// and the structural rules the schema cannot express (duplicate node IDs,
// edge endpoints, conditions only on condition-edges).
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.FlowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "flow definition is nil")
	}

	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize flow definition").WithCause(err)
	}
	if err := v.flowSchema.Validate(doc); err != nil {
		return toFlowError(err)
	}

	ids := make(map[string]struct{}, len(def.Nodes))
	for _, node := range def.Nodes {
		if _, exists := ids[node.ID]; exists {
			return schema.NewErrorf(schema.ErrCodeValidation, "duplicate node id %q", node.ID)
		}
		ids[node.ID] = struct{}{}
	}

	for i, edge := range def.Edges {
		if _, ok := ids[edge.From]; !ok {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"edge %d references unknown source node %q", i, edge.From)
		}
		if _, ok := ids[edge.To]; !ok {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"edge %d references unknown target node %q", i, edge.To)
		}
		if edge.Condition != nil && edge.EdgeType != schema.EdgeTypeCondition {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"edge %s -> %s carries a condition but is not a condition-edge", edge.From, edge.To)
		}
	}

	if err := v.validateConfigs(def); err != nil {
		return err
	}

	return nil
}

// RegisterConfigSchema registers a JSON Schema for a node type's config bag.
// Nodes of that type are then validated against it during ValidateDefinition.
func (v *JSONSchemaValidator) RegisterConfigSchema(nodeType string, schemaBytes []byte) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(schemaBytes)))
	if err != nil {
		return fmt.Errorf("unmarshal config schema for %q: %w", nodeType, err)
	}

	url := fmt.Sprintf("weft://config-schema/%s", nodeType)
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return fmt.Errorf("add config schema resource for %q: %w", nodeType, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("compile config schema for %q: %w", nodeType, err)
	}

	v.mu.Lock()
	v.configSchemas[nodeType] = compiled
	v.mu.Unlock()
	return nil
}

// validateConfigs checks each node's config against its type's registered
// schema, when one exists. Unregistered types pass unchecked.
func (v *JSONSchemaValidator) validateConfigs(def *schema.FlowDefinition) error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if len(v.configSchemas) == 0 {
		return nil
	}

	for _, node := range def.Nodes {
		compiled, ok := v.configSchemas[node.Type]
		if !ok {
			continue
		}
		config := node.Config
		if config == nil {
			config = map[string]any{}
		}
		doc, err := toJSONValue(config)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"failed to serialize config of node %q", node.ID).WithCause(err)
		}
		if err := compiled.Validate(doc); err != nil {
			return toFlowError(err).WithNode(node.ID)
		}
	}
	return nil
}

// toJSONValue round-trips a Go value through JSON encoding so numbers become
// json.Number, which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toFlowError converts a jsonschema.ValidationError into a FlowError with
// per-violation messages.
func toFlowError(err error) *schema.FlowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation,
		"validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree, collecting leaf messages
// with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
