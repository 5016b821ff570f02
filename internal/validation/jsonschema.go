package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/conduit/pkg/schema"
)

// definitionSchemaJSON is the JSON Schema for WorkflowDefinition documents.
// Embedded as a constant to avoid filesystem dependencies.
const definitionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://conduit.dev/schemas/definition.json",
  "type": "object",
  "required": ["id", "version", "entry", "nodes"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "version": { "type": "string", "minLength": 1 },
    "entry": { "type": "string", "minLength": 1 },
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/node" }
    },
    "routes": {
      "type": "object",
      "additionalProperties": {
        "type": "array",
        "items": { "$ref": "#/$defs/edge" }
      }
    },
    "metadata": { "type": "object" }
  },
  "additionalProperties": false,
  "$defs": {
    "node": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": { "type": "string", "minLength": 1 },
        "kind": {
          "type": "string",
          "enum": ["activity", "checkpoint", "fan_out", "fan_in", "terminal"]
        },
        "role": { "type": "string" },
        "retry": { "$ref": "#/$defs/retry" },
        "checkpoint": { "$ref": "#/$defs/checkpoint" },
        "fan_in": { "$ref": "#/$defs/fan_in" },
        "distribution": { "$ref": "#/$defs/distribution" }
      },
      "additionalProperties": false
    },
    "edge": {
      "type": "object",
      "properties": {
        "target": { "type": "string" },
        "targets": {
          "type": "array",
          "minItems": 1,
          "items": { "type": "string" }
        },
        "guard": { "type": "string" },
        "transform": { "type": "string" },
        "feedback": { "type": "boolean" }
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "required": ["max_attempts"],
      "properties": {
        "max_attempts": { "type": "integer", "minimum": 1 },
        "initial_interval": { "$ref": "#/$defs/duration" },
        "multiplier": { "type": "number", "exclusiveMinimum": 0 },
        "timeout": { "$ref": "#/$defs/duration" }
      },
      "additionalProperties": false
    },
    "checkpoint": {
      "type": "object",
      "properties": {
        "deadline": { "$ref": "#/$defs/duration" },
        "escalation": {
          "type": "string",
          "enum": ["auto_approve", "auto_reject", "page"]
        }
      },
      "additionalProperties": false
    },
    "fan_in": {
      "type": "object",
      "required": ["predecessors"],
      "properties": {
        "predecessors": {
          "type": "array",
          "minItems": 1,
          "items": { "type": "string" }
        },
        "fail_fast": { "type": "boolean" }
      },
      "additionalProperties": false
    },
    "distribution": {
      "type": "object",
      "required": ["targets"],
      "properties": {
        "targets": {
          "type": "array",
          "minItems": 1,
          "items": {
            "type": "object",
            "required": ["kind"],
            "properties": {
              "kind": { "type": "string", "minLength": 1 },
              "name": { "type": "string" },
              "endpoint": { "type": "string" },
              "credentials_ref": { "type": "string" }
            },
            "additionalProperties": false
          }
        }
      },
      "additionalProperties": false
    },
    "duration": {
      "type": "string",
      "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
    }
  }
}`

// JSONSchemaValidator validates definition documents and instance inputs
// against JSON Schema Draft 2020-12. Safe for concurrent use.
type JSONSchemaValidator struct {
	definitionSchema *jsonschema.Schema

	// mu guards the cache for dynamically compiled input schemas.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a validator with the definition schema
// pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(definitionSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal definition schema: %w", err)
	}
	if err := c.AddResource("https://conduit.dev/schemas/definition.json", doc); err != nil {
		return nil, fmt.Errorf("add definition schema resource: %w", err)
	}
	compiled, err := c.Compile("https://conduit.dev/schemas/definition.json")
	if err != nil {
		return nil, fmt.Errorf("compile definition schema: %w", err)
	}

	return &JSONSchemaValidator{
		definitionSchema: compiled,
		cache:            make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDefinition checks a WorkflowDefinition document against the
// embedded JSON Schema. Graph-level semantics are the pipeline's later
// stages; this stage only rejects malformed documents.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize definition").WithCause(err)
	}
	if err := v.definitionSchema.Validate(doc); err != nil {
		return toEngineError(err)
	}
	return nil
}

// ValidateInput validates instance input against a caller-supplied JSON
// Schema. The compiled schema is cached for subsequent calls.
func (v *JSONSchemaValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	if len(inputSchema) == 0 {
		return nil // no schema means no validation needed
	}
	compiled, err := v.getOrCompile(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}
	doc, err := toJSONValue(input)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize input").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toEngineError(err)
	}
	return nil
}

func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid compiler collisions.
	url := fmt.Sprintf("conduit://input-schema/%d", len(v.cache))
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// toJSONValue round-trips a Go value through JSON so numbers become
// json.Number, which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

func toEngineError(err error) *schema.EngineError {
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

// collectViolations walks a ValidationError tree and collects leaf messages
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
