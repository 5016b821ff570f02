package validation

import (
	"github.com/rendis/conduit/internal/engine"
	"github.com/rendis/conduit/internal/expressions"
	"github.com/rendis/conduit/pkg/schema"
)

// DefinitionValidator runs the full pipeline over a definition document:
// 1. Structural (JSON Schema)
// 2. Graph construction (duplicate names, unknown targets)
// 3. Semantic (entry, routing exhaustiveness, expression compilation,
//    cycle detection, reachability)
// Publish runs all three; Start re-runs 2 and 3 through the engine.
type DefinitionValidator struct {
	jsonSchema *JSONSchemaValidator
	eval       *expressions.Evaluator
}

// NewDefinitionValidator creates the pipeline.
func NewDefinitionValidator(eval *expressions.Evaluator) (*DefinitionValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &DefinitionValidator{jsonSchema: jsv, eval: eval}, nil
}

// Validate runs the pipeline and returns the aggregated result. Structural
// errors short-circuit: graph and semantic stages need a well-formed
// document.
func (v *DefinitionValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if err := v.jsonSchema.ValidateDefinition(def); err != nil {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}

	g, err := engine.BuildGraph(def)
	if err != nil {
		result.AddError("/", schema.ErrCodeInvalidDefinition, err.Error())
		return result
	}

	result.Merge(engine.Validate(g, v.eval))
	return result
}

// ValidateInput checks instance input against an optional JSON Schema
// carried in the definition metadata under "input_schema".
func (v *DefinitionValidator) ValidateInput(def *schema.WorkflowDefinition, input map[string]any) error {
	raw, ok := def.Metadata["input_schema"]
	if !ok {
		return nil
	}
	schemaStr, ok := raw.(string)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, "metadata.input_schema must be a string")
	}
	return v.jsonSchema.ValidateInput(input, []byte(schemaStr))
}
