package agent

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/SynidSweet/the-system/pkg/models"
)

// SchemaValidator validates tool-call arguments against the tool's declared
// JSON Schema. Compiled schemas are cached by schema text, so redeclaring a
// tool with a new schema compiles fresh.
type SchemaValidator struct {
	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

// NewSchemaValidator creates an empty validator.
func NewSchemaValidator() *SchemaValidator {
	return &SchemaValidator{compiled: make(map[string]*jsonschema.Schema)}
}

// Validate checks args against tool's parameter schema. Tools without a
// schema accept anything.
func (v *SchemaValidator) Validate(tool *models.ToolSpec, args map[string]any) error {
	if tool.ParametersSchema == "" {
		return nil
	}
	schema, err := v.schemaFor(tool)
	if err != nil {
		return err
	}

	// The validator wants decoded JSON; a nil argument map is an empty object.
	value := map[string]any{}
	for k, val := range args {
		value[k] = val
	}
	if err := schema.Validate(any(value)); err != nil {
		return fmt.Errorf("invalid arguments for tool %q: %w", tool.Name, err)
	}
	return nil
}

func (v *SchemaValidator) schemaFor(tool *models.ToolSpec) (*jsonschema.Schema, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if schema, ok := v.compiled[tool.ParametersSchema]; ok {
		return schema, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(tool.ParametersSchema))
	if err != nil {
		return nil, fmt.Errorf("tool %q has malformed parameter schema: %w", tool.Name, err)
	}
	compiler := jsonschema.NewCompiler()
	resource := tool.Name + ".schema.json"
	if err := compiler.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("tool %q schema: %w", tool.Name, err)
	}
	schema, err := compiler.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("tool %q schema does not compile: %w", tool.Name, err)
	}
	v.compiled[tool.ParametersSchema] = schema
	return schema, nil
}
