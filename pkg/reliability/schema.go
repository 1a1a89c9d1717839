package reliability

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/liliang-cn/markflow/pkg/flowerr"
)

// SchemaRegistry holds compiled JSON Schemas keyed by fully qualified
// action path (for example "slack.chat.send"). Validation failures are
// configuration errors and never retried.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

// NewSchemaRegistry returns an empty registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: make(map[string]*jsonschema.Schema)}
}

// Register compiles and stores the schema for an action path, replacing
// any previous schema for the same path.
func (r *SchemaRegistry) Register(action string, schema map[string]any) error {
	compiler := jsonschema.NewCompiler()
	resource := fmt.Sprintf("%s.json", action)
	if err := compiler.AddResource(resource, normalizeJSON(schema)); err != nil {
		return flowerr.Wrap(flowerr.KindInvalidConfig, fmt.Sprintf("invalid schema for %s", action), err)
	}
	compiled, err := compiler.Compile(resource)
	if err != nil {
		return flowerr.Wrap(flowerr.KindInvalidConfig, fmt.Sprintf("invalid schema for %s", action), err)
	}

	r.mu.Lock()
	r.schemas[action] = compiled
	r.mu.Unlock()
	return nil
}

// Validate checks inputs against the schema registered for the action.
// Actions without a schema always pass.
func (r *SchemaRegistry) Validate(action string, inputs map[string]any) error {
	r.mu.RLock()
	schema, ok := r.schemas[action]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	if err := schema.Validate(normalizeJSON(inputs)); err != nil {
		return flowerr.Wrap(flowerr.KindInvalidConfig, fmt.Sprintf("input validation failed for %s", action), err)
	}
	return nil
}

// normalizeJSON round-trips a value through encoding/json so the validator
// sees canonical JSON types regardless of how the value was built.
func normalizeJSON(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}
