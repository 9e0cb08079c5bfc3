package modules

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Option declares one configurable value of a module.
type Option struct {
	Key         string
	Default     any
	Description string

	// Schema is an optional JSON Schema the value must satisfy.
	Schema string
}

// Validate checks a candidate value against the option's schema.
func (o Option) Validate(value any) error {
	if o.Schema == "" {
		return nil
	}
	schema, err := compileSchema(o.Schema)
	if err != nil {
		return fmt.Errorf("option %s: compile schema: %w", o.Key, err)
	}

	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("option %s: encode value: %w", o.Key, err)
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("option %s: decode value: %w", o.Key, err)
	}
	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("option %s: %w", o.Key, err)
	}
	return nil
}

// ResolveOptions merges configured values over the declared defaults.
// Unknown keys and values failing their schema are errors, so a typo in
// the config fails the module's install instead of being ignored.
func ResolveOptions(declared []Option, values map[string]any) (map[string]any, error) {
	byKey := make(map[string]Option, len(declared))
	out := make(map[string]any, len(declared))
	for _, opt := range declared {
		byKey[opt.Key] = opt
		out[opt.Key] = opt.Default
	}

	for key, value := range values {
		opt, ok := byKey[key]
		if !ok {
			return nil, fmt.Errorf("unknown option %q", key)
		}
		if err := opt.Validate(value); err != nil {
			return nil, err
		}
		out[key] = value
	}
	return out, nil
}

var schemaCache sync.Map

func compileSchema(schema string) (*jsonschema.Schema, error) {
	if cached, ok := schemaCache.Load(schema); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}
	compiled, err := jsonschema.CompileString("option.schema.json", schema)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(schema, compiled)
	return compiled, nil
}
