package config

import (
	"encoding/json"
	"sync"

	"github.com/invopop/jsonschema"
)

var (
	schemaOnce sync.Once
	schemaJSON []byte
	schemaErr  error
)

// JSONSchema returns the JSON Schema for the Config struct, reflected
// from the yaml field names. `relay config schema` prints it so editors
// can validate relay.yaml.
func JSONSchema() ([]byte, error) {
	schemaOnce.Do(func() {
		r := &jsonschema.Reflector{FieldNameTag: "yaml"}
		schemaJSON, schemaErr = json.MarshalIndent(r.Reflect(&Config{}), "", "  ")
	})
	return schemaJSON, schemaErr
}
