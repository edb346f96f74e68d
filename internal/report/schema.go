package report

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/*.json
var schemaFS embed.FS

var schemaFiles = map[string]string{
	PathStart:     "schema/start.schema.json",
	PathViolation: "schema/violation.schema.json",
	PathSubmit:    "schema/submit.schema.json",
}

// Validator checks report bodies against the published JSON schemas.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// NewValidator compiles the embedded schemas.
func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft7

	v := &Validator{schemas: make(map[string]*jsonschema.Schema, len(schemaFiles))}
	for path, file := range schemaFiles {
		data, err := schemaFS.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", file, err)
		}
		id := "https://proctord.local/" + file
		if err := compiler.AddResource(id, bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", file, err)
		}
		schema, err := compiler.Compile(id)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", file, err)
		}
		v.schemas[path] = schema
	}
	return v, nil
}

// Validate checks a JSON document posted to path.
func (v *Validator) Validate(path string, data []byte) error {
	schema, ok := v.schemas[path]
	if !ok {
		return fmt.Errorf("no schema for %s", path)
	}
	var instance interface{}
	if err := json.Unmarshal(data, &instance); err != nil {
		return fmt.Errorf("decode %s body: %w", path, err)
	}
	return schema.Validate(instance)
}

// ValidateValue marshals body and validates it.
func (v *Validator) ValidateValue(path string, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return v.Validate(path, data)
}
