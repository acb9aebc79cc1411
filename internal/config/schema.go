package config

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// pipelinesSchema constrains the pipelines section beyond what struct
// unmarshalling can express: required fields, duration syntax, metric
// modes. Validation errors here point at the offending pipeline instead
// of failing later at runtime.
const pipelinesSchema = `{
	"type": "array",
	"items": {
		"type": "object",
		"required": ["id", "deadline"],
		"properties": {
			"id": {"type": "string", "minLength": 1},
			"deadline": {"type": "string", "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|ms|s|m|h))+$"},
			"heartbeat_window": {"type": "string"},
			"max_attempts": {"type": "integer", "minimum": 1},
			"metrics": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["name", "tolerance"],
					"properties": {
						"name": {"type": "string", "minLength": 1},
						"tolerance": {"type": "number", "minimum": 0},
						"mode": {"enum": ["absolute", "relative"]}
					}
				}
			}
		}
	}
}`

// validatePipelinesSchema checks the raw pipelines section of
// config.yaml against the JSON Schema. The YAML is re-encoded as JSON
// and parsed with jsonschema.UnmarshalJSON for correct number handling.
func validatePipelinesSchema(data []byte) error {
	var raw struct {
		Pipelines any `yaml:"pipelines"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse config.yaml: %w", err)
	}
	if raw.Pipelines == nil {
		return nil
	}

	encoded, err := json.Marshal(raw.Pipelines)
	if err != nil {
		return fmt.Errorf("encode pipelines section: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("decode pipelines section: %w", err)
	}

	schemaDoc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(pipelinesSchema)))
	if err != nil {
		return fmt.Errorf("unmarshal pipelines schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("pipelines.json", schemaDoc); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("pipelines.json")
	if err != nil {
		return fmt.Errorf("compile pipelines schema: %w", err)
	}

	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("pipelines section invalid: %w", err)
	}
	return nil
}
