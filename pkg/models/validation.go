package models

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/xeipuuv/gojsonschema"
)

// ErrInvalidConfig is wrapped by every workflow configuration validation error.
var ErrInvalidConfig = errors.New("invalid workflow configuration")

const fieldMappingsSchema = `{
	"type": "object",
	"additionalProperties": {"type": "string", "minLength": 1}
}`

const arrayFieldConfigsSchema = `{
	"type": "array",
	"items": {
		"type": "object",
		"required": ["source_array_field", "destination_table", "parent_fk_field"],
		"properties": {
			"source_array_field": {"type": "string", "minLength": 1},
			"destination_table": {"type": "string", "minLength": 1},
			"parent_fk_field": {"type": "string", "minLength": 1},
			"field_mappings": {
				"type": ["object", "null"],
				"additionalProperties": {"type": "string", "minLength": 1}
			}
		}
	}
}`

var (
	mappingsSchema = mustSchema(fieldMappingsSchema)
	arraysSchema   = mustSchema(arrayFieldConfigsSchema)
)

func mustSchema(src string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("compile config schema: %v", err))
	}
	return schema
}

// ParseDestinationConfig decodes the jsonb mapping columns of a workflow row
// into a DestinationConfig, rejecting documents that do not match the schema.
// Empty or null documents are treated as absent.
func ParseDestinationConfig(fieldMappings, arrayConfigs []byte) (DestinationConfig, error) {
	var cfg DestinationConfig

	if !isEmptyJSON(fieldMappings) {
		if err := validateDocument(mappingsSchema, "destination_field_mappings", fieldMappings); err != nil {
			return cfg, err
		}
		if err := json.Unmarshal(fieldMappings, &cfg.FieldMappings); err != nil {
			return cfg, fmt.Errorf("%w: destination_field_mappings: %v", ErrInvalidConfig, err)
		}
	}

	if !isEmptyJSON(arrayConfigs) {
		if err := validateDocument(arraysSchema, "array_field_configs", arrayConfigs); err != nil {
			return cfg, err
		}
		if err := json.Unmarshal(arrayConfigs, &cfg.ArrayConfigs); err != nil {
			return cfg, fmt.Errorf("%w: array_field_configs: %v", ErrInvalidConfig, err)
		}
	}

	return cfg, nil
}

func validateDocument(schema *gojsonschema.Schema, field string, doc []byte) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, field, err)
	}
	if result.Valid() {
		return nil
	}
	problems := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		problems = append(problems, e.String())
	}
	return fmt.Errorf("%w: %s: %s", ErrInvalidConfig, field, strings.Join(problems, "; "))
}

func isEmptyJSON(doc []byte) bool {
	trimmed := bytes.TrimSpace(doc)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// Validate checks the structural invariants of a step that the JSON schema
// cannot express.
func (s *WorkflowStep) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidConfig)
	}
	if !s.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidConfig, s.Status)
	}
	if s.OverallStepNumber != nil && *s.OverallStepNumber <= 0 {
		return fmt.Errorf("%w: overall_step_number must be positive", ErrInvalidConfig)
	}
	// a source table without its company FK cannot be filtered by entity
	if strings.TrimSpace(s.SourceTableName) != "" && strings.TrimSpace(s.SourceTableCompanyFK) == "" {
		return fmt.Errorf("%w: source_table_company_fk is required with source_table_name %q", ErrInvalidConfig, s.SourceTableName)
	}
	for i, ac := range s.ArrayConfigs {
		if ac.SourceArrayField == "" || ac.DestinationTable == "" || ac.ParentFKField == "" {
			return fmt.Errorf("%w: array_field_configs[%d] requires source_array_field, destination_table and parent_fk_field", ErrInvalidConfig, i)
		}
	}
	return nil
}
