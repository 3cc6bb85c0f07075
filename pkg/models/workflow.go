// Package models defines the domain models for the enrichment pipeline
package models

import (
	"strings"
	"time"
)

// StepStatus represents the lifecycle status of a workflow step
type StepStatus string

const (
	StepStatusActive     StepStatus = "active"
	StepStatusInactive   StepStatus = "inactive"
	StepStatusDraft      StepStatus = "draft"
	StepStatusDeprecated StepStatus = "deprecated"
)

// Valid reports whether s is one of the known statuses.
func (s StepStatus) Valid() bool {
	switch s {
	case StepStatusActive, StepStatusInactive, StepStatusDraft, StepStatusDeprecated:
		return true
	}
	return false
}

// ArrayFieldConfig describes how a nested array in a provider payload is
// exploded into child rows linked to the primary record.
type ArrayFieldConfig struct {
	SourceArrayField string            `json:"source_array_field"`
	DestinationTable string            `json:"destination_table"`
	ParentFKField    string            `json:"parent_fk_field"`
	FieldMappings    map[string]string `json:"field_mappings,omitempty"`
}

// DestinationConfig is the declarative mapping applied by the storage worker.
type DestinationConfig struct {
	FieldMappings map[string]string  `json:"destination_field_mappings,omitempty"`
	ArrayConfigs  []ArrayFieldConfig `json:"array_field_configs,omitempty"`
}

// WorkflowStep is one configured stage of the enrichment pipeline.
type WorkflowStep struct {
	ID                string     `json:"id"`
	Slug              string     `json:"slug"`
	Title             string     `json:"title"`
	OverallStepNumber *int       `json:"overall_step_number,omitempty"`
	Status            StepStatus `json:"status"`

	// Source (empty = use the entity set itself)
	SourceTableName          string `json:"source_table_name,omitempty"`
	SourceTableCompanyFK     string `json:"source_table_company_fk,omitempty"`
	SourceTableSelectColumns string `json:"source_table_select_columns,omitempty"`

	// Destination
	DestinationEndpointURL    string `json:"destination_endpoint_url,omitempty"`
	DestinationType           string `json:"destination_type,omitempty"`
	DestinationTableName      string `json:"destination_table_name,omitempty"`
	DestinationUpsertConflict string `json:"destination_upsert_conflict,omitempty"`
	DestinationConfig

	// Callback handling
	SourceRecordArrayField string `json:"source_record_array_field,omitempty"`
	RawPayloadTableName    string `json:"raw_payload_table_name,omitempty"`
	RawPayloadField        string `json:"raw_payload_field,omitempty"`
	StorageWorkerURL       string `json:"storage_worker_url,omitempty"`
	GlobalLoggerURL        string `json:"global_logger_url,omitempty"`
	ReceiverURL            string `json:"receiver_url,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// HasSourceTable reports whether records come from a source table rather than
// from the entity set itself.
func (s *WorkflowStep) HasSourceTable() bool {
	return strings.TrimSpace(s.SourceTableName) != "" && strings.TrimSpace(s.SourceTableCompanyFK) != ""
}

// HasDestination reports whether the step dispatches anywhere.
func (s *WorkflowStep) HasDestination() bool {
	return strings.TrimSpace(s.DestinationEndpointURL) != ""
}

// InPipeline reports whether the step carries an ordered step number.
func (s *WorkflowStep) InPipeline() bool {
	return s.OverallStepNumber != nil
}

// StepNumber returns the overall step number, or 0 when the step is not part
// of the ordered pipeline.
func (s *WorkflowStep) StepNumber() int {
	if s.OverallStepNumber == nil {
		return 0
	}
	return *s.OverallStepNumber
}

// ProviderVariant overrides a step's storage config for a specific
// enrichment provider (waterfall enrichment).
type ProviderVariant struct {
	WorkflowID           string `json:"workflow_id"`
	EnrichmentProvider   string `json:"enrichment_provider"`
	DestinationTableName string `json:"destination_table_name,omitempty"`
	DestinationConfig
	RawPayloadTableName string `json:"raw_payload_table_name,omitempty"`
	RawPayloadField     string `json:"raw_payload_field,omitempty"`
}

// ApplyTo returns a copy of step with the variant's non-empty overrides applied.
func (v *ProviderVariant) ApplyTo(step *WorkflowStep) *WorkflowStep {
	out := *step
	if v == nil {
		return &out
	}
	if v.DestinationTableName != "" {
		out.DestinationTableName = v.DestinationTableName
	}
	if len(v.FieldMappings) > 0 {
		out.FieldMappings = v.FieldMappings
	}
	if len(v.ArrayConfigs) > 0 {
		out.ArrayConfigs = v.ArrayConfigs
	}
	if v.RawPayloadTableName != "" {
		out.RawPayloadTableName = v.RawPayloadTableName
	}
	if v.RawPayloadField != "" {
		out.RawPayloadField = v.RawPayloadField
	}
	return &out
}
