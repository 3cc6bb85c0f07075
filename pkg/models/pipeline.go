package models

import (
	"fmt"
	"time"
)

// Entity is a company (or person) reference carried through the pipeline by
// value. The core never mutates it.
type Entity struct {
	ID     string `json:"id" validate:"required"`
	Name   string `json:"name,omitempty"`
	Domain string `json:"domain,omitempty"`
}

// Record is an open key/value row. Source rows, provider payloads and
// destination rows all use it since their schema is only known at runtime.
type Record map[string]any

// String returns the value under key formatted as a string, or "" when the
// key is absent or null.
func (r Record) String(key string) string {
	v, ok := r[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%v", t)
	default:
		return fmt.Sprint(t)
	}
}

// Clone returns a shallow copy of r.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// BatchStatus represents the completion state of a dispatch batch
type BatchStatus string

const (
	BatchStatusInProgress BatchStatus = "in_progress"
	BatchStatusCompleted  BatchStatus = "completed"
)

// Batch tracks how many records one dispatch call sent versus how many
// callbacks have come back.
type Batch struct {
	ID              string      `json:"id"`
	WorkflowID      string      `json:"workflow_id"`
	StepNumber      int         `json:"step_number"`
	RecordsSent     int         `json:"records_sent"`
	RecordsReceived int         `json:"records_received"`
	RecordsFailed   int         `json:"records_failed"`
	Status          BatchStatus `json:"status"`
	CreatedAt       time.Time   `json:"created_at"`
	CompletedAt     *time.Time  `json:"completed_at,omitempty"`
}

// ResultStatus is the outcome recorded in the results log
type ResultStatus string

const (
	ResultStatusSuccess ResultStatus = "success"
	ResultStatusError   ResultStatus = "error"
)

// ResultEntry is an append-only audit row for one stored (or failed) record.
type ResultEntry struct {
	ID             string       `json:"id,omitempty"`
	CompanyID      string       `json:"company_id,omitempty"`
	CompanyDomain  string       `json:"company_domain,omitempty"`
	WorkflowID     string       `json:"workflow_id" validate:"required"`
	WorkflowSlug   string       `json:"workflow_slug,omitempty"`
	StepNumber     *int         `json:"step_number,omitempty"`
	Status         ResultStatus `json:"status" validate:"required,oneof=success error"`
	ResultTable    string       `json:"result_table,omitempty"`
	ResultRecordID string       `json:"result_record_id,omitempty"`
	Error          string       `json:"error,omitempty"`
	CreatedAt      time.Time    `json:"created_at,omitempty"`
}

// ProgressState is the per-entity state of a pipeline step
type ProgressState string

const (
	ProgressDispatched     ProgressState = "dispatched"
	ProgressDispatchFailed ProgressState = "dispatch_failed"
	ProgressStored         ProgressState = "stored"
	ProgressStorageFailed  ProgressState = "storage_failed"
)

// Progress is the latest known state of one entity at one workflow step.
type Progress struct {
	EntityID   string        `json:"entity_id"`
	WorkflowID string        `json:"workflow_id"`
	StepNumber *int          `json:"step_number,omitempty"`
	State      ProgressState `json:"state"`
	BatchID    string        `json:"batch_id,omitempty"`
	Detail     string        `json:"detail,omitempty"`
	UpdatedAt  time.Time     `json:"updated_at"`
}
