package services

import (
	"errors"
	"fmt"
	"net/http"

	"enrichment-engine/backend/internal/repository"
	"enrichment-engine/backend/pkg/models"
)

// ErrorKind classifies failures for HTTP mapping and operator diagnostics.
type ErrorKind string

const (
	KindConfiguration ErrorKind = "configuration"
	KindNotFound      ErrorKind = "not_found"
	KindValidation    ErrorKind = "validation"
	KindStorage       ErrorKind = "storage"
	KindUpstream      ErrorKind = "upstream"
)

// Error is a classified failure carrying enough context (table, column,
// downstream status) to re-drive the failed step.
type Error struct {
	Kind    ErrorKind
	Status  int
	Message string
	Context map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// With adds a diagnostic key/value pair and returns e.
func (e *Error) With(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// ConfigurationError reports a step that cannot run as configured.
func ConfigurationError(status int, msg string, err error) *Error {
	return &Error{Kind: KindConfiguration, Status: status, Message: msg, Err: err}
}

// NotFoundError reports an unknown workflow or row.
func NotFoundError(msg string, err error) *Error {
	return &Error{Kind: KindNotFound, Status: http.StatusNotFound, Message: msg, Err: err}
}

// ValidationError reports a malformed request.
func ValidationError(msg string) *Error {
	return &Error{Kind: KindValidation, Status: http.StatusBadRequest, Message: msg}
}

// StorageFailure reports a failed destination write.
func StorageFailure(msg string, err error) *Error {
	return &Error{Kind: KindStorage, Status: http.StatusInternalServerError, Message: msg, Err: err}
}

// StatusCode maps err to an HTTP status.
func StatusCode(err error) int {
	var e *Error
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &e) && e.Status != 0:
		return e.Status
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidConfig):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// lookupStep resolves a step, classifying a missing row and a malformed
// config.
func lookupStep(err error, workflowID string) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return NotFoundError(fmt.Sprintf("workflow %s not found", workflowID), err).With("workflow_id", workflowID)
	case errors.Is(err, models.ErrInvalidConfig):
		return ConfigurationError(http.StatusInternalServerError, "workflow configuration is invalid", err).
			With("workflow_id", workflowID)
	default:
		return fmt.Errorf("load workflow %s: %w", workflowID, err)
	}
}
