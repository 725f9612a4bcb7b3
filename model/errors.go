package model

import (
	"errors"
	"fmt"
	"strings"
)

// FieldError is one parameter-level validation failure
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (f FieldError) String() string {
	if f.Field == "" {
		return f.Message
	}
	return f.Field + ": " + f.Message
}

// ValidationError is returned when input or operation parameters are malformed
type ValidationError struct {
	Operation string
	Fields    []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.String())
	}
	if e.Operation != "" {
		return fmt.Sprintf("invalid parameters for %s: %s", e.Operation, strings.Join(parts, "; "))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Add appends a field error
func (e *ValidationError) Add(field, format string, args ...any) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// OrNil returns e when it carries field errors, nil otherwise
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

// NewValidationError builds a single-field validation error
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Fields: []FieldError{{Field: field, Message: message}}}
}

// UnknownOperationError is returned for operation names outside the enumeration
type UnknownOperationError struct {
	Operation string
}

func (e *UnknownOperationError) Error() string {
	return fmt.Sprintf("unknown operation: %q", e.Operation)
}

// ExecutionError wraps a backend failure for one operation
type ExecutionError struct {
	Operation string
	Err       error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Operation, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// ModelUnavailableError means the model-inference service could not be reached at all
type ModelUnavailableError struct {
	Stage string
	Err   error
}

func (e *ModelUnavailableError) Error() string {
	return fmt.Sprintf("model unavailable during %s: %v", e.Stage, e.Err)
}

func (e *ModelUnavailableError) Unwrap() error {
	return e.Err
}

// ModelCallError is a reachable-but-failed model call (API error, timeout, empty response)
type ModelCallError struct {
	Stage string
	Err   error
}

func (e *ModelCallError) Error() string {
	return fmt.Sprintf("model call failed during %s: %v", e.Stage, e.Err)
}

func (e *ModelCallError) Unwrap() error {
	return e.Err
}

// ModelFormatError means the model answered but its output could not be parsed
type ModelFormatError struct {
	Stage string
	Raw   string
	Err   error
}

func (e *ModelFormatError) Error() string {
	return fmt.Sprintf("unparseable model output during %s: %v", e.Stage, e.Err)
}

func (e *ModelFormatError) Unwrap() error {
	return e.Err
}

// ProposalNotFoundError is returned when confirming an unknown, expired or consumed proposal
type ProposalNotFoundError struct {
	ProposalID string
}

func (e *ProposalNotFoundError) Error() string {
	return "proposal not found or already handled: " + e.ProposalID
}

// IsValidation reports whether err is a ValidationError or UnknownOperationError
func IsValidation(err error) bool {
	var ve *ValidationError
	var ue *UnknownOperationError
	return errors.As(err, &ve) || errors.As(err, &ue)
}

// IsModelUnavailable reports whether err means the model could not be reached
func IsModelUnavailable(err error) bool {
	var me *ModelUnavailableError
	return errors.As(err, &me)
}
