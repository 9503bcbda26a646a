package syncserver

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidOperation  = errors.New("invalid or incomplete operation")
	ErrStoreNotMapped    = errors.New("store not mapped")
	ErrUnknownAction     = errors.New("unknown action")
	ErrMissingIdentifier = errors.New("missing identifier")
	ErrNotImplemented    = errors.New("not implemented")
)

// ValidationError carries per-field messages for a rejected payload.
type ValidationError struct {
	Fields map[string][]string
}

func NewValidationError() *ValidationError {
	return &ValidationError{Fields: map[string][]string{}}
}

func (e *ValidationError) Add(field, message string) {
	if e.Fields == nil {
		e.Fields = map[string][]string{}
	}
	e.Fields[field] = append(e.Fields[field], message)
}

func (e *ValidationError) Empty() bool {
	return e == nil || len(e.Fields) == 0
}

func (e *ValidationError) Error() string {
	if e.Empty() {
		return "validation failed"
	}
	fields := make([]string, 0, len(e.Fields))
	for field := range e.Fields {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	parts := make([]string, 0, len(fields))
	for _, field := range fields {
		parts = append(parts, strings.Join(e.Fields[field], "; "))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}

// FatalError aborts a whole batch. Nothing from the batch is committed.
type FatalError struct {
	Index int
	Err   error
}

func (e *FatalError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("batch failed: %v", e.Err)
	}
	return fmt.Sprintf("batch failed at item %d: %v", e.Index, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}
