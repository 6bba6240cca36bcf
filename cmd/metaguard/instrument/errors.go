// Package instrument - Custom error types for instrumentation.
//
// This file defines the errors raised by the passes. Configuration errors
// (a protected type without a validator, several validators for one type)
// carry the declaration position (file:line:column) and a suggestion, and
// stop the build.
//
// Example output:
//
//	box.go:12:6: protected type example.com/box.Box has no validator
//
//	Suggestion: Add a Synchronize() method to Box or bind one with //metaguard:validator Box
package instrument

import (
	"errors"
	"fmt"
	"go/token"
)

var (
	// ErrMissingValidator is wrapped by configuration errors reporting a
	// protected type without a bound validator.
	ErrMissingValidator = errors.New("missing validator")

	// ErrDuplicateValidator is wrapped by configuration errors reporting a
	// protected type with more than one validator.
	ErrDuplicateValidator = errors.New("duplicate validator")
)

// InstrumentationError represents an error during instrumentation with context.
//
// Fields:
//   - File: Source file path where error occurred
//   - Line: Line number (1-indexed)
//   - Column: Column number (1-indexed)
//   - Message: Human-readable error description
//   - Suggestion: Optional hint for fixing the error
//   - Err: Sentinel classifying the error (ErrMissingValidator, ...)
//
// Thread Safety: Immutable after creation, safe for concurrent use.
//
//nolint:revive // InstrumentationError is clear and descriptive despite stuttering
type InstrumentationError struct {
	File       string
	Line       int
	Column     int
	Message    string
	Suggestion string
	Err        error
}

// Error implements the error interface.
//
// Format: file:line:column: message. Positions that are unknown are left out.
//
// If Suggestion is non-empty, it's appended on a new line with "Suggestion: " prefix.
func (e *InstrumentationError) Error() string {
	var result string
	if e.File != "" {
		result = fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Message)
	} else {
		result = e.Message
	}
	if e.Suggestion != "" {
		result += fmt.Sprintf("\n\nSuggestion: %s", e.Suggestion)
	}
	return result
}

// Unwrap returns the sentinel error, so callers can use errors.Is.
func (e *InstrumentationError) Unwrap() error {
	return e.Err
}

// NewInstrumentationError creates an error at the given source position.
func NewInstrumentationError(pos token.Position, err error, msg string) *InstrumentationError {
	return &InstrumentationError{
		File:    pos.Filename,
		Line:    pos.Line,
		Column:  pos.Column,
		Message: msg,
		Err:     err,
	}
}

// NewInstrumentationErrorWithSuggestion creates an error with suggestion.
//
// Use this when you can provide actionable guidance to the user.
//
// Example:
//
//	return NewInstrumentationErrorWithSuggestion(
//	    decl.Pos,
//	    ErrMissingValidator,
//	    "protected type example.com/box.Box has no validator",
//	    "Add a Synchronize() method to Box",
//	)
func NewInstrumentationErrorWithSuggestion(pos token.Position, err error, msg, suggestion string) *InstrumentationError {
	e := NewInstrumentationError(pos, err, msg)
	e.Suggestion = suggestion
	return e
}
