// Package errs defines the error kinds surfaced by the memory engine.
package errs

import (
	"errors"
	"fmt"
)

// Kind enumerates the error categories callers can branch on.
type Kind string

const (
	NotFound            Kind = "NotFound"
	InvariantViolation  Kind = "InvariantViolation"
	DimensionMismatch   Kind = "DimensionMismatch"
	EmbeddingUnavailable Kind = "EmbeddingUnavailable"
	StorageUnavailable  Kind = "StorageUnavailable"
	DataCorruption      Kind = "DataCorruption"
	DanglingReference   Kind = "DanglingReference"
	Cancelled           Kind = "Cancelled"
	ConfigError         Kind = "ConfigError"
)

// Error wraps an underlying cause with a classified Kind.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err (or anything it wraps) carries the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
