package errors

import (
	"fmt"
)

// ParseError represents a YAML parsing failure with optional line metadata.
type ParseError struct {
	Path    string
	Line    int
	Message string
	Err     error
}

// NewParseError constructs a ParseError.
func NewParseError(path string, line int, err error) error {
	message := ""
	if err != nil {
		message = err.Error()
	}
	return &ParseError{Path: path, Line: line, Message: message, Err: err}
}

func (e *ParseError) Error() string {
	if e == nil {
		return ""
	}

	if e.Line > 0 {
		return fmt.Sprintf("parse error: %s:%d: %s", e.Path, e.Line, e.Message)
	}
	return fmt.Sprintf("parse error: %s: %s", e.Path, e.Message)
}

// Unwrap exposes the underlying error.
func (e *ParseError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// SpecificationError reports an invalid or contradictory analysis
// specification. It is always fatal to the build and is raised before any
// step executes.
type SpecificationError struct {
	Field   string
	Message string
	Err     error
}

// NewSpecificationError constructs a SpecificationError.
func NewSpecificationError(field, message string, err error) error {
	return &SpecificationError{Field: field, Message: message, Err: err}
}

func (e *SpecificationError) Error() string {
	if e == nil {
		return ""
	}
	if e.Field != "" {
		return fmt.Sprintf("specification error: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("specification error: %s", e.Message)
}

// Unwrap exposes the underlying error.
func (e *SpecificationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ResourceUnavailableError indicates a shared asset could not be fetched or
// failed its integrity check.
type ResourceUnavailableError struct {
	Key     string
	Version string
	Err     error
}

// NewResourceUnavailableError constructs a ResourceUnavailableError.
func NewResourceUnavailableError(key, version string, err error) error {
	return &ResourceUnavailableError{Key: key, Version: version, Err: err}
}

func (e *ResourceUnavailableError) Error() string {
	if e == nil {
		return ""
	}
	if e.Version != "" {
		return fmt.Sprintf("resource unavailable [%s@%s]: %v", e.Key, e.Version, e.Err)
	}
	return fmt.Sprintf("resource unavailable [%s]: %v", e.Key, e.Err)
}

// Unwrap exposes the underlying error.
func (e *ResourceUnavailableError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Step failure reasons.
const (
	ReasonFailed  = "failed"
	ReasonTimeout = "timeout"
)

// StepFailureError represents a single node whose invocation did not
// complete successfully. A timeout is a StepFailureError with
// Reason == ReasonTimeout.
type StepFailureError struct {
	Fingerprint string
	Label       string
	Reason      string
	Err         error
}

// NewStepFailureError constructs a StepFailureError with the generic failure reason.
func NewStepFailureError(fingerprint, label string, err error) error {
	return &StepFailureError{Fingerprint: fingerprint, Label: label, Reason: ReasonFailed, Err: err}
}

// NewTimeoutError constructs a StepFailureError for an invocation that
// exceeded its deadline.
func NewTimeoutError(fingerprint, label string, err error) error {
	return &StepFailureError{Fingerprint: fingerprint, Label: label, Reason: ReasonTimeout, Err: err}
}

func (e *StepFailureError) Error() string {
	if e == nil {
		return ""
	}
	name := e.Label
	if name == "" {
		name = e.Fingerprint
	}
	reason := e.Reason
	if reason == "" {
		reason = ReasonFailed
	}
	if name != "" {
		return fmt.Sprintf("step %s %s: %v", name, reason, e.Err)
	}
	return fmt.Sprintf("step %s: %v", reason, e.Err)
}

// Unwrap exposes the root error.
func (e *StepFailureError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsTimeout reports whether the failure was caused by the step deadline.
func (e *StepFailureError) IsTimeout() bool {
	return e != nil && e.Reason == ReasonTimeout
}
