// Package errors provides centralized error handling with category, component
// and retryability tagging for the ingest pipeline.
package errors

import (
	stderrors "errors"
	"fmt"
	"maps"
	"time"
)

// ErrorCategory represents the type of error for better categorization
type ErrorCategory string

const (
	CategoryValidation    ErrorCategory = "validation"
	CategoryDatabase      ErrorCategory = "database"
	CategoryListener      ErrorCategory = "notification-listener"
	CategoryExtraction    ErrorCategory = "payload-extraction"
	CategoryImageProcess  ErrorCategory = "image-processing"
	CategoryFileIO        ErrorCategory = "file-io"
	CategoryBroadcast     ErrorCategory = "broadcast"
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryState         ErrorCategory = "state"
	CategoryTimeout       ErrorCategory = "timeout"
	CategoryGeneric       ErrorCategory = "generic"
)

// ErrorKind distinguishes failures the caller should retry from failures that
// must be recorded and abandoned.
type ErrorKind string

const (
	// KindTransient marks infrastructure failures (connection drops, pool
	// exhaustion) that are safe to retry with backoff.
	KindTransient ErrorKind = "transient"
	// KindTerminal marks failures that retrying cannot fix, such as
	// validation rejections. Callers log them and move on.
	KindTerminal ErrorKind = "terminal"
)

// ComponentUnknown is used when the component was not set by the builder.
const ComponentUnknown = "unknown"

// EnhancedError wraps an error with additional context and metadata
type EnhancedError struct {
	Err       error          // Original error
	Component string         // Component where error occurred
	Category  ErrorCategory  // Error category for better grouping
	Kind      ErrorKind      // Transient or terminal
	Context   map[string]any // Additional context data
	Timestamp time.Time      // When the error occurred
}

// Error implements the error interface
func (ee *EnhancedError) Error() string {
	return ee.Err.Error()
}

// Unwrap implements the error unwrapping interface
func (ee *EnhancedError) Unwrap() error {
	return ee.Err
}

// Is implements error type checking; two enhanced errors match when their
// categories match.
func (ee *EnhancedError) Is(target error) bool {
	if ee2, ok := target.(*EnhancedError); ok {
		return ee.Category == ee2.Category
	}
	return stderrors.Is(ee.Err, target)
}

// GetComponent returns the component name.
func (ee *EnhancedError) GetComponent() string {
	if ee.Component == "" {
		return ComponentUnknown
	}
	return ee.Component
}

// GetCategory returns the error category as a string.
func (ee *EnhancedError) GetCategory() string {
	return string(ee.Category)
}

// GetContext returns a copy of the error context to prevent external modification.
func (ee *EnhancedError) GetContext() map[string]any {
	if ee.Context == nil {
		return nil
	}
	c := make(map[string]any, len(ee.Context))
	maps.Copy(c, ee.Context)
	return c
}

// GetTimestamp returns when the error occurred.
func (ee *EnhancedError) GetTimestamp() time.Time {
	return ee.Timestamp
}

// ErrorBuilder provides a fluent interface for creating enhanced errors
type ErrorBuilder struct {
	err       error
	component string
	category  ErrorCategory
	kind      ErrorKind
	context   map[string]any
}

// New creates a new error builder wrapping err.
func New(err error) *ErrorBuilder {
	return &ErrorBuilder{err: err}
}

// Newf creates a new formatted error with enhanced context
func Newf(format string, args ...any) *ErrorBuilder {
	return New(fmt.Errorf(format, args...))
}

// Component sets the component name.
func (eb *ErrorBuilder) Component(component string) *ErrorBuilder {
	eb.component = component
	return eb
}

// Category sets the error category for better grouping
func (eb *ErrorBuilder) Category(category ErrorCategory) *ErrorBuilder {
	eb.category = category
	return eb
}

// Transient marks the error as retryable.
func (eb *ErrorBuilder) Transient() *ErrorBuilder {
	eb.kind = KindTransient
	return eb
}

// Terminal marks the error as not retryable.
func (eb *ErrorBuilder) Terminal() *ErrorBuilder {
	eb.kind = KindTerminal
	return eb
}

// Context adds context data to the error
func (eb *ErrorBuilder) Context(key string, value any) *ErrorBuilder {
	if eb.context == nil {
		eb.context = make(map[string]any)
	}
	eb.context[key] = value
	return eb
}

// Timing adds performance timing context
func (eb *ErrorBuilder) Timing(operation string, duration time.Duration) *ErrorBuilder {
	if eb.context == nil {
		eb.context = make(map[string]any)
	}
	eb.context["operation"] = operation
	eb.context["duration_ms"] = duration.Milliseconds()
	return eb
}

// Build creates the EnhancedError.
func (eb *ErrorBuilder) Build() *EnhancedError {
	ee := &EnhancedError{
		Err:       eb.err,
		Component: eb.component,
		Category:  eb.category,
		Kind:      eb.kind,
		Context:   eb.context,
		Timestamp: time.Now(),
	}
	if ee.Component == "" {
		ee.Component = ComponentUnknown
	}
	if ee.Category == "" {
		ee.Category = CategoryGeneric
	}
	if ee.Kind == "" {
		ee.Kind = defaultKind(ee.Category)
	}
	return ee
}

// defaultKind maps categories with an unambiguous retry policy so call sites
// only need to tag the exceptions.
func defaultKind(category ErrorCategory) ErrorKind {
	switch category {
	case CategoryDatabase, CategoryListener, CategoryTimeout:
		return KindTransient
	case CategoryValidation, CategoryConfiguration:
		return KindTerminal
	default:
		return KindTerminal
	}
}

// IsRetryable reports whether err (or any error it wraps) is tagged transient.
// Plain untagged errors are treated as terminal.
func IsRetryable(err error) bool {
	var ee *EnhancedError
	if stderrors.As(err, &ee) {
		return ee.Kind == KindTransient
	}
	return false
}

// HasCategory reports whether err carries the given category.
func HasCategory(err error, category ErrorCategory) bool {
	var ee *EnhancedError
	if stderrors.As(err, &ee) {
		return ee.Category == category
	}
	return false
}

// Standard library passthroughs so callers only import this package.

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return stderrors.As(err, target)
}

// Join returns an error wrapping the given errors.
func Join(errs ...error) error {
	return stderrors.Join(errs...)
}
