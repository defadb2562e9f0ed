// Package apperrors defines the error taxonomy shared by the engine packages.
package apperrors

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ConfigurationError is fatal and raised before any record is processed.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// NewConfigurationError returns a ConfigurationError for field.
func NewConfigurationError(field, format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// InvalidRecordError describes a record excluded from clustering.
type InvalidRecordError struct {
	Index    int
	SourceID string
	Reason   string
}

func (e *InvalidRecordError) Error() string {
	return fmt.Sprintf("invalid record at index %d (source %q): %s", e.Index, e.SourceID, e.Reason)
}

// ErrAmbiguousSuffixStrip signals that more than one legal suffix matched at a
// single strip step. It is resolved by list order and never returned to callers.
var ErrAmbiguousSuffixStrip = errors.New("ambiguous legal suffix strip")

// ErrRunNotFound is returned when a run id is unknown to every run store.
var ErrRunNotFound = errors.New("run not found")

// MultiError collects several errors into one.
type MultiError struct {
	Errors []error
}

func (m *MultiError) Error() string {
	messages := make([]string, 0, len(m.Errors))
	for _, err := range m.Errors {
		messages = append(messages, err.Error())
	}
	return strings.Join(messages, "; ")
}

func (m *MultiError) Add(err error) {
	if err != nil {
		m.Errors = append(m.Errors, err)
	}
}

func (m *MultiError) HasErrors() bool {
	return len(m.Errors) > 0
}

// ErrorOrNil returns nil when nothing was collected.
func (m *MultiError) ErrorOrNil() error {
	if m == nil || !m.HasErrors() {
		return nil
	}
	return m
}

func NewMultiError() *MultiError {
	return &MultiError{Errors: make([]error, 0)}
}

// IsConfigurationError reports whether err is, wraps, or aggregates a
// ConfigurationError.
func IsConfigurationError(err error) bool {
	if err == nil {
		return false
	}
	var ce *ConfigurationError
	if errors.As(err, &ce) {
		return true
	}
	var me *MultiError
	if errors.As(err, &me) {
		for _, e := range me.Errors {
			if IsConfigurationError(e) {
				return true
			}
		}
	}
	return errors.As(errors.Cause(err), &ce)
}
