// Package errors defines the error taxonomy for tidesql. Each kind is a
// struct type carrying the context a caller needs to act on the failure;
// match with errors.As rather than string inspection.
package errors

import (
	"fmt"
	"strings"
)

// ConfigurationError reports malformed project configuration: bad YAML,
// missing credentials, or an unknown target.
type ConfigurationError struct {
	Message string
	Err     error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("configuration error: %s", e.Message)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// ParseError reports a template render, SQL AST, or schema YAML failure
// for a single model file.
type ParseError struct {
	File    string
	Message string
	Err     error
}

func (e *ParseError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.File != "" {
		return fmt.Sprintf("%s: parse error: %s", e.File, msg)
	}
	return fmt.Sprintf("parse error: %s", msg)
}

func (e *ParseError) Unwrap() error { return e.Err }

// DependencyError reports an unknown ref or a dependency cycle. Cycle is
// populated for circular dependencies and lists the path, first node
// repeated at the end.
type DependencyError struct {
	Message string
	Cycle   []string
}

func (e *DependencyError) Error() string {
	if len(e.Cycle) > 0 {
		return fmt.Sprintf("circular dependency: %s", strings.Join(e.Cycle, " -> "))
	}
	return fmt.Sprintf("dependency error: %s", e.Message)
}

// ConnectionError reports that the warehouse pool could not be opened or
// was unhealthy at startup.
type ConnectionError struct {
	Message string
	Err     error
}

func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connection error: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("connection error: %s", e.Message)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TransientConnectionError is a retryable warehouse failure. The client
// retries it with exponential backoff; once retries are exhausted the
// error surfaces with RetryCount set to the configured maximum.
type TransientConnectionError struct {
	Code       int
	RetryCount int
	MaxRetries int
	Err        error
}

func (e *TransientConnectionError) Error() string {
	return fmt.Sprintf("transient connection error (code %d, retried %d/%d): %v",
		e.Code, e.RetryCount, e.MaxRetries, e.Err)
}

func (e *TransientConnectionError) Unwrap() error { return e.Err }

// ExecutionError is a non-retryable warehouse failure.
type ExecutionError struct {
	Code int
	SQL  string
	Err  error
}

func (e *ExecutionError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("execution error (code %d): %v", e.Code, e.Err)
	}
	return fmt.Sprintf("execution error: %v", e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// MaterializationError wraps a strategy-level failure with the model and
// strategy that produced it.
type MaterializationError struct {
	Model    string
	Strategy string
	Message  string
	Err      error
}

func (e *MaterializationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "materialization failed for model %q", e.Model)
	if e.Strategy != "" {
		fmt.Fprintf(&b, " (strategy %s)", e.Strategy)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *MaterializationError) Unwrap() error { return e.Err }

// StateError reports a failure reading or writing the state file.
type StateError struct {
	Path string
	Err  error
}

func (e *StateError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("state error (%s): %v", e.Path, e.Err)
	}
	return fmt.Sprintf("state error: %v", e.Err)
}

func (e *StateError) Unwrap() error { return e.Err }

// PlanError reports an inconsistency while building an execution plan.
type PlanError struct {
	Message string
	Err     error
}

func (e *PlanError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("plan error: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("plan error: %s", e.Message)
}

func (e *PlanError) Unwrap() error { return e.Err }

// TestError reports a failed data-quality test. Failures is the number of
// rows the test query returned as violations.
type TestError struct {
	Model    string
	Test     string
	Failures int64
}

func (e *TestError) Error() string {
	return fmt.Sprintf("test %q failed for model %q: %d failing rows", e.Test, e.Model, e.Failures)
}

// ModelNotFoundError reports a reference to a model that does not exist.
type ModelNotFoundError struct {
	Model string
}

func (e *ModelNotFoundError) Error() string {
	return fmt.Sprintf("model not found: %s", e.Model)
}
