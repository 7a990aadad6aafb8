// Package engine provides the core types and the execution orchestrator for
// the atomrun engine: atoms in, wave-ordered execution with bounded retries,
// terminal outcomes and hierarchical summaries out.
package engine

import (
	"errors"
	"fmt"
)

// EngineError represents a classified engine failure with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Category is the error category driving retry and abort logic.
	Category ErrorCategory `json:"category"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// AtomID is the atom that caused the error, if applicable.
	AtomID string `json:"atom_id,omitempty"`

	// Wave is the wave number the error occurred in, -1 if not applicable.
	Wave int `json:"wave,omitempty"`

	// Op is the operation being performed when the error occurred.
	Op string `json:"op,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.AtomID != "" && e.Op != "" {
		return fmt.Sprintf("[%s] %s (atom=%s, op=%s): %s",
			e.Category, e.Message, e.AtomID, e.Op, e.unwrapMessage())
	}
	if e.AtomID != "" {
		return fmt.Sprintf("[%s] %s (atom=%s): %s",
			e.Category, e.Message, e.AtomID, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Category, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

func (e *EngineError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Category == t.Category
}

// NewSandboxSetupError creates the fatal error raised when the isolation
// environment could not be created. It aborts the enclosing wave.
func NewSandboxSetupError(message string, err error) *EngineError {
	return &EngineError{
		Category: CategorySandboxSetup,
		Message:  message,
		Wave:     -1,
		Err:      err,
	}
}

// NewTimeoutError creates an error for a wall-clock limit violation.
func NewTimeoutError(message string, err error) *EngineError {
	return &EngineError{
		Category: CategoryTimeout,
		Message:  message,
		Wave:     -1,
		Err:      err,
	}
}

// NewResourceLimitError creates an error for a memory or CPU ceiling violation.
func NewResourceLimitError(message string, err error) *EngineError {
	return &EngineError{
		Category: CategoryResourceLimit,
		Message:  message,
		Wave:     -1,
		Err:      err,
	}
}

// NewRuntimeError creates an error for an unhandled fault during execution.
func NewRuntimeError(message string, err error) *EngineError {
	return &EngineError{
		Category: CategoryRuntime,
		Message:  message,
		Wave:     -1,
		Err:      err,
	}
}

// NewValidationError creates an error for invalid engine inputs. Validation
// errors are unclassifiable by the retry policy and surface to the caller.
func NewValidationError(message string, err error) *EngineError {
	return &EngineError{
		Category: CategoryUnclassifiable,
		Message:  message,
		Wave:     -1,
		Err:      err,
	}
}

// WithAtom adds atom context to an error.
func (e *EngineError) WithAtom(atomID string) *EngineError {
	e.AtomID = atomID
	return e
}

// WithWave adds wave context to an error.
func (e *EngineError) WithWave(wave int) *EngineError {
	e.Wave = wave
	return e
}

// WithOp adds operation context to an error.
func (e *EngineError) WithOp(op string) *EngineError {
	e.Op = op
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsFatal returns true if the error aborts the enclosing wave rather than
// being converted into a per-atom result.
func IsFatal(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Category.Fatal()
	}
	return false
}

// IsRecoverable returns true if the error is subject to classification
// and the retry loop.
func IsRecoverable(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Category.Recoverable()
	}
	return false
}

// CategoryOf extracts the error category from an error chain.
// Returns CategoryUnclassifiable for unknown errors.
func CategoryOf(err error) ErrorCategory {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Category
	}
	return CategoryUnclassifiable
}
