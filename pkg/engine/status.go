package engine

import (
	"encoding/json"
	"fmt"
)

// AtomStatus represents the orchestration state of one atom.
// The state machine is:
// Pending -> Running -> {Succeeded | Retrying -> Running | Skipped | ManualHold}.
type AtomStatus string

const (
	// AtomStatusPending indicates the atom is waiting for an execution slot.
	AtomStatusPending AtomStatus = "pending"

	// AtomStatusRunning indicates an attempt is currently executing.
	AtomStatusRunning AtomStatus = "running"

	// AtomStatusRetrying indicates a failed attempt is awaiting re-execution.
	AtomStatusRetrying AtomStatus = "retrying"

	// AtomStatusSucceeded indicates the atom completed successfully.
	AtomStatusSucceeded AtomStatus = "succeeded"

	// AtomStatusSkipped indicates policy skipped the atom as non-critical.
	AtomStatusSkipped AtomStatus = "skipped"

	// AtomStatusManualHold indicates the atom needs human attention.
	AtomStatusManualHold AtomStatus = "manual_hold"
)

// IsTerminal returns true if the atom status represents a final state.
func (s AtomStatus) IsTerminal() bool {
	return s == AtomStatusSucceeded || s == AtomStatusSkipped || s == AtomStatusManualHold
}

// IsActive returns true if the atom is still being driven by the orchestrator.
func (s AtomStatus) IsActive() bool {
	return s == AtomStatusPending || s == AtomStatusRunning || s == AtomStatusRetrying
}

// Validate checks if the atom status is valid.
func (s AtomStatus) Validate() error {
	switch s {
	case AtomStatusPending, AtomStatusRunning, AtomStatusRetrying,
		AtomStatusSucceeded, AtomStatusSkipped, AtomStatusManualHold:
		return nil
	default:
		return fmt.Errorf("invalid atom status: %s", s)
	}
}

// Strategy represents the recovery action chosen for a failed atom.
type Strategy string

const (
	// StrategyRegenerate requests a full regeneration of the atom's source.
	StrategyRegenerate Strategy = "regenerate"

	// StrategyFix requests a targeted fix, via auto-patch or repair prompt.
	StrategyFix Strategy = "fix"

	// StrategySkip abandons the atom; only valid for non-critical atoms.
	StrategySkip Strategy = "skip"

	// StrategyManual parks the atom for human attention.
	StrategyManual Strategy = "manual"
)

// Validate checks if the strategy is valid.
func (s Strategy) Validate() error {
	switch s {
	case StrategyRegenerate, StrategyFix, StrategySkip, StrategyManual:
		return nil
	default:
		return fmt.Errorf("invalid strategy: %s", s)
	}
}

// ErrorCategory classifies an execution failure for retry policy.
type ErrorCategory string

const (
	// CategorySyntax indicates a parse or compile failure.
	CategorySyntax ErrorCategory = "syntax"

	// CategoryDependency indicates an unresolved module or reference.
	CategoryDependency ErrorCategory = "dependency"

	// CategoryInterface indicates a signature or type mismatch.
	CategoryInterface ErrorCategory = "interface"

	// CategoryRuntime indicates an unhandled exception during execution.
	CategoryRuntime ErrorCategory = "runtime"

	// CategoryTimeout indicates the wall-clock limit was exceeded.
	CategoryTimeout ErrorCategory = "timeout"

	// CategoryResourceLimit indicates the memory or CPU ceiling was exceeded.
	CategoryResourceLimit ErrorCategory = "resource_limit"

	// CategorySandboxSetup indicates the isolation environment could not be
	// created. Fatal: aborts the enclosing wave, never retried.
	CategorySandboxSetup ErrorCategory = "sandbox_setup"

	// CategoryUnclassifiable indicates no known signal matched.
	CategoryUnclassifiable ErrorCategory = "unclassifiable"
)

// Recoverable returns true if failures in this category are subject to
// classification and retry.
func (c ErrorCategory) Recoverable() bool {
	switch c {
	case CategorySyntax, CategoryDependency, CategoryInterface,
		CategoryRuntime, CategoryTimeout, CategoryResourceLimit:
		return true
	default:
		return false
	}
}

// Fatal returns true if the category aborts the enclosing wave.
func (c ErrorCategory) Fatal() bool {
	return c == CategorySandboxSetup
}

// Validate checks if the error category is valid.
func (c ErrorCategory) Validate() error {
	switch c {
	case CategorySyntax, CategoryDependency, CategoryInterface, CategoryRuntime,
		CategoryTimeout, CategoryResourceLimit, CategorySandboxSetup, CategoryUnclassifiable:
		return nil
	default:
		return fmt.Errorf("invalid error category: %s", c)
	}
}

// RunStatus represents the overall status of an orchestration run.
type RunStatus string

const (
	// RunStatusPending indicates the run is created but not yet started.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning indicates the run is currently executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every atom reached Succeeded.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates the run failed without useful progress.
	RunStatusFailed RunStatus = "failed"

	// RunStatusPartial indicates some atoms succeeded while others did not,
	// or later waves were halted by the success-rate gate.
	RunStatusPartial RunStatus = "partial"

	// RunStatusCancelled indicates the run was cancelled by the caller.
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed ||
		s == RunStatusPartial || s == RunStatusCancelled
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSucceeded,
		RunStatusFailed, RunStatusPartial, RunStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// AggregationLevel is the scope at which results are combined.
type AggregationLevel string

const (
	// LevelAtom aggregates the final results of individual atoms.
	LevelAtom AggregationLevel = "atom"

	// LevelModule aggregates atoms belonging to one module.
	LevelModule AggregationLevel = "module"

	// LevelComponent aggregates module results into one component.
	LevelComponent AggregationLevel = "component"

	// LevelSystem aggregates component results into one system.
	LevelSystem AggregationLevel = "system"
)

// Validate checks if the aggregation level is valid.
func (l AggregationLevel) Validate() error {
	switch l {
	case LevelAtom, LevelModule, LevelComponent, LevelSystem:
		return nil
	default:
		return fmt.Errorf("invalid aggregation level: %s", l)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s AtomStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *AtomStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = AtomStatus(str)
	return s.Validate()
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s Strategy) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *Strategy) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = Strategy(str)
	return s.Validate()
}
