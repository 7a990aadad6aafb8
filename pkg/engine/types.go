package engine

import (
	"time"
)

// AtomicUnit is the smallest independently executable unit of generated code.
// It is created and owned by the upstream decomposition stage; the engine
// only reads it and never mutates it.
type AtomicUnit struct {
	// ID is the unique identifier for this atom.
	ID string `json:"id"`

	// Source is the generated source text to execute.
	Source string `json:"source"`

	// Language is the declared language of the source (e.g., "python", "wasm").
	Language string `json:"language"`

	// Dependencies lists atom IDs that must have succeeded in an earlier wave.
	Dependencies []string `json:"dependencies,omitempty"`

	// ModuleID is the owning module in the module/component/system hierarchy.
	ModuleID string `json:"module_id"`

	// ComponentID is the owning component.
	ComponentID string `json:"component_id"`

	// SystemID is the owning system.
	SystemID string `json:"system_id"`

	// Signature is the expected interface signature of the atom.
	Signature string `json:"signature,omitempty"`

	// NonCritical marks an atom that policy may skip after repeated
	// failures. Set by upstream metadata, never inferred by the engine.
	NonCritical bool `json:"non_critical,omitempty"`

	// Metadata contains additional atom metadata from the decomposition stage.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ExecutionInput carries the runtime input for one atom execution.
type ExecutionInput struct {
	// Args are positional arguments passed to the atom.
	Args []string `json:"args,omitempty"`

	// Stdin is fed to the atom's standard input.
	Stdin string `json:"stdin,omitempty"`

	// Env are additional environment variables visible inside the sandbox.
	Env map[string]string `json:"env,omitempty"`
}

// ExecutionResult is the outcome of a single execution attempt.
// One instance is created per attempt and is immutable afterwards.
type ExecutionResult struct {
	// AtomID is the atom this attempt belongs to.
	AtomID string `json:"atom_id"`

	// Wave is the wave number the attempt ran in (-1 outside wave mode).
	Wave int `json:"wave"`

	// Attempt is the zero-based attempt number for the atom.
	Attempt int `json:"attempt"`

	// Success indicates whether the attempt completed without failure.
	Success bool `json:"success"`

	// Stdout is the captured standard output.
	Stdout string `json:"stdout,omitempty"`

	// Stderr is the captured standard error.
	Stderr string `json:"stderr,omitempty"`

	// Category is the assigned error category; empty on success.
	Category ErrorCategory `json:"category,omitempty"`

	// ErrorMessage is the failure message verbatim, if any.
	ErrorMessage string `json:"error_message,omitempty"`

	// StackTrace is the captured stack trace, if any.
	StackTrace string `json:"stack_trace,omitempty"`

	// Elapsed is the wall-clock execution time.
	Elapsed time.Duration `json:"elapsed"`

	// PeakMemoryBytes is the peak memory observed during execution.
	PeakMemoryBytes int64 `json:"peak_memory_bytes,omitempty"`

	// Timestamp is when the attempt completed.
	Timestamp time.Time `json:"timestamp"`
}

// StartedAt returns the approximate start time of the attempt.
func (r *ExecutionResult) StartedAt() time.Time {
	return r.Timestamp.Add(-r.Elapsed)
}

// RetryDecision is the classifier's verdict for one failed attempt.
// It is consumed immediately by the orchestrator and retained only in
// the atom's retry history.
type RetryDecision struct {
	// AtomID is the atom the decision was computed for.
	AtomID string `json:"atom_id"`

	// Attempt is the attempt number the decision applies to.
	Attempt int `json:"attempt"`

	// Category is the assigned error category.
	Category ErrorCategory `json:"category"`

	// Strategy is the chosen recovery strategy.
	Strategy Strategy `json:"strategy"`

	// Confidence is the classifier's certainty in [0,1].
	Confidence float64 `json:"confidence"`

	// Patch is an auto-generated mechanical patch, when the fix is mechanical.
	Patch string `json:"patch,omitempty"`

	// RepairPrompt is the prompt for the external code-repair collaborator
	// when no mechanical patch is available.
	RepairPrompt string `json:"repair_prompt,omitempty"`
}

// WaveExecutionRecord tracks one wave from open to close. The atom-id set
// is fixed when the wave starts.
type WaveExecutionRecord struct {
	// Wave is the wave number.
	Wave int `json:"wave"`

	// AtomIDs are the atoms assigned to this wave.
	AtomIDs []string `json:"atom_ids"`

	// StartedAt is when the wave opened.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when every atom in the wave reached a terminal state.
	CompletedAt time.Time `json:"completed_at,omitempty"`

	// Succeeded is the count of atoms whose terminal state is Succeeded.
	Succeeded int `json:"succeeded"`

	// Failed is the count of atoms whose terminal state is not Succeeded.
	Failed int `json:"failed"`

	// PlannedParallelism is the slot count the wave was scheduled with.
	PlannedParallelism int `json:"planned_parallelism"`

	// AchievedParallelism is the maximum number of attempts observed
	// executing concurrently during the wave.
	AchievedParallelism int `json:"achieved_parallelism"`

	// Aborted indicates the wave was aborted by a sandbox setup failure.
	Aborted bool `json:"aborted,omitempty"`
}

// SuccessRate returns succeeded atoms over total atoms in the wave.
func (w *WaveExecutionRecord) SuccessRate() float64 {
	if len(w.AtomIDs) == 0 {
		return 0
	}
	return float64(w.Succeeded) / float64(len(w.AtomIDs))
}

// AggregatedResult is a bottom-up roll-up of terminal execution results
// at one aggregation level. Never mutated after construction.
type AggregatedResult struct {
	// Level is the aggregation level of this result.
	Level AggregationLevel `json:"level"`

	// EntityID identifies the aggregated entity (atom, module, component, or system ID).
	EntityID string `json:"entity_id"`

	// Total is the number of atoms covered by this result.
	Total int `json:"total"`

	// Succeeded is the number of covered atoms with terminal state Succeeded.
	Succeeded int `json:"succeeded"`

	// SuccessRate is Succeeded / Total.
	SuccessRate float64 `json:"success_rate"`

	// TotalElapsed is the summed execution time over covered final attempts.
	TotalElapsed time.Duration `json:"total_elapsed"`

	// Outputs are deduplicated merged outputs, first-occurrence order preserved.
	Outputs []string `json:"outputs,omitempty"`

	// Errors are deduplicated error messages collected as a set.
	Errors []string `json:"errors,omitempty"`

	// Earliest is the earliest attempt timestamp in range.
	Earliest time.Time `json:"earliest,omitempty"`

	// Latest is the latest attempt timestamp in range.
	Latest time.Time `json:"latest,omitempty"`
}

// WavePlan is the ordered wave structure for one system, provided wholesale
// by the external dependency-graph builder. Every atom's dependencies are
// guaranteed to belong to an earlier wave.
type WavePlan struct {
	// SystemID is the system this plan belongs to.
	SystemID string `json:"system_id"`

	// Waves is the ordered sequence of atom-id sets.
	Waves [][]string `json:"waves"`
}

// AtomOutcome is the terminal record for one atom in a run: final status
// plus the full attempt and decision history.
type AtomOutcome struct {
	// AtomID is the atom identifier.
	AtomID string `json:"atom_id"`

	// Status is the terminal status reached.
	Status AtomStatus `json:"status"`

	// Attempts holds every execution attempt in order.
	Attempts []ExecutionResult `json:"attempts"`

	// Decisions holds every retry decision in order.
	Decisions []RetryDecision `json:"decisions,omitempty"`
}

// FinalResult returns the last attempt, or nil if the atom never executed.
func (o *AtomOutcome) FinalResult() *ExecutionResult {
	if len(o.Attempts) == 0 {
		return nil
	}
	return &o.Attempts[len(o.Attempts)-1]
}

// RunSummary is the caller-facing report for one orchestration run.
// A partially aborted system run reports which waves executed and which
// were not attempted due to the success-rate gate.
type RunSummary struct {
	// RunID is the unique identifier for this run.
	RunID string `json:"run_id"`

	// SystemID is the system the run executed.
	SystemID string `json:"system_id"`

	// Status is the overall run status.
	Status RunStatus `json:"status"`

	// StartedAt is when the run started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the run completed.
	CompletedAt time.Time `json:"completed_at"`

	// Duration is the total run duration.
	Duration time.Duration `json:"duration"`

	// Waves are the records of the waves that executed.
	Waves []WaveExecutionRecord `json:"waves,omitempty"`

	// WavesNotAttempted lists wave numbers halted by the success-rate gate.
	WavesNotAttempted []int `json:"waves_not_attempted,omitempty"`

	// Outcomes maps atom ID to its terminal outcome.
	Outcomes map[string]*AtomOutcome `json:"outcomes"`

	// Aggregate is the system-level aggregation over terminal results.
	Aggregate *AggregatedResult `json:"aggregate,omitempty"`
}
