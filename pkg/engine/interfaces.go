package engine

import (
	"context"
)

// Executor runs one atom in an isolated, resource-bounded environment.
// Implementations must convert every failure mode into a well-formed
// ExecutionResult; only a sandbox setup failure may be returned as an
// error, and it must satisfy IsFatal.
type Executor interface {
	// Execute runs a single atom and returns its attempt result.
	Execute(ctx context.Context, atom *AtomicUnit, input ExecutionInput) (*ExecutionResult, error)

	// ExecuteBatch runs an unordered list of atoms. No dependency checking
	// or ordering is implied; that is the caller's responsibility.
	ExecuteBatch(ctx context.Context, atoms []*AtomicUnit, inputs []ExecutionInput) ([]*ExecutionResult, error)
}

// Classifier assigns an error category and recovery strategy to a failed
// attempt. Classification is deterministic: the same (atom, result) pair
// always yields the same decision, given the same history.
type Classifier interface {
	Classify(atom *AtomicUnit, result *ExecutionResult, history []RetryDecision) RetryDecision
}

// Collector records every execution attempt, including retries, and keeps
// rolling statistics per atom, per wave, and system-wide. Implementations
// must tolerate concurrent RecordAttempt calls without losing or
// duplicating a record.
type Collector interface {
	// RecordAttempt records one execution attempt.
	RecordAttempt(result *ExecutionResult)

	// StartWave opens a wave record. The atom-id set is fixed from here on.
	StartWave(wave int, atomIDs []string, plannedParallelism int)

	// CompleteWave closes a wave record once every atom reached a terminal
	// state and returns the closed record.
	CompleteWave(wave int) (*WaveExecutionRecord, error)

	// Summary returns system-wide rolling statistics.
	Summary() *SystemStats

	// ErrorAnalysis returns failure patterns across the current run.
	ErrorAnalysis() *ErrorAnalysis
}

// SystemStats holds system-wide rolling statistics for one orchestration run.
type SystemStats struct {
	// AtomsProcessed is the number of distinct atoms with at least one attempt.
	AtomsProcessed int `json:"atoms_processed"`

	// TotalAttempts is the total attempt count, retries included.
	TotalAttempts int `json:"total_attempts"`

	// Succeeded is the number of atoms whose latest attempt succeeded.
	Succeeded int `json:"succeeded"`

	// Failed is the number of atoms whose latest attempt failed.
	Failed int `json:"failed"`

	// TotalElapsed is the summed wall-clock time over all attempts.
	TotalElapsed int64 `json:"total_elapsed_ns"`

	// Atoms maps atom ID to its per-atom statistics.
	Atoms map[string]*AtomStats `json:"atoms"`

	// Waves maps wave number to its closed record.
	Waves map[int]*WaveExecutionRecord `json:"waves"`
}

// AtomStats holds rolling statistics for one atom.
type AtomStats struct {
	AtomID     string          `json:"atom_id"`
	Attempts   int             `json:"attempts"`
	Successes  int             `json:"successes"`
	Failures   int             `json:"failures"`
	MinElapsed int64           `json:"min_elapsed_ns"`
	MaxElapsed int64           `json:"max_elapsed_ns"`
	AvgElapsed int64           `json:"avg_elapsed_ns"`
	PeakMemory int64           `json:"peak_memory_bytes"`
	Categories []ErrorCategory `json:"categories,omitempty"`
}

// ErrorAnalysis summarizes failure patterns across a run.
type ErrorAnalysis struct {
	// ByCategory counts failed attempts per error category.
	ByCategory map[ErrorCategory]int `json:"by_category"`

	// TopMessages lists the most frequent error messages, most common first.
	TopMessages []MessageCount `json:"top_messages,omitempty"`

	// AtomsOnHold lists atoms whose failures were never recovered.
	AtomsOnHold []string `json:"atoms_on_hold,omitempty"`
}

// MessageCount pairs an error message with its occurrence count.
type MessageCount struct {
	Message string `json:"message"`
	Count   int    `json:"count"`
}

// AtomSource supplies atoms and wave structure. It is implemented by the
// external decomposition/graph-builder stage; atoms are assumed already
// validated for structural correctness before reaching the engine.
type AtomSource interface {
	// GetAtom retrieves a single atom by ID.
	GetAtom(ctx context.Context, id string) (*AtomicUnit, error)

	// GetAtomsForWave retrieves the atoms of one wave of a system.
	GetAtomsForWave(ctx context.Context, systemID string, wave int) ([]*AtomicUnit, error)

	// GetWavePlan retrieves the full wave plan for a system.
	GetWavePlan(ctx context.Context, systemID string) (*WavePlan, error)
}

// RepairService is the optional external code-repair collaborator.
// Its absence or failure must never crash the orchestrator; the retry
// decision is downgraded to manual instead.
type RepairService interface {
	// ProposeFix returns replacement source for the atom, or empty when no
	// fix could be produced.
	ProposeFix(ctx context.Context, atom *AtomicUnit, result *ExecutionResult, decision RetryDecision) (string, error)
}

// GatePolicy decides skip eligibility and wave progression. A nil policy
// falls back to the atom's NonCritical flag and the configured threshold.
type GatePolicy interface {
	// AllowSkip reports whether policy permits abandoning the atom.
	AllowSkip(ctx context.Context, atom *AtomicUnit) (bool, error)

	// ProceedAfterWave reports whether subsequent waves may start given the
	// closed record of the wave that just finished.
	ProceedAfterWave(ctx context.Context, record *WaveExecutionRecord) (bool, error)
}
