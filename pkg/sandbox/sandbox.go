// Package sandbox provides isolated, resource-bounded execution backends
// for atoms. The isolation technology sits behind engine.Executor so it is
// swappable without touching the orchestrator or classifier: a subprocess
// backend for interpreted languages and a wazero backend for WASM atoms.
package sandbox

import (
	"context"
	"strings"
	"time"

	"github.com/atomrun/atomrun/pkg/engine"
	"github.com/atomrun/atomrun/pkg/telemetry"
)

// Limits are the per-attempt resource ceilings enforced by every backend.
type Limits struct {
	// WallClock is the maximum wall-clock time per attempt.
	WallClock time.Duration

	// MemoryBytes is the maximum memory per attempt.
	MemoryBytes int64

	// CPUs is the CPU core allocation per attempt.
	CPUs int
}

// DefaultLimits returns the standard sandbox ceilings: 30 seconds wall
// clock, 512MB memory, one CPU core.
func DefaultLimits() Limits {
	return Limits{
		WallClock:   30 * time.Second,
		MemoryBytes: 512 << 20,
		CPUs:        1,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.WallClock <= 0 {
		l.WallClock = d.WallClock
	}
	if l.MemoryBytes <= 0 {
		l.MemoryBytes = d.MemoryBytes
	}
	if l.CPUs <= 0 {
		l.CPUs = d.CPUs
	}
	return l
}

// Config configures the dispatching executor.
type Config struct {
	// Limits are the resource ceilings applied to every attempt.
	Limits Limits

	// WorkDir is the base directory for per-attempt scratch directories.
	// Empty means the system temp directory.
	WorkDir string

	// Interpreters maps a language name to its interpreter binary.
	// Unlisted languages fall back to the built-in defaults.
	Interpreters map[string]string
}

// Executor dispatches atoms to a backend by declared language. WASM atoms
// run in-process under wazero; everything else runs as a subprocess.
type Executor struct {
	process *ProcessExecutor
	wasm    *WASMExecutor
}

// NewExecutor creates a dispatching executor over both backends.
func NewExecutor(cfg Config, logger *telemetry.Logger) *Executor {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	limits := cfg.Limits.withDefaults()
	return &Executor{
		process: NewProcessExecutor(limits, cfg.WorkDir, cfg.Interpreters, logger),
		wasm:    NewWASMExecutor(limits, logger),
	}
}

// Execute runs one atom in the backend matching its language.
func (e *Executor) Execute(ctx context.Context, atom *engine.AtomicUnit, input engine.ExecutionInput) (*engine.ExecutionResult, error) {
	if strings.EqualFold(atom.Language, "wasm") {
		return e.wasm.Execute(ctx, atom, input)
	}
	return e.process.Execute(ctx, atom, input)
}

// ExecuteBatch runs atoms one after another. Concurrency and ordering are
// the orchestrator's concern, not the sandbox's.
func (e *Executor) ExecuteBatch(ctx context.Context, atoms []*engine.AtomicUnit, inputs []engine.ExecutionInput) ([]*engine.ExecutionResult, error) {
	return executeSequential(ctx, e, atoms, inputs)
}

func executeSequential(ctx context.Context, ex engine.Executor, atoms []*engine.AtomicUnit, inputs []engine.ExecutionInput) ([]*engine.ExecutionResult, error) {
	results := make([]*engine.ExecutionResult, 0, len(atoms))
	for i, atom := range atoms {
		var input engine.ExecutionInput
		if i < len(inputs) {
			input = inputs[i]
		}
		result, err := ex.Execute(ctx, atom, input)
		if err != nil {
			return results, err
		}
		results = append(results, result)
	}
	return results, nil
}
