package sandbox

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/atomrun/atomrun/pkg/engine"
	"github.com/atomrun/atomrun/pkg/telemetry"
)

const wasmPageSize = 65536

// WASMExecutor runs WASM atoms in-process under a wazero runtime. Each
// attempt gets a fresh runtime so no state leaks between atoms; the memory
// ceiling is enforced by the runtime itself via the page limit.
type WASMExecutor struct {
	limits Limits
	logger *telemetry.Logger
}

// NewWASMExecutor creates a wazero-backed executor.
func NewWASMExecutor(limits Limits, logger *telemetry.Logger) *WASMExecutor {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &WASMExecutor{
		limits: limits.withDefaults(),
		logger: logger.NewComponentLogger("sandbox.wasm"),
	}
}

// Execute instantiates the atom's module and runs its entrypoint under the
// configured limits. The atom's Source carries the module bytes encoded as
// base64.
func (w *WASMExecutor) Execute(ctx context.Context, atom *engine.AtomicUnit, input engine.ExecutionInput) (*engine.ExecutionResult, error) {
	started := time.Now()

	moduleBytes, err := decodeModule(atom.Source)
	if err != nil {
		// A malformed module is an atom defect, not a sandbox defect.
		return &engine.ExecutionResult{
			AtomID:       atom.ID,
			Success:      false,
			Category:     engine.CategorySyntax,
			ErrorMessage: fmt.Sprintf("invalid wasm module encoding: %v", err),
			Elapsed:      time.Since(started),
			Timestamp:    time.Now(),
		}, nil
	}

	pages := uint32(w.limits.MemoryBytes / wasmPageSize)
	if pages == 0 {
		pages = 1
	}

	execCtx, cancel := context.WithTimeout(ctx, w.limits.WallClock)
	defer cancel()

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(pages).
		WithCloseOnContextDone(true)

	runtime := wazero.NewRuntimeWithConfig(execCtx, runtimeConfig)
	defer runtime.Close(context.WithoutCancel(ctx))

	if _, err := wasi_snapshot_preview1.Instantiate(execCtx, runtime); err != nil {
		return nil, engine.NewSandboxSetupError("failed to instantiate WASI", err).
			WithAtom(atom.ID).WithOp("wasi_instantiate")
	}

	var stdout, stderr bytes.Buffer
	moduleConfig := wazero.NewModuleConfig().
		WithName(atom.ID).
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithStdin(strings.NewReader(input.Stdin)).
		WithArgs(append([]string{atom.ID}, input.Args...)...)
	for k, v := range input.Env {
		moduleConfig = moduleConfig.WithEnv(k, v)
	}

	_, runErr := runtime.InstantiateWithConfig(execCtx, moduleBytes, moduleConfig)
	elapsed := time.Since(started)

	result := &engine.ExecutionResult{
		AtomID:    atom.ID,
		Success:   runErr == nil,
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Elapsed:   elapsed,
		Timestamp: time.Now(),
	}

	if runErr != nil {
		w.classifyRunError(execCtx, result, runErr)
		w.logger.Debug().
			Str("atom_id", atom.ID).
			Str("category", string(result.Category)).
			Dur("elapsed", elapsed).
			Msg("attempt failed")
	}

	return result, nil
}

// ExecuteBatch runs atoms one after another.
func (w *WASMExecutor) ExecuteBatch(ctx context.Context, atoms []*engine.AtomicUnit, inputs []engine.ExecutionInput) ([]*engine.ExecutionResult, error) {
	return executeSequential(ctx, w, atoms, inputs)
}

func (w *WASMExecutor) classifyRunError(ctx context.Context, result *engine.ExecutionResult, runErr error) {
	var exitErr *sys.ExitError
	if errors.As(runErr, &exitErr) {
		if exitErr.ExitCode() == 0 {
			result.Success = true
			return
		}
		result.ErrorMessage = fmt.Sprintf("module exited with code %d", exitErr.ExitCode())
		if msg := firstLine(result.Stderr); msg != "" {
			result.ErrorMessage = msg
		}
		result.StackTrace = result.Stderr
		return
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		result.Category = engine.CategoryTimeout
		result.ErrorMessage = fmt.Sprintf("wall-clock limit of %s exceeded", w.limits.WallClock)
		return
	}

	msg := runErr.Error()
	switch {
	case strings.Contains(msg, "out of memory") || (strings.Contains(msg, "memory") && strings.Contains(msg, "limit")):
		result.Category = engine.CategoryResourceLimit
		result.ErrorMessage = "memory limit exceeded"
	case strings.Contains(msg, "invalid") || strings.Contains(msg, "compile"):
		result.Category = engine.CategorySyntax
		result.ErrorMessage = msg
	default:
		result.ErrorMessage = msg
		result.StackTrace = result.Stderr
	}
}

// decodeModule accepts base64-encoded module bytes, tolerating whitespace.
// Raw binary that already starts with the wasm magic passes through as-is.
func decodeModule(source string) ([]byte, error) {
	if strings.HasPrefix(source, "\x00asm") {
		return []byte(source), nil
	}
	compact := strings.Map(func(r rune) rune {
		if r == ' ' || r == '\n' || r == '\t' || r == '\r' {
			return -1
		}
		return r
	}, source)
	return base64.StdEncoding.DecodeString(compact)
}
