package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/atomrun/atomrun/pkg/engine"
	"github.com/atomrun/atomrun/pkg/telemetry"
)

// defaultInterpreters maps languages to their interpreter and source suffix.
var defaultInterpreters = map[string]interpreterSpec{
	"python":     {command: "python3", suffix: ".py"},
	"javascript": {command: "node", suffix: ".js"},
	"ruby":       {command: "ruby", suffix: ".rb"},
	"sh":         {command: "sh", suffix: ".sh"},
	"bash":       {command: "bash", suffix: ".sh"},
}

type interpreterSpec struct {
	command string
	suffix  string
}

// memoryKilledMarkers are stderr fragments indicating the memory ceiling
// was hit rather than an ordinary runtime fault.
var memoryKilledMarkers = []string{
	"MemoryError",
	"out of memory",
	"OutOfMemoryError",
	"Cannot allocate memory",
}

// ProcessExecutor runs atoms as subprocesses, one scratch directory per
// attempt. Side effects are confined to that directory and it is removed
// on every exit path, timeout and setup failure included.
type ProcessExecutor struct {
	limits       Limits
	workDir      string
	interpreters map[string]string
	logger       *telemetry.Logger
}

// NewProcessExecutor creates a subprocess-backed executor. interpreters
// overrides the built-in language table; may be nil.
func NewProcessExecutor(limits Limits, workDir string, interpreters map[string]string, logger *telemetry.Logger) *ProcessExecutor {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	if workDir == "" {
		workDir = os.TempDir()
	}
	return &ProcessExecutor{
		limits:       limits.withDefaults(),
		workDir:      workDir,
		interpreters: interpreters,
		logger:       logger.NewComponentLogger("sandbox.process"),
	}
}

// Execute runs one atom as a subprocess under the configured limits.
// Every failure mode is converted into a well-formed result; only a
// failure to create the isolation environment is returned as an error.
func (p *ProcessExecutor) Execute(ctx context.Context, atom *engine.AtomicUnit, input engine.ExecutionInput) (*engine.ExecutionResult, error) {
	started := time.Now()

	spec, err := p.interpreterFor(atom.Language)
	if err != nil {
		return nil, engine.NewSandboxSetupError("no interpreter for language", err).
			WithAtom(atom.ID).WithOp("interpreter_lookup")
	}

	dir, err := os.MkdirTemp(p.workDir, "atomrun-"+uuid.New().String()[:8]+"-")
	if err != nil {
		return nil, engine.NewSandboxSetupError("failed to create scratch directory", err).
			WithAtom(atom.ID).WithOp("mkdir")
	}
	defer os.RemoveAll(dir)

	srcPath := filepath.Join(dir, "atom"+spec.suffix)
	if err := os.WriteFile(srcPath, []byte(atom.Source), 0o600); err != nil {
		return nil, engine.NewSandboxSetupError("failed to write atom source", err).
			WithAtom(atom.ID).WithOp("write_source")
	}

	execCtx, cancel := context.WithTimeout(ctx, p.limits.WallClock)
	defer cancel()

	args := append([]string{srcPath}, input.Args...)
	cmd := exec.CommandContext(execCtx, spec.command, args...)
	cmd.Dir = dir
	cmd.Env = p.buildEnv(dir, input.Env)
	if input.Stdin != "" {
		cmd.Stdin = strings.NewReader(input.Stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Start()
	if runErr == nil {
		if lerr := applyResourceLimits(cmd.Process.Pid, p.limits); lerr != nil {
			p.logger.Warn().Err(lerr).Str("atom_id", atom.ID).Msg("resource limits not applied")
		}
		runErr = cmd.Wait()
	}
	elapsed := time.Since(started)

	result := &engine.ExecutionResult{
		AtomID:          atom.ID,
		Success:         runErr == nil,
		Stdout:          stdout.String(),
		Stderr:          stderr.String(),
		Elapsed:         elapsed,
		PeakMemoryBytes: peakMemory(cmd),
		Timestamp:       time.Now(),
	}

	if runErr != nil {
		p.classifyRunError(execCtx, result, runErr)
		p.logger.Debug().
			Str("atom_id", atom.ID).
			Str("category", string(result.Category)).
			Dur("elapsed", elapsed).
			Msg("attempt failed")
	}

	return result, nil
}

// ExecuteBatch runs atoms one after another.
func (p *ProcessExecutor) ExecuteBatch(ctx context.Context, atoms []*engine.AtomicUnit, inputs []engine.ExecutionInput) ([]*engine.ExecutionResult, error) {
	return executeSequential(ctx, p, atoms, inputs)
}

func (p *ProcessExecutor) interpreterFor(language string) (interpreterSpec, error) {
	lang := strings.ToLower(language)

	if override, ok := p.interpreters[lang]; ok {
		spec := interpreterSpec{command: override, suffix: ".txt"}
		if d, ok := defaultInterpreters[lang]; ok {
			spec.suffix = d.suffix
		}
		if _, err := exec.LookPath(spec.command); err != nil {
			return interpreterSpec{}, err
		}
		return spec, nil
	}

	spec, ok := defaultInterpreters[lang]
	if !ok {
		return interpreterSpec{}, fmt.Errorf("unsupported language: %s", language)
	}
	if _, err := exec.LookPath(spec.command); err != nil {
		return interpreterSpec{}, err
	}
	return spec, nil
}

// buildEnv produces a minimal environment. Atoms never inherit the engine's
// environment; only PATH, the scratch paths, and explicit inputs pass through.
func (p *ProcessExecutor) buildEnv(dir string, extra map[string]string) []string {
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + dir,
		"TMPDIR=" + dir,
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// classifyRunError assigns the categories the sandbox can determine
// authoritatively. Everything else is left for the classifier to derive
// from the captured output.
func (p *ProcessExecutor) classifyRunError(ctx context.Context, result *engine.ExecutionResult, runErr error) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		result.Category = engine.CategoryTimeout
		result.ErrorMessage = fmt.Sprintf("wall-clock limit of %s exceeded", p.limits.WallClock)
		return
	}

	for _, marker := range memoryKilledMarkers {
		if strings.Contains(result.Stderr, marker) {
			result.Category = engine.CategoryResourceLimit
			result.ErrorMessage = "memory limit exceeded"
			return
		}
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			// SIGXCPU is raised when the CPU-time rlimit is hit; SIGKILL is
			// the hard stop from the same enforcement.
			if status.Signal() == syscall.SIGKILL || status.Signal() == syscall.SIGXCPU {
				result.Category = engine.CategoryResourceLimit
				result.ErrorMessage = "process killed by resource enforcement"
				return
			}
		}
		result.ErrorMessage = firstLine(result.Stderr)
		if result.ErrorMessage == "" {
			result.ErrorMessage = exitErr.Error()
		}
		result.StackTrace = result.Stderr
		return
	}

	result.ErrorMessage = runErr.Error()
}

// cpuSecondsFor converts the wall-clock limit and core allocation into a
// CPU-time allowance in whole seconds, never less than one.
func cpuSecondsFor(limits Limits) uint64 {
	secs := uint64(limits.WallClock.Seconds()) * uint64(limits.CPUs)
	if secs == 0 {
		secs = 1
	}
	return secs
}

// peakMemory reads the child's max RSS when the platform reports it.
func peakMemory(cmd *exec.Cmd) int64 {
	if cmd.ProcessState == nil {
		return 0
	}
	if usage, ok := cmd.ProcessState.SysUsage().(*syscall.Rusage); ok {
		// Maxrss is in kilobytes on Linux.
		return usage.Maxrss * 1024
	}
	return 0
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	// Interpreter tracebacks put the exception on the last line.
	lines := strings.Split(s, "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
