package sandbox

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/atomrun/atomrun/pkg/engine"
)

func shAtom(id, script string) *engine.AtomicUnit {
	return &engine.AtomicUnit{
		ID:          id,
		Source:      script,
		Language:    "sh",
		ModuleID:    "m1",
		ComponentID: "c1",
		SystemID:    "sys1",
	}
}

func TestProcessExecutorSuccess(t *testing.T) {
	p := NewProcessExecutor(DefaultLimits(), t.TempDir(), nil, nil)

	result, err := p.Execute(context.Background(), shAtom("a1", "echo hello"), engine.ExecutionInput{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if strings.TrimSpace(result.Stdout) != "hello" {
		t.Errorf("expected stdout 'hello', got %q", result.Stdout)
	}
	if result.Elapsed <= 0 {
		t.Error("expected positive elapsed time")
	}
	if result.Timestamp.IsZero() {
		t.Error("expected a completion timestamp")
	}
}

func TestProcessExecutorCapturesFailure(t *testing.T) {
	p := NewProcessExecutor(DefaultLimits(), t.TempDir(), nil, nil)

	result, err := p.Execute(context.Background(), shAtom("a1", "echo broken >&2; exit 3"), engine.ExecutionInput{})
	if err != nil {
		t.Fatalf("failures must become results, not errors: %v", err)
	}
	if result.Success {
		t.Fatal("expected failure")
	}
	if !strings.Contains(result.Stderr, "broken") {
		t.Errorf("expected stderr captured, got %q", result.Stderr)
	}
	if result.ErrorMessage == "" {
		t.Error("expected an error message")
	}
	// Ordinary exit failures carry no authoritative category; classification
	// happens downstream.
	if result.Category != "" {
		t.Errorf("expected empty category, got %s", result.Category)
	}
}

func TestProcessExecutorTimeout(t *testing.T) {
	limits := Limits{WallClock: 200 * time.Millisecond}
	p := NewProcessExecutor(limits, t.TempDir(), nil, nil)

	start := time.Now()
	result, err := p.Execute(context.Background(), shAtom("a1", "sleep 10"), engine.ExecutionInput{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Success {
		t.Fatal("expected timeout failure")
	}
	if result.Category != engine.CategoryTimeout {
		t.Errorf("expected timeout category, got %s", result.Category)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout not enforced, took %s", elapsed)
	}
}

func TestProcessExecutorUnknownLanguageIsFatal(t *testing.T) {
	p := NewProcessExecutor(DefaultLimits(), t.TempDir(), nil, nil)

	atom := shAtom("a1", "whatever")
	atom.Language = "cobol"

	_, err := p.Execute(context.Background(), atom, engine.ExecutionInput{})
	if err == nil {
		t.Fatal("expected sandbox setup error")
	}
	if !engine.IsFatal(err) {
		t.Errorf("expected fatal error, got %v", err)
	}
	if engine.CategoryOf(err) != engine.CategorySandboxSetup {
		t.Errorf("expected sandbox_setup category, got %s", engine.CategoryOf(err))
	}
}

func TestProcessExecutorStdinAndArgs(t *testing.T) {
	p := NewProcessExecutor(DefaultLimits(), t.TempDir(), nil, nil)

	result, err := p.Execute(context.Background(), shAtom("a1", `read line; echo "$line:$1"`), engine.ExecutionInput{
		Stdin: "from-stdin\n",
		Args:  []string{"from-args"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(result.Stdout) != "from-stdin:from-args" {
		t.Errorf("unexpected stdout: %q", result.Stdout)
	}
}

func TestProcessExecutorEnvironmentIsolation(t *testing.T) {
	t.Setenv("ATOMRUN_TEST_SECRET", "leak")
	p := NewProcessExecutor(DefaultLimits(), t.TempDir(), nil, nil)

	result, err := p.Execute(context.Background(), shAtom("a1", `echo "secret=[$ATOMRUN_TEST_SECRET] extra=[$EXTRA]"`), engine.ExecutionInput{
		Env: map[string]string{"EXTRA": "visible"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(result.Stdout) != "secret=[] extra=[visible]" {
		t.Errorf("environment leaked into sandbox: %q", result.Stdout)
	}
}

func TestLimitsDefaults(t *testing.T) {
	l := Limits{}.withDefaults()
	if l.WallClock != 30*time.Second {
		t.Errorf("expected 30s wall clock, got %s", l.WallClock)
	}
	if l.MemoryBytes != 512<<20 {
		t.Errorf("expected 512MB, got %d", l.MemoryBytes)
	}
	if l.CPUs != 1 {
		t.Errorf("expected 1 cpu, got %d", l.CPUs)
	}

	partial := Limits{WallClock: time.Second}.withDefaults()
	if partial.WallClock != time.Second || partial.MemoryBytes != 512<<20 {
		t.Errorf("partial defaults wrong: %+v", partial)
	}
}

func TestCPUSecondsFor(t *testing.T) {
	if got := cpuSecondsFor(Limits{WallClock: 30 * time.Second, CPUs: 2}); got != 60 {
		t.Errorf("expected 60 cpu-seconds, got %d", got)
	}
	// Sub-second budgets still get at least one second of CPU time.
	if got := cpuSecondsFor(Limits{WallClock: 500 * time.Millisecond, CPUs: 1}); got != 1 {
		t.Errorf("expected 1 cpu-second floor, got %d", got)
	}
}

func TestFirstLine(t *testing.T) {
	if got := firstLine("Traceback\n  ...\nValueError: bad"); got != "ValueError: bad" {
		t.Errorf("expected last line of traceback, got %q", got)
	}
	if got := firstLine(""); got != "" {
		t.Errorf("expected empty, got %q", got)
	}
}
