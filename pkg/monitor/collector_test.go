package monitor

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/atomrun/atomrun/pkg/engine"
	"github.com/atomrun/atomrun/pkg/telemetry"
)

func metricsOff() telemetry.MetricsConfig {
	return telemetry.MetricsConfig{Enabled: false}
}

func attempt(atomID string, wave, n int, success bool, elapsed time.Duration) *engine.ExecutionResult {
	return &engine.ExecutionResult{
		AtomID:    atomID,
		Wave:      wave,
		Attempt:   n,
		Success:   success,
		Elapsed:   elapsed,
		Timestamp: time.Now(),
	}
}

func TestCollectorPerAtomStats(t *testing.T) {
	c := NewCollector(nil)

	r1 := attempt("a1", 0, 0, false, 10*time.Millisecond)
	r1.Category = engine.CategoryDependency
	r1.ErrorMessage = "missing module"
	c.RecordAttempt(r1)

	r2 := attempt("a1", 0, 1, true, 30*time.Millisecond)
	r2.PeakMemoryBytes = 2048
	c.RecordAttempt(r2)

	stats := c.Summary()
	if stats.AtomsProcessed != 1 {
		t.Errorf("expected 1 atom processed, got %d", stats.AtomsProcessed)
	}
	if stats.TotalAttempts != 2 {
		t.Errorf("expected 2 attempts, got %d", stats.TotalAttempts)
	}
	if stats.Succeeded != 1 || stats.Failed != 0 {
		t.Errorf("expected 1 succeeded / 0 failed, got %d / %d", stats.Succeeded, stats.Failed)
	}

	atom := stats.Atoms["a1"]
	if atom == nil {
		t.Fatal("missing per-atom stats")
	}
	if atom.Attempts != 2 || atom.Successes != 1 || atom.Failures != 1 {
		t.Errorf("unexpected tallies: %+v", atom)
	}
	if atom.MinElapsed != (10 * time.Millisecond).Nanoseconds() {
		t.Errorf("unexpected min elapsed: %d", atom.MinElapsed)
	}
	if atom.MaxElapsed != (30 * time.Millisecond).Nanoseconds() {
		t.Errorf("unexpected max elapsed: %d", atom.MaxElapsed)
	}
	if atom.AvgElapsed != (20 * time.Millisecond).Nanoseconds() {
		t.Errorf("unexpected avg elapsed: %d", atom.AvgElapsed)
	}
	if atom.PeakMemory != 2048 {
		t.Errorf("unexpected peak memory: %d", atom.PeakMemory)
	}
	if len(atom.Categories) != 1 || atom.Categories[0] != engine.CategoryDependency {
		t.Errorf("unexpected categories: %v", atom.Categories)
	}
}

func TestCollectorWaveLifecycle(t *testing.T) {
	c := NewCollector(nil)

	c.StartWave(0, []string{"a1", "a2"}, 2)
	c.RecordAttempt(attempt("a1", 0, 0, true, time.Millisecond))
	c.RecordAttempt(attempt("a2", 0, 0, false, time.Millisecond))

	record, err := c.CompleteWave(0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record.Succeeded != 1 || record.Failed != 1 {
		t.Errorf("expected 1/1, got %d/%d", record.Succeeded, record.Failed)
	}
	if got := record.SuccessRate(); got != 0.5 {
		t.Errorf("expected success rate 0.5, got %f", got)
	}
	if record.PlannedParallelism != 2 {
		t.Errorf("expected planned parallelism 2, got %d", record.PlannedParallelism)
	}

	// Double close is an error.
	if _, err := c.CompleteWave(0); err == nil {
		t.Error("expected error completing a closed wave")
	}
	// Unknown wave is an error.
	if _, err := c.CompleteWave(7); err == nil {
		t.Error("expected error completing an unknown wave")
	}
}

func TestCollectorRetrySuccessCountsOnce(t *testing.T) {
	c := NewCollector(nil)

	c.StartWave(0, []string{"a1"}, 1)
	c.RecordAttempt(attempt("a1", 0, 0, false, time.Millisecond))
	c.RecordAttempt(attempt("a1", 0, 1, false, time.Millisecond))
	c.RecordAttempt(attempt("a1", 0, 2, true, time.Millisecond))

	record, err := c.CompleteWave(0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// The atom's latest attempt decides; retries are not double counted.
	if record.Succeeded != 1 || record.Failed != 0 {
		t.Errorf("expected 1/0, got %d/%d", record.Succeeded, record.Failed)
	}

	stats := c.Summary()
	if stats.TotalAttempts != 3 {
		t.Errorf("expected 3 total attempts, got %d", stats.TotalAttempts)
	}
	if stats.Succeeded != 1 {
		t.Errorf("expected 1 succeeded atom, got %d", stats.Succeeded)
	}
}

func TestCollectorAchievedParallelism(t *testing.T) {
	c := NewCollector(nil)
	c.StartWave(0, []string{"a1", "a2", "a3"}, 3)

	base := time.Now()
	mk := func(id string, start, end time.Duration) *engine.ExecutionResult {
		return &engine.ExecutionResult{
			AtomID:    id,
			Wave:      0,
			Success:   true,
			Elapsed:   end - start,
			Timestamp: base.Add(end),
		}
	}

	// a1 and a2 overlap; a3 starts after both finished.
	c.RecordAttempt(mk("a1", 0, 50*time.Millisecond))
	c.RecordAttempt(mk("a2", 20*time.Millisecond, 70*time.Millisecond))
	c.RecordAttempt(mk("a3", 80*time.Millisecond, 120*time.Millisecond))

	record, err := c.CompleteWave(0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record.AchievedParallelism != 2 {
		t.Errorf("expected achieved parallelism 2, got %d", record.AchievedParallelism)
	}
}

func TestCollectorConcurrentRecordAttempt(t *testing.T) {
	c := NewCollector(nil)

	const atoms = 16
	const attemptsPerAtom = 25

	ids := make([]string, atoms)
	for i := range ids {
		ids[i] = fmt.Sprintf("a%d", i)
	}
	c.StartWave(0, ids, atoms)

	var wg sync.WaitGroup
	for i := 0; i < atoms; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for n := 0; n < attemptsPerAtom; n++ {
				c.RecordAttempt(attempt(id, 0, n, n == attemptsPerAtom-1, time.Millisecond))
			}
		}(ids[i])
	}
	wg.Wait()

	stats := c.Summary()
	if stats.TotalAttempts != atoms*attemptsPerAtom {
		t.Errorf("lost or duplicated records: expected %d, got %d", atoms*attemptsPerAtom, stats.TotalAttempts)
	}
	if stats.AtomsProcessed != atoms {
		t.Errorf("expected %d atoms, got %d", atoms, stats.AtomsProcessed)
	}
	for _, id := range ids {
		if stats.Atoms[id].Attempts != attemptsPerAtom {
			t.Errorf("atom %s: expected %d attempts, got %d", id, attemptsPerAtom, stats.Atoms[id].Attempts)
		}
	}

	record, err := c.CompleteWave(0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record.Succeeded != atoms {
		t.Errorf("expected all %d atoms succeeded, got %d", atoms, record.Succeeded)
	}
}

func TestCollectorErrorAnalysis(t *testing.T) {
	c := NewCollector(nil)

	for i := 0; i < 3; i++ {
		r := attempt("a1", 0, i, false, time.Millisecond)
		r.Category = engine.CategoryTimeout
		r.ErrorMessage = "wall-clock limit exceeded"
		c.RecordAttempt(r)
	}
	r := attempt("a2", 0, 0, false, time.Millisecond)
	r.Category = engine.CategoryRuntime
	r.ErrorMessage = "division by zero"
	c.RecordAttempt(r)
	c.RecordAttempt(attempt("a3", 0, 0, true, time.Millisecond))

	analysis := c.ErrorAnalysis()
	if analysis.ByCategory[engine.CategoryTimeout] != 3 {
		t.Errorf("expected 3 timeout failures, got %d", analysis.ByCategory[engine.CategoryTimeout])
	}
	if analysis.ByCategory[engine.CategoryRuntime] != 1 {
		t.Errorf("expected 1 runtime failure, got %d", analysis.ByCategory[engine.CategoryRuntime])
	}
	if len(analysis.TopMessages) != 2 {
		t.Fatalf("expected 2 distinct messages, got %d", len(analysis.TopMessages))
	}
	if analysis.TopMessages[0].Message != "wall-clock limit exceeded" || analysis.TopMessages[0].Count != 3 {
		t.Errorf("unexpected top message: %+v", analysis.TopMessages[0])
	}
	if len(analysis.AtomsOnHold) != 2 {
		t.Errorf("expected 2 atoms on hold, got %v", analysis.AtomsOnHold)
	}
}

func TestMetricsDisabledIsNoOp(t *testing.T) {
	m, err := NewMetrics(metricsOff())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Must not panic with no registered metrics.
	m.RecordAttempt(attempt("a1", 0, 0, true, time.Millisecond))
	m.RecordWave(&engine.WaveExecutionRecord{Wave: 0, AtomIDs: []string{"a1"}, Succeeded: 1})

	if err := m.StartMetricsServer(); err != nil {
		t.Errorf("disabled metrics server should be a no-op, got %v", err)
	}
}
