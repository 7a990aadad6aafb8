package monitor

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/atomrun/atomrun/pkg/engine"
	"github.com/atomrun/atomrun/pkg/telemetry"
)

func metricsOn() telemetry.MetricsConfig {
	return telemetry.MetricsConfig{
		Enabled:       true,
		Namespace:     "atomrun",
		ListenAddress: "127.0.0.1:0",
		Path:          "/metrics",
	}
}

func TestMetricsDisabledIsNoop(t *testing.T) {
	m, err := NewMetrics(metricsOff())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m.RecordAttempt(attempt("a1", 0, 0, true, time.Millisecond))
	m.RecordWave(&engine.WaveExecutionRecord{Wave: 0})
}

func TestMetricsCountsEachAtomOnce(t *testing.T) {
	m, err := NewMetrics(metricsOn())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Three attempts of the same atom, then one attempt of another.
	r0 := attempt("a1", 0, 0, false, time.Millisecond)
	r0.Category = engine.CategoryTimeout
	m.RecordAttempt(r0)
	r1 := attempt("a1", 0, 1, false, time.Millisecond)
	r1.Category = engine.CategoryTimeout
	m.RecordAttempt(r1)
	m.RecordAttempt(attempt("a1", 0, 2, true, time.Millisecond))
	m.RecordAttempt(attempt("a2", 0, 0, true, time.Millisecond))

	// Retries must not inflate the started-atoms counter.
	if got := testutil.ToFloat64(m.atomsStarted); got != 2 {
		t.Errorf("expected 2 atoms started, got %f", got)
	}
	if got := testutil.ToFloat64(m.attemptsTotal.WithLabelValues("failed", string(engine.CategoryTimeout))); got != 2 {
		t.Errorf("expected 2 failed attempts, got %f", got)
	}
	if got := testutil.ToFloat64(m.errorsByCategory.WithLabelValues(string(engine.CategoryTimeout))); got != 2 {
		t.Errorf("expected 2 timeout errors, got %f", got)
	}
}

func TestMetricsRecordWave(t *testing.T) {
	m, err := NewMetrics(metricsOn())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	m.RecordWave(&engine.WaveExecutionRecord{
		Wave:                0,
		AtomIDs:             []string{"a1", "a2"},
		Succeeded:           1,
		Failed:              1,
		AchievedParallelism: 2,
	})

	if got := testutil.ToFloat64(m.wavesTotal.WithLabelValues("completed")); got != 1 {
		t.Errorf("expected 1 completed wave, got %f", got)
	}
	if got := testutil.ToFloat64(m.waveSuccessRate); got != 0.5 {
		t.Errorf("expected success rate 0.5, got %f", got)
	}
	if got := testutil.ToFloat64(m.waveParallelism); got != 2 {
		t.Errorf("expected parallelism 2, got %f", got)
	}
}
