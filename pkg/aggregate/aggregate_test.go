package aggregate

import (
	"reflect"
	"testing"
	"time"

	"github.com/atomrun/atomrun/pkg/engine"
)

func finalResult(atomID string, success bool, stdout, errMsg string) *engine.ExecutionResult {
	return &engine.ExecutionResult{
		AtomID:       atomID,
		Success:      success,
		Stdout:       stdout,
		ErrorMessage: errMsg,
		Elapsed:      10 * time.Millisecond,
		Timestamp:    time.Now(),
	}
}

func TestAggregateAtomsDeduplicatesOutputsInOrder(t *testing.T) {
	results := []*engine.ExecutionResult{
		finalResult("a1", true, "out-x", ""),
		finalResult("a2", true, "out-y", ""),
		finalResult("a3", true, "out-x", ""),
		finalResult("a4", true, "out-z", ""),
	}

	agg := AggregateAtoms(results)
	if agg.Level != engine.LevelAtom {
		t.Errorf("expected atom level, got %s", agg.Level)
	}
	want := []string{"out-x", "out-y", "out-z"}
	if !reflect.DeepEqual(agg.Outputs, want) {
		t.Errorf("expected %v, got %v", want, agg.Outputs)
	}
	if agg.Total != 4 || agg.Succeeded != 4 {
		t.Errorf("expected 4/4, got %d/%d", agg.Total, agg.Succeeded)
	}
	if agg.SuccessRate != 1.0 {
		t.Errorf("expected rate 1.0, got %f", agg.SuccessRate)
	}
}

func TestAggregateModuleCollectsErrorsAsSet(t *testing.T) {
	results := []*engine.ExecutionResult{
		finalResult("a1", false, "", "missing module"),
		finalResult("a2", false, "", "missing module"),
		finalResult("a3", false, "", "division by zero"),
		finalResult("a4", true, "ok", ""),
	}

	agg := AggregateModule("m1", results)
	if agg.EntityID != "m1" || agg.Level != engine.LevelModule {
		t.Errorf("unexpected identity: %s/%s", agg.Level, agg.EntityID)
	}
	want := []string{"missing module", "division by zero"}
	if !reflect.DeepEqual(agg.Errors, want) {
		t.Errorf("expected %v, got %v", want, agg.Errors)
	}
	if agg.Total != 4 || agg.Succeeded != 1 {
		t.Errorf("expected 4 total / 1 succeeded, got %d/%d", agg.Total, agg.Succeeded)
	}
	if agg.SuccessRate != 0.25 {
		t.Errorf("expected rate 0.25, got %f", agg.SuccessRate)
	}
	if agg.TotalElapsed != 40*time.Millisecond {
		t.Errorf("expected 40ms total elapsed, got %s", agg.TotalElapsed)
	}
}

func TestMergeSumsCountsAndDeduplicatesAcrossChildren(t *testing.T) {
	m1 := AggregateModule("m1", []*engine.ExecutionResult{
		finalResult("a1", true, "shared", ""),
		finalResult("a2", false, "", "boom"),
	})
	m2 := AggregateModule("m2", []*engine.ExecutionResult{
		finalResult("a3", true, "shared", ""),
		finalResult("a4", true, "unique", ""),
		finalResult("a5", false, "", "boom"),
	})

	comp := AggregateComponent("c1", []*engine.AggregatedResult{m1, m2})
	if comp.Total != 5 || comp.Succeeded != 3 {
		t.Errorf("count-sum invariant violated: %d/%d", comp.Succeeded, comp.Total)
	}
	if want := []string{"shared", "unique"}; !reflect.DeepEqual(comp.Outputs, want) {
		t.Errorf("expected %v, got %v", want, comp.Outputs)
	}
	if want := []string{"boom"}; !reflect.DeepEqual(comp.Errors, want) {
		t.Errorf("expected %v, got %v", want, comp.Errors)
	}

	sys := AggregateSystem("sys1", []*engine.AggregatedResult{comp})
	if sys.Total != comp.Total || sys.Succeeded != comp.Succeeded {
		t.Errorf("system roll-up changed counts: %d/%d vs %d/%d",
			sys.Succeeded, sys.Total, comp.Succeeded, comp.Total)
	}
	if sys.Level != engine.LevelSystem || sys.EntityID != "sys1" {
		t.Errorf("unexpected identity: %s/%s", sys.Level, sys.EntityID)
	}
}

func TestAggregateEmptyInput(t *testing.T) {
	agg := AggregateAtoms(nil)
	if agg.Total != 0 || agg.SuccessRate != 0 {
		t.Errorf("expected zero aggregation, got %+v", agg)
	}
	if len(agg.Outputs) != 0 || len(agg.Errors) != 0 {
		t.Errorf("expected no outputs or errors, got %+v", agg)
	}
}

func TestAggregateTimestampRange(t *testing.T) {
	base := time.Now()
	early := finalResult("a1", true, "", "")
	early.Timestamp = base
	early.Elapsed = 5 * time.Millisecond
	late := finalResult("a2", true, "", "")
	late.Timestamp = base.Add(time.Second)

	agg := AggregateAtoms([]*engine.ExecutionResult{late, early})
	if !agg.Earliest.Equal(early.StartedAt()) {
		t.Errorf("expected earliest %s, got %s", early.StartedAt(), agg.Earliest)
	}
	if !agg.Latest.Equal(late.Timestamp) {
		t.Errorf("expected latest %s, got %s", late.Timestamp, agg.Latest)
	}
}

func hierarchyAtom(id, moduleID, componentID string) *engine.AtomicUnit {
	return &engine.AtomicUnit{
		ID:          id,
		Source:      "x",
		Language:    "python",
		ModuleID:    moduleID,
		ComponentID: componentID,
		SystemID:    "sys1",
	}
}

func succeededOutcome(id, stdout string) *engine.AtomOutcome {
	return &engine.AtomOutcome{
		AtomID: id,
		Status: engine.AtomStatusSucceeded,
		Attempts: []engine.ExecutionResult{
			// An intermediate failed attempt that must not leak into aggregation.
			{AtomID: id, Attempt: 0, Success: false, ErrorMessage: "first try failed"},
			{AtomID: id, Attempt: 1, Success: true, Stdout: stdout, Elapsed: time.Millisecond, Timestamp: time.Now()},
		},
	}
}

func TestHierarchyAggregatesFinalResultsOnly(t *testing.T) {
	atoms := []*engine.AtomicUnit{
		hierarchyAtom("a1", "m1", "c1"),
		hierarchyAtom("a2", "m1", "c1"),
		hierarchyAtom("a3", "m2", "c1"),
	}
	outcomes := map[string]*engine.AtomOutcome{
		"a1": succeededOutcome("a1", "one"),
		"a2": succeededOutcome("a2", "two"),
		"a3": succeededOutcome("a3", "three"),
	}

	h := NewHierarchy(nil)
	sys, err := h.AggregateSystem("sys1", atoms, outcomes)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sys.Total != 3 || sys.Succeeded != 3 {
		t.Errorf("expected 3/3, got %d/%d", sys.Succeeded, sys.Total)
	}
	// Intermediate retry errors are excluded from aggregation.
	if len(sys.Errors) != 0 {
		t.Errorf("intermediate attempt errors leaked: %v", sys.Errors)
	}
	if want := []string{"one", "two", "three"}; !reflect.DeepEqual(sys.Outputs, want) {
		t.Errorf("expected %v, got %v", want, sys.Outputs)
	}
}

func TestHierarchyCountsUnattemptedAtoms(t *testing.T) {
	atoms := []*engine.AtomicUnit{
		hierarchyAtom("a1", "m1", "c1"),
		hierarchyAtom("a2", "m2", "c2"), // halted by the gate, never attempted
	}
	outcomes := map[string]*engine.AtomOutcome{
		"a1": succeededOutcome("a1", "one"),
	}

	h := NewHierarchy(nil)
	sys, err := h.AggregateSystem("sys1", atoms, outcomes)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sys.Total != 2 {
		t.Errorf("unattempted atom must count toward total, got %d", sys.Total)
	}
	if sys.Succeeded != 1 {
		t.Errorf("expected 1 succeeded, got %d", sys.Succeeded)
	}
	if sys.SuccessRate != 0.5 {
		t.Errorf("expected rate 0.5, got %f", sys.SuccessRate)
	}
}

func TestHierarchySkippedAtomNotCountedAsSuccess(t *testing.T) {
	atoms := []*engine.AtomicUnit{
		hierarchyAtom("a1", "m1", "c1"),
		hierarchyAtom("a2", "m1", "c1"),
	}
	outcomes := map[string]*engine.AtomOutcome{
		"a1": succeededOutcome("a1", "one"),
		"a2": {
			AtomID: "a2",
			Status: engine.AtomStatusSkipped,
			Attempts: []engine.ExecutionResult{
				{AtomID: "a2", Success: false, ErrorMessage: "flaky", Timestamp: time.Now()},
			},
		},
	}

	h := NewHierarchy(nil)
	sys, err := h.AggregateSystem("sys1", atoms, outcomes)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sys.Total != 2 || sys.Succeeded != 1 {
		t.Errorf("expected 2 total / 1 succeeded, got %d/%d", sys.Total, sys.Succeeded)
	}
}

func TestHierarchyEmptySystem(t *testing.T) {
	h := NewHierarchy(nil)
	if _, err := h.AggregateSystem("sys1", nil, nil); err == nil {
		t.Error("expected error for empty system")
	}
}
