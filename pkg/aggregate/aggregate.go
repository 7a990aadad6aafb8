// Package aggregate combines terminal execution results bottom-up through
// the atom, module, component, and system levels. Only the final result per
// atom participates; intermediate retry attempts belong to the collector.
package aggregate

import (
	"time"

	"github.com/atomrun/atomrun/pkg/engine"
)

// AggregateAtoms combines the final results of individual atoms into one
// atom-level result.
func AggregateAtoms(results []*engine.ExecutionResult) *engine.AggregatedResult {
	return fromResults(engine.LevelAtom, "", results)
}

// AggregateModule combines the final atom results belonging to one module.
func AggregateModule(moduleID string, atomResults []*engine.ExecutionResult) *engine.AggregatedResult {
	return fromResults(engine.LevelModule, moduleID, atomResults)
}

// AggregateComponent combines module results into one component result.
func AggregateComponent(componentID string, moduleResults []*engine.AggregatedResult) *engine.AggregatedResult {
	return merge(engine.LevelComponent, componentID, moduleResults)
}

// AggregateSystem combines component results into one system result.
func AggregateSystem(systemID string, componentResults []*engine.AggregatedResult) *engine.AggregatedResult {
	return merge(engine.LevelSystem, systemID, componentResults)
}

// fromResults builds an aggregation directly over final attempt results.
func fromResults(level engine.AggregationLevel, entityID string, results []*engine.ExecutionResult) *engine.AggregatedResult {
	agg := &engine.AggregatedResult{
		Level:    level,
		EntityID: entityID,
		Total:    len(results),
	}

	seenOutputs := make(map[string]struct{})
	seenErrors := make(map[string]struct{})

	for _, r := range results {
		if r == nil {
			continue
		}
		if r.Success {
			agg.Succeeded++
		}
		agg.TotalElapsed += r.Elapsed

		if r.Stdout != "" {
			if _, ok := seenOutputs[r.Stdout]; !ok {
				seenOutputs[r.Stdout] = struct{}{}
				agg.Outputs = append(agg.Outputs, r.Stdout)
			}
		}
		if !r.Success && r.ErrorMessage != "" {
			if _, ok := seenErrors[r.ErrorMessage]; !ok {
				seenErrors[r.ErrorMessage] = struct{}{}
				agg.Errors = append(agg.Errors, r.ErrorMessage)
			}
		}

		stampRange(agg, r.StartedAt(), r.Timestamp)
	}

	finalizeRate(agg)
	return agg
}

// merge rolls child aggregations up one level. Deduplication is applied
// again across children so a string shared by two modules appears once in
// the component, first occurrence winning.
func merge(level engine.AggregationLevel, entityID string, children []*engine.AggregatedResult) *engine.AggregatedResult {
	agg := &engine.AggregatedResult{
		Level:    level,
		EntityID: entityID,
	}

	seenOutputs := make(map[string]struct{})
	seenErrors := make(map[string]struct{})

	for _, child := range children {
		if child == nil {
			continue
		}
		agg.Total += child.Total
		agg.Succeeded += child.Succeeded
		agg.TotalElapsed += child.TotalElapsed

		for _, out := range child.Outputs {
			if _, ok := seenOutputs[out]; !ok {
				seenOutputs[out] = struct{}{}
				agg.Outputs = append(agg.Outputs, out)
			}
		}
		for _, msg := range child.Errors {
			if _, ok := seenErrors[msg]; !ok {
				seenErrors[msg] = struct{}{}
				agg.Errors = append(agg.Errors, msg)
			}
		}

		stampRange(agg, child.Earliest, child.Latest)
	}

	finalizeRate(agg)
	return agg
}

func stampRange(agg *engine.AggregatedResult, earliest, latest time.Time) {
	if !earliest.IsZero() && (agg.Earliest.IsZero() || earliest.Before(agg.Earliest)) {
		agg.Earliest = earliest
	}
	if !latest.IsZero() && latest.After(agg.Latest) {
		agg.Latest = latest
	}
}

func finalizeRate(agg *engine.AggregatedResult) {
	if agg.Total > 0 {
		agg.SuccessRate = float64(agg.Succeeded) / float64(agg.Total)
	}
}
