package aggregate

import (
	"fmt"

	"github.com/atomrun/atomrun/pkg/engine"
	"github.com/atomrun/atomrun/pkg/telemetry"
)

// Hierarchy rolls terminal outcomes up the module, component, system
// hierarchy declared on the atoms themselves. It implements
// engine.Aggregator.
type Hierarchy struct {
	logger *telemetry.Logger
}

// NewHierarchy creates a hierarchy aggregator.
func NewHierarchy(logger *telemetry.Logger) *Hierarchy {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &Hierarchy{logger: logger.NewComponentLogger("aggregate")}
}

// AggregateSystem builds the full bottom-up roll-up for one system. Atoms
// that never reached a terminal state (waves halted by the gate) still
// count toward their module's total, with no success credited.
//
// Skipped atoms count as covered but not succeeded.
func (h *Hierarchy) AggregateSystem(systemID string, atoms []*engine.AtomicUnit, outcomes map[string]*engine.AtomOutcome) (*engine.AggregatedResult, error) {
	if len(atoms) == 0 {
		return nil, fmt.Errorf("no atoms to aggregate for system %s", systemID)
	}

	// Group by module and component, preserving the atoms' input order so
	// first-occurrence dedup is stable across runs.
	moduleOrder, moduleAtoms := groupAtoms(atoms, func(a *engine.AtomicUnit) string { return a.ModuleID })

	componentOrder := make([]string, 0)
	componentModules := make(map[string][]*engine.AggregatedResult)

	for _, moduleID := range moduleOrder {
		members := moduleAtoms[moduleID]

		results := make([]*engine.ExecutionResult, 0, len(members))
		unattempted := 0
		for _, atom := range members {
			oc, ok := outcomes[atom.ID]
			if !ok || len(oc.Attempts) == 0 {
				unattempted++
				continue
			}
			final := oc.FinalResult()
			if oc.Status != engine.AtomStatusSucceeded && final.Success {
				// A skipped or parked atom's last attempt may have succeeded
				// in the sandbox; the terminal status is what counts.
				clone := *final
				clone.Success = false
				final = &clone
			}
			results = append(results, final)
		}

		moduleAgg := AggregateModule(moduleID, results)
		moduleAgg.Total += unattempted
		finalizeRate(moduleAgg)

		componentID := members[0].ComponentID
		if _, ok := componentModules[componentID]; !ok {
			componentOrder = append(componentOrder, componentID)
		}
		componentModules[componentID] = append(componentModules[componentID], moduleAgg)
	}

	componentResults := make([]*engine.AggregatedResult, 0, len(componentOrder))
	for _, componentID := range componentOrder {
		componentResults = append(componentResults, AggregateComponent(componentID, componentModules[componentID]))
	}

	system := AggregateSystem(systemID, componentResults)

	h.logger.Debug().
		Str("system_id", systemID).
		Int("modules", len(moduleOrder)).
		Int("components", len(componentOrder)).
		Int("total", system.Total).
		Int("succeeded", system.Succeeded).
		Msg("aggregated system results")

	return system, nil
}

func groupAtoms(atoms []*engine.AtomicUnit, key func(*engine.AtomicUnit) string) ([]string, map[string][]*engine.AtomicUnit) {
	order := make([]string, 0)
	groups := make(map[string][]*engine.AtomicUnit)
	for _, atom := range atoms {
		k := key(atom)
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], atom)
	}
	return order, groups
}
