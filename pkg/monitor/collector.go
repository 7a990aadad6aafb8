// Package monitor implements the execution telemetry collector: every
// attempt is recorded, rolling statistics are kept per atom, per wave,
// and system-wide, and failure patterns are summarized for analysis.
package monitor

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atomrun/atomrun/pkg/engine"
)

// Collector is a thread-safe implementation of engine.Collector. It is
// explicitly injected into every concurrent execution path; all mutations
// happen under one internal lock so concurrent RecordAttempt calls never
// race, lose, or duplicate a record.
type Collector struct {
	mu sync.Mutex

	atoms  map[string]*atomState
	waves  map[int]*waveState
	latest map[string]engine.ExecutionResult

	totalAttempts int
	totalElapsed  time.Duration

	byCategory map[engine.ErrorCategory]int
	messages   map[string]int

	metrics *Metrics // optional
}

type atomState struct {
	stats      engine.AtomStats
	categories map[engine.ErrorCategory]struct{}
}

type waveState struct {
	record  engine.WaveExecutionRecord
	members map[string]struct{}
	spans   []attemptSpan
	open    bool
}

type attemptSpan struct {
	start time.Time
	end   time.Time
}

// NewCollector creates an empty collector. Metrics may be nil.
func NewCollector(metrics *Metrics) *Collector {
	return &Collector{
		atoms:      make(map[string]*atomState),
		waves:      make(map[int]*waveState),
		latest:     make(map[string]engine.ExecutionResult),
		byCategory: make(map[engine.ErrorCategory]int),
		messages:   make(map[string]int),
		metrics:    metrics,
	}
}

// RecordAttempt records one execution attempt, retries included.
func (c *Collector) RecordAttempt(result *engine.ExecutionResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalAttempts++
	c.totalElapsed += result.Elapsed
	c.latest[result.AtomID] = *result

	st, ok := c.atoms[result.AtomID]
	if !ok {
		st = &atomState{
			stats:      engine.AtomStats{AtomID: result.AtomID},
			categories: make(map[engine.ErrorCategory]struct{}),
		}
		c.atoms[result.AtomID] = st
	}

	st.stats.Attempts++
	if result.Success {
		st.stats.Successes++
	} else {
		st.stats.Failures++
		if result.Category != "" {
			st.categories[result.Category] = struct{}{}
			c.byCategory[result.Category]++
		}
		if result.ErrorMessage != "" {
			c.messages[result.ErrorMessage]++
		}
	}

	elapsed := result.Elapsed.Nanoseconds()
	if st.stats.MinElapsed == 0 || elapsed < st.stats.MinElapsed {
		st.stats.MinElapsed = elapsed
	}
	if elapsed > st.stats.MaxElapsed {
		st.stats.MaxElapsed = elapsed
	}
	// AvgElapsed carries the running total between attempts; the exported
	// value is finalized in Summary.
	st.stats.AvgElapsed += elapsed
	if result.PeakMemoryBytes > st.stats.PeakMemory {
		st.stats.PeakMemory = result.PeakMemoryBytes
	}

	if ws, ok := c.waves[result.Wave]; ok && ws.open {
		if _, member := ws.members[result.AtomID]; member {
			ws.spans = append(ws.spans, attemptSpan{
				start: result.StartedAt(),
				end:   result.Timestamp,
			})
		}
	}

	if c.metrics != nil {
		c.metrics.RecordAttempt(result)
	}
}

// StartWave opens a wave record. The atom-id set is fixed from here on;
// an atom already belonging to an open wave is a caller bug and the
// duplicate membership is ignored.
func (c *Collector) StartWave(wave int, atomIDs []string, plannedParallelism int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	members := make(map[string]struct{}, len(atomIDs))
	ids := make([]string, 0, len(atomIDs))
	for _, id := range atomIDs {
		if c.atomInOpenWave(id) {
			continue
		}
		members[id] = struct{}{}
		ids = append(ids, id)
	}

	c.waves[wave] = &waveState{
		record: engine.WaveExecutionRecord{
			Wave:               wave,
			AtomIDs:            ids,
			StartedAt:          time.Now(),
			PlannedParallelism: plannedParallelism,
		},
		members: members,
		open:    true,
	}
}

// CompleteWave closes a wave record, computing success counts and the
// achieved parallelism from the recorded attempt spans.
func (c *Collector) CompleteWave(wave int) (*engine.WaveExecutionRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ws, ok := c.waves[wave]
	if !ok {
		return nil, fmt.Errorf("wave %d was never started", wave)
	}
	if !ws.open {
		return nil, fmt.Errorf("wave %d already completed", wave)
	}
	ws.open = false

	succeeded := 0
	for id := range ws.members {
		if last, ok := c.latest[id]; ok && last.Success {
			succeeded++
		}
	}
	ws.record.Succeeded = succeeded
	ws.record.Failed = len(ws.members) - succeeded
	ws.record.CompletedAt = time.Now()
	ws.record.AchievedParallelism = maxOverlap(ws.spans)

	if c.metrics != nil {
		c.metrics.RecordWave(&ws.record)
	}

	record := ws.record
	return &record, nil
}

// Summary returns system-wide rolling statistics for the current run.
func (c *Collector) Summary() *engine.SystemStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := &engine.SystemStats{
		AtomsProcessed: len(c.atoms),
		TotalAttempts:  c.totalAttempts,
		TotalElapsed:   c.totalElapsed.Nanoseconds(),
		Atoms:          make(map[string]*engine.AtomStats, len(c.atoms)),
		Waves:          make(map[int]*engine.WaveExecutionRecord, len(c.waves)),
	}

	for id, st := range c.atoms {
		out := st.stats
		if out.Attempts > 0 {
			out.AvgElapsed = st.stats.AvgElapsed / int64(out.Attempts)
		}
		out.Categories = sortedCategories(st.categories)
		stats.Atoms[id] = &out

		if last, ok := c.latest[id]; ok {
			if last.Success {
				stats.Succeeded++
			} else {
				stats.Failed++
			}
		}
	}

	for n, ws := range c.waves {
		if ws.open {
			continue
		}
		record := ws.record
		stats.Waves[n] = &record
	}

	return stats
}

// ErrorAnalysis returns failure patterns across the run: counts per
// category, the most frequent error messages, and unrecovered atoms.
func (c *Collector) ErrorAnalysis() *engine.ErrorAnalysis {
	c.mu.Lock()
	defer c.mu.Unlock()

	analysis := &engine.ErrorAnalysis{
		ByCategory: make(map[engine.ErrorCategory]int, len(c.byCategory)),
	}
	for cat, n := range c.byCategory {
		analysis.ByCategory[cat] = n
	}

	for msg, n := range c.messages {
		analysis.TopMessages = append(analysis.TopMessages, engine.MessageCount{Message: msg, Count: n})
	}
	sort.Slice(analysis.TopMessages, func(i, j int) bool {
		a, b := analysis.TopMessages[i], analysis.TopMessages[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Message < b.Message
	})
	if len(analysis.TopMessages) > 10 {
		analysis.TopMessages = analysis.TopMessages[:10]
	}

	for id, last := range c.latest {
		if !last.Success {
			analysis.AtomsOnHold = append(analysis.AtomsOnHold, id)
		}
	}
	sort.Strings(analysis.AtomsOnHold)

	return analysis
}

func (c *Collector) atomInOpenWave(atomID string) bool {
	for _, ws := range c.waves {
		if !ws.open {
			continue
		}
		if _, ok := ws.members[atomID]; ok {
			return true
		}
	}
	return false
}

// maxOverlap returns the maximum number of attempt spans that were
// in flight at the same instant, via an event sweep.
func maxOverlap(spans []attemptSpan) int {
	if len(spans) == 0 {
		return 0
	}

	type event struct {
		at    time.Time
		delta int
	}
	events := make([]event, 0, len(spans)*2)
	for _, s := range spans {
		events = append(events, event{at: s.start, delta: 1})
		events = append(events, event{at: s.end, delta: -1})
	}
	sort.Slice(events, func(i, j int) bool {
		if events[i].at.Equal(events[j].at) {
			// Close before open at the same instant: touching spans do not overlap.
			return events[i].delta < events[j].delta
		}
		return events[i].at.Before(events[j].at)
	})

	current, peak := 0, 0
	for _, e := range events {
		current += e.delta
		if current > peak {
			peak = current
		}
	}
	return peak
}

func sortedCategories(set map[engine.ErrorCategory]struct{}) []engine.ErrorCategory {
	if len(set) == 0 {
		return nil
	}
	out := make([]engine.ErrorCategory, 0, len(set))
	for cat := range set {
		out = append(out, cat)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
