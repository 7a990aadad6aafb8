package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atomrun/atomrun/pkg/telemetry"
)

// Aggregator combines terminal outcomes into a system-level summary.
// Implemented by pkg/aggregate; optional on the orchestrator.
type Aggregator interface {
	AggregateSystem(systemID string, atoms []*AtomicUnit, outcomes map[string]*AtomOutcome) (*AggregatedResult, error)
}

// Options configures the orchestrator's numeric policy.
type Options struct {
	// MaxRetries bounds the attempt number per atom. Default 3.
	MaxRetries int

	// MaxParallel is the execution-slot pool size within a wave. Default 4.
	MaxParallel int

	// GateThreshold is the wave success rate below which subsequent waves
	// are not started. Default 0.5.
	GateThreshold float64

	// RepairTimeout bounds each call to the external code-repair
	// collaborator. Default 15s.
	RepairTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.MaxParallel <= 0 {
		o.MaxParallel = 4
	}
	if o.GateThreshold <= 0 {
		o.GateThreshold = 0.5
	}
	if o.RepairTimeout <= 0 {
		o.RepairTimeout = 15 * time.Second
	}
	return o
}

// Orchestrator drives atoms through the per-atom state machine
// Pending -> Running -> {Succeeded | Retrying -> Running | Skipped | ManualHold},
// executing waves with bounded parallelism and feeding every attempt to
// the collector.
type Orchestrator struct {
	source     AtomSource
	executor   Executor
	classifier Classifier
	collector  Collector

	repair     RepairService // optional
	policy     GatePolicy    // optional
	aggregator Aggregator    // optional

	opts   Options
	logger *telemetry.Logger
	tracer *telemetry.Tracer

	// mu protects status and outcomes during concurrent wave execution.
	mu       sync.RWMutex
	status   map[string]AtomStatus
	outcomes map[string]*AtomOutcome
}

// New creates an orchestrator over the given collaborators.
func New(source AtomSource, executor Executor, classifier Classifier, collector Collector, opts Options) *Orchestrator {
	return &Orchestrator{
		source:     source,
		executor:   executor,
		classifier: classifier,
		collector:  collector,
		opts:       opts.withDefaults(),
		logger:     telemetry.NopLogger(),
		tracer:     telemetry.NopTracer(),
		status:     make(map[string]AtomStatus),
		outcomes:   make(map[string]*AtomOutcome),
	}
}

// WithRepair attaches the external code-repair collaborator.
func (o *Orchestrator) WithRepair(r RepairService) *Orchestrator {
	o.repair = r
	return o
}

// WithPolicy attaches a skip/gate policy engine.
func (o *Orchestrator) WithPolicy(p GatePolicy) *Orchestrator {
	o.policy = p
	return o
}

// WithAggregator attaches a result aggregator for run summaries.
func (o *Orchestrator) WithAggregator(a Aggregator) *Orchestrator {
	o.aggregator = a
	return o
}

// WithLogger attaches a structured logger.
func (o *Orchestrator) WithLogger(l *telemetry.Logger) *Orchestrator {
	o.logger = l.NewComponentLogger("orchestrator")
	return o
}

// WithTracer attaches a tracer; every system, wave, and attempt gets a span.
func (o *Orchestrator) WithTracer(t *telemetry.Tracer) *Orchestrator {
	o.tracer = t
	return o
}

// ExecuteAtom runs a single atom to a terminal state, retries included.
func (o *Orchestrator) ExecuteAtom(ctx context.Context, id string, input ExecutionInput) (*AtomOutcome, error) {
	ctx = o.logger.WithContext(ctx)
	atom, err := o.source.GetAtom(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get atom %s: %w", id, err)
	}
	outcome, err := o.runAtom(ctx, atom, input, -1)
	if err != nil {
		return outcome, err
	}
	return outcome, nil
}

// ExecuteBatch runs an unordered list of atoms concurrently, bounded by the
// execution-slot pool. No dependency checking is performed.
func (o *Orchestrator) ExecuteBatch(ctx context.Context, ids []string, inputs map[string]ExecutionInput) ([]*AtomOutcome, error) {
	ctx = o.logger.WithContext(ctx)
	atoms := make([]*AtomicUnit, 0, len(ids))
	for _, id := range ids {
		atom, err := o.source.GetAtom(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("get atom %s: %w", id, err)
		}
		atoms = append(atoms, atom)
	}

	outcomes, err := o.runPool(ctx, atoms, inputs, -1)
	if err != nil {
		return nil, err
	}

	ordered := make([]*AtomOutcome, 0, len(ids))
	for _, id := range ids {
		if oc, ok := outcomes[id]; ok {
			ordered = append(ordered, oc)
		}
	}
	return ordered, nil
}

// ExecuteWave runs one wave of a system to completion and returns its
// closed record. A sandbox setup failure aborts the wave and is returned
// as a system-level error.
func (o *Orchestrator) ExecuteWave(ctx context.Context, systemID string, wave int) (*WaveExecutionRecord, error) {
	return o.executeWave(o.logger.WithContext(ctx), systemID, wave)
}

func (o *Orchestrator) executeWave(ctx context.Context, systemID string, wave int) (*WaveExecutionRecord, error) {
	ctx, span := o.tracer.StartWaveSpan(ctx, systemID, wave)
	defer span.End()

	log := telemetry.FromContext(ctx).WithWave(wave)

	atoms, err := o.source.GetAtomsForWave(ctx, systemID, wave)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("get atoms for wave %d: %w", wave, err)
	}
	if len(atoms) == 0 {
		// An empty wave carries no signal; close it immediately so the
		// success-rate gate lets the run proceed.
		o.collector.StartWave(wave, nil, 0)
		record, err := o.collector.CompleteWave(wave)
		if err != nil {
			return nil, fmt.Errorf("complete wave %d: %w", wave, err)
		}
		log.Info().Msg("wave has no atoms")
		telemetry.RecordSuccess(span)
		return record, nil
	}

	ids := make([]string, len(atoms))
	for i, a := range atoms {
		ids[i] = a.ID
	}
	planned := min(o.opts.MaxParallel, len(atoms))
	o.collector.StartWave(wave, ids, planned)

	log.Info().
		Int("atoms", len(atoms)).
		Int("slots", planned).
		Msg("wave started")

	_, fatalErr := o.runPool(ctx, atoms, nil, wave)

	record, err := o.collector.CompleteWave(wave)
	if err != nil {
		return nil, fmt.Errorf("complete wave %d: %w", wave, err)
	}
	if fatalErr != nil {
		record.Aborted = true
		telemetry.RecordError(span, fatalErr)
		log.WithError(fatalErr).Error().Msg("wave aborted")
		return record, fatalErr
	}

	telemetry.RecordSuccess(span)
	log.Info().
		Int("succeeded", record.Succeeded).
		Int("failed", record.Failed).
		Float64("success_rate", record.SuccessRate()).
		Msg("wave completed")

	return record, nil
}

// ExecuteSystem runs all waves of a system in sequence. When byWaves is
// false the system's atoms run as one unordered batch instead.
//
// After each wave closes, its success rate is checked against the gate
// threshold; a sub-threshold wave halts the run and the remaining waves
// are reported as not attempted. The in-flight wave always runs to
// completion before the gate is evaluated.
func (o *Orchestrator) ExecuteSystem(ctx context.Context, systemID string, byWaves bool) (*RunSummary, error) {
	plan, err := o.source.GetWavePlan(ctx, systemID)
	if err != nil {
		return nil, fmt.Errorf("get wave plan for %s: %w", systemID, err)
	}

	summary := &RunSummary{
		RunID:     uuid.New().String(),
		SystemID:  systemID,
		Status:    RunStatusRunning,
		StartedAt: time.Now(),
	}

	ctx, span := o.tracer.StartSystemSpan(ctx, summary.RunID, systemID)
	defer span.End()

	runLog := o.logger.WithRunID(summary.RunID).WithSystemID(systemID)
	ctx = runLog.WithContext(ctx)

	runLog.Info().
		Int("waves", len(plan.Waves)).
		Bool("by_waves", byWaves).
		Str("trace_id", telemetry.TraceID(ctx)).
		Msg("run started")

	if !byWaves {
		err = o.executeFlat(ctx, plan)
	} else {
		err = o.executeWaves(ctx, plan, summary)
	}

	summary.Outcomes = o.snapshotOutcomes(plan)
	summary.CompletedAt = time.Now()
	summary.Duration = summary.CompletedAt.Sub(summary.StartedAt)
	summary.Status = o.finalStatus(ctx, summary, err)

	if o.aggregator != nil {
		atoms, aerr := o.atomsOfPlan(ctx, plan)
		if aerr == nil {
			if agg, aerr := o.aggregator.AggregateSystem(systemID, atoms, summary.Outcomes); aerr == nil {
				summary.Aggregate = agg
			}
		}
	}

	if err != nil {
		telemetry.RecordError(span, err)
	} else {
		telemetry.RecordSuccess(span)
	}
	runLog.Info().
		Str("status", string(summary.Status)).
		Dur("duration", summary.Duration).
		Msg("run completed")

	return summary, err
}

// Summary exposes the collector's rolling statistics and error patterns.
func (o *Orchestrator) Summary() (*SystemStats, *ErrorAnalysis) {
	return o.collector.Summary(), o.collector.ErrorAnalysis()
}

// executeWaves runs the plan's waves strictly sequentially with the
// success-rate gate between them.
func (o *Orchestrator) executeWaves(ctx context.Context, plan *WavePlan, summary *RunSummary) error {
	for wave := range plan.Waves {
		if ctx.Err() != nil {
			for w := wave; w < len(plan.Waves); w++ {
				summary.WavesNotAttempted = append(summary.WavesNotAttempted, w)
			}
			return ctx.Err()
		}

		record, err := o.executeWave(ctx, plan.SystemID, wave)
		if record != nil {
			summary.Waves = append(summary.Waves, *record)
		}
		if err != nil {
			for w := wave + 1; w < len(plan.Waves); w++ {
				summary.WavesNotAttempted = append(summary.WavesNotAttempted, w)
			}
			return err
		}

		if !o.proceedAfterWave(ctx, record) {
			for w := wave + 1; w < len(plan.Waves); w++ {
				summary.WavesNotAttempted = append(summary.WavesNotAttempted, w)
			}
			telemetry.FromContext(ctx).Warn().
				Int("wave", wave).
				Float64("success_rate", record.SuccessRate()).
				Float64("threshold", o.opts.GateThreshold).
				Msg("success-rate gate halted run")
			return nil
		}
	}
	return nil
}

// executeFlat runs every atom of the plan as one unordered batch.
func (o *Orchestrator) executeFlat(ctx context.Context, plan *WavePlan) error {
	var ids []string
	for _, wave := range plan.Waves {
		ids = append(ids, wave...)
	}
	atoms := make([]*AtomicUnit, 0, len(ids))
	for _, id := range ids {
		atom, err := o.source.GetAtom(ctx, id)
		if err != nil {
			return fmt.Errorf("get atom %s: %w", id, err)
		}
		atoms = append(atoms, atom)
	}
	_, err := o.runPool(ctx, atoms, nil, -1)
	return err
}

// proceedAfterWave evaluates the success-rate gate, delegating to the
// policy engine when one is attached. An empty wave never halts the run.
func (o *Orchestrator) proceedAfterWave(ctx context.Context, record *WaveExecutionRecord) bool {
	if o.policy != nil {
		ok, err := o.policy.ProceedAfterWave(ctx, record)
		if err == nil {
			return ok
		}
		telemetry.FromContext(ctx).WithError(err).Warn().
			Int("wave", record.Wave).
			Msg("gate policy evaluation failed, using threshold")
	}
	if len(record.AtomIDs) == 0 {
		return true
	}
	return record.SuccessRate() >= o.opts.GateThreshold
}

// runPool executes atoms through a fixed-size worker pool. It returns the
// outcomes keyed by atom ID and the first fatal error, if any. On a fatal
// error, atoms not yet started are left untouched; in-flight atoms reach
// their own terminal state first.
func (o *Orchestrator) runPool(ctx context.Context, atoms []*AtomicUnit, inputs map[string]ExecutionInput, wave int) (map[string]*AtomOutcome, error) {
	workerCount := min(o.opts.MaxParallel, len(atoms))

	workQueue := make(chan *AtomicUnit, len(atoms))
	for _, atom := range atoms {
		o.setStatus(atom.ID, AtomStatusPending)
		workQueue <- atom
	}
	close(workQueue)

	poolCtx, abort := context.WithCancel(ctx)
	defer abort()

	var wg sync.WaitGroup
	errChan := make(chan error, len(atoms))
	results := make(chan *AtomOutcome, len(atoms))

	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for atom := range workQueue {
				// Fatal abort or cancellation: leave remaining atoms unstarted.
				if poolCtx.Err() != nil {
					return
				}

				var input ExecutionInput
				if inputs != nil {
					input = inputs[atom.ID]
				}

				outcome, err := o.runAtom(poolCtx, atom, input, wave)
				if outcome != nil {
					results <- outcome
				}
				if err != nil {
					errChan <- err
					if IsFatal(err) {
						abort()
						return
					}
				}
			}
		}()
	}

	wg.Wait()
	close(errChan)
	close(results)

	outcomes := make(map[string]*AtomOutcome, len(atoms))
	for oc := range results {
		outcomes[oc.AtomID] = oc
	}

	var fatalErr error
	for err := range errChan {
		if IsFatal(err) && fatalErr == nil {
			fatalErr = err
		}
	}
	if fatalErr != nil {
		if ee, ok := fatalErr.(*EngineError); ok {
			ee.WithWave(wave)
		}
	}
	return outcomes, fatalErr
}

// runAtom drives one atom through the retry loop to a terminal state.
// Attempts for the same atom are strictly sequential. Only a sandbox
// setup failure is returned as an error; every other failure mode ends
// in a terminal outcome.
func (o *Orchestrator) runAtom(ctx context.Context, atom *AtomicUnit, input ExecutionInput, wave int) (*AtomOutcome, error) {
	outcome := &AtomOutcome{AtomID: atom.ID}
	o.setStatus(atom.ID, AtomStatusRunning)

	// The atom itself is immutable; recovery strategies rewrite a working copy.
	working := *atom

	log := telemetry.FromContext(ctx).WithAtomID(atom.ID).WithWave(wave)

	for attempt := 0; ; attempt++ {
		// Once dispatched, the attempt runs to its own sandbox timeout even
		// if the run is cancelled, so that resource cleanup always happens.
		execCtx, span := o.tracer.StartAtomSpan(context.WithoutCancel(ctx), atom.ID, attempt)

		result, err := o.executor.Execute(execCtx, &working, input)
		if err != nil {
			telemetry.RecordError(span, err)
			if IsFatal(err) {
				span.End()
				outcome.Status = AtomStatusManualHold
				o.storeOutcome(outcome)
				return outcome, err
			}
			// Executor contract violation: convert to a well-formed result.
			result = &ExecutionResult{
				AtomID:       atom.ID,
				Success:      false,
				Category:     CategoryOf(err),
				ErrorMessage: err.Error(),
				Timestamp:    time.Now(),
			}
		}
		result.AtomID = atom.ID
		result.Wave = wave
		result.Attempt = attempt

		o.collector.RecordAttempt(result)
		outcome.Attempts = append(outcome.Attempts, *result)

		if result.Success {
			telemetry.RecordSuccess(span)
			span.End()
			outcome.Status = AtomStatusSucceeded
			log.Debug().Int("attempt", attempt).Msg("atom succeeded")
			break
		}

		decision := o.classifier.Classify(&working, result, outcome.Decisions)
		outcome.Decisions = append(outcome.Decisions, decision)
		telemetry.AddEvent(span, "attempt classified",
			telemetry.AttrErrorCategory.String(string(decision.Category)),
			telemetry.AttrStrategy.String(string(decision.Strategy)))
		span.End()
		log.Debug().
			Int("attempt", attempt).
			Str("category", string(decision.Category)).
			Str("strategy", string(decision.Strategy)).
			Float64("confidence", decision.Confidence).
			Msg("attempt failed")

		switch decision.Strategy {
		case StrategySkip:
			if o.allowSkip(ctx, atom) {
				outcome.Status = AtomStatusSkipped
			} else {
				outcome.Status = AtomStatusManualHold
			}
		case StrategyManual:
			outcome.Status = AtomStatusManualHold
		case StrategyFix, StrategyRegenerate:
			if attempt >= o.opts.MaxRetries {
				// Guard: the classifier forces manual at the bound, but the
				// invariant must hold regardless of classifier behavior.
				outcome.Status = AtomStatusManualHold
				break
			}
			newSource, ok := o.recoverSource(ctx, &working, result, decision)
			if !ok {
				outcome.Status = AtomStatusManualHold
				break
			}
			working.Source = newSource
			o.setStatus(atom.ID, AtomStatusRetrying)
			if ctx.Err() != nil {
				// Cancelled between attempts: park rather than re-dispatch.
				outcome.Status = AtomStatusManualHold
			}
		}

		if outcome.Status.IsTerminal() {
			break
		}
		o.setStatus(atom.ID, AtomStatusRunning)
	}

	o.storeOutcome(outcome)
	o.setStatus(atom.ID, outcome.Status)
	return outcome, nil
}

// recoverSource produces replacement source for the next attempt: a
// mechanical patch when the classifier supplied one, otherwise a
// time-bounded call to the repair collaborator. Returns false when no
// recovery is possible, which parks the atom on manual hold.
func (o *Orchestrator) recoverSource(ctx context.Context, atom *AtomicUnit, result *ExecutionResult, decision RetryDecision) (string, bool) {
	if decision.Strategy == StrategyFix && decision.Patch != "" {
		return decision.Patch, true
	}
	if o.repair == nil {
		return "", false
	}

	rctx, cancel := context.WithTimeout(ctx, o.opts.RepairTimeout)
	defer cancel()

	src, err := o.repair.ProposeFix(rctx, atom, result, decision)
	if err != nil || src == "" {
		if err != nil {
			telemetry.FromContext(ctx).WithError(err).Warn().
				Str("atom_id", atom.ID).
				Msg("repair collaborator failed")
		}
		return "", false
	}
	return src, true
}

// allowSkip double-checks a skip decision against the gate policy; without
// a policy the atom's NonCritical flag decides.
func (o *Orchestrator) allowSkip(ctx context.Context, atom *AtomicUnit) bool {
	if o.policy != nil {
		ok, err := o.policy.AllowSkip(ctx, atom)
		if err == nil {
			return ok
		}
		telemetry.FromContext(ctx).WithError(err).Warn().
			Str("atom_id", atom.ID).
			Msg("skip policy evaluation failed")
	}
	return atom.NonCritical
}

// finalStatus derives the run status from the outcomes and any abort error.
func (o *Orchestrator) finalStatus(ctx context.Context, summary *RunSummary, err error) RunStatus {
	if ctx.Err() != nil {
		return RunStatusCancelled
	}

	succeeded, total := 0, 0
	for _, oc := range summary.Outcomes {
		total++
		if oc.Status == AtomStatusSucceeded {
			succeeded++
		}
	}

	switch {
	case err != nil && succeeded == 0:
		return RunStatusFailed
	case err != nil, len(summary.WavesNotAttempted) > 0:
		return RunStatusPartial
	case total == 0:
		return RunStatusFailed
	case succeeded == total:
		return RunStatusSucceeded
	case succeeded == 0:
		return RunStatusFailed
	default:
		return RunStatusPartial
	}
}

func (o *Orchestrator) setStatus(atomID string, status AtomStatus) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.status[atomID] = status
}

// Status returns the current orchestration status of an atom.
func (o *Orchestrator) Status(atomID string) (AtomStatus, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s, ok := o.status[atomID]
	return s, ok
}

func (o *Orchestrator) storeOutcome(outcome *AtomOutcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes[outcome.AtomID] = outcome
}

// Outcome returns the terminal outcome of an atom, if it reached one.
func (o *Orchestrator) Outcome(atomID string) (*AtomOutcome, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	oc, ok := o.outcomes[atomID]
	return oc, ok
}

func (o *Orchestrator) snapshotOutcomes(plan *WavePlan) map[string]*AtomOutcome {
	o.mu.RLock()
	defer o.mu.RUnlock()
	snapshot := make(map[string]*AtomOutcome)
	for _, wave := range plan.Waves {
		for _, id := range wave {
			if oc, ok := o.outcomes[id]; ok {
				snapshot[id] = oc
			}
		}
	}
	return snapshot
}

func (o *Orchestrator) atomsOfPlan(ctx context.Context, plan *WavePlan) ([]*AtomicUnit, error) {
	var atoms []*AtomicUnit
	for _, wave := range plan.Waves {
		for _, id := range wave {
			atom, err := o.source.GetAtom(ctx, id)
			if err != nil {
				return nil, err
			}
			atoms = append(atoms, atom)
		}
	}
	return atoms, nil
}
