package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/atomrun/atomrun/pkg/aggregate"
	"github.com/atomrun/atomrun/pkg/classifier"
	"github.com/atomrun/atomrun/pkg/config"
	"github.com/atomrun/atomrun/pkg/engine"
	"github.com/atomrun/atomrun/pkg/monitor"
	"github.com/atomrun/atomrun/pkg/policy"
	"github.com/atomrun/atomrun/pkg/sandbox"
	"github.com/atomrun/atomrun/pkg/source"
	"github.com/atomrun/atomrun/pkg/telemetry"
)

func newRunCommand() *cobra.Command {
	var (
		flat  bool
		watch bool
	)

	cmd := &cobra.Command{
		Use:   "run <plan.yaml>",
		Short: "Execute an atom plan",
		Long: `Execute all waves of an atom plan in dependency order.

Atoms within a wave run concurrently, bounded by the execution-slot pool.
Failed atoms are classified and retried up to the configured bound; a wave
whose success rate falls below the gate threshold halts the run.`,
		Example: `  # Execute a plan wave by wave
  atomrun run plan.yaml

  # Execute all atoms as one unordered batch
  atomrun run --flat plan.yaml

  # Re-execute whenever the plan file changes
  atomrun run --watch plan.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			planPath := args[0]

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if verbose {
				cfg.Logging.Level = "debug"
			}

			tel := cfg.Telemetry()
			logger, err := telemetry.NewLogger(cfg.Logging, tel.ServiceName, tel.ServiceVersion, tel.Environment)
			if err != nil {
				return err
			}

			tracer, err := telemetry.NewTracer(cfg.Tracing, tel.ServiceName, tel.ServiceVersion, tel.Environment)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tracer.Shutdown(shutdownCtx)
			}()

			metrics, err := monitor.NewMetrics(cfg.Metrics)
			if err != nil {
				return err
			}
			if err := metrics.StartMetricsServer(); err != nil {
				return err
			}

			src, err := source.NewFileSource(planPath, logger)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if !watch {
				return runOnce(ctx, cfg, logger, tracer, metrics, src, flat)
			}
			return runWatching(ctx, cfg, logger, tracer, metrics, src, planPath, flat)
		},
	}

	cmd.Flags().BoolVar(&flat, "flat", false, "run all atoms as one unordered batch, ignoring waves")
	cmd.Flags().BoolVar(&watch, "watch", false, "re-execute the plan whenever the file changes")

	return cmd
}

// runOnce executes the plan a single time and reports the summary.
func runOnce(ctx context.Context, cfg *config.Config, logger *telemetry.Logger, tracer *telemetry.Tracer, metrics *monitor.Metrics, src *source.FileSource, flat bool) error {
	orch, err := buildOrchestrator(cfg, logger, tracer, metrics, src)
	if err != nil {
		return err
	}

	summary, err := orch.ExecuteSystem(ctx, src.SystemID(), !flat)
	if summary != nil {
		if perr := printSummary(summary); perr != nil {
			return perr
		}
	}
	if err != nil {
		return err
	}
	if summary.Status == engine.RunStatusFailed {
		return fmt.Errorf("run %s failed", summary.RunID)
	}
	return nil
}

// runWatching executes the plan, then re-executes on every change to the
// plan file until the context is cancelled. The engine configuration is
// watched alongside the plan; a reloaded config takes effect on the next
// re-execution because the orchestrator is rebuilt per run.
func runWatching(ctx context.Context, cfg *config.Config, logger *telemetry.Logger, tracer *telemetry.Tracer, metrics *monitor.Metrics, src *source.FileSource, planPath string, flat bool) error {
	var mu sync.Mutex
	current := cfg

	rerun := func() {
		mu.Lock()
		c := current
		mu.Unlock()
		if err := runOnce(ctx, c, logger, tracer, metrics, src, flat); err != nil {
			log.Warn().Err(err).Msg("Run failed, still watching for changes")
		}
	}
	rerun()

	if configPath != "" {
		cfgWatcher, err := config.NewWatcher(configPath, logger)
		if err != nil {
			log.Warn().Err(err).Str("config", configPath).Msg("Config not watchable, thresholds stay fixed")
		} else {
			go cfgWatcher.Watch(ctx, func(next *config.Config) {
				mu.Lock()
				current = next
				mu.Unlock()
				log.Info().Str("config", configPath).Msg("Engine config reloaded")
			})
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(planPath); err != nil {
		return fmt.Errorf("failed to watch %s: %w", planPath, err)
	}

	log.Info().Str("plan", planPath).Msg("Watching plan for changes")

	var rerunTimer *time.Timer
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if rerunTimer != nil {
				rerunTimer.Stop()
			}
			rerunTimer = time.AfterFunc(500*time.Millisecond, func() {
				if err := src.Reload(); err != nil {
					log.Error().Err(err).Msg("Failed to reload plan, keeping previous")
					return
				}
				rerun()
			})

		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(werr).Msg("Watcher error")
		}
	}
}

// buildOrchestrator wires the engine's collaborators from the configuration.
// Each run gets a fresh collector so statistics never bleed between runs.
func buildOrchestrator(cfg *config.Config, logger *telemetry.Logger, tracer *telemetry.Tracer, metrics *monitor.Metrics, src *source.FileSource) (*engine.Orchestrator, error) {
	executor := sandbox.NewExecutor(sandbox.Config{
		Limits: sandbox.Limits{
			WallClock:   cfg.Sandbox.WallClock,
			MemoryBytes: cfg.Sandbox.MemoryMB << 20,
			CPUs:        cfg.Sandbox.CPUs,
		},
		WorkDir:      cfg.Sandbox.WorkDir,
		Interpreters: cfg.Sandbox.Interpreters,
	}, logger)

	cls := classifier.New(cfg.Engine.MaxRetries, logger)
	collector := monitor.NewCollector(metrics)

	policyEngine, err := policy.NewEngine(cfg.Engine.GateThreshold, logger)
	if err != nil {
		return nil, err
	}
	if len(cfg.PolicyPaths) > 0 {
		if err := policyEngine.LoadPolicies(context.Background(), cfg.PolicyPaths); err != nil {
			return nil, err
		}
	}

	orch := engine.New(src, executor, cls, collector, engine.Options{
		MaxRetries:    cfg.Engine.MaxRetries,
		MaxParallel:   cfg.Engine.MaxParallel,
		GateThreshold: cfg.Engine.GateThreshold,
		RepairTimeout: cfg.Engine.RepairTimeout,
	}).
		WithPolicy(policyEngine).
		WithAggregator(aggregate.NewHierarchy(logger)).
		WithLogger(logger).
		WithTracer(tracer)

	return orch, nil
}

func printSummary(summary *engine.RunSummary) error {
	if jsonOutput {
		data, err := json.MarshalIndent(summary, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	fmt.Printf("Run %s: %s (%s)\n", summary.RunID, summary.Status, summary.Duration.Round(time.Millisecond))
	for _, wave := range summary.Waves {
		fmt.Printf("  wave %d: %d/%d succeeded (parallelism %d/%d)\n",
			wave.Wave, wave.Succeeded, len(wave.AtomIDs),
			wave.AchievedParallelism, wave.PlannedParallelism)
	}
	if len(summary.WavesNotAttempted) > 0 {
		fmt.Printf("  waves not attempted: %v\n", summary.WavesNotAttempted)
	}
	if summary.Aggregate != nil {
		fmt.Printf("  system: %d/%d atoms succeeded (%.0f%%)\n",
			summary.Aggregate.Succeeded, summary.Aggregate.Total,
			summary.Aggregate.SuccessRate*100)
	}
	for id, outcome := range summary.Outcomes {
		if outcome.Status != engine.AtomStatusSucceeded {
			fmt.Fprintf(os.Stderr, "  %s: %s after %d attempt(s)\n", id, outcome.Status, len(outcome.Attempts))
		}
	}
	return nil
}
