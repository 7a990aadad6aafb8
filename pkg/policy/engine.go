package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"

	"github.com/atomrun/atomrun/pkg/engine"
	"github.com/atomrun/atomrun/pkg/telemetry"
)

// Engine evaluates Rego policies for the orchestrator's skip and gate
// decisions. It implements engine.GatePolicy.
type Engine struct {
	mu        sync.RWMutex
	policies  map[string]*compiledPolicy
	store     storage.Store
	logger    *telemetry.Logger
	threshold float64
}

// compiledPolicy pairs a policy with its prepared allow query.
type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine with the built-in policies loaded.
// threshold is the default wave success-rate gate.
func NewEngine(threshold float64, logger *telemetry.Logger) (*Engine, error) {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	if threshold <= 0 {
		threshold = 0.5
	}

	e := &Engine{
		policies:  make(map[string]*compiledPolicy),
		store:     inmem.New(),
		logger:    logger.NewComponentLogger("policy"),
		threshold: threshold,
	}

	for _, p := range GetBuiltinPolicies() {
		policy := p
		if err := e.compileAndStorePolicy(context.Background(), &policy); err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", policy.Name, err)
		}
	}

	e.logger.Info().Int("count", len(e.policies)).Msg("built-in policies loaded")
	return e, nil
}

// AllowSkip reports whether policy permits abandoning the atom.
func (e *Engine) AllowSkip(ctx context.Context, atom *engine.AtomicUnit) (bool, error) {
	input := &SkipInput{
		Atom: atom,
		Context: &EvalContext{
			Timestamp: time.Now(),
			Operation: "skip",
		},
	}
	allowed, err := e.evaluateAllow(ctx, skipPackage, input)
	if err != nil {
		return false, fmt.Errorf("skip policy evaluation: %w", err)
	}

	e.logger.Debug().
		Str("atom_id", atom.ID).
		Bool("allowed", allowed).
		Msg("skip decision evaluated")
	return allowed, nil
}

// ProceedAfterWave reports whether subsequent waves may start given the
// closed record of the wave that just finished.
func (e *Engine) ProceedAfterWave(ctx context.Context, record *engine.WaveExecutionRecord) (bool, error) {
	input := &GateInput{
		Record:      record,
		SuccessRate: record.SuccessRate(),
		Threshold:   e.threshold,
		Context: &EvalContext{
			Timestamp: time.Now(),
			Operation: "gate",
		},
	}
	allowed, err := e.evaluateAllow(ctx, gatePackage, input)
	if err != nil {
		return false, fmt.Errorf("gate policy evaluation: %w", err)
	}

	e.logger.Debug().
		Int("wave", record.Wave).
		Float64("success_rate", record.SuccessRate()).
		Float64("threshold", e.threshold).
		Bool("allowed", allowed).
		Msg("gate decision evaluated")
	return allowed, nil
}

// LoadPolicies loads additional policy files (.rego), replacing any loaded
// policy that declares the same package.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read policy %s: %w", path, err)
		}
		name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		policy := &Policy{
			Name:      name,
			Severity:  SeverityError,
			Enabled:   true,
			Rego:      string(data),
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		}
		if err := e.compileAndStorePolicy(ctx, policy); err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", name, err)
		}
	}

	e.logger.Info().Int("count", len(paths)).Msg("policies loaded")
	return nil
}

// ListPolicies returns all loaded policies.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		policies = append(policies, *cp.policy)
	}
	return policies
}

// evaluateAllow runs the prepared allow query of the policy owning the
// given package and reduces the result to a boolean.
func (e *Engine) evaluateAllow(ctx context.Context, pkg string, input interface{}) (bool, error) {
	e.mu.RLock()
	var cp *compiledPolicy
	for _, candidate := range e.policies {
		if candidate.policy.Enabled && extractPackageName(candidate.policy.Rego) == pkg {
			cp = candidate
			break
		}
	}
	e.mu.RUnlock()

	if cp == nil {
		return false, fmt.Errorf("no enabled policy for package %s", pkg)
	}

	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, err
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, nil
	}
	allowed, ok := results[0].Expressions[0].Value.(bool)
	if !ok {
		return false, fmt.Errorf("policy %s returned non-boolean allow", cp.policy.Name)
	}
	return allowed, nil
}

// compileAndStorePolicy prepares the policy's allow query for reuse.
// Caller holds the write lock except during construction.
func (e *Engine) compileAndStorePolicy(ctx context.Context, policy *Policy) error {
	pkg := extractPackageName(policy.Rego)

	r := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Store(e.store),
		rego.Query(fmt.Sprintf("data.%s.allow", pkg)),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	// Replace any policy claiming the same package.
	for name, existing := range e.policies {
		if extractPackageName(existing.policy.Rego) == pkg {
			delete(e.policies, name)
		}
	}
	e.policies[policy.Name] = &compiledPolicy{
		policy:   policy,
		query:    query,
		compiled: time.Now(),
	}

	e.logger.Debug().Str("policy", policy.Name).Str("package", pkg).Msg("policy compiled")
	return nil
}

// extractPackageName extracts the package name from Rego source.
func extractPackageName(src string) string {
	for _, line := range strings.Split(src, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			parts := strings.Fields(trimmed)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return "atomrun.policies"
}
