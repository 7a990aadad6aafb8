// Package policy evaluates skip-eligibility and wave-progression decisions
// through embedded Rego policies, so operators can replace the default
// rules without recompiling the engine.
package policy

import (
	"time"

	"github.com/atomrun/atomrun/pkg/engine"
)

// Severity indicates the severity of a policy.
type Severity string

const (
	// SeverityInfo is informational only.
	SeverityInfo Severity = "info"

	// SeverityWarning indicates a non-blocking concern.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the guarded action.
	SeverityError Severity = "error"
)

// Policy is one named Rego policy.
type Policy struct {
	// Name is the unique policy name.
	Name string `json:"name"`

	// Description explains what the policy decides.
	Description string `json:"description"`

	// Severity is the policy severity.
	Severity Severity `json:"severity"`

	// Enabled controls whether the policy participates in evaluation.
	Enabled bool `json:"enabled"`

	// Tags categorize the policy.
	Tags []string `json:"tags,omitempty"`

	// Rego is the policy source.
	Rego string `json:"rego"`

	// CreatedAt is when the policy was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the policy was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// SkipInput is the Rego input for a skip-eligibility decision.
type SkipInput struct {
	Atom    *engine.AtomicUnit `json:"atom"`
	Context *EvalContext       `json:"context"`
}

// GateInput is the Rego input for a wave-progression decision.
type GateInput struct {
	Record      *engine.WaveExecutionRecord `json:"record"`
	SuccessRate float64                     `json:"success_rate"`
	Threshold   float64                     `json:"threshold"`
	Context     *EvalContext                `json:"context"`
}

// EvalContext carries evaluation metadata into the policy.
type EvalContext struct {
	Timestamp time.Time `json:"timestamp"`
	Operation string    `json:"operation"`
}
