package policy

import (
	"time"
)

// Package paths queried for each decision.
const (
	skipPackage = "atomrun.policies.skip"
	gatePackage = "atomrun.policies.gate"
)

// GetBuiltinPolicies returns the built-in decision policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		atomSkipPolicy(),
		waveGatePolicy(),
	}
}

// atomSkipPolicy permits abandoning an atom only when upstream metadata
// explicitly marks it non-critical.
func atomSkipPolicy() Policy {
	return Policy{
		Name:        "atom-skip",
		Description: "Allows skipping an atom only when it is explicitly marked non-critical",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"skip", "retry"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package atomrun.policies.skip

import rego.v1

default allow := false

# Skip is permitted only for atoms flagged non-critical by the
# decomposition stage. Error content never makes an atom skippable.
allow if {
	input.atom.non_critical == true
}
`,
	}
}

// waveGatePolicy halts the run when a wave's success rate falls below the
// configured threshold.
func waveGatePolicy() Policy {
	return Policy{
		Name:        "wave-gate",
		Description: "Permits subsequent waves only when the closed wave met the success-rate threshold",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"gate", "wave"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package atomrun.policies.gate

import rego.v1

default allow := false

# Proceed when the wave met or beat the threshold.
allow if {
	input.success_rate >= input.threshold
}

# An empty wave carries no signal; do not halt the run on it.
allow if {
	count(input.record.atom_ids) == 0
}
`,
	}
}
