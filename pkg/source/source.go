// Package source provides a file-backed atom source: a YAML plan document
// carrying the atoms and the wave structure produced by the upstream
// decomposition and graph-builder stages.
package source

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/atomrun/atomrun/pkg/engine"
	"github.com/atomrun/atomrun/pkg/telemetry"
)

// planDocument is the on-disk shape of an execution plan.
type planDocument struct {
	SystemID string     `yaml:"system_id"`
	Atoms    []planAtom `yaml:"atoms"`
	Waves    [][]string `yaml:"waves"`
}

type planAtom struct {
	ID           string            `yaml:"id"`
	Source       string            `yaml:"source"`
	Language     string            `yaml:"language"`
	Dependencies []string          `yaml:"dependencies"`
	ModuleID     string            `yaml:"module_id"`
	ComponentID  string            `yaml:"component_id"`
	Signature    string            `yaml:"signature"`
	NonCritical  bool              `yaml:"non_critical"`
	Metadata     map[string]string `yaml:"metadata"`
}

// FileSource implements engine.AtomSource over a loaded plan document.
// The plan is read-only after load; Reload swaps it atomically.
type FileSource struct {
	mu     sync.RWMutex
	path   string
	atoms  map[string]*engine.AtomicUnit
	plan   *engine.WavePlan
	logger *telemetry.Logger
}

// NewFileSource loads and validates a plan document.
func NewFileSource(path string, logger *telemetry.Logger) (*FileSource, error) {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	s := &FileSource{
		path:   path,
		logger: logger.NewComponentLogger("source"),
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the plan document from disk. On any error the previously
// loaded plan stays in place.
func (s *FileSource) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read plan %s: %w", s.path, err)
	}

	var doc planDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse plan %s: %w", s.path, err)
	}

	atoms, plan, err := buildPlan(&doc)
	if err != nil {
		return engine.NewValidationError(fmt.Sprintf("invalid plan %s", s.path), err)
	}

	s.mu.Lock()
	s.atoms = atoms
	s.plan = plan
	s.mu.Unlock()

	s.logger.Info().
		Str("system_id", plan.SystemID).
		Int("atoms", len(atoms)).
		Int("waves", len(plan.Waves)).
		Msg("plan loaded")
	return nil
}

// GetAtom retrieves a single atom by ID.
func (s *FileSource) GetAtom(ctx context.Context, id string) (*engine.AtomicUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	atom, ok := s.atoms[id]
	if !ok {
		return nil, fmt.Errorf("unknown atom: %s", id)
	}
	return atom, nil
}

// GetAtomsForWave retrieves the atoms of one wave of a system.
func (s *FileSource) GetAtomsForWave(ctx context.Context, systemID string, wave int) ([]*engine.AtomicUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.plan.SystemID != systemID {
		return nil, fmt.Errorf("unknown system: %s", systemID)
	}
	if wave < 0 || wave >= len(s.plan.Waves) {
		return nil, fmt.Errorf("system %s has no wave %d", systemID, wave)
	}

	ids := s.plan.Waves[wave]
	atoms := make([]*engine.AtomicUnit, 0, len(ids))
	for _, id := range ids {
		atoms = append(atoms, s.atoms[id])
	}
	return atoms, nil
}

// GetWavePlan retrieves the full wave plan for a system.
func (s *FileSource) GetWavePlan(ctx context.Context, systemID string) (*engine.WavePlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.plan.SystemID != systemID {
		return nil, fmt.Errorf("unknown system: %s", systemID)
	}
	return s.plan, nil
}

// SystemID returns the plan's system identifier.
func (s *FileSource) SystemID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.plan.SystemID
}

// buildPlan validates the document's structural invariants: unique atom
// ids, every atom in exactly one wave, every wave member defined, and every
// dependency landing in a strictly earlier wave.
func buildPlan(doc *planDocument) (map[string]*engine.AtomicUnit, *engine.WavePlan, error) {
	if doc.SystemID == "" {
		return nil, nil, fmt.Errorf("system_id is required")
	}
	if len(doc.Atoms) == 0 {
		return nil, nil, fmt.Errorf("plan has no atoms")
	}
	if len(doc.Waves) == 0 {
		return nil, nil, fmt.Errorf("plan has no waves")
	}

	atoms := make(map[string]*engine.AtomicUnit, len(doc.Atoms))
	for i := range doc.Atoms {
		a := &doc.Atoms[i]
		if a.ID == "" {
			return nil, nil, fmt.Errorf("atom %d has no id", i)
		}
		if _, dup := atoms[a.ID]; dup {
			return nil, nil, fmt.Errorf("duplicate atom id: %s", a.ID)
		}
		if a.Source == "" {
			return nil, nil, fmt.Errorf("atom %s has no source", a.ID)
		}
		if a.Language == "" {
			return nil, nil, fmt.Errorf("atom %s has no language", a.ID)
		}
		atoms[a.ID] = &engine.AtomicUnit{
			ID:           a.ID,
			Source:       a.Source,
			Language:     a.Language,
			Dependencies: a.Dependencies,
			ModuleID:     a.ModuleID,
			ComponentID:  a.ComponentID,
			SystemID:     doc.SystemID,
			Signature:    a.Signature,
			NonCritical:  a.NonCritical,
			Metadata:     a.Metadata,
		}
	}

	waveOf := make(map[string]int, len(atoms))
	for w, ids := range doc.Waves {
		for _, id := range ids {
			if _, ok := atoms[id]; !ok {
				return nil, nil, fmt.Errorf("wave %d references unknown atom: %s", w, id)
			}
			if prev, dup := waveOf[id]; dup {
				return nil, nil, fmt.Errorf("atom %s appears in waves %d and %d", id, prev, w)
			}
			waveOf[id] = w
		}
	}

	for id, atom := range atoms {
		w, ok := waveOf[id]
		if !ok {
			return nil, nil, fmt.Errorf("atom %s is not assigned to any wave", id)
		}
		for _, dep := range atom.Dependencies {
			dw, ok := waveOf[dep]
			if !ok {
				return nil, nil, fmt.Errorf("atom %s depends on unknown atom: %s", id, dep)
			}
			if dw >= w {
				return nil, nil, fmt.Errorf("atom %s (wave %d) depends on %s (wave %d); dependencies must land in an earlier wave", id, w, dep, dw)
			}
		}
	}

	return atoms, &engine.WavePlan{SystemID: doc.SystemID, Waves: doc.Waves}, nil
}
