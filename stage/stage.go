// Package stage provides the processing stage registry: the ordered list of
// pipeline stages, each bound to one capability contract. The registry is
// built once at bootstrap and is read-only afterwards.
package stage

import (
	"errors"
	"fmt"

	"github.com/GoCodeAlone/stagectl"
)

// ErrDuplicateStage is returned when two stages share an id.
var ErrDuplicateStage = errors.New("stage already defined")

// Stage is one ordered step of the pipeline.
type Stage struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	ContractID string `json:"contractId"`
	Required   bool   `json:"required"`
	Position   int    `json:"position"`
}

// ContractLookup reports whether a contract id is registered.
type ContractLookup interface {
	Exists(id string) bool
}

// Registry is an immutable, ordered set of stages.
type Registry struct {
	stages []Stage
	byID   map[string]int
}

// NewRegistry builds a registry from stages in pipeline order. Every stage
// must reference a registered contract.
func NewRegistry(contracts ContractLookup, stages ...Stage) (*Registry, error) {
	r := &Registry{
		stages: make([]Stage, 0, len(stages)),
		byID:   make(map[string]int, len(stages)),
	}
	for i, s := range stages {
		if s.ID == "" {
			return nil, fmt.Errorf("stage at position %d: id is required", i)
		}
		if _, dup := r.byID[s.ID]; dup {
			return nil, fmt.Errorf("stage %s: %w", s.ID, ErrDuplicateStage)
		}
		if contracts != nil && !contracts.Exists(s.ContractID) {
			return nil, fmt.Errorf("stage %s: contract %s: %w", s.ID, s.ContractID, stagectl.ErrNotFound)
		}
		s.Position = i
		r.byID[s.ID] = i
		r.stages = append(r.stages, s)
	}
	return r, nil
}

// List returns all stages in pipeline order.
func (r *Registry) List() []Stage {
	return append([]Stage(nil), r.stages...)
}

// Get returns the stage with the given id.
func (r *Registry) Get(id string) (Stage, error) {
	i, ok := r.byID[id]
	if !ok {
		return Stage{}, fmt.Errorf("stage %s: %w", id, stagectl.ErrNotFound)
	}
	return r.stages[i], nil
}

// Required returns the required stages in pipeline order.
func (r *Registry) Required() []Stage {
	var out []Stage
	for _, s := range r.stages {
		if s.Required {
			out = append(out, s)
		}
	}
	return out
}

// Len returns the number of stages.
func (r *Registry) Len() int { return len(r.stages) }
