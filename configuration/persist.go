package configuration

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// ErrInconsistentHistory is returned by Restore when stored state violates
// the single-Active invariant or has gaps in the version sequence.
var ErrInconsistentHistory = errors.New("stored configuration history is inconsistent")

// Commit is one atomic unit of persisted change.
type Commit struct {
	// Configurations are inserted or replaced by version.
	Configurations []Configuration
	// Events are appended in order.
	Events []ChangeEvent
	// ActiveVersion, when non-nil, replaces the active version pointer.
	ActiveVersion *int64
}

// State is the persisted history loaded at start.
type State struct {
	Configurations []Configuration
	Events         []ChangeEvent
	ActiveVersion  int64
}

// Persister durably records configuration history. Commit must apply all of
// its parts or none of them.
type Persister interface {
	Commit(ctx context.Context, c Commit) error
	Load(ctx context.Context) (State, error)
}

// CheckState verifies the invariants a restored history must satisfy.
func CheckState(st State) error {
	configs := append([]Configuration(nil), st.Configurations...)
	sort.Slice(configs, func(i, j int) bool { return configs[i].Version < configs[j].Version })

	var active []int64
	for i, c := range configs {
		if c.Version != int64(i+1) {
			return fmt.Errorf("%w: expected version %d, found %d", ErrInconsistentHistory, i+1, c.Version)
		}
		if c.Status == StatusActive {
			active = append(active, c.Version)
		}
	}
	if len(active) > 1 {
		return fmt.Errorf("%w: versions %v are all active", ErrInconsistentHistory, active)
	}
	switch {
	case len(active) == 0 && st.ActiveVersion != 0:
		return fmt.Errorf("%w: active pointer %d names a non-active version", ErrInconsistentHistory, st.ActiveVersion)
	case len(active) == 1 && st.ActiveVersion != active[0]:
		return fmt.Errorf("%w: active pointer %d, active record %d", ErrInconsistentHistory, st.ActiveVersion, active[0])
	}

	var last int64
	for _, e := range st.Events {
		if e.Sequence <= last {
			return fmt.Errorf("%w: event sequence %d after %d", ErrInconsistentHistory, e.Sequence, last)
		}
		last = e.Sequence
	}
	return nil
}
