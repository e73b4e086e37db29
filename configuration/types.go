// Package configuration owns versioned module configurations: validation
// against the stage and module registries, the Draft → Validated → Active →
// Superseded lifecycle, the single Active pointer, the one-slot activation
// queue, rollback, and the append-only change log.
package configuration

import (
	"time"

	"github.com/GoCodeAlone/stagectl"
)

// Status is the lifecycle state of a configuration.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusValidated  Status = "validated"
	StatusActive     Status = "active"
	StatusSuperseded Status = "superseded"
	StatusRejected   Status = "rejected"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusSuperseded
}

// Selection pairs one stage with one module, plus stage-specific settings.
type Selection struct {
	StageID  string         `json:"stageId"`
	ModuleID string         `json:"moduleId"`
	Settings map[string]any `json:"settings,omitempty"`
}

// Configuration is one version of the per-stage module selections. Records
// are never modified in place; a status change produces a new record value.
type Configuration struct {
	Version      int64                `json:"version"`
	Status       Status               `json:"status"`
	CreatedBy    string               `json:"createdBy"`
	CreatedAt    time.Time            `json:"createdAt"`
	ValidatedAt  time.Time            `json:"validatedAt,omitzero"`
	ActivatedAt  time.Time            `json:"activatedAt,omitzero"`
	SupersededAt time.Time            `json:"supersededAt,omitzero"`
	Summary      string               `json:"summary,omitempty"`
	RollbackOf   int64                `json:"rollbackOf,omitempty"`
	Selections   []Selection          `json:"selections"`
	Violations   []stagectl.Violation `json:"violations,omitempty"`
}

// Selection returns the selection for a stage.
func (c Configuration) Selection(stageID string) (Selection, bool) {
	for _, s := range c.Selections {
		if s.StageID == stageID {
			return s, true
		}
	}
	return Selection{}, false
}

// Clone returns a deep copy.
func (c Configuration) Clone() Configuration {
	out := c
	out.Selections = cloneSelections(c.Selections)
	out.Violations = append([]stagectl.Violation(nil), c.Violations...)
	return out
}

func cloneSelections(in []Selection) []Selection {
	if in == nil {
		return nil
	}
	out := make([]Selection, len(in))
	for i, s := range in {
		out[i] = Selection{StageID: s.StageID, ModuleID: s.ModuleID, Settings: cloneSettings(s.Settings)}
	}
	return out
}

func cloneSettings(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Action is what a change event records.
type Action string

const (
	ActionValidate       Action = "validate"
	ActionActivate       Action = "activate"
	ActionActivateQueued Action = "activate-queued"
	ActionApplyQueued    Action = "apply-queued"
	ActionRollback       Action = "rollback"
	ActionReject         Action = "reject"
)

// Outcome is the result recorded with a change event.
type Outcome string

const (
	OutcomeAccepted   Outcome = "accepted"
	OutcomeRejected   Outcome = "rejected"
	OutcomeApplied    Outcome = "applied"
	OutcomeQueued     Outcome = "queued"
	OutcomeSuperseded Outcome = "superseded"
	OutcomeFailed     Outcome = "failed"
)

// ChangeEvent is an append-only audit record.
type ChangeEvent struct {
	Sequence             int64                `json:"sequence"`
	ConfigurationVersion int64                `json:"configurationVersion"`
	Action               Action               `json:"action"`
	Actor                string               `json:"actor"`
	Outcome              Outcome              `json:"outcome"`
	Message              string               `json:"message,omitempty"`
	Violations           []stagectl.Violation `json:"violations,omitempty"`
	Timestamp            time.Time            `json:"timestamp"`
}

// ActivationResult reports what an activate or rollback request did.
type ActivationResult struct {
	Version            int64 `json:"version"`
	AppliedImmediately bool  `json:"appliedImmediately"`
	Previous           int64 `json:"previous,omitempty"`
}
