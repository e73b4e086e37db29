package configuration

import (
	"errors"
	"fmt"

	"github.com/GoCodeAlone/stagectl"
	"github.com/GoCodeAlone/stagectl/contract"
	"github.com/GoCodeAlone/stagectl/stage"
)

// StageSource is the read side of the stage registry.
type StageSource interface {
	List() []stage.Stage
	Get(id string) (stage.Stage, error)
}

// ModuleSource resolves the contract a module claims.
type ModuleSource interface {
	ContractOf(moduleID string) (string, error)
}

// SchemaChecker validates values against contract schemas.
type SchemaChecker interface {
	Validate(contractID string, part contract.Part, v any) error
}

// Validator checks proposed selections for completeness and contract
// compatibility. It has no side effects.
type Validator struct {
	stages  StageSource
	modules ModuleSource
	schemas SchemaChecker
}

// NewValidator creates a validator. schemas may be nil, in which case
// selection settings are not checked.
func NewValidator(stages StageSource, modules ModuleSource, schemas SchemaChecker) *Validator {
	return &Validator{stages: stages, modules: modules, schemas: schemas}
}

// Result lists every violation found. An empty result means the selections
// may become Validated.
type Result struct {
	Violations []stagectl.Violation `json:"violations"`
}

// OK reports whether no violation was found.
func (r Result) OK() bool { return len(r.Violations) == 0 }

// Err returns a *stagectl.ValidationError, or nil when the result is OK.
func (r Result) Err() error {
	if r.OK() {
		return nil
	}
	return &stagectl.ValidationError{Violations: append([]stagectl.Violation(nil), r.Violations...)}
}

// Validate checks that every required stage has exactly one selection, that
// each selected module satisfies its stage's contract, and that no stage is
// selected twice.
func (v *Validator) Validate(selections []Selection) Result {
	var res Result
	counts := make(map[string]int, len(selections))
	for _, s := range selections {
		counts[s.StageID]++
	}

	// Completeness, in pipeline order.
	for _, st := range v.stages.List() {
		if st.Required && counts[st.ID] == 0 {
			res.Violations = append(res.Violations, stagectl.Violation{
				Kind:    stagectl.ErrIncompleteConfiguration,
				StageID: st.ID,
				Message: fmt.Sprintf("required stage %s has no module selected", st.ID),
			})
		}
	}

	// Contract compatibility, in selection order.
	reported := make(map[string]bool)
	for _, s := range selections {
		st, err := v.stages.Get(s.StageID)
		if err != nil {
			if !reported["stage:"+s.StageID] {
				reported["stage:"+s.StageID] = true
				res.Violations = append(res.Violations, stagectl.Violation{
					Kind:     stagectl.ErrNotFound,
					StageID:  s.StageID,
					ModuleID: s.ModuleID,
					Message:  fmt.Sprintf("unknown stage %s", s.StageID),
				})
			}
			continue
		}
		contractID, err := v.modules.ContractOf(s.ModuleID)
		if err != nil {
			res.Violations = append(res.Violations, stagectl.Violation{
				Kind:     stagectl.ErrNotFound,
				StageID:  s.StageID,
				ModuleID: s.ModuleID,
				Message:  fmt.Sprintf("unknown module %s", s.ModuleID),
			})
			continue
		}
		if contractID != st.ContractID {
			res.Violations = append(res.Violations, stagectl.Violation{
				Kind:     stagectl.ErrContractMismatch,
				StageID:  s.StageID,
				ModuleID: s.ModuleID,
				Message:  fmt.Sprintf("module %s satisfies %s, stage %s requires %s", s.ModuleID, contractID, s.StageID, st.ContractID),
			})
			continue
		}
		if v.schemas != nil && s.Settings != nil {
			if err := v.schemas.Validate(st.ContractID, contract.PartSettings, s.Settings); err != nil {
				msg := err.Error()
				if errors.Is(err, stagectl.ErrNotFound) {
					msg = fmt.Sprintf("contract %s not registered", st.ContractID)
				}
				res.Violations = append(res.Violations, stagectl.Violation{
					Kind:     stagectl.ErrInvalidSettings,
					StageID:  s.StageID,
					ModuleID: s.ModuleID,
					Message:  msg,
				})
			}
		}
	}

	// Duplicates, once per stage.
	for _, s := range selections {
		if counts[s.StageID] > 1 && !reported["dup:"+s.StageID] {
			reported["dup:"+s.StageID] = true
			res.Violations = append(res.Violations, stagectl.Violation{
				Kind:    stagectl.ErrDuplicateSelection,
				StageID: s.StageID,
				Message: fmt.Sprintf("stage %s selected %d times", s.StageID, counts[s.StageID]),
			})
		}
	}
	return res
}
