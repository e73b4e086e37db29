package stagectl

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Control-plane errors
var (
	// Lookup errors
	ErrNotFound = errors.New("not found")

	// Registration errors
	ErrDuplicateContract = errors.New("incompatible contract already registered with the same id")
	ErrFallbackConflict  = errors.New("contract already has a designated fallback module")
	ErrDuplicateModule   = errors.New("module already registered")

	// Validation errors
	ErrContractMismatch        = errors.New("module contract does not match stage contract")
	ErrIncompleteConfiguration = errors.New("configuration is missing required stages")
	ErrDuplicateSelection      = errors.New("stage selected more than once")
	ErrInvalidSettings         = errors.New("selection settings do not match contract schema")

	// State errors
	ErrInvalidState = errors.New("invalid configuration state for operation")

	// Availability and runtime errors
	ErrNoModuleAvailable = errors.New("no module available for stage")
	ErrStageFailed       = errors.New("stage failed")
	ErrSchemaViolation   = errors.New("payload does not match contract schema")

	// Boundary errors
	ErrUnauthorized = errors.New("caller identity could not be established")
	ErrForbidden    = errors.New("caller role may not perform this operation")
)

// Violation is a single reason a draft configuration failed validation.
type Violation struct {
	// Kind is one of the validation sentinels (ErrIncompleteConfiguration,
	// ErrContractMismatch, ErrDuplicateSelection, ErrInvalidSettings, ErrNotFound).
	Kind     error  `json:"-"`
	StageID  string `json:"stageId,omitempty"`
	ModuleID string `json:"moduleId,omitempty"`
	Message  string `json:"message"`
}

// Code returns a stable identifier for the violation kind, used on the wire and in storage.
func (v Violation) Code() string {
	switch {
	case errors.Is(v.Kind, ErrIncompleteConfiguration):
		return "incomplete_configuration"
	case errors.Is(v.Kind, ErrContractMismatch):
		return "contract_mismatch"
	case errors.Is(v.Kind, ErrDuplicateSelection):
		return "duplicate_selection"
	case errors.Is(v.Kind, ErrInvalidSettings):
		return "invalid_settings"
	case errors.Is(v.Kind, ErrNotFound):
		return "not_found"
	default:
		return "invalid"
	}
}

func (v Violation) String() string {
	var b strings.Builder
	b.WriteString(v.Code())
	if v.StageID != "" {
		fmt.Fprintf(&b, " stage=%s", v.StageID)
	}
	if v.ModuleID != "" {
		fmt.Fprintf(&b, " module=%s", v.ModuleID)
	}
	if v.Message != "" {
		b.WriteString(": ")
		b.WriteString(v.Message)
	}
	return b.String()
}

type violationWire struct {
	Code     string `json:"code"`
	StageID  string `json:"stageId,omitempty"`
	ModuleID string `json:"moduleId,omitempty"`
	Message  string `json:"message"`
}

// MarshalJSON encodes the violation kind as its code.
func (v Violation) MarshalJSON() ([]byte, error) {
	return json.Marshal(violationWire{Code: v.Code(), StageID: v.StageID, ModuleID: v.ModuleID, Message: v.Message})
}

// UnmarshalJSON restores the violation kind from its code.
func (v *Violation) UnmarshalJSON(b []byte) error {
	var w violationWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*v = Violation{Kind: ViolationKindFromCode(w.Code), StageID: w.StageID, ModuleID: w.ModuleID, Message: w.Message}
	return nil
}

// ViolationKindFromCode maps a stored violation code back to its sentinel.
func ViolationKindFromCode(code string) error {
	switch code {
	case "incomplete_configuration":
		return ErrIncompleteConfiguration
	case "contract_mismatch":
		return ErrContractMismatch
	case "duplicate_selection":
		return ErrDuplicateSelection
	case "invalid_settings":
		return ErrInvalidSettings
	case "not_found":
		return ErrNotFound
	default:
		return nil
	}
}

// ValidationError carries every violation found in a draft configuration.
// errors.Is matches the sentinel of any contained violation.
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.String())
	}
	return "configuration validation failed: " + strings.Join(parts, "; ")
}

// Is reports whether any violation has the target kind.
func (e *ValidationError) Is(target error) bool {
	for _, v := range e.Violations {
		if errors.Is(v.Kind, target) {
			return true
		}
	}
	return false
}

// StagesFor returns the stage ids of violations with the given kind, in order.
func (e *ValidationError) StagesFor(kind error) []string {
	var out []string
	for _, v := range e.Violations {
		if errors.Is(v.Kind, kind) && v.StageID != "" {
			out = append(out, v.StageID)
		}
	}
	return out
}

// NoModuleAvailableError is returned when neither the configured module nor a
// fallback can serve a stage. It is scoped to that stage only.
type NoModuleAvailableError struct {
	StageID  string
	ModuleID string
}

func (e *NoModuleAvailableError) Error() string {
	return fmt.Sprintf("stage %s: module %s unavailable and no fallback applies", e.StageID, e.ModuleID)
}

func (e *NoModuleAvailableError) Unwrap() error {
	return ErrNoModuleAvailable
}

// StageFailure describes a failed stage invocation within one run.
type StageFailure struct {
	StageID  string
	ModuleID string
	Cause    error
}

func (e *StageFailure) Error() string {
	return fmt.Sprintf("stage %s (module %s) failed: %v", e.StageID, e.ModuleID, e.Cause)
}

// Is matches ErrStageFailed as well as anything matched by the cause.
func (e *StageFailure) Is(target error) bool {
	return target == ErrStageFailed
}

func (e *StageFailure) Unwrap() error {
	return e.Cause
}

// IsValidationError reports whether err belongs to the validation family.
func IsValidationError(err error) bool {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return true
	}
	return errors.Is(err, ErrIncompleteConfiguration) ||
		errors.Is(err, ErrContractMismatch) ||
		errors.Is(err, ErrDuplicateSelection) ||
		errors.Is(err, ErrInvalidSettings)
}

// IsStateError reports whether err is an invalid-state or not-found error.
func IsStateError(err error) bool {
	return errors.Is(err, ErrInvalidState) || errors.Is(err, ErrNotFound)
}

// IsAvailabilityError reports whether err signals a missing module.
func IsAvailabilityError(err error) bool {
	return errors.Is(err, ErrNoModuleAvailable)
}
