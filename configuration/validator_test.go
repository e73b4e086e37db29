package configuration

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/stagectl"
)

func TestValidator_Validate(t *testing.T) {
	cat := newCatalogue(t)

	tests := []struct {
		name       string
		selections []Selection
		wantKinds  []error
		wantStages []string
	}{
		{
			name:       "complete_and_compatible",
			selections: baseline(),
		},
		{
			name:       "optional_stage_may_be_selected",
			selections: append(baseline(), Selection{StageID: "chat", ModuleID: "rag-chat"}),
		},
		{
			name:       "missing_required_stage",
			selections: baseline()[:2],
			wantKinds:  []error{stagectl.ErrIncompleteConfiguration},
			wantStages: []string{"validate"},
		},
		{
			name:       "contract_mismatch",
			selections: withModule(baseline(), "extract", "rag-chat"),
			wantKinds:  []error{stagectl.ErrContractMismatch},
			wantStages: []string{"extract"},
		},
		{
			name:       "duplicate_selection",
			selections: append(baseline(), Selection{StageID: "ocr", ModuleID: "paddle"}),
			wantKinds:  []error{stagectl.ErrDuplicateSelection},
			wantStages: []string{"ocr"},
		},
		{
			name:       "unknown_module",
			selections: withModule(baseline(), "ocr", "ghost"),
			wantKinds:  []error{stagectl.ErrNotFound},
			wantStages: []string{"ocr"},
		},
		{
			name:       "unknown_stage",
			selections: append(baseline(), Selection{StageID: "translate", ModuleID: "rules"}),
			wantKinds:  []error{stagectl.ErrNotFound},
			wantStages: []string{"translate"},
		},
		{
			name: "settings_violate_contract_schema",
			selections: []Selection{
				{StageID: "ocr", ModuleID: "tesseract"},
				{StageID: "extract", ModuleID: "llm-extract", Settings: map[string]any{"model": 7}},
				{StageID: "validate", ModuleID: "rules"},
			},
			wantKinds:  []error{stagectl.ErrInvalidSettings},
			wantStages: []string{"extract"},
		},
		{
			name:       "empty_draft_lists_every_required_stage",
			selections: nil,
			wantKinds:  []error{stagectl.ErrIncompleteConfiguration, stagectl.ErrIncompleteConfiguration, stagectl.ErrIncompleteConfiguration},
			wantStages: []string{"ocr", "extract", "validate"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := cat.validator.Validate(tt.selections)
			if len(tt.wantKinds) == 0 {
				assert.True(t, res.OK(), "unexpected violations: %v", res.Violations)
				assert.NoError(t, res.Err())
				return
			}
			require.Len(t, res.Violations, len(tt.wantKinds))
			for i, v := range res.Violations {
				assert.True(t, errors.Is(v.Kind, tt.wantKinds[i]), "violation %d: %v", i, v)
				assert.Equal(t, tt.wantStages[i], v.StageID)
			}
			assert.Error(t, res.Err())
		})
	}
}

func TestValidator_ReportsEveryViolation(t *testing.T) {
	cat := newCatalogue(t)
	sel := []Selection{
		{StageID: "ocr", ModuleID: "tesseract"},
		{StageID: "ocr", ModuleID: "paddle"},
		{StageID: "extract", ModuleID: "rules"},
	}
	err := cat.validator.Validate(sel).Err()
	require.Error(t, err)

	var verr *stagectl.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.ErrorIs(t, err, stagectl.ErrIncompleteConfiguration)
	assert.ErrorIs(t, err, stagectl.ErrContractMismatch)
	assert.ErrorIs(t, err, stagectl.ErrDuplicateSelection)
	assert.Equal(t, []string{"validate"}, verr.StagesFor(stagectl.ErrIncompleteConfiguration))
	assert.Equal(t, []string{"extract"}, verr.StagesFor(stagectl.ErrContractMismatch))
	assert.True(t, stagectl.IsValidationError(err))
}

func TestValidator_HasNoSideEffects(t *testing.T) {
	cat := newCatalogue(t)
	before := cat.modules.List()
	sel := withModule(baseline(), "extract", "rag-chat")
	_ = cat.validator.Validate(sel)
	assert.Equal(t, before, cat.modules.List())
	assert.Equal(t, "rag-chat", sel[1].ModuleID)
}
