package stage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/stagectl"
)

type contractSet map[string]bool

func (c contractSet) Exists(id string) bool { return c[id] }

func TestNewRegistry(t *testing.T) {
	contracts := contractSet{"ocr.v1": true, "extract.v1": true, "validate.v1": true}

	t.Run("keeps_pipeline_order", func(t *testing.T) {
		r, err := NewRegistry(contracts,
			Stage{ID: "ocr", ContractID: "ocr.v1", Required: true},
			Stage{ID: "extract", ContractID: "extract.v1", Required: true},
			Stage{ID: "validate", ContractID: "validate.v1"},
		)
		require.NoError(t, err)

		list := r.List()
		require.Len(t, list, 3)
		assert.Equal(t, "ocr", list[0].ID)
		assert.Equal(t, 2, list[2].Position)

		req := r.Required()
		require.Len(t, req, 2)
		assert.Equal(t, "extract", req[1].ID)
	})

	t.Run("duplicate_stage_fails", func(t *testing.T) {
		_, err := NewRegistry(contracts,
			Stage{ID: "ocr", ContractID: "ocr.v1"},
			Stage{ID: "ocr", ContractID: "ocr.v1"},
		)
		assert.ErrorIs(t, err, ErrDuplicateStage)
	})

	t.Run("unknown_contract_fails", func(t *testing.T) {
		_, err := NewRegistry(contracts, Stage{ID: "chat", ContractID: "chat.v1"})
		assert.ErrorIs(t, err, stagectl.ErrNotFound)
	})

	t.Run("missing_id_fails", func(t *testing.T) {
		_, err := NewRegistry(contracts, Stage{ContractID: "ocr.v1"})
		assert.Error(t, err)
	})
}

func TestRegistry_Get(t *testing.T) {
	r, err := NewRegistry(nil, Stage{ID: "ocr", ContractID: "ocr.v1", Required: true})
	require.NoError(t, err)

	s, err := r.Get("ocr")
	require.NoError(t, err)
	assert.Equal(t, "ocr.v1", s.ContractID)

	_, err = r.Get("missing")
	assert.ErrorIs(t, err, stagectl.ErrNotFound)

	list := r.List()
	list[0].ID = "changed"
	again, _ := r.Get("ocr")
	assert.Equal(t, "ocr", again.ID)
}
