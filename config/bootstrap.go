package config

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/GoCodeAlone/stagectl/contract"
	"github.com/GoCodeAlone/stagectl/fallback"
	"github.com/GoCodeAlone/stagectl/registry"
	"github.com/GoCodeAlone/stagectl/stage"
)

// ErrInvalidBootstrap is returned for a malformed catalogue.
var ErrInvalidBootstrap = errors.New("invalid bootstrap catalogue")

// Bootstrap is the deployment's static catalogue. Only module availability
// may change after startup.
type Bootstrap struct {
	Contracts []ContractSpec `yaml:"contracts" toml:"contracts" json:"contracts"`
	Stages    []StageSpec    `yaml:"stages" toml:"stages" json:"stages"`
	Modules   []ModuleSpec   `yaml:"modules" toml:"modules" json:"modules"`
	Policies  []PolicySpec   `yaml:"policies" toml:"policies" json:"policies"`
}

// ContractSpec declares a capability contract. Schemas are written inline
// as JSON Schema documents.
type ContractSpec struct {
	ID          string         `yaml:"id" toml:"id" json:"id"`
	Description string         `yaml:"description" toml:"description" json:"description"`
	Input       map[string]any `yaml:"input" toml:"input" json:"input"`
	Output      map[string]any `yaml:"output" toml:"output" json:"output"`
	Settings    map[string]any `yaml:"settings" toml:"settings" json:"settings"`
	Guarantees  []string       `yaml:"guarantees" toml:"guarantees" json:"guarantees"`
	Constraints []string       `yaml:"constraints" toml:"constraints" json:"constraints"`
}

// StageSpec declares one pipeline stage. File order is pipeline order.
type StageSpec struct {
	ID       string `yaml:"id" toml:"id" json:"id"`
	Name     string `yaml:"name" toml:"name" json:"name"`
	Contract string `yaml:"contract" toml:"contract" json:"contract"`
	Required bool   `yaml:"required" toml:"required" json:"required"`
}

// ModuleSpec declares a module.
type ModuleSpec struct {
	ID        string         `yaml:"id" toml:"id" json:"id"`
	Name      string         `yaml:"name" toml:"name" json:"name"`
	Contract  string         `yaml:"contract" toml:"contract" json:"contract"`
	Fallback  bool           `yaml:"fallback" toml:"fallback" json:"fallback"`
	Available bool           `yaml:"available" toml:"available" json:"available"`
	Metadata  map[string]any `yaml:"metadata" toml:"metadata" json:"metadata"`
}

// PolicySpec declares the fallback policy of a stage.
type PolicySpec struct {
	Stage          string   `yaml:"stage" toml:"stage" json:"stage"`
	FallbackModule string   `yaml:"fallbackModule" toml:"fallbackModule" json:"fallbackModule"`
	Triggers       []string `yaml:"triggers" toml:"triggers" json:"triggers"`
	Action         string   `yaml:"action" toml:"action" json:"action"`
}

// LoadBootstrap reads and checks a catalogue file.
func LoadBootstrap(path string) (*Bootstrap, error) {
	b := &Bootstrap{}
	if err := DecodeFile(path, b); err != nil {
		return nil, err
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return b, nil
}

// Validate checks ids and policy values. Cross references between
// contracts, stages and modules are checked by the registries.
func (b *Bootstrap) Validate() error {
	var errs []error
	check := func(kind string, ids []string) {
		seen := make(map[string]bool, len(ids))
		for i, id := range ids {
			switch {
			case id == "":
				errs = append(errs, fmt.Errorf("%s %d: id is required", kind, i))
			case seen[id]:
				errs = append(errs, fmt.Errorf("%s %s: duplicate id", kind, id))
			}
			seen[id] = true
		}
	}

	ids := make([]string, 0, len(b.Contracts))
	for _, c := range b.Contracts {
		ids = append(ids, c.ID)
	}
	check("contract", ids)
	ids = ids[:0]
	for _, s := range b.Stages {
		ids = append(ids, s.ID)
	}
	check("stage", ids)
	ids = ids[:0]
	for _, m := range b.Modules {
		ids = append(ids, m.ID)
	}
	check("module", ids)
	ids = ids[:0]
	for _, p := range b.Policies {
		ids = append(ids, p.Stage)
		switch fallback.Action(p.Action) {
		case "", fallback.ActionSubstituteAndWarn, fallback.ActionFailStage:
		default:
			errs = append(errs, fmt.Errorf("policy %s: unknown action %q", p.Stage, p.Action))
		}
		for _, t := range p.Triggers {
			switch fallback.Trigger(t) {
			case fallback.TriggerUnavailableAtStartup, fallback.TriggerInvocationFailure:
			default:
				errs = append(errs, fmt.Errorf("policy %s: unknown trigger %q", p.Stage, t))
			}
		}
	}
	check("policy", ids)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidBootstrap, errors.Join(errs...))
	}
	return nil
}

// ContractList converts the contract specs, encoding schemas as JSON.
func (b *Bootstrap) ContractList() ([]contract.Contract, error) {
	out := make([]contract.Contract, 0, len(b.Contracts))
	for _, c := range b.Contracts {
		cc := contract.Contract{
			ID:          c.ID,
			Description: c.Description,
			Guarantees:  c.Guarantees,
			Constraints: c.Constraints,
		}
		var err error
		if cc.Input, err = rawSchema(c.Input); err != nil {
			return nil, fmt.Errorf("contract %s input: %w", c.ID, err)
		}
		if cc.Output, err = rawSchema(c.Output); err != nil {
			return nil, fmt.Errorf("contract %s output: %w", c.ID, err)
		}
		if cc.Settings, err = rawSchema(c.Settings); err != nil {
			return nil, fmt.Errorf("contract %s settings: %w", c.ID, err)
		}
		out = append(out, cc)
	}
	return out, nil
}

func rawSchema(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// StageList converts the stage specs in pipeline order.
func (b *Bootstrap) StageList() []stage.Stage {
	out := make([]stage.Stage, 0, len(b.Stages))
	for i, s := range b.Stages {
		out = append(out, stage.Stage{ID: s.ID, Name: s.Name, ContractID: s.Contract, Required: s.Required, Position: i})
	}
	return out
}

// ModuleList converts the module specs.
func (b *Bootstrap) ModuleList() []registry.Module {
	out := make([]registry.Module, 0, len(b.Modules))
	for _, m := range b.Modules {
		out = append(out, registry.Module{
			ID:         m.ID,
			Name:       m.Name,
			ContractID: m.Contract,
			IsFallback: m.Fallback,
			Available:  m.Available,
			Metadata:   m.Metadata,
		})
	}
	return out
}

// PolicyList converts the policy specs. An empty action substitutes and warns.
func (b *Bootstrap) PolicyList() []fallback.Policy {
	out := make([]fallback.Policy, 0, len(b.Policies))
	for _, p := range b.Policies {
		fp := fallback.Policy{
			StageID:          p.Stage,
			FallbackModuleID: p.FallbackModule,
			Action:           fallback.Action(p.Action),
		}
		if fp.Action == "" {
			fp.Action = fallback.ActionSubstituteAndWarn
		}
		for _, t := range p.Triggers {
			fp.Triggers = append(fp.Triggers, fallback.Trigger(t))
		}
		out = append(out, fp)
	}
	return out
}

// availability returns the available flag per module id.
func (b *Bootstrap) availability() map[string]bool {
	out := make(map[string]bool, len(b.Modules))
	for _, m := range b.Modules {
		out[m.ID] = m.Available
	}
	return out
}

// withoutAvailability returns a copy whose dynamic fields are cleared.
func (b *Bootstrap) withoutAvailability() Bootstrap {
	c := *b
	c.Modules = make([]ModuleSpec, len(b.Modules))
	copy(c.Modules, b.Modules)
	for i := range c.Modules {
		c.Modules[i].Available = false
	}
	return c
}
