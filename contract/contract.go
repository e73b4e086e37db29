// Package contract provides the capability contract registry. A contract
// declares the input, output and settings shapes (as JSON Schema documents)
// and the behavioral guarantees a module must satisfy to occupy a stage.
package contract

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/GoCodeAlone/stagectl"
)

// Contract is an immutable capability declaration.
type Contract struct {
	ID          string          `json:"id"`
	Description string          `json:"description,omitempty"`
	Input       json.RawMessage `json:"input,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Settings    json.RawMessage `json:"settings,omitempty"`
	Guarantees  []string        `json:"guarantees,omitempty"`
	Constraints []string        `json:"constraints,omitempty"`
}

// Part names a schema within a contract.
type Part string

const (
	PartInput    Part = "input"
	PartOutput   Part = "output"
	PartSettings Part = "settings"
)

type entry struct {
	contract    Contract
	fingerprint string
	schemas     map[Part]*jsonschema.Schema
}

// Registry stores contracts by id. Lookups are safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	contracts map[string]*entry
	logger    stagectl.Logger
}

// NewRegistry creates an empty contract registry.
func NewRegistry(logger stagectl.Logger) *Registry {
	return &Registry{
		contracts: make(map[string]*entry),
		logger:    stagectl.LoggerOrNop(logger),
	}
}

// Register adds c. Registering an identical contract again is a no-op;
// registering a different contract under an existing id fails with
// stagectl.ErrDuplicateContract.
func (r *Registry) Register(c Contract) (string, error) {
	if c.ID == "" {
		return "", fmt.Errorf("contract: id is required")
	}
	fp, err := Fingerprint(c)
	if err != nil {
		return "", fmt.Errorf("contract %s: %w", c.ID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.contracts[c.ID]; ok {
		if existing.fingerprint == fp {
			return c.ID, nil
		}
		return "", fmt.Errorf("contract %s: %w", c.ID, stagectl.ErrDuplicateContract)
	}

	schemas := make(map[Part]*jsonschema.Schema, 3)
	for part, raw := range map[Part]json.RawMessage{PartInput: c.Input, PartOutput: c.Output, PartSettings: c.Settings} {
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		s, err := compile(c.ID, part, raw)
		if err != nil {
			return "", err
		}
		schemas[part] = s
	}

	r.contracts[c.ID] = &entry{contract: clone(c), fingerprint: fp, schemas: schemas}
	r.logger.Debug("Contract registered", "contract", c.ID)
	return c.ID, nil
}

// Get returns the contract with the given id.
func (r *Registry) Get(id string) (Contract, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.contracts[id]
	if !ok {
		return Contract{}, fmt.Errorf("contract %s: %w", id, stagectl.ErrNotFound)
	}
	return clone(e.contract), nil
}

// Exists reports whether a contract with the given id is registered.
func (r *Registry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.contracts[id]
	return ok
}

// List returns all contracts sorted by id.
func (r *Registry) List() []Contract {
	r.mu.RLock()
	out := make([]Contract, 0, len(r.contracts))
	for _, e := range r.contracts {
		out = append(out, clone(e.contract))
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Validate checks v against the named schema of contract id. A contract
// without that schema accepts any value. Failures wrap stagectl.ErrSchemaViolation.
func (r *Registry) Validate(id string, part Part, v any) error {
	r.mu.RLock()
	e, ok := r.contracts[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("contract %s: %w", id, stagectl.ErrNotFound)
	}
	s := e.schemas[part]
	if s == nil {
		return nil
	}
	doc, err := normalize(v)
	if err != nil {
		return fmt.Errorf("contract %s %s: %w: %v", id, part, stagectl.ErrSchemaViolation, err)
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("contract %s %s: %w: %v", id, part, stagectl.ErrSchemaViolation, err)
	}
	return nil
}

// Fingerprint returns a digest of the contract's canonical JSON form. Two
// contracts with the same fingerprint are interchangeable.
func Fingerprint(c Contract) (string, error) {
	canon := struct {
		ID          string   `json:"id"`
		Description string   `json:"description"`
		Input       any      `json:"input"`
		Output      any      `json:"output"`
		Settings    any      `json:"settings"`
		Guarantees  []string `json:"guarantees,omitempty"`
		Constraints []string `json:"constraints,omitempty"`
	}{ID: c.ID, Description: c.Description, Guarantees: c.Guarantees, Constraints: c.Constraints}

	var err error
	if canon.Input, err = decodeRaw(c.Input); err != nil {
		return "", fmt.Errorf("input schema: %w", err)
	}
	if canon.Output, err = decodeRaw(c.Output); err != nil {
		return "", fmt.Errorf("output schema: %w", err)
	}
	if canon.Settings, err = decodeRaw(c.Settings); err != nil {
		return "", fmt.Errorf("settings schema: %w", err)
	}
	// encoding/json writes map keys sorted, which makes the encoding canonical.
	b, err := json.Marshal(canon)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

func compile(id string, part Part, raw json.RawMessage) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("contract %s: parse %s schema: %w", id, part, err)
	}
	loc := url.PathEscape(id) + "-" + string(part) + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(loc, doc); err != nil {
		return nil, fmt.Errorf("contract %s: add %s schema: %w", id, part, err)
	}
	s, err := c.Compile(loc)
	if err != nil {
		return nil, fmt.Errorf("contract %s: compile %s schema: %w", id, part, err)
	}
	return s, nil
}

func decodeRaw(raw json.RawMessage) (any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// normalize converts arbitrary Go values into the generic JSON form the
// schema validator expects.
func normalize(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(b))
}

func clone(c Contract) Contract {
	out := c
	out.Input = append(json.RawMessage(nil), c.Input...)
	out.Output = append(json.RawMessage(nil), c.Output...)
	out.Settings = append(json.RawMessage(nil), c.Settings...)
	out.Guarantees = append([]string(nil), c.Guarantees...)
	out.Constraints = append([]string(nil), c.Constraints...)
	return out
}
