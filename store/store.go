// Package store persists the control plane's state: the catalogue
// collections (capability contracts, processing stages, modules), the
// configuration history with its selections, the change event log and the
// active version pointer.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/GoCodeAlone/stagectl"
	"github.com/GoCodeAlone/stagectl/configuration"
	"github.com/GoCodeAlone/stagectl/contract"
	"github.com/GoCodeAlone/stagectl/registry"
	"github.com/GoCodeAlone/stagectl/stage"
)

var (
	ErrUnknownDriver = errors.New("unknown store driver")
	ErrMissingDSN    = errors.New("store dsn is required")
)

// Driver names accepted by Open.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Catalogue is the persisted snapshot of the static registries.
type Catalogue struct {
	Contracts []contract.Contract `json:"contracts"`
	Stages    []stage.Stage       `json:"stages"`
	Modules   []registry.Module   `json:"modules"`
}

// Store is a configuration.Persister that also keeps the catalogue.
type Store interface {
	configuration.Persister

	// SaveCatalogue inserts or replaces every contract, stage and module.
	SaveCatalogue(ctx context.Context, c Catalogue) error
	// LoadCatalogue returns the catalogue ordered by contract id, stage
	// position and module id.
	LoadCatalogue(ctx context.Context) (Catalogue, error)
	// SetModuleAvailability records an availability transition.
	SetModuleAvailability(ctx context.Context, moduleID string, available bool, at time.Time) error

	Close() error
}

// Option configures a store.
type Option func(*options)

type options struct {
	logger stagectl.Logger
}

// WithLogger sets the store logger.
func WithLogger(l stagectl.Logger) Option {
	return func(o *options) { o.logger = stagectl.LoggerOrNop(l) }
}

// Open creates a store for driver. SQL backends are migrated before return.
func Open(ctx context.Context, driver, dsn string, opts ...Option) (Store, error) {
	o := options{logger: stagectl.NopLogger()}
	for _, opt := range opts {
		opt(&o)
	}

	switch driver {
	case "", DriverMemory:
		return NewMemory(), nil
	case DriverSQLite, DriverPostgres:
		if dsn == "" {
			return nil, fmt.Errorf("%w for driver %s", ErrMissingDSN, driver)
		}
		return openSQL(ctx, dialectFor(driver), dsn, o.logger)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, driver)
	}
}
