package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/GoCodeAlone/stagectl"
	"github.com/GoCodeAlone/stagectl/configuration"
	"github.com/GoCodeAlone/stagectl/contract"
	"github.com/GoCodeAlone/stagectl/registry"
	"github.com/GoCodeAlone/stagectl/stage"
)

//go:embed migrations
var migrationFS embed.FS

type dialect struct {
	name       string
	driverName string
	migrations string
	// numbered placeholders ($1, $2, ...) instead of ?
	numbered bool
}

var (
	sqliteDialect   = dialect{name: DriverSQLite, driverName: "sqlite", migrations: "migrations/sqlite"}
	postgresDialect = dialect{name: DriverPostgres, driverName: "postgres", migrations: "migrations/postgres", numbered: true}
)

func dialectFor(driver string) dialect {
	if driver == DriverPostgres {
		return postgresDialect
	}
	return sqliteDialect
}

// bind rewrites ? placeholders for dialects that number them.
func (d dialect) bind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQL is a Store backed by database/sql.
type SQL struct {
	db      *sql.DB
	dialect dialect
	logger  stagectl.Logger
}

func openSQL(ctx context.Context, d dialect, dsn string, logger stagectl.Logger) (*SQL, error) {
	db, err := sql.Open(d.driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", d.name, err)
	}
	if d.name == DriverSQLite {
		// One connection serializes writers and keeps :memory: databases shared.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", d.name, err)
	}
	if d.name == DriverSQLite {
		if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling foreign keys: %w", err)
		}
	}

	s := &SQL{db: db, dialect: d, logger: logger}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate %s database: %w", d.name, err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQL) Close() error {
	return s.db.Close()
}

// migrate applies the embedded *.up.sql files newer than the recorded
// schema version, each in its own transaction.
func (s *SQL) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		)`); err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("getting current schema version: %w", err)
	}

	entries, err := fs.ReadDir(migrationFS, s.dialect.migrations)
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	var files []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".up.sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, name := range files {
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil {
			continue
		}
		if version <= current {
			continue
		}
		content, err := fs.ReadFile(migrationFS, s.dialect.migrations+"/"+name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}
		if err := s.inTx(ctx, func(tx *sql.Tx) error {
			for _, stmt := range splitStatements(string(content)) {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("executing migration %s: %w", name, err)
				}
			}
			_, err := tx.ExecContext(ctx, s.dialect.bind("INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)"),
				version, formatTime(time.Now()))
			return err
		}); err != nil {
			return err
		}
		s.logger.Info("Applied store migration", "driver", s.dialect.name, "migration", name)
	}
	return nil
}

func splitStatements(script string) []string {
	var out []string
	for _, stmt := range strings.Split(script, ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

func (s *SQL) inTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.logger.Error("Transaction rollback failed", "error", rbErr)
			}
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Commit writes configurations, events and the active pointer in one transaction.
func (s *SQL) Commit(ctx context.Context, c configuration.Commit) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, cfg := range c.Configurations {
			if err := s.upsertConfiguration(ctx, tx, cfg); err != nil {
				return err
			}
		}
		for _, e := range c.Events {
			violations, err := json.Marshal(nonNilViolations(e.Violations))
			if err != nil {
				return fmt.Errorf("encoding violations of event %d: %w", e.Sequence, err)
			}
			if _, err := tx.ExecContext(ctx, s.dialect.bind(`
				INSERT INTO configuration_change_events
					(sequence, configuration_version, action, actor, outcome, message, violations, occurred_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
				e.Sequence, e.ConfigurationVersion, string(e.Action), e.Actor, string(e.Outcome), e.Message,
				string(violations), formatTime(e.Timestamp)); err != nil {
				return fmt.Errorf("appending event %d: %w", e.Sequence, err)
			}
		}
		if c.ActiveVersion != nil {
			if _, err := tx.ExecContext(ctx, s.dialect.bind(`
				INSERT INTO active_configuration (id, version) VALUES (1, ?)
				ON CONFLICT (id) DO UPDATE SET version = excluded.version`), *c.ActiveVersion); err != nil {
				return fmt.Errorf("updating active version: %w", err)
			}
		}
		return nil
	})
}

func (s *SQL) upsertConfiguration(ctx context.Context, tx *sql.Tx, cfg configuration.Configuration) error {
	violations, err := json.Marshal(nonNilViolations(cfg.Violations))
	if err != nil {
		return fmt.Errorf("encoding violations of version %d: %w", cfg.Version, err)
	}
	if _, err := tx.ExecContext(ctx, s.dialect.bind(`
		INSERT INTO module_configurations
			(version, status, created_by, created_at, validated_at, activated_at, superseded_at, summary, rollback_of, violations)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (version) DO UPDATE SET
			status = excluded.status,
			validated_at = excluded.validated_at,
			activated_at = excluded.activated_at,
			superseded_at = excluded.superseded_at,
			violations = excluded.violations`),
		cfg.Version, string(cfg.Status), cfg.CreatedBy, formatTime(cfg.CreatedAt), formatTime(cfg.ValidatedAt),
		formatTime(cfg.ActivatedAt), formatTime(cfg.SupersededAt), cfg.Summary, cfg.RollbackOf, string(violations)); err != nil {
		return fmt.Errorf("saving configuration %d: %w", cfg.Version, err)
	}

	if _, err := tx.ExecContext(ctx, s.dialect.bind("DELETE FROM module_selections WHERE configuration_version = ?"), cfg.Version); err != nil {
		return fmt.Errorf("clearing selections of version %d: %w", cfg.Version, err)
	}
	for i, sel := range cfg.Selections {
		settings, err := json.Marshal(sel.Settings)
		if err != nil {
			return fmt.Errorf("encoding settings of stage %s: %w", sel.StageID, err)
		}
		if _, err := tx.ExecContext(ctx, s.dialect.bind(`
			INSERT INTO module_selections (configuration_version, position, stage_id, module_id, settings)
			VALUES (?, ?, ?, ?, ?)`), cfg.Version, i, sel.StageID, sel.ModuleID, string(settings)); err != nil {
			return fmt.Errorf("saving selection %s of version %d: %w", sel.StageID, cfg.Version, err)
		}
	}
	return nil
}

// Load reads the configuration history, the change log and the active pointer.
func (s *SQL) Load(ctx context.Context) (configuration.State, error) {
	var st configuration.State

	rows, err := s.db.QueryContext(ctx, `
		SELECT version, status, created_by, created_at, validated_at, activated_at, superseded_at, summary, rollback_of, violations
		FROM module_configurations ORDER BY version`)
	if err != nil {
		return st, fmt.Errorf("querying configurations: %w", err)
	}
	byVersion := make(map[int64]int)
	for rows.Next() {
		var c configuration.Configuration
		var status, violations string
		var created, validated, activated, superseded string
		if err := rows.Scan(&c.Version, &status, &c.CreatedBy, &created, &validated, &activated, &superseded,
			&c.Summary, &c.RollbackOf, &violations); err != nil {
			rows.Close()
			return st, fmt.Errorf("scanning configuration: %w", err)
		}
		c.Status = configuration.Status(status)
		c.CreatedAt = parseTime(created)
		c.ValidatedAt = parseTime(validated)
		c.ActivatedAt = parseTime(activated)
		c.SupersededAt = parseTime(superseded)
		if c.Violations, err = decodeViolations(violations); err != nil {
			rows.Close()
			return st, fmt.Errorf("decoding violations of version %d: %w", c.Version, err)
		}
		byVersion[c.Version] = len(st.Configurations)
		st.Configurations = append(st.Configurations, c)
	}
	if err := closeRows(rows); err != nil {
		return st, fmt.Errorf("iterating configurations: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT configuration_version, stage_id, module_id, settings
		FROM module_selections ORDER BY configuration_version, position`)
	if err != nil {
		return st, fmt.Errorf("querying selections: %w", err)
	}
	for rows.Next() {
		var version int64
		var sel configuration.Selection
		var settings string
		if err := rows.Scan(&version, &sel.StageID, &sel.ModuleID, &settings); err != nil {
			rows.Close()
			return st, fmt.Errorf("scanning selection: %w", err)
		}
		if err := json.Unmarshal([]byte(settings), &sel.Settings); err != nil {
			rows.Close()
			return st, fmt.Errorf("decoding settings of version %d stage %s: %w", version, sel.StageID, err)
		}
		idx, ok := byVersion[version]
		if !ok {
			continue
		}
		st.Configurations[idx].Selections = append(st.Configurations[idx].Selections, sel)
	}
	if err := closeRows(rows); err != nil {
		return st, fmt.Errorf("iterating selections: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT sequence, configuration_version, action, actor, outcome, message, violations, occurred_at
		FROM configuration_change_events ORDER BY sequence`)
	if err != nil {
		return st, fmt.Errorf("querying events: %w", err)
	}
	for rows.Next() {
		var e configuration.ChangeEvent
		var action, outcome, violations, occurred string
		if err := rows.Scan(&e.Sequence, &e.ConfigurationVersion, &action, &e.Actor, &outcome, &e.Message,
			&violations, &occurred); err != nil {
			rows.Close()
			return st, fmt.Errorf("scanning event: %w", err)
		}
		e.Action = configuration.Action(action)
		e.Outcome = configuration.Outcome(outcome)
		e.Timestamp = parseTime(occurred)
		if e.Violations, err = decodeViolations(violations); err != nil {
			rows.Close()
			return st, fmt.Errorf("decoding violations of event %d: %w", e.Sequence, err)
		}
		st.Events = append(st.Events, e)
	}
	if err := closeRows(rows); err != nil {
		return st, fmt.Errorf("iterating events: %w", err)
	}

	err = s.db.QueryRowContext(ctx, "SELECT version FROM active_configuration WHERE id = 1").Scan(&st.ActiveVersion)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return st, fmt.Errorf("reading active version: %w", err)
	}
	return st, nil
}

// SaveCatalogue upserts the catalogue in one transaction.
func (s *SQL) SaveCatalogue(ctx context.Context, c Catalogue) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, ct := range c.Contracts {
			fp, err := contract.Fingerprint(ct)
			if err != nil {
				return fmt.Errorf("fingerprinting contract %s: %w", ct.ID, err)
			}
			doc, err := json.Marshal(ct)
			if err != nil {
				return fmt.Errorf("encoding contract %s: %w", ct.ID, err)
			}
			if _, err := tx.ExecContext(ctx, s.dialect.bind(`
				INSERT INTO capability_contracts (id, fingerprint, document) VALUES (?, ?, ?)
				ON CONFLICT (id) DO UPDATE SET fingerprint = excluded.fingerprint, document = excluded.document`),
				ct.ID, fp, string(doc)); err != nil {
				return fmt.Errorf("saving contract %s: %w", ct.ID, err)
			}
		}
		for _, st := range c.Stages {
			if _, err := tx.ExecContext(ctx, s.dialect.bind(`
				INSERT INTO processing_stages (id, position, name, contract_id, required) VALUES (?, ?, ?, ?, ?)
				ON CONFLICT (id) DO UPDATE SET
					position = excluded.position, name = excluded.name,
					contract_id = excluded.contract_id, required = excluded.required`),
				st.ID, st.Position, st.Name, st.ContractID, boolInt(st.Required)); err != nil {
				return fmt.Errorf("saving stage %s: %w", st.ID, err)
			}
		}
		for _, m := range c.Modules {
			meta, err := json.Marshal(m.Metadata)
			if err != nil {
				return fmt.Errorf("encoding metadata of module %s: %w", m.ID, err)
			}
			if _, err := tx.ExecContext(ctx, s.dialect.bind(`
				INSERT INTO modules (id, name, contract_id, is_fallback, available, metadata, registered_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (id) DO UPDATE SET
					name = excluded.name, contract_id = excluded.contract_id, is_fallback = excluded.is_fallback,
					available = excluded.available, metadata = excluded.metadata, updated_at = excluded.updated_at`),
				m.ID, m.Name, m.ContractID, boolInt(m.IsFallback), boolInt(m.Available), string(meta),
				formatTime(m.RegisteredAt), formatTime(m.UpdatedAt)); err != nil {
				return fmt.Errorf("saving module %s: %w", m.ID, err)
			}
		}
		return nil
	})
}

// LoadCatalogue reads the catalogue collections.
func (s *SQL) LoadCatalogue(ctx context.Context) (Catalogue, error) {
	var c Catalogue

	rows, err := s.db.QueryContext(ctx, "SELECT document FROM capability_contracts ORDER BY id")
	if err != nil {
		return c, fmt.Errorf("querying contracts: %w", err)
	}
	for rows.Next() {
		var doc string
		var ct contract.Contract
		if err := rows.Scan(&doc); err != nil {
			rows.Close()
			return c, fmt.Errorf("scanning contract: %w", err)
		}
		if err := json.Unmarshal([]byte(doc), &ct); err != nil {
			rows.Close()
			return c, fmt.Errorf("decoding contract: %w", err)
		}
		c.Contracts = append(c.Contracts, ct)
	}
	if err := closeRows(rows); err != nil {
		return c, fmt.Errorf("iterating contracts: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, "SELECT id, position, name, contract_id, required FROM processing_stages ORDER BY position")
	if err != nil {
		return c, fmt.Errorf("querying stages: %w", err)
	}
	for rows.Next() {
		var st stage.Stage
		var required int
		if err := rows.Scan(&st.ID, &st.Position, &st.Name, &st.ContractID, &required); err != nil {
			rows.Close()
			return c, fmt.Errorf("scanning stage: %w", err)
		}
		st.Required = required != 0
		c.Stages = append(c.Stages, st)
	}
	if err := closeRows(rows); err != nil {
		return c, fmt.Errorf("iterating stages: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT id, name, contract_id, is_fallback, available, metadata, registered_at, updated_at
		FROM modules ORDER BY id`)
	if err != nil {
		return c, fmt.Errorf("querying modules: %w", err)
	}
	for rows.Next() {
		var m registry.Module
		var fallback, available int
		var meta, registered, updated string
		if err := rows.Scan(&m.ID, &m.Name, &m.ContractID, &fallback, &available, &meta, &registered, &updated); err != nil {
			rows.Close()
			return c, fmt.Errorf("scanning module: %w", err)
		}
		m.IsFallback = fallback != 0
		m.Available = available != 0
		m.RegisteredAt = parseTime(registered)
		m.UpdatedAt = parseTime(updated)
		if err := json.Unmarshal([]byte(meta), &m.Metadata); err != nil {
			rows.Close()
			return c, fmt.Errorf("decoding metadata of module %s: %w", m.ID, err)
		}
		c.Modules = append(c.Modules, m)
	}
	if err := closeRows(rows); err != nil {
		return c, fmt.Errorf("iterating modules: %w", err)
	}
	return c, nil
}

// SetModuleAvailability records an availability transition.
func (s *SQL) SetModuleAvailability(ctx context.Context, moduleID string, available bool, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.dialect.bind("UPDATE modules SET available = ?, updated_at = ? WHERE id = ?"),
		boolInt(available), formatTime(at), moduleID)
	if err != nil {
		return fmt.Errorf("updating availability of module %s: %w", moduleID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("module %s: %w", moduleID, stagectl.ErrNotFound)
	}
	return nil
}

func closeRows(rows *sql.Rows) error {
	err := rows.Err()
	if cerr := rows.Close(); err == nil {
		err = cerr
	}
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nonNilViolations(vs []stagectl.Violation) []stagectl.Violation {
	if vs == nil {
		return []stagectl.Violation{}
	}
	return vs
}

func decodeViolations(s string) ([]stagectl.Violation, error) {
	var vs []stagectl.Violation
	if err := json.Unmarshal([]byte(s), &vs); err != nil {
		return nil, err
	}
	if len(vs) == 0 {
		return nil, nil
	}
	return vs, nil
}

var _ Store = (*SQL)(nil)
