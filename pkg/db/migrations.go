package db

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/jingkaihe/skillbox/pkg/logger"
)

// Migration is a schema migration versioned by timestamp (YYYYMMDDHHmmss).
type Migration struct {
	Version     int64
	Description string
	Up          Step
	// Down is optional; migrations without it cannot be rolled back.
	Down Step
}

// Step runs inside the transaction that also records the migration.
type Step func(ctx context.Context, tx *sqlx.Tx) error

// Exec returns a step executing stmts in order.
func Exec(stmts ...string) Step {
	return func(ctx context.Context, tx *sqlx.Tx) error {
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return errors.Wrapf(err, "failed to execute %q", firstLine(stmt))
			}
		}
		return nil
	}
}

// MigrationState is a known migration joined with its applied record.
type MigrationState struct {
	Version     int64      `json:"version" yaml:"version"`
	Description string     `json:"description" yaml:"description"`
	AppliedAt   *time.Time `json:"appliedAt,omitempty" yaml:"appliedAt,omitempty"`
}

type appliedRow struct {
	Version   int64     `db:"version"`
	AppliedAt time.Time `db:"applied_at"`
}

// MigrationRunner applies schema migrations and records them in
// schema_migrations.
type MigrationRunner struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewMigrationRunner creates a new migration runner
func NewMigrationRunner(db *sqlx.DB) *MigrationRunner {
	return &MigrationRunner{db: db, now: time.Now}
}

// Run applies every pending migration in version order, each in its own
// transaction together with its schema_migrations record.
func (r *MigrationRunner) Run(ctx context.Context, migrations []Migration) error {
	applied, err := r.applied(ctx)
	if err != nil {
		return err
	}

	for _, m := range sortedByVersion(migrations) {
		if _, ok := applied[m.Version]; ok {
			continue
		}
		err := r.inTx(ctx, m.Up, "INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			m.Version, r.now(), m.Description)
		if err != nil {
			return errors.Wrapf(err, "failed to apply migration %d: %s", m.Version, m.Description)
		}
		logger.G(ctx).WithField("version", m.Version).WithField("description", m.Description).Debug("applied schema migration")
	}
	return nil
}

// Rollback reverts the most recently applied migration and returns it, or
// nil when nothing is applied.
func (r *MigrationRunner) Rollback(ctx context.Context, migrations []Migration) (*Migration, error) {
	versions, err := r.GetAppliedVersions(ctx)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, nil
	}
	last := versions[len(versions)-1]

	for _, m := range migrations {
		if m.Version != last {
			continue
		}
		if m.Down == nil {
			return nil, errors.Errorf("migration %d has no rollback function", last)
		}
		if err := r.inTx(ctx, m.Down, "DELETE FROM schema_migrations WHERE version = ?", m.Version); err != nil {
			return nil, errors.Wrapf(err, "failed to roll back migration %d", m.Version)
		}
		logger.G(ctx).WithField("version", m.Version).Info("rolled back schema migration")
		return &m, nil
	}
	return nil, errors.Errorf("migration %d not found in provided migrations", last)
}

// Status lists every known migration in version order with its applied time.
func (r *MigrationRunner) Status(ctx context.Context, migrations []Migration) ([]MigrationState, error) {
	applied, err := r.applied(ctx)
	if err != nil {
		return nil, err
	}
	states := make([]MigrationState, 0, len(migrations))
	for _, m := range sortedByVersion(migrations) {
		s := MigrationState{Version: m.Version, Description: m.Description}
		if at, ok := applied[m.Version]; ok {
			s.AppliedAt = &at
		}
		states = append(states, s)
	}
	return states, nil
}

// GetAppliedVersions returns applied versions in ascending order.
func (r *MigrationRunner) GetAppliedVersions(ctx context.Context) ([]int64, error) {
	if err := r.ensureMigrationsTable(ctx); err != nil {
		return nil, err
	}
	var versions []int64
	err := r.db.SelectContext(ctx, &versions, "SELECT version FROM schema_migrations ORDER BY version")
	return versions, errors.Wrap(err, "failed to get applied versions")
}

func (r *MigrationRunner) applied(ctx context.Context) (map[int64]time.Time, error) {
	if err := r.ensureMigrationsTable(ctx); err != nil {
		return nil, err
	}
	var rows []appliedRow
	if err := r.db.SelectContext(ctx, &rows, "SELECT version, applied_at FROM schema_migrations"); err != nil {
		return nil, errors.Wrap(err, "failed to get applied migrations")
	}
	applied := make(map[int64]time.Time, len(rows))
	for _, row := range rows {
		applied[row.Version] = row.AppliedAt
	}
	return applied, nil
}

// inTx runs step and the bookkeeping statement in one transaction.
func (r *MigrationRunner) inTx(ctx context.Context, step Step, record string, args ...any) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if err := step(ctx, tx); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		return errors.Wrap(err, "failed to update schema_migrations")
	}
	return tx.Commit()
}

func (r *MigrationRunner) ensureMigrationsTable(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME NOT NULL,
			description TEXT
		)
	`)
	return errors.Wrap(err, "failed to create schema_migrations table")
}

func sortedByVersion(migrations []Migration) []Migration {
	sorted := make([]Migration, len(migrations))
	copy(sorted, migrations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })
	return sorted
}

func firstLine(stmt string) string {
	for _, line := range strings.Split(stmt, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return stmt
}
