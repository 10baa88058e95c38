// Package migration upgrades persisted skill data between historical layouts.
// Each migration is identified by a version string and guarded by a status
// row in migration_status, so it runs to completion at most once. Individual
// items that fail are recorded in the report without aborting the batch.
package migration

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"

	"github.com/jingkaihe/skillbox/pkg/logger"
	"github.com/jingkaihe/skillbox/pkg/telemetry"
)

// Migration is one versioned data upgrade. Apply records every item it
// visits on the report.
type Migration struct {
	Version     string
	Description string
	Apply       func(ctx context.Context, r *Report) error
}

// ItemFailure describes one item that could not be migrated.
type ItemFailure struct {
	Item  string `json:"item" yaml:"item"`
	Error string `json:"error" yaml:"error"`
}

// Report contains the results of running one migration
type Report struct {
	Version          string        `json:"version" yaml:"version"`
	AlreadyCompleted bool          `json:"alreadyCompleted" yaml:"alreadyCompleted"`
	TotalItems       int           `json:"totalItems" yaml:"totalItems"`
	MigratedCount    int           `json:"migratedCount" yaml:"migratedCount"`
	SkippedCount     int           `json:"skippedCount" yaml:"skippedCount"`
	FailedCount      int           `json:"failedCount" yaml:"failedCount"`
	MigratedItems    []string      `json:"migratedItems,omitempty" yaml:"migratedItems,omitempty"`
	Failures         []ItemFailure `json:"failures,omitempty" yaml:"failures,omitempty"`
	Duration         time.Duration `json:"duration" yaml:"duration"`
}

// Migrated records a successfully migrated item.
func (r *Report) Migrated(item string) {
	r.TotalItems++
	r.MigratedCount++
	r.MigratedItems = append(r.MigratedItems, item)
}

// Skipped records an item that needed no work.
func (r *Report) Skipped(string) {
	r.TotalItems++
	r.SkippedCount++
}

// Failed records an item that could not be migrated.
func (r *Report) Failed(item string, err error) {
	r.TotalItems++
	r.FailedCount++
	r.Failures = append(r.Failures, ItemFailure{Item: item, Error: err.Error()})
}

// Runner applies migrations and persists their status.
type Runner struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewRunner creates a runner over a database whose schema migrations have run.
func NewRunner(db *sqlx.DB) *Runner {
	return &Runner{db: db, now: time.Now}
}

// Run applies each migration in order and returns one report per migration.
// Completed migrations short-circuit with zero counts. A migration with
// failed items is left incomplete so the next run retries them; items that
// already migrated are skipped on retry.
func (r *Runner) Run(ctx context.Context, migrations ...Migration) ([]*Report, error) {
	reports := make([]*Report, 0, len(migrations))
	for _, m := range migrations {
		report, err := r.run(ctx, m)
		if err != nil {
			return reports, err
		}
		reports = append(reports, report)
	}
	return reports, nil
}

func (r *Runner) run(ctx context.Context, m Migration) (*Report, error) {
	log := logger.G(ctx).WithField("migration", m.Version)
	report := &Report{Version: m.Version}

	status, err := loadStatus(ctx, r.db, m.Version)
	if err != nil {
		return nil, err
	}
	if status != nil && status.Completed {
		report.AlreadyCompleted = true
		log.Debug("migration already completed")
		return report, nil
	}

	start := r.now()
	err = telemetry.WithSpan(ctx, "migration.run", func(ctx context.Context) error {
		if err := m.Apply(ctx, report); err != nil {
			return err
		}
		telemetry.SetAttributes(ctx,
			attribute.Int("migration.migrated", report.MigratedCount),
			attribute.Int("migration.skipped", report.SkippedCount),
			attribute.Int("migration.failed", report.FailedCount),
		)
		return nil
	}, attribute.String("migration.version", m.Version))
	report.Duration = r.now().Sub(start)
	if err != nil {
		return nil, errors.Wrapf(err, "migration %s failed", m.Version)
	}

	items := report.MigratedItems
	if status != nil {
		items = append(append([]string{}, status.MigratedItems...), items...)
	}
	if items == nil {
		items = []string{}
	}
	if err := saveStatus(ctx, r.db, Status{
		Version:       m.Version,
		Completed:     report.FailedCount == 0,
		Timestamp:     r.now().UTC(),
		MigratedItems: items,
	}); err != nil {
		return nil, err
	}

	entry := log.WithField("migrated", report.MigratedCount).
		WithField("skipped", report.SkippedCount).
		WithField("failed", report.FailedCount).
		WithField("duration", report.Duration)
	if report.FailedCount > 0 {
		for _, f := range report.Failures {
			log.WithField("item", f.Item).WithField("error", f.Error).Warn("item failed to migrate")
		}
		entry.Warn("migration finished with failures")
	} else {
		entry.Info("migration completed")
	}
	return report, nil
}
