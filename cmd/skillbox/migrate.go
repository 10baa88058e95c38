package main

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"

	"github.com/jingkaihe/skillbox/pkg/app"
	"github.com/jingkaihe/skillbox/pkg/db"
	"github.com/jingkaihe/skillbox/pkg/db/migrations"
	"github.com/jingkaihe/skillbox/pkg/migration"
	"github.com/jingkaihe/skillbox/pkg/presenter"
	"github.com/jingkaihe/skillbox/pkg/skills"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Upgrade stored skill data",
	Long: `Apply pending data migrations: copy skills from the legacy flat file table into
the virtual filesystem and rename skills to readable ids. Migrations that already
completed are skipped; items that failed on a previous run are retried.

Migrations also run automatically whenever skillbox starts.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		format, err := outputFormat(cmd)
		if err != nil {
			return err
		}

		return withStorage(ctx, func(sqlDB *sqlx.DB, storage *skills.Storage) error {
			reports, err := migration.NewRunner(sqlDB).Run(ctx, migration.All(storage)...)
			if err != nil {
				return err
			}
			return render(format, reports, func() { printReports(reports) })
		})
	},
}

func printReports(reports []*migration.Report) {
	for _, r := range reports {
		if r.AlreadyCompleted {
			presenter.Info(fmt.Sprintf("[%s] already completed", r.Version))
			continue
		}
		presenter.Stats(&presenter.RunStats{
			Label:     r.Version,
			Total:     r.TotalItems,
			Succeeded: r.MigratedCount,
			Skipped:   r.SkippedCount,
			Failed:    r.FailedCount,
			Duration:  r.Duration,
		})
		for _, f := range r.Failures {
			presenter.Warning(fmt.Sprintf("  %s: %s", f.Item, f.Error))
		}
	}
}

// withStorage opens the catalogue and filesystem with schema migrations
// applied, without starting the sandbox.
func withStorage(ctx context.Context, fn func(*sqlx.DB, *skills.Storage) error) error {
	sqlDB, storage, err := app.OpenStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer sqlDB.Close()
	defer storage.FS().Close()
	return fn(sqlDB, storage)
}

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database management commands",
	Long:  `Commands for managing the skillbox catalogue database (migrations, status, etc.)`,
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show schema and data migration status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		return withStorage(ctx, func(sqlDB *sqlx.DB, _ *skills.Storage) error {
			states, err := db.NewMigrationRunner(sqlDB).Status(ctx, migrations.All())
			if err != nil {
				return err
			}

			presenter.Section("Schema Migrations")
			presenter.Info(fmt.Sprintf("Database: %s\n", cfg.StoragePath()))
			rows := make([][]string, 0, len(states))
			for _, m := range states {
				status, at := "pending", ""
				if m.AppliedAt != nil {
					status, at = "applied", m.AppliedAt.Local().Format("2006-01-02 15:04:05")
				}
				rows = append(rows, []string{fmt.Sprint(m.Version), status, at, m.Description})
			}
			presenter.Table([]string{"VERSION", "STATUS", "APPLIED", "DESCRIPTION"}, rows)

			statuses, err := migration.Statuses(ctx, sqlDB)
			if err != nil {
				return err
			}
			presenter.Info("")
			presenter.Section("Data Migrations")
			rows = rows[:0]
			for _, s := range statuses {
				status := "incomplete"
				if s.Completed {
					status = "completed"
				}
				rows = append(rows, []string{s.Version, status, fmt.Sprint(len(s.MigratedItems)), s.Timestamp.Local().Format("2006-01-02 15:04:05")})
			}
			if len(rows) == 0 {
				presenter.Info("No data migrations have run")
				return nil
			}
			presenter.Table([]string{"VERSION", "STATUS", "ITEMS", "UPDATED"}, rows)
			return nil
		})
	},
}

var dbRollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Roll back the last schema migration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		sqlDB, err := db.Open(ctx, cfg.StoragePath())
		if err != nil {
			return err
		}
		defer sqlDB.Close()

		rolled, err := db.NewMigrationRunner(sqlDB).Rollback(ctx, migrations.All())
		if err != nil {
			return err
		}
		if rolled == nil {
			presenter.Warning("No migrations to rollback")
			return nil
		}
		presenter.Success(fmt.Sprintf("Rolled back migration %d: %s", rolled.Version, rolled.Description))
		return nil
	},
}

func init() {
	addOutputFlag(migrateCmd)
	dbCmd.AddCommand(dbStatusCmd, dbRollbackCmd)
}
