package migrations

import "github.com/jingkaihe/skillbox/pkg/db"

// Migration20240301000001CreateMigrationStatus creates the table recording
// progress of data migrations.
func Migration20240301000001CreateMigrationStatus() db.Migration {
	return db.Migration{
		Version:     20240301000001,
		Description: "Create data migration status table",
		Up: db.Exec(`
			CREATE TABLE IF NOT EXISTS migration_status (
				version TEXT PRIMARY KEY,
				completed INTEGER NOT NULL DEFAULT 0,
				timestamp DATETIME NOT NULL,
				migrated_items TEXT NOT NULL DEFAULT '[]'
			)`),
		Down: db.Exec("DROP TABLE IF EXISTS migration_status"),
	}
}
