package migrations

import "github.com/jingkaihe/skillbox/pkg/db"

// Migration20240301000000CreateSkills creates the skill catalogue.
func Migration20240301000000CreateSkills() db.Migration {
	return db.Migration{
		Version:     20240301000000,
		Description: "Create skills catalogue",
		Up: db.Exec(`
			CREATE TABLE IF NOT EXISTS skills (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				version TEXT NOT NULL DEFAULT '',
				uploaded_at DATETIME NOT NULL,
				enabled INTEGER NOT NULL DEFAULT 1
			)`,
			"CREATE INDEX IF NOT EXISTS idx_skills_name ON skills(name)",
		),
		Down: db.Exec(
			"DROP INDEX IF EXISTS idx_skills_name",
			"DROP TABLE IF EXISTS skills",
		),
	}
}
