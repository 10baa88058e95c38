package migrations

import "github.com/jingkaihe/skillbox/pkg/db"

// Migration20240101000000CreateLegacySkillFiles creates the flat file table
// used before skill files moved into the virtual filesystem. It stays so the
// flat-store data migration has a well-defined source on every install.
func Migration20240101000000CreateLegacySkillFiles() db.Migration {
	return db.Migration{
		Version:     20240101000000,
		Description: "Create legacy flat skill file store",
		Up: db.Exec(`
			CREATE TABLE IF NOT EXISTS legacy_skill_files (
				skill_id TEXT NOT NULL,
				path TEXT NOT NULL,
				content BLOB NOT NULL,
				is_binary INTEGER NOT NULL DEFAULT 0,
				PRIMARY KEY (skill_id, path)
			)`),
		Down: db.Exec("DROP TABLE IF EXISTS legacy_skill_files"),
	}
}
