// Package migrations contains the schema migrations for the skillbox
// catalogue database. Versions are timestamps (YYYYMMDDHHmmss).
package migrations

import (
	"github.com/jingkaihe/skillbox/pkg/db"
)

// All returns every registered schema migration. New migrations are appended here.
func All() []db.Migration {
	return []db.Migration{
		Migration20240101000000CreateLegacySkillFiles(),
		Migration20240301000000CreateSkills(),
		Migration20240301000001CreateMigrationStatus(),
	}
}
