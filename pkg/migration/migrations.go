package migration

import (
	"github.com/jingkaihe/skillbox/pkg/skills"
)

// All returns the data migrations in the order they must run.
func All(s *skills.Storage) []Migration {
	return []Migration{
		FlatStoreToVFS(s.Catalogue().DB(), s.FS()),
		ReadableIDs(s),
	}
}
