package migration

import (
	"context"
	"encoding/base64"
	"path"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/jingkaihe/skillbox/pkg/skills"
	"github.com/jingkaihe/skillbox/pkg/vfs"
)

// FlatStoreVersion identifies the flat store to vfs migration.
const FlatStoreVersion = "2024-01-flat-store-to-vfs"

type legacyFile struct {
	SkillID  string `db:"skill_id"`
	Path     string `db:"path"`
	Content  []byte `db:"content"`
	IsBinary bool   `db:"is_binary"`
}

// FlatStoreToVFS moves files from the legacy_skill_files table into skill
// namespaces of fsys. Binary rows hold base64 text. Targets that already
// exist are left untouched.
func FlatStoreToVFS(db *sqlx.DB, fsys *vfs.FS) Migration {
	return Migration{
		Version:     FlatStoreVersion,
		Description: "Move skill files from the flat store into the virtual filesystem",
		Apply: func(ctx context.Context, r *Report) error {
			var rows []legacyFile
			if err := db.SelectContext(ctx, &rows, `SELECT skill_id, path, content, is_binary FROM legacy_skill_files ORDER BY skill_id, path`); err != nil {
				return errors.Wrap(err, "failed to read legacy skill files")
			}
			for _, row := range rows {
				item := row.SkillID + "/" + row.Path
				target, err := flatTarget(row.SkillID, row.Path)
				if err != nil {
					r.Failed(item, err)
					continue
				}
				if fsys.Exists(target) {
					r.Skipped(item)
					continue
				}
				data := row.Content
				if row.IsBinary {
					if data, err = base64.StdEncoding.DecodeString(string(row.Content)); err != nil {
						r.Failed(item, errors.Wrap(err, "invalid base64 content"))
						continue
					}
				}
				if err := fsys.WriteFileAll(target, data); err != nil {
					r.Failed(item, err)
					continue
				}
				r.Migrated(item)
			}
			return nil
		},
	}
}

func flatTarget(skillID, rel string) (string, error) {
	if skillID == "" || strings.ContainsAny(skillID, "/\\") || skillID == "." || skillID == ".." {
		return "", errors.Errorf("invalid skill id %q", skillID)
	}
	cleaned := strings.TrimPrefix(path.Clean("/"+rel), "/")
	if cleaned == "" || cleaned != strings.TrimPrefix(rel, "/") {
		return "", errors.Errorf("invalid file path %q", rel)
	}
	return vfs.Join(skills.Namespace(skillID), cleaned), nil
}
