package migration

import (
	"context"

	"github.com/pkg/errors"

	"github.com/jingkaihe/skillbox/pkg/skills"
	"github.com/jingkaihe/skillbox/pkg/vfs"
)

// ReadableIDsVersion identifies the readable id migration.
const ReadableIDsVersion = "2024-06-readable-ids"

// ReadableIDs renames skills whose id is not the one derived from their
// name, moving both the namespace and the catalogue row. Namespaces without
// a row are catalogued first. A target id that is already taken fails that
// skill only.
func ReadableIDs(s *skills.Storage) Migration {
	cat, fsys := s.Catalogue(), s.FS()
	return Migration{
		Version:     ReadableIDsVersion,
		Description: "Rename skills to ids derived from their names",
		Apply: func(ctx context.Context, r *Report) error {
			if err := s.Reconcile(ctx); err != nil {
				return err
			}
			metas, err := cat.List(ctx)
			if err != nil {
				return err
			}
			for _, meta := range metas {
				id, err := skills.DeriveID(meta.Name)
				if err != nil {
					r.Failed(meta.ID, err)
					continue
				}
				if id == meta.ID {
					r.Skipped(meta.ID)
					continue
				}
				if err := renameSkill(ctx, cat, fsys, meta.ID, id); err != nil {
					r.Failed(meta.ID, err)
					continue
				}
				r.Migrated(meta.ID + " -> " + id)
			}
			return nil
		},
	}
}

func renameSkill(ctx context.Context, cat *skills.Catalogue, fsys *vfs.FS, oldID, newID string) error {
	taken, err := cat.Has(ctx, newID)
	if err != nil {
		return err
	}
	if taken || fsys.Exists(skills.Namespace(newID)) {
		return errors.Errorf("target id %s is already taken", newID)
	}

	oldNS, newNS := skills.Namespace(oldID), skills.Namespace(newID)
	moved := false
	if fsys.Exists(oldNS) {
		if err := fsys.Rename(oldNS, newNS); err != nil {
			return errors.Wrap(err, "failed to move skill files")
		}
		moved = true
	}
	if err := cat.Rename(ctx, oldID, newID); err != nil {
		if moved {
			if rerr := fsys.Rename(newNS, oldNS); rerr != nil {
				return errors.Wrapf(err, "failed to rename catalogue row and to restore files: %v", rerr)
			}
		}
		return err
	}
	return nil
}
