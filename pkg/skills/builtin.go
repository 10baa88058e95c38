package skills

import (
	"context"
	"embed"
	"io/fs"
	"path"

	"github.com/pkg/errors"

	"github.com/jingkaihe/skillbox/pkg/logger"
	"github.com/jingkaihe/skillbox/pkg/vfs"
)

//go:embed builtin
var builtinFS embed.FS

// BootstrapBuiltins installs the embedded built-in skills. The manifest file
// and the catalogue row are checked independently, so either one missing is
// repaired without touching the other.
func (s *Storage) BootstrapBuiltins(ctx context.Context) error {
	ids, err := fs.ReadDir(builtinFS, "builtin")
	if err != nil {
		return errors.Wrap(err, "failed to read built-in skills")
	}
	for _, d := range ids {
		if !d.IsDir() {
			continue
		}
		if err := s.bootstrapBuiltin(ctx, d.Name()); err != nil {
			return errors.Wrapf(err, "failed to bootstrap built-in skill %s", d.Name())
		}
	}
	return nil
}

func (s *Storage) bootstrapBuiltin(ctx context.Context, id string) error {
	log := logger.G(ctx).WithField("skill_id", id)
	src := path.Join("builtin", id)
	ns := Namespace(id)

	raw, err := builtinFS.ReadFile(path.Join(src, ManifestFile))
	if err != nil {
		return errors.Wrap(err, "built-in skill has no manifest")
	}

	if !s.fs.Exists(vfs.Join(ns, ManifestFile)) {
		err := fs.WalkDir(builtinFS, src, func(p string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			data, err := builtinFS.ReadFile(p)
			if err != nil {
				return errors.Wrapf(err, "failed to read %s", p)
			}
			rel := p[len(src)+1:]
			return s.fs.WriteFileAll(vfs.Join(ns, rel), data)
		})
		if err != nil {
			return err
		}
		log.Info("installed built-in skill files")
	}

	has, err := s.cat.Has(ctx, id)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	manifest, err := ParseManifest(raw)
	if err != nil {
		return err
	}
	if _, err := s.cat.Insert(ctx, Metadata{
		ID:          id,
		Name:        manifest.Name,
		Description: manifest.Description,
		Version:     manifest.Version,
		UploadedAt:  s.now().UTC(),
		Enabled:     true,
	}); err != nil {
		return err
	}
	log.Info("catalogued built-in skill")
	return nil
}
