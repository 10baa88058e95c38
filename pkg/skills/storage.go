package skills

import (
	"context"
	"io/fs"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/jingkaihe/skillbox/pkg/logger"
	"github.com/jingkaihe/skillbox/pkg/telemetry"
	"github.com/jingkaihe/skillbox/pkg/vfs"
)

// DefaultSyncTTL bounds how often ListSkills reconciles the catalogue with
// the filesystem.
const DefaultSyncTTL = 5 * time.Second

// Storage is the durable source of truth: catalogue rows plus one vfs
// namespace per skill.
type Storage struct {
	fs  *vfs.FS
	cat *Catalogue
	now func() time.Time
	ttl time.Duration

	syncGroup  singleflight.Group
	syncMu     sync.Mutex
	lastSync   time.Time
	reconciles atomic.Int32
}

// StorageOption configures Storage.
type StorageOption func(*Storage)

// WithSyncTTL sets the reconciliation interval.
func WithSyncTTL(d time.Duration) StorageOption {
	return func(s *Storage) { s.ttl = d }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) StorageOption {
	return func(s *Storage) { s.now = now }
}

// NewStorage creates a Storage.
func NewStorage(fsys *vfs.FS, cat *Catalogue, opts ...StorageOption) *Storage {
	s := &Storage{fs: fsys, cat: cat, now: time.Now, ttl: DefaultSyncTTL}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FS returns the backing filesystem.
func (s *Storage) FS() *vfs.FS { return s.fs }

// Catalogue returns the metadata table.
func (s *Storage) Catalogue() *Catalogue { return s.cat }

// SaveSkill stores an uploaded archive. The manifest is parsed and the
// conflict check made before anything is written.
func (s *Storage) SaveSkill(ctx context.Context, archive []byte, replace bool) (*Metadata, error) {
	ctx, end := telemetry.Start(ctx, "skills.upload", attribute.Bool("replace", replace))
	meta, err := s.saveSkill(ctx, archive, replace)
	end(err)
	return meta, err
}

func (s *Storage) saveSkill(ctx context.Context, archive []byte, replace bool) (*Metadata, error) {
	a, err := OpenArchive(archive)
	if err != nil {
		return nil, err
	}
	raw, err := a.Manifest()
	if err != nil {
		return nil, err
	}
	manifest, err := ParseManifest(raw)
	if err != nil {
		return nil, errors.Wrap(err, "invalid SKILL.md")
	}
	id, err := DeriveID(manifest.Name)
	if err != nil {
		return nil, err
	}

	ns := Namespace(id)
	catalogued, err := s.cat.Has(ctx, id)
	if err != nil {
		return nil, err
	}
	exists := catalogued || s.fs.Exists(ns)
	if exists && !replace {
		return nil, &ConflictError{ID: id, Name: manifest.Name}
	}
	if exists && IsProtected(id) {
		return nil, &ProtectedError{ID: id, Op: "replace"}
	}

	files, err := a.Files()
	if err != nil {
		return nil, err
	}
	if s.fs.Exists(ns) {
		if err := s.fs.Rm(ns, true); err != nil {
			return nil, errors.Wrapf(err, "failed to remove previous files of %s", id)
		}
	}
	if err := s.writeFiles(ns, files); err != nil {
		return nil, err
	}

	meta := Metadata{
		ID:          id,
		Name:        manifest.Name,
		Description: manifest.Description,
		Version:     manifest.Version,
		UploadedAt:  s.now().UTC(),
		Enabled:     true,
	}
	if err := s.cat.Upsert(ctx, meta); err != nil {
		return nil, err
	}

	logger.G(ctx).WithField("skill_id", id).
		WithField("version", meta.Version).
		WithField("files", len(files)).
		WithField("replaced", exists).
		Info("skill saved")
	return &meta, nil
}

func (s *Storage) writeFiles(ns string, files []ArchiveFile) error {
	if err := s.fs.Mkdir(ns, true); err != nil {
		return err
	}
	for _, f := range files {
		if err := s.fs.WriteFileAll(vfs.Join(ns, f.Path), f.Data); err != nil {
			return errors.Wrapf(err, "failed to extract %s", f.Path)
		}
	}
	return nil
}

// ListSkills returns every catalogued skill, first reconciling with the
// filesystem when the sync clock has expired.
func (s *Storage) ListSkills(ctx context.Context) ([]Metadata, error) {
	if s.syncDue() {
		if _, err, _ := s.syncGroup.Do("reconcile", func() (any, error) {
			if !s.syncDue() {
				return nil, nil
			}
			return nil, s.Reconcile(ctx)
		}); err != nil {
			logger.G(ctx).WithError(err).Warn("catalogue reconciliation failed")
		}
	}
	return s.cat.List(ctx)
}

func (s *Storage) syncDue() bool {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	return s.lastSync.IsZero() || s.now().Sub(s.lastSync) >= s.ttl
}

// Reconciliations reports how many filesystem scans have run.
func (s *Storage) Reconciliations() int { return int(s.reconciles.Load()) }

// Reconcile adds catalogue rows for namespaces that hold a manifest but have
// no row, such as skills written directly through the filesystem.
func (s *Storage) Reconcile(ctx context.Context) error {
	s.reconciles.Add(1)
	defer func() {
		s.syncMu.Lock()
		s.lastSync = s.now()
		s.syncMu.Unlock()
	}()

	if !s.fs.Exists(Root) {
		return nil
	}
	dirs, err := s.fs.Readdir(Root)
	if err != nil {
		return err
	}

	added := 0
	for _, id := range dirs {
		has, err := s.cat.Has(ctx, id)
		if err != nil {
			return err
		}
		if has {
			continue
		}
		raw, err := s.fs.ReadFile(vfs.Join(Namespace(id), ManifestFile))
		if err != nil {
			continue
		}
		manifest, err := ParseManifest(raw)
		if err != nil {
			logger.G(ctx).WithError(err).WithField("skill_id", id).Debug("skipping namespace with invalid manifest")
			continue
		}
		inserted, err := s.cat.Insert(ctx, Metadata{
			ID:          id,
			Name:        manifest.Name,
			Description: manifest.Description,
			Version:     manifest.Version,
			UploadedAt:  s.now().UTC(),
			Enabled:     true,
		})
		if err != nil {
			return err
		}
		if inserted {
			added++
		}
	}
	if added > 0 {
		logger.G(ctx).WithField("added", added).Info("reconciled skill catalogue with filesystem")
	}
	return nil
}

// GetSkill returns catalogue metadata.
func (s *Storage) GetSkill(ctx context.Context, id string) (*Metadata, error) {
	return s.cat.Get(ctx, id)
}

// LoadSkill reads the full content and file manifests of a skill.
func (s *Storage) LoadSkill(ctx context.Context, id string) (*ParsedSkill, error) {
	meta, err := s.cat.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	ns := Namespace(id)
	raw, err := s.fs.ReadFile(vfs.Join(ns, ManifestFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &NotFoundError{Kind: "manifest", Name: path.Join(id, ManifestFile)}
	}
	if err != nil {
		return nil, err
	}

	parsed := &ParsedSkill{
		Metadata: *meta,
		Content:  string(raw),
		Body:     extractBodyContent(string(raw)),
	}
	if parsed.Scripts, err = s.listFiles(ns, ScriptsDir); err != nil {
		return nil, err
	}
	if parsed.References, err = s.listFiles(ns, ReferencesDir); err != nil {
		return nil, err
	}
	if parsed.Assets, err = s.listFiles(ns, AssetsDir); err != nil {
		return nil, err
	}
	return parsed, nil
}

// listFiles returns paths relative to ns of every file under ns/dir.
func (s *Storage) listFiles(ns, dir string) ([]string, error) {
	root := vfs.Join(ns, dir)
	files := []string{}
	if !s.fs.Exists(root) {
		return files, nil
	}
	err := s.fs.Walk(root, func(p string, info *vfs.FileInfo) error {
		if !info.IsDir {
			files = append(files, strings.TrimPrefix(p, ns+"/"))
		}
		return nil
	})
	return files, err
}

// resolveInNamespace maps a skill-relative path to its vfs path. dir is
// prepended when the path does not already start with it. Paths escaping the
// namespace are reported as not found.
func resolveInNamespace(id, dir, rel string) (string, bool) {
	rel = strings.TrimPrefix(path.Clean("/"+rel), "/")
	if dir != "" && !strings.HasPrefix(rel, dir+"/") {
		rel = dir + "/" + rel
	}
	ns := Namespace(id)
	p := vfs.Join(ns, rel)
	return p, strings.HasPrefix(p, ns+"/")
}

func (s *Storage) readIn(ctx context.Context, id, dir, kind, rel string) ([]byte, error) {
	if _, err := s.cat.Get(ctx, id); err != nil {
		return nil, err
	}
	p, ok := resolveInNamespace(id, dir, rel)
	if !ok {
		return nil, &NotFoundError{Kind: kind, Name: rel}
	}
	data, err := s.fs.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, vfs.ErrIsDir) {
		return nil, &NotFoundError{Kind: kind, Name: rel}
	}
	return data, err
}

// ReadScript returns the source of a script; "echo.js" and
// "scripts/echo.js" name the same file.
func (s *Storage) ReadScript(ctx context.Context, id, rel string) (string, error) {
	data, err := s.readIn(ctx, id, ScriptsDir, "script", rel)
	return string(data), err
}

// ReadReference returns a reference document.
func (s *Storage) ReadReference(ctx context.Context, id, rel string) (string, error) {
	data, err := s.readIn(ctx, id, ReferencesDir, "reference", rel)
	return string(data), err
}

// ReadAsset returns raw asset bytes.
func (s *Storage) ReadAsset(ctx context.Context, id, rel string) ([]byte, error) {
	return s.readIn(ctx, id, AssetsDir, "asset", rel)
}

// SetEnabled flips the enabled flag of a skill.
func (s *Storage) SetEnabled(ctx context.Context, id string, enabled bool) error {
	return s.cat.SetEnabled(ctx, id, enabled)
}

// DeleteSkill removes the catalogue row and the whole namespace.
func (s *Storage) DeleteSkill(ctx context.Context, id string) error {
	ns := Namespace(id)
	hasFiles := s.fs.Exists(ns)
	err := s.cat.Delete(ctx, id)
	var nf *NotFoundError
	if err != nil && !(errors.As(err, &nf) && hasFiles) {
		return err
	}
	if hasFiles {
		if err := s.fs.Rm(ns, true); err != nil {
			return errors.Wrapf(err, "failed to remove files of %s", id)
		}
	}
	logger.G(ctx).WithField("skill_id", id).Info("skill deleted")
	return nil
}

// Update describes an edit of catalogue metadata; nil fields are unchanged.
type Update struct {
	Description *string `json:"description,omitempty"`
	Version     *string `json:"version,omitempty"`
}

// UpdateSkill edits metadata and returns the new record.
func (s *Storage) UpdateSkill(ctx context.Context, id string, u Update) (*Metadata, error) {
	meta, err := s.cat.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if u.Description != nil {
		meta.Description = *u.Description
	}
	if u.Version != nil {
		meta.Version = *u.Version
	}
	if err := s.cat.UpdateDetails(ctx, id, meta.Description, meta.Version); err != nil {
		return nil, err
	}
	return meta, nil
}

// Usage returns bytes used per skill namespace.
func (s *Storage) Usage(ctx context.Context) (map[string]int64, error) {
	if !s.fs.Exists(Root) {
		return map[string]int64{}, nil
	}
	return s.fs.UsageByNamespace(Root)
}

// Tree returns the file tree of a skill.
func (s *Storage) Tree(ctx context.Context, id string) (*vfs.Node, error) {
	if _, err := s.cat.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.fs.Tree(Namespace(id))
}

// PackSkill re-packs a skill namespace into a zip archive.
func (s *Storage) PackSkill(ctx context.Context, id string) ([]byte, error) {
	if _, err := s.cat.Get(ctx, id); err != nil {
		return nil, err
	}
	return Pack(s.fs, Namespace(id))
}
