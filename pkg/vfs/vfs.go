// Package vfs implements a durable, path-addressed virtual filesystem on top of
// a bbolt key/value file. Paths are POSIX-style and absolute, rooted at a single
// mount ("/"). The store keeps one bucket of entry metadata and one bucket of
// file contents, both keyed by the cleaned absolute path.
//
// The backing store has no native rename for directories, so Rename and Copy
// walk every descendant. Each public operation runs in a single bbolt
// transaction: a failure part way through a directory copy rolls the whole
// operation back instead of leaving a partially copied subtree.
package vfs

import (
	"encoding/json"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"
)

var (
	metaBucket = []byte("meta")
	dataBucket = []byte("data")
)

var (
	// ErrIsDir is returned when a file operation targets a directory.
	ErrIsDir = errors.New("is a directory")
	// ErrNotDir is returned when a directory operation targets a file.
	ErrNotDir = errors.New("not a directory")
	// ErrNotEmpty is returned when removing a non-empty directory without recursion.
	ErrNotEmpty = errors.New("directory not empty")
)

// FileInfo describes a single entry.
type FileInfo struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	IsDir     bool      `json:"isDirectory"`
	Size      int64     `json:"size"`
	ModTime   time.Time `json:"mtime"`
	CreatedAt time.Time `json:"birthtime"`
}

type entry struct {
	Dir       bool      `json:"dir"`
	Size      int64     `json:"size"`
	ModTime   time.Time `json:"mtime"`
	CreatedAt time.Time `json:"ctime"`
}

// FS is a virtual filesystem backed by a bbolt database file.
type FS struct {
	db   *bbolt.DB
	path string
	now  func() time.Time
}

// Open opens or creates the filesystem database at dbPath.
func Open(dbPath string) (*FS, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create filesystem directory")
	}

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "failed to open filesystem database")
	}

	f := &FS{db: db, path: dbPath, now: time.Now}
	err = db.Update(func(tx *bbolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(dataBucket); err != nil {
			return err
		}
		if meta.Get([]byte("/")) == nil {
			now := f.now()
			return putEntry(meta, "/", entry{Dir: true, ModTime: now, CreatedAt: now})
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to initialize filesystem buckets")
	}

	return f, nil
}

// Close closes the backing database.
func (f *FS) Close() error {
	return f.db.Close()
}

// Path returns the location of the backing database file.
func (f *FS) Path() string {
	return f.path
}

// Clean normalizes p into an absolute POSIX path.
func Clean(p string) string {
	p = filepath.ToSlash(p)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

// Join joins path elements and cleans the result.
func Join(elem ...string) string {
	return Clean(path.Join(elem...))
}

func pathErr(op, p string, err error) error {
	return &fs.PathError{Op: op, Path: p, Err: err}
}

// ReadFile returns the contents of the file at p.
func (f *FS) ReadFile(p string) ([]byte, error) {
	p = Clean(p)
	var out []byte
	err := f.db.View(func(tx *bbolt.Tx) error {
		e, ok, err := getEntry(tx.Bucket(metaBucket), p)
		if err != nil {
			return err
		}
		if !ok {
			return pathErr("open", p, fs.ErrNotExist)
		}
		if e.Dir {
			return pathErr("read", p, ErrIsDir)
		}
		data := tx.Bucket(dataBucket).Get([]byte(p))
		out = make([]byte, len(data))
		copy(out, data)
		return nil
	})
	return out, wrapStore(err, "read", p)
}

// WriteFile writes data to the file at p, replacing any previous content. The
// parent directory must already exist.
func (f *FS) WriteFile(p string, data []byte) error {
	p = Clean(p)
	err := f.db.Update(func(tx *bbolt.Tx) error {
		return f.writeTx(tx, p, data)
	})
	return wrapStore(err, "write", p)
}

// WriteFileAll writes data to p, creating missing parent directories first.
func (f *FS) WriteFileAll(p string, data []byte) error {
	p = Clean(p)
	err := f.db.Update(func(tx *bbolt.Tx) error {
		if err := f.mkdirTx(tx, path.Dir(p), true); err != nil {
			return err
		}
		return f.writeTx(tx, p, data)
	})
	return wrapStore(err, "write", p)
}

func (f *FS) writeTx(tx *bbolt.Tx, p string, data []byte) error {
	meta := tx.Bucket(metaBucket)
	if p == "/" {
		return pathErr("write", p, ErrIsDir)
	}

	parent, ok, err := getEntry(meta, path.Dir(p))
	if err != nil {
		return err
	}
	if !ok {
		return pathErr("open", p, fs.ErrNotExist)
	}
	if !parent.Dir {
		return pathErr("open", p, ErrNotDir)
	}

	now := f.now()
	e, ok, err := getEntry(meta, p)
	if err != nil {
		return err
	}
	if ok && e.Dir {
		return pathErr("open", p, ErrIsDir)
	}
	if !ok {
		e.CreatedAt = now
	}
	e.Size = int64(len(data))
	e.ModTime = now

	if err := tx.Bucket(dataBucket).Put([]byte(p), data); err != nil {
		return err
	}
	return putEntry(meta, p, e)
}

// Mkdir creates the directory p. Creating a directory that already exists is
// not an error. With recursive set, missing parents are created too.
func (f *FS) Mkdir(p string, recursive bool) error {
	p = Clean(p)
	err := f.db.Update(func(tx *bbolt.Tx) error {
		return f.mkdirTx(tx, p, recursive)
	})
	return wrapStore(err, "mkdir", p)
}

func (f *FS) mkdirTx(tx *bbolt.Tx, p string, recursive bool) error {
	meta := tx.Bucket(metaBucket)
	e, ok, err := getEntry(meta, p)
	if err != nil {
		return err
	}
	if ok {
		if e.Dir {
			return nil
		}
		return pathErr("mkdir", p, fs.ErrExist)
	}

	parent := path.Dir(p)
	pe, ok, err := getEntry(meta, parent)
	if err != nil {
		return err
	}
	if !ok {
		if !recursive {
			return pathErr("mkdir", p, fs.ErrNotExist)
		}
		if err := f.mkdirTx(tx, parent, true); err != nil {
			return err
		}
	} else if !pe.Dir {
		return pathErr("mkdir", p, ErrNotDir)
	}

	now := f.now()
	return putEntry(meta, p, entry{Dir: true, ModTime: now, CreatedAt: now})
}

// Readdir returns the sorted names of the direct children of p.
func (f *FS) Readdir(p string) ([]string, error) {
	p = Clean(p)
	var names []string
	err := f.db.View(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		e, ok, err := getEntry(meta, p)
		if err != nil {
			return err
		}
		if !ok {
			return pathErr("scandir", p, fs.ErrNotExist)
		}
		if !e.Dir {
			return pathErr("scandir", p, ErrNotDir)
		}
		names = children(meta, p)
		return nil
	})
	return names, wrapStore(err, "scandir", p)
}

// Exists reports whether an entry exists at p.
func (f *FS) Exists(p string) bool {
	p = Clean(p)
	found := false
	_ = f.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket(metaBucket).Get([]byte(p)) != nil
		return nil
	})
	return found
}

// Stat returns the metadata of the entry at p.
func (f *FS) Stat(p string) (*FileInfo, error) {
	p = Clean(p)
	var info *FileInfo
	err := f.db.View(func(tx *bbolt.Tx) error {
		e, ok, err := getEntry(tx.Bucket(metaBucket), p)
		if err != nil {
			return err
		}
		if !ok {
			return pathErr("stat", p, fs.ErrNotExist)
		}
		info = e.info(p)
		return nil
	})
	return info, wrapStore(err, "stat", p)
}

// Rm removes the entry at p. Removing a missing path is an error. A non-empty
// directory is only removed when recursive is set, children first.
func (f *FS) Rm(p string, recursive bool) error {
	p = Clean(p)
	err := f.db.Update(func(tx *bbolt.Tx) error {
		return f.rmTx(tx, p, recursive)
	})
	return wrapStore(err, "rm", p)
}

func (f *FS) rmTx(tx *bbolt.Tx, p string, recursive bool) error {
	if p == "/" {
		return pathErr("rm", p, fs.ErrPermission)
	}

	meta := tx.Bucket(metaBucket)
	data := tx.Bucket(dataBucket)
	e, ok, err := getEntry(meta, p)
	if err != nil {
		return err
	}
	if !ok {
		return pathErr("rm", p, fs.ErrNotExist)
	}

	if e.Dir {
		kids := children(meta, p)
		if len(kids) > 0 && !recursive {
			return pathErr("rm", p, ErrNotEmpty)
		}
		for _, name := range kids {
			if err := f.rmTx(tx, path.Join(p, name), true); err != nil {
				return err
			}
		}
	} else if err := data.Delete([]byte(p)); err != nil {
		return err
	}

	return meta.Delete([]byte(p))
}

// Copy copies the entry at src to dst. Directories are copied recursively.
// An existing file at dst is overwritten; an existing directory is an error.
func (f *FS) Copy(src, dst string) error {
	src, dst = Clean(src), Clean(dst)
	err := f.db.Update(func(tx *bbolt.Tx) error {
		return f.copyTx(tx, src, dst)
	})
	return wrapStore(err, "copy", src)
}

// Rename moves src to dst. Directories are moved by copying every descendant
// and then removing the source subtree, within one transaction.
func (f *FS) Rename(src, dst string) error {
	src, dst = Clean(src), Clean(dst)
	if src == dst {
		return nil
	}
	err := f.db.Update(func(tx *bbolt.Tx) error {
		if err := f.copyTx(tx, src, dst); err != nil {
			return err
		}
		return f.rmTx(tx, src, true)
	})
	return wrapStore(err, "rename", src)
}

func (f *FS) copyTx(tx *bbolt.Tx, src, dst string) error {
	meta := tx.Bucket(metaBucket)
	e, ok, err := getEntry(meta, src)
	if err != nil {
		return err
	}
	if !ok {
		return pathErr("copy", src, fs.ErrNotExist)
	}
	if dst == src || strings.HasPrefix(dst, strings.TrimSuffix(src, "/")+"/") {
		return pathErr("copy", dst, fs.ErrInvalid)
	}

	if !e.Dir {
		data := tx.Bucket(dataBucket).Get([]byte(src))
		buf := make([]byte, len(data))
		copy(buf, data)
		return f.writeTx(tx, dst, buf)
	}

	if _, exists, err := getEntry(meta, dst); err != nil {
		return err
	} else if exists {
		return pathErr("copy", dst, fs.ErrExist)
	}
	if err := f.mkdirTx(tx, dst, false); err != nil {
		return err
	}
	for _, name := range children(meta, src) {
		if err := f.copyTx(tx, path.Join(src, name), path.Join(dst, name)); err != nil {
			return err
		}
	}
	return nil
}

// Walk calls fn for root and every descendant in lexicographic path order.
func (f *FS) Walk(root string, fn func(p string, info *FileInfo) error) error {
	root = Clean(root)
	type item struct {
		path string
		info *FileInfo
	}
	var items []item
	err := f.db.View(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		e, ok, err := getEntry(meta, root)
		if err != nil {
			return err
		}
		if !ok {
			return pathErr("walk", root, fs.ErrNotExist)
		}
		items = append(items, item{root, e.info(root)})

		prefix := descendantPrefix(root)
		c := meta.Cursor()
		for k, v := c.Seek([]byte(prefix)); k != nil && strings.HasPrefix(string(k), prefix); k, v = c.Next() {
			var child entry
			if err := json.Unmarshal(v, &child); err != nil {
				return errors.Wrapf(err, "corrupt entry %s", k)
			}
			items = append(items, item{string(k), child.info(string(k))})
		}
		return nil
	})
	if err != nil {
		return wrapStore(err, "walk", root)
	}

	for _, it := range items {
		if err := fn(it.path, it.info); err != nil {
			return err
		}
	}
	return nil
}

func (e entry) info(p string) *FileInfo {
	name := path.Base(p)
	if p == "/" {
		name = "/"
	}
	return &FileInfo{
		Name:      name,
		Path:      p,
		IsDir:     e.Dir,
		Size:      e.Size,
		ModTime:   e.ModTime,
		CreatedAt: e.CreatedAt,
	}
}

func descendantPrefix(p string) string {
	if p == "/" {
		return "/"
	}
	return p + "/"
}

// children lists direct child names of dir. The caller must hold a transaction.
func children(meta *bbolt.Bucket, dir string) []string {
	prefix := descendantPrefix(dir)
	seen := make(map[string]struct{})
	var names []string

	c := meta.Cursor()
	for k, _ := c.Seek([]byte(prefix)); k != nil && strings.HasPrefix(string(k), prefix); k, _ = c.Next() {
		rest := string(k)[len(prefix):]
		if rest == "" {
			continue
		}
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			rest = rest[:i]
		}
		if _, ok := seen[rest]; ok {
			continue
		}
		seen[rest] = struct{}{}
		names = append(names, rest)
	}
	sort.Strings(names)
	return names
}

func getEntry(meta *bbolt.Bucket, p string) (entry, bool, error) {
	var e entry
	raw := meta.Get([]byte(p))
	if raw == nil {
		return e, false, nil
	}
	if err := json.Unmarshal(raw, &e); err != nil {
		return e, false, errors.Wrapf(err, "corrupt entry %s", p)
	}
	return e, true, nil
}

func putEntry(meta *bbolt.Bucket, p string, e entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return errors.Wrapf(err, "failed to encode entry %s", p)
	}
	return meta.Put([]byte(p), raw)
}

// wrapStore leaves path errors untouched and wraps backing store failures with
// the attempted operation and path.
func wrapStore(err error, op, p string) error {
	if err == nil {
		return nil
	}
	var pe *fs.PathError
	if errors.As(err, &pe) {
		return err
	}
	return errors.Wrapf(err, "vfs %s %s", op, p)
}

// Code maps an error to a POSIX-style error code string, as exposed to
// sandboxed scripts.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, fs.ErrNotExist):
		return "ENOENT"
	case errors.Is(err, fs.ErrExist):
		return "EEXIST"
	case errors.Is(err, ErrIsDir):
		return "EISDIR"
	case errors.Is(err, ErrNotDir):
		return "ENOTDIR"
	case errors.Is(err, ErrNotEmpty):
		return "ENOTEMPTY"
	case errors.Is(err, fs.ErrInvalid):
		return "EINVAL"
	case errors.Is(err, fs.ErrPermission):
		return "EPERM"
	default:
		return "EIO"
	}
}
