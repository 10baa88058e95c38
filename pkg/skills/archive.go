package skills

import (
	"archive/zip"
	"bytes"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/pkg/errors"

	"github.com/jingkaihe/skillbox/pkg/vfs"
)

// ignoredPatterns are platform metadata entries dropped from uploads.
var ignoredPatterns = []string{
	"__MACOSX/**",
	"**/.DS_Store",
	"**/._*",
	"**/Thumbs.db",
	"**/desktop.ini",
}

var textExtensions = map[string]bool{
	".md": true, ".markdown": true, ".txt": true, ".json": true, ".yaml": true, ".yml": true,
	".toml": true, ".ini": true, ".csv": true, ".tsv": true, ".xml": true, ".html": true,
	".htm": true, ".css": true, ".svg": true, ".js": true, ".mjs": true, ".cjs": true,
	".ts": true, ".mts": true, ".jsx": true, ".tsx": true, ".py": true, ".sh": true,
	".sql": true, ".log": true,
}

// IsTextPath classifies a file as text by its extension.
func IsTextPath(p string) bool {
	return textExtensions[strings.ToLower(path.Ext(p))]
}

func isIgnored(name string) bool {
	for _, pattern := range ignoredPatterns {
		if ok, _ := doublestar.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

// ArchiveFile is one extracted entry, relative to the skill root.
type ArchiveFile struct {
	Path   string
	Data   []byte
	Binary bool
}

// Archive is an opened skill upload.
type Archive struct {
	files  []*zip.File
	prefix string
}

// OpenArchive reads the zip directory, dropping platform metadata, and
// detects a single top-level directory shared by every entry. File contents
// are not read until Manifest or Files is called.
func OpenArchive(data []byte) (*Archive, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, errors.Wrap(err, "invalid skill archive")
	}

	a := &Archive{}
	for _, f := range zr.File {
		name := strings.TrimPrefix(path.Clean("/"+f.Name), "/")
		if f.FileInfo().IsDir() || name == "" || isIgnored(name) {
			continue
		}
		a.files = append(a.files, f)
	}
	if len(a.files) == 0 {
		return nil, errors.New("skill archive is empty")
	}
	a.prefix = commonPrefix(a.files)
	return a, nil
}

// commonPrefix returns "dir/" when every entry lives under the same
// top-level directory.
func commonPrefix(files []*zip.File) string {
	var first string
	for i, f := range files {
		name := strings.TrimPrefix(path.Clean("/"+f.Name), "/")
		idx := strings.IndexByte(name, '/')
		if idx < 0 {
			return ""
		}
		dir := name[:idx+1]
		if i == 0 {
			first = dir
		} else if dir != first {
			return ""
		}
	}
	return first
}

func (a *Archive) rel(f *zip.File) string {
	name := strings.TrimPrefix(path.Clean("/"+f.Name), "/")
	return strings.TrimPrefix(name, a.prefix)
}

// Manifest returns the SKILL.md document at the archive root.
func (a *Archive) Manifest() ([]byte, error) {
	for _, f := range a.files {
		if a.rel(f) == ManifestFile {
			return readZipFile(f)
		}
	}
	return nil, &NotFoundError{Kind: "manifest", Name: ManifestFile}
}

// Files reads every entry, sorted by path.
func (a *Archive) Files() ([]ArchiveFile, error) {
	out := make([]ArchiveFile, 0, len(a.files))
	for _, f := range a.files {
		data, err := readZipFile(f)
		if err != nil {
			return nil, err
		}
		rel := a.rel(f)
		out = append(out, ArchiveFile{
			Path:   rel,
			Data:   data,
			Binary: !IsTextPath(rel) || !utf8.Valid(data),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open archive entry %s", f.Name)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read archive entry %s", f.Name)
	}
	return data, nil
}

// Pack writes every file under root into a zip archive with paths relative
// to root.
func Pack(fsys *vfs.FS, root string) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	root = vfs.Clean(root)

	err := fsys.Walk(root, func(p string, info *vfs.FileInfo) error {
		if info.IsDir {
			return nil
		}
		data, err := fsys.ReadFile(p)
		if err != nil {
			return err
		}
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     strings.TrimPrefix(p, root+"/"),
			Method:   zip.Deflate,
			Modified: info.ModTime,
		})
		if err != nil {
			return errors.Wrapf(err, "failed to add %s to archive", p)
		}
		_, err = w.Write(data)
		return errors.Wrapf(err, "failed to write %s to archive", p)
	})
	if err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, errors.Wrap(err, "failed to finalise archive")
	}
	return buf.Bytes(), nil
}

// PackDir zips a skill directory on the local disk, skipping platform
// metadata entries.
func PackDir(dir string) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() || isIgnored(rel) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return errors.Wrapf(err, "failed to read %s", p)
		}
		w, err := zw.CreateHeader(&zip.FileHeader{Name: rel, Method: zip.Deflate, Modified: info.ModTime()})
		if err != nil {
			return errors.Wrapf(err, "failed to add %s to archive", rel)
		}
		_, err = w.Write(data)
		return errors.Wrapf(err, "failed to write %s to archive", rel)
	})
	if err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, errors.Wrap(err, "failed to finalise archive")
	}
	return buf.Bytes(), nil
}
