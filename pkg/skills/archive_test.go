package skills

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jingkaihe/skillbox/pkg/vfs"
)

func TestOpenArchive_StripsCommonPrefixAndFiltersMetadata(t *testing.T) {
	data := buildZip(t, map[string]string{
		"bundle/SKILL.md":               manifest("bundle", "1.0.0"),
		"bundle/scripts/run.js":         "export function main() {}",
		"bundle/assets/logo.png":        "\x89PNG",
		"bundle/.DS_Store":              "junk",
		"bundle/scripts/._run.js":       "junk",
		"__MACOSX/bundle/._SKILL.md":    "junk",
		"bundle/references/Thumbs.db":   "junk",
		"bundle/references/desktop.ini": "junk",
		"bundle/references/guide.md":    "# Guide",
	})

	a, err := OpenArchive(data)
	require.NoError(t, err)

	raw, err := a.Manifest()
	require.NoError(t, err)
	assert.Contains(t, string(raw), "name: bundle")

	files, err := a.Files()
	require.NoError(t, err)
	var paths []string
	binary := map[string]bool{}
	for _, f := range files {
		paths = append(paths, f.Path)
		binary[f.Path] = f.Binary
	}
	assert.Equal(t, []string{"SKILL.md", "assets/logo.png", "references/guide.md", "scripts/run.js"}, paths)
	assert.True(t, binary["assets/logo.png"])
	assert.False(t, binary["scripts/run.js"])
	assert.False(t, binary["SKILL.md"])
}

func TestOpenArchive_NoCommonPrefix(t *testing.T) {
	data := buildZip(t, map[string]string{
		"SKILL.md":       manifest("flat", "1.0.0"),
		"scripts/run.js": "x",
	})
	a, err := OpenArchive(data)
	require.NoError(t, err)
	files, err := a.Files()
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "SKILL.md", files[0].Path)
	assert.Equal(t, "scripts/run.js", files[1].Path)
}

func TestOpenArchive_Errors(t *testing.T) {
	_, err := OpenArchive([]byte("not a zip"))
	assert.Error(t, err)

	_, err = OpenArchive(buildZip(t, map[string]string{"__MACOSX/x": "junk"}))
	assert.Error(t, err)

	a, err := OpenArchive(buildZip(t, map[string]string{"pkg/README.md": "hi"}))
	require.NoError(t, err)
	_, err = a.Manifest()
	var nf *NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestIsTextPath(t *testing.T) {
	assert.True(t, IsTextPath("a/b.md"))
	assert.True(t, IsTextPath("x.JS"))
	assert.False(t, IsTextPath("img.png"))
	assert.False(t, IsTextPath("Makefile"))
}

func TestPack_RoundTrip(t *testing.T) {
	fsys, err := vfs.Open(filepath.Join(t.TempDir(), "files.db"))
	require.NoError(t, err)
	defer fsys.Close()

	require.NoError(t, fsys.WriteFileAll("/skills/demo/SKILL.md", []byte(manifest("demo", "1.0.0"))))
	require.NoError(t, fsys.WriteFileAll("/skills/demo/scripts/a.js", []byte("a")))
	require.NoError(t, fsys.Mkdir("/skills/demo/empty", false))

	data, err := Pack(fsys, "/skills/demo")
	require.NoError(t, err)

	a, err := OpenArchive(data)
	require.NoError(t, err)
	files, err := a.Files()
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "SKILL.md", files[0].Path)
	assert.Equal(t, "scripts/a.js", files[1].Path)
	assert.Equal(t, []byte("a"), files[1].Data)
}

func TestPackDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "scripts"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "SKILL.md"), []byte(manifest("demo", "1.0.0")), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scripts", "a.js"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".DS_Store"), []byte("junk"), 0o644))

	data, err := PackDir(dir)
	require.NoError(t, err)

	a, err := OpenArchive(data)
	require.NoError(t, err)
	files, err := a.Files()
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "SKILL.md", files[0].Path)
	assert.Equal(t, "scripts/a.js", files[1].Path)
}
