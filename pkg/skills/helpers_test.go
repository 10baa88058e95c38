package skills

import (
	"archive/zip"
	"bytes"
	"context"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jingkaihe/skillbox/pkg/db"
	"github.com/jingkaihe/skillbox/pkg/db/migrations"
	"github.com/jingkaihe/skillbox/pkg/sandbox"
	"github.com/jingkaihe/skillbox/pkg/vfs"
)

func newTestStorage(t *testing.T, opts ...StorageOption) *Storage {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	sqlDB, err := db.Open(ctx, filepath.Join(dir, db.StorageFile))
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, db.NewMigrationRunner(sqlDB).Run(ctx, migrations.All()))

	fsys, err := vfs.Open(filepath.Join(dir, db.FilesFile))
	require.NoError(t, err)
	t.Cleanup(func() { fsys.Close() })

	return NewStorage(fsys, NewCatalogue(sqlDB), opts...)
}

func newTestManager(t *testing.T, timeout time.Duration, opts ...StorageOption) *Manager {
	t.Helper()
	engine := sandbox.New(sandbox.Config{Timeout: timeout, PollInterval: 5 * time.Millisecond})
	m := NewManager(newTestStorage(t, opts...), engine)
	require.NoError(t, m.Initialize(context.Background()))
	return m
}

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range names {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(files[name]))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func manifest(name, version string) string {
	return "---\nname: " + name + "\ndescription: The " + name + " skill\nversion: " + version + "\n---\n\n# " + name + "\n\nInstructions.\n"
}

func echoArchive(t *testing.T, version string, extra map[string]string) []byte {
	t.Helper()
	files := map[string]string{
		"echo/SKILL.md":        manifest("echo", version),
		"echo/scripts/echo.js": "export function main(args) { return args.text; }",
	}
	for k, v := range extra {
		files[k] = v
	}
	return buildZip(t, files)
}
