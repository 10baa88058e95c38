package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchConfigValidate(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "file.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	tests := []struct {
		name          string
		config        *WatchConfig
		expectedError string
	}{
		{name: "valid", config: &WatchConfig{Dir: dir, DebounceTime: 100}},
		{name: "negative debounce", config: &WatchConfig{Dir: dir, DebounceTime: -1}, expectedError: "debounce time cannot be negative: -1"},
		{name: "missing dir", config: &WatchConfig{Dir: filepath.Join(dir, "nope")}, expectedError: "cannot watch directory"},
		{name: "not a dir", config: &WatchConfig{Dir: file}, expectedError: "is not a directory"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.expectedError == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.expectedError)
		})
	}
}

func TestSkillSource(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "pdf-tools", "scripts"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "pdf-tools", "SKILL.md"), []byte("---\nname: pdf-tools\n---\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "notes"), 0o755))

	tests := []struct {
		changed string
		want    string
	}{
		{filepath.Join(root, "echo.zip"), filepath.Join(root, "echo.zip")},
		{filepath.Join(root, "ECHO.ZIP"), filepath.Join(root, "ECHO.ZIP")},
		{filepath.Join(root, "pdf-tools", "scripts", "main.js"), filepath.Join(root, "pdf-tools")},
		{filepath.Join(root, "pdf-tools", "SKILL.md"), filepath.Join(root, "pdf-tools")},
		{filepath.Join(root, "notes", "todo.txt"), ""},
		{filepath.Join(root, ".hidden.zip"), ""},
		{filepath.Join(root, "readme.md"), ""},
		{root, ""},
		{filepath.Join(filepath.Dir(root), "other.zip"), ""},
	}

	for _, tt := range tests {
		t.Run(tt.changed, func(t *testing.T) {
			assert.Equal(t, tt.want, skillSource(root, tt.changed))
		})
	}
}

func TestDebounceFileEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	input := make(chan FileEvent)
	output := make(chan FileEvent, 10)
	go debounceFileEvents(ctx, input, output, 50*time.Millisecond)

	input <- FileEvent{Path: "a.zip", Op: fsnotify.Create}
	input <- FileEvent{Path: "a.zip", Op: fsnotify.Write}
	input <- FileEvent{Path: "b.zip", Op: fsnotify.Create}

	got := map[string]fsnotify.Op{}
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case e := <-output:
			got[e.Path] = e.Op
		case <-timeout:
			t.Fatalf("timed out waiting for debounced events, got %v", got)
		}
	}

	assert.Equal(t, fsnotify.Write, got["a.zip"])
	assert.Equal(t, fsnotify.Create, got["b.zip"])

	select {
	case e := <-output:
		t.Fatalf("unexpected extra event %v", e)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestRunWatchModeUploadsChangedArchive(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	uploaded := make(chan string, 4)
	done := make(chan error, 1)
	go func() {
		done <- runWatchMode(ctx, &WatchConfig{Dir: dir, DebounceTime: 20}, func(_ context.Context, source string) error {
			uploaded <- source
			return nil
		})
	}()

	target := filepath.Join(dir, "echo.zip")
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case got := <-uploaded:
			assert.Equal(t, target, got)
			cancel()
			require.NoError(t, <-done)
			return
		case <-tick.C:
			// The watcher may not be registered yet; keep touching the file.
			require.NoError(t, os.WriteFile(target, []byte("zip"), 0o644))
		case <-deadline:
			t.Fatal("timed out waiting for upload")
		}
	}
}
