package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/jingkaihe/skillbox/pkg/logger"
	"github.com/jingkaihe/skillbox/pkg/presenter"
	"github.com/jingkaihe/skillbox/pkg/skills"
)

// WatchConfig holds configuration for the watch command
type WatchConfig struct {
	Dir          string
	DebounceTime int
	Replace      bool
}

// NewWatchConfig creates a new WatchConfig with default values
func NewWatchConfig() *WatchConfig {
	return &WatchConfig{
		Dir:          ".",
		DebounceTime: 500,
		Replace:      true,
	}
}

// Validate validates the WatchConfig and returns an error if invalid
func (c *WatchConfig) Validate() error {
	if c.DebounceTime < 0 {
		return errors.Errorf("debounce time cannot be negative: %d", c.DebounceTime)
	}
	info, err := os.Stat(c.Dir)
	if err != nil {
		return errors.Wrap(err, "cannot watch directory")
	}
	if !info.IsDir() {
		return errors.Errorf("%s is not a directory", c.Dir)
	}
	return nil
}

// FileEvent is a change to a skill source: a zip archive or a skill
// directory directly under the watched directory.
type FileEvent struct {
	Path string
	Op   fsnotify.Op
	Time time.Time
}

var watchCmd = &cobra.Command{
	Use:   "watch [dir]",
	Short: "Upload skills as they change on disk",
	Long: `Watch a directory for skill sources and upload them whenever they change.
A skill source is either a .zip archive or a subdirectory containing a SKILL.md,
placed directly in the watched directory. Existing skills are replaced unless
--replace=false is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		config := getWatchConfigFromFlags(cmd)
		if len(args) == 1 {
			config.Dir = args[0]
		}
		if err := config.Validate(); err != nil {
			return err
		}

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		return runWatchMode(ctx, config, func(ctx context.Context, source string) error {
			archive, err := readSkillSource(source)
			if err != nil {
				return err
			}
			meta, err := a.Manager.UploadSkill(ctx, archive, config.Replace)
			if err != nil {
				return err
			}
			presenter.Success(fmt.Sprintf("Uploaded %s (%s) version %s", meta.Name, meta.ID, meta.Version))
			return nil
		})
	},
}

func init() {
	defaults := NewWatchConfig()
	watchCmd.Flags().IntP("debounce", "d", defaults.DebounceTime, "Debounce time in milliseconds for file change events")
	watchCmd.Flags().Bool("replace", defaults.Replace, "Replace skills that already exist")
}

// getWatchConfigFromFlags extracts watch configuration from command flags
func getWatchConfigFromFlags(cmd *cobra.Command) *WatchConfig {
	config := NewWatchConfig()
	if debounceTime, err := cmd.Flags().GetInt("debounce"); err == nil {
		config.DebounceTime = debounceTime
	}
	if replace, err := cmd.Flags().GetBool("replace"); err == nil {
		config.Replace = replace
	}
	return config
}

// skillSource maps a changed path to the skill source it belongs to, or ""
// when the change is not part of any source.
func skillSource(root, changed string) string {
	rel, err := filepath.Rel(root, changed)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return ""
	}
	top := strings.SplitN(filepath.ToSlash(rel), "/", 2)[0]
	if strings.HasPrefix(top, ".") {
		return ""
	}
	source := filepath.Join(root, top)
	if strings.EqualFold(filepath.Ext(top), ".zip") {
		return source
	}
	if _, err := os.Stat(filepath.Join(source, skills.ManifestFile)); err == nil {
		return source
	}
	return ""
}

func runWatchMode(ctx context.Context, config *WatchConfig, upload func(context.Context, string) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "failed to create file watcher")
	}
	defer watcher.Close()

	events := make(chan FileEvent)
	debouncedEvents := make(chan FileEvent)
	go debounceFileEvents(ctx, events, debouncedEvents, time.Duration(config.DebounceTime)*time.Millisecond)

	go func() {
		for {
			select {
			case event := <-debouncedEvents:
				logger.G(ctx).WithFields(map[string]interface{}{
					"source":    event.Path,
					"operation": event.Op.String(),
					"timestamp": event.Time,
				}).Debug("skill source changed")
				if err := upload(ctx, event.Path); err != nil {
					presenter.Error(err, fmt.Sprintf("Failed to upload %s", event.Path))
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if event.Op&fsnotify.Create != 0 {
					if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
						addTree(ctx, watcher, event.Name)
					}
				}
				source := skillSource(config.Dir, event.Name)
				if source == "" {
					continue
				}
				select {
				case events <- FileEvent{Path: source, Op: event.Op, Time: time.Now()}:
				case <-ctx.Done():
					return
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.G(ctx).WithError(err).Error("error watching files")
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := addTree(ctx, watcher, config.Dir); err != nil {
		return errors.Wrap(err, "failed to watch directories")
	}

	presenter.Info(fmt.Sprintf("Watching %s for skill changes... Press Ctrl+C to stop", config.Dir))
	<-ctx.Done()
	return nil
}

// addTree watches dir and its subdirectories, skipping hidden ones.
func addTree(ctx context.Context, watcher *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != dir && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		logger.G(ctx).WithField("directory", p).Debug("adding directory to watcher")
		return watcher.Add(p)
	})
}

// debounceFileEvents forwards the last event per path once no further event
// for that path arrives within delay.
func debounceFileEvents(ctx context.Context, input <-chan FileEvent, output chan<- FileEvent, delay time.Duration) {
	var mu sync.Mutex
	pending := make(map[string]*time.Timer)

	stopAll := func() {
		mu.Lock()
		defer mu.Unlock()
		for _, timer := range pending {
			timer.Stop()
		}
	}

	for {
		select {
		case event, ok := <-input:
			if !ok {
				stopAll()
				return
			}
			mu.Lock()
			if timer, exists := pending[event.Path]; exists {
				timer.Stop()
			}
			var timer *time.Timer
			timer = time.AfterFunc(delay, func() {
				mu.Lock()
				if pending[event.Path] == timer {
					delete(pending, event.Path)
				}
				mu.Unlock()
				select {
				case output <- event:
				case <-ctx.Done():
				}
			})
			pending[event.Path] = timer
			mu.Unlock()
		case <-ctx.Done():
			stopAll()
			return
		}
	}
}
