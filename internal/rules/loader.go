package rules

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// RuleFileExt is the extension of rule bundle files
const RuleFileExt = ".rules"

// Loader reads a directory of rule files as one bundle and keeps the
// engine in sync with it
type Loader struct {
	rulesDir  string
	hotReload bool
	debounce  time.Duration
	engine    *Engine
	logger    *slog.Logger

	mu       sync.Mutex
	last     ImportResult
	watchers []chan ImportResult
}

// NewLoader creates a new rule loader
func NewLoader(rulesDir string, hotReload bool, debounce time.Duration, engine *Engine, logger *slog.Logger) *Loader {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &Loader{
		rulesDir:  rulesDir,
		hotReload: hotReload,
		debounce:  debounce,
		engine:    engine,
		logger:    logger.With("component", "rules_loader"),
	}
}

// Load imports every rule file of the directory as a single bundle
func (l *Loader) Load() (ImportResult, error) {
	l.logger.Info("Loading rule bundle", "rules_dir", l.rulesDir)

	sources, err := ReadDir(l.rulesDir)
	if err != nil {
		return ImportResult{}, fmt.Errorf("failed to read rule files: %w", err)
	}

	res := l.engine.Import(sources...)
	if res.Accepted {
		l.logger.Info("Rule bundle loaded", "files", len(sources), "rules", len(res.Rules), "version", res.Version, "unchanged", res.Unchanged)
	} else {
		for _, e := range res.Errors {
			l.logger.Warn("Rule compile error", "error", e.Error())
		}
	}

	l.mu.Lock()
	l.last = res
	l.mu.Unlock()
	l.notifyWatchers(res)
	return res, nil
}

// Last returns the result of the most recent load
func (l *Loader) Last() ImportResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

// Subscribe returns a channel receiving every load result
func (l *Loader) Subscribe() <-chan ImportResult {
	ch := make(chan ImportResult, 1)
	l.mu.Lock()
	l.watchers = append(l.watchers, ch)
	l.mu.Unlock()
	return ch
}

// Watch reloads the bundle on file changes until ctx is done. Bursts of
// events are coalesced by the debounce interval.
func (l *Loader) Watch(ctx context.Context) error {
	if !l.hotReload {
		l.logger.Info("Hot reload disabled")
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(l.rulesDir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", l.rulesDir, err)
	}

	l.logger.Info("Starting rule file watcher", "rules_dir", l.rulesDir, "debounce", l.debounce)
	go l.watchLoop(ctx, watcher)
	return nil
}

func (l *Loader) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !strings.EqualFold(filepath.Ext(ev.Name), RuleFileExt) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			l.logger.Debug("Rule file changed", "file", ev.Name, "op", ev.Op.String())
			if timer == nil {
				timer = time.NewTimer(l.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(l.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			if _, err := l.Load(); err != nil {
				l.logger.Error("Rule reload failed", "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warn("Rule watcher error", "error", err)
		}
	}
}

func (l *Loader) notifyWatchers(res ImportResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ch := range l.watchers {
		select {
		case ch <- res:
		default:
		}
	}
}

// ReadDir reads every rule file below dir, sorted by path
func ReadDir(dir string) ([]Source, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.EqualFold(filepath.Ext(path), RuleFileExt) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)

	sources := make([]Source, 0, len(files))
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", file, err)
		}
		rel, err := filepath.Rel(dir, file)
		if err != nil {
			rel = file
		}
		sources = append(sources, Source{Name: rel, Text: string(data)})
	}
	return sources, nil
}
