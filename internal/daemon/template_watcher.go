package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/TinTinWinata/bitbucket-automatic-pr-reviewer/internal/logging"
	"github.com/TinTinWinata/bitbucket-automatic-pr-reviewer/internal/prompt"
)

// TemplateSource provides the current template set
type TemplateSource interface {
	Templates() *prompt.Set
}

// StaticTemplates wraps a set for use without hot-reloading (e.g., in tests)
type StaticTemplates struct {
	set *prompt.Set
}

// NewStaticTemplates creates a TemplateSource that always returns set
func NewStaticTemplates(set *prompt.Set) *StaticTemplates {
	return &StaticTemplates{set: set}
}

// Templates returns the static set
func (st *StaticTemplates) Templates() *prompt.Set {
	return st.set
}

// TemplateWatcher watches the repository-to-template mapping file and the
// templates it names, and swaps in a new set when they change. A reload
// that fails validation keeps the previous set.
//
// Note: TemplateWatcher is not restart-safe. Once Stop() is called, Start()
// returns an error.
type TemplateWatcher struct {
	mappingPath   string
	set           *prompt.Set
	mu            sync.RWMutex
	watcher       *fsnotify.Watcher
	logger        *slog.Logger
	stopCh        chan struct{}
	stopOnce      sync.Once
	stopped       bool
	reloadCounter uint64
	failedReloads uint64

	debounce time.Duration
}

// NewTemplateWatcher creates a watcher serving initial until the first reload.
func NewTemplateWatcher(mappingPath string, initial *prompt.Set, logger *slog.Logger) *TemplateWatcher {
	return &TemplateWatcher{
		mappingPath: mappingPath,
		set:         initial,
		logger:      logging.OrDefault(logger, logging.SubsystemServer),
		stopCh:      make(chan struct{}),
		debounce:    200 * time.Millisecond,
	}
}

// Start begins watching. With no mapping path it does nothing.
func (tw *TemplateWatcher) Start(ctx context.Context) error {
	tw.mu.RLock()
	stopped := tw.stopped
	tw.mu.RUnlock()
	if stopped {
		return fmt.Errorf("template watcher already stopped; create a new instance to restart")
	}

	if tw.mappingPath == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	tw.watcher = watcher

	// Watch directories, not files, so atomic saves (write + rename) are seen.
	for _, dir := range tw.watchDirs() {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			tw.watcher = nil
			return err
		}
	}

	go tw.watchLoop(ctx)
	return nil
}

// watchDirs returns the mapping file's directory plus every directory that
// holds a template of the current set.
func (tw *TemplateWatcher) watchDirs() []string {
	seen := map[string]bool{}
	var dirs []string
	add := func(path string) {
		dir := filepath.Dir(path)
		if !seen[dir] {
			seen[dir] = true
			dirs = append(dirs, dir)
		}
	}
	add(tw.mappingPath)
	for _, path := range tw.Templates().Files() {
		add(path)
	}
	return dirs
}

// Stop stops the watcher. Safe to call multiple times.
func (tw *TemplateWatcher) Stop() {
	tw.stopOnce.Do(func() {
		tw.mu.Lock()
		tw.stopped = true
		tw.mu.Unlock()
		close(tw.stopCh)
		if tw.watcher != nil {
			tw.watcher.Close()
		}
	})
}

// Templates returns the current set
func (tw *TemplateWatcher) Templates() *prompt.Set {
	tw.mu.RLock()
	defer tw.mu.RUnlock()
	return tw.set
}

// ReloadCounter counts successful reloads.
func (tw *TemplateWatcher) ReloadCounter() uint64 {
	tw.mu.RLock()
	defer tw.mu.RUnlock()
	return tw.reloadCounter
}

// FailedReloads counts reloads that kept the previous set.
func (tw *TemplateWatcher) FailedReloads() uint64 {
	tw.mu.RLock()
	defer tw.mu.RUnlock()
	return tw.failedReloads
}

func (tw *TemplateWatcher) relevant(name string) bool {
	if filepath.Clean(name) == filepath.Clean(tw.mappingPath) {
		return true
	}
	for _, path := range tw.Templates().Files() {
		if filepath.Clean(name) == filepath.Clean(path) {
			return true
		}
	}
	return false
}

func (tw *TemplateWatcher) watchLoop(ctx context.Context) {
	var debounceTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			return
		case <-tw.stopCh:
			return
		case event, ok := <-tw.watcher.Events:
			if !ok {
				return
			}
			if !tw.relevant(event.Name) {
				continue
			}
			// Rename is needed for editors that save via rename (e.g., vim)
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(tw.debounce, tw.reload)

		case err, ok := <-tw.watcher.Errors:
			if !ok {
				return
			}
			tw.logger.Warn("template watcher error", "error", err)
		}
	}
}

func (tw *TemplateWatcher) reload() {
	set, err := prompt.LoadSet(tw.mappingPath)
	if err != nil {
		tw.mu.Lock()
		tw.failedReloads++
		tw.mu.Unlock()
		tw.logger.Error("template reload failed, keeping previous templates", "path", tw.mappingPath, "error", err)
		return
	}

	tw.mu.Lock()
	tw.set = set
	tw.reloadCounter++
	tw.mu.Unlock()

	// Templates may now live in directories we weren't watching.
	if tw.watcher != nil {
		for _, dir := range tw.watchDirs() {
			_ = tw.watcher.Add(dir)
		}
	}

	tw.logger.Info("templates reloaded", "path", tw.mappingPath, "repositories", set.Repositories())
}
