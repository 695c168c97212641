package plugins

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Change reports modules whose files changed on disk.
type Change struct {
	Modules []string
}

const watchDebounce = 250 * time.Millisecond

// Watch observes managed storage and emits the names of modules whose
// manifest, entity or unit definitions changed. Events are batched so a copy
// of many files produces one Change. The channel closes when ctx is done.
// The caller decides whether to reload.
func (l *Loader) Watch(ctx context.Context) (<-chan Change, error) {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return nil, fmt.Errorf("plugin: ensure %s: %w", l.dir, err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("plugin: create watcher: %w", err)
	}
	if err := w.Add(l.dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("plugin: watch %s: %w", l.dir, err)
	}
	names, err := l.Installed()
	if err != nil {
		w.Close()
		return nil, err
	}
	for _, name := range names {
		l.watchModule(w, name)
	}

	out := make(chan Change)
	go func() {
		defer close(out)
		defer w.Close()
		pending := map[string]struct{}{}
		timer := time.NewTimer(watchDebounce)
		if !timer.Stop() {
			<-timer.C
		}
		for {
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				name, relevant := l.moduleForEvent(event.Name)
				if !relevant {
					continue
				}
				if event.Op&fsnotify.Create != 0 {
					if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
						l.watchModule(w, name)
					}
				}
				pending[name] = struct{}{}
				timer.Reset(watchDebounce)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				l.logger.Warn("module watcher error", "error", err)
			case <-timer.C:
				if len(pending) == 0 {
					continue
				}
				change := Change{Modules: make([]string, 0, len(pending))}
				for name := range pending {
					change.Modules = append(change.Modules, name)
				}
				sort.Strings(change.Modules)
				pending = map[string]struct{}{}
				select {
				case out <- change:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (l *Loader) watchModule(w *fsnotify.Watcher, name string) {
	dir := l.ModuleDir(name)
	for _, path := range []string{dir, filepath.Join(dir, EntitiesDir), filepath.Join(dir, ResolutionsDir)} {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			if err := w.Add(path); err != nil {
				l.logger.Warn("watch module path", "path", path, "error", err)
			}
		}
	}
}

// moduleForEvent maps a changed path to its module. Only manifests,
// definitions and entity types are relevant; requirement changes need an
// explicit reinstall.
func (l *Loader) moduleForEvent(path string) (string, bool) {
	rel, err := filepath.Rel(l.dir, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	name := parts[0]
	if strings.HasPrefix(name, ".") {
		return "", false
	}
	switch len(parts) {
	case 1:
		return name, true
	case 2:
		base := parts[1]
		for _, m := range ManifestNames {
			if base == m {
				return name, true
			}
		}
		return name, base == EntitiesDir || base == ResolutionsDir
	case 3:
		if (parts[1] == EntitiesDir || parts[1] == ResolutionsDir) && isYAMLFile(parts[2]) {
			return name, true
		}
		return name, parts[1] == ResolutionsDir && filepath.Ext(parts[2]) == ".go"
	default:
		return "", false
	}
}
