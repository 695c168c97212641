// Package plugins installs resolution modules into managed storage and
// registers the units they declare.
//
// A module is a directory:
//
//	<name>/
//	├── manifest.yml       Author, Version, Module Name, Notes
//	├── requirements.txt   optional, one path[@version] per line
//	├── Entities/          entity type definitions (*.yaml)
//	├── Resolutions/       unit definitions (*.yaml)
//	└── assets/
package plugins

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kingrea/sleuth/internal/isolation"
	"github.com/kingrea/sleuth/internal/logbook"
	"github.com/kingrea/sleuth/internal/module"
	"github.com/kingrea/sleuth/internal/schema"
	"github.com/kingrea/sleuth/resolution"
)

// Layout names inside a module directory.
const (
	EntitiesDir      = "Entities"
	ResolutionsDir   = "Resolutions"
	AssetsDir        = "assets"
	RequirementsFile = "requirements.txt"
)

// MaxLoadFailures is the number of failed loads LoadAll tolerates; one more
// aborts the rest of the batch.
const MaxLoadFailures = 2

var (
	ErrAlreadyInstalled = errors.New("plugin: module already installed")
	ErrNotInstalled     = errors.New("plugin: module not installed")
	ErrLoadAborted      = errors.New("plugin: too many modules failed to load, remaining modules skipped")
	ErrBuiltin          = errors.New("plugin: built-in modules cannot be changed")
)

// Options configures a Loader.
type Options struct {
	// Dir is the managed module storage (.sleuth/modules).
	Dir     string
	Modules *module.Registry
	Schema  *schema.Registry
	// Runtime may be nil until the isolated runtime is up; installs that
	// need dependencies then fail with isolation.ErrRuntimeUnavailable.
	Runtime Runtime
	Sink    logbook.Sink
	Logger  *slog.Logger
	// UnitTimeout applies to process units that declare no timeout.
	UnitTimeout time.Duration
	// ExtraEnv is evaluated per invocation and appended to the environment
	// of process units (bridge URL, project file storage).
	ExtraEnv func() []string
}

// Loader turns module directories into registered units.
type Loader struct {
	dir         string
	modules     *module.Registry
	schema      *schema.Registry
	sink        logbook.Sink
	logger      *slog.Logger
	unitTimeout time.Duration
	extraEnv    func() []string
	scripts     *scriptCache

	mu      sync.RWMutex
	runtime Runtime
}

// NewLoader validates the options.
func NewLoader(opts Options) (*Loader, error) {
	if strings.TrimSpace(opts.Dir) == "" {
		return nil, fmt.Errorf("plugin: module directory is required")
	}
	if opts.Modules == nil {
		return nil, fmt.Errorf("plugin: module registry is required")
	}
	if opts.Schema == nil {
		opts.Schema = schema.NewRegistry()
	}
	if opts.Sink == nil {
		opts.Sink = logbook.Discard{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Loader{
		dir:         opts.Dir,
		modules:     opts.Modules,
		schema:      opts.Schema,
		sink:        opts.Sink,
		logger:      opts.Logger,
		unitTimeout: opts.UnitTimeout,
		extraEnv:    opts.ExtraEnv,
		scripts:     newScriptCache(),
		runtime:     opts.Runtime,
	}, nil
}

// SetRuntime attaches the isolated runtime once it has been brought up.
func (l *Loader) SetRuntime(rt Runtime) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.runtime = rt
}

func (l *Loader) currentRuntime() Runtime {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.runtime
}

// Dir returns the managed module storage.
func (l *Loader) Dir() string { return l.dir }

// Registry returns the unit registry the loader writes to.
func (l *Loader) Registry() *module.Registry { return l.modules }

// ModuleDir returns where an installed module lives.
func (l *Loader) ModuleDir(name string) string {
	return filepath.Join(l.dir, name)
}

// ValidateName checks that name can identify a module directory.
func ValidateName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return fmt.Errorf("plugin: module name is required")
	}
	if trimmed != name || trimmed == "." || trimmed == ".." || strings.ContainsAny(trimmed, `/\`) || filepath.Base(trimmed) != trimmed {
		return fmt.Errorf("plugin: module name %q must be a single path element", name)
	}
	return nil
}

// Install copies a module from source into managed storage, validates its
// manifest and installs its requirements into the shared runtime. Any
// failure removes the copied directory.
func (l *Loader) Install(ctx context.Context, name, source string) (manifest Manifest, err error) {
	if err := ValidateName(name); err != nil {
		return Manifest{}, err
	}
	if info, ok := l.modules.Module(name); ok && info.Builtin {
		return Manifest{}, fmt.Errorf("%w: %s", ErrBuiltin, name)
	}
	info, err := os.Stat(source)
	if err != nil {
		return Manifest{}, fmt.Errorf("plugin: source %s: %w", source, err)
	}
	if !info.IsDir() {
		return Manifest{}, fmt.Errorf("plugin: source %s is not a directory", source)
	}
	dest := l.ModuleDir(name)
	if _, err := os.Stat(dest); err == nil {
		return Manifest{}, fmt.Errorf("%w: %s", ErrAlreadyInstalled, name)
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return Manifest{}, fmt.Errorf("plugin: ensure %s: %w", l.dir, err)
	}

	defer func() {
		if err != nil {
			if rmErr := os.RemoveAll(dest); rmErr != nil {
				l.logger.Error("rollback of failed install", "module", name, "error", rmErr)
			}
			installTotal.WithLabelValues("failed").Inc()
			l.record(logbook.LevelError, name, fmt.Sprintf("install of module %s failed: %v", name, err), true)
			return
		}
		installTotal.WithLabelValues("ok").Inc()
		l.record(logbook.LevelInfo, name, fmt.Sprintf("installed module %s %s", manifest.Name, manifest.Version), false)
	}()

	if err = copyTree(source, dest); err != nil {
		return Manifest{}, err
	}
	for _, sub := range []string{EntitiesDir, ResolutionsDir, AssetsDir} {
		if err = os.MkdirAll(filepath.Join(dest, sub), 0o755); err != nil {
			return Manifest{}, fmt.Errorf("plugin: create %s: %w", sub, err)
		}
	}
	manifest, _, err = LoadManifest(dest)
	if err != nil {
		return Manifest{}, err
	}
	reqs, err := readRequirements(dest)
	if err != nil {
		return Manifest{}, err
	}
	if len(reqs) > 0 {
		rt := l.currentRuntime()
		if rt == nil {
			err = fmt.Errorf("plugin: %s needs dependencies: %w", name, isolation.ErrRuntimeUnavailable)
			return Manifest{}, err
		}
		if err = rt.InstallPackages(ctx, reqs); err != nil {
			err = fmt.Errorf("plugin: install dependencies of %s: %w", name, err)
			return Manifest{}, err
		}
	}
	return manifest, nil
}

// Load registers the entity types and units of an installed module. A
// module that was already loaded is replaced. On failure the module has no
// registrations afterwards.
func (l *Loader) Load(name string) (err error) {
	defer func() {
		if err != nil {
			loadTotal.WithLabelValues("failed").Inc()
		} else {
			loadTotal.WithLabelValues("ok").Inc()
		}
		loadedModules.Set(float64(l.countDiskModules()))
	}()
	if err := ValidateName(name); err != nil {
		return err
	}
	if info, ok := l.modules.Module(name); ok && info.Builtin {
		return fmt.Errorf("%w: %s", ErrBuiltin, name)
	}
	dir := l.ModuleDir(name)
	if stat, statErr := os.Stat(dir); statErr != nil || !stat.IsDir() {
		l.unregister(name)
		return fmt.Errorf("%w: %s", ErrNotInstalled, name)
	}

	manifest, _, err := LoadManifest(dir)
	if err != nil {
		l.unregister(name)
		return err
	}
	reqs, err := readRequirements(dir)
	if err != nil {
		l.unregister(name)
		return err
	}
	if len(reqs) > 0 && l.currentRuntime() == nil {
		l.unregister(name)
		return fmt.Errorf("plugin: %s needs dependencies: %w", name, isolation.ErrRuntimeUnavailable)
	}
	types, err := schema.LoadDir(filepath.Join(dir, EntitiesDir))
	if err != nil {
		l.unregister(name)
		return err
	}
	defs, err := LoadDefinitionDir(filepath.Join(dir, ResolutionsDir))
	if err != nil {
		l.unregister(name)
		return err
	}
	regs, err := l.registrations(name, dir, defs)
	if err != nil {
		l.unregister(name)
		return err
	}

	l.unregister(name)
	if err := l.schema.RegisterModule(name, types); err != nil {
		return err
	}
	info := module.Info{
		Name:        name,
		DisplayName: manifest.Name,
		Author:      manifest.Author,
		Version:     manifest.Version,
		Notes:       manifest.Notes,
		Dir:         dir,
	}
	if err := l.modules.RegisterModule(info, regs); err != nil {
		l.schema.RemoveModule(name)
		return err
	}
	l.logger.Info("module loaded", "module", name, "units", len(regs), "entity_types", len(types))
	return nil
}

// LoadReport summarises a LoadAll run.
type LoadReport struct {
	Loaded  []string
	Failed  map[string]error
	Skipped []string
	Aborted bool
}

// LoadAll loads every installed module in name order. When more than
// MaxLoadFailures modules fail, the remaining ones are skipped and
// ErrLoadAborted is returned with the report.
func (l *Loader) LoadAll() (LoadReport, error) {
	report := LoadReport{Failed: map[string]error{}}
	names, err := l.Installed()
	if err != nil {
		return report, err
	}
	for idx, name := range names {
		if err := l.Load(name); err != nil {
			report.Failed[name] = err
			l.logger.Error("module load failed", "module", name, "error", err)
			l.record(logbook.LevelError, name, fmt.Sprintf("module %s failed to load: %v", name, err), false)
			if len(report.Failed) > MaxLoadFailures {
				report.Aborted = true
				report.Skipped = append(report.Skipped, names[idx+1:]...)
				l.record(logbook.LevelCritical, "loader", fmt.Sprintf("%d modules failed to load; skipped %d remaining modules", len(report.Failed), len(report.Skipped)), true)
				return report, ErrLoadAborted
			}
			continue
		}
		report.Loaded = append(report.Loaded, name)
	}
	return report, nil
}

// Uninstall drops a module's registrations and files. Dependencies it
// installed into the shared runtime stay in place.
func (l *Loader) Uninstall(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if info, ok := l.modules.Module(name); ok && info.Builtin {
		return fmt.Errorf("%w: %s", ErrBuiltin, name)
	}
	dir := l.ModuleDir(name)
	_, statErr := os.Stat(dir)
	loaded := l.modules.Loaded(name)
	if statErr != nil && !loaded {
		return fmt.Errorf("%w: %s", ErrNotInstalled, name)
	}
	l.unregister(name)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("plugin: remove %s: %w", dir, err)
	}
	loadedModules.Set(float64(l.countDiskModules()))
	l.record(logbook.LevelInfo, name, fmt.Sprintf("uninstalled module %s", name), false)
	return nil
}

// Installed lists module directories in managed storage, sorted by name.
func (l *Loader) Installed() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("plugin: read %s: %w", l.dir, err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() && !strings.HasPrefix(entry.Name(), ".") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (l *Loader) registrations(name, dir string, defs []DefinitionFile) ([]module.Registration, error) {
	regs := make([]module.Registration, 0, len(defs))
	for _, file := range defs {
		def := file.Definition
		desc := def.Descriptor
		switch {
		case def.Script != "":
			path := filepath.Join(dir, def.Script)
			if _, err := os.Stat(path); err != nil {
				return nil, fmt.Errorf("plugin: %s: script %s: %w", file.Path, def.Script, err)
			}
			cache := l.scripts
			regs = append(regs, module.Registration{
				Descriptor: desc,
				Factory: func() (resolution.Unit, error) {
					return &scriptUnit{desc: desc, path: path, cache: cache}, nil
				},
			})
		case def.Command != nil:
			entry := *def.Command
			regs = append(regs, module.Registration{
				Descriptor: desc,
				Factory: func() (resolution.Unit, error) {
					return &processUnit{
						desc:      desc,
						module:    name,
						moduleDir: dir,
						entry:     entry,
						runtime:   l.currentRuntime(),
						extraEnv:  l.extraEnv,
						timeout:   l.unitTimeout,
					}, nil
				},
			})
		}
	}
	return regs, nil
}

func (l *Loader) unregister(name string) {
	l.modules.UnregisterModule(name)
	l.schema.RemoveModule(name)
	l.scripts.forget(l.ModuleDir(name))
}

func (l *Loader) countDiskModules() int {
	n := 0
	for _, info := range l.modules.Modules() {
		if !info.Builtin {
			n++
		}
	}
	return n
}

func (l *Loader) record(level logbook.Level, source, message string, popup bool) {
	l.sink.Record(logbook.Entry{
		Time:    time.Now(),
		Level:   level,
		Source:  source,
		Message: message,
		Popup:   popup,
	})
}

func readRequirements(dir string) ([]isolation.Requirement, error) {
	f, err := os.Open(filepath.Join(dir, RequirementsFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("plugin: open %s: %w", RequirementsFile, err)
	}
	defer f.Close()
	reqs, err := isolation.ParseRequirements(f)
	if err != nil {
		return nil, fmt.Errorf("plugin: %s: %w", RequirementsFile, err)
	}
	return reqs, nil
}

// copyTree copies regular files and directories from src into dst. Symlinks
// are skipped.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		case info.Mode().IsRegular():
			return copyFile(path, target, info.Mode().Perm())
		default:
			return nil
		}
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("plugin: copy %s: %w", src, err)
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("plugin: copy %s: %w", src, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("plugin: copy %s: %w", src, err)
	}
	return out.Close()
}
