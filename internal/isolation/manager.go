package isolation

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvRuntimeRoot is exported to the host and to plugin processes once the
// runtime is active.
const EnvRuntimeRoot = "SLEUTH_RUNTIME_ROOT"

const markerName = "runtime.yaml"

// ErrRuntimeUnavailable is returned when an operation needs a runtime that
// was never brought up (or whose bring-up failed).
var ErrRuntimeUnavailable = errors.New("isolation: runtime is not available")

// Options configures a Manager.
type Options struct {
	// Root is the directory holding versioned runtimes (.sleuth/runtime).
	Root        string
	Version     string
	GoBinary    string
	SharedTools []string
	Runner      Runner
	Logger      *slog.Logger
}

type marker struct {
	Version     string    `yaml:"version"`
	CreatedAt   time.Time `yaml:"created_at"`
	SharedTools []string  `yaml:"shared_tools,omitempty"`
}

// Manager provisions and activates the private runtime.
type Manager struct {
	dir    string
	goBin  string
	tools  []Requirement
	runner Runner
	logger *slog.Logger

	mu sync.Mutex

	activateMu sync.Mutex
	activated  bool
}

// New validates the options. It does not touch the filesystem.
func New(opts Options) (*Manager, error) {
	root := strings.TrimSpace(opts.Root)
	if root == "" {
		return nil, fmt.Errorf("isolation: runtime root is required")
	}
	version := strings.TrimSpace(opts.Version)
	if version == "" {
		version = "1"
	}
	goBin := strings.TrimSpace(opts.GoBinary)
	if goBin == "" {
		goBin = "go"
	}
	var tools []Requirement
	for _, entry := range opts.SharedTools {
		req, err := ParseRequirement(entry)
		if err != nil {
			return nil, fmt.Errorf("isolation: shared tool: %w", err)
		}
		tools = append(tools, req)
	}
	runner := opts.Runner
	if runner == nil {
		runner = ExecRunner{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("isolation: resolve root: %w", err)
	}
	return &Manager{
		dir:    filepath.Join(absRoot, version),
		goBin:  goBin,
		tools:  tools,
		runner: runner,
		logger: logger,
	}, nil
}

// Root returns the directory of this runtime version.
func (m *Manager) Root() string { return m.dir }

// BinDir is where installed executables land.
func (m *Manager) BinDir() string { return filepath.Join(m.dir, "bin") }

func (m *Manager) goPath() string     { return filepath.Join(m.dir, "gopath") }
func (m *Manager) cacheDir() string   { return filepath.Join(m.dir, "cache") }
func (m *Manager) markerPath() string { return filepath.Join(m.dir, markerName) }

// Executable returns the path an installed tool is reachable at.
func (m *Manager) Executable(name string) string {
	return filepath.Join(m.BinDir(), name)
}

// Present reports whether the runtime exists on disk.
func (m *Manager) Present() bool {
	_, err := os.Stat(m.markerPath())
	return err == nil
}

// Ensure creates the runtime on first use and installs the shared tools.
// When the runtime already exists and no configured shared tool is missing
// it does nothing.
func (m *Manager) Ensure(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, err := m.readMarker()
	if err != nil {
		return err
	}
	if current != nil {
		missing := m.missingTools(current.SharedTools)
		if len(missing) == 0 {
			return nil
		}
		if err := m.install(ctx, missing); err != nil {
			return fmt.Errorf("isolation: install shared tools: %w", err)
		}
		current.SharedTools = mergeTools(current.SharedTools, missing)
		return m.writeMarker(*current)
	}
	m.logger.Info("creating module runtime", "root", m.dir)
	for _, dir := range []string{m.BinDir(), m.goPath(), m.cacheDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("isolation: create %s: %w", dir, err)
		}
	}
	if err := m.install(ctx, m.tools); err != nil {
		return fmt.Errorf("isolation: install shared tools: %w", err)
	}
	return m.writeMarker(marker{
		Version:     filepath.Base(m.dir),
		CreatedAt:   time.Now().UTC(),
		SharedTools: mergeTools(nil, m.tools),
	})
}

// BringUp runs Ensure on a dedicated goroutine. The returned channel yields
// exactly one value and is then closed.
func (m *Manager) BringUp(ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() {
		defer close(done)
		done <- m.Ensure(ctx)
	}()
	return done
}

// Activate points the current process at the runtime: the runtime bin
// directory is prepended to PATH, and EnvRuntimeRoot, GOBIN, GOPATH and
// GOMODCACHE point into the runtime. Calling it again
// leaves the environment unchanged. It must only be called from the control
// goroutine.
func (m *Manager) Activate() error {
	m.activateMu.Lock()
	defer m.activateMu.Unlock()
	if !m.Present() {
		return ErrRuntimeUnavailable
	}
	bin := m.BinDir()
	current := os.Getenv("PATH")
	if !pathContains(current, bin) {
		updated := bin
		if current != "" {
			updated = bin + string(os.PathListSeparator) + current
		}
		if err := os.Setenv("PATH", updated); err != nil {
			return fmt.Errorf("isolation: set PATH: %w", err)
		}
	}
	for _, kv := range [][2]string{
		{EnvRuntimeRoot, m.dir},
		{"GOBIN", bin},
		{"GOPATH", m.goPath()},
		{"GOMODCACHE", filepath.Join(m.goPath(), "pkg", "mod")},
	} {
		if err := os.Setenv(kv[0], kv[1]); err != nil {
			return fmt.Errorf("isolation: set %s: %w", kv[0], err)
		}
	}
	if !m.activated {
		m.logger.Info("module runtime active", "root", m.dir)
	}
	m.activated = true
	return nil
}

// Active reports whether Activate succeeded.
func (m *Manager) Active() bool {
	m.activateMu.Lock()
	defer m.activateMu.Unlock()
	return m.activated
}

// Environ returns the environment child processes run with: the host
// environment plus the runtime's PATH entry and Go toolchain directories.
func (m *Manager) Environ(extra ...string) []string {
	path := os.Getenv("PATH")
	if !pathContains(path, m.BinDir()) {
		if path == "" {
			path = m.BinDir()
		} else {
			path = m.BinDir() + string(os.PathListSeparator) + path
		}
	}
	overrides := map[string]string{
		"PATH":         path,
		EnvRuntimeRoot: m.dir,
		"GOBIN":        m.BinDir(),
		"GOPATH":       m.goPath(),
		"GOMODCACHE":   filepath.Join(m.goPath(), "pkg", "mod"),
		"GOCACHE":      m.cacheDir(),
		"GOFLAGS":      "-modcacherw",
	}
	for _, kv := range extra {
		if key, value, ok := strings.Cut(kv, "="); ok {
			overrides[key] = value
		}
	}
	return mergeEnv(os.Environ(), overrides)
}

// LookPath resolves an executable name, preferring the runtime bin
// directory over the host PATH.
func (m *Manager) LookPath(name string) (string, error) {
	if strings.ContainsRune(name, filepath.Separator) {
		return name, nil
	}
	candidate := m.Executable(name)
	if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
		return candidate, nil
	}
	for _, dir := range filepath.SplitList(os.Getenv("PATH")) {
		if dir == "" {
			continue
		}
		path := filepath.Join(dir, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() && info.Mode()&0o111 != 0 {
			return path, nil
		}
	}
	return "", fmt.Errorf("isolation: executable %q not found in runtime", name)
}

// InstallPackages installs module requirements into the shared runtime.
// Packages are never removed again: other modules may depend on them.
func (m *Manager) InstallPackages(ctx context.Context, reqs []Requirement) error {
	if len(reqs) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.Present() {
		return ErrRuntimeUnavailable
	}
	return m.install(ctx, reqs)
}

func (m *Manager) install(ctx context.Context, reqs []Requirement) error {
	for _, req := range reqs {
		m.logger.Info("installing runtime package", "package", req.String())
		cmd := Command{
			Name: m.goBin,
			Args: []string{"install", req.String()},
			Env:  m.Environ(),
			Dir:  m.dir,
		}
		if _, err := m.runner.Run(ctx, cmd); err != nil {
			return fmt.Errorf("install %s: %w", req, err)
		}
	}
	return nil
}

func (m *Manager) missingTools(installed []string) []Requirement {
	have := make(map[string]struct{}, len(installed))
	for _, tool := range installed {
		have[tool] = struct{}{}
	}
	var missing []Requirement
	for _, req := range m.tools {
		if _, ok := have[req.String()]; !ok {
			missing = append(missing, req)
		}
	}
	return missing
}

func (m *Manager) readMarker() (*marker, error) {
	data, err := os.ReadFile(m.markerPath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("isolation: read marker: %w", err)
	}
	var mk marker
	if err := yaml.Unmarshal(data, &mk); err != nil {
		return nil, fmt.Errorf("isolation: parse marker: %w", err)
	}
	return &mk, nil
}

func (m *Manager) writeMarker(mk marker) error {
	data, err := yaml.Marshal(mk)
	if err != nil {
		return fmt.Errorf("isolation: encode marker: %w", err)
	}
	if err := os.WriteFile(m.markerPath(), data, 0o644); err != nil {
		return fmt.Errorf("isolation: write marker: %w", err)
	}
	return nil
}

func mergeTools(existing []string, added []Requirement) []string {
	set := make(map[string]struct{}, len(existing)+len(added))
	for _, tool := range existing {
		set[tool] = struct{}{}
	}
	for _, req := range added {
		set[req.String()] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for tool := range set {
		out = append(out, tool)
	}
	sort.Strings(out)
	return out
}

func pathContains(pathList, dir string) bool {
	clean := filepath.Clean(dir)
	for _, entry := range filepath.SplitList(pathList) {
		if entry != "" && filepath.Clean(entry) == clean {
			return true
		}
	}
	return false
}

func mergeEnv(base []string, overrides map[string]string) []string {
	out := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, replaced := overrides[key]; replaced {
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(overrides))
	for key := range overrides {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		out = append(out, key+"="+overrides[key])
	}
	return out
}
