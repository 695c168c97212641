// internal/config/config.go
//
// This package handles configuration and the .sleuth directory structure.
// Every project investigated with sleuth gets a .sleuth/ folder in its root.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	// DataDir is the name of the directory we create in each project
	DataDir = ".sleuth"

	defaultRuntimeVersion = "1"
	defaultGoBinary       = "go"
	defaultWorkers        = 4
	defaultUnitTimeout    = 5 * time.Minute
	defaultGraphStore     = "sqlite"
)

const defaultProjectConfigYAML = `# sleuth project configuration
version: 1

# Private dependency environment shared by every installed module.
runtime:
  version: "1"
  go_binary: go
  # Tools installed once for all modules when the runtime is brought up.
  shared_tools: []
  #  - github.com/go-rod/rod/lib/launcher/rod-manager@latest

dispatch:
  workers: 4
  unit_timeout: 5m

bridge:
  enabled: true
  host: 127.0.0.1
  # Leave unset to bind a free port.
  # port: 8765

graph:
  # memory or sqlite
  store: sqlite
`

// RuntimeConfig configures the isolated module runtime.
type RuntimeConfig struct {
	Version     string   `yaml:"version"`
	GoBinary    string   `yaml:"go_binary"`
	SharedTools []string `yaml:"shared_tools,omitempty"`
}

// DispatchConfig bounds resolution execution.
type DispatchConfig struct {
	Workers     int           `yaml:"workers"`
	UnitTimeout time.Duration `yaml:"unit_timeout"`
}

// BridgeConfig configures the plugin message bridge.
type BridgeConfig struct {
	Enabled *bool  `yaml:"enabled,omitempty"`
	Host    string `yaml:"host,omitempty"`
	// Port 0 binds any free port; plugins learn the address from the
	// environment.
	Port    int    `yaml:"port,omitempty"`
	MaxBody int64  `yaml:"max_body,omitempty"`
}

// GraphConfig selects the project graph store.
type GraphConfig struct {
	Store string `yaml:"store"`
}

// ProjectConfig models .sleuth/config.yaml.
type ProjectConfig struct {
	Version     int            `yaml:"version"`
	Runtime     RuntimeConfig  `yaml:"runtime"`
	Dispatch    DispatchConfig `yaml:"dispatch"`
	EventBridge BridgeConfig   `yaml:"bridge"`
	Graph       GraphConfig    `yaml:"graph"`
}

// Config holds the runtime configuration for sleuth.
type Config struct {
	// ProjectDir is the directory where the user ran `sleuth` from
	ProjectDir string

	// DataProjectDir is ProjectDir/.sleuth
	DataProjectDir string

	Project ProjectConfig
}

// InitDataDir creates the .sleuth directory structure in the given project directory.
//
// Structure created:
// .sleuth/
// ├── modules/   <- installed module packages
// ├── runtime/   <- private dependency environment(s)
// ├── logs/      <- diagnostics and the user message log
// ├── state/     <- parameter settings store
// ├── files/     <- project file storage handed to modules
// └── graph/     <- project graph database
func InitDataDir(projectDir string) error {
	dataDir := filepath.Join(projectDir, DataDir)

	dirs := []string{
		filepath.Join(dataDir, "modules"),
		filepath.Join(dataDir, "runtime"),
		filepath.Join(dataDir, "logs"),
		filepath.Join(dataDir, "state"),
		filepath.Join(dataDir, "files"),
		filepath.Join(dataDir, "graph"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	return ensureProjectConfig(filepath.Join(dataDir, "config.yaml"))
}

// NewConfig creates a new Config instance populated with project settings.
// Credentials kept in .sleuth/.env are loaded into the process environment
// without overriding variables that are already set.
func NewConfig(projectDir string) (*Config, error) {
	cfg := &Config{
		ProjectDir:     projectDir,
		DataProjectDir: filepath.Join(projectDir, DataDir),
		Project:        defaultProjectConfig(),
	}

	if err := cfg.loadProjectConfig(); err != nil {
		return nil, err
	}
	if err := cfg.LoadEnv(); err != nil {
		return nil, err
	}
	cfg.Project.applyEnvOverrides()

	return cfg, nil
}

// LoadEnv reads .sleuth/.env when present.
func (c *Config) LoadEnv() error {
	path := c.EnvPath()
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: stat %s: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	return nil
}

// ModulesDir returns the managed storage for installed modules
func (c *Config) ModulesDir() string {
	return filepath.Join(c.DataProjectDir, "modules")
}

// RuntimeDir returns the root holding versioned runtime environments
func (c *Config) RuntimeDir() string {
	return filepath.Join(c.DataProjectDir, "runtime")
}

// LogsDir returns the path to the logs directory
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataProjectDir, "logs")
}

// StateDir returns the path to the state directory
func (c *Config) StateDir() string {
	return filepath.Join(c.DataProjectDir, "state")
}

// SettingsDir returns the directory of the parameter settings database
func (c *Config) SettingsDir() string {
	return filepath.Join(c.StateDir(), "settings")
}

// FilesDir returns the project file storage root handed to modules
func (c *Config) FilesDir() string {
	return filepath.Join(c.DataProjectDir, "files")
}

// GraphPath returns the project graph database file
func (c *Config) GraphPath() string {
	return filepath.Join(c.DataProjectDir, "graph", "graph.db")
}

// MessagesPath returns the user message log
func (c *Config) MessagesPath() string {
	return filepath.Join(c.LogsDir(), "messages.log")
}

// EnvPath returns the optional credentials file
func (c *Config) EnvPath() string {
	return filepath.Join(c.DataProjectDir, ".env")
}

// ProjectConfigPath returns the on-disk location for the project config file.
func (c *Config) ProjectConfigPath() string {
	return filepath.Join(c.DataProjectDir, "config.yaml")
}

// Workers returns the dispatch concurrency bound.
func (c *Config) Workers() int {
	return c.Project.Dispatch.Workers
}

// UnitTimeout returns the per-invocation deadline for process units.
func (c *Config) UnitTimeout() time.Duration {
	return c.Project.Dispatch.UnitTimeout
}

// SetSharedTools replaces the runtime's shared tool list and persists the
// value back to .sleuth/config.yaml.
func (c *Config) SetSharedTools(tools []string) error {
	var cleaned []string
	for _, tool := range tools {
		if trimmed := strings.TrimSpace(tool); trimmed != "" && !contains(cleaned, trimmed) {
			cleaned = append(cleaned, trimmed)
		}
	}
	c.Project.Runtime.SharedTools = cleaned
	return c.saveProjectConfig()
}

func (c *Config) loadProjectConfig() error {
	path := c.ProjectConfigPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	var parsed ProjectConfig
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	parsed.applyDefaults()
	parsed.normalize()
	if err := parsed.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	c.Project = parsed
	return nil
}

func defaultProjectConfig() ProjectConfig {
	pc := ProjectConfig{}
	pc.applyDefaults()
	return pc
}

func (pc *ProjectConfig) applyDefaults() {
	if pc.Version == 0 {
		pc.Version = 1
	}
	if strings.TrimSpace(pc.Runtime.Version) == "" {
		pc.Runtime.Version = defaultRuntimeVersion
	}
	if strings.TrimSpace(pc.Runtime.GoBinary) == "" {
		pc.Runtime.GoBinary = defaultGoBinary
	}
	if pc.Dispatch.Workers == 0 {
		pc.Dispatch.Workers = defaultWorkers
	}
	if pc.Dispatch.UnitTimeout == 0 {
		pc.Dispatch.UnitTimeout = defaultUnitTimeout
	}
	if strings.TrimSpace(pc.Graph.Store) == "" {
		pc.Graph.Store = defaultGraphStore
	}
}

func (pc *ProjectConfig) normalize() {
	pc.Runtime.Version = strings.TrimSpace(pc.Runtime.Version)
	pc.Runtime.GoBinary = strings.TrimSpace(pc.Runtime.GoBinary)
	var tools []string
	for _, tool := range pc.Runtime.SharedTools {
		if trimmed := strings.TrimSpace(tool); trimmed != "" {
			tools = append(tools, trimmed)
		}
	}
	pc.Runtime.SharedTools = tools
	pc.EventBridge.Host = strings.TrimSpace(pc.EventBridge.Host)
	pc.Graph.Store = strings.ToLower(strings.TrimSpace(pc.Graph.Store))
}

func (pc *ProjectConfig) validate() error {
	if pc.Version < 1 {
		return fmt.Errorf("config version must be >= 1")
	}
	if strings.ContainsAny(pc.Runtime.Version, `/\`) {
		return fmt.Errorf("runtime.version must not contain path separators")
	}
	if pc.Dispatch.Workers < 1 {
		return fmt.Errorf("dispatch.workers must be >= 1")
	}
	if pc.Dispatch.UnitTimeout < 0 {
		return fmt.Errorf("dispatch.unit_timeout must not be negative")
	}
	switch pc.Graph.Store {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("graph.store must be 'memory' or 'sqlite'")
	}
	return nil
}

func (pc *ProjectConfig) applyEnvOverrides() {
	if value := strings.TrimSpace(os.Getenv("SLEUTH_WORKERS")); value != "" {
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			pc.Dispatch.Workers = n
		}
	}
	if value := strings.TrimSpace(os.Getenv("SLEUTH_UNIT_TIMEOUT")); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			pc.Dispatch.UnitTimeout = d
		}
	}
	if value := strings.TrimSpace(os.Getenv("SLEUTH_GO")); value != "" {
		pc.Runtime.GoBinary = value
	}
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if strings.EqualFold(strings.TrimSpace(v), target) {
			return true
		}
	}
	return false
}

func ensureProjectConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, []byte(defaultProjectConfigYAML), 0o644)
}

func (c *Config) saveProjectConfig() error {
	if c == nil {
		return fmt.Errorf("config: nil receiver")
	}
	c.Project.applyDefaults()
	c.Project.normalize()
	if err := c.Project.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := os.MkdirAll(c.DataProjectDir, 0o755); err != nil {
		return fmt.Errorf("config: ensure data dir: %w", err)
	}
	data, err := yaml.Marshal(c.Project)
	if err != nil {
		return fmt.Errorf("config: encode config: %w", err)
	}
	if err := os.WriteFile(c.ProjectConfigPath(), data, 0o644); err != nil {
		return fmt.Errorf("config: write project config: %w", err)
	}
	return nil
}
