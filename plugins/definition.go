package plugins

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/kingrea/sleuth/resolution"
)

// UnitDefinition describes a resolution unit loaded from a module's
// Resolutions directory. The descriptor is static YAML; the entry point is
// either a plugin executable (Command) or an interpreted Go file (Script).
//
//	name: domain-to-ip
//	description: Resolve A records
//	origin_types: [Domain]
//	result_types: [IPv4 Address]
//	parameters:
//	  - name: Resolver
//	    type: SingleChoice
//	    choices: [system, cloudflare]
//	    default: system
//	command:
//	  path: bin/domain-to-ip
//	  timeout: 30s
type UnitDefinition struct {
	resolution.Descriptor `yaml:",inline"`

	Command *CommandEntry `json:"command,omitempty" yaml:"command,omitempty"`
	Script  string        `json:"script,omitempty" yaml:"script,omitempty"`
}

// CommandEntry runs a plugin executable once per invocation. Relative paths
// resolve against the module directory; bare names are looked up on the
// runtime PATH.
type CommandEntry struct {
	Path    string        `json:"path" yaml:"path"`
	Args    []string      `json:"args,omitempty" yaml:"args,omitempty"`
	Env     []string      `json:"env,omitempty" yaml:"env,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

func (c CommandEntry) normalized() CommandEntry {
	clone := CommandEntry{
		Path:    strings.TrimSpace(c.Path),
		Timeout: c.Timeout,
	}
	if len(c.Args) > 0 {
		clone.Args = append([]string(nil), c.Args...)
	}
	for _, kv := range c.Env {
		if trimmed := strings.TrimSpace(kv); trimmed != "" {
			clone.Env = append(clone.Env, trimmed)
		}
	}
	return clone
}

// Normalized returns a trimmed, copy-on-write variant of the definition.
func (def UnitDefinition) Normalized() UnitDefinition {
	clone := UnitDefinition{
		Descriptor: def.Descriptor.Normalized(),
		Script:     strings.TrimSpace(def.Script),
	}
	if def.Command != nil {
		cmd := def.Command.normalized()
		clone.Command = &cmd
	}
	return clone
}

// Validate ensures the definition is well-formed.
func (def UnitDefinition) Validate() error {
	normalized := def.Normalized()
	if err := normalized.Descriptor.Validate(); err != nil {
		return fmt.Errorf("plugin: %w", err)
	}
	name := normalized.Name
	switch {
	case normalized.Command == nil && normalized.Script == "":
		return fmt.Errorf("plugin: resolution %s: either command or script is required", name)
	case normalized.Command != nil && normalized.Script != "":
		return fmt.Errorf("plugin: resolution %s: command and script are mutually exclusive", name)
	}
	if normalized.Command != nil {
		if normalized.Command.Path == "" {
			return fmt.Errorf("plugin: resolution %s: command path is required", name)
		}
		if normalized.Command.Timeout < 0 {
			return fmt.Errorf("plugin: resolution %s: command timeout must not be negative", name)
		}
		for _, kv := range normalized.Command.Env {
			if !strings.Contains(kv, "=") {
				return fmt.Errorf("plugin: resolution %s: env entry %q must be KEY=VALUE", name, kv)
			}
		}
	}
	if normalized.Script != "" {
		if filepath.Ext(normalized.Script) != ".go" {
			return fmt.Errorf("plugin: resolution %s: script %s must be a .go file", name, normalized.Script)
		}
		if filepath.IsAbs(normalized.Script) || strings.HasPrefix(filepath.Clean(normalized.Script), "..") {
			return fmt.Errorf("plugin: resolution %s: script must live inside the module", name)
		}
	}
	return nil
}
