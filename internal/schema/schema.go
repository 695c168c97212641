// Package schema keeps the entity types contributed by modules. The graph
// builder asks it for a type's primary field when deduplicating entities
// whose attribute order was lost on the way in.
package schema

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// FieldDef declares an attribute of an entity type.
type FieldDef struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
}

// EntityType is one definition from a module's Entities directory.
type EntityType struct {
	Name        string     `yaml:"name"`
	Description string     `yaml:"description,omitempty"`
	Icon        string     `yaml:"icon,omitempty"`
	Fields      []FieldDef `yaml:"fields"`

	Module string `yaml:"-"`
	Source string `yaml:"-"`
}

// Primary returns the name of the type's primary field.
func (t EntityType) Primary() string {
	if len(t.Fields) == 0 {
		return ""
	}
	return t.Fields[0].Name
}

// Validate checks a definition.
func (t EntityType) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("entity type name is required")
	}
	if len(t.Fields) == 0 {
		return fmt.Errorf("entity type %s: at least one field is required", t.Name)
	}
	seen := map[string]struct{}{}
	for idx, f := range t.Fields {
		name := strings.TrimSpace(f.Name)
		if name == "" {
			return fmt.Errorf("entity type %s: fields[%d] name is required", t.Name, idx)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("entity type %s: field %s declared twice", t.Name, name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

// ParseFile reads one entity type definition.
func ParseFile(path string) (EntityType, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return EntityType{}, fmt.Errorf("schema: read %s: %w", path, err)
	}
	var t EntityType
	if err := yaml.Unmarshal(data, &t); err != nil {
		return EntityType{}, fmt.Errorf("schema: parse %s: %w", path, err)
	}
	t.Name = strings.TrimSpace(t.Name)
	for i := range t.Fields {
		t.Fields[i].Name = strings.TrimSpace(t.Fields[i].Name)
	}
	if err := t.Validate(); err != nil {
		return EntityType{}, fmt.Errorf("schema: %s: %w", path, err)
	}
	t.Source = path
	return t, nil
}

// LoadDir parses every .yaml/.yml file in dir. A missing directory yields
// no types.
func LoadDir(dir string) ([]EntityType, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("schema: read %s: %w", dir, err)
	}
	var out []EntityType
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		t, err := ParseFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// Registry holds the known entity types.
type Registry struct {
	mu    sync.RWMutex
	types map[string]EntityType
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{types: map[string]EntityType{}}
}

// RegisterModule adds the types of one module. A type already owned by
// another module fails the whole call.
func (r *Registry) RegisterModule(module string, types []EntityType) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := map[string]struct{}{}
	for _, t := range types {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("schema: module %s: %w", module, err)
		}
		if existing, ok := r.types[t.Name]; ok && existing.Module != module {
			return fmt.Errorf("schema: entity type %s already provided by %s", t.Name, existing.Module)
		}
		if _, dup := seen[t.Name]; dup {
			return fmt.Errorf("schema: module %s declares %s twice", module, t.Name)
		}
		seen[t.Name] = struct{}{}
	}
	for _, t := range types {
		t.Module = module
		r.types[t.Name] = t
	}
	return nil
}

// RemoveModule drops every type contributed by module and returns their
// names.
func (r *Registry) RemoveModule(module string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []string
	for name, t := range r.types {
		if t.Module == module {
			delete(r.types, name)
			removed = append(removed, name)
		}
	}
	sort.Strings(removed)
	return removed
}

// Lookup returns a type definition.
func (r *Registry) Lookup(name string) (EntityType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[name]
	return t, ok
}

// PrimaryField returns the primary field of a known type.
func (r *Registry) PrimaryField(name string) (string, bool) {
	t, ok := r.Lookup(name)
	if !ok {
		return "", false
	}
	return t.Primary(), true
}

// Types returns every type sorted by name.
func (r *Registry) Types() []EntityType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]EntityType, 0, len(r.types))
	for _, t := range r.types {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
