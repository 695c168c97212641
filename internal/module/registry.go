package module

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/kingrea/sleuth/resolution"
)

// ErrUnknownUnit is returned when no loaded module exposes the unit.
var ErrUnknownUnit = errors.New("module: unknown resolution unit")

// Factory constructs a unit instance for one invocation.
type Factory func() (resolution.Unit, error)

// Registration binds a unit descriptor to the module that provides it.
type Registration struct {
	Module     string
	Descriptor resolution.Descriptor
	Factory    Factory
}

// Name returns the unit name.
func (r Registration) Name() string { return r.Descriptor.Name }

// Registry maintains the loaded modules and the units they expose. Loader
// operations are the only writers; dispatchers read concurrently.
type Registry struct {
	mu      sync.RWMutex
	units   map[string]Registration
	modules map[string]Info
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		units:   map[string]Registration{},
		modules: map[string]Info{},
	}
}

// RegisterModule records a module and all of its units. Either everything is
// registered or nothing is: a duplicate unit name or an invalid descriptor
// leaves the registry untouched.
func (r *Registry) RegisterModule(info Info, regs []Registration) error {
	if err := info.Validate(); err != nil {
		return err
	}
	prepared := make([]Registration, 0, len(regs))
	seen := make(map[string]struct{}, len(regs))
	for _, reg := range regs {
		reg.Module = info.Name
		reg.Descriptor = reg.Descriptor.Normalized()
		if err := reg.Descriptor.Validate(); err != nil {
			return fmt.Errorf("module %s: %w", info.Name, err)
		}
		if reg.Factory == nil {
			return fmt.Errorf("module %s: factory is required for %s", info.Name, reg.Descriptor.Name)
		}
		if _, dup := seen[reg.Descriptor.Name]; dup {
			return fmt.Errorf("module %s: unit %s declared twice", info.Name, reg.Descriptor.Name)
		}
		seen[reg.Descriptor.Name] = struct{}{}
		prepared = append(prepared, reg)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.modules[info.Name]; exists {
		return fmt.Errorf("module: %s already loaded", info.Name)
	}
	for _, reg := range prepared {
		if existing, exists := r.units[reg.Descriptor.Name]; exists {
			return fmt.Errorf("module %s: unit %s already registered by %s", info.Name, reg.Descriptor.Name, existing.Module)
		}
	}
	for _, reg := range prepared {
		r.units[reg.Descriptor.Name] = reg
	}
	r.modules[info.Name] = info
	return nil
}

// MustRegisterModule panics if registration fails.
func (r *Registry) MustRegisterModule(info Info, regs []Registration) {
	if err := r.RegisterModule(info, regs); err != nil {
		panic(err)
	}
}

// UnregisterModule drops a module and its units. It returns the names of the
// removed units.
func (r *Registry) UnregisterModule(name string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.modules, name)
	var removed []string
	for unit, reg := range r.units {
		if reg.Module == name {
			delete(r.units, unit)
			removed = append(removed, unit)
		}
	}
	sort.Strings(removed)
	return removed
}

// Lookup returns the registration of a unit.
func (r *Registry) Lookup(unit string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.units[unit]
	return reg, ok
}

// Resolve constructs a unit by name.
func (r *Registry) Resolve(unit string) (resolution.Unit, Registration, error) {
	reg, ok := r.Lookup(unit)
	if !ok {
		return nil, Registration{}, fmt.Errorf("%w: %s", ErrUnknownUnit, unit)
	}
	u, err := reg.Factory()
	if err != nil {
		return nil, reg, fmt.Errorf("module %s: build %s: %w", reg.Module, unit, err)
	}
	if u == nil {
		return nil, reg, fmt.Errorf("module %s: factory for %s returned nil", reg.Module, unit)
	}
	return u, reg, nil
}

// Loaded reports whether a module is registered.
func (r *Registry) Loaded(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.modules[name]
	return ok
}

// Module returns the info of a loaded module.
func (r *Registry) Module(name string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.modules[name]
	return info, ok
}

// Modules returns every loaded module sorted by name.
func (r *Registry) Modules() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.modules))
	for _, info := range r.modules {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Units returns every registration sorted by unit name.
func (r *Registry) Units() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Registration, 0, len(r.units))
	for _, reg := range r.units {
		out = append(out, reg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Descriptor.Name < out[j].Descriptor.Name })
	return out
}

// UnitsFor returns the units that accept entities of the given type.
func (r *Registry) UnitsFor(entityType string) []Registration {
	var out []Registration
	for _, reg := range r.Units() {
		if reg.Descriptor.Accepts(entityType) {
			out = append(out, reg)
		}
	}
	return out
}

// ModuleUnits returns the unit names a module exposes.
func (r *Registry) ModuleUnits(name string) []string {
	var out []string
	for _, reg := range r.Units() {
		if reg.Module == name {
			out = append(out, reg.Descriptor.Name)
		}
	}
	return out
}
