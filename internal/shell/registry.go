package shell

import (
	"fmt"
	"sort"
	"sync"

	"github.com/danielpatrickdp/residue-eval/internal/protocol"
)

// #region registry

// Factory binds a shell to a probe.
type Factory func(probe protocol.Probe) Shell

// Registry maps shell names to factories. It is built once at start-up
// and shared by reference; lookups are safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry returns a registry holding the built-in shells.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for name, text := range builtinTemplates {
		if err := r.RegisterTemplate(name, text); err != nil {
			panic(fmt.Sprintf("builtin shell %s: %v", name, err))
		}
	}
	return r
}

// #endregion registry

// #region register

// Register adds a factory under name. Names are unique.
func (r *Registry) Register(name string, f Factory) error {
	if name == "" || f == nil {
		return fmt.Errorf("register shell: empty name or nil factory")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[name]; ok {
		return fmt.Errorf("register shell %s: already registered", name)
	}
	r.factories[name] = f
	return nil
}

// RegisterTemplate adds a template-driven shell.
func (r *Registry) RegisterTemplate(name, text string) error {
	tmpl, err := parseTemplate(name, text)
	if err != nil {
		return err
	}
	return r.Register(name, func(probe protocol.Probe) Shell {
		return &templateShell{name: name, tmpl: tmpl, probe: probe}
	})
}

// Extend returns a copy of r that also holds every custom shell p defines.
// r itself is not modified.
func (r *Registry) Extend(p *protocol.Protocol) (*Registry, error) {
	out := NewRegistry()
	r.mu.RLock()
	for name, f := range r.factories {
		out.factories[name] = f
	}
	r.mu.RUnlock()
	for _, cs := range p.CustomShells {
		if err := out.RegisterTemplate(cs.Name, cs.Template); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// #endregion register

// #region lookup

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// CheckTemplate reports whether text would compile as a shell template.
func (r *Registry) CheckTemplate(text string) error {
	_, err := parseTemplate("check", text)
	return err
}

// New binds the named shell to probe.
func (r *Registry) New(name string, probe protocol.Probe) (Shell, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown shell %q", name)
	}
	return f(probe), nil
}

// Names lists the registered shells in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// #endregion lookup
