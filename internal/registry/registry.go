package registry

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/specialistvlad/stagegrid/internal/connpool"
	"github.com/specialistvlad/stagegrid/internal/stage"
)

// Module is the interface that all bundled modules implement to be registered.
type Module interface {
	Register(r *Registry)
}

// Registry maps binding names and connector kinds to their implementations.
type Registry struct {
	bindings   map[string]stage.Binding
	connectors map[string]connpool.Connector
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		bindings:   make(map[string]stage.Binding),
		connectors: make(map[string]connpool.Connector),
	}
}

// Load registers every module in order.
func (r *Registry) Load(modules ...Module) {
	for _, m := range modules {
		m.Register(r)
	}
}

// RegisterBinding makes b available to stages declaring `uses = name`.
func (r *Registry) RegisterBinding(name string, b stage.Binding) {
	if name == "" || b == nil {
		panic("binding registration requires a name and a binding")
	}
	if _, exists := r.bindings[name]; exists {
		panic(fmt.Sprintf("binding with name '%s' already registered", name))
	}
	slog.Debug("Registering binding.", "name", name)
	r.bindings[name] = b
}

// RegisterConnector makes c available to pools declaring `connector = kind`.
func (r *Registry) RegisterConnector(kind string, c connpool.Connector) {
	if kind == "" || c == nil {
		panic("connector registration requires a kind and a connector")
	}
	if _, exists := r.connectors[kind]; exists {
		panic(fmt.Sprintf("connector of kind '%s' already registered", kind))
	}
	slog.Debug("Registering connector.", "kind", kind)
	r.connectors[kind] = c
}

// Binding returns the binding registered under name.
func (r *Registry) Binding(name string) (stage.Binding, bool) {
	b, ok := r.bindings[name]
	return b, ok
}

// Connector returns the connector registered under kind.
func (r *Registry) Connector(kind string) (connpool.Connector, bool) {
	c, ok := r.connectors[kind]
	return c, ok
}

// Bindings returns the registered binding names, sorted.
func (r *Registry) Bindings() []string {
	return sortedKeys(r.bindings)
}

// Connectors returns the registered connector kinds, sorted.
func (r *Registry) Connectors() []string {
	return sortedKeys(r.connectors)
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
