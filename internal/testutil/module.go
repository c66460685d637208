package testutil

import (
	"github.com/specialistvlad/stagegrid/internal/connpool"
	"github.com/specialistvlad/stagegrid/internal/registry"
	"github.com/specialistvlad/stagegrid/internal/stage"
)

// Module registers the given bindings and connectors, so tests can run
// workflows against scripted implementations.
type Module struct {
	Bindings   map[string]stage.Binding
	Connectors map[string]connpool.Connector
}

// Register implements registry.Module.
func (m Module) Register(r *registry.Registry) {
	for name, b := range m.Bindings {
		r.RegisterBinding(name, b)
	}
	for kind, c := range m.Connectors {
		r.RegisterConnector(kind, c)
	}
}
