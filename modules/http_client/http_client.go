// Package http_client provides a pooled *http.Client connector and the
// http_request binding that uses it.
package http_client

import (
	"github.com/specialistvlad/stagegrid/internal/registry"
	"github.com/specialistvlad/stagegrid/internal/stage"
)

// ConnectorKind is the pool connector name used in dependency blocks.
const ConnectorKind = "http"

// Module registers the http connector and the http_request binding.
type Module struct {
	// Connector overrides the default connector settings.
	Connector *Connector
}

// Register registers the module's components with the registry.
func (m *Module) Register(r *registry.Registry) {
	c := m.Connector
	if c == nil {
		c = &Connector{}
	}
	r.RegisterConnector(ConnectorKind, c)
	r.RegisterBinding("http_request", stage.BindingFunc(doRequest))
}
