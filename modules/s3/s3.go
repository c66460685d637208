// Package s3 uploads and downloads objects in S3-compatible storage through
// a pooled minio client.
package s3

import (
	"github.com/specialistvlad/stagegrid/internal/registry"
	"github.com/specialistvlad/stagegrid/internal/stage"
)

// ConnectorKind is the pool connector name used in dependency blocks.
const ConnectorKind = "s3"

// Module registers the s3 connector and the s3_put and s3_get bindings.
type Module struct {
	// Config overrides the configuration read from the environment.
	Config *Config
}

// Register registers the module's components with the registry.
func (m *Module) Register(r *registry.Registry) {
	r.RegisterConnector(ConnectorKind, &Connector{Config: m.Config})
	r.RegisterBinding("s3_put", stage.BindingFunc(put))
	r.RegisterBinding("s3_get", stage.Described(stage.BindingFunc(get), stage.Descriptor{Idempotent: true}))
}
