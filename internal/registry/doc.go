// Package registry is the explicit catalogue that connects workflow files to
// compiled Go code.
//
// A workflow refers to bindings by name (`uses = "http_request"`) and to pool
// connectors by kind (`connector = "http"`). Modules contribute both by
// implementing Module and registering themselves on a Registry that the
// application constructs at startup and passes by reference. There is no
// package-level state: two applications in one process own two registries.
//
// Registration happens once, before any run starts. Registering a name twice
// is a programming error and panics. After startup the registry is only read,
// so lookups need no locking.
package registry
