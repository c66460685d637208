// Package app wires the runtime together: it loads the workflow files,
// compiles them against the registered bindings, attaches the observers and
// drives runs, decoupled from any specific entrypoint like a CLI or server.
package app
