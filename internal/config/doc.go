// Package config defines the format-agnostic workflow model and the Loader
// interface that format-specific packages (HCL, YAML) implement.
//
// A Loader turns files into a Model. Compile turns a Model into everything a
// run needs: the validated graph with bindings resolved through the registry,
// the dependency guards, the result cache settings and the scheduler options.
// The Model is the single source of truth between those two steps; nothing
// downstream knows which file format a workflow came from.
package config
