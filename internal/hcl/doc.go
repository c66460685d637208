// Package hcl provides the HCL implementation of config.Loader. It is
// responsible for file discovery, parsing and translating HCL blocks into the
// format-agnostic config.Model.
//
// A workflow file may contain any of the top-level blocks `workflow`,
// `cache`, `dependency "<name>"` and `stage "<name>"`. Stage conditions
// (`when`) and inputs (`inputs = { ... }`) are kept as unevaluated
// expressions; the scheduler evaluates them against finished stages when
// the stage becomes ready.
package hcl
