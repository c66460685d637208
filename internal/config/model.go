package config

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/hcl/v2"
)

// Loader is the interface for a format-specific workflow loader.
type Loader interface {
	// Load reads every workflow file found under paths and merges them into
	// a single Model.
	Load(ctx context.Context, paths ...string) (*Model, error)
}

// Model is the unified representation of one workflow, merged from any
// number of files.
type Model struct {
	Workflow     *Workflow
	Cache        *Cache
	Dependencies []*Dependency
	Stages       []*Stage
}

// Workflow holds run-wide settings. Zero values mean "use the default".
type Workflow struct {
	Workers     int
	Deadline    time.Duration
	CancelGrace time.Duration
	FailFast    bool
	Source      string
}

// Cache enables the result cache for idempotent stages.
type Cache struct {
	TTL      time.Duration
	Capacity int
	Shards   int
	Source   string
}

// Dependency declares the protections around one external system.
type Dependency struct {
	Name      string
	Breaker   *Breaker
	RateLimit *RateLimit
	Pool      *Pool
	Source    string
}

// Breaker configures a dependency's circuit breaker.
type Breaker struct {
	Threshold       int
	RecoveryTimeout time.Duration
}

// RateLimit configures a dependency's token bucket. Mode is "block" or
// "fail_fast".
type RateLimit struct {
	Rate  float64
	Burst int
	Mode  string
}

// Pool configures a dependency's connection pool. Connector names a kind
// registered in the binding registry.
type Pool struct {
	Connector      string
	MaxSize        int
	AcquireTimeout time.Duration
}

// Stage is one `stage` block. Pointer flags distinguish "not set" from false.
type Stage struct {
	Name      string
	Uses      string
	DependsOn []string

	When   hcl.Expression
	Inputs map[string]hcl.Expression

	Parallel         *bool
	Critical         *bool
	Idempotent       bool
	AllowSkippedDeps bool

	Dependency string
	Timeout    time.Duration
	Retry      *Retry

	Source string
}

// Retry is a stage's retry policy.
type Retry struct {
	MaxRetries int
	Base       time.Duration
	Max        time.Duration
}

// NewModel returns an empty Model.
func NewModel() *Model {
	return &Model{}
}

// Merge adds the contents of other to m. The singleton blocks may be
// declared in only one file; duplicate stage or dependency names are left for
// Compile to report with both locations.
func (m *Model) Merge(other *Model) error {
	if other == nil {
		return nil
	}
	if other.Workflow != nil {
		if m.Workflow != nil {
			return fmt.Errorf("workflow block declared twice: %s and %s", m.Workflow.Source, other.Workflow.Source)
		}
		m.Workflow = other.Workflow
	}
	if other.Cache != nil {
		if m.Cache != nil {
			return fmt.Errorf("cache block declared twice: %s and %s", m.Cache.Source, other.Cache.Source)
		}
		m.Cache = other.Cache
	}
	m.Dependencies = append(m.Dependencies, other.Dependencies...)
	m.Stages = append(m.Stages, other.Stages...)
	return nil
}

// ParseDuration parses a Go duration string; the empty string is zero.
// Loaders share it so both formats accept the same syntax.
func ParseDuration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for '%s': %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid duration for '%s': must not be negative", field)
	}
	return d, nil
}
