package hcl

import (
	"github.com/hashicorp/hcl/v2"
)

// fileRoot is used to decode all possible top-level blocks from any file.
type fileRoot struct {
	Workflow     *workflowBlock     `hcl:"workflow,block"`
	Cache        *cacheBlock        `hcl:"cache,block"`
	Dependencies []*dependencyBlock `hcl:"dependency,block"`
	Stages       []*stageBlock      `hcl:"stage,block"`
}

type workflowBlock struct {
	Workers     int       `hcl:"workers,optional"`
	Deadline    string    `hcl:"deadline,optional"`
	CancelGrace string    `hcl:"cancel_grace,optional"`
	FailFast    bool      `hcl:"fail_fast,optional"`
	DefRange    hcl.Range `hcl:",def_range"`
}

type cacheBlock struct {
	TTL      string    `hcl:"ttl,optional"`
	Capacity int       `hcl:"capacity,optional"`
	Shards   int       `hcl:"shards,optional"`
	DefRange hcl.Range `hcl:",def_range"`
}

type dependencyBlock struct {
	Name      string          `hcl:"name,label"`
	Breaker   *breakerBlock   `hcl:"circuit_breaker,block"`
	RateLimit *rateLimitBlock `hcl:"rate_limit,block"`
	Pool      *poolBlock      `hcl:"pool,block"`
	DefRange  hcl.Range       `hcl:",def_range"`
}

type breakerBlock struct {
	Threshold       int    `hcl:"threshold,optional"`
	RecoveryTimeout string `hcl:"recovery_timeout,optional"`
}

type rateLimitBlock struct {
	Rate  float64 `hcl:"rate"`
	Burst int     `hcl:"burst,optional"`
	Mode  string  `hcl:"mode,optional"`
}

type poolBlock struct {
	Connector      string `hcl:"connector"`
	MaxSize        int    `hcl:"max_size"`
	AcquireTimeout string `hcl:"acquire_timeout,optional"`
}

type stageBlock struct {
	Name             string         `hcl:"name,label"`
	Uses             string         `hcl:"uses"`
	DependsOn        []string       `hcl:"depends_on,optional"`
	When             hcl.Expression `hcl:"when,optional"`
	Inputs           hcl.Expression `hcl:"inputs,optional"`
	Parallel         *bool          `hcl:"parallel,optional"`
	Critical         *bool          `hcl:"critical,optional"`
	Idempotent       bool           `hcl:"idempotent,optional"`
	AllowSkippedDeps bool           `hcl:"allow_skipped_deps,optional"`
	Dependency       string         `hcl:"dependency,optional"`
	Timeout          string         `hcl:"timeout,optional"`
	Retry            *retryBlock    `hcl:"retry,block"`
	DefRange         hcl.Range      `hcl:",def_range"`
}

type retryBlock struct {
	MaxRetries int    `hcl:"max_retries,optional"`
	Base       string `hcl:"base,optional"`
	Max        string `hcl:"max,optional"`
}
