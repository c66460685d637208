package yamlconf

import (
	"fmt"
	"reflect"
	"strings"

	"gopkg.in/yaml.v3"
)

type document struct {
	Workflow     *workflowDoc    `yaml:"workflow"`
	Cache        *cacheDoc       `yaml:"cache"`
	Dependencies []dependencyDoc `yaml:"dependencies"`
	Stages       []stageDoc      `yaml:"stages"`
}

type workflowDoc struct {
	Workers     int    `yaml:"workers"`
	Deadline    string `yaml:"deadline"`
	CancelGrace string `yaml:"cancel_grace"`
	FailFast    bool   `yaml:"fail_fast"`

	line int
}

type cacheDoc struct {
	TTL      string `yaml:"ttl"`
	Capacity int    `yaml:"capacity"`
	Shards   int    `yaml:"shards"`

	line int
}

type dependencyDoc struct {
	Name      string        `yaml:"name"`
	Breaker   *breakerDoc   `yaml:"circuit_breaker"`
	RateLimit *rateLimitDoc `yaml:"rate_limit"`
	Pool      *poolDoc      `yaml:"pool"`

	line int
}

type breakerDoc struct {
	Threshold       int    `yaml:"threshold"`
	RecoveryTimeout string `yaml:"recovery_timeout"`
}

type rateLimitDoc struct {
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
	Mode  string  `yaml:"mode"`
}

type poolDoc struct {
	Connector      string `yaml:"connector"`
	MaxSize        int    `yaml:"max_size"`
	AcquireTimeout string `yaml:"acquire_timeout"`
}

type stageDoc struct {
	Name             string    `yaml:"name"`
	Uses             string    `yaml:"uses"`
	DependsOn        []string  `yaml:"depends_on"`
	When             string    `yaml:"when"`
	Inputs           yaml.Node `yaml:"inputs"`
	Parallel         *bool     `yaml:"parallel"`
	Critical         *bool     `yaml:"critical"`
	Idempotent       bool      `yaml:"idempotent"`
	AllowSkippedDeps bool      `yaml:"allow_skipped_deps"`
	Dependency       string    `yaml:"dependency"`
	Timeout          string    `yaml:"timeout"`
	Retry            *retryDoc `yaml:"retry"`

	line int
}

type retryDoc struct {
	MaxRetries int    `yaml:"max_retries"`
	Base       string `yaml:"base"`
	Max        string `yaml:"max"`
}

func (d *workflowDoc) UnmarshalYAML(n *yaml.Node) error {
	type plain workflowDoc
	d.line = n.Line
	return n.Decode((*plain)(d))
}

func (d *cacheDoc) UnmarshalYAML(n *yaml.Node) error {
	type plain cacheDoc
	d.line = n.Line
	return n.Decode((*plain)(d))
}

func (d *dependencyDoc) UnmarshalYAML(n *yaml.Node) error {
	type plain dependencyDoc
	d.line = n.Line
	return n.Decode((*plain)(d))
}

func (d *stageDoc) UnmarshalYAML(n *yaml.Node) error {
	type plain stageDoc
	d.line = n.Line
	return n.Decode((*plain)(d))
}

var nodeType = reflect.TypeOf(yaml.Node{})

// checkFields rejects mapping keys that have no matching yaml tag in t.
// Decoding through UnmarshalYAML loses the decoder's KnownFields setting, so
// the whole tree is checked up front instead.
func checkFields(n *yaml.Node, t reflect.Type, where string) error {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nodeType {
		return nil
	}

	switch t.Kind() {
	case reflect.Struct:
		if n.Kind != yaml.MappingNode {
			return nil
		}
		fields := make(map[string]reflect.Type, t.NumField())
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			name := strings.Split(f.Tag.Get("yaml"), ",")[0]
			if name == "" || name == "-" {
				continue
			}
			fields[name] = f.Type
		}
		for i := 0; i+1 < len(n.Content); i += 2 {
			key, val := n.Content[i], n.Content[i+1]
			ft, ok := fields[key.Value]
			if !ok {
				return fmt.Errorf("line %d: field '%s' is not supported in %s", key.Line, key.Value, where)
			}
			if err := checkFields(val, ft, key.Value); err != nil {
				return err
			}
		}
	case reflect.Slice:
		if n.Kind != yaml.SequenceNode {
			return nil
		}
		for _, item := range n.Content {
			if err := checkFields(item, t.Elem(), where); err != nil {
				return err
			}
		}
	}
	return nil
}
