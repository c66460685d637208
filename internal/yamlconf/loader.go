package yamlconf

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"reflect"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/specialistvlad/stagegrid/internal/config"
	"github.com/specialistvlad/stagegrid/internal/ctxlog"
	"github.com/specialistvlad/stagegrid/internal/fsutil"
	"gopkg.in/yaml.v3"
)

// Extensions are the file extensions the loader picks up.
var Extensions = []string{".yaml", ".yml"}

// Loader is the YAML implementation of config.Loader.
type Loader struct{}

var _ config.Loader = (*Loader)(nil)

// NewLoader creates a new YAML workflow loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load discovers every YAML file under paths and merges them into one model.
func (l *Loader) Load(ctx context.Context, paths ...string) (*config.Model, error) {
	logger := ctxlog.FromContext(ctx)

	files, err := fsutil.FindFiles(paths, Extensions...)
	if err != nil {
		return nil, err
	}
	logger.Debug("Discovered YAML files.", "count", len(files))

	model := config.NewModel()
	for _, file := range files {
		src, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", file, err)
		}
		m, err := l.Parse(ctx, src, file)
		if err != nil {
			return nil, err
		}
		if err := model.Merge(m); err != nil {
			return nil, err
		}
	}
	return model, nil
}

// Parse decodes a single in-memory YAML document. An empty document yields an
// empty model.
func (l *Loader) Parse(ctx context.Context, src []byte, filename string) (*config.Model, error) {
	if len(bytes.TrimSpace(src)) == 0 {
		return config.NewModel(), nil
	}

	var root yaml.Node
	if err := yaml.Unmarshal(src, &root); err != nil {
		return nil, fmt.Errorf("failed to parse YAML file %s: %w", filename, err)
	}
	if len(root.Content) == 0 {
		return config.NewModel(), nil
	}
	if err := checkFields(root.Content[0], reflect.TypeOf(document{}), "workflow file"); err != nil {
		return nil, fmt.Errorf("failed to decode YAML file %s: %w", filename, err)
	}
	var doc document
	if err := root.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode YAML file %s: %w", filename, err)
	}

	m, err := translate(&doc, filename)
	if err != nil {
		return nil, fmt.Errorf("failed to decode YAML file %s: %w", filename, err)
	}
	ctxlog.FromContext(ctx).Debug("YAML file loaded.", "file", filename, "stages", len(m.Stages))
	return m, nil
}

func translate(doc *document, filename string) (*config.Model, error) {
	src := func(line int) string { return fmt.Sprintf("%s:%d", filename, line) }
	m := config.NewModel()
	var err error

	if w := doc.Workflow; w != nil {
		if w.Workers < 0 {
			return nil, fmt.Errorf("workflow (%s): workers must not be negative", src(w.line))
		}
		wf := &config.Workflow{Workers: w.Workers, FailFast: w.FailFast, Source: src(w.line)}
		if wf.Deadline, err = config.ParseDuration("deadline", w.Deadline); err != nil {
			return nil, fmt.Errorf("workflow (%s): %w", wf.Source, err)
		}
		if wf.CancelGrace, err = config.ParseDuration("cancel_grace", w.CancelGrace); err != nil {
			return nil, fmt.Errorf("workflow (%s): %w", wf.Source, err)
		}
		m.Workflow = wf
	}

	if c := doc.Cache; c != nil {
		m.Cache = &config.Cache{Capacity: c.Capacity, Shards: c.Shards, Source: src(c.line)}
		if m.Cache.TTL, err = config.ParseDuration("ttl", c.TTL); err != nil {
			return nil, fmt.Errorf("cache (%s): %w", m.Cache.Source, err)
		}
	}

	for i := range doc.Dependencies {
		d := &doc.Dependencies[i]
		dep, err := translateDependency(d, src(d.line))
		if err != nil {
			return nil, err
		}
		m.Dependencies = append(m.Dependencies, dep)
	}

	for i := range doc.Stages {
		s := &doc.Stages[i]
		st, err := translateStage(s, filename, src(s.line))
		if err != nil {
			return nil, err
		}
		m.Stages = append(m.Stages, st)
	}
	return m, nil
}

func translateDependency(d *dependencyDoc, source string) (*config.Dependency, error) {
	dep := &config.Dependency{Name: d.Name, Source: source}
	if d.Name == "" {
		return nil, fmt.Errorf("dependency (%s): name is required", source)
	}
	wrap := func(err error) error { return fmt.Errorf("dependency '%s' (%s): %w", d.Name, source, err) }

	if b := d.Breaker; b != nil {
		rt, err := config.ParseDuration("recovery_timeout", b.RecoveryTimeout)
		if err != nil {
			return nil, wrap(err)
		}
		dep.Breaker = &config.Breaker{Threshold: b.Threshold, RecoveryTimeout: rt}
	}
	if rl := d.RateLimit; rl != nil {
		dep.RateLimit = &config.RateLimit{Rate: rl.Rate, Burst: rl.Burst, Mode: rl.Mode}
	}
	if p := d.Pool; p != nil {
		if p.Connector == "" {
			return nil, wrap(errors.New("pool requires a connector"))
		}
		at, err := config.ParseDuration("acquire_timeout", p.AcquireTimeout)
		if err != nil {
			return nil, wrap(err)
		}
		dep.Pool = &config.Pool{Connector: p.Connector, MaxSize: p.MaxSize, AcquireTimeout: at}
	}
	return dep, nil
}

func translateStage(s *stageDoc, filename, source string) (*config.Stage, error) {
	if s.Name == "" {
		return nil, fmt.Errorf("stage (%s): name is required", source)
	}
	wrap := func(err error) error { return fmt.Errorf("stage '%s' (%s): %w", s.Name, source, err) }
	if s.Uses == "" {
		return nil, wrap(errors.New("uses is required"))
	}

	st := &config.Stage{
		Name:             s.Name,
		Uses:             s.Uses,
		DependsOn:        s.DependsOn,
		Parallel:         s.Parallel,
		Critical:         s.Critical,
		Idempotent:       s.Idempotent,
		AllowSkippedDeps: s.AllowSkippedDeps,
		Dependency:       s.Dependency,
		Source:           source,
	}

	var err error
	if st.Timeout, err = config.ParseDuration("timeout", s.Timeout); err != nil {
		return nil, wrap(err)
	}
	if r := s.Retry; r != nil {
		retry := &config.Retry{MaxRetries: r.MaxRetries}
		if retry.Base, err = config.ParseDuration("base", r.Base); err != nil {
			return nil, wrap(err)
		}
		if retry.Max, err = config.ParseDuration("max", r.Max); err != nil {
			return nil, wrap(err)
		}
		st.Retry = retry
	}
	if s.When != "" {
		expr, diags := hclsyntax.ParseExpression([]byte(s.When), filename, hcl.Pos{Line: s.line, Column: 1})
		if diags.HasErrors() {
			return nil, wrap(fmt.Errorf("invalid when expression: %w", diags))
		}
		st.When = expr
	}
	if st.Inputs, err = inputExprs(&s.Inputs, filename); err != nil {
		return nil, wrap(err)
	}
	return st, nil
}
