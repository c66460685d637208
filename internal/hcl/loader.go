package hcl

import (
	"context"
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/specialistvlad/stagegrid/internal/config"
	"github.com/specialistvlad/stagegrid/internal/ctxlog"
	"github.com/specialistvlad/stagegrid/internal/fsutil"
)

// Extension is the file extension the loader picks up.
const Extension = ".hcl"

// Loader is the HCL-specific implementation of the config.Loader interface.
type Loader struct{}

var _ config.Loader = (*Loader)(nil)

// NewLoader creates a new HCL workflow loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load discovers every .hcl file under paths and merges their blocks into one
// model.
func (l *Loader) Load(ctx context.Context, paths ...string) (*config.Model, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("HCL loader started.", "pathCount", len(paths))

	files, err := fsutil.FindFiles(paths, Extension)
	if err != nil {
		return nil, err
	}
	logger.Debug("Discovered HCL files.", "count", len(files))

	parser := hclparse.NewParser()
	model := config.NewModel()
	for _, file := range files {
		f, diags := parser.ParseHCLFile(file)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to parse HCL file %s: %w", file, diags)
		}
		m, err := l.decode(ctx, f)
		if err != nil {
			return nil, fmt.Errorf("failed to decode HCL file %s: %w", file, err)
		}
		if err := model.Merge(m); err != nil {
			return nil, err
		}
	}

	logger.Debug("HCL loading complete.", "stages", len(model.Stages), "dependencies", len(model.Dependencies))
	return model, nil
}

// Parse decodes a single in-memory HCL document.
func (l *Loader) Parse(ctx context.Context, src []byte, filename string) (*config.Model, error) {
	f, diags := hclparse.NewParser().ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", filename, diags)
	}
	return l.decode(ctx, f)
}

func (l *Loader) decode(ctx context.Context, f *hcl.File) (*config.Model, error) {
	var root fileRoot
	if diags := gohcl.DecodeBody(f.Body, nil, &root); diags.HasErrors() {
		return nil, diags
	}

	m := config.NewModel()
	var err error
	if root.Workflow != nil {
		if m.Workflow, err = translateWorkflow(root.Workflow); err != nil {
			return nil, err
		}
	}
	if root.Cache != nil {
		if m.Cache, err = translateCache(root.Cache); err != nil {
			return nil, err
		}
	}
	for _, d := range root.Dependencies {
		dep, err := translateDependency(d)
		if err != nil {
			return nil, err
		}
		m.Dependencies = append(m.Dependencies, dep)
	}
	for _, s := range root.Stages {
		st, err := translateStage(ctx, s)
		if err != nil {
			return nil, err
		}
		m.Stages = append(m.Stages, st)
	}
	return m, nil
}
