package registry

import (
	"context"
	"fmt"
	"strings"

	"github.com/specialistvlad/stagegrid/internal/ctxlog"
)

// Validate checks that every binding and connector a workflow refers to is
// registered. All problems are reported together.
func (r *Registry) Validate(ctx context.Context, bindings, connectors []string) error {
	var errs []string
	logger := ctxlog.FromContext(ctx)

	for _, name := range dedupe(bindings) {
		if _, ok := r.bindings[name]; !ok {
			errs = append(errs, fmt.Sprintf("no binding registered as '%s' (known: %s)", name, strings.Join(r.Bindings(), ", ")))
		}
	}
	for _, kind := range dedupe(connectors) {
		if _, ok := r.connectors[kind]; !ok {
			errs = append(errs, fmt.Sprintf("no connector registered as '%s' (known: %s)", kind, strings.Join(r.Connectors(), ", ")))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("registry validation failed:\n- %s", strings.Join(errs, "\n- "))
	}
	logger.Debug("Registry validated.", "bindings", len(bindings), "connectors", len(connectors))
	return nil
}

func dedupe(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
