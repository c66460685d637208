package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/specialistvlad/stagegrid/internal/app"
	"github.com/spf13/cobra"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

func usageError(err error) error {
	return &ExitError{Code: 2, Message: err.Error()}
}

// Actions are what the commands do once the configuration is valid.
type Actions struct {
	Run      func(ctx context.Context, cfg *app.Config) error
	Validate func(ctx context.Context, cfg *app.Config) error
}

// envPrefix prefixes the environment fallback of every flag: --log-level is
// read from STAGEGRID_LOG_LEVEL when not given.
const envPrefix = "STAGEGRID_"

type options struct {
	paths      []string
	inputs     []string
	every      time.Duration
	workers    int
	logFormat  string
	logLevel   string
	statusAddr string
	archive    string
	summary    bool
}

// NewCommand builds the command tree. The root command runs the workflow;
// `validate` only loads and compiles it.
func NewCommand(out io.Writer, actions Actions) *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "stagegrid [flags] [PATH...]",
		Short: "Run a workflow of dependent stages with retries and guarded dependencies.",
		Long: `stagegrid executes a directed acyclic graph of stages declared in HCL or YAML
files. PATH is a workflow file or a directory searched recursively for .hcl,
.yaml and .yml files.

Every flag can also be set through an environment variable named after it,
for example STAGEGRID_LOG_LEVEL=debug.`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.config(cmd, args)
			if err != nil || cfg == nil {
				return err
			}
			return actions.Run(cmd.Context(), cfg)
		},
	}
	root.SetOut(out)
	root.SetErr(out)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error { return usageError(err) })

	pf := root.PersistentFlags()
	pf.StringSliceVarP(&opts.paths, "grid", "g", nil, "Workflow file or directory (repeatable).")
	pf.StringVar(&opts.logFormat, "log-format", "text", "Log output format. Options: 'text' or 'json'.")
	pf.StringVar(&opts.logLevel, "log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")

	f := root.Flags()
	f.StringArrayVarP(&opts.inputs, "input", "i", nil, "Run input as key=value (repeatable).")
	f.DurationVar(&opts.every, "every", 0, "Re-run the workflow on this interval until interrupted. 0 runs once.")
	f.IntVar(&opts.workers, "workers", 0, "Worker count per run. 0 uses the workflow's setting.")
	f.StringVar(&opts.statusAddr, "status-addr", "", "Listen address of the status server, e.g. ':8080'. Empty is disabled.")
	f.StringVar(&opts.archive, "archive", "", "Archive finished runs to a SQLite path or a postgres:// URL.")
	f.BoolVar(&opts.summary, "summary", true, "Print a per-stage summary after each run.")

	root.AddCommand(&cobra.Command{
		Use:           "validate [PATH...]",
		Short:         "Load and compile a workflow without running it.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.config(cmd, args)
			if err != nil || cfg == nil {
				return err
			}
			return actions.Validate(cmd.Context(), cfg)
		},
	})
	return root
}

// config merges flags, environment fallbacks and positional paths. It
// returns a nil config after printing usage when no path is given.
func (o *options) config(cmd *cobra.Command, args []string) (*app.Config, error) {
	if err := o.applyEnv(cmd); err != nil {
		return nil, usageError(err)
	}

	paths := append(append([]string(nil), o.paths...), args...)
	if len(paths) == 0 {
		return nil, cmd.Usage()
	}
	input, err := app.ParseInput(o.inputs)
	if err != nil {
		return nil, usageError(err)
	}

	cfg, err := app.NewConfig(app.Config{
		Paths:      paths,
		Input:      input,
		Every:      o.every,
		Workers:    o.workers,
		LogFormat:  strings.ToLower(o.logFormat),
		LogLevel:   strings.ToLower(o.logLevel),
		StatusAddr: o.statusAddr,
		ArchiveDSN: o.archive,
		Summary:    o.summary,
	})
	if err != nil {
		return nil, usageError(err)
	}
	return cfg, nil
}

// applyEnv fills every flag the user did not set from its environment
// variable.
func (o *options) applyEnv(cmd *cobra.Command) error {
	set := func(name string, apply func(string) error) error {
		if f := cmd.Flags().Lookup(name); f == nil || f.Changed {
			return nil
		}
		raw, ok := os.LookupEnv(envPrefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_")))
		if !ok || raw == "" {
			return nil
		}
		if err := apply(raw); err != nil {
			return fmt.Errorf("invalid %s%s: %w", envPrefix, strings.ToUpper(strings.ReplaceAll(name, "-", "_")), err)
		}
		return nil
	}
	str := func(dst *string) func(string) error {
		return func(s string) error { *dst = s; return nil }
	}

	return errors.Join(
		set("grid", func(s string) error { o.paths = strings.Split(s, ","); return nil }),
		set("log-format", str(&o.logFormat)),
		set("log-level", str(&o.logLevel)),
		set("status-addr", str(&o.statusAddr)),
		set("archive", str(&o.archive)),
		set("input", func(s string) error { o.inputs = strings.Split(s, ","); return nil }),
		set("every", func(s string) (err error) { o.every, err = time.ParseDuration(s); return err }),
		set("workers", func(s string) (err error) { o.workers, err = strconv.Atoi(s); return err }),
		set("summary", func(s string) (err error) { o.summary, err = strconv.ParseBool(s); return err }),
	)
}

// Execute runs the command tree with args. Usage mistakes come back as
// *ExitError with code 2.
func Execute(ctx context.Context, args []string, out io.Writer, actions Actions) error {
	cmd := NewCommand(out, actions)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}
