package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/specialistvlad/stagegrid/internal/app"
	"github.com/specialistvlad/stagegrid/internal/cli"
)

// main is the entrypoint for the stagegrid application.
func main() {
	// Use a minimal logger until the full one is configured.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The real main function handles errors and exit codes.
	if err := run(ctx, os.Stdout, os.Args[1:]); err != nil {
		stop()
		var exitErr *cli.ExitError
		if errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, exitErr.Message)
			os.Exit(exitErr.Code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run encapsulates the main application logic for easier testing and error handling.
func run(ctx context.Context, outW io.Writer, args []string) error {
	return cli.Execute(ctx, args, outW, cli.Actions{
		Run: func(ctx context.Context, cfg *app.Config) error {
			a, err := app.NewApp(ctx, outW, cfg)
			if err != nil {
				return err
			}
			return a.Run(ctx)
		},
		Validate: func(ctx context.Context, cfg *app.Config) error {
			a, err := app.NewApp(ctx, outW, cfg)
			if err != nil {
				return err
			}
			defer a.Close(ctx)
			fmt.Fprintf(outW, "Workflow is valid: %d stages, bindings %v.\n", a.Stages(), a.Registry().Bindings())
			return nil
		},
	})
}
