package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/specialistvlad/stagegrid/internal/app"
	"github.com/specialistvlad/stagegrid/internal/cli"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600), "failed to set up test file")
	return path
}

func TestRun_LoadError(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	invalidHCL := `
		stage "A" {
			uses = "print"
		// Missing closing brace here
	`
	filePath := writeFile(t, "main.hcl", invalidHCL)
	out := &bytes.Buffer{}

	// --- Act ---
	runErr := run(context.Background(), out, []string{filePath})

	// --- Assert ---
	require.Error(t, runErr, "run() should fail when the workflow cannot be parsed")
	require.Contains(t, runErr.Error(), "failed to load workflow")
	require.Contains(t, runErr.Error(), "failed to parse HCL file")
}

func TestRun_ShouldExit(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	args := []string{"-h"}
	out := &bytes.Buffer{}

	// --- Act ---
	err := run(context.Background(), out, args)

	// --- Assert ---
	require.NoError(t, err, "run() should return a nil error after printing help")
	require.Contains(t, out.String(), "Usage:", "Expected help text to be printed to the output buffer")
}

func TestRun_ParseError(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	args := []string{"--this-is-not-a-valid-flag"}
	out := &bytes.Buffer{}

	// --- Act ---
	err := run(context.Background(), out, args)

	// --- Assert ---
	var exitErr *cli.ExitError
	require.ErrorAs(t, err, &exitErr, "run() should return a usage error when argument parsing fails")
	require.Equal(t, 2, exitErr.Code)
	require.Contains(t, err.Error(), "unknown flag: --this-is-not-a-valid-flag")
}

func TestRun_PrintWorkflow(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	filePath := writeFile(t, "hello.hcl", `
stage "greet" {
  uses   = "print"
  inputs = {
    message = "hello ${input.name}"
  }
}
`)
	out := &bytes.Buffer{}

	// --- Act ---
	err := run(context.Background(), out, []string{"--input", "name=grid", filePath})

	// --- Assert ---
	require.NoError(t, err)
	require.Contains(t, out.String(), `message = "hello grid"`)
	require.Contains(t, out.String(), "Status: Completed")
}

func TestRun_FailingWorkflow(t *testing.T) {
	t.Parallel()
	filePath := writeFile(t, "fail.yaml", `
stages:
  - name: nap
    uses: sleep
    inputs:
      duration: never
`)

	err := run(context.Background(), &bytes.Buffer{}, []string{filePath})

	var runErr *app.RunError
	require.ErrorAs(t, err, &runErr)
	require.Contains(t, err.Error(), "invalid duration 'never'")
}

func TestRun_Validate(t *testing.T) {
	t.Parallel()
	filePath := writeFile(t, "ok.hcl", "stage \"env\" {\n  uses = \"env_vars\"\n}\n")
	out := &bytes.Buffer{}

	err := run(context.Background(), out, []string{"validate", filePath})

	require.NoError(t, err)
	require.Contains(t, out.String(), "Workflow is valid: 1 stages")
}
