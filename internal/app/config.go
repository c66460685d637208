package app

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	// Paths are workflow files or directories holding .hcl, .yaml and .yml
	// files.
	Paths []string
	// Input becomes the run's input object. Values are strings.
	Input map[string]string
	// Every re-runs the workflow on this interval until the process context
	// ends. Zero runs it once.
	Every time.Duration
	// Workers overrides the workflow's worker count when positive.
	Workers int

	LogFormat string
	LogLevel  string

	// StatusAddr is the listen address of the status server. Empty disables
	// it.
	StatusAddr string
	// ArchiveDSN is a sqlite path or postgres:// URL receiving finished
	// runs. Empty disables archiving.
	ArchiveDSN string
	// Summary prints a per-stage table after each run.
	Summary bool
}

// NewConfig validates cfg and returns a copy.
func NewConfig(cfg Config) (*Config, error) {
	if len(cfg.Paths) == 0 {
		return nil, errors.New("at least one workflow path is required")
	}
	for _, p := range cfg.Paths {
		if strings.TrimSpace(p) == "" {
			return nil, errors.New("workflow paths cannot be empty")
		}
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
	}
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		return nil, fmt.Errorf("invalid log format '%s': must be 'text' or 'json'", cfg.LogFormat)
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if _, err := ParseLogLevel(cfg.LogLevel); err != nil {
		return nil, err
	}
	if cfg.Every < 0 {
		return nil, fmt.Errorf("invalid interval %s: must not be negative", cfg.Every)
	}
	if cfg.Workers < 0 {
		return nil, fmt.Errorf("invalid worker count %d: must not be negative", cfg.Workers)
	}
	return &cfg, nil
}

// ParseInput turns key=value pairs into an input map. A key given twice
// keeps its last value.
func ParseInput(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid input '%s': expected key=value", pair)
		}
		out[k] = v
	}
	return out, nil
}
