package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// maxIncludeDepth bounds nested includes, e.g. a shared backplane.yaml that
// pulls in per-environment redis credentials.
const maxIncludeDepth = 10

// includer overlays the files named by a config's includes list. Each file
// is loaded once; seeing it again is a cycle.
type includer struct {
	seen map[string]bool
}

func newIncluder(root string) *includer {
	return &includer{seen: map[string]bool{root: true}}
}

// apply consumes cfg.Includes, resolving patterns against dir.
func (in *includer) apply(cfg *Config, dir string, depth int) error {
	if depth > maxIncludeDepth {
		return fmt.Errorf("config includes: nested deeper than %d", maxIncludeDepth)
	}
	patterns := cfg.Includes
	cfg.Includes = nil

	for _, pattern := range patterns {
		files, err := expandInclude(dir, pattern)
		if err != nil {
			return err
		}
		for _, f := range files {
			if err := in.overlay(cfg, f, depth); err != nil {
				return err
			}
		}
	}
	return nil
}

func (in *includer) overlay(cfg *Config, file string, depth int) error {
	abs, err := filepath.Abs(file)
	if err != nil {
		return fmt.Errorf("config includes: %w", err)
	}
	if in.seen[abs] {
		return fmt.Errorf("config includes: circular include of %s", abs)
	}
	in.seen[abs] = true

	if err := validatePermissions(abs); err != nil {
		return fmt.Errorf("config includes: %w", err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return fmt.Errorf("config includes: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config includes: parse %s: %w", abs, err)
	}
	return in.apply(cfg, filepath.Dir(abs), depth+1)
}

// expandInclude resolves pattern inside dir. A literal path is returned even
// when missing so the read reports it; an unmatched glob yields nothing.
func expandInclude(dir, pattern string) ([]string, error) {
	p := pattern
	if !filepath.IsAbs(p) {
		p = filepath.Join(dir, p)
	}
	p = filepath.Clean(p)
	if rel, err := filepath.Rel(dir, p); err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, fmt.Errorf("config includes: %q escapes %s", pattern, dir)
	}
	if !strings.ContainsAny(p, "*?[") {
		return []string{p}, nil
	}
	matches, err := filepath.Glob(p)
	if err != nil {
		return nil, fmt.Errorf("config includes: bad pattern %q: %w", pattern, err)
	}
	return matches, nil
}
