package registry

import (
	"fmt"
	"os"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/fieldops-hq/fieldops/pkg/contracts"
)

// Catalog is the on-disk tool catalog document.
type Catalog struct {
	Version string               `yaml:"version" json:"version"`
	Tools   []contracts.Contract `yaml:"tools" json:"tools"`
}

// Load reads, parses and validates the catalog at path and builds a registry.
// A malformed catalog aborts process start; this is the only point at which
// the registry performs I/O.
func Load(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse builds a registry from raw catalog YAML (JSON is valid YAML).
func Parse(raw []byte) (*Registry, error) {
	var cat Catalog
	if err := yaml.Unmarshal(raw, &cat); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if cat.Version == "" {
		return nil, fmt.Errorf("catalog version is required")
	}
	if _, err := semver.NewVersion(cat.Version); err != nil {
		return nil, fmt.Errorf("catalog version %q is not semver: %w", cat.Version, err)
	}
	if len(cat.Tools) == 0 {
		return nil, fmt.Errorf("catalog declares no tools")
	}
	return New(cat.Version, cat.Tools)
}
