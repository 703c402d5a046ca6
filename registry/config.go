package registry

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed targets.yaml
var defaultTargets []byte

type fileConfig struct {
	Targets []*Profile `yaml:"targets"`
}

// Default returns the Registry built from the embedded target table.
func Default() *Registry {
	r, err := parse(defaultTargets)
	if err != nil {
		// The embedded table is part of the build; a parse failure here is
		// a programming error, not a runtime condition.
		panic("registry: embedded targets.yaml invalid: " + err.Error())
	}
	return r
}

// LoadFile reads a YAML target table from disk. The file fully replaces the
// embedded defaults; partial overrides are not merged.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("registry: read %s: %w", path, err)
	}
	r, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("registry: parse %s: %w", path, err)
	}
	return r, nil
}

func parse(data []byte) (*Registry, error) {
	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Targets) == 0 {
		return nil, fmt.Errorf("no targets defined")
	}
	for _, p := range cfg.Targets {
		if p.Target == "" {
			return nil, fmt.Errorf("target with empty id")
		}
		if len(p.URLPatterns) == 0 {
			return nil, fmt.Errorf("target %s: no url_patterns", p.Target)
		}
	}
	return New(cfg.Targets), nil
}
