package config

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// BackendProfile overrides grading settings for one model.
type BackendProfile struct {
	Concurrency int `yaml:"concurrency"`
	MaxAttempts int `yaml:"max_attempts"`
}

type profileFile struct {
	Backends map[string]BackendProfile `yaml:"backends"`
}

// LoadProfiles reads a YAML file of the form
//
//	backends:
//	  claude-sonnet-4-6:
//	    concurrency: 2
//	    max_attempts: 5
//
// Entries with negative values are rejected.
func LoadProfiles(path string) (map[string]BackendProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading backend profiles: %w", err)
	}

	var f profileFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing backend profiles %s: %w", path, err)
	}

	for model, p := range f.Backends {
		if p.Concurrency < 0 || p.MaxAttempts < 0 {
			return nil, fmt.Errorf("backend profile %q: values must not be negative", model)
		}
	}
	if f.Backends == nil {
		f.Backends = map[string]BackendProfile{}
	}

	slog.Info("backend profiles loaded", "path", path, "profiles", len(f.Backends))
	return f.Backends, nil
}
