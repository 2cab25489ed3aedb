// Package manifest preloads module registrations from a YAML file at
// startup, so a deployment with an in-memory registry still comes up with
// its modules in place.
package manifest

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Entry is one module registration in a manifest file.
type Entry struct {
	Name     string `yaml:"name"`
	Location string `yaml:"location"`
}

// Manifest is the parsed form of a modules manifest.
type Manifest struct {
	Modules []Entry `yaml:"modules"`
}

// Load reads and validates a manifest from a YAML file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest %s: %w", path, err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", path, err)
	}

	for i, e := range m.Modules {
		if e.Name == "" {
			return nil, fmt.Errorf("manifest %s: module %d has no name", path, i)
		}
		if e.Location == "" {
			return nil, fmt.Errorf("manifest %s: module %q has no location", path, e.Name)
		}
	}
	return &m, nil
}
