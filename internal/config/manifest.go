package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// WorkerManifest is the YAML request body `golem create-worker -f` reads,
// grounded on the teacher's internal/spec/function.go FunctionSpec shape
// (apiVersion/kind header, plain fields below) rather than inventing a new
// manifest convention.
type WorkerManifest struct {
	APIVersion string `yaml:"apiVersion,omitempty"`
	Kind       string `yaml:"kind,omitempty"`

	ComponentID string            `yaml:"componentId"`
	Name        string            `yaml:"name"`
	Revision    uint64            `yaml:"revision"`
	Args        []string          `yaml:"args,omitempty"`
	Env         map[string]string `yaml:"env,omitempty"`
	Preopens    map[string]string `yaml:"preopens,omitempty"`
}

// LoadWorkerManifest reads and validates a worker creation manifest from
// path. Unknown keys are rejected, matching LoadFromFile's strictness.
func LoadWorkerManifest(path string) (*WorkerManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read manifest %q: %w", path, err)
	}

	var m WorkerManifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("invalid manifest %s: %w", path, err)
	}

	if m.ComponentID == "" {
		return nil, fmt.Errorf("manifest %s: componentId is required", path)
	}
	if m.Name == "" {
		return nil, fmt.Errorf("manifest %s: name is required", path)
	}
	return &m, nil
}
