package services

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Loader handles loading and parsing of the gateway services.yaml
type Loader struct {
	filePath string
}

// NewLoader creates a new services file loader
func NewLoader(filePath string) *Loader {
	return &Loader{
		filePath: filePath,
	}
}

// Load reads and parses the services file.
// ${VAR} references are expanded from the environment before parsing so that
// backend URLs can differ per deployment (ex: base_url: ${SAMPLE_SERVICE_URL}).
func (l *Loader) Load() (*File, error) {
	data, err := os.ReadFile(l.filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read services file: %w", err)
	}

	return Parse([]byte(os.ExpandEnv(string(data))))
}

// Parse decodes services YAML. Unknown keys are rejected to catch typos early.
func Parse(data []byte) (*File, error) {
	var file File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("failed to parse services yaml: %w", err)
	}
	if len(file.Services) == 0 {
		return nil, fmt.Errorf("no services declared")
	}
	return &file, nil
}
