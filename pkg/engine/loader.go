package engine

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Parse decodes a workflow document from YAML (or JSON, which YAML
// subsumes) and validates it.
func Parse(r io.Reader) (*Workflow, error) {
	var wf Workflow
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&wf); err != nil {
		return nil, fmt.Errorf("parsing workflow document: %w", err)
	}
	if err := wf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid workflow document: %w", err)
	}
	return &wf, nil
}

// LoadFile reads and parses a workflow document from disk.
func LoadFile(path string) (*Workflow, error) {
	f, err := os.Open(path) // #nosec G304 -- path is the operator's workflow file
	if err != nil {
		return nil, fmt.Errorf("opening workflow file: %w", err)
	}
	defer func() { _ = f.Close() }()
	return Parse(f)
}
