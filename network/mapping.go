package network

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// MappingEntry substitutes a supported operator for an unsupported one when
// estimating performance.
type MappingEntry struct {
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
}

// Mapping is the content of a mapping file.
type Mapping struct {
	Entries []MappingEntry `yaml:"mappings"`
}

// LoadMapping reads a mapping file.
func LoadMapping(path string) (Mapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Mapping{}, fmt.Errorf("failed to read mapping file: %w", err)
	}

	return ParseMapping(data)
}

// ParseMapping decodes a YAML mapping file.
func ParseMapping(data []byte) (Mapping, error) {
	var m Mapping
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Mapping{}, fmt.Errorf("failed to parse mapping: %w", err)
	}

	for i, e := range m.Entries {
		if e.Pattern == "" || e.Replacement == "" {
			return Mapping{}, fmt.Errorf("mapping entry %d needs a pattern and a replacement", i)
		}
		if _, ok := layerKinds[e.Replacement]; !ok {
			return Mapping{}, fmt.Errorf("mapping entry %d: unknown replacement %q", i, e.Replacement)
		}
	}

	return m, nil
}

// Replacement returns the operator replacing layerType, if any.
func (m Mapping) Replacement(layerType string) (string, bool) {
	for _, e := range m.Entries {
		if e.Pattern == layerType {
			return e.Replacement, true
		}
	}
	return "", false
}
