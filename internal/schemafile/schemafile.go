// Package schemafile reads and writes declarative schema files. A file
// holds either a list of entity schemes or a document with an entities
// key, in YAML or in the JSON shape served by the remote migration
// endpoint.
package schemafile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mesh-intelligence/horus/pkg/types"
)

// Format is the encoding of a schema file.
type Format string

// Supported formats.
const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// Document is the keyed file layout.
type Document struct {
	Entities []types.EntityScheme `json:"entities" yaml:"entities"`
}

// FormatOf picks the format from a file extension. Unknown extensions are
// read as YAML, which also accepts JSON.
func FormatOf(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatYAML
}

// Load reads and validates a schema file.
func Load(path string) ([]types.EntityScheme, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	schemes, err := Parse(data, FormatOf(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return schemes, nil
}

// Parse decodes and validates schema data.
func Parse(data []byte, format Format) ([]types.EntityScheme, error) {
	var schemes []types.EntityScheme
	var err error
	switch format {
	case FormatJSON:
		schemes, err = parseJSON(data)
	case FormatYAML:
		schemes, err = parseYAML(data)
	default:
		return nil, fmt.Errorf("schema format %q: %w", format, types.ErrInvalidSchema)
	}
	if err != nil {
		return nil, fmt.Errorf("decode schema: %v: %w", err, types.ErrInvalidSchema)
	}
	if len(schemes) == 0 {
		return nil, fmt.Errorf("schema declares no entities: %w", types.ErrInvalidSchema)
	}
	if _, err := types.PlanSchema(schemes); err != nil {
		return nil, err
	}
	return schemes, nil
}

func parseJSON(data []byte) ([]types.EntityScheme, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var schemes []types.EntityScheme
		err := json.Unmarshal(trimmed, &schemes)
		return schemes, err
	}
	var doc Document
	err := json.Unmarshal(trimmed, &doc)
	return doc.Entities, err
}

func parseYAML(data []byte) ([]types.EntityScheme, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, err
	}
	if len(node.Content) == 0 {
		return nil, nil
	}
	if node.Content[0].Kind == yaml.SequenceNode {
		var schemes []types.EntityScheme
		err := node.Content[0].Decode(&schemes)
		return schemes, err
	}
	var doc Document
	err := node.Content[0].Decode(&doc)
	return doc.Entities, err
}

// Marshal encodes schemes as a keyed document.
func Marshal(schemes []types.EntityScheme, format Format) ([]byte, error) {
	doc := Document{Entities: schemes}
	if format == FormatJSON {
		return json.MarshalIndent(doc, "", "  ")
	}
	return yaml.Marshal(doc)
}

// Write encodes schemes to path in the format implied by its extension.
func Write(path string, schemes []types.EntityScheme) error {
	data, err := Marshal(schemes, FormatOf(path))
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
