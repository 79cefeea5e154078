package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"maps"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed treatments.yaml
var bundled []byte

// Record is one advisory entry. Fields other than "treatment" are passed through untouched.
type Record map[string]any

// Treatment returns the record's treatment text when it is a non-empty string.
func (r Record) Treatment() (string, bool) {
	v, ok := r["treatment"].(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// Catalog maps disease labels to records. It is never mutated after construction.
type Catalog struct {
	entries map[string]Record
}

// New copies entries into a catalog. Labels must be non-empty.
func New(entries map[string]Record) (*Catalog, error) {
	c := &Catalog{entries: make(map[string]Record, len(entries))}
	for label, rec := range entries {
		if strings.TrimSpace(label) == "" {
			return nil, errors.New("catalog: empty disease label")
		}
		c.entries[label] = maps.Clone(rec)
	}
	return c, nil
}

// Default returns the catalog bundled with the binary.
func Default() (*Catalog, error) {
	return Parse(bundled)
}

// Load reads a YAML or JSON catalog from path; an empty path yields the bundled catalog.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("catalog: %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes a mapping of label -> record. JSON input is accepted as a YAML subset.
func Parse(data []byte) (*Catalog, error) {
	var raw map[string]map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	entries := make(map[string]Record, len(raw))
	for label, rec := range raw {
		entries[label] = Record(rec)
	}
	return New(entries)
}

// Lookup returns a copy of the record stored for label. Empty records count as missing.
func (c *Catalog) Lookup(label string) (Record, bool) {
	if c == nil {
		return nil, false
	}
	rec, ok := c.entries[label]
	if !ok || len(rec) == 0 {
		return nil, false
	}
	return maps.Clone(rec), true
}

// Treatment is the treatment text for label, if any.
func (c *Catalog) Treatment(label string) (string, bool) {
	rec, ok := c.Lookup(label)
	if !ok {
		return "", false
	}
	return rec.Treatment()
}

func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.entries)
}
