package schema

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest is the YAML declaration of the mirrored entity schemas and their
// subgraph providers.
type Manifest struct {
	Providers []ProviderDecl `yaml:"providers"`
	Entities  []EntityDecl   `yaml:"entities"`
}

// ProviderDecl declares one subgraph endpoint and the entities it serves.
type ProviderDecl struct {
	Name              string   `yaml:"name"`
	Endpoint          string   `yaml:"endpoint"`
	MaxRowsPerRequest int      `yaml:"maxRowsPerRequest"`
	Entities          []string `yaml:"entities"`
}

// EntityDecl declares one entity table.
type EntityDecl struct {
	Name       string       `yaml:"name"`
	PrimaryKey []string     `yaml:"primaryKey"`
	Columns    []ColumnDecl `yaml:"columns"`
}

// ColumnDecl declares one column. Type is either a scalar kind ("BigInt"),
// an array of a scalar kind ("[String]"), or "reference" with Entity set.
type ColumnDecl struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Entity   string `yaml:"entity"`
	Nullable bool   `yaml:"nullable"`
}

// LoadManifest reads and parses a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return ParseManifest(data)
}

// ParseManifest parses manifest YAML.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if len(m.Entities) == 0 {
		return nil, fmt.Errorf("manifest declares no entities")
	}
	for _, p := range m.Providers {
		if p.Endpoint == "" {
			return nil, fmt.Errorf("provider %q has no endpoint", p.Name)
		}
		if p.MaxRowsPerRequest <= 0 {
			return nil, fmt.Errorf("provider %q has invalid maxRowsPerRequest %d", p.Name, p.MaxRowsPerRequest)
		}
	}
	return &m, nil
}

// Schemas converts the declarations into EntitySchemas.
func (m *Manifest) Schemas() ([]EntitySchema, error) {
	out := make([]EntitySchema, 0, len(m.Entities))
	for _, d := range m.Entities {
		pk := d.PrimaryKey
		if len(pk) == 0 {
			pk = []string{"id"}
		}
		cols := make([]Column, 0, len(d.Columns))
		for _, c := range d.Columns {
			t, err := parseColumnType(c)
			if err != nil {
				return nil, fmt.Errorf("entity %q column %q: %w", d.Name, c.Name, err)
			}
			cols = append(cols, Column{Name: c.Name, Type: t, Nullable: c.Nullable})
		}
		out = append(out, EntitySchema{Name: d.Name, PrimaryKey: pk, Columns: cols})
	}
	return out, nil
}

func parseColumnType(c ColumnDecl) (ColumnType, error) {
	switch {
	case strings.EqualFold(c.Type, "reference"):
		if c.Entity == "" {
			return nil, fmt.Errorf("reference column needs entity")
		}
		return Reference{Entity: c.Entity}, nil
	case strings.HasPrefix(c.Type, "[") && strings.HasSuffix(c.Type, "]"):
		elem, err := parseScalarKind(strings.TrimSuffix(strings.TrimPrefix(c.Type, "["), "]"))
		if err != nil {
			return nil, err
		}
		return ArrayOf{Elem: elem}, nil
	default:
		kind, err := parseScalarKind(c.Type)
		if err != nil {
			return nil, err
		}
		return Scalar{Kind: kind}, nil
	}
}

func parseScalarKind(s string) (ScalarKind, error) {
	for _, k := range []ScalarKind{KindID, KindString, KindInt, KindBigInt, KindBigDecimal, KindBoolean, KindBytes, KindTimestamp} {
		if strings.EqualFold(s, string(k)) {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown scalar kind %q", s)
}
