// Package ontology loads resource mappings and the term-code hierarchy and
// uses them to expand a structured query into an evaluable one.
package ontology

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ehr/feasibility/internal/query"
)

// Format is the encoding of a mapping or tree file.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatForPath picks the format from the file extension. Anything that is
// not .yaml or .yml is read as JSON.
func FormatForPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

func decode(data []byte, format Format, v any) error {
	if format == FormatYAML {
		return yaml.Unmarshal(data, v)
	}
	return json.Unmarshal(data, v)
}

// mappingDoc is one entry of a mapping file.
type mappingDoc struct {
	Key                       query.TerminologyCode  `json:"key" yaml:"key"`
	ResourceType              string                 `json:"fhirResourceType" yaml:"fhirResourceType"`
	TermCodeSearchParameter   string                 `json:"termCodeSearchParameter" yaml:"termCodeSearchParameter"`
	ValueSearchParameter      string                 `json:"valueSearchParameter" yaml:"valueSearchParameter"`
	FixedCriteria             []query.FixedCriterion `json:"fixedCriteria" yaml:"fixedCriteria"`
	AttributeSearchParameters []attributeDoc         `json:"attributeSearchParameters" yaml:"attributeSearchParameters"`
	TimeRestrictionParameter  string                 `json:"timeRestrictionParameter" yaml:"timeRestrictionParameter"`
}

type attributeDoc struct {
	AttributeKey      query.TerminologyCode `json:"attributeKey" yaml:"attributeKey"`
	AttributeFHIRPath string                `json:"attributeFhirPath,omitempty" yaml:"attributeFhirPath,omitempty"`
	SearchParameter   string                `json:"searchParameter" yaml:"searchParameter"`
}

// Mappings indexes mapping entries by term code.
type Mappings struct {
	entries map[string]*query.MappingEntry
}

// NewMappings indexes entries. A later entry for the same key replaces an
// earlier one.
func NewMappings(entries ...*query.MappingEntry) *Mappings {
	m := &Mappings{entries: make(map[string]*query.MappingEntry, len(entries))}
	for _, e := range entries {
		m.entries[e.Key.Key()] = e
	}
	return m
}

// Lookup returns the mapping for code.
func (m *Mappings) Lookup(code query.TerminologyCode) (*query.MappingEntry, bool) {
	if m == nil {
		return nil, false
	}
	e, ok := m.entries[code.Key()]
	return e, ok
}

// Len returns the number of mapped codes.
func (m *Mappings) Len() int {
	if m == nil {
		return 0
	}
	return len(m.entries)
}

// ParseMappings decodes a mapping document.
func ParseMappings(data []byte, format Format) (*Mappings, error) {
	var docs []mappingDoc
	if err := decode(data, format, &docs); err != nil {
		return nil, fmt.Errorf("parse mappings: %w", err)
	}

	entries := make([]*query.MappingEntry, 0, len(docs))
	for i, d := range docs {
		if d.Key.Code == "" {
			return nil, fmt.Errorf("mapping %d: key code is required", i)
		}
		if d.ResourceType == "" {
			return nil, fmt.Errorf("mapping %s: fhirResourceType is required", d.Key.Key())
		}
		e := &query.MappingEntry{
			Key:                      d.Key,
			ResourceType:             d.ResourceType,
			TermCodeSearchParameter:  d.TermCodeSearchParameter,
			ValueSearchParameter:     d.ValueSearchParameter,
			FixedCriteria:            d.FixedCriteria,
			TimeRestrictionParameter: d.TimeRestrictionParameter,
		}
		if len(d.AttributeSearchParameters) > 0 {
			e.AttributeSearchParameters = make(map[string]string, len(d.AttributeSearchParameters))
			for _, a := range d.AttributeSearchParameters {
				e.AttributeSearchParameters[a.AttributeKey.Code] = a.SearchParameter
			}
		}
		entries = append(entries, e)
	}
	return NewMappings(entries...), nil
}

// LoadMappings reads a mapping file, choosing the format by extension.
func LoadMappings(path string) (*Mappings, error) {
	// #nosec G304 -- path comes from the command line or configuration
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mapping file: %w", err)
	}
	return ParseMappings(data, FormatForPath(path))
}
