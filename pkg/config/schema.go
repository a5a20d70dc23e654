package config

import (
	"fmt"
	"io/ioutil"
	"strings"

	yaml "gopkg.in/yaml.v2"
)

// LarkFieldSpec models the schema's `lark_field` entry, which is either
// a single target field name or an ordered list of candidate names
// ("use the first name that exists in the target table").
type LarkFieldSpec struct {
	Values []string
	IsList bool
}

// UnmarshalYAML accepts either a scalar string or a sequence of strings.
func (s *LarkFieldSpec) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var single string
	if err := unmarshal(&single); err == nil {
		s.Values = []string{single}
		s.IsList = false
		return nil
	}

	var list []string
	if err := unmarshal(&list); err != nil {
		return fmt.Errorf("lark_field must be a string or a list of strings: %w", err)
	}
	s.Values = list
	s.IsList = true
	return nil
}

// Resolve picks the effective target field name for a mapping:
//  1. scalar form: used as-is unless availableFields is non-nil and
//     doesn't contain it, in which case the mapping is dropped.
//  2. list form: the first candidate present in availableFields wins;
//     if none match (or availableFields is nil), the mapping is dropped.
func (s LarkFieldSpec) Resolve(availableFields []string) (string, bool) {
	if len(s.Values) == 0 {
		return "", false
	}

	if !s.IsList {
		name := s.Values[0]
		if availableFields == nil || contains(availableFields, name) {
			return name, true
		}
		return "", false
	}

	for _, candidate := range s.Values {
		if contains(availableFields, candidate) {
			return candidate, true
		}
	}
	return "", false
}

func contains(haystack []string, needle string) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}

// FieldMapping is one entry of schema.yaml's field_mappings map.
type FieldMapping struct {
	LarkField  LarkFieldSpec `yaml:"lark_field"`
	Processor  string        `yaml:"processor"`
	NestedPath string        `yaml:"nested_path,omitempty"`
	FieldType  string        `yaml:"field_type,omitempty"`
}

// Schema is the parsed schema.yaml: a map of JIRA field path to the
// transformation rule that produces a target field value. It is a plain
// Go map, so the declaration order of the file is not kept and
// iteration order is not defined.
type Schema struct {
	FieldMappings map[string]FieldMapping `yaml:"field_mappings"`
}

// LoadSchema reads and parses a schema file from disk.
func LoadSchema(path string) (*Schema, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading schema file %s: %w", path, err)
	}

	var schema Schema
	if err := yaml.Unmarshal(data, &schema); err != nil {
		return nil, fmt.Errorf("parsing schema file %s: %w", path, err)
	}
	if schema.FieldMappings == nil {
		schema.FieldMappings = map[string]FieldMapping{}
	}
	return &schema, nil
}

// RequiredJiraFields returns the set of JIRA fields the schema
// dereferences, plus the always-needed key/id/self envelope fields. A
// dotted path like "status.name" contributes its top-level field
// ("status"), since that is the granularity JIRA's fields= parameter
// accepts.
func (s *Schema) RequiredJiraFields(excluded []string) []string {
	excludedSet := make(map[string]bool, len(excluded))
	for _, f := range excluded {
		excludedSet[f] = true
	}

	seen := map[string]bool{"key": true, "id": true, "self": true}
	fields := []string{"key", "id", "self"}
	for jiraField := range s.FieldMappings {
		if excludedSet[jiraField] {
			continue
		}
		top := jiraField
		if idx := strings.Index(top, "."); idx >= 0 {
			top = top[:idx]
		}
		if seen[top] {
			continue
		}
		seen[top] = true
		fields = append(fields, top)
	}
	return fields
}
