package domain

import (
	"fmt"
	"strings"
)

// FieldType enumerates the target types a column can be bound to.
type FieldType string

const (
	FieldTypeString    FieldType = "string"
	FieldTypeInteger   FieldType = "integer"
	FieldTypeFloat     FieldType = "float"
	FieldTypeBoolean   FieldType = "boolean"
	FieldTypeTimestamp FieldType = "timestamp"
)

// FieldDescriptor binds one external spreadsheet column to a typed record
// field. Descriptors are built once at startup from configuration and never
// mutated during processing.
type FieldDescriptor struct {
	Column   string    `json:"column" mapstructure:"column"`
	Name     string    `json:"name" mapstructure:"name"`
	Position int       `json:"position" mapstructure:"position"`
	Type     FieldType `json:"type" mapstructure:"type"`
	Required bool      `json:"required" mapstructure:"required"`
	Format   string    `json:"format,omitempty" mapstructure:"format"`
	Enum     []string  `json:"enum,omitempty" mapstructure:"enum"`
}

// ReferenceRule validates a field against an authoritative table column.
type ReferenceRule struct {
	Field  string `json:"field" mapstructure:"field"`
	Table  string `json:"table" mapstructure:"table"`
	Column string `json:"column" mapstructure:"column"`
}

// LookupTarget is a reference table populated from distinct staged values
// before the dependent detail table is loaded.
type LookupTarget struct {
	Table       string `json:"table" mapstructure:"table"`
	Column      string `json:"column" mapstructure:"column"`
	SourceField string `json:"source_field" mapstructure:"source_field"`
}

// ApplyTarget describes where validated rows land permanently.
type ApplyTarget struct {
	Table      string            `json:"table" mapstructure:"table"`
	Columns    map[string]string `json:"columns" mapstructure:"columns"`
	KeyColumns []string          `json:"key_columns" mapstructure:"key_columns"`
	Lookups    []LookupTarget    `json:"lookups" mapstructure:"lookups"`
}

// Template is the full import definition for one spreadsheet layout:
// column bindings, validation rules, and the apply target.
type Template struct {
	Name        string            `json:"name" mapstructure:"name"`
	Sheets      []string          `json:"sheets" mapstructure:"sheets"`
	HeaderRow   int               `json:"header_row" mapstructure:"header_row"`
	Fields      []FieldDescriptor `json:"fields" mapstructure:"fields"`
	BusinessKey []string          `json:"business_key" mapstructure:"business_key"`
	References  []ReferenceRule   `json:"references" mapstructure:"references"`
	UniqueIn    *ReferenceRule    `json:"unique_in,omitempty" mapstructure:"unique_in"`
	Target      ApplyTarget       `json:"target" mapstructure:"target"`
}

// FieldByColumn returns the descriptor bound to an external column name.
func (t Template) FieldByColumn(column string) (FieldDescriptor, bool) {
	column = strings.TrimSpace(column)
	for _, f := range t.Fields {
		if strings.EqualFold(f.Column, column) {
			return f, true
		}
	}
	return FieldDescriptor{}, false
}

// FieldByName returns the descriptor for an internal field name.
func (t Template) FieldByName(name string) (FieldDescriptor, bool) {
	for _, f := range t.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldDescriptor{}, false
}

// Validate checks the template for construction-time mistakes so a broken
// definition fails at startup, not mid-job.
func (t Template) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("template name is required")
	}
	if len(t.Fields) == 0 {
		return fmt.Errorf("template %s declares no fields", t.Name)
	}
	seen := make(map[string]bool, len(t.Fields))
	for _, f := range t.Fields {
		if strings.TrimSpace(f.Name) == "" {
			return fmt.Errorf("template %s: field bound to column %q has no name", t.Name, f.Column)
		}
		if seen[f.Name] {
			return fmt.Errorf("template %s: duplicate field %s", t.Name, f.Name)
		}
		seen[f.Name] = true
		switch f.Type {
		case FieldTypeString, FieldTypeInteger, FieldTypeFloat, FieldTypeBoolean, FieldTypeTimestamp:
		case "":
			return fmt.Errorf("template %s: field %s has no type", t.Name, f.Name)
		default:
			return fmt.Errorf("template %s: field %s has unknown type %q", t.Name, f.Name, f.Type)
		}
	}
	for _, key := range t.BusinessKey {
		if !seen[key] {
			return fmt.Errorf("template %s: business key %s is not a declared field", t.Name, key)
		}
	}
	for _, ref := range t.References {
		if !seen[ref.Field] {
			return fmt.Errorf("template %s: reference rule targets unknown field %s", t.Name, ref.Field)
		}
		if ref.Table == "" || ref.Column == "" {
			return fmt.Errorf("template %s: reference rule for %s needs table and column", t.Name, ref.Field)
		}
	}
	if t.Target.Table != "" {
		for field := range t.Target.Columns {
			if !seen[field] {
				return fmt.Errorf("template %s: target maps unknown field %s", t.Name, field)
			}
		}
		for _, lookup := range t.Target.Lookups {
			if !seen[lookup.SourceField] {
				return fmt.Errorf("template %s: lookup %s sources unknown field %s", t.Name, lookup.Table, lookup.SourceField)
			}
		}
	}
	return nil
}
