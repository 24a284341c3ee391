package registry

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/avelacq/bulkstage/internal/domain"
)

const sampleTemplate = `
name: equipment
sheets:
  - Equipment
header_row: 1
fields:
  - column: "Tag"
    name: tag
    position: 1
    type: string
    required: true
  - column: "Capacity"
    name: capacity
    position: 2
    type: float
business_key:
  - tag
target:
  table: equipment
  columns:
    tag: tag
    capacity: capacity
  key_columns:
    - tag
`

func TestLoadParsesTemplateDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "equipment.yaml"), []byte(sampleTemplate), 0o644); err != nil {
		t.Fatalf("write template: %v", err)
	}

	reg, err := Load(dir)
	if err != nil {
		t.Fatalf("load returned error: %v", err)
	}

	template, err := reg.Get("equipment")
	if err != nil {
		t.Fatalf("get returned error: %v", err)
	}
	if len(template.Fields) != 2 || template.Fields[0].Name != "tag" {
		t.Fatalf("unexpected fields: %+v", template.Fields)
	}
	if !template.Fields[0].Required {
		t.Fatalf("tag should be required")
	}
	if template.Target.Columns["capacity"] != "capacity" {
		t.Fatalf("unexpected target columns: %+v", template.Target.Columns)
	}
	if got := reg.Names(); len(got) != 1 || got[0] != "equipment" {
		t.Fatalf("unexpected names: %v", got)
	}
}

func TestLoadRejectsEmptyDirectory(t *testing.T) {
	if _, err := Load(t.TempDir()); err == nil {
		t.Fatalf("expected error for empty directory")
	}
}

func TestLoadRejectsBrokenTemplate(t *testing.T) {
	dir := t.TempDir()
	broken := strings.Replace(sampleTemplate, "type: float", "type: decimal", 1)
	if err := os.WriteFile(filepath.Join(dir, "equipment.yaml"), []byte(broken), 0o644); err != nil {
		t.Fatalf("write template: %v", err)
	}
	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "unknown type") {
		t.Fatalf("expected unknown type error, got %v", err)
	}
}

func TestNewRejectsDuplicateNames(t *testing.T) {
	template := domain.Template{
		Name:   "equipment",
		Fields: []domain.FieldDescriptor{{Column: "Tag", Name: "tag", Type: domain.FieldTypeString}},
	}
	if _, err := New(template, template); err == nil {
		t.Fatalf("expected duplicate template error")
	}
}

func TestTemplateValidateRejectsUnknownBusinessKey(t *testing.T) {
	template := domain.Template{
		Name:        "equipment",
		Fields:      []domain.FieldDescriptor{{Column: "Tag", Name: "tag", Type: domain.FieldTypeString}},
		BusinessKey: []string{"serial"},
	}
	if _, err := New(template); err == nil {
		t.Fatalf("expected unknown business key to be rejected")
	}
}
