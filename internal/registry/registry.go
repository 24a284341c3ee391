// Package registry loads import template definitions — column bindings,
// validation rules, and apply targets — from plain YAML configuration.
// Templates are parsed and validated once at startup; the registry is
// read-only afterwards.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/viper"

	"github.com/avelacq/bulkstage/internal/domain"
)

// Registry maps template names to their static definitions.
type Registry struct {
	templates map[string]domain.Template
}

// Load reads every *.yaml file in dir as one template definition.
func Load(dir string) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read templates directory: %w", err)
	}

	reg := &Registry{templates: make(map[string]domain.Template)}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		template, err := loadTemplate(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("template %s: %w", entry.Name(), err)
		}
		if _, exists := reg.templates[template.Name]; exists {
			return nil, fmt.Errorf("template %s defined more than once", template.Name)
		}
		reg.templates[template.Name] = template
	}

	if len(reg.templates) == 0 {
		return nil, fmt.Errorf("no templates found in %s", dir)
	}
	return reg, nil
}

// New builds a registry from already-constructed templates. Used by tests
// and callers that assemble templates programmatically.
func New(templates ...domain.Template) (*Registry, error) {
	reg := &Registry{templates: make(map[string]domain.Template, len(templates))}
	for _, template := range templates {
		if err := template.Validate(); err != nil {
			return nil, err
		}
		if _, exists := reg.templates[template.Name]; exists {
			return nil, fmt.Errorf("template %s defined more than once", template.Name)
		}
		reg.templates[template.Name] = template
	}
	return reg, nil
}

// Get returns the template registered under name.
func (r *Registry) Get(name string) (domain.Template, error) {
	template, ok := r.templates[name]
	if !ok {
		return domain.Template{}, fmt.Errorf("unknown template %q", name)
	}
	return template, nil
}

// Names lists registered template names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.templates))
	for name := range r.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func loadTemplate(path string) (domain.Template, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return domain.Template{}, fmt.Errorf("read: %w", err)
	}

	var template domain.Template
	if err := v.Unmarshal(&template); err != nil {
		return domain.Template{}, fmt.Errorf("decode: %w", err)
	}
	if template.Name == "" {
		base := filepath.Base(path)
		template.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if len(template.Sheets) == 0 {
		template.Sheets = []string{""}
	}
	if template.HeaderRow <= 0 {
		template.HeaderRow = 1
	}
	if err := template.Validate(); err != nil {
		return domain.Template{}, err
	}
	return template, nil
}
