// Package templates loads YAML adapter presets.
//
// A template names an adapter kind, carries default options and declares the
// parameters a caller must supply to instantiate it. Each parameter fills the
// option named by its "option" field (or its own name):
//
//	name: qq-bot
//	kind: onebot
//	description: NapCat bot on the local machine
//	options:
//	  url: ws://127.0.0.1:3001
//	params:
//	  - name: token
//	    option: access_token
//	    required: true
//	    secret: true
package templates

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/renflow/runner/pkg/adapter"
)

// ─────────────────────────────────────────────────────────────────────────────
// Template schema
// ─────────────────────────────────────────────────────────────────────────────

// AdapterTemplate is the YAML schema for a reusable adapter preset.
type AdapterTemplate struct {
	Name        string         `yaml:"name" json:"name"`
	Description string         `yaml:"description" json:"description"`
	Kind        string         `yaml:"kind" json:"kind"`
	Options     map[string]any `yaml:"options" json:"-"`
	Params      []Param        `yaml:"params" json:"params"`

	// Set by the loader.
	SourceFile string `yaml:"-" json:"source_file,omitempty"`
}

// Param is one instantiation parameter.
type Param struct {
	Name        string `yaml:"name" json:"name"`
	Option      string `yaml:"option,omitempty" json:"option,omitempty"`
	Description string `yaml:"description" json:"description"`
	Required    bool   `yaml:"required" json:"required"`
	Default     string `yaml:"default,omitempty" json:"default,omitempty"`
	Secret      bool   `yaml:"secret,omitempty" json:"secret,omitempty"`
}

func (p Param) optionKey() string {
	if p.Option != "" {
		return p.Option
	}
	return p.Name
}

// ─────────────────────────────────────────────────────────────────────────────
// Registry
// ─────────────────────────────────────────────────────────────────────────────

// Registry is a thread-safe store of loaded templates.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]*AdapterTemplate
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{templates: make(map[string]*AdapterTemplate)}
}

// Load reads all *.yaml and *.yml files from dir and registers them.
// Errors in individual files don't abort loading.
func (r *Registry) Load(dir string) (int, []error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, []error{fmt.Errorf("read template dir %s: %w", dir, err)}
	}

	loaded := 0
	var errs []error
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !(strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")) {
			continue
		}
		tmpl, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			errs = append(errs, fmt.Errorf("load %s: %w", name, err))
			continue
		}
		r.Register(tmpl)
		loaded++
	}
	return loaded, errs
}

// LoadFile parses a single YAML template file.
func LoadFile(path string) (*AdapterTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	tmpl, err := Parse(data)
	if err != nil {
		return nil, err
	}
	tmpl.SourceFile = path
	return tmpl, nil
}

// Parse decodes one template.
func Parse(data []byte) (*AdapterTemplate, error) {
	var tmpl AdapterTemplate
	if err := yaml.Unmarshal(data, &tmpl); err != nil {
		return nil, fmt.Errorf("YAML parse error: %w", err)
	}
	if tmpl.Name == "" {
		return nil, fmt.Errorf("template has no 'name' field")
	}
	if tmpl.Kind == "" {
		return nil, fmt.Errorf("template '%s' has no 'kind' field", tmpl.Name)
	}
	return &tmpl, nil
}

// Register adds or replaces a template.
func (r *Registry) Register(tmpl *AdapterTemplate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[tmpl.Name] = tmpl
}

// Get retrieves a template by name.
func (r *Registry) Get(name string) (*AdapterTemplate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[name]
	return t, ok
}

// List returns all templates sorted by name.
func (r *Registry) List() []*AdapterTemplate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*AdapterTemplate, 0, len(r.templates))
	for _, t := range r.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ─────────────────────────────────────────────────────────────────────────────
// Instantiation
// ─────────────────────────────────────────────────────────────────────────────

// Missing returns the required params absent from params.
func (t *AdapterTemplate) Missing(params map[string]string) []string {
	var missing []string
	for _, p := range t.Params {
		if !p.Required {
			continue
		}
		if v, ok := params[p.Name]; !ok || strings.TrimSpace(v) == "" {
			missing = append(missing, p.Name)
		}
	}
	return missing
}

// Build returns adapter options: template options, then param defaults,
// then provided params. Unknown params are ignored.
func (t *AdapterTemplate) Build(params map[string]string) (adapter.Options, error) {
	if missing := t.Missing(params); len(missing) > 0 {
		return nil, fmt.Errorf("template %s: missing required params: %s", t.Name, strings.Join(missing, ", "))
	}
	opts := make(adapter.Options, len(t.Options)+len(t.Params))
	for k, v := range t.Options {
		opts[k] = v
	}
	for _, p := range t.Params {
		if v, ok := params[p.Name]; ok && v != "" {
			opts[p.optionKey()] = v
		} else if p.Default != "" {
			opts[p.optionKey()] = p.Default
		}
	}
	return opts, nil
}
