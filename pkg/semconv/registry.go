// Package semconv loads the attribute conventions for test spans from the
// OpenTelemetry semantic convention YAML format and checks spans against them.
package semconv

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

type groupsFile struct {
	Groups []Group `yaml:"groups"`
}

// Registry holds indexed convention groups and attributes.
type Registry struct {
	groups     []Group
	byGroupID  map[string]*Group
	byAttrID   map[string]*Attribute
	bySpanKind map[string]*Group
	namespaces map[string]bool
}

// Load parses all YAML files from the given filesystem into a Registry.
// Files in directories named "deprecated" are skipped.
func Load(fsys fs.FS) (*Registry, error) {
	var allGroups []Group

	err := fs.WalkDir(fsys, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || containsDeprecated(path) {
			return nil
		}
		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}

		data, readErr := fs.ReadFile(fsys, path)
		if readErr != nil {
			return fmt.Errorf("reading %s: %w", path, readErr)
		}
		var gf groupsFile
		if parseErr := yaml.Unmarshal(data, &gf); parseErr != nil {
			return fmt.Errorf("parsing %s: %w", path, parseErr)
		}
		allGroups = append(allGroups, gf.Groups...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking conventions: %w", err)
	}

	return buildRegistry(allGroups), nil
}

// LoadEmbedded loads the built-in test conventions.
func LoadEmbedded() (*Registry, error) {
	sub, err := fs.Sub(modelFS, "model")
	if err != nil {
		return nil, fmt.Errorf("accessing embedded model: %w", err)
	}
	return Load(sub)
}

// LoadWith loads the built-in conventions and merges the YAML files under
// dir over them. An empty dir returns the built-in set.
func LoadWith(dir string) (*Registry, error) {
	reg, err := LoadEmbedded()
	if err != nil {
		return nil, err
	}
	if dir == "" {
		return reg, nil
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("reading conventions: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("reading conventions: %s is not a directory", dir)
	}
	user, err := Load(os.DirFS(dir))
	if err != nil {
		return nil, err
	}
	return reg.Merge(user), nil
}

// Group returns the group with the given ID, or nil if not found.
func (r *Registry) Group(id string) *Group {
	return r.byGroupID[id]
}

// Attribute returns the attribute definition with the given ID, or nil if not found.
func (r *Registry) Attribute(id string) *Attribute {
	return r.byAttrID[id]
}

// SpanGroup returns the span group for a span kind ("server", "internal"),
// or nil when no group describes that kind.
func (r *Registry) SpanGroup(kind string) *Group {
	return r.bySpanKind[kind]
}

func (r *Registry) Groups() []Group {
	return r.groups
}

// Merge combines two registries into a new one. Groups from other are appended
// after groups from r, so duplicate group IDs in other take precedence.
// Attribute references are re-resolved across the combined set.
func (r *Registry) Merge(other *Registry) *Registry {
	combined := make([]Group, 0, len(r.groups)+len(other.groups))
	for _, g := range slices.Concat(r.groups, other.groups) {
		g.Attributes = append([]Attribute(nil), g.Attributes...)
		combined = append(combined, g)
	}
	return buildRegistry(combined)
}

// Check returns the convention violations of one span. Attributes outside
// the registry's namespaces are not checked. The result is sorted.
func (r *Registry) Check(kind string, attrs map[string]any) []string {
	var problems []string
	for key, v := range attrs {
		ns, _, _ := strings.Cut(key, ".")
		if !r.namespaces[ns] {
			continue
		}
		def := r.byAttrID[key]
		if def == nil {
			problems = append(problems, fmt.Sprintf("%s: not a defined attribute", key))
			continue
		}
		if err := def.Accepts(v); err != nil {
			problems = append(problems, err.Error())
		}
	}
	if g := r.bySpanKind[kind]; g != nil {
		for _, a := range g.Attributes {
			if !a.RequirementLevel.Required() {
				continue
			}
			if _, ok := attrs[a.ID]; !ok {
				problems = append(problems, fmt.Sprintf("%s: required on %s spans", a.ID, kind))
			}
		}
	}
	slices.Sort(problems)
	return problems
}

// buildRegistry indexes groups and resolves attribute references.
func buildRegistry(groups []Group) *Registry {
	r := &Registry{
		groups:     groups,
		byGroupID:  make(map[string]*Group, len(groups)),
		byAttrID:   make(map[string]*Attribute, len(groups)*4),
		bySpanKind: make(map[string]*Group),
		namespaces: make(map[string]bool),
	}

	// Inline definitions first so refs can resolve regardless of file order.
	for i := range r.groups {
		g := &r.groups[i]
		r.byGroupID[g.ID] = g
		if g.Type == "span" && g.SpanKind != "" {
			r.bySpanKind[g.SpanKind] = g
		}
		for j := range g.Attributes {
			attr := &g.Attributes[j]
			if attr.ID != "" && attr.Ref == "" {
				r.byAttrID[attr.ID] = attr
				ns, _, _ := strings.Cut(attr.ID, ".")
				r.namespaces[ns] = true
			}
		}
	}

	for i := range r.groups {
		for j := range r.groups[i].Attributes {
			attr := &r.groups[i].Attributes[j]
			if attr.Ref != "" {
				resolveRef(attr, r.byAttrID)
			}
		}
	}

	return r
}

// resolveRef merges a ref attribute with its definition. Brief and Note from
// the ref win when set; RequirementLevel always comes from the ref.
func resolveRef(attr *Attribute, index map[string]*Attribute) {
	def, ok := index[attr.Ref]
	if !ok {
		attr.ID = attr.Ref
		return
	}

	attr.ID = def.ID
	attr.Type = def.Type
	attr.Stability = def.Stability
	attr.Examples = def.Examples
	if attr.Brief == "" {
		attr.Brief = def.Brief
	}
	if attr.Note == "" {
		attr.Note = def.Note
	}
}

func containsDeprecated(path string) bool {
	for part := range strings.SplitSeq(filepath.ToSlash(path), "/") {
		if part == "deprecated" {
			return true
		}
	}
	return false
}
