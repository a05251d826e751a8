// Package registry loads template, fragment and style definitions from a
// content repository and exposes them as an immutable snapshot.
package registry

// ParameterSchema describes one named parameter of a template or fragment.
// Immutable once loaded.
type ParameterSchema struct {
	Name        string `yaml:"name" json:"name"`
	Type        string `yaml:"type" json:"type"`
	Description string `yaml:"description" json:"description"`
	Required    bool   `yaml:"required" json:"required"`
	Default     any    `yaml:"default,omitempty" json:"default,omitempty"`
	Example     any    `yaml:"example,omitempty" json:"example,omitempty"`
}

// Parameter types accepted in definitions.
const (
	TypeString  = "string"
	TypeInteger = "integer"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
	TypeArray   = "array"
	TypeObject  = "object"
)

// FragmentDefinition is a reusable, parameterized content unit. Body holds
// the renderable template text (markdown with substitution placeholders).
type FragmentDefinition struct {
	FragmentID  string            `yaml:"fragment_id" json:"fragmentId"`
	Group       string            `yaml:"group" json:"group"`
	Name        string            `yaml:"name" json:"name"`
	Description string            `yaml:"description" json:"description"`
	Parameters  []ParameterSchema `yaml:"parameters" json:"parameters"`
	Body        string            `yaml:"body" json:"-"`

	// Extra carries unrecognized definition fields verbatim.
	Extra map[string]any `yaml:"-" json:"-"`
}

// TemplateDefinition describes a document template: global parameters plus
// the fragments usable within it. A fragments entry that only names a
// fragment_id is a reference to a standalone fragment definition in the
// same group; the loader resolves those at load time.
type TemplateDefinition struct {
	TemplateID  string               `yaml:"template_id" json:"templateId"`
	Group       string               `yaml:"group" json:"group"`
	Name        string               `yaml:"name" json:"name"`
	Description string               `yaml:"description" json:"description"`
	Parameters  []ParameterSchema    `yaml:"parameters" json:"parameters"`
	Fragments   []FragmentDefinition `yaml:"fragments" json:"fragments"`

	Extra map[string]any `yaml:"-" json:"-"`
}

// Fragment returns the fragment definition with the given id usable within
// this template, or nil.
func (t *TemplateDefinition) Fragment(fragmentID string) *FragmentDefinition {
	for i := range t.Fragments {
		if t.Fragments[i].FragmentID == fragmentID {
			return &t.Fragments[i]
		}
	}
	return nil
}

// StyleDefinition associates a stylesheet asset with a group-scoped id.
type StyleDefinition struct {
	StyleID     string `yaml:"style_id" json:"styleId"`
	Group       string `yaml:"group" json:"group"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
	Stylesheet  string `yaml:"stylesheet" json:"-"`

	Extra map[string]any `yaml:"-" json:"-"`
}
