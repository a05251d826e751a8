package registry

import "sort"

// Snapshot is an immutable index of loaded definitions. It is built once by
// Load (or NewSnapshot in tests) and shared by reference across all readers;
// a reload produces a fresh Snapshot rather than mutating one in place.
type Snapshot struct {
	templates map[string]map[string]*TemplateDefinition
	fragments map[string]map[string]*FragmentDefinition
	styles    map[string]map[string]*StyleDefinition

	// styleOrder preserves walk order so the default style is stable.
	styleOrder []*StyleDefinition
}

// NewSnapshot builds a snapshot from already-constructed definitions. Style
// order follows the styles slice; the first entry becomes the default.
func NewSnapshot(templates []*TemplateDefinition, fragments []*FragmentDefinition, styles []*StyleDefinition) *Snapshot {
	s := &Snapshot{
		templates: make(map[string]map[string]*TemplateDefinition),
		fragments: make(map[string]map[string]*FragmentDefinition),
		styles:    make(map[string]map[string]*StyleDefinition),
	}
	for _, t := range templates {
		s.putTemplate(t)
	}
	for _, f := range fragments {
		s.putFragment(f)
	}
	for _, st := range styles {
		s.putStyle(st)
	}
	return s
}

func (s *Snapshot) putTemplate(t *TemplateDefinition) bool {
	group, ok := s.templates[t.Group]
	if !ok {
		group = make(map[string]*TemplateDefinition)
		s.templates[t.Group] = group
	}
	_, existed := group[t.TemplateID]
	group[t.TemplateID] = t
	return existed
}

func (s *Snapshot) putFragment(f *FragmentDefinition) bool {
	group, ok := s.fragments[f.Group]
	if !ok {
		group = make(map[string]*FragmentDefinition)
		s.fragments[f.Group] = group
	}
	_, existed := group[f.FragmentID]
	group[f.FragmentID] = f
	return existed
}

func (s *Snapshot) putStyle(st *StyleDefinition) bool {
	group, ok := s.styles[st.Group]
	if !ok {
		group = make(map[string]*StyleDefinition)
		s.styles[st.Group] = group
	}
	_, existed := group[st.StyleID]
	if existed {
		for i, prev := range s.styleOrder {
			if prev.Group == st.Group && prev.StyleID == st.StyleID {
				s.styleOrder[i] = st
				break
			}
		}
	} else {
		s.styleOrder = append(s.styleOrder, st)
	}
	group[st.StyleID] = st
	return existed
}

// Template looks up a template within a group.
func (s *Snapshot) Template(group, templateID string) *TemplateDefinition {
	return s.templates[group][templateID]
}

// TemplateAnyGroup returns the template with the given id if exactly one
// group defines it. Registry discovery is public, but ids are only unique
// within a group, so an ambiguous id resolves to nothing.
func (s *Snapshot) TemplateAnyGroup(templateID string) *TemplateDefinition {
	var found *TemplateDefinition
	for _, group := range s.templates {
		if t, ok := group[templateID]; ok {
			if found != nil {
				return nil
			}
			found = t
		}
	}
	return found
}

// Fragment looks up a standalone fragment definition within a group.
func (s *Snapshot) Fragment(group, fragmentID string) *FragmentDefinition {
	return s.fragments[group][fragmentID]
}

// Style looks up a style within a group.
func (s *Snapshot) Style(group, styleID string) *StyleDefinition {
	return s.styles[group][styleID]
}

// StyleAnyGroup resolves a style id across groups when it is unambiguous.
func (s *Snapshot) StyleAnyGroup(styleID string) *StyleDefinition {
	var found *StyleDefinition
	for _, group := range s.styles {
		if st, ok := group[styleID]; ok {
			if found != nil {
				return nil
			}
			found = st
		}
	}
	return found
}

// DefaultStyle returns the first style loaded, or nil when no styles exist.
func (s *Snapshot) DefaultStyle() *StyleDefinition {
	if len(s.styleOrder) == 0 {
		return nil
	}
	return s.styleOrder[0]
}

// Templates lists all templates sorted by group then id.
func (s *Snapshot) Templates() []*TemplateDefinition {
	var items []*TemplateDefinition
	for _, group := range s.templates {
		for _, t := range group {
			items = append(items, t)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Group != items[j].Group {
			return items[i].Group < items[j].Group
		}
		return items[i].TemplateID < items[j].TemplateID
	})
	return items
}

// Styles lists all styles sorted by group then id.
func (s *Snapshot) Styles() []*StyleDefinition {
	var items []*StyleDefinition
	for _, group := range s.styles {
		for _, st := range group {
			items = append(items, st)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Group != items[j].Group {
			return items[i].Group < items[j].Group
		}
		return items[i].StyleID < items[j].StyleID
	})
	return items
}

// Fragments lists all standalone fragments sorted by group then id.
func (s *Snapshot) Fragments() []*FragmentDefinition {
	var items []*FragmentDefinition
	for _, group := range s.fragments {
		for _, f := range group {
			items = append(items, f)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Group != items[j].Group {
			return items[i].Group < items[j].Group
		}
		return items[i].FragmentID < items[j].FragmentID
	})
	return items
}

// Groups lists every group that contributed at least one definition.
func (s *Snapshot) Groups() []string {
	seen := map[string]struct{}{}
	for g := range s.templates {
		seen[g] = struct{}{}
	}
	for g := range s.fragments {
		seen[g] = struct{}{}
	}
	for g := range s.styles {
		seen[g] = struct{}{}
	}
	groups := make([]string, 0, len(seen))
	for g := range seen {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	return groups
}
