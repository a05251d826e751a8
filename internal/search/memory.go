package search

import (
	"sort"
	"strings"

	"docforge/api/internal/registry"
)

// scanSnapshot is the fallback searcher: a case-insensitive substring match
// over id, name and description of every definition in the snapshot.
func scanSnapshot(snap *registry.Snapshot, q Query) ([]Result, int) {
	needle := strings.ToLower(strings.TrimSpace(q.Text))
	results := make([]Result, 0)

	add := func(kind ResultKind, group, id, name, description string) {
		if q.FilterKind != "" && q.FilterKind != kind {
			return
		}
		if q.FilterGroup != "" && q.FilterGroup != group {
			return
		}
		if needle != "" && !matches(needle, id, name, description) {
			return
		}
		results = append(results, Result{Kind: kind, Group: group, ID: id, Name: name, Description: description})
	}

	for _, tmpl := range snap.Templates() {
		add(KindTemplate, tmpl.Group, tmpl.TemplateID, tmpl.Name, tmpl.Description)
	}
	for _, frag := range snap.Fragments() {
		add(KindFragment, frag.Group, frag.FragmentID, frag.Name, frag.Description)
	}
	for _, style := range snap.Styles() {
		add(KindStyle, style.Group, style.StyleID, style.Name, style.Description)
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Group != results[j].Group {
			return results[i].Group < results[j].Group
		}
		return results[i].ID < results[j].ID
	})

	total := len(results)
	limit := q.Limit
	if limit == 0 {
		limit = 20
	}
	if len(results) > limit {
		results = results[:limit]
	}
	return results, total
}

func matches(needle string, fields ...string) bool {
	for _, field := range fields {
		if strings.Contains(strings.ToLower(field), needle) {
			return true
		}
	}
	return false
}
