package registry

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrGroupMismatch marks a definition whose declared group differs from the
// directory it was discovered under. The item is excluded from the index;
// the rest of the load continues.
var ErrGroupMismatch = errors.New("registry: declared group does not match directory group")

// Definition file names recognized inside an item directory.
const (
	templateFile = "template"
	fragmentFile = "fragment"
	styleFile    = "style"
)

// ItemError records a single definition that failed to load.
type ItemError struct {
	Group  string
	ItemID string
	Path   string
	Reason string
}

// LoadReport summarizes a load: what was indexed and what was skipped.
type LoadReport struct {
	Groups     []string
	Templates  int
	Fragments  int
	Styles     int
	Skipped    []ItemError // parse failures
	Mismatches []ItemError // group-mismatch exclusions
	Duplicates []string    // "group/id" pairs where a later definition won
}

// Load walks root/<group>/<item_id>/{template|fragment|style}.{yaml,yml} and
// builds a snapshot. When groups is empty, every top-level directory not
// prefixed with "_" or "." is treated as a group. Parse failures and group
// mismatches skip the single item; duplicates within a group are
// last-loaded-wins with a recorded warning.
func Load(root string, groups []string) (*Snapshot, *LoadReport, error) {
	if len(groups) == 0 {
		discovered, err := discoverGroups(root)
		if err != nil {
			return nil, nil, err
		}
		groups = discovered
	}
	sort.Strings(groups)

	snap := &Snapshot{
		templates: make(map[string]map[string]*TemplateDefinition),
		fragments: make(map[string]map[string]*FragmentDefinition),
		styles:    make(map[string]map[string]*StyleDefinition),
	}
	report := &LoadReport{Groups: groups}

	for _, group := range groups {
		if err := loadGroup(root, group, snap, report); err != nil {
			return nil, nil, err
		}
	}

	resolveTemplateFragmentRefs(snap)

	for _, item := range report.Skipped {
		log.Printf("registry: skipped %s: %s", item.Path, item.Reason)
	}
	for _, item := range report.Mismatches {
		log.Printf("registry: group mismatch, excluded %s: %s", item.Path, item.Reason)
	}
	for _, dup := range report.Duplicates {
		log.Printf("registry: duplicate definition %s, later one wins", dup)
	}
	return snap, report, nil
}

func discoverGroups(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read content root: %w", err)
	}
	var groups []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".") {
			continue
		}
		groups = append(groups, name)
	}
	return groups, nil
}

func loadGroup(root, group string, snap *Snapshot, report *LoadReport) error {
	groupDir := filepath.Join(root, group)
	entries, err := os.ReadDir(groupDir)
	if err != nil {
		return fmt.Errorf("read group %s: %w", group, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		itemID := entry.Name()
		itemDir := filepath.Join(groupDir, itemID)
		for _, kind := range []string{templateFile, fragmentFile, styleFile} {
			path, ok := definitionPath(itemDir, kind)
			if !ok {
				continue
			}
			if err := loadDefinition(path, kind, group, itemID, snap, report); err != nil {
				return err
			}
		}
	}
	return nil
}

func definitionPath(itemDir, kind string) (string, bool) {
	for _, ext := range []string{".yaml", ".yml"} {
		path := filepath.Join(itemDir, kind+ext)
		if _, err := os.Stat(path); err == nil {
			return path, true
		}
	}
	return "", false
}

func loadDefinition(path, kind, group, itemID string, snap *Snapshot, report *LoadReport) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read definition %s: %w", path, err)
	}

	switch kind {
	case templateFile:
		var def TemplateDefinition
		if skip := decodeInto(raw, &def, path, group, itemID, report); skip {
			return nil
		}
		def.Extra = extraFields(raw, "template_id", "group", "name", "description", "parameters", "fragments")
		if mismatch(def.Group, group, path, itemID, report) {
			return nil
		}
		if snap.putTemplate(&def) {
			report.Duplicates = append(report.Duplicates, group+"/"+def.TemplateID)
		}
		report.Templates++
	case fragmentFile:
		var def FragmentDefinition
		if skip := decodeInto(raw, &def, path, group, itemID, report); skip {
			return nil
		}
		def.Extra = extraFields(raw, "fragment_id", "group", "name", "description", "parameters", "body")
		if mismatch(def.Group, group, path, itemID, report) {
			return nil
		}
		if snap.putFragment(&def) {
			report.Duplicates = append(report.Duplicates, group+"/"+def.FragmentID)
		}
		report.Fragments++
	case styleFile:
		var def StyleDefinition
		if skip := decodeInto(raw, &def, path, group, itemID, report); skip {
			return nil
		}
		def.Extra = extraFields(raw, "style_id", "group", "name", "description", "stylesheet")
		if mismatch(def.Group, group, path, itemID, report) {
			return nil
		}
		if def.Stylesheet == "" {
			// A stylesheet may live next to the definition as style.css.
			cssPath := filepath.Join(filepath.Dir(path), "style.css")
			if css, err := os.ReadFile(cssPath); err == nil {
				def.Stylesheet = string(css)
			}
		}
		if snap.putStyle(&def) {
			report.Duplicates = append(report.Duplicates, group+"/"+def.StyleID)
		}
		report.Styles++
	}
	return nil
}

// decodeInto parses raw YAML into target. Returns true when the item should
// be skipped (recorded in the report), keeping the load partial-failure
// tolerant.
func decodeInto(raw []byte, target any, path, group, itemID string, report *LoadReport) bool {
	if err := yaml.Unmarshal(raw, target); err != nil {
		report.Skipped = append(report.Skipped, ItemError{
			Group:  group,
			ItemID: itemID,
			Path:   path,
			Reason: err.Error(),
		})
		return true
	}
	return false
}

func mismatch(declared, directory, path, itemID string, report *LoadReport) bool {
	if declared == directory {
		return false
	}
	report.Mismatches = append(report.Mismatches, ItemError{
		Group:  directory,
		ItemID: itemID,
		Path:   path,
		Reason: fmt.Sprintf("%v: declared %q, directory %q", ErrGroupMismatch, declared, directory),
	})
	return true
}

// extraFields re-parses the document as a generic map and returns everything
// outside the known keys, so arbitrary definition metadata survives loading
// without relying on dynamic attribute access.
func extraFields(raw []byte, known ...string) map[string]any {
	var all map[string]any
	if err := yaml.Unmarshal(raw, &all); err != nil {
		return nil
	}
	for _, key := range known {
		delete(all, key)
	}
	if len(all) == 0 {
		return nil
	}
	return all
}

// resolveTemplateFragmentRefs replaces template fragment entries that only
// name a fragment_id with the standalone definition from the same group.
func resolveTemplateFragmentRefs(snap *Snapshot) {
	for group, templates := range snap.templates {
		for _, tmpl := range templates {
			for i := range tmpl.Fragments {
				frag := &tmpl.Fragments[i]
				if frag.Body != "" || len(frag.Parameters) > 0 {
					continue
				}
				if standalone := snap.Fragment(group, frag.FragmentID); standalone != nil {
					tmpl.Fragments[i] = *standalone
				}
			}
		}
	}
}
