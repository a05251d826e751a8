package search

import (
	"log"

	"docforge/api/internal/registry"
)

// Service is the discovery facade: Meilisearch when configured and healthy,
// snapshot scan otherwise. The snapshot provider always reflects the
// current registry, so the fallback never serves stale definitions.
type Service struct {
	meili    *Meili
	snapshot func() *registry.Snapshot
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured.
func NewService(meili *Meili, snapshot func() *registry.Snapshot) *Service {
	return &Service{meili: meili, snapshot: snapshot}
}

// Search tries Meilisearch if healthy, otherwise scans the snapshot.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to snapshot scan: %v", err)
	}

	results, total := scanSnapshot(s.snapshot(), q)
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexSnapshot replaces the index contents with the given snapshot. Called
// at bootstrap and after every registry reload; a no-op without a healthy
// Meilisearch since the fallback scan reads the snapshot directly.
func (s *Service) IndexSnapshot(snap *registry.Snapshot) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}

	records := SnapshotRecords(snap)
	go func() {
		if err := s.meili.DeleteAll(); err != nil {
			log.Printf("search: clear index: %v", err)
			return
		}
		if err := s.meili.IndexRecords(records); err != nil {
			log.Printf("search: index registry: %v", err)
		}
	}()
}

// SnapshotRecords denormalizes every definition in the snapshot into index
// records.
func SnapshotRecords(snap *registry.Snapshot) []Record {
	records := make([]Record, 0)
	for _, tmpl := range snap.Templates() {
		records = append(records, Record{
			ID:          RecordID(KindTemplate, tmpl.Group, tmpl.TemplateID),
			Kind:        string(KindTemplate),
			Group:       tmpl.Group,
			ItemID:      tmpl.TemplateID,
			Name:        tmpl.Name,
			Description: tmpl.Description,
		})
	}
	for _, frag := range snap.Fragments() {
		records = append(records, Record{
			ID:          RecordID(KindFragment, frag.Group, frag.FragmentID),
			Kind:        string(KindFragment),
			Group:       frag.Group,
			ItemID:      frag.FragmentID,
			Name:        frag.Name,
			Description: frag.Description,
		})
	}
	for _, style := range snap.Styles() {
		records = append(records, Record{
			ID:          RecordID(KindStyle, style.Group, style.StyleID),
			Kind:        string(KindStyle),
			Group:       style.Group,
			ItemID:      style.StyleID,
			Name:        style.Name,
			Description: style.Description,
		})
	}
	return records
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
