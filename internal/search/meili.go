package search

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const idxRegistry = "docforge_registry"

// Meili pushes registry definitions into a Meilisearch index and serves
// discovery queries from it.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the registry index.
// The caller should proceed with the fallback scan when the instance is
// unreachable; the health loop picks it up if it comes back.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxRegistry,
		PrimaryKey: "id",
	}); err != nil {
		log.Printf("search: create index %s (may already exist): %v", idxRegistry, err)
	}

	index := m.client.Index(idxRegistry)
	filterable := []interface{}{"kind", "group"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		log.Printf("search: update filterable attrs for %s: %v", idxRegistry, err)
	}
	searchable := []string{"itemId", "name", "description"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		log.Printf("search: update searchable attrs for %s: %v", idxRegistry, err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("search: meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries the registry index.
func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}

	sr := &meili.SearchRequest{
		Limit: limit,
	}
	var filters []string
	if q.FilterKind != "" {
		filters = append(filters, fmt.Sprintf("kind = %q", string(q.FilterKind)))
	}
	if q.FilterGroup != "" {
		filters = append(filters, fmt.Sprintf("group = %q", q.FilterGroup))
	}
	if len(filters) > 0 {
		sr.Filter = filters
	}

	resp, err := m.client.Index(idxRegistry).SearchRaw(q.Text, sr)
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	var parsed struct {
		Hits               []Record `json:"hits"`
		EstimatedTotalHits int      `json:"estimatedTotalHits"`
	}
	if err := json.Unmarshal(*resp, &parsed); err != nil {
		return nil, 0, fmt.Errorf("decode meilisearch response: %w", err)
	}

	results := make([]Result, 0, len(parsed.Hits))
	for _, hit := range parsed.Hits {
		results = append(results, Result{
			Kind:        ResultKind(hit.Kind),
			Group:       hit.Group,
			ID:          hit.ItemID,
			Name:        hit.Name,
			Description: hit.Description,
		})
	}
	return results, parsed.EstimatedTotalHits, nil
}

// IndexRecords bulk-indexes registry records, replacing previous versions
// of the same id.
func (m *Meili) IndexRecords(records []Record) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxRegistry).AddDocuments(records, nil)
	return err
}

// DeleteAll clears the registry index before a full reindex.
func (m *Meili) DeleteAll() error {
	_, err := m.client.Index(idxRegistry).DeleteAllDocuments(nil)
	return err
}

// RecordID builds the stable index id for a definition. Meilisearch ids
// allow only alphanumerics, hyphen and underscore.
func RecordID(kind ResultKind, group, itemID string) string {
	sanitize := func(s string) string {
		var b strings.Builder
		for _, r := range s {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
				b.WriteRune(r)
			default:
				b.WriteRune('-')
			}
		}
		return b.String()
	}
	return string(kind) + "__" + sanitize(group) + "__" + sanitize(itemID)
}
