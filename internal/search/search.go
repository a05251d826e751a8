// Package search provides registry discovery: a Meilisearch index over
// template, fragment and style definitions with an in-memory snapshot scan
// as fallback.
package search

// ResultKind identifies the kind of registry entry in a search result.
type ResultKind string

const (
	KindTemplate ResultKind = "template"
	KindFragment ResultKind = "fragment"
	KindStyle    ResultKind = "style"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Kind        ResultKind `json:"kind"`
	Group       string     `json:"group"`
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
}

// Query describes a discovery request. Group is informational only: the
// registry is readable across groups, so results are not group-filtered
// unless FilterGroup is set.
type Query struct {
	Text        string
	FilterKind  ResultKind // empty = all kinds
	FilterGroup string
	Limit       int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Record is the denormalized registry entry pushed into the index.
type Record struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Group       string `json:"group"`
	ItemID      string `json:"itemId"`
	Name        string `json:"name"`
	Description string `json:"description"`
}
