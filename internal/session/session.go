// Package session provides the document session store: alias and identifier
// resolution, ordered fragment mutation, and group isolation. Backends
// (in-memory, Redis, Postgres) implement the same Store contract.
package session

import (
	"context"
	"errors"
	"regexp"
	"sort"
	"time"
)

var (
	// ErrNotFound covers both a missing session and a session owned by a
	// different group, so cross-group existence is never revealed.
	ErrNotFound = errors.New("session not found")
	// ErrAliasExists reports a live (group, alias) collision.
	ErrAliasExists = errors.New("alias already in use")
	// ErrInvalidAlias reports an alias failing the syntax rule.
	ErrInvalidAlias = errors.New("invalid alias")
	// ErrPositionNotFound reports an unresolvable fragment-instance
	// reference on insertion or removal.
	ErrPositionNotFound = errors.New("fragment position not found")
	// ErrInvalidPosition reports a malformed position expression.
	ErrInvalidPosition = errors.New("invalid position")
)

var aliasPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{3,64}$`)

// ValidAlias reports whether alias is 3-64 characters of letters, digits,
// hyphen or underscore.
func ValidAlias(alias string) bool {
	return aliasPattern.MatchString(alias)
}

// Session is one document assembly session. Group is immutable after
// creation; every mutation bumps UpdatedAt.
type Session struct {
	ID               string             `json:"sessionId"`
	Alias            string             `json:"alias"`
	Group            string             `json:"group"`
	TemplateID       string             `json:"templateId"`
	GlobalParameters map[string]any     `json:"globalParameters"`
	Fragments        []FragmentInstance `json:"fragments"`
	CreatedAt        time.Time          `json:"createdAt"`
	UpdatedAt        time.Time          `json:"updatedAt"`
}

// FragmentInstance is one placement of a fragment within a session's
// ordered content sequence.
type FragmentInstance struct {
	GUID       string         `json:"fragmentInstanceGuid"`
	FragmentID string         `json:"fragmentId"`
	Parameters map[string]any `json:"parameters"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// Summary is the listing view of a session.
type Summary struct {
	ID            string    `json:"sessionId"`
	Alias         string    `json:"alias"`
	Group         string    `json:"group"`
	TemplateID    string    `json:"templateId"`
	FragmentCount int       `json:"fragmentCount"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Store is the session storage contract. Alias syntax and registry checks
// happen in the service layer; stores own identifier generation, alias
// uniqueness under concurrency, ordered fragment mutation and the
// atomicity of create/abort across the session record and alias index.
type Store interface {
	// CreateSession allocates a session id, inserts the record and claims
	// the (group, alias) pair atomically. Fails ErrAliasExists on a live
	// collision.
	CreateSession(ctx context.Context, group, alias, templateID string) (Session, error)
	// AliasInUse reports whether (group, alias) is currently claimed.
	AliasInUse(ctx context.Context, group, alias string) (bool, error)
	// Resolve tries reference as a session id first (group must match),
	// then as an alias within group. Both misses fail ErrNotFound.
	Resolve(ctx context.Context, group, reference string) (string, error)
	// Get returns an independent copy of the session.
	Get(ctx context.Context, sessionID string) (Session, error)
	// SetGlobalParameters upserts into the session's parameter map.
	SetGlobalParameters(ctx context.Context, sessionID string, params map[string]any) (Session, error)
	// AddFragment validates nothing; it inserts the instance at pos and
	// allocates its guid atomically with respect to concurrent mutations
	// on the same session.
	AddFragment(ctx context.Context, sessionID, fragmentID string, params map[string]any, pos Position) (FragmentInstance, error)
	// RemoveFragment removes exactly one instance; ErrPositionNotFound if
	// no instance with that guid exists.
	RemoveFragment(ctx context.Context, sessionID, instanceGUID string) error
	// Abort deletes the session record and alias entry together.
	Abort(ctx context.Context, sessionID string) error
	// ListActive returns summaries for the group only.
	ListActive(ctx context.Context, group string) ([]Summary, error)
	Ping(ctx context.Context) error
	Close() error
}

func cloneParams(params map[string]any) map[string]any {
	if params == nil {
		return map[string]any{}
	}
	cloned := make(map[string]any, len(params))
	for k, v := range params {
		cloned[k] = v
	}
	return cloned
}

func cloneSession(rec Session) Session {
	cloned := rec
	cloned.GlobalParameters = cloneParams(rec.GlobalParameters)
	cloned.Fragments = make([]FragmentInstance, len(rec.Fragments))
	for i, frag := range rec.Fragments {
		cloned.Fragments[i] = frag
		cloned.Fragments[i].Parameters = cloneParams(frag.Parameters)
	}
	return cloned
}

func summarize(rec Session) Summary {
	return Summary{
		ID:            rec.ID,
		Alias:         rec.Alias,
		Group:         rec.Group,
		TemplateID:    rec.TemplateID,
		FragmentCount: len(rec.Fragments),
		CreatedAt:     rec.CreatedAt,
		UpdatedAt:     rec.UpdatedAt,
	}
}

func sortSummaries(items []Summary) {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
}

// insertFragment places instance into fragments per pos and returns the new
// slice, or ErrPositionNotFound when the anchor guid is absent.
func insertFragment(fragments []FragmentInstance, instance FragmentInstance, pos Position) ([]FragmentInstance, error) {
	switch pos.Kind {
	case PositionEnd:
		return append(fragments, instance), nil
	case PositionStart:
		return append([]FragmentInstance{instance}, fragments...), nil
	case PositionBefore, PositionAfter:
		for i, frag := range fragments {
			if frag.GUID != pos.GUID {
				continue
			}
			at := i
			if pos.Kind == PositionAfter {
				at = i + 1
			}
			out := make([]FragmentInstance, 0, len(fragments)+1)
			out = append(out, fragments[:at]...)
			out = append(out, instance)
			out = append(out, fragments[at:]...)
			return out, nil
		}
		return nil, ErrPositionNotFound
	default:
		return nil, ErrInvalidPosition
	}
}
