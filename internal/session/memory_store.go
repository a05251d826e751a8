package session

import (
	"context"
	"sync"
	"time"

	"docforge/api/internal/util"
)

type aliasKey struct {
	group string
	alias string
}

type memorySession struct {
	mu      sync.Mutex
	aborted bool
	rec     Session
}

// MemoryStore is the in-process session store. The alias index is keyed by
// (group, alias) so group-scoped uniqueness is structural. The session map
// and alias index are only ever updated together under the store lock;
// per-session mutations take the session's own lock so sessions never block
// each other.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memorySession
	aliases  map[aliasKey]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*memorySession),
		aliases:  make(map[aliasKey]string),
	}
}

func (s *MemoryStore) CreateSession(ctx context.Context, group, alias, templateID string) (Session, error) {
	now := time.Now().UTC()
	rec := Session{
		ID:               util.NewID("sess"),
		Alias:            alias,
		Group:            group,
		TemplateID:       templateID,
		GlobalParameters: map[string]any{},
		Fragments:        []FragmentInstance{},
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := aliasKey{group: group, alias: alias}
	if _, taken := s.aliases[key]; taken {
		return Session{}, ErrAliasExists
	}
	s.sessions[rec.ID] = &memorySession{rec: rec}
	s.aliases[key] = rec.ID
	return cloneSession(rec), nil
}

func (s *MemoryStore) AliasInUse(ctx context.Context, group, alias string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, taken := s.aliases[aliasKey{group: group, alias: alias}]
	return taken, nil
}

func (s *MemoryStore) Resolve(ctx context.Context, group, reference string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if entry, ok := s.sessions[reference]; ok && entry.rec.Group == group {
		return reference, nil
	}
	if id, ok := s.aliases[aliasKey{group: group, alias: reference}]; ok {
		return id, nil
	}
	return "", ErrNotFound
}

func (s *MemoryStore) Get(ctx context.Context, sessionID string) (Session, error) {
	entry, err := s.entry(sessionID)
	if err != nil {
		return Session{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.aborted {
		return Session{}, ErrNotFound
	}
	return cloneSession(entry.rec), nil
}

func (s *MemoryStore) SetGlobalParameters(ctx context.Context, sessionID string, params map[string]any) (Session, error) {
	entry, err := s.entry(sessionID)
	if err != nil {
		return Session{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.aborted {
		return Session{}, ErrNotFound
	}
	for k, v := range params {
		entry.rec.GlobalParameters[k] = v
	}
	entry.rec.UpdatedAt = time.Now().UTC()
	return cloneSession(entry.rec), nil
}

func (s *MemoryStore) AddFragment(ctx context.Context, sessionID, fragmentID string, params map[string]any, pos Position) (FragmentInstance, error) {
	entry, err := s.entry(sessionID)
	if err != nil {
		return FragmentInstance{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.aborted {
		return FragmentInstance{}, ErrNotFound
	}

	instance := FragmentInstance{
		GUID:       util.NewID("frag"),
		FragmentID: fragmentID,
		Parameters: cloneParams(params),
		CreatedAt:  time.Now().UTC(),
	}
	updated, err := insertFragment(entry.rec.Fragments, instance, pos)
	if err != nil {
		return FragmentInstance{}, err
	}
	entry.rec.Fragments = updated
	entry.rec.UpdatedAt = instance.CreatedAt
	return instance, nil
}

func (s *MemoryStore) RemoveFragment(ctx context.Context, sessionID, instanceGUID string) error {
	entry, err := s.entry(sessionID)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.aborted {
		return ErrNotFound
	}
	for i, frag := range entry.rec.Fragments {
		if frag.GUID != instanceGUID {
			continue
		}
		entry.rec.Fragments = append(entry.rec.Fragments[:i], entry.rec.Fragments[i+1:]...)
		entry.rec.UpdatedAt = time.Now().UTC()
		return nil
	}
	return ErrPositionNotFound
}

func (s *MemoryStore) Abort(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	entry, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	delete(s.sessions, sessionID)
	delete(s.aliases, aliasKey{group: entry.rec.Group, alias: entry.rec.Alias})
	s.mu.Unlock()

	entry.mu.Lock()
	entry.aborted = true
	entry.mu.Unlock()
	return nil
}

func (s *MemoryStore) ListActive(ctx context.Context, group string) ([]Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	summaries := make([]Summary, 0)
	for _, entry := range s.sessions {
		entry.mu.Lock()
		if !entry.aborted && entry.rec.Group == group {
			summaries = append(summaries, summarize(entry.rec))
		}
		entry.mu.Unlock()
	}
	sortSummaries(summaries)
	return summaries, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) entry(sessionID string) (*memorySession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return entry, nil
}
