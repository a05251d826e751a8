// Package proxy stores rendered artifacts for later pickup. Artifacts are
// group-owned: a lookup from any other group reports not found rather than
// revealing the artifact exists.
package proxy

import (
	"context"
	"errors"
	"sync"
	"time"

	"docforge/api/internal/util"
)

// ErrNotFound covers both a missing artifact and an artifact owned by a
// different group.
var ErrNotFound = errors.New("artifact not found")

// Artifact is one stored render output.
type Artifact struct {
	GUID      string
	Group     string
	Format    string
	MimeType  string
	Filename  string
	Content   []byte
	CreatedAt time.Time
}

// Store is the artifact storage contract.
type Store interface {
	// Put stores the artifact and returns its guid.
	Put(ctx context.Context, artifact Artifact) (string, error)
	// Get returns the artifact only when callerGroup owns it.
	Get(ctx context.Context, guid, callerGroup string) (Artifact, error)
}

// MemoryStore is the in-process artifact store used when no object storage
// is configured.
type MemoryStore struct {
	mu        sync.RWMutex
	artifacts map[string]Artifact
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{artifacts: make(map[string]Artifact)}
}

func (s *MemoryStore) Put(ctx context.Context, artifact Artifact) (string, error) {
	artifact.GUID = util.NewID("pxy")
	artifact.CreatedAt = time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts[artifact.GUID] = artifact
	return artifact.GUID, nil
}

func (s *MemoryStore) Get(ctx context.Context, guid, callerGroup string) (Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	artifact, ok := s.artifacts[guid]
	if !ok || artifact.Group != callerGroup {
		return Artifact{}, ErrNotFound
	}
	return artifact, nil
}
