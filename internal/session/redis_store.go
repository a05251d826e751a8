package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"docforge/api/internal/util"
)

const (
	redisSessionPrefix = "docforge:session:"
	redisAliasPrefix   = "docforge:alias:"
)

// RedisStore implements Store on Redis so sessions survive process
// restarts. Session records are JSON blobs; the alias index is a separate
// key claimed with SETNX so (group, alias) uniqueness holds under
// concurrent creates. Per-session mutations serialize through an in-process
// lock map: the store is written for a single API process in front of a
// shared Redis, which is the deployment shape this service targets.
type RedisStore struct {
	client *redis.Client

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

// NewRedisStore connects to redisURL and verifies the connection.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{client: client, locks: make(map[string]*sync.Mutex)}, nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, locks: make(map[string]*sync.Mutex)}
}

func sessionKey(sessionID string) string { return redisSessionPrefix + sessionID }

func redisAliasKey(group, alias string) string { return redisAliasPrefix + group + ":" + alias }

func (s *RedisStore) CreateSession(ctx context.Context, group, alias, templateID string) (Session, error) {
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

	claimed, err := s.client.SetNX(ctx, redisAliasKey(group, alias), rec.ID, 0).Result()
	if err != nil {
		return Session{}, fmt.Errorf("claim alias: %w", err)
	}
	if !claimed {
		return Session{}, ErrAliasExists
	}

	if err := s.save(ctx, rec); err != nil {
		// Roll back the alias claim so a failed create leaves no trace.
		_ = s.client.Del(ctx, redisAliasKey(group, alias)).Err()
		return Session{}, err
	}
	return rec, nil
}

func (s *RedisStore) AliasInUse(ctx context.Context, group, alias string) (bool, error) {
	count, err := s.client.Exists(ctx, redisAliasKey(group, alias)).Result()
	if err != nil {
		return false, fmt.Errorf("check alias: %w", err)
	}
	return count > 0, nil
}

func (s *RedisStore) Resolve(ctx context.Context, group, reference string) (string, error) {
	rec, err := s.load(ctx, reference)
	if err == nil && rec.Group == group {
		return reference, nil
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", err
	}

	id, err := s.client.Get(ctx, redisAliasKey(group, reference)).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolve alias: %w", err)
	}
	return id, nil
}

func (s *RedisStore) Get(ctx context.Context, sessionID string) (Session, error) {
	return s.load(ctx, sessionID)
}

func (s *RedisStore) SetGlobalParameters(ctx context.Context, sessionID string, params map[string]any) (Session, error) {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.load(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	for k, v := range params {
		rec.GlobalParameters[k] = v
	}
	rec.UpdatedAt = time.Now().UTC()
	if err := s.save(ctx, rec); err != nil {
		return Session{}, err
	}
	return rec, nil
}

func (s *RedisStore) AddFragment(ctx context.Context, sessionID, fragmentID string, params map[string]any, pos Position) (FragmentInstance, error) {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.load(ctx, sessionID)
	if err != nil {
		return FragmentInstance{}, err
	}

	instance := FragmentInstance{
		GUID:       util.NewID("frag"),
		FragmentID: fragmentID,
		Parameters: cloneParams(params),
		CreatedAt:  time.Now().UTC(),
	}
	updated, err := insertFragment(rec.Fragments, instance, pos)
	if err != nil {
		return FragmentInstance{}, err
	}
	rec.Fragments = updated
	rec.UpdatedAt = instance.CreatedAt
	if err := s.save(ctx, rec); err != nil {
		return FragmentInstance{}, err
	}
	return instance, nil
}

func (s *RedisStore) RemoveFragment(ctx context.Context, sessionID, instanceGUID string) error {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.load(ctx, sessionID)
	if err != nil {
		return err
	}
	for i, frag := range rec.Fragments {
		if frag.GUID != instanceGUID {
			continue
		}
		rec.Fragments = append(rec.Fragments[:i], rec.Fragments[i+1:]...)
		rec.UpdatedAt = time.Now().UTC()
		return s.save(ctx, rec)
	}
	return ErrPositionNotFound
}

func (s *RedisStore) Abort(ctx context.Context, sessionID string) error {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.load(ctx, sessionID)
	if err != nil {
		return err
	}

	// Session record and alias entry go in one round trip.
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, sessionKey(sessionID))
	pipe.Del(ctx, redisAliasKey(rec.Group, rec.Alias))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("abort session: %w", err)
	}
	return nil
}

func (s *RedisStore) ListActive(ctx context.Context, group string) ([]Summary, error) {
	summaries := make([]Summary, 0)
	iter := s.client.Scan(ctx, 0, redisSessionPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		raw, err := s.client.Get(ctx, iter.Val()).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		var rec Session
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal session: %w", err)
		}
		if rec.Group == group {
			summaries = append(summaries, summarize(rec))
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan sessions: %w", err)
	}
	sortSummaries(summaries)
	return summaries, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) load(ctx context.Context, sessionID string) (Session, error) {
	raw, err := s.client.Get(ctx, sessionKey(sessionID)).Result()
	if err == redis.Nil {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("load session: %w", err)
	}
	var rec Session
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Session{}, fmt.Errorf("unmarshal session: %w", err)
	}
	if rec.GlobalParameters == nil {
		rec.GlobalParameters = map[string]any{}
	}
	if rec.Fragments == nil {
		rec.Fragments = []FragmentInstance{}
	}
	return rec, nil
}

func (s *RedisStore) save(ctx context.Context, rec Session) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := s.client.Set(ctx, sessionKey(rec.ID), raw, 0).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *RedisStore) sessionLock(sessionID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[sessionID] = lock
	}
	return lock
}
