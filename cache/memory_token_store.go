// Package cache provides the in-memory store implementations used by the
// default storage backend and by tests. Records live in a TTL cache so
// expired entries age out even between janitor runs.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/arch-faustocorrea/atlassian-oauth-proxy-v1/domain"
	autherrors "github.com/arch-faustocorrea/atlassian-oauth-proxy-v1/errors"
)

// MemoryTokenStore keeps token records in process memory. The cache is keyed
// by record ID; a secondary index maps token hashes to IDs. All mutations are
// serialized by a single mutex so the compare-and-swap operations are atomic.
type MemoryTokenStore struct {
	mu        sync.Mutex
	cache     *ttlcache.Cache[string, *domain.TokenRecord]
	hashIndex map[string]string
	// retention keeps expired records resolvable for a grace period so
	// validation can report "expired" rather than "not found".
	retention time.Duration
}

var _ domain.TokenStore = (*MemoryTokenStore)(nil)

// NewMemoryTokenStore creates a store whose records age out retention after
// their expiry. Call Close when done to stop the eviction goroutine.
func NewMemoryTokenStore(retention time.Duration) *MemoryTokenStore {
	s := &MemoryTokenStore{
		cache: ttlcache.New[string, *domain.TokenRecord](
			ttlcache.WithDisableTouchOnHit[string, *domain.TokenRecord](),
		),
		hashIndex: make(map[string]string),
		retention: retention,
	}
	s.cache.OnEviction(func(_ context.Context, _ ttlcache.EvictionReason, item *ttlcache.Item[string, *domain.TokenRecord]) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if id, ok := s.hashIndex[item.Value().TokenHash]; ok && id == item.Key() {
			delete(s.hashIndex, item.Value().TokenHash)
		}
	})
	go s.cache.Start()
	return s
}

// Close stops the background eviction loop.
func (s *MemoryTokenStore) Close() {
	s.cache.Stop()
}

func (s *MemoryTokenStore) ttlFor(rec *domain.TokenRecord) time.Duration {
	ttl := time.Until(rec.ExpiresAt) + s.retention
	if ttl <= 0 {
		ttl = time.Minute
	}
	return ttl
}

func (s *MemoryTokenStore) Store(_ context.Context, rec *domain.TokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.cache.Set(cp.ID, &cp, s.ttlFor(&cp))
	s.hashIndex[cp.TokenHash] = cp.ID
	return nil
}

func (s *MemoryTokenStore) get(id string) (*domain.TokenRecord, bool) {
	item := s.cache.Get(id)
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

func (s *MemoryTokenStore) GetByID(_ context.Context, id string) (*domain.TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.get(id)
	if !ok {
		return nil, autherrors.ErrTokenNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryTokenStore) GetByValue(_ context.Context, raw string) (*domain.TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.hashIndex[domain.HashToken(raw)]
	if !ok {
		return nil, autherrors.ErrTokenNotFound
	}
	rec, ok := s.get(id)
	if !ok {
		return nil, autherrors.ErrTokenNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryTokenStore) Revoke(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.get(id)
	if !ok || rec.Revoked {
		return false, nil
	}
	rec.Revoked = true
	return true, nil
}

func (s *MemoryTokenStore) RevokeAllForUser(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, item := range s.cache.Items() {
		rec := item.Value()
		if rec.UserID == userID && !rec.Revoked {
			rec.Revoked = true
			n++
		}
	}
	return n, nil
}

func (s *MemoryTokenStore) RevokeGrantAccessTokens(_ context.Context, grantID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, item := range s.cache.Items() {
		rec := item.Value()
		if rec.GrantID == grantID && rec.TokenType == domain.TokenTypeAccess && !rec.Revoked {
			rec.Revoked = true
			n++
		}
	}
	return n, nil
}

func (s *MemoryTokenStore) RevokeGrant(_ context.Context, grantID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, item := range s.cache.Items() {
		rec := item.Value()
		if rec.GrantID == grantID && !rec.Revoked {
			rec.Revoked = true
			n++
		}
	}
	return n, nil
}

func (s *MemoryTokenStore) BumpGeneration(_ context.Context, id string, expected int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.get(id)
	if !ok {
		return autherrors.ErrTokenNotFound
	}
	if rec.Generation != expected {
		return autherrors.ErrRefreshConflict
	}
	rec.Generation++
	return nil
}

func (s *MemoryTokenStore) TouchLastUsed(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.get(id); ok {
		rec.LastUsed = at
	}
	return nil
}

func (s *MemoryTokenStore) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	var stale []string
	for _, item := range s.cache.Items() {
		if item.Value().ExpiresAt.Before(before) {
			stale = append(stale, item.Key())
		}
	}
	s.mu.Unlock()
	// Delete outside the lock: eviction callbacks take the mutex themselves.
	for _, id := range stale {
		s.cache.Delete(id)
	}
	return int64(len(stale)), nil
}
