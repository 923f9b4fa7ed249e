package cache

import (
	"context"
	"sync"
	"time"

	"github.com/arch-faustocorrea/atlassian-oauth-proxy-v1/domain"
	autherrors "github.com/arch-faustocorrea/atlassian-oauth-proxy-v1/errors"
)

// MemorySessionStore keeps OAuth flow sessions in process memory, keyed by
// their state parameter. The mutex makes Consume a true compare-and-swap:
// exactly one concurrent caller wins the initiated->authorized transition.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*domain.OAuthSession
}

var _ domain.SessionStore = (*MemorySessionStore)(nil)

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]*domain.OAuthSession)}
}

func (s *MemorySessionStore) Save(_ context.Context, sess *domain.OAuthSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	s.sessions[cp.State] = &cp
	return nil
}

func (s *MemorySessionStore) GetByState(_ context.Context, state string) (*domain.OAuthSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[state]
	if !ok {
		return nil, autherrors.ErrSessionNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *MemorySessionStore) Consume(_ context.Context, state string) (*domain.OAuthSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[state]
	if !ok {
		return nil, autherrors.ErrSessionNotFound
	}
	if sess.IsExpired(time.Now()) {
		if !sess.Status.Terminal() {
			sess.Status = domain.SessionExpired
		}
		return nil, autherrors.ErrSessionExpired
	}
	if sess.Status != domain.SessionInitiated {
		return nil, autherrors.ErrSessionAlreadyConsumed
	}
	sess.Status = domain.SessionAuthorized
	cp := *sess
	return &cp, nil
}

func (s *MemorySessionStore) Update(_ context.Context, sess *domain.OAuthSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.State]; !ok {
		return autherrors.ErrSessionNotFound
	}
	cp := *sess
	s.sessions[cp.State] = &cp
	return nil
}

func (s *MemorySessionStore) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for state, sess := range s.sessions {
		if sess.ExpiresAt.Before(before) {
			delete(s.sessions, state)
			n++
		}
	}
	return n, nil
}
