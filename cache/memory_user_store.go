package cache

import (
	"context"
	"sync"

	"github.com/arch-faustocorrea/atlassian-oauth-proxy-v1/domain"
	autherrors "github.com/arch-faustocorrea/atlassian-oauth-proxy-v1/errors"
)

// MemoryUserStore caches provider profiles in process memory.
type MemoryUserStore struct {
	mu    sync.RWMutex
	users map[string]*domain.UserInfo
}

var _ domain.UserStore = (*MemoryUserStore)(nil)

func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{users: make(map[string]*domain.UserInfo)}
}

func (s *MemoryUserStore) Upsert(_ context.Context, u *domain.UserInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *u
	s.users[cp.UserID] = &cp
	return nil
}

func (s *MemoryUserStore) GetByID(_ context.Context, id string) (*domain.UserInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, autherrors.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}
