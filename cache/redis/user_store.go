package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/arch-faustocorrea/atlassian-oauth-proxy-v1/domain"
	autherrors "github.com/arch-faustocorrea/atlassian-oauth-proxy-v1/errors"
)

const userPrefix = "auth:user:"

// UserStore caches provider profiles in Redis. Profiles carry no TTL; they
// are overwritten on every successful login.
type UserStore struct {
	client *redis.Client
}

var _ domain.UserStore = (*UserStore)(nil)

func NewUserStore(client *redis.Client) *UserStore {
	return &UserStore{client: client}
}

func (s *UserStore) Upsert(ctx context.Context, u *domain.UserInfo) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshal user: %w", err)
	}
	if err := s.client.Set(ctx, userPrefix+u.UserID, data, 0).Err(); err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

func (s *UserStore) GetByID(ctx context.Context, id string) (*domain.UserInfo, error) {
	data, err := s.client.Get(ctx, userPrefix+id).Result()
	if err == redis.Nil {
		return nil, autherrors.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	var u domain.UserInfo
	if err := json.Unmarshal([]byte(data), &u); err != nil {
		return nil, fmt.Errorf("unmarshal user: %w", err)
	}
	return &u, nil
}
