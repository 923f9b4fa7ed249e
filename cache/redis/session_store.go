package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arch-faustocorrea/atlassian-oauth-proxy-v1/domain"
	autherrors "github.com/arch-faustocorrea/atlassian-oauth-proxy-v1/errors"
	"github.com/arch-faustocorrea/atlassian-oauth-proxy-v1/log"
)

const (
	sessionStatePrefix    = "auth:session:state:"
	sessionConsumedPrefix = "auth:session:consumed:"
)

// SessionStore persists OAuth flow sessions in Redis, keyed by state. The
// consumed-once guarantee comes from a SETNX marker key: whichever caller
// creates the marker owns the initiated->authorized transition.
type SessionStore struct {
	client *redis.Client
	// retention keeps terminal sessions readable past their flow TTL for
	// debugging and late duplicate callbacks.
	retention time.Duration
	logger    log.Logger
}

var _ domain.SessionStore = (*SessionStore)(nil)

func NewSessionStore(client *redis.Client, retention time.Duration, logger log.Logger) *SessionStore {
	return &SessionStore{
		client:    client,
		retention: retention,
		logger:    logger.With(map[string]interface{}{"component": "redis_session_store"}),
	}
}

func (s *SessionStore) ttlFor(sess *domain.OAuthSession) time.Duration {
	ttl := time.Until(sess.ExpiresAt) + s.retention
	if ttl <= 0 {
		ttl = time.Minute
	}
	return ttl
}

func (s *SessionStore) Save(ctx context.Context, sess *domain.OAuthSession) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := s.client.Set(ctx, sessionStatePrefix+sess.State, data, s.ttlFor(sess)).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *SessionStore) GetByState(ctx context.Context, state string) (*domain.OAuthSession, error) {
	data, err := s.client.Get(ctx, sessionStatePrefix+state).Result()
	if err == redis.Nil {
		return nil, autherrors.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	var sess domain.OAuthSession
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &sess, nil
}

func (s *SessionStore) Consume(ctx context.Context, state string) (*domain.OAuthSession, error) {
	sess, err := s.GetByState(ctx, state)
	if err != nil {
		return nil, err
	}
	if sess.IsExpired(time.Now()) {
		if !sess.Status.Terminal() {
			sess.Status = domain.SessionExpired
			if err := s.writeBack(ctx, sess); err != nil {
				s.logger.Warn(ctx, "failed to record session expiry", map[string]interface{}{
					"session_id": sess.SessionID, "error": err.Error(),
				})
			}
		}
		return nil, autherrors.ErrSessionExpired
	}
	if sess.Status != domain.SessionInitiated {
		return nil, autherrors.ErrSessionAlreadyConsumed
	}

	// The marker, not the status read above, decides the winner.
	won, err := s.client.SetNX(ctx, sessionConsumedPrefix+state, "1", s.ttlFor(sess)).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire consume marker: %w", err)
	}
	if !won {
		return nil, autherrors.ErrSessionAlreadyConsumed
	}

	sess.Status = domain.SessionAuthorized
	if err := s.writeBack(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *SessionStore) Update(ctx context.Context, sess *domain.OAuthSession) error {
	exists, err := s.client.Exists(ctx, sessionStatePrefix+sess.State).Result()
	if err != nil {
		return fmt.Errorf("check session: %w", err)
	}
	if exists == 0 {
		return autherrors.ErrSessionNotFound
	}
	return s.writeBack(ctx, sess)
}

// writeBack overwrites the session body while preserving the key's TTL.
func (s *SessionStore) writeBack(ctx context.Context, sess *domain.OAuthSession) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := s.client.Set(ctx, sessionStatePrefix+sess.State, data, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	return nil
}

// DeleteExpired is a no-op for the Redis backend: session keys carry TTLs.
func (s *SessionStore) DeleteExpired(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}
