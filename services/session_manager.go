// Package services holds the flow orchestration: session lifecycle and the
// token engine sit here, between the HTTP layer and the stores.
package services

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/arch-faustocorrea/atlassian-oauth-proxy-v1/domain"
	"github.com/arch-faustocorrea/atlassian-oauth-proxy-v1/internal/metrics"
	"github.com/arch-faustocorrea/atlassian-oauth-proxy-v1/log"
)

// stateBytes sizes the CSRF state parameter; 32 bytes gives 256 bits of
// entropy, well past guessability.
const stateBytes = 32

// SessionManager owns the OAuth flow session lifecycle. Consumption
// semantics (at most once per state) are delegated to the store; the manager
// adds state generation, TTL stamping and transition bookkeeping.
type SessionManager struct {
	store  domain.SessionStore
	ttl    time.Duration
	logger log.Logger
}

func NewSessionManager(store domain.SessionStore, ttl time.Duration, logger log.Logger) *SessionManager {
	return &SessionManager{
		store:  store,
		ttl:    ttl,
		logger: logger.With(map[string]interface{}{"component": "session_manager"}),
	}
}

// generateState returns a fresh unguessable state parameter.
func generateState() (string, error) {
	buf := make([]byte, stateBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Create opens a new flow session in the initiated state. An empty state
// gets a freshly generated one; callers may pin their own.
func (m *SessionManager) Create(ctx context.Context, provider domain.Provider, redirectURI string, scopes []string, clientInfo map[string]string, state string) (*domain.OAuthSession, error) {
	if state == "" {
		var err error
		state, err = generateState()
		if err != nil {
			return nil, err
		}
	}
	now := time.Now().UTC()
	sess := &domain.OAuthSession{
		SessionID:       uuid.NewString(),
		State:           state,
		Provider:        provider,
		Status:          domain.SessionInitiated,
		RedirectURI:     redirectURI,
		RequestedScopes: scopes,
		ClientInfo:      clientInfo,
		CreatedAt:       now,
		ExpiresAt:       now.Add(m.ttl),
	}
	if err := m.store.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}
	metrics.SessionTransitionsTotal.WithLabelValues(string(domain.SessionInitiated)).Inc()
	m.logger.Info(ctx, "oauth session created", map[string]interface{}{
		"session_id": sess.SessionID,
		"provider":   string(provider),
		"expires_at": sess.ExpiresAt,
	})
	return sess, nil
}

// Consume claims the session bound to the state for callback processing.
// Exactly one concurrent caller per state succeeds.
func (m *SessionManager) Consume(ctx context.Context, state string) (*domain.OAuthSession, error) {
	sess, err := m.store.Consume(ctx, state)
	if err != nil {
		return nil, err
	}
	metrics.SessionTransitionsTotal.WithLabelValues(string(domain.SessionAuthorized)).Inc()
	m.logger.Debug(ctx, "oauth session consumed", map[string]interface{}{
		"session_id": sess.SessionID,
	})
	return sess, nil
}

// Complete records a successful flow on a consumed session.
func (m *SessionManager) Complete(ctx context.Context, sess *domain.OAuthSession, userID string, grantedScopes []string) error {
	sess.Status = domain.SessionCompleted
	sess.UserID = userID
	sess.GrantedScopes = grantedScopes
	if err := m.store.Update(ctx, sess); err != nil {
		return fmt.Errorf("complete session: %w", err)
	}
	metrics.SessionTransitionsTotal.WithLabelValues(string(domain.SessionCompleted)).Inc()
	m.logger.Info(ctx, "oauth session completed", map[string]interface{}{
		"session_id": sess.SessionID,
		"user_id":    userID,
	})
	return nil
}

// Fail records a terminal failure with the provider's error detail.
func (m *SessionManager) Fail(ctx context.Context, sess *domain.OAuthSession, code, description string) error {
	sess.Status = domain.SessionFailed
	sess.ErrorCode = code
	sess.ErrorDescription = description
	if err := m.store.Update(ctx, sess); err != nil {
		return fmt.Errorf("fail session: %w", err)
	}
	metrics.SessionTransitionsTotal.WithLabelValues(string(domain.SessionFailed)).Inc()
	m.logger.Warn(ctx, "oauth session failed", map[string]interface{}{
		"session_id": sess.SessionID,
		"error_code": code,
	})
	return nil
}

// DeleteExpired prunes sessions past their retention cutoff.
func (m *SessionManager) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	return m.store.DeleteExpired(ctx, before)
}
