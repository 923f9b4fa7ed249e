package services

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arch-faustocorrea/atlassian-oauth-proxy-v1/cache"
	"github.com/arch-faustocorrea/atlassian-oauth-proxy-v1/domain"
	autherrors "github.com/arch-faustocorrea/atlassian-oauth-proxy-v1/errors"
	"github.com/arch-faustocorrea/atlassian-oauth-proxy-v1/log"
)

func testLogger() log.Logger {
	return log.NewZerologAdapter(zerolog.Disabled, false)
}

func newSessionManager(ttl time.Duration) *SessionManager {
	return NewSessionManager(cache.NewMemorySessionStore(), ttl, testLogger())
}

func TestSessionManagerCreate(t *testing.T) {
	m := newSessionManager(10 * time.Minute)
	ctx := context.Background()

	sess, err := m.Create(ctx, domain.ProviderAtlassian, "https://cb", []string{"read:jira-work"}, nil, "")
	require.NoError(t, err)

	assert.NotEmpty(t, sess.SessionID)
	assert.NotEmpty(t, sess.State)
	assert.GreaterOrEqual(t, len(sess.State), 43, "256 bits of url-safe base64")
	assert.Equal(t, domain.SessionInitiated, sess.Status)
	assert.WithinDuration(t, time.Now().Add(10*time.Minute), sess.ExpiresAt, 5*time.Second)
}

func TestSessionManagerCreateWithPinnedState(t *testing.T) {
	m := newSessionManager(10 * time.Minute)
	ctx := context.Background()

	sess, err := m.Create(ctx, domain.ProviderAtlassian, "https://cb", nil, nil, "caller-chosen-state")
	require.NoError(t, err)
	assert.Equal(t, "caller-chosen-state", sess.State)

	got, err := m.Consume(ctx, "caller-chosen-state")
	require.NoError(t, err)
	assert.Equal(t, sess.SessionID, got.SessionID)
}

func TestSessionManagerStatesAreUnique(t *testing.T) {
	m := newSessionManager(10 * time.Minute)
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		sess, err := m.Create(ctx, domain.ProviderAtlassian, "https://cb", nil, nil, "")
		require.NoError(t, err)
		assert.False(t, seen[sess.State], "state reuse")
		seen[sess.State] = true
	}
}

func TestSessionManagerConsumeOnce(t *testing.T) {
	m := newSessionManager(10 * time.Minute)
	ctx := context.Background()

	sess, err := m.Create(ctx, domain.ProviderAtlassian, "https://cb", nil, nil, "")
	require.NoError(t, err)

	got, err := m.Consume(ctx, sess.State)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionAuthorized, got.Status)

	_, err = m.Consume(ctx, sess.State)
	assert.ErrorIs(t, err, autherrors.ErrSessionAlreadyConsumed)
}

func TestSessionManagerCompleteAndFail(t *testing.T) {
	m := newSessionManager(10 * time.Minute)
	ctx := context.Background()

	sess, err := m.Create(ctx, domain.ProviderAtlassian, "https://cb", []string{"read:jira-work"}, nil, "")
	require.NoError(t, err)
	consumed, err := m.Consume(ctx, sess.State)
	require.NoError(t, err)

	require.NoError(t, m.Complete(ctx, consumed, "acct-1", []string{"read:jira-work"}))
	assert.Equal(t, domain.SessionCompleted, consumed.Status)
	assert.Equal(t, "acct-1", consumed.UserID)

	other, err := m.Create(ctx, domain.ProviderAtlassian, "https://cb", nil, nil, "")
	require.NoError(t, err)
	consumed, err = m.Consume(ctx, other.State)
	require.NoError(t, err)

	require.NoError(t, m.Fail(ctx, consumed, "access_denied", "user refused"))
	assert.Equal(t, domain.SessionFailed, consumed.Status)
	assert.Equal(t, "access_denied", consumed.ErrorCode)
}

func TestSessionManagerExpiredSessionStaysExpired(t *testing.T) {
	store := cache.NewMemorySessionStore()
	m := NewSessionManager(store, -time.Minute, testLogger())
	ctx := context.Background()

	sess, err := m.Create(ctx, domain.ProviderAtlassian, "https://cb", nil, nil, "")
	require.NoError(t, err)

	_, err = m.Consume(ctx, sess.State)
	assert.ErrorIs(t, err, autherrors.ErrSessionExpired)

	// Expiry is terminal; a later attempt cannot resurrect the session.
	_, err = m.Consume(ctx, sess.State)
	assert.ErrorIs(t, err, autherrors.ErrSessionExpired)
}
