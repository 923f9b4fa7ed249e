package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arch-faustocorrea/atlassian-oauth-proxy-v1/domain"
	autherrors "github.com/arch-faustocorrea/atlassian-oauth-proxy-v1/errors"
)

func setupSessionStore(t *testing.T) (*SessionStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewSessionStore(client, time.Hour, testLogger()), mr
}

func flowSession(ttl time.Duration) *domain.OAuthSession {
	now := time.Now().UTC()
	return &domain.OAuthSession{
		SessionID:       uuid.NewString(),
		State:           uuid.NewString(),
		Provider:        domain.ProviderAtlassian,
		Status:          domain.SessionInitiated,
		RedirectURI:     "https://proxy.example.com/callback",
		RequestedScopes: []string{"read:jira-work"},
		CreatedAt:       now,
		ExpiresAt:       now.Add(ttl),
	}
}

func TestRedisSessionStoreConsume(t *testing.T) {
	s, _ := setupSessionStore(t)
	ctx := context.Background()

	sess := flowSession(10 * time.Minute)
	require.NoError(t, s.Save(ctx, sess))

	got, err := s.Consume(ctx, sess.State)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionAuthorized, got.Status)

	_, err = s.Consume(ctx, sess.State)
	assert.ErrorIs(t, err, autherrors.ErrSessionAlreadyConsumed)

	_, err = s.Consume(ctx, "unknown-state")
	assert.ErrorIs(t, err, autherrors.ErrSessionNotFound)
}

func TestRedisSessionStoreConsumeExpired(t *testing.T) {
	s, _ := setupSessionStore(t)
	ctx := context.Background()

	sess := flowSession(-time.Minute)
	require.NoError(t, s.Save(ctx, sess))

	_, err := s.Consume(ctx, sess.State)
	assert.ErrorIs(t, err, autherrors.ErrSessionExpired)

	got, err := s.GetByState(ctx, sess.State)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionExpired, got.Status)
}

func TestRedisSessionStoreConsumeAtMostOnce(t *testing.T) {
	s, _ := setupSessionStore(t)
	ctx := context.Background()

	sess := flowSession(10 * time.Minute)
	require.NoError(t, s.Save(ctx, sess))

	const racers = 8
	results := make(chan error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Consume(ctx, sess.State)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var wins, losses int
	for err := range results {
		switch {
		case err == nil:
			wins++
		case err == autherrors.ErrSessionAlreadyConsumed:
			losses++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins, "the SETNX marker admits exactly one winner")
	assert.Equal(t, racers-1, losses)
}

func TestRedisSessionStoreUpdate(t *testing.T) {
	s, _ := setupSessionStore(t)
	ctx := context.Background()

	sess := flowSession(10 * time.Minute)
	require.NoError(t, s.Save(ctx, sess))

	consumed, err := s.Consume(ctx, sess.State)
	require.NoError(t, err)

	consumed.Status = domain.SessionCompleted
	consumed.UserID = "acct-1"
	consumed.GrantedScopes = []string{"read:jira-work"}
	require.NoError(t, s.Update(ctx, consumed))

	got, err := s.GetByState(ctx, sess.State)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCompleted, got.Status)
	assert.Equal(t, "acct-1", got.UserID)

	missing := flowSession(time.Minute)
	assert.ErrorIs(t, s.Update(ctx, missing), autherrors.ErrSessionNotFound)
}

func TestRedisSessionStoreExpiresViaTTL(t *testing.T) {
	s, mr := setupSessionStore(t)
	ctx := context.Background()

	sess := flowSession(time.Minute)
	require.NoError(t, s.Save(ctx, sess))

	mr.FastForward(time.Minute + 2*time.Hour)

	_, err := s.GetByState(ctx, sess.State)
	assert.ErrorIs(t, err, autherrors.ErrSessionNotFound)
}
