package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/arch-faustocorrea/atlassian-oauth-proxy-v1/cache"
	"github.com/arch-faustocorrea/atlassian-oauth-proxy-v1/domain"
	autherrors "github.com/arch-faustocorrea/atlassian-oauth-proxy-v1/errors"
)

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) AuthorizationURL(redirectURI, state string, scopes []string) string {
	args := m.Called(redirectURI, state, scopes)
	return args.String(0)
}

func (m *mockProvider) Exchange(ctx context.Context, code, redirectURI string) (*domain.AuthTokens, error) {
	args := m.Called(ctx, code, redirectURI)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.AuthTokens), args.Error(1)
}

func (m *mockProvider) Refresh(ctx context.Context, refreshToken string) (*domain.AuthTokens, error) {
	args := m.Called(ctx, refreshToken)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.AuthTokens), args.Error(1)
}

func (m *mockProvider) FetchUserInfo(ctx context.Context, accessToken string) (*domain.UserInfo, error) {
	args := m.Called(ctx, accessToken)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.UserInfo), args.Error(1)
}

func (m *mockProvider) Revoke(ctx context.Context, rawToken string) (bool, error) {
	args := m.Called(ctx, rawToken)
	return args.Bool(0), args.Error(1)
}

type engineHarness struct {
	engine   *AuthService
	sessions *SessionManager
	tokens   *cache.MemoryTokenStore
	users    *cache.MemoryUserStore
	provider *mockProvider
}

func newHarness(t *testing.T) *engineHarness {
	t.Helper()
	tokens := cache.NewMemoryTokenStore(time.Hour)
	t.Cleanup(tokens.Close)

	provider := &mockProvider{}
	sessions := NewSessionManager(cache.NewMemorySessionStore(), 10*time.Minute, testLogger())
	users := cache.NewMemoryUserStore()
	engine := NewAuthService(sessions, tokens, users, provider, Options{
		RedirectURI:     "https://proxy.example.com/callback",
		Scopes:          []string{"read:jira-work", "read:jira-user"},
		DefaultTokenTTL: time.Hour,
		RefreshTokenTTL: 7 * 24 * time.Hour,
	}, testLogger())
	return &engineHarness{engine: engine, sessions: sessions, tokens: tokens, users: users, provider: provider}
}

func authTokens(access, refresh string) *domain.AuthTokens {
	return &domain.AuthTokens{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresIn:    3600,
		ExpiresAt:    time.Now().Add(time.Hour),
		Scope:        "read:jira-work read:jira-user",
	}
}

func atlassianUser() *domain.UserInfo {
	return &domain.UserInfo{
		UserID:     "acct-1",
		Email:      "mia@example.com",
		Name:       "Mia Krystof",
		Provider:   domain.ProviderAtlassian,
		ProviderID: "acct-1",
		IsActive:   true,
	}
}

// completeLogin drives a full flow and returns the issued tokens.
func completeLogin(t *testing.T, h *engineHarness) *CallbackResult {
	t.Helper()
	ctx := context.Background()

	h.provider.On("AuthorizationURL", mock.Anything, mock.Anything, mock.Anything).
		Return("https://auth.example.com/authorize").Once()
	start, err := h.engine.InitiateLogin(ctx, LoginOptions{})
	require.NoError(t, err)

	h.provider.On("Exchange", mock.Anything, "good-code", "https://proxy.example.com/callback").
		Return(authTokens("access-1", "refresh-1"), nil).Once()
	h.provider.On("FetchUserInfo", mock.Anything, "access-1").
		Return(atlassianUser(), nil).Once()

	result, err := h.engine.HandleCallback(ctx, start.State, "good-code", "", "")
	require.NoError(t, err)
	return result
}

func TestInitiateLogin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.provider.On("AuthorizationURL",
		"https://proxy.example.com/callback",
		mock.Anything,
		[]string{"read:jira-work", "read:jira-user"},
	).Return("https://auth.example.com/authorize?state=x").Once()

	start, err := h.engine.InitiateLogin(ctx, LoginOptions{
		ClientInfo: map[string]string{"ip": "203.0.113.7"},
	})
	require.NoError(t, err)

	assert.Equal(t, "https://auth.example.com/authorize?state=x", start.AuthorizationURL)
	assert.NotEmpty(t, start.State)
	assert.NotEmpty(t, start.SessionID)
	h.provider.AssertExpectations(t)
}

func TestInitiateLoginCallerOverrides(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.provider.On("AuthorizationURL",
		"https://app.example.com/done",
		"caller-chosen-state",
		[]string{"write:jira-work"},
	).Return("https://auth.example.com/authorize?state=caller-chosen-state").Once()

	start, err := h.engine.InitiateLogin(ctx, LoginOptions{
		RedirectURI: "https://app.example.com/done",
		Scopes:      []string{"write:jira-work"},
		State:       "caller-chosen-state",
	})
	require.NoError(t, err)
	assert.Equal(t, "caller-chosen-state", start.State)

	// The overrides stick to the session: the exchange uses the caller's
	// redirect URI and the pinned state resolves the callback.
	h.provider.On("Exchange", mock.Anything, "good-code", "https://app.example.com/done").
		Return(authTokens("access-1", "refresh-1"), nil).Once()
	h.provider.On("FetchUserInfo", mock.Anything, "access-1").
		Return(atlassianUser(), nil).Once()

	result, err := h.engine.HandleCallback(ctx, "caller-chosen-state", "good-code", "", "")
	require.NoError(t, err)
	assert.Equal(t, "acct-1", result.User.UserID)
	h.provider.AssertExpectations(t)
}

func TestHandleCallbackSuccess(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	result := completeLogin(t, h)

	assert.Equal(t, "acct-1", result.User.UserID)
	assert.Equal(t, "access-1", result.Tokens.AccessToken)

	// Both halves of the grant validate.
	access, err := h.engine.ValidateToken(ctx, "access-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TokenTypeAccess, access.TokenType)
	assert.Equal(t, []string{"read:jira-work", "read:jira-user"}, access.Scope)

	refresh, err := h.engine.ValidateToken(ctx, "refresh-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TokenTypeRefresh, refresh.TokenType)
	assert.Equal(t, access.GrantID, refresh.GrantID, "access and refresh share a grant")

	// The profile is cached.
	user, err := h.engine.GetUserInfo(ctx, access)
	require.NoError(t, err)
	assert.Equal(t, "mia@example.com", user.Email)

	h.provider.AssertExpectations(t)
}

func TestHandleCallbackReplayedState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.provider.On("AuthorizationURL", mock.Anything, mock.Anything, mock.Anything).
		Return("https://auth.example.com/authorize").Once()
	start, err := h.engine.InitiateLogin(ctx, LoginOptions{})
	require.NoError(t, err)

	h.provider.On("Exchange", mock.Anything, "good-code", mock.Anything).
		Return(authTokens("access-1", "refresh-1"), nil).Once()
	h.provider.On("FetchUserInfo", mock.Anything, "access-1").
		Return(atlassianUser(), nil).Once()

	_, err = h.engine.HandleCallback(ctx, start.State, "good-code", "", "")
	require.NoError(t, err)

	// Replaying the same state never reaches the provider again.
	_, err = h.engine.HandleCallback(ctx, start.State, "good-code", "", "")
	assert.ErrorIs(t, err, autherrors.ErrSessionAlreadyConsumed)
	h.provider.AssertNumberOfCalls(t, "Exchange", 1)
}

func TestHandleCallbackUnknownState(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.HandleCallback(context.Background(), "forged-state", "code", "", "")
	assert.ErrorIs(t, err, autherrors.ErrSessionNotFound)
	h.provider.AssertNotCalled(t, "Exchange", mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleCallbackProviderDenied(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.provider.On("AuthorizationURL", mock.Anything, mock.Anything, mock.Anything).
		Return("https://auth.example.com/authorize").Once()
	start, err := h.engine.InitiateLogin(ctx, LoginOptions{})
	require.NoError(t, err)

	_, err = h.engine.HandleCallback(ctx, start.State, "", "access_denied", "user refused consent")
	require.Error(t, err)

	var oerr *autherrors.OAuthError
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, "access_denied", oerr.Code)

	// The session settled as failed and cannot be retried.
	_, err = h.engine.HandleCallback(ctx, start.State, "code", "", "")
	assert.ErrorIs(t, err, autherrors.ErrSessionAlreadyConsumed)
	h.provider.AssertNotCalled(t, "Exchange", mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleCallbackMissingCode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.provider.On("AuthorizationURL", mock.Anything, mock.Anything, mock.Anything).
		Return("https://auth.example.com/authorize").Once()
	start, err := h.engine.InitiateLogin(ctx, LoginOptions{})
	require.NoError(t, err)

	_, err = h.engine.HandleCallback(ctx, start.State, "", "", "")
	var oerr *autherrors.OAuthError
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, "invalid_request", oerr.Code)
}

func TestHandleCallbackExchangeFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.provider.On("AuthorizationURL", mock.Anything, mock.Anything, mock.Anything).
		Return("https://auth.example.com/authorize").Once()
	start, err := h.engine.InitiateLogin(ctx, LoginOptions{})
	require.NoError(t, err)

	h.provider.On("Exchange", mock.Anything, "stale-code", mock.Anything).
		Return(nil, &autherrors.ExchangeError{Code: "invalid_grant", Description: "code expired"}).Once()

	_, err = h.engine.HandleCallback(ctx, start.State, "stale-code", "", "")
	var xerr *autherrors.ExchangeError
	require.ErrorAs(t, err, &xerr)
	assert.Equal(t, "invalid_grant", xerr.Code)

	// Nothing was issued.
	_, err = h.engine.ValidateToken(ctx, "access-1")
	assert.ErrorIs(t, err, autherrors.ErrTokenNotFound)
}

// completionFailingStore rejects the completed transition while letting every
// other write through, simulating a store outage at the final session write.
type completionFailingStore struct {
	domain.SessionStore
}

func (s *completionFailingStore) Update(ctx context.Context, sess *domain.OAuthSession) error {
	if sess.Status == domain.SessionCompleted {
		return errors.New("session store unavailable")
	}
	return s.SessionStore.Update(ctx, sess)
}

func TestHandleCallbackCompletionFailureSettlesSession(t *testing.T) {
	tokens := cache.NewMemoryTokenStore(time.Hour)
	t.Cleanup(tokens.Close)
	provider := &mockProvider{}
	store := &completionFailingStore{SessionStore: cache.NewMemorySessionStore()}
	sessions := NewSessionManager(store, 10*time.Minute, testLogger())
	engine := NewAuthService(sessions, tokens, cache.NewMemoryUserStore(), provider, Options{
		RedirectURI:     "https://proxy.example.com/callback",
		Scopes:          []string{"read:jira-work"},
		DefaultTokenTTL: time.Hour,
		RefreshTokenTTL: 7 * 24 * time.Hour,
	}, testLogger())
	ctx := context.Background()

	provider.On("AuthorizationURL", mock.Anything, mock.Anything, mock.Anything).
		Return("https://auth.example.com/authorize").Once()
	start, err := engine.InitiateLogin(ctx, LoginOptions{})
	require.NoError(t, err)

	provider.On("Exchange", mock.Anything, "good-code", mock.Anything).
		Return(authTokens("access-1", "refresh-1"), nil).Once()
	provider.On("FetchUserInfo", mock.Anything, "access-1").
		Return(atlassianUser(), nil).Once()

	// Tokens were persisted before the completion write, so the login still
	// succeeds, but the session must not stay in a non-terminal state.
	result, err := engine.HandleCallback(ctx, start.State, "good-code", "", "")
	require.NoError(t, err)
	assert.Equal(t, "access-1", result.Tokens.AccessToken)

	_, err = engine.ValidateToken(ctx, "access-1")
	assert.NoError(t, err)

	sess, err := store.GetByState(ctx, start.State)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionFailed, sess.Status)
}

func TestValidateTokenUnknown(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.ValidateToken(context.Background(), "never-issued")
	assert.ErrorIs(t, err, autherrors.ErrTokenNotFound)
}

func TestValidateTokenRevokedWinsOverExpired(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	completeLogin(t, h)

	rec, err := h.engine.ValidateToken(ctx, "access-1")
	require.NoError(t, err)

	h.provider.On("Revoke", mock.Anything, "access-1").Return(true, nil).Once()
	ok, err := h.engine.RevokeToken(ctx, "access-1")
	require.NoError(t, err)
	assert.True(t, ok)

	// Force expiry too; revocation still takes precedence in the report.
	stored, err := h.tokens.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	stored.ExpiresAt = time.Now().Add(-time.Minute)
	require.NoError(t, h.tokens.Store(ctx, stored))

	_, err = h.engine.ValidateToken(ctx, "access-1")
	assert.ErrorIs(t, err, autherrors.ErrTokenRevoked)
}

func TestValidateTokenExpired(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	completeLogin(t, h)

	rec, err := h.engine.ValidateToken(ctx, "access-1")
	require.NoError(t, err)
	rec.ExpiresAt = time.Now().Add(-time.Minute)
	require.NoError(t, h.tokens.Store(ctx, rec))

	_, err = h.engine.ValidateToken(ctx, "access-1")
	assert.ErrorIs(t, err, autherrors.ErrTokenExpired)
}

func TestRefreshTokenPreservesUnrotatedRefresh(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	completeLogin(t, h)

	refreshed := authTokens("access-2", "refresh-1")
	h.provider.On("Refresh", mock.Anything, "refresh-1").Return(refreshed, nil).Once()

	tokens, err := h.engine.RefreshToken(ctx, "refresh-1")
	require.NoError(t, err)
	assert.Equal(t, "access-2", tokens.AccessToken)

	// Old access token is dead, new one and the refresh token live on.
	_, err = h.engine.ValidateToken(ctx, "access-1")
	assert.ErrorIs(t, err, autherrors.ErrTokenRevoked)
	_, err = h.engine.ValidateToken(ctx, "access-2")
	assert.NoError(t, err)
	rec, err := h.engine.ValidateToken(ctx, "refresh-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, rec.Generation)
}

func TestRefreshTokenUpstreamFailureLeavesTokensIntact(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	completeLogin(t, h)

	h.provider.On("Refresh", mock.Anything, "refresh-1").
		Return(nil, fmt.Errorf("token endpoint: %w", autherrors.ErrUpstreamUnavailable)).Once()

	_, err := h.engine.RefreshToken(ctx, "refresh-1")
	assert.ErrorIs(t, err, autherrors.ErrUpstreamUnavailable)

	// A failed upstream call leaves everything as it was: both records stay
	// valid and the refresh generation is untouched, so a retry can win.
	_, err = h.engine.ValidateToken(ctx, "access-1")
	assert.NoError(t, err)
	rec, err := h.engine.ValidateToken(ctx, "refresh-1")
	require.NoError(t, err)
	assert.EqualValues(t, 0, rec.Generation)
}

func TestRefreshTokenRotation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	completeLogin(t, h)

	rotated := authTokens("access-2", "refresh-2")
	h.provider.On("Refresh", mock.Anything, "refresh-1").Return(rotated, nil).Once()

	_, err := h.engine.RefreshToken(ctx, "refresh-1")
	require.NoError(t, err)

	_, err = h.engine.ValidateToken(ctx, "refresh-1")
	assert.ErrorIs(t, err, autherrors.ErrTokenRevoked, "rotated refresh token is retired")

	rec, err := h.engine.ValidateToken(ctx, "refresh-2")
	require.NoError(t, err)
	assert.Equal(t, domain.TokenTypeRefresh, rec.TokenType)
}

func TestRefreshTokenRejectsAccessToken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	completeLogin(t, h)

	_, err := h.engine.RefreshToken(ctx, "access-1")
	var oerr *autherrors.OAuthError
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, "invalid_request", oerr.Code)
}

func TestRefreshTokenConcurrentSingleWinner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	completeLogin(t, h)

	// Hold both racers inside the provider call until each has read the
	// stored generation, then let them race the conditional bump.
	var barrier sync.WaitGroup
	barrier.Add(2)
	h.provider.On("Refresh", mock.Anything, "refresh-1").
		Run(func(mock.Arguments) {
			barrier.Done()
			barrier.Wait()
		}).
		Return(authTokens("access-next", "refresh-1"), nil).Twice()

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := h.engine.RefreshToken(ctx, "refresh-1")
			results <- err
		}()
	}

	var wins, conflicts int
	for i := 0; i < 2; i++ {
		switch err := <-results; {
		case err == nil:
			wins++
		case err == autherrors.ErrRefreshConflict:
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, conflicts)
}

func TestLogoutRevokesWholeGrant(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	completeLogin(t, h)

	h.provider.On("Revoke", mock.Anything, "access-1").Return(true, nil).Once()
	n, err := h.engine.Logout(ctx, "access-1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n, "access and refresh records revoked")

	_, err = h.engine.ValidateToken(ctx, "access-1")
	assert.ErrorIs(t, err, autherrors.ErrTokenRevoked)
	_, err = h.engine.ValidateToken(ctx, "refresh-1")
	assert.ErrorIs(t, err, autherrors.ErrTokenRevoked)
}

func TestLogoutUnknownTokenIsNoop(t *testing.T) {
	h := newHarness(t)
	n, err := h.engine.Logout(context.Background(), "never-issued")
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func TestRevokeTokenReportsTransition(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	completeLogin(t, h)

	h.provider.On("Revoke", mock.Anything, "access-1").Return(true, nil).Twice()

	ok, err := h.engine.RevokeToken(ctx, "access-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.engine.RevokeToken(ctx, "access-1")
	require.NoError(t, err)
	assert.False(t, ok, "second revoke did not transition anything")
}

func TestRevokeUserTokens(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	completeLogin(t, h)

	n, err := h.engine.RevokeUserTokens(ctx, "acct-1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestCheckScopes(t *testing.T) {
	h := newHarness(t)
	rec := &domain.TokenRecord{Scope: []string{"read:jira-work"}}

	assert.NoError(t, h.engine.CheckScopes(rec, []string{"read:jira-work"}))
	assert.NoError(t, h.engine.CheckScopes(rec, nil))

	err := h.engine.CheckScopes(rec, []string{"read:jira-work", "write:jira-work"})
	var aerr *autherrors.AuthorizationError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, []string{"write:jira-work"}, aerr.Missing)
	assert.True(t, strings.Contains(err.Error(), "write:jira-work"))
}
