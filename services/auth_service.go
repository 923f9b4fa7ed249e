package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/arch-faustocorrea/atlassian-oauth-proxy-v1/domain"
	autherrors "github.com/arch-faustocorrea/atlassian-oauth-proxy-v1/errors"
	"github.com/arch-faustocorrea/atlassian-oauth-proxy-v1/internal/metrics"
	"github.com/arch-faustocorrea/atlassian-oauth-proxy-v1/log"
)

// Options tunes the engine's token issuance.
type Options struct {
	// RedirectURI is the callback registered with the provider.
	RedirectURI string
	// Scopes requested on every login.
	Scopes []string
	// DefaultTokenTTL applies when the provider omits an expiry.
	DefaultTokenTTL time.Duration
	// RefreshTokenTTL bounds how long a stored refresh token stays usable.
	RefreshTokenTTL time.Duration
}

// LoginOptions carries per-call overrides for one login flow. Empty fields
// fall back to the engine's configured defaults; State, when set, pins the
// CSRF state the caller will verify on its side.
type LoginOptions struct {
	RedirectURI string
	Scopes      []string
	State       string
	ClientInfo  map[string]string
}

// LoginStart is handed back to the caller who opens the browser.
type LoginStart struct {
	AuthorizationURL string
	State            string
	SessionID        string
	ExpiresAt        time.Time
}

// CallbackResult carries the outcome of a completed authorization flow.
type CallbackResult struct {
	SessionID string
	User      *domain.UserInfo
	Tokens    *domain.AuthTokens
}

// AuthService is the token lifecycle engine: it drives the authorization
// flow against the provider and owns every persisted token transition.
// Failures never leave a session consumable again; every terminal outcome is
// recorded on the session before the error is returned.
type AuthService struct {
	sessions *SessionManager
	tokens   domain.TokenStore
	users    domain.UserStore
	provider domain.ProviderClient
	opts     Options
	logger   log.Logger
}

func NewAuthService(sessions *SessionManager, tokens domain.TokenStore, users domain.UserStore, provider domain.ProviderClient, opts Options, logger log.Logger) *AuthService {
	return &AuthService{
		sessions: sessions,
		tokens:   tokens,
		users:    users,
		provider: provider,
		opts:     opts,
		logger:   logger.With(map[string]interface{}{"component": "auth_service"}),
	}
}

// InitiateLogin opens a flow session and builds the provider consent URL.
func (s *AuthService) InitiateLogin(ctx context.Context, opts LoginOptions) (*LoginStart, error) {
	redirectURI := opts.RedirectURI
	if redirectURI == "" {
		redirectURI = s.opts.RedirectURI
	}
	scopes := opts.Scopes
	if len(scopes) == 0 {
		scopes = s.opts.Scopes
	}
	sess, err := s.sessions.Create(ctx, domain.ProviderAtlassian, redirectURI, scopes, opts.ClientInfo, opts.State)
	if err != nil {
		return nil, err
	}
	metrics.LoginInitiatedTotal.Inc()
	return &LoginStart{
		AuthorizationURL: s.provider.AuthorizationURL(sess.RedirectURI, sess.State, sess.RequestedScopes),
		State:            sess.State,
		SessionID:        sess.SessionID,
		ExpiresAt:        sess.ExpiresAt,
	}, nil
}

// HandleCallback processes the provider redirect. The session is consumed
// before anything else happens, so a forged or replayed state never reaches
// the provider. Provider-reported errors and exchange failures both settle
// the session as failed.
func (s *AuthService) HandleCallback(ctx context.Context, state, code, errCode, errDesc string) (*CallbackResult, error) {
	sess, err := s.sessions.Consume(ctx, state)
	if err != nil {
		metrics.LoginFailureTotal.Inc()
		return nil, err
	}

	if errCode != "" {
		s.failSession(ctx, sess, errCode, errDesc)
		return nil, autherrors.NewOAuthError(errCode, errDesc)
	}
	if code == "" {
		s.failSession(ctx, sess, "invalid_request", "missing authorization code")
		return nil, autherrors.NewOAuthError("invalid_request", "missing authorization code")
	}

	tokens, err := s.provider.Exchange(ctx, code, sess.RedirectURI)
	if err != nil {
		s.failSession(ctx, sess, exchangeFailureCode(err), err.Error())
		return nil, err
	}

	user, err := s.provider.FetchUserInfo(ctx, tokens.AccessToken)
	if err != nil {
		s.failSession(ctx, sess, "server_error", err.Error())
		return nil, err
	}
	if err := s.users.Upsert(ctx, user); err != nil {
		s.failSession(ctx, sess, "server_error", err.Error())
		return nil, fmt.Errorf("cache user profile: %w", err)
	}

	granted := grantedScopes(tokens.Scope, sess.RequestedScopes)
	if err := s.persistGrant(ctx, user.UserID, tokens, granted, sess.ClientInfo); err != nil {
		s.failSession(ctx, sess, "server_error", err.Error())
		return nil, err
	}

	if err := s.sessions.Complete(ctx, sess, user.UserID, granted); err != nil {
		// The issued tokens stay valid, but the session must not linger in a
		// non-terminal state: settle it as failed so no reader mistakes it
		// for an in-flight flow.
		s.logger.Warn(ctx, "failed to record session completion", map[string]interface{}{
			"session_id": sess.SessionID, "error": err.Error(),
		})
		if ferr := s.sessions.Fail(ctx, sess, "server_error", "failed to record completion"); ferr != nil {
			s.logger.Warn(ctx, "failed to settle session after completion error", map[string]interface{}{
				"session_id": sess.SessionID, "error": ferr.Error(),
			})
		}
	}
	metrics.LoginSuccessTotal.Inc()
	return &CallbackResult{SessionID: sess.SessionID, User: user, Tokens: tokens}, nil
}

func (s *AuthService) failSession(ctx context.Context, sess *domain.OAuthSession, code, desc string) {
	metrics.LoginFailureTotal.Inc()
	if err := s.sessions.Fail(ctx, sess, code, desc); err != nil {
		s.logger.Warn(ctx, "failed to record session failure", map[string]interface{}{
			"session_id": sess.SessionID, "error": err.Error(),
		})
	}
}

// persistGrant stores the access record, and the refresh record when the
// provider issued one, under a single grant ID.
func (s *AuthService) persistGrant(ctx context.Context, userID string, tokens *domain.AuthTokens, scopes []string, clientInfo map[string]string) error {
	now := time.Now().UTC()
	grantID := uuid.NewString()

	accessExpiry := tokens.ExpiresAt
	if accessExpiry.IsZero() {
		accessExpiry = now.Add(s.opts.DefaultTokenTTL)
	}
	access := &domain.TokenRecord{
		ID:         uuid.NewString(),
		TokenHash:  domain.HashToken(tokens.AccessToken),
		UserID:     userID,
		TokenType:  domain.TokenTypeAccess,
		Provider:   domain.ProviderAtlassian,
		GrantID:    grantID,
		Scope:      scopes,
		ExpiresAt:  accessExpiry,
		CreatedAt:  now,
		ClientInfo: clientInfo,
	}
	if err := s.tokens.Store(ctx, access); err != nil {
		return fmt.Errorf("store access record: %w", err)
	}
	metrics.TokensIssuedTotal.Inc()

	if tokens.RefreshToken != "" {
		refresh := &domain.TokenRecord{
			ID:         uuid.NewString(),
			TokenHash:  domain.HashToken(tokens.RefreshToken),
			UserID:     userID,
			TokenType:  domain.TokenTypeRefresh,
			Provider:   domain.ProviderAtlassian,
			GrantID:    grantID,
			Scope:      scopes,
			ExpiresAt:  now.Add(s.opts.RefreshTokenTTL),
			CreatedAt:  now,
			ClientInfo: clientInfo,
		}
		if err := s.tokens.Store(ctx, refresh); err != nil {
			return fmt.Errorf("store refresh record: %w", err)
		}
		metrics.TokensIssuedTotal.Inc()
	}
	return nil
}

// ValidateToken resolves a raw bearer string and checks its liveness.
// Revocation wins over expiry when both hold. A successful validation
// updates last_used best-effort.
func (s *AuthService) ValidateToken(ctx context.Context, raw string) (*domain.TokenRecord, error) {
	rec, err := s.tokens.GetByValue(ctx, raw)
	if err != nil {
		return nil, err
	}
	if rec.Revoked {
		return nil, autherrors.ErrTokenRevoked
	}
	if rec.IsExpired(time.Now()) {
		return nil, autherrors.ErrTokenExpired
	}
	if err := s.tokens.TouchLastUsed(ctx, rec.ID, time.Now().UTC()); err != nil {
		s.logger.Debug(ctx, "failed to touch token record", map[string]interface{}{
			"token_id": rec.ID, "error": err.Error(),
		})
	}
	return rec, nil
}

// RefreshToken exchanges a stored refresh token for a fresh access token.
// The generation bump is the concurrency gate: it happens after the provider
// call succeeds and before anything is revoked or persisted, so a racing
// refresh that loses observes ErrRefreshConflict and leaves no side effects.
func (s *AuthService) RefreshToken(ctx context.Context, rawRefresh string) (*domain.AuthTokens, error) {
	rec, err := s.ValidateToken(ctx, rawRefresh)
	if err != nil {
		return nil, err
	}
	if rec.TokenType != domain.TokenTypeRefresh {
		return nil, autherrors.NewOAuthError("invalid_request", "presented token is not a refresh token")
	}

	tokens, err := s.provider.Refresh(ctx, rawRefresh)
	if err != nil {
		return nil, err
	}

	if err := s.tokens.BumpGeneration(ctx, rec.ID, rec.Generation); err != nil {
		return nil, err
	}

	if _, err := s.tokens.RevokeGrantAccessTokens(ctx, rec.GrantID); err != nil {
		return nil, fmt.Errorf("revoke superseded access records: %w", err)
	}

	now := time.Now().UTC()
	accessExpiry := tokens.ExpiresAt
	if accessExpiry.IsZero() {
		accessExpiry = now.Add(s.opts.DefaultTokenTTL)
	}
	access := &domain.TokenRecord{
		ID:         uuid.NewString(),
		TokenHash:  domain.HashToken(tokens.AccessToken),
		UserID:     rec.UserID,
		TokenType:  domain.TokenTypeAccess,
		Provider:   rec.Provider,
		GrantID:    rec.GrantID,
		Scope:      grantedScopes(tokens.Scope, rec.Scope),
		ExpiresAt:  accessExpiry,
		CreatedAt:  now,
		ClientInfo: rec.ClientInfo,
	}
	if err := s.tokens.Store(ctx, access); err != nil {
		return nil, fmt.Errorf("store refreshed access record: %w", err)
	}
	metrics.TokensIssuedTotal.Inc()

	if tokens.RefreshToken != "" && tokens.RefreshToken != rawRefresh {
		// The provider rotated the refresh token: retire the old record and
		// track the replacement under the same grant.
		if _, err := s.tokens.Revoke(ctx, rec.ID); err != nil {
			return nil, fmt.Errorf("retire rotated refresh record: %w", err)
		}
		replacement := &domain.TokenRecord{
			ID:         uuid.NewString(),
			TokenHash:  domain.HashToken(tokens.RefreshToken),
			UserID:     rec.UserID,
			TokenType:  domain.TokenTypeRefresh,
			Provider:   rec.Provider,
			GrantID:    rec.GrantID,
			Scope:      rec.Scope,
			ExpiresAt:  now.Add(s.opts.RefreshTokenTTL),
			CreatedAt:  now,
			ClientInfo: rec.ClientInfo,
		}
		if err := s.tokens.Store(ctx, replacement); err != nil {
			return nil, fmt.Errorf("store rotated refresh record: %w", err)
		}
		metrics.TokensIssuedTotal.Inc()
	}

	metrics.TokensRefreshedTotal.Inc()
	s.logger.Info(ctx, "token refreshed", map[string]interface{}{
		"user_id":  rec.UserID,
		"grant_id": rec.GrantID,
		"rotated":  tokens.RefreshToken != rawRefresh,
	})
	return tokens, nil
}

// RevokeToken revokes a single stored token. The provider is notified
// best-effort first; the local transition is what logout semantics rest on.
// Returns false when the record was already revoked or unknown.
func (s *AuthService) RevokeToken(ctx context.Context, raw string) (bool, error) {
	rec, err := s.tokens.GetByValue(ctx, raw)
	if err != nil {
		if errors.Is(err, autherrors.ErrTokenNotFound) {
			return false, nil
		}
		return false, err
	}
	if _, err := s.provider.Revoke(ctx, raw); err != nil {
		s.logger.Warn(ctx, "provider revocation failed", map[string]interface{}{
			"token_id": rec.ID, "error": err.Error(),
		})
	}
	ok, err := s.tokens.Revoke(ctx, rec.ID)
	if err != nil {
		return false, err
	}
	if ok {
		metrics.TokensRevokedTotal.Inc()
	}
	return ok, nil
}

// Logout revokes the presented token together with every sibling record of
// its grant, so neither the access nor the refresh half survives.
func (s *AuthService) Logout(ctx context.Context, raw string) (int64, error) {
	rec, err := s.tokens.GetByValue(ctx, raw)
	if err != nil {
		if errors.Is(err, autherrors.ErrTokenNotFound) {
			return 0, nil
		}
		return 0, err
	}
	if _, err := s.provider.Revoke(ctx, raw); err != nil {
		s.logger.Warn(ctx, "provider revocation failed", map[string]interface{}{
			"token_id": rec.ID, "error": err.Error(),
		})
	}
	n, err := s.tokens.RevokeGrant(ctx, rec.GrantID)
	if err != nil {
		return 0, err
	}
	metrics.TokensRevokedTotal.Add(float64(n))
	s.logger.Info(ctx, "user logged out", map[string]interface{}{
		"user_id":  rec.UserID,
		"grant_id": rec.GrantID,
		"revoked":  n,
	})
	return n, nil
}

// RevokeUserTokens revokes every live record of the user across all grants.
func (s *AuthService) RevokeUserTokens(ctx context.Context, userID string) (int64, error) {
	n, err := s.tokens.RevokeAllForUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	metrics.TokensRevokedTotal.Add(float64(n))
	return n, nil
}

// CheckScopes verifies the record carries every required scope.
func (s *AuthService) CheckScopes(rec *domain.TokenRecord, required []string) error {
	var missing []string
	for _, scope := range required {
		if !rec.HasScope(scope) {
			missing = append(missing, scope)
		}
	}
	if len(missing) > 0 {
		return &autherrors.AuthorizationError{Missing: missing}
	}
	return nil
}

// GetUserInfo loads the cached profile behind a validated record.
func (s *AuthService) GetUserInfo(ctx context.Context, rec *domain.TokenRecord) (*domain.UserInfo, error) {
	return s.users.GetByID(ctx, rec.UserID)
}

// DeleteExpiredTokens prunes token records past the retention cutoff.
func (s *AuthService) DeleteExpiredTokens(ctx context.Context, before time.Time) (int64, error) {
	return s.tokens.DeleteExpired(ctx, before)
}

// grantedScopes prefers the provider-reported scope string, falling back to
// what was requested.
func grantedScopes(reported string, requested []string) []string {
	fields := strings.Fields(reported)
	if len(fields) > 0 {
		return fields
	}
	return requested
}

// exchangeFailureCode picks the session error code for an exchange failure.
func exchangeFailureCode(err error) string {
	var xerr *autherrors.ExchangeError
	if errors.As(err, &xerr) {
		return xerr.Code
	}
	return "server_error"
}
