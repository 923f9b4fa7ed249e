// Package atlassian implements the outbound client for Atlassian's OAuth 2.0
// (3LO) endpoints: authorization URL building, code exchange, refresh,
// user-info retrieval and best-effort revocation.
package atlassian

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/arch-faustocorrea/atlassian-oauth-proxy-v1/domain"
	autherrors "github.com/arch-faustocorrea/atlassian-oauth-proxy-v1/errors"
	"github.com/arch-faustocorrea/atlassian-oauth-proxy-v1/internal/metrics"
	"github.com/arch-faustocorrea/atlassian-oauth-proxy-v1/log"
)

// Atlassian cloud defaults.
const (
	DefaultAuthURL  = "https://auth.atlassian.com/authorize"
	DefaultTokenURL = "https://auth.atlassian.com/oauth/token"
	DefaultAPIURL   = "https://api.atlassian.com"

	// audience is required by Atlassian on the authorize redirect.
	audience = "api.atlassian.com"
)

// Config carries the provider credentials and endpoints.
type Config struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	APIBaseURL   string
	// Timeout bounds every outbound call. Defaults to 30s.
	Timeout time.Duration
}

// Client talks to Atlassian's OAuth endpoints. Safe for concurrent use.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     log.Logger
}

var _ domain.ProviderClient = (*Client)(nil)

// NewClient builds a Client, filling unset endpoints with the Atlassian
// cloud defaults.
func NewClient(cfg Config, logger log.Logger) *Client {
	if cfg.AuthURL == "" {
		cfg.AuthURL = DefaultAuthURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultTokenURL
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = DefaultAPIURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With(map[string]interface{}{"component": "atlassian_client"}),
	}
}

func (c *Client) oauthConfig(redirectURI string, scopes []string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
		RedirectURL:  redirectURI,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  c.cfg.AuthURL,
			TokenURL: c.cfg.TokenURL,
			// Atlassian wants client credentials form-encoded in the body.
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// callCtx bounds the call and routes it through our timing HTTP client.
func (c *Client) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	return context.WithTimeout(ctx, c.cfg.Timeout)
}

// AuthorizationURL builds the consent URL for the given flow. Pure.
func (c *Client) AuthorizationURL(redirectURI, state string, scopes []string) string {
	return c.oauthConfig(redirectURI, scopes).AuthCodeURL(state,
		oauth2.SetAuthURLParam("audience", audience),
		oauth2.SetAuthURLParam("prompt", "consent"),
	)
}

// Exchange swaps an authorization code for tokens at the token endpoint.
func (c *Client) Exchange(ctx context.Context, code, redirectURI string) (*domain.AuthTokens, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	start := time.Now()
	tok, err := c.oauthConfig(redirectURI, nil).Exchange(ctx, code)
	elapsed := time.Since(start)
	metrics.ObserveProviderCall("token_exchange", tokenEndpointStatus(err), elapsed)

	if err != nil {
		c.logger.Warn(ctx, "code exchange failed", map[string]interface{}{
			"duration_ms": elapsed.Milliseconds(), "error": err.Error(),
		})
		return nil, mapTokenEndpointError(err)
	}

	tokens := tokensFromOAuth2(tok, "")
	c.logger.Info(ctx, "exchanged code for tokens", map[string]interface{}{
		"duration_ms":       elapsed.Milliseconds(),
		"has_refresh_token": tokens.RefreshToken != "",
		"expires_in":        tokens.ExpiresIn,
		"scope":             tokens.Scope,
	})
	return tokens, nil
}

// Refresh obtains a new access token. The incoming refresh token is kept in
// the result when the provider does not rotate it.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*domain.AuthTokens, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	start := time.Now()
	src := c.oauthConfig("", nil).TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	elapsed := time.Since(start)
	metrics.ObserveProviderCall("token_refresh", tokenEndpointStatus(err), elapsed)

	if err != nil {
		c.logger.Warn(ctx, "token refresh failed", map[string]interface{}{
			"duration_ms": elapsed.Milliseconds(), "error": err.Error(),
		})
		return nil, mapTokenEndpointError(err)
	}

	tokens := tokensFromOAuth2(tok, refreshToken)
	c.logger.Info(ctx, "refreshed tokens", map[string]interface{}{
		"duration_ms":           elapsed.Milliseconds(),
		"has_new_refresh_token": tokens.RefreshToken != refreshToken,
		"expires_in":            tokens.ExpiresIn,
	})
	return tokens, nil
}

// FetchUserInfo loads the profile behind an access token from /me.
func (c *Client) FetchUserInfo(ctx context.Context, accessToken string) (*domain.UserInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.APIBaseURL+"/me", nil)
	if err != nil {
		return nil, fmt.Errorf("build user info request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		metrics.ObserveProviderCall("user_info", 0, elapsed)
		if isTimeout(err) {
			return nil, fmt.Errorf("user info: %w", autherrors.ErrUpstreamTimeout)
		}
		return nil, fmt.Errorf("user info: %w: %v", autherrors.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()
	metrics.ObserveProviderCall("user_info", resp.StatusCode, elapsed)

	if resp.StatusCode != http.StatusOK {
		return nil, &autherrors.UpstreamRejectedError{Status: resp.StatusCode}
	}

	var raw struct {
		AccountID   string `json:"account_id"`
		Email       string `json:"email"`
		Name        string `json:"name"`
		DisplayName string `json:"display_name"`
		Picture     string `json:"picture"`
		Locale      string `json:"locale"`
		Zoneinfo    string `json:"zoneinfo"`
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read user info response: %w", err)
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode user info response: %w", err)
	}

	user := &domain.UserInfo{
		UserID:      raw.AccountID,
		Email:       raw.Email,
		Name:        raw.Name,
		DisplayName: raw.DisplayName,
		AvatarURL:   raw.Picture,
		Locale:      raw.Locale,
		Timezone:    raw.Zoneinfo,
		Provider:    domain.ProviderAtlassian,
		ProviderID:  raw.AccountID,
		LastLogin:   time.Now().UTC(),
		IsActive:    true,
	}
	c.logger.Info(ctx, "retrieved user info", map[string]interface{}{
		"duration_ms": elapsed.Milliseconds(),
		"user_id":     user.UserID,
	})
	return user, nil
}

// Revoke is best-effort: Atlassian exposes no standard revocation endpoint,
// so revocation is local to the proxy's stores. The attempt is logged for
// auditing.
func (c *Client) Revoke(ctx context.Context, rawToken string) (bool, error) {
	c.logger.Info(ctx, "token revocation requested", map[string]interface{}{
		"token_length": len(rawToken),
	})
	return true, nil
}

// tokensFromOAuth2 converts an oauth2.Token, falling back to the previous
// refresh token when the provider issued none.
func tokensFromOAuth2(tok *oauth2.Token, previousRefresh string) *domain.AuthTokens {
	tokens := &domain.AuthTokens{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    strings.ToLower(tok.TokenType),
	}
	if tokens.TokenType == "" {
		tokens.TokenType = "bearer"
	}
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = previousRefresh
	}
	if idToken, ok := tok.Extra("id_token").(string); ok {
		tokens.IDToken = idToken
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		tokens.Scope = scope
	}
	if !tok.Expiry.IsZero() {
		tokens.ExpiresAt = tok.Expiry
		if in := time.Until(tok.Expiry); in > 0 {
			tokens.ExpiresIn = int(in.Round(time.Second).Seconds())
		}
	}
	return tokens
}

// tokenEndpointStatus extracts the HTTP status for metrics; 0 means the
// request never produced a response.
func tokenEndpointStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) && rerr.Response != nil {
		return rerr.Response.StatusCode
	}
	return 0
}

// mapTokenEndpointError translates x/oauth2 failures into the typed taxonomy.
func mapTokenEndpointError(err error) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		code := rerr.ErrorCode
		desc := rerr.ErrorDescription
		if code == "" {
			// Not every failure body is the standard JSON error shape.
			var payload struct {
				Error            string `json:"error"`
				ErrorDescription string `json:"error_description"`
			}
			if jsonErr := json.Unmarshal(rerr.Body, &payload); jsonErr == nil && payload.Error != "" {
				code, desc = payload.Error, payload.ErrorDescription
			} else {
				code = "server_error"
				desc = fmt.Sprintf("token endpoint returned status %d", rerr.Response.StatusCode)
			}
		}
		return &autherrors.ExchangeError{Code: code, Description: desc}
	}
	if isTimeout(err) {
		return fmt.Errorf("token endpoint: %w", autherrors.ErrUpstreamTimeout)
	}
	return fmt.Errorf("token endpoint: %w: %v", autherrors.ErrUpstreamUnavailable, err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var uerr *url.Error
	return errors.As(err, &uerr) && uerr.Timeout()
}
