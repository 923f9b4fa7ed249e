// Package api defines the wire DTOs shared by the HTTP transports.
package api

import (
	"time"

	"github.com/arch-faustocorrea/atlassian-oauth-proxy-v1/domain"
	"github.com/arch-faustocorrea/atlassian-oauth-proxy-v1/services"
)

// LoginRequest optionally overrides the configured flow defaults. An empty
// body uses the server's redirect URI, scope set and a generated state.
type LoginRequest struct {
	RedirectURI string   `json:"redirect_uri,omitempty"`
	Scopes      []string `json:"scopes,omitempty"`
	State       string   `json:"state,omitempty"`
}

// LoginResponse starts a browser flow.
type LoginResponse struct {
	AuthorizationURL string    `json:"authorization_url"`
	State            string    `json:"state"`
	SessionID        string    `json:"session_id"`
	ExpiresAt        time.Time `json:"expires_at"`
}

// TokenBundle is the token set handed to the caller. Raw token values appear
// only here, never in stored or introspected responses.
type TokenBundle struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// UserResponse is the profile block embedded in callback and /me responses.
type UserResponse struct {
	UserID    string `json:"user_id"`
	Email     string `json:"email"`
	Name      string `json:"name,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
	Locale    string `json:"locale,omitempty"`
	Timezone  string `json:"timezone,omitempty"`
	Provider  string `json:"provider"`
}

// CallbackResponse reports the outcome of a completed authorization flow.
type CallbackResponse struct {
	Success   bool          `json:"success"`
	Message   string        `json:"message"`
	SessionID string        `json:"session_id,omitempty"`
	Tokens    *TokenBundle  `json:"tokens,omitempty"`
	User      *UserResponse `json:"user,omitempty"`
}

// RefreshRequest asks for a new access token.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// LogoutRequest names the token whose grant should be revoked. When empty,
// the bearer token on the request is used. All widens the revocation to
// every grant of the token's user.
type LogoutRequest struct {
	Token string `json:"token"`
	All   bool   `json:"all"`
}

// LogoutResponse reports how many records the logout revoked.
type LogoutResponse struct {
	Success      bool  `json:"success"`
	RevokedCount int64 `json:"revoked_count"`
}

// TokenInfoResponse is the introspection view of a stored record. The token
// hash stays internal.
type TokenInfoResponse struct {
	TokenID    string    `json:"token_id"`
	UserID     string    `json:"user_id"`
	TokenType  string    `json:"token_type"`
	Provider   string    `json:"provider"`
	GrantID    string    `json:"grant_id"`
	Scope      []string  `json:"scope"`
	ExpiresAt  time.Time `json:"expires_at"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsed   time.Time `json:"last_used,omitempty"`
	Generation int64     `json:"generation"`
}

// ErrorResponse is the uniform error body, shaped like the OAuth 2.0 error
// JSON so clients handle proxy and provider errors the same way.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// NewTokenBundle converts the engine's transient token set.
func NewTokenBundle(t *domain.AuthTokens) *TokenBundle {
	return &TokenBundle{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    t.TokenType,
		ExpiresIn:    t.ExpiresIn,
		Scope:        t.Scope,
	}
}

// NewUserResponse converts a cached profile.
func NewUserResponse(u *domain.UserInfo) *UserResponse {
	return &UserResponse{
		UserID:    u.UserID,
		Email:     u.Email,
		Name:      u.Name,
		AvatarURL: u.AvatarURL,
		Locale:    u.Locale,
		Timezone:  u.Timezone,
		Provider:  string(u.Provider),
	}
}

// NewTokenInfoResponse converts a stored record for introspection.
func NewTokenInfoResponse(rec *domain.TokenRecord) *TokenInfoResponse {
	return &TokenInfoResponse{
		TokenID:    rec.ID,
		UserID:     rec.UserID,
		TokenType:  string(rec.TokenType),
		Provider:   string(rec.Provider),
		GrantID:    rec.GrantID,
		Scope:      rec.Scope,
		ExpiresAt:  rec.ExpiresAt,
		CreatedAt:  rec.CreatedAt,
		LastUsed:   rec.LastUsed,
		Generation: rec.Generation,
	}
}

// NewLoginResponse converts an initiated flow.
func NewLoginResponse(start *services.LoginStart) *LoginResponse {
	return &LoginResponse{
		AuthorizationURL: start.AuthorizationURL,
		State:            start.State,
		SessionID:        start.SessionID,
		ExpiresAt:        start.ExpiresAt,
	}
}
