// Package errors holds the typed failure taxonomy shared by the engine,
// stores and gateway. Callers branch on these values with errors.Is/As; the
// gateway maps them to transport status codes.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Session layer.
var (
	ErrSessionNotFound        = errors.New("oauth session not found")
	ErrSessionExpired         = errors.New("oauth session expired")
	ErrSessionAlreadyConsumed = errors.New("oauth session already consumed")
)

// Token validation.
var (
	ErrTokenNotFound = errors.New("token not found")
	ErrTokenExpired  = errors.New("token expired")
	ErrTokenRevoked  = errors.New("token revoked")
)

// ErrRefreshConflict signals that a concurrent refresh rotated the same
// refresh token first. Nothing was revoked or issued on behalf of the loser.
var ErrRefreshConflict = errors.New("refresh token rotated concurrently")

// Transport to the identity provider.
var (
	ErrUpstreamTimeout     = errors.New("identity provider request timed out")
	ErrUpstreamUnavailable = errors.New("identity provider unreachable")
)

// ErrUserNotFound signals a token whose user profile is no longer cached.
var ErrUserNotFound = errors.New("user not found")

// OAuthError is a flow error reported by the provider on the callback
// (e.g. access_denied when the user refuses consent).
type OAuthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func (e *OAuthError) Error() string {
	if e.Description == "" {
		return "oauth error: " + e.Code
	}
	return fmt.Sprintf("oauth error: %s: %s", e.Code, e.Description)
}

// NewOAuthError builds an OAuthError, defaulting the code when the provider
// sent none.
func NewOAuthError(code, description string) *OAuthError {
	if code == "" {
		code = "server_error"
	}
	return &OAuthError{Code: code, Description: description}
}

// ExchangeError is a non-success response from the provider's token
// endpoint during code exchange or refresh.
type ExchangeError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func (e *ExchangeError) Error() string {
	if e.Description == "" {
		return "token exchange failed: " + e.Code
	}
	return fmt.Sprintf("token exchange failed: %s: %s", e.Code, e.Description)
}

// UpstreamRejectedError is a non-success status from a provider API call
// that is not an OAuth protocol error (e.g. the user-info endpoint).
type UpstreamRejectedError struct {
	Status int
}

func (e *UpstreamRejectedError) Error() string {
	return fmt.Sprintf("identity provider rejected request: status %d", e.Status)
}

// AuthorizationError reports a failed scope check along with the scopes the
// token lacks.
type AuthorizationError struct {
	Missing []string
}

func (e *AuthorizationError) Error() string {
	return "insufficient scope, missing: " + strings.Join(e.Missing, ", ")
}
