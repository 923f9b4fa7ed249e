package echo

import (
	"errors"
	"net/http"
	"strings"

	"github.com/arch-faustocorrea/atlassian-oauth-proxy-v1/api"
	autherrors "github.com/arch-faustocorrea/atlassian-oauth-proxy-v1/errors"
)

// mapError translates the engine's typed errors into HTTP status codes and
// OAuth-shaped error bodies. Session and protocol errors are the caller's
// fault (4xx); provider trouble surfaces as gateway errors (502/504).
func mapError(err error) (int, api.ErrorResponse) {
	var oerr *autherrors.OAuthError
	if errors.As(err, &oerr) {
		return http.StatusBadRequest, api.ErrorResponse{Error: oerr.Code, ErrorDescription: oerr.Description}
	}
	var xerr *autherrors.ExchangeError
	if errors.As(err, &xerr) {
		return http.StatusBadRequest, api.ErrorResponse{Error: xerr.Code, ErrorDescription: xerr.Description}
	}
	var aerr *autherrors.AuthorizationError
	if errors.As(err, &aerr) {
		return http.StatusForbidden, api.ErrorResponse{
			Error:            "insufficient_scope",
			ErrorDescription: "missing scopes: " + strings.Join(aerr.Missing, " "),
		}
	}
	var rerr *autherrors.UpstreamRejectedError
	if errors.As(err, &rerr) {
		return http.StatusBadGateway, api.ErrorResponse{Error: "upstream_error", ErrorDescription: err.Error()}
	}

	switch {
	case errors.Is(err, autherrors.ErrSessionNotFound),
		errors.Is(err, autherrors.ErrSessionExpired),
		errors.Is(err, autherrors.ErrSessionAlreadyConsumed):
		return http.StatusBadRequest, api.ErrorResponse{Error: "invalid_state", ErrorDescription: err.Error()}
	case errors.Is(err, autherrors.ErrTokenNotFound),
		errors.Is(err, autherrors.ErrTokenExpired),
		errors.Is(err, autherrors.ErrTokenRevoked):
		return http.StatusUnauthorized, api.ErrorResponse{Error: "invalid_token", ErrorDescription: err.Error()}
	case errors.Is(err, autherrors.ErrRefreshConflict):
		return http.StatusConflict, api.ErrorResponse{Error: "refresh_conflict", ErrorDescription: err.Error()}
	case errors.Is(err, autherrors.ErrUserNotFound):
		return http.StatusNotFound, api.ErrorResponse{Error: "user_not_found", ErrorDescription: err.Error()}
	case errors.Is(err, autherrors.ErrUpstreamTimeout):
		return http.StatusGatewayTimeout, api.ErrorResponse{Error: "upstream_timeout", ErrorDescription: err.Error()}
	case errors.Is(err, autherrors.ErrUpstreamUnavailable):
		return http.StatusBadGateway, api.ErrorResponse{Error: "upstream_unavailable", ErrorDescription: err.Error()}
	}
	return http.StatusInternalServerError, api.ErrorResponse{Error: "server_error", ErrorDescription: "internal server error"}
}
