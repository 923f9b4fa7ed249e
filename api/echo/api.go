// Package echo exposes the auth gateway over HTTP using the Echo framework.
package echo

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/arch-faustocorrea/atlassian-oauth-proxy-v1/api"
	"github.com/arch-faustocorrea/atlassian-oauth-proxy-v1/domain"
	"github.com/arch-faustocorrea/atlassian-oauth-proxy-v1/log"
	"github.com/arch-faustocorrea/atlassian-oauth-proxy-v1/services"
)

// Engine is the slice of the token lifecycle engine the gateway consumes.
type Engine interface {
	InitiateLogin(ctx context.Context, opts services.LoginOptions) (*services.LoginStart, error)
	HandleCallback(ctx context.Context, state, code, errCode, errDesc string) (*services.CallbackResult, error)
	ValidateToken(ctx context.Context, raw string) (*domain.TokenRecord, error)
	RefreshToken(ctx context.Context, rawRefresh string) (*domain.AuthTokens, error)
	Logout(ctx context.Context, raw string) (int64, error)
	RevokeUserTokens(ctx context.Context, userID string) (int64, error)
	GetUserInfo(ctx context.Context, rec *domain.TokenRecord) (*domain.UserInfo, error)
}

// AuthAPI wires the auth endpoints onto an Echo instance.
type AuthAPI struct {
	engine Engine
	logger log.Logger
}

func NewAuthAPI(engine Engine, logger log.Logger) *AuthAPI {
	return &AuthAPI{
		engine: engine,
		logger: logger.With(map[string]interface{}{"component": "auth_api"}),
	}
}

// RegisterRoutes mounts the gateway under /auth.
func (a *AuthAPI) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/auth")
	g.POST("/login", a.LoginHandler)
	g.GET("/callback", a.CallbackHandler)
	g.POST("/callback", a.CallbackHandler)
	g.POST("/refresh", a.RefreshHandler)
	g.POST("/logout", a.LogoutHandler)

	authed := g.Group("", RequireToken(a.engine))
	authed.GET("/me", a.MeHandler)
	authed.GET("/token-info", a.TokenInfoHandler)
}

// LoginHandler opens a flow session and returns the consent URL. The body is
// optional; when present it may override the redirect URI, the scope set and
// the state.
func (a *AuthAPI) LoginHandler(c echo.Context) error {
	var req api.LoginRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, api.ErrorResponse{
				Error:            "invalid_request",
				ErrorDescription: "malformed login request body",
			})
		}
	}
	start, err := a.engine.InitiateLogin(c.Request().Context(), services.LoginOptions{
		RedirectURI: req.RedirectURI,
		Scopes:      req.Scopes,
		State:       req.State,
		ClientInfo: map[string]string{
			"ip":         c.RealIP(),
			"user_agent": c.Request().UserAgent(),
		},
	})
	if err != nil {
		return a.writeError(c, err)
	}
	return c.JSON(http.StatusOK, api.NewLoginResponse(start))
}

// CallbackHandler receives the provider redirect. Parameters arrive in the
// query on GET and in the form body on POST; both shapes are accepted.
func (a *AuthAPI) CallbackHandler(c echo.Context) error {
	param := func(name string) string {
		if v := c.QueryParam(name); v != "" {
			return v
		}
		return c.FormValue(name)
	}
	state := param("state")
	if state == "" {
		return c.JSON(http.StatusBadRequest, api.ErrorResponse{
			Error:            "invalid_request",
			ErrorDescription: "missing state parameter",
		})
	}

	result, err := a.engine.HandleCallback(c.Request().Context(),
		state, param("code"), param("error"), param("error_description"))
	if err != nil {
		return a.writeError(c, err)
	}

	return c.JSON(http.StatusOK, api.CallbackResponse{
		Success:   true,
		Message:   "authentication completed",
		SessionID: result.SessionID,
		Tokens:    api.NewTokenBundle(result.Tokens),
		User:      api.NewUserResponse(result.User),
	})
}

// RefreshHandler exchanges a refresh token for a new access token.
func (a *AuthAPI) RefreshHandler(c echo.Context) error {
	var req api.RefreshRequest
	if err := c.Bind(&req); err != nil || req.RefreshToken == "" {
		return c.JSON(http.StatusBadRequest, api.ErrorResponse{
			Error:            "invalid_request",
			ErrorDescription: "refresh_token is required",
		})
	}
	tokens, err := a.engine.RefreshToken(c.Request().Context(), req.RefreshToken)
	if err != nil {
		return a.writeError(c, err)
	}
	return c.JSON(http.StatusOK, api.NewTokenBundle(tokens))
}

// LogoutHandler revokes the named token's grant. The token comes from the
// body, falling back to the bearer header. Unknown tokens succeed with a
// zero count so logout is idempotent.
func (a *AuthAPI) LogoutHandler(c echo.Context) error {
	var req api.LogoutRequest
	_ = c.Bind(&req)
	token := req.Token
	if token == "" {
		token = bearerToken(c)
	}
	if token == "" {
		return c.JSON(http.StatusBadRequest, api.ErrorResponse{
			Error:            "invalid_request",
			ErrorDescription: "no token to revoke",
		})
	}
	ctx := c.Request().Context()
	if req.All {
		// Revoking everything needs a live token to name the user.
		rec, err := a.engine.ValidateToken(ctx, token)
		if err != nil {
			return a.writeError(c, err)
		}
		n, err := a.engine.RevokeUserTokens(ctx, rec.UserID)
		if err != nil {
			return a.writeError(c, err)
		}
		return c.JSON(http.StatusOK, api.LogoutResponse{Success: true, RevokedCount: n})
	}

	n, err := a.engine.Logout(ctx, token)
	if err != nil {
		return a.writeError(c, err)
	}
	return c.JSON(http.StatusOK, api.LogoutResponse{Success: true, RevokedCount: n})
}

// MeHandler returns the profile behind the validated bearer token.
func (a *AuthAPI) MeHandler(c echo.Context) error {
	rec := TokenRecordFromContext(c)
	user, err := a.engine.GetUserInfo(c.Request().Context(), rec)
	if err != nil {
		return a.writeError(c, err)
	}
	return c.JSON(http.StatusOK, api.NewUserResponse(user))
}

// TokenInfoHandler introspects the validated bearer token.
func (a *AuthAPI) TokenInfoHandler(c echo.Context) error {
	rec := TokenRecordFromContext(c)
	return c.JSON(http.StatusOK, api.NewTokenInfoResponse(rec))
}

func (a *AuthAPI) writeError(c echo.Context, err error) error {
	status, body := mapError(err)
	if status >= http.StatusInternalServerError {
		a.logger.Error(c.Request().Context(), "request failed", err, map[string]interface{}{
			"path": c.Path(),
		})
	}
	return c.JSON(status, body)
}
