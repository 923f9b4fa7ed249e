package domain

import "context"

// ProviderClient wraps the remote calls to the upstream identity provider.
// Network and timeout handling live behind this interface; callers only see
// the typed error taxonomy.
type ProviderClient interface {
	// AuthorizationURL builds the URL the end user is redirected to. Pure:
	// no network, deterministic for a given input.
	AuthorizationURL(redirectURI, state string, scopes []string) string
	// Exchange swaps an authorization code for tokens. Fails with
	// *errors.ExchangeError on a provider-reported error, ErrUpstreamTimeout
	// on deadline, ErrUpstreamUnavailable on transport failure.
	Exchange(ctx context.Context, code, redirectURI string) (*AuthTokens, error)
	// Refresh obtains a fresh access token. Same failure modes as Exchange.
	// When the provider does not rotate the refresh token, the returned
	// bundle carries the one passed in.
	Refresh(ctx context.Context, refreshToken string) (*AuthTokens, error)
	// FetchUserInfo loads the profile behind an access token. Fails with
	// *errors.UpstreamRejectedError on a non-200 response.
	FetchUserInfo(ctx context.Context, accessToken string) (*UserInfo, error)
	// Revoke asks the provider to invalidate a token. Best-effort: providers
	// without a revocation endpoint report success after logging.
	Revoke(ctx context.Context, rawToken string) (bool, error)
}
