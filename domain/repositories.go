package domain

import (
	"context"
	"time"
)

// TokenStore is the durable keyed storage for issued tokens. Implementations
// must make Store and Revoke atomic per record: a concurrent reader sees
// either the old or the new record, never a partial write.
type TokenStore interface {
	// Store persists a new token record.
	Store(ctx context.Context, rec *TokenRecord) error
	// GetByID returns the record with the given token ID, or ErrTokenNotFound.
	GetByID(ctx context.Context, id string) (*TokenRecord, error)
	// GetByValue resolves a raw bearer string through the hash index, or
	// ErrTokenNotFound. Never scans all records.
	GetByValue(ctx context.Context, raw string) (*TokenRecord, error)
	// Revoke marks the record revoked. Returns false when the record is
	// absent or already revoked, true when this call transitioned it.
	Revoke(ctx context.Context, id string) (bool, error)
	// RevokeAllForUser revokes every non-revoked record for the user and
	// returns the count actually transitioned.
	RevokeAllForUser(ctx context.Context, userID string) (int64, error)
	// RevokeGrantAccessTokens revokes all non-revoked access records issued
	// under the grant, leaving refresh records untouched.
	RevokeGrantAccessTokens(ctx context.Context, grantID string) (int64, error)
	// RevokeGrant revokes every non-revoked record under the grant,
	// refresh records included. Used by logout.
	RevokeGrant(ctx context.Context, grantID string) (int64, error)
	// BumpGeneration performs a conditional increment of the record's
	// generation counter. Fails with ErrRefreshConflict when the stored
	// generation no longer equals expected, which is how concurrent refresh
	// losers are detected.
	BumpGeneration(ctx context.Context, id string, expected int64) error
	// TouchLastUsed records a successful validation. Best-effort.
	TouchLastUsed(ctx context.Context, id string, at time.Time) error
	// DeleteExpired removes records whose expiry predates the cutoff and
	// returns how many were removed.
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// SessionStore persists OAuth flow sessions keyed by their state parameter.
type SessionStore interface {
	Save(ctx context.Context, s *OAuthSession) error
	// GetByState returns the session bound to the state, or ErrSessionNotFound.
	GetByState(ctx context.Context, state string) (*OAuthSession, error)
	// Consume performs the compare-and-swap initiated->authorized transition.
	// Exactly one concurrent caller succeeds for a given state; the rest get
	// ErrSessionAlreadyConsumed. An expired session is marked expired as a
	// side effect and reported as ErrSessionExpired.
	Consume(ctx context.Context, state string) (*OAuthSession, error)
	// Update persists a terminal transition on a previously consumed session.
	Update(ctx context.Context, s *OAuthSession) error
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// UserStore caches provider profiles, one per (provider, provider_id).
type UserStore interface {
	Upsert(ctx context.Context, u *UserInfo) error
	// GetByID returns the cached profile, or ErrUserNotFound.
	GetByID(ctx context.Context, id string) (*UserInfo, error)
}
