package domain

import "time"

// TokenType identifies what kind of credential a TokenRecord tracks.
type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
	TokenTypeID      TokenType = "id"
)

// Provider identifies the upstream identity provider a credential belongs to.
type Provider string

// ProviderAtlassian is the only provider currently wired in.
const ProviderAtlassian Provider = "atlassian"

// TokenRecord is the persisted metadata for one issued token. The raw bearer
// string is never stored; TokenHash (SHA-256 hex of the raw value) is the
// lookup key.
type TokenRecord struct {
	ID         string            `bson:"_id"                   json:"token_id"`
	TokenHash  string            `bson:"token_hash"            json:"token_hash"`
	UserID     string            `bson:"user_id"               json:"user_id"`
	TokenType  TokenType         `bson:"token_type"            json:"token_type"`
	Provider   Provider          `bson:"provider"              json:"provider"`
	GrantID    string            `bson:"grant_id"              json:"grant_id"`
	Scope      []string          `bson:"scope"                 json:"scope"`
	ExpiresAt  time.Time         `bson:"expires_at"            json:"expires_at"`
	Revoked    bool              `bson:"revoked"               json:"revoked"`
	Generation int64             `bson:"generation"            json:"generation"`
	CreatedAt  time.Time         `bson:"created_at"            json:"created_at"`
	LastUsed   time.Time         `bson:"last_used,omitempty"   json:"last_used,omitempty"`
	ClientInfo map[string]string `bson:"client_info,omitempty" json:"client_info,omitempty"`
}

// IsExpired reports whether the token's lifetime has passed at the given instant.
func (t *TokenRecord) IsExpired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// IsValid holds iff the token is neither revoked nor expired.
func (t *TokenRecord) IsValid(now time.Time) bool {
	return !t.Revoked && !t.IsExpired(now)
}

// HasScope reports whether the record carries the given scope.
func (t *TokenRecord) HasScope(scope string) bool {
	for _, s := range t.Scope {
		if s == scope {
			return true
		}
	}
	return false
}

// AuthTokens is the transient bundle handed back to a caller right after a
// code exchange or refresh. It is never persisted as-is; TokenRecords are
// derived from it.
type AuthTokens struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	IDToken      string    `json:"id_token,omitempty"`
	TokenType    string    `json:"token_type"`
	ExpiresIn    int       `json:"expires_in,omitempty"`
	Scope        string    `json:"scope,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}
