package domain

import "time"

// SessionStatus is the state of an OAuth authorization attempt.
type SessionStatus string

const (
	SessionInitiated  SessionStatus = "initiated"
	SessionAuthorized SessionStatus = "authorized"
	SessionCompleted  SessionStatus = "completed"
	SessionFailed     SessionStatus = "failed"
	SessionExpired    SessionStatus = "expired"
)

// Terminal reports whether no further transition is allowed from the status.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed || s == SessionExpired
}

// OAuthSession tracks one authorization attempt from login initiation to its
// terminal outcome. State is the CSRF binding between the authorization URL
// handed to the browser and the eventual provider callback; it is unique
// among non-expired sessions and consumed at most once.
type OAuthSession struct {
	SessionID        string            `bson:"_id"                         json:"session_id"`
	State            string            `bson:"state"                       json:"state"`
	Provider         Provider          `bson:"provider"                    json:"provider"`
	Status           SessionStatus     `bson:"status"                      json:"status"`
	RedirectURI      string            `bson:"redirect_uri"                json:"redirect_uri"`
	RequestedScopes  []string          `bson:"requested_scopes"            json:"requested_scopes"`
	GrantedScopes    []string          `bson:"granted_scopes,omitempty"    json:"granted_scopes,omitempty"`
	UserID           string            `bson:"user_id,omitempty"           json:"user_id,omitempty"`
	ClientInfo       map[string]string `bson:"client_info,omitempty"       json:"client_info,omitempty"`
	CreatedAt        time.Time         `bson:"created_at"                  json:"created_at"`
	ExpiresAt        time.Time         `bson:"expires_at"                  json:"expires_at"`
	ErrorCode        string            `bson:"error_code,omitempty"        json:"error_code,omitempty"`
	ErrorDescription string            `bson:"error_description,omitempty" json:"error_description,omitempty"`
}

// IsExpired reports whether the session's TTL has passed at the given instant.
func (s *OAuthSession) IsExpired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}
