package domain

import "time"

// UserInfo is the cached profile fetched from the provider. There is one
// record per (provider, provider_id); TokenRecord.UserID references it by
// UserID rather than embedding it.
type UserInfo struct {
	UserID      string            `bson:"_id"                  json:"user_id"`
	Email       string            `bson:"email"                json:"email"`
	Name        string            `bson:"name,omitempty"       json:"name,omitempty"`
	DisplayName string            `bson:"display_name,omitempty" json:"display_name,omitempty"`
	AvatarURL   string            `bson:"avatar_url,omitempty" json:"avatar_url,omitempty"`
	Locale      string            `bson:"locale,omitempty"     json:"locale,omitempty"`
	Timezone    string            `bson:"timezone,omitempty"   json:"timezone,omitempty"`
	Provider    Provider          `bson:"provider"             json:"provider"`
	ProviderID  string            `bson:"provider_id"          json:"provider_id"`
	Permissions []string          `bson:"permissions,omitempty" json:"permissions,omitempty"`
	Metadata    map[string]string `bson:"metadata,omitempty"   json:"metadata,omitempty"`
	LastLogin   time.Time         `bson:"last_login,omitempty" json:"last_login,omitempty"`
	IsActive    bool              `bson:"is_active"            json:"is_active"`
}
