package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds all configuration for the proxy. Tags use mapstructure
// for Viper unmarshalling; every key can be overridden by an environment
// variable of the same name.
type ServerConfig struct {
	HTTPPort string `mapstructure:"HTTP_PORT"`

	// StorageBackend selects the store implementations: memory, redis or mongo.
	StorageBackend string `mapstructure:"STORAGE_BACKEND"`

	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`

	MongoURI    string `mapstructure:"MONGO_URI"`
	MongoDBName string `mapstructure:"MONGO_DB_NAME"`

	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogPretty bool   `mapstructure:"LOG_PRETTY"`

	AtlassianClientID     string `mapstructure:"ATLASSIAN_CLIENT_ID"`
	AtlassianClientSecret string `mapstructure:"ATLASSIAN_CLIENT_SECRET"`
	AtlassianAuthURL      string `mapstructure:"ATLASSIAN_AUTH_URL"`
	AtlassianTokenURL     string `mapstructure:"ATLASSIAN_TOKEN_URL"`
	AtlassianAPIURL       string `mapstructure:"ATLASSIAN_API_URL"`
	AtlassianRedirectURI  string `mapstructure:"ATLASSIAN_REDIRECT_URI"`
	// AtlassianScopes is a comma-separated scope list.
	AtlassianScopes string `mapstructure:"ATLASSIAN_SCOPES"`

	SessionTTLSec      int `mapstructure:"SESSION_TTL_SEC"`
	ProviderTimeoutSec int `mapstructure:"PROVIDER_TIMEOUT_SEC"`
	// DefaultTokenTTLMin applies when the provider omits expires_in.
	DefaultTokenTTLMin int `mapstructure:"DEFAULT_TOKEN_TTL_MIN"`
	RefreshTokenTTLDay int `mapstructure:"REFRESH_TOKEN_TTL_DAY"`
	// TokenGracePeriodMin keeps expired records around for auditing before
	// the janitor deletes them.
	TokenGracePeriodMin int `mapstructure:"TOKEN_GRACE_PERIOD_MIN"`
	CleanupIntervalMin  int `mapstructure:"CLEANUP_INTERVAL_MIN"`

	CORSOrigins     []string `mapstructure:"CORS_ORIGINS"`
	RateLimitPerSec float64  `mapstructure:"RATE_LIMIT_PER_SEC"`
}

// Scopes returns the configured default scope list.
func (c *ServerConfig) Scopes() []string {
	var out []string
	for _, s := range strings.Split(c.AtlassianScopes, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *ServerConfig) SessionTTL() time.Duration { return time.Duration(c.SessionTTLSec) * time.Second }

func (c *ServerConfig) ProviderTimeout() time.Duration {
	return time.Duration(c.ProviderTimeoutSec) * time.Second
}

func (c *ServerConfig) DefaultTokenTTL() time.Duration {
	return time.Duration(c.DefaultTokenTTLMin) * time.Minute
}

func (c *ServerConfig) RefreshTokenTTL() time.Duration {
	return time.Duration(c.RefreshTokenTTLDay) * 24 * time.Hour
}

func (c *ServerConfig) TokenGracePeriod() time.Duration {
	return time.Duration(c.TokenGracePeriodMin) * time.Minute
}

func (c *ServerConfig) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalMin) * time.Minute
}

// Validate rejects configurations the server cannot start with.
func (c *ServerConfig) Validate() error {
	if c.AtlassianClientID == "" || c.AtlassianClientSecret == "" {
		return errors.New("ATLASSIAN_CLIENT_ID and ATLASSIAN_CLIENT_SECRET are required")
	}
	if c.AtlassianRedirectURI == "" {
		return errors.New("ATLASSIAN_REDIRECT_URI is required")
	}
	switch c.StorageBackend {
	case "memory", "redis", "mongo":
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q", c.StorageBackend)
	}
	return nil
}

// LoadConfig reads configuration from file, environment variables and defaults.
func LoadConfig() (*ServerConfig, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/oauth-proxy/")
	v.AddConfigPath("$HOME/.oauth-proxy")
	v.AddConfigPath(".")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("HTTP_PORT", "8080")
	v.SetDefault("STORAGE_BACKEND", "memory")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("MONGO_URI", "mongodb://localhost:27017/oauth_proxy")
	v.SetDefault("MONGO_DB_NAME", "oauth_proxy")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_PRETTY", false)
	v.SetDefault("ATLASSIAN_AUTH_URL", "https://auth.atlassian.com/authorize")
	v.SetDefault("ATLASSIAN_TOKEN_URL", "https://auth.atlassian.com/oauth/token")
	v.SetDefault("ATLASSIAN_API_URL", "https://api.atlassian.com")
	v.SetDefault("ATLASSIAN_SCOPES", "read:jira-work,read:jira-user,read:confluence-content.all")
	v.SetDefault("SESSION_TTL_SEC", 600)
	v.SetDefault("PROVIDER_TIMEOUT_SEC", 30)
	v.SetDefault("DEFAULT_TOKEN_TTL_MIN", 60)
	v.SetDefault("REFRESH_TOKEN_TTL_DAY", 7)
	v.SetDefault("TOKEN_GRACE_PERIOD_MIN", 60)
	v.SetDefault("CLEANUP_INTERVAL_MIN", 5)
	v.SetDefault("CORS_ORIGINS", []string{"http://localhost:3000"})
	v.SetDefault("RATE_LIMIT_PER_SEC", 20.0)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine: defaults and env vars apply.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	return &cfg, nil
}
