package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	redisclient "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/arch-faustocorrea/atlassian-oauth-proxy-v1/api/echo"
	"github.com/arch-faustocorrea/atlassian-oauth-proxy-v1/atlassian"
	"github.com/arch-faustocorrea/atlassian-oauth-proxy-v1/cache"
	cacheredis "github.com/arch-faustocorrea/atlassian-oauth-proxy-v1/cache/redis"
	"github.com/arch-faustocorrea/atlassian-oauth-proxy-v1/config"
	"github.com/arch-faustocorrea/atlassian-oauth-proxy-v1/domain"
	"github.com/arch-faustocorrea/atlassian-oauth-proxy-v1/internal/metrics"
	"github.com/arch-faustocorrea/atlassian-oauth-proxy-v1/internal/server"
	"github.com/arch-faustocorrea/atlassian-oauth-proxy-v1/log"
	"github.com/arch-faustocorrea/atlassian-oauth-proxy-v1/mongodb"
	"github.com/arch-faustocorrea/atlassian-oauth-proxy-v1/services"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		bootLogger := zerolog.New(os.Stderr).With().Timestamp().Logger()
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}

	logLevel, parseErr := zerolog.ParseLevel(cfg.LogLevel)
	if parseErr != nil {
		logLevel = zerolog.InfoLevel
	}
	logger := log.NewZerologAdapter(logLevel, cfg.LogPretty)
	ctx := context.Background()

	if err := cfg.Validate(); err != nil {
		logger.Fatal(ctx, "invalid configuration", err)
	}
	logger.Info(ctx, "configuration loaded", map[string]interface{}{
		"http_port":       cfg.HTTPPort,
		"storage_backend": cfg.StorageBackend,
		"log_level":       cfg.LogLevel,
	})

	metrics.Register(prometheus.DefaultRegisterer)

	tokenStore, sessionStore, userStore, cleanup, err := buildStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatal(ctx, "failed to initialize storage backend", err, map[string]interface{}{
			"backend": cfg.StorageBackend,
		})
	}
	defer cleanup()

	provider := atlassian.NewClient(atlassian.Config{
		ClientID:     cfg.AtlassianClientID,
		ClientSecret: cfg.AtlassianClientSecret,
		AuthURL:      cfg.AtlassianAuthURL,
		TokenURL:     cfg.AtlassianTokenURL,
		APIBaseURL:   cfg.AtlassianAPIURL,
		Timeout:      cfg.ProviderTimeout(),
	}, logger)

	sessions := services.NewSessionManager(sessionStore, cfg.SessionTTL(), logger)
	engine := services.NewAuthService(sessions, tokenStore, userStore, provider, services.Options{
		RedirectURI:     cfg.AtlassianRedirectURI,
		Scopes:          cfg.Scopes(),
		DefaultTokenTTL: cfg.DefaultTokenTTL(),
		RefreshTokenTTL: cfg.RefreshTokenTTL(),
	}, logger)

	srv := server.New(server.Config{
		Port:            cfg.HTTPPort,
		CORSOrigins:     cfg.CORSOrigins,
		RateLimitPerSec: cfg.RateLimitPerSec,
	}, logger)
	echo.NewAuthAPI(engine, logger).RegisterRoutes(srv.Echo())

	janitorCtx, stopJanitor := context.WithCancel(ctx)
	go runJanitor(janitorCtx, cfg, engine, sessions, logger)

	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal(ctx, "http server failed", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info(ctx, "shutting down", map[string]interface{}{"signal": sig.String()})

	stopJanitor()
	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error(shutdownCtx, "graceful shutdown failed", err)
	}
}

// buildStores selects the store implementations for the configured backend.
// The returned cleanup releases backend connections on shutdown.
func buildStores(ctx context.Context, cfg *config.ServerConfig, logger log.Logger) (domain.TokenStore, domain.SessionStore, domain.UserStore, func(), error) {
	switch cfg.StorageBackend {
	case "redis":
		client := redisclient.NewClient(&redisclient.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, nil, nil, nil, err
		}
		retention := cfg.TokenGracePeriod()
		return cacheredis.NewTokenStore(client, retention, logger),
			cacheredis.NewSessionStore(client, retention, logger),
			cacheredis.NewUserStore(client),
			func() { _ = client.Close() },
			nil

	case "mongo":
		client, db, err := mongodb.Connect(ctx, cfg.MongoURI, cfg.MongoDBName)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		return mongodb.NewTokenRepository(db),
			mongodb.NewSessionRepository(db),
			mongodb.NewUserRepository(db),
			func() { _ = client.Disconnect(context.Background()) },
			nil

	default:
		tokens := cache.NewMemoryTokenStore(cfg.TokenGracePeriod())
		return tokens,
			cache.NewMemorySessionStore(),
			cache.NewMemoryUserStore(),
			tokens.Close,
			nil
	}
}

// runJanitor periodically prunes records whose retention window has closed.
func runJanitor(ctx context.Context, cfg *config.ServerConfig, engine *services.AuthService, sessions *services.SessionManager, logger log.Logger) {
	interval := cfg.CleanupInterval()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-cfg.TokenGracePeriod())
			tokens, err := engine.DeleteExpiredTokens(ctx, cutoff)
			if err != nil {
				logger.Warn(ctx, "token cleanup failed", map[string]interface{}{"error": err.Error()})
			}
			sessionsDeleted, err := sessions.DeleteExpired(ctx, cutoff)
			if err != nil {
				logger.Warn(ctx, "session cleanup failed", map[string]interface{}{"error": err.Error()})
			}
			if tokens > 0 || sessionsDeleted > 0 {
				logger.Info(ctx, "cleanup pass finished", map[string]interface{}{
					"tokens_deleted":   tokens,
					"sessions_deleted": sessionsDeleted,
				})
			}
		}
	}
}
