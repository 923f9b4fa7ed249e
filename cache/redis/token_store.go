// Package redis implements the stores on top of Redis. Token records are
// Redis hashes so the mutable fields (revoked, generation, last_used) can be
// flipped atomically by small Lua scripts without re-encoding the record.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arch-faustocorrea/atlassian-oauth-proxy-v1/domain"
	autherrors "github.com/arch-faustocorrea/atlassian-oauth-proxy-v1/errors"
	"github.com/arch-faustocorrea/atlassian-oauth-proxy-v1/log"
)

const (
	tokenIDPrefix    = "auth:token:id:"
	tokenHashPrefix  = "auth:token:hash:"
	tokenUserPrefix  = "auth:token:user:"
	tokenGrantPrefix = "auth:token:grant:"
)

// revokeScript flips the revoked field once. Returns 1 when this call made
// the transition, 0 when the record is absent or already revoked.
var revokeScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return 0
end
if redis.call("HGET", KEYS[1], "revoked") == "1" then
	return 0
end
redis.call("HSET", KEYS[1], "revoked", "1")
return 1
`)

// bumpGenerationScript increments generation only when it still equals the
// expected value. Returns 1 on success, 0 on conflict, -1 when absent.
var bumpGenerationScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return -1
end
if redis.call("HGET", KEYS[1], "generation") ~= ARGV[1] then
	return 0
end
redis.call("HINCRBY", KEYS[1], "generation", 1)
return 1
`)

// TokenStore persists token records in Redis. Every key carries a TTL of the
// record's lifetime plus the retention window, so Redis itself ages records
// out.
type TokenStore struct {
	client    *redis.Client
	retention time.Duration
	logger    log.Logger
}

var _ domain.TokenStore = (*TokenStore)(nil)

func NewTokenStore(client *redis.Client, retention time.Duration, logger log.Logger) *TokenStore {
	return &TokenStore{
		client:    client,
		retention: retention,
		logger:    logger.With(map[string]interface{}{"component": "redis_token_store"}),
	}
}

func (s *TokenStore) ttlFor(rec *domain.TokenRecord) time.Duration {
	ttl := time.Until(rec.ExpiresAt) + s.retention
	if ttl <= 0 {
		ttl = time.Minute
	}
	return ttl
}

func (s *TokenStore) Store(ctx context.Context, rec *domain.TokenRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal token record: %w", err)
	}
	ttl := s.ttlFor(rec)
	idKey := tokenIDPrefix + rec.ID
	userKey := tokenUserPrefix + rec.UserID
	grantKey := tokenGrantPrefix + rec.GrantID

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, idKey, map[string]interface{}{
		"data":       data,
		"revoked":    boolField(rec.Revoked),
		"generation": strconv.FormatInt(rec.Generation, 10),
		"type":       string(rec.TokenType),
		"last_used":  "",
	})
	pipe.Expire(ctx, idKey, ttl)
	pipe.Set(ctx, tokenHashPrefix+rec.TokenHash, rec.ID, ttl)
	pipe.SAdd(ctx, userKey, rec.ID)
	pipe.Expire(ctx, userKey, ttl)
	pipe.SAdd(ctx, grantKey, rec.ID)
	pipe.Expire(ctx, grantKey, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store token record: %w", err)
	}
	return nil
}

func (s *TokenStore) GetByID(ctx context.Context, id string) (*domain.TokenRecord, error) {
	fields, err := s.client.HGetAll(ctx, tokenIDPrefix+id).Result()
	if err != nil {
		return nil, fmt.Errorf("get token record: %w", err)
	}
	if len(fields) == 0 {
		return nil, autherrors.ErrTokenNotFound
	}
	return recordFromFields(fields)
}

func (s *TokenStore) GetByValue(ctx context.Context, raw string) (*domain.TokenRecord, error) {
	id, err := s.client.Get(ctx, tokenHashPrefix+domain.HashToken(raw)).Result()
	if err == redis.Nil {
		return nil, autherrors.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolve token hash: %w", err)
	}
	return s.GetByID(ctx, id)
}

func (s *TokenStore) Revoke(ctx context.Context, id string) (bool, error) {
	n, err := revokeScript.Run(ctx, s.client, []string{tokenIDPrefix + id}).Int()
	if err != nil {
		return false, fmt.Errorf("revoke token: %w", err)
	}
	return n == 1, nil
}

func (s *TokenStore) RevokeAllForUser(ctx context.Context, userID string) (int64, error) {
	return s.revokeMembers(ctx, tokenUserPrefix+userID, nil)
}

func (s *TokenStore) RevokeGrantAccessTokens(ctx context.Context, grantID string) (int64, error) {
	access := string(domain.TokenTypeAccess)
	return s.revokeMembers(ctx, tokenGrantPrefix+grantID, &access)
}

func (s *TokenStore) RevokeGrant(ctx context.Context, grantID string) (int64, error) {
	return s.revokeMembers(ctx, tokenGrantPrefix+grantID, nil)
}

// revokeMembers revokes every live record listed in the given index set,
// optionally restricted to one token type. Members whose record has already
// aged out are pruned from the set along the way.
func (s *TokenStore) revokeMembers(ctx context.Context, setKey string, onlyType *string) (int64, error) {
	ids, err := s.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return 0, fmt.Errorf("list index set: %w", err)
	}
	var n int64
	for _, id := range ids {
		idKey := tokenIDPrefix + id
		if onlyType != nil {
			typ, err := s.client.HGet(ctx, idKey, "type").Result()
			if err == redis.Nil {
				s.client.SRem(ctx, setKey, id)
				continue
			}
			if err != nil {
				return n, fmt.Errorf("read token type: %w", err)
			}
			if typ != *onlyType {
				continue
			}
		}
		ok, err := s.Revoke(ctx, id)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

func (s *TokenStore) BumpGeneration(ctx context.Context, id string, expected int64) error {
	n, err := bumpGenerationScript.Run(ctx, s.client,
		[]string{tokenIDPrefix + id}, strconv.FormatInt(expected, 10)).Int()
	if err != nil {
		return fmt.Errorf("bump token generation: %w", err)
	}
	switch n {
	case 1:
		return nil
	case 0:
		return autherrors.ErrRefreshConflict
	default:
		return autherrors.ErrTokenNotFound
	}
}

func (s *TokenStore) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	idKey := tokenIDPrefix + id
	exists, err := s.client.Exists(ctx, idKey).Result()
	if err != nil || exists == 0 {
		return err
	}
	return s.client.HSet(ctx, idKey, "last_used", at.UTC().Format(time.RFC3339Nano)).Err()
}

// DeleteExpired is a no-op for the Redis backend: every key carries a TTL and
// Redis removes it when the retention window closes.
func (s *TokenStore) DeleteExpired(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// recordFromFields rebuilds a TokenRecord from its hash representation. The
// mutable hash fields win over the values frozen in the JSON blob.
func recordFromFields(fields map[string]string) (*domain.TokenRecord, error) {
	var rec domain.TokenRecord
	if err := json.Unmarshal([]byte(fields["data"]), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal token record: %w", err)
	}
	rec.Revoked = fields["revoked"] == "1"
	if gen, err := strconv.ParseInt(fields["generation"], 10, 64); err == nil {
		rec.Generation = gen
	}
	if raw := fields["last_used"]; raw != "" {
		if at, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			rec.LastUsed = at
		}
	}
	return &rec, nil
}
