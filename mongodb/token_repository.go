package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/arch-faustocorrea/atlassian-oauth-proxy-v1/domain"
	autherrors "github.com/arch-faustocorrea/atlassian-oauth-proxy-v1/errors"
)

// TokenRepository implements domain.TokenStore on a MongoDB collection.
// Conditional updates carry their guard in the filter, so atomicity comes
// from MongoDB's per-document update semantics.
type TokenRepository struct {
	coll *mongo.Collection
}

var _ domain.TokenStore = (*TokenRepository)(nil)

func NewTokenRepository(db *mongo.Database) *TokenRepository {
	return &TokenRepository{coll: db.Collection(TokensCollection)}
}

func (r *TokenRepository) Store(ctx context.Context, rec *domain.TokenRecord) error {
	if _, err := r.coll.InsertOne(ctx, rec); err != nil {
		return fmt.Errorf("store token record: %w", err)
	}
	return nil
}

func (r *TokenRepository) GetByID(ctx context.Context, id string) (*domain.TokenRecord, error) {
	var rec domain.TokenRecord
	err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, autherrors.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get token record: %w", err)
	}
	return &rec, nil
}

func (r *TokenRepository) GetByValue(ctx context.Context, raw string) (*domain.TokenRecord, error) {
	var rec domain.TokenRecord
	err := r.coll.FindOne(ctx, bson.M{"token_hash": domain.HashToken(raw)}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, autherrors.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get token record by hash: %w", err)
	}
	return &rec, nil
}

func (r *TokenRepository) Revoke(ctx context.Context, id string) (bool, error) {
	res, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": id, "revoked": false},
		bson.M{"$set": bson.M{"revoked": true}})
	if err != nil {
		return false, fmt.Errorf("revoke token: %w", err)
	}
	return res.ModifiedCount == 1, nil
}

func (r *TokenRepository) RevokeAllForUser(ctx context.Context, userID string) (int64, error) {
	res, err := r.coll.UpdateMany(ctx,
		bson.M{"user_id": userID, "revoked": false},
		bson.M{"$set": bson.M{"revoked": true}})
	if err != nil {
		return 0, fmt.Errorf("revoke user tokens: %w", err)
	}
	return res.ModifiedCount, nil
}

func (r *TokenRepository) RevokeGrantAccessTokens(ctx context.Context, grantID string) (int64, error) {
	res, err := r.coll.UpdateMany(ctx,
		bson.M{"grant_id": grantID, "token_type": domain.TokenTypeAccess, "revoked": false},
		bson.M{"$set": bson.M{"revoked": true}})
	if err != nil {
		return 0, fmt.Errorf("revoke grant access tokens: %w", err)
	}
	return res.ModifiedCount, nil
}

func (r *TokenRepository) RevokeGrant(ctx context.Context, grantID string) (int64, error) {
	res, err := r.coll.UpdateMany(ctx,
		bson.M{"grant_id": grantID, "revoked": false},
		bson.M{"$set": bson.M{"revoked": true}})
	if err != nil {
		return 0, fmt.Errorf("revoke grant: %w", err)
	}
	return res.ModifiedCount, nil
}

func (r *TokenRepository) BumpGeneration(ctx context.Context, id string, expected int64) error {
	res, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": id, "generation": expected},
		bson.M{"$inc": bson.M{"generation": 1}})
	if err != nil {
		return fmt.Errorf("bump token generation: %w", err)
	}
	if res.MatchedCount == 1 {
		return nil
	}
	// Disambiguate: conflict if the document exists at another generation.
	n, err := r.coll.CountDocuments(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("check token record: %w", err)
	}
	if n == 0 {
		return autherrors.ErrTokenNotFound
	}
	return autherrors.ErrRefreshConflict
}

func (r *TokenRepository) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	_, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"last_used": at.UTC()}})
	if err != nil {
		return fmt.Errorf("touch token record: %w", err)
	}
	return nil
}

func (r *TokenRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.coll.DeleteMany(ctx, bson.M{"expires_at": bson.M{"$lt": before.UTC()}})
	if err != nil {
		return 0, fmt.Errorf("delete expired tokens: %w", err)
	}
	return res.DeletedCount, nil
}
