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

// SessionRepository implements domain.SessionStore on a MongoDB collection.
// Consume is a single filtered FindOneAndUpdate, so exactly one concurrent
// caller matches the initiated document.
type SessionRepository struct {
	coll *mongo.Collection
}

var _ domain.SessionStore = (*SessionRepository)(nil)

func NewSessionRepository(db *mongo.Database) *SessionRepository {
	return &SessionRepository{coll: db.Collection(SessionsCollection)}
}

func (r *SessionRepository) Save(ctx context.Context, s *domain.OAuthSession) error {
	if _, err := r.coll.InsertOne(ctx, s); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (r *SessionRepository) GetByState(ctx context.Context, state string) (*domain.OAuthSession, error) {
	var s domain.OAuthSession
	err := r.coll.FindOne(ctx, bson.M{"state": state}).Decode(&s)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, autherrors.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &s, nil
}

func (r *SessionRepository) Consume(ctx context.Context, state string) (*domain.OAuthSession, error) {
	now := time.Now().UTC()
	var s domain.OAuthSession
	err := r.coll.FindOneAndUpdate(ctx,
		bson.M{
			"state":      state,
			"status":     domain.SessionInitiated,
			"expires_at": bson.M{"$gt": now},
		},
		bson.M{"$set": bson.M{"status": domain.SessionAuthorized}},
	).Decode(&s)
	if err == nil {
		// The decoded document predates the update.
		s.Status = domain.SessionAuthorized
		return &s, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("consume session: %w", err)
	}

	// No match: inspect the document to tell the caller why.
	existing, gerr := r.GetByState(ctx, state)
	if gerr != nil {
		return nil, gerr
	}
	if existing.IsExpired(now) {
		if !existing.Status.Terminal() {
			_, _ = r.coll.UpdateOne(ctx,
				bson.M{"state": state, "status": bson.M{"$in": []domain.SessionStatus{
					domain.SessionInitiated, domain.SessionAuthorized,
				}}},
				bson.M{"$set": bson.M{"status": domain.SessionExpired}})
		}
		return nil, autherrors.ErrSessionExpired
	}
	return nil, autherrors.ErrSessionAlreadyConsumed
}

func (r *SessionRepository) Update(ctx context.Context, s *domain.OAuthSession) error {
	res, err := r.coll.ReplaceOne(ctx, bson.M{"state": s.State}, s)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if res.MatchedCount == 0 {
		return autherrors.ErrSessionNotFound
	}
	return nil
}

func (r *SessionRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.coll.DeleteMany(ctx, bson.M{"expires_at": bson.M{"$lt": before.UTC()}})
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	return res.DeletedCount, nil
}
