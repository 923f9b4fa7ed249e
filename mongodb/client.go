// Package mongodb implements the stores on MongoDB for deployments that need
// durable, queryable token and session history.
package mongodb

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/v2/mongo/otelmongo"
)

// Collection names.
const (
	TokensCollection   = "auth_tokens"
	SessionsCollection = "auth_sessions"
	UsersCollection    = "auth_users"
)

// Connect opens an instrumented client, verifies connectivity and ensures
// the indexes the repositories rely on.
func Connect(ctx context.Context, uri, dbName string) (*mongo.Client, *mongo.Database, error) {
	opts := options.Client().
		ApplyURI(uri).
		SetConnectTimeout(10 * time.Second).
		SetMonitor(otelmongo.NewMonitor())

	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, nil, fmt.Errorf("ping mongodb: %w", err)
	}

	db := client.Database(dbName)
	if err := ensureIndexes(ctx, db); err != nil {
		_ = client.Disconnect(ctx)
		return nil, nil, err
	}
	return client, db, nil
}

func ensureIndexes(ctx context.Context, db *mongo.Database) error {
	tokenIndexes := []mongo.IndexModel{
		{Keys: map[string]interface{}{"token_hash": 1}, Options: options.Index().SetUnique(true)},
		{Keys: map[string]interface{}{"user_id": 1}},
		{Keys: map[string]interface{}{"grant_id": 1}},
		{Keys: map[string]interface{}{"expires_at": 1}},
	}
	if _, err := db.Collection(TokensCollection).Indexes().CreateMany(ctx, tokenIndexes); err != nil {
		return fmt.Errorf("create token indexes: %w", err)
	}

	sessionIndexes := []mongo.IndexModel{
		{Keys: map[string]interface{}{"state": 1}, Options: options.Index().SetUnique(true)},
		{Keys: map[string]interface{}{"expires_at": 1}},
	}
	if _, err := db.Collection(SessionsCollection).Indexes().CreateMany(ctx, sessionIndexes); err != nil {
		return fmt.Errorf("create session indexes: %w", err)
	}
	return nil
}
