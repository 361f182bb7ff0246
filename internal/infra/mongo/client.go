// Package mongo persists connections in MongoDB.
package mongo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// ConnectionsCollection holds one document per connection.
const ConnectionsCollection = "connections"

// Connect establishes a connection to MongoDB and verifies it with a ping.
func Connect(ctx context.Context, uri, username, password string, logger *zap.Logger) (*mongo.Client, error) {
	logger.Debug("connecting to MongoDB")

	clientOptions := options.Client().ApplyURI(uri)
	if username != "" {
		clientOptions.SetAuth(options.Credential{Username: username, Password: password})
	}

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	logger.Info("connected to MongoDB")
	return client, nil
}

// EnsureIndexes makes connection names unique.
func EnsureIndexes(ctx context.Context, coll *mongo.Collection) error {
	_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "connection_name", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("connection_name_unique"),
	})
	if err != nil {
		return fmt.Errorf("failed to create connection_name index: %w", err)
	}
	return nil
}
