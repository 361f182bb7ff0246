package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/boddenberg/ledgerlink-go/internal/domain"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("mongo")

// Collection is the subset of *mongo.Collection the store uses.
type Collection interface {
	FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) *mongo.SingleResult
	Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (*mongo.Cursor, error)
	UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
	DeleteOne(ctx context.Context, filter interface{}, opts ...*options.DeleteOptions) (*mongo.DeleteResult, error)
	CountDocuments(ctx context.Context, filter interface{}, opts ...*options.CountOptions) (int64, error)
}

// Pinger checks the database is reachable.
type Pinger func(ctx context.Context) error

// ConnectionStore implements port.ConnectionStore for MongoDB.
type ConnectionStore struct {
	coll Collection
	ping Pinger
}

// NewConnectionStore creates a store on top of coll.
func NewConnectionStore(coll Collection, ping Pinger) *ConnectionStore {
	return &ConnectionStore{coll: coll, ping: ping}
}

// NewClientPinger pings the primary of client.
func NewClientPinger(client *mongo.Client) Pinger {
	return func(ctx context.Context) error {
		return client.Ping(ctx, nil)
	}
}

func byName(name string) bson.M {
	return bson.M{"connection_name": name}
}

// Exists reports whether a connection with name is stored.
func (s *ConnectionStore) Exists(ctx context.Context, name string) (bool, error) {
	ctx, span := tracer.Start(ctx, "Mongo.ConnectionExists")
	defer span.End()

	n, err := s.coll.CountDocuments(ctx, byName(name), options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("failed to count connections: %w", err)
	}
	return n > 0, nil
}

// Get loads one connection.
func (s *ConnectionStore) Get(ctx context.Context, name string) (*domain.Connection, error) {
	ctx, span := tracer.Start(ctx, "Mongo.GetConnection")
	defer span.End()
	span.SetAttributes(attribute.String("connection.name", name))

	var conn domain.Connection
	err := s.coll.FindOne(ctx, byName(name)).Decode(&conn)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &domain.ErrNotFound{Resource: "connection", ID: name}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load connection %s: %w", name, err)
	}
	return &conn, nil
}

// List loads every connection ordered by name.
func (s *ConnectionStore) List(ctx context.Context) ([]domain.Connection, error) {
	ctx, span := tracer.Start(ctx, "Mongo.ListConnections")
	defer span.End()

	cursor, err := s.coll.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "connection_name", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	defer cursor.Close(ctx)

	conns := []domain.Connection{}
	if err := cursor.All(ctx, &conns); err != nil {
		return nil, fmt.Errorf("failed to decode connections: %w", err)
	}
	span.SetAttributes(attribute.Int("connections.count", len(conns)))
	return conns, nil
}

// Upsert writes the whole connection, creating it if needed.
func (s *ConnectionStore) Upsert(ctx context.Context, conn *domain.Connection) error {
	ctx, span := tracer.Start(ctx, "Mongo.UpsertConnection")
	defer span.End()
	span.SetAttributes(attribute.String("connection.name", conn.Name))

	_, err := s.coll.UpdateOne(ctx, byName(conn.Name), bson.M{"$set": conn}, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to upsert connection %s: %w", conn.Name, err)
	}
	return nil
}

// UpdateTokens replaces the access token and, when given, the refresh token.
func (s *ConnectionStore) UpdateTokens(ctx context.Context, name string, access domain.Token, refresh *domain.Token) error {
	set := bson.M{"access_token": access}
	if refresh != nil {
		set["refresh_token"] = *refresh
	}
	return s.update(ctx, "Mongo.UpdateTokens", name, set)
}

// UpdateSources replaces the account and card snapshot.
func (s *ConnectionStore) UpdateSources(ctx context.Context, name string, accounts []domain.Account, cards []domain.Card) error {
	if accounts == nil {
		accounts = []domain.Account{}
	}
	if cards == nil {
		cards = []domain.Card{}
	}
	return s.update(ctx, "Mongo.UpdateSources", name, bson.M{"accounts": accounts, "cards": cards})
}

// UpdateLastSynced advances the sync watermark.
func (s *ConnectionStore) UpdateLastSynced(ctx context.Context, name string, at time.Time) error {
	return s.update(ctx, "Mongo.UpdateLastSynced", name, bson.M{"last_synced": at.UTC()})
}

func (s *ConnectionStore) update(ctx context.Context, spanName, name string, set bson.M) error {
	ctx, span := tracer.Start(ctx, spanName)
	defer span.End()
	span.SetAttributes(attribute.String("connection.name", name))

	res, err := s.coll.UpdateOne(ctx, byName(name), bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("failed to update connection %s: %w", name, err)
	}
	if res.MatchedCount == 0 {
		return &domain.ErrNotFound{Resource: "connection", ID: name}
	}
	return nil
}

// Delete removes a connection.
func (s *ConnectionStore) Delete(ctx context.Context, name string) error {
	ctx, span := tracer.Start(ctx, "Mongo.DeleteConnection")
	defer span.End()
	span.SetAttributes(attribute.String("connection.name", name))

	res, err := s.coll.DeleteOne(ctx, byName(name))
	if err != nil {
		return fmt.Errorf("failed to delete connection %s: %w", name, err)
	}
	if res.DeletedCount == 0 {
		return &domain.ErrNotFound{Resource: "connection", ID: name}
	}
	return nil
}

// Ping checks the database is reachable.
func (s *ConnectionStore) Ping(ctx context.Context) error {
	if s.ping == nil {
		return nil
	}
	return s.ping(ctx)
}
