// Package store is the durable game store: load, conditional update, and
// field patch over MongoDB, plus the collections backing the cross-node
// bus, presence, and the watcher's distributed lock.
package store

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type Mongo struct {
	Client   *mongo.Client
	Database *mongo.Database
}

func Connect(uri, database string) (*Mongo, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	clientOptions := options.Client().
		ApplyURI(uri).
		SetMaxPoolSize(500).
		SetMinPoolSize(10).
		SetMaxConnIdleTime(5 * time.Minute)
	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	m := &Mongo{Client: client, Database: client.Database(database)}
	go m.ensureIndexes()
	return m, nil
}

func (m *Mongo) ensureIndexes() {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	indexes := []struct {
		collection string
		models     []mongo.IndexModel
	}{
		{
			"games",
			[]mongo.IndexModel{
				{Keys: bson.D{{Key: "sessionId", Value: 1}}, Options: options.Index().SetUnique(true)},
				{Keys: bson.D{{Key: "status", Value: 1}, {Key: "updatedAt", Value: -1}}},
			},
		},
		{
			"moves",
			[]mongo.IndexModel{
				{Keys: bson.D{{Key: "sessionId", Value: 1}, {Key: "moveNumber", Value: 1}}},
			},
		},
		{
			"cleanup_locks",
			[]mongo.IndexModel{
				{Keys: bson.D{{Key: "lockedUntil", Value: 1}}},
			},
		},
		{
			"ws_events",
			[]mongo.IndexModel{
				{Keys: bson.D{{Key: "createdAt", Value: 1}}, Options: options.Index().SetExpireAfterSeconds(60)},
			},
		},
		{
			"presence",
			[]mongo.IndexModel{
				{Keys: bson.D{{Key: "room", Value: 1}, {Key: "userId", Value: 1}, {Key: "machineId", Value: 1}}, Options: options.Index().SetUnique(true)},
				{Keys: bson.D{{Key: "updatedAt", Value: 1}}, Options: options.Index().SetExpireAfterSeconds(300)},
			},
		},
	}

	for _, idx := range indexes {
		coll := m.Database.Collection(idx.collection)
		if _, err := coll.Indexes().CreateMany(ctx, idx.models); err != nil {
			log.Printf("warning: failed to create indexes on %s: %v", idx.collection, err)
		}
	}
	log.Println("database indexes ensured")
}

func (m *Mongo) Close(ctx context.Context) error {
	return m.Client.Disconnect(ctx)
}

func (m *Mongo) Games() *mongo.Collection        { return m.Database.Collection("games") }
func (m *Mongo) Moves() *mongo.Collection        { return m.Database.Collection("moves") }
func (m *Mongo) CleanupLocks() *mongo.Collection { return m.Database.Collection("cleanup_locks") }
func (m *Mongo) WSEvents() *mongo.Collection     { return m.Database.Collection("ws_events") }
func (m *Mongo) Presence() *mongo.Collection     { return m.Database.Collection("presence") }
