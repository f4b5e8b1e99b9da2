// Package mongostore is the document store: incidents, per-cycle run logs
// and the station metadata directory.
package mongostore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	collIncidents = "incidents"
	collRunLogs   = "agent_run_logs"
	collStations  = "station_metadata"

	hashStripes = 64
)

// Store wraps a Mongo database with the pipeline's collections.
type Store struct {
	client *mongo.Client
	db     *mongo.Database

	// dedupWindow bounds how far back StoreIfNew looks for a matching
	// content hash.
	dedupWindow time.Duration

	// hashLocks serialize concurrent StoreIfNew calls for the same
	// content hash so the check-then-insert cannot race.
	hashLocks [hashStripes]sync.Mutex
}

// Connect opens a client, pings the deployment and returns the store.
func Connect(ctx context.Context, uri, database string, dedupWindow time.Duration) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return &Store{
		client:      client,
		db:          client.Database(database),
		dedupWindow: dedupWindow,
	}, nil
}

// Close releases the underlying client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// EnsureIndexes creates the indexes the dedup and retention queries rely
// on. Safe to call on every start.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	incidents := []mongo.IndexModel{
		{Keys: bson.D{{Key: "content_hash", Value: 1}}},
		{Keys: bson.D{{Key: "created_at", Value: -1}}},
	}
	if _, err := s.db.Collection(collIncidents).Indexes().CreateMany(ctx, incidents); err != nil {
		return fmt.Errorf("create incident indexes: %w", err)
	}

	runLogs := []mongo.IndexModel{
		{Keys: bson.D{{Key: "started_at", Value: -1}}},
	}
	if _, err := s.db.Collection(collRunLogs).Indexes().CreateMany(ctx, runLogs); err != nil {
		return fmt.Errorf("create run log indexes: %w", err)
	}
	return nil
}

func (s *Store) hashLock(contentHash string) *sync.Mutex {
	var sum uint32
	for i := 0; i < len(contentHash); i++ {
		sum = sum*31 + uint32(contentHash[i])
	}
	return &s.hashLocks[sum%hashStripes]
}
