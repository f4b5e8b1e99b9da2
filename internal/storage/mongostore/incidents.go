package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/envwatch/envwatch/internal/models"
)

// dedupCutoff is the oldest created_at a prior incident may carry and
// still suppress this one. Anchoring on the incident's own timestamp
// rather than wall-clock now keeps replays deterministic.
func (s *Store) dedupCutoff(incident models.Incident) time.Time {
	anchor := incident.CreatedAt
	if anchor.IsZero() {
		anchor = time.Now().UTC()
	}
	return anchor.Add(-s.dedupWindow)
}

// StoreIfNew inserts the incident unless another incident with the same
// content hash exists inside the dedup window. It returns (true, id) on
// insert and (false, existing id) on a duplicate. Calls for the same hash
// are serialized so the check-then-insert cannot race against itself.
func (s *Store) StoreIfNew(ctx context.Context, incident models.Incident) (bool, string, error) {
	lock := s.hashLock(incident.ContentHash)
	lock.Lock()
	defer lock.Unlock()

	filter := bson.M{
		"content_hash": incident.ContentHash,
		"created_at":   bson.M{"$gte": s.dedupCutoff(incident)},
	}

	var existing struct {
		ID string `bson:"_id"`
	}
	err := s.db.Collection(collIncidents).FindOne(ctx, filter).Decode(&existing)
	if err == nil {
		return false, existing.ID, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return false, "", fmt.Errorf("dedup lookup: %w", err)
	}

	if _, err := s.db.Collection(collIncidents).InsertOne(ctx, incident); err != nil {
		return false, "", fmt.Errorf("insert incident: %w", err)
	}
	return true, incident.IncidentID, nil
}

// RecentIncidents returns incidents created at or after since, newest
// first.
func (s *Store) RecentIncidents(ctx context.Context, since time.Time) ([]models.Incident, error) {
	cursor, err := s.db.Collection(collIncidents).Find(ctx,
		bson.M{"created_at": bson.M{"$gte": since}})
	if err != nil {
		return nil, fmt.Errorf("find incidents: %w", err)
	}
	defer cursor.Close(ctx)

	var incidents []models.Incident
	if err := cursor.All(ctx, &incidents); err != nil {
		return nil, fmt.Errorf("decode incidents: %w", err)
	}
	return incidents, nil
}
