package mongostore

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/envwatch/envwatch/internal/models"
)

// RecordRunLog persists the per-cycle record. Failures are returned for
// logging but the caller treats them as non-fatal.
func (s *Store) RecordRunLog(ctx context.Context, runLog models.RunLog) error {
	if _, err := s.db.Collection(collRunLogs).InsertOne(ctx, runLog); err != nil {
		return fmt.Errorf("insert run log: %w", err)
	}
	return nil
}

// RecentRuns returns the latest run logs, newest first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]models.RunLog, error) {
	if limit <= 0 {
		limit = 10
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "started_at", Value: -1}}).
		SetLimit(int64(limit))

	cursor, err := s.db.Collection(collRunLogs).Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("find run logs: %w", err)
	}
	defer cursor.Close(ctx)

	var runs []models.RunLog
	if err := cursor.All(ctx, &runs); err != nil {
		return nil, fmt.Errorf("decode run logs: %w", err)
	}
	return runs, nil
}

// RunStatistics aggregates lifetime totals across all recorded cycles.
type RunStatistics struct {
	TotalRuns          int     `bson:"total_runs" json:"total_runs"`
	TotalIncidents     int     `bson:"total_incidents" json:"total_incidents"`
	TotalDuplicates    int     `bson:"total_duplicates" json:"total_duplicates"`
	AvgDurationSeconds float64 `bson:"avg_duration_seconds" json:"avg_duration_seconds"`
}

// Statistics computes run totals server-side with one aggregation.
func (s *Store) Statistics(ctx context.Context) (RunStatistics, error) {
	pipeline := []bson.M{
		{"$group": bson.M{
			"_id":                  nil,
			"total_runs":           bson.M{"$sum": 1},
			"total_incidents":      bson.M{"$sum": "$incidents_created"},
			"total_duplicates":     bson.M{"$sum": "$incidents_duplicate"},
			"avg_duration_seconds": bson.M{"$avg": "$duration_seconds"},
		}},
	}

	cursor, err := s.db.Collection(collRunLogs).Aggregate(ctx, pipeline)
	if err != nil {
		return RunStatistics{}, fmt.Errorf("aggregate run logs: %w", err)
	}
	defer cursor.Close(ctx)

	var stats RunStatistics
	if cursor.Next(ctx) {
		if err := cursor.Decode(&stats); err != nil {
			return RunStatistics{}, fmt.Errorf("decode statistics: %w", err)
		}
	}
	if err := cursor.Err(); err != nil {
		return RunStatistics{}, fmt.Errorf("iterate statistics: %w", err)
	}
	return stats, nil
}
