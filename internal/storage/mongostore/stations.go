package mongostore

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/envwatch/envwatch/internal/models"
)

// stationDoc keys stations by "source:station_id" so a batch lookup is one
// $in query on _id.
type stationDoc struct {
	ID string `bson:"_id"`
	models.Station `bson:",inline"`
}

func stationKey(source models.Source, stationID string) string {
	return string(source) + ":" + stationID
}

// LookupBatch resolves station ids under one source in a single round
// trip. Unknown ids are simply absent from the result map.
func (s *Store) LookupBatch(ctx context.Context, source models.Source, stationIDs []string) (map[string]models.Station, error) {
	result := make(map[string]models.Station, len(stationIDs))
	if len(stationIDs) == 0 {
		return result, nil
	}

	keys := make([]string, 0, len(stationIDs))
	for _, id := range stationIDs {
		keys = append(keys, stationKey(source, id))
	}

	cursor, err := s.db.Collection(collStations).Find(ctx, bson.M{"_id": bson.M{"$in": keys}})
	if err != nil {
		return nil, fmt.Errorf("find stations: %w", err)
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var doc stationDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode station: %w", err)
		}
		result[doc.StationID] = doc.Station
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate stations: %w", err)
	}
	return result, nil
}

// BulkUpsertStations writes a station batch, replacing existing documents.
// Used by the sync-stations job.
func (s *Store) BulkUpsertStations(ctx context.Context, stations []models.Station) (int, error) {
	if len(stations) == 0 {
		return 0, nil
	}

	writes := make([]mongo.WriteModel, 0, len(stations))
	for _, st := range stations {
		doc := stationDoc{ID: stationKey(st.Source, st.StationID), Station: st}
		writes = append(writes, mongo.NewReplaceOneModel().
			SetFilter(bson.M{"_id": doc.ID}).
			SetReplacement(doc).
			SetUpsert(true))
	}

	result, err := s.db.Collection(collStations).BulkWrite(ctx, writes, options.BulkWrite().SetOrdered(false))
	if err != nil {
		return 0, fmt.Errorf("bulk upsert stations: %w", err)
	}
	return int(result.UpsertedCount + result.ModifiedCount + result.MatchedCount), nil
}

// CountStations reports the size of the station directory.
func (s *Store) CountStations(ctx context.Context) (int64, error) {
	n, err := s.db.Collection(collStations).EstimatedDocumentCount(ctx)
	if err != nil {
		return 0, fmt.Errorf("count stations: %w", err)
	}
	return n, nil
}
