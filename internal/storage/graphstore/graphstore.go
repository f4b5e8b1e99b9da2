// Package graphstore projects incidents into a Neo4j graph: Incident,
// Station and Permit nodes with MEASURED_AT, NEAR_PERMIT and SIMILAR_TO
// edges.
package graphstore

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/envwatch/envwatch/internal/models"
)

// Store wraps a Neo4j driver.
type Store struct {
	driver neo4j.DriverWithContext
}

// Connect opens a driver and verifies connectivity.
func Connect(ctx context.Context, uri, user, password string) (*Store, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("verify neo4j connectivity: %w", err)
	}
	return &Store{driver: driver}, nil
}

// Close releases the driver.
func (s *Store) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

// EnsureSchema creates the uniqueness constraints the MERGE semantics rely
// on. Safe to call on every start.
func (s *Store) EnsureSchema(ctx context.Context) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	constraints := []string{
		`CREATE CONSTRAINT incident_id IF NOT EXISTS
		 FOR (i:Incident) REQUIRE i.incident_id IS UNIQUE`,
		`CREATE CONSTRAINT station_key IF NOT EXISTS
		 FOR (s:Station) REQUIRE (s.source, s.station_id) IS UNIQUE`,
		`CREATE CONSTRAINT permit_id IF NOT EXISTS
		 FOR (p:Permit) REQUIRE p.permit_id IS UNIQUE`,
	}
	for _, stmt := range constraints {
		if _, err := session.Run(ctx, stmt, nil); err != nil {
			return fmt.Errorf("ensure graph constraint: %w", err)
		}
	}
	return nil
}

// Ingest writes the incident's graph projection. Every node and edge is
// MERGEd, so replaying an incident leaves the graph unchanged.
func (s *Store) Ingest(ctx context.Context, incident models.Incident) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, `
			MERGE (i:Incident {incident_id: $incident_id})
			ON CREATE SET
				i.priority = $priority,
				i.source_kind = $source_kind,
				i.centroid_lat = $centroid_lat,
				i.centroid_lon = $centroid_lon,
				i.summary = $summary,
				i.created_at = $created_at,
				i.run_id = $run_id`,
			map[string]any{
				"incident_id":  incident.IncidentID,
				"priority":     string(incident.Priority),
				"source_kind":  string(incident.SourceKind),
				"centroid_lat": incident.CentroidLat,
				"centroid_lon": incident.CentroidLon,
				"summary":      incident.Summary,
				"created_at":   incident.CreatedAt.Format("2006-01-02T15:04:05Z"),
				"run_id":       incident.RunID,
			})
		if err != nil {
			return nil, fmt.Errorf("merge incident node: %w", err)
		}

		for _, reading := range incident.Readings {
			_, err := tx.Run(ctx, `
				MERGE (s:Station {source: $source, station_id: $station_id})
				ON CREATE SET s.lat = $lat, s.lon = $lon
				WITH s
				MATCH (i:Incident {incident_id: $incident_id})
				MERGE (i)-[m:MEASURED_AT]->(s)
				ON CREATE SET m.parameter = $parameter, m.value = $value`,
				map[string]any{
					"source":      string(reading.Source),
					"station_id":  reading.StationID,
					"lat":         reading.Lat,
					"lon":         reading.Lon,
					"incident_id": incident.IncidentID,
					"parameter":   reading.Parameter,
					"value":       reading.Value,
				})
			if err != nil {
				return nil, fmt.Errorf("merge station edge: %w", err)
			}
		}

		for _, permit := range incident.Permits {
			_, err := tx.Run(ctx, `
				MERGE (p:Permit {permit_id: $permit_id})
				ON CREATE SET p.operator = $operator, p.category = $category
				WITH p
				MATCH (i:Incident {incident_id: $incident_id})
				MERGE (i)-[n:NEAR_PERMIT]->(p)
				ON CREATE SET n.distance_km = $distance_km`,
				map[string]any{
					"permit_id":   permit.PermitID,
					"operator":    permit.Operator,
					"category":    string(permit.Category),
					"incident_id": incident.IncidentID,
					"distance_km": permit.DistanceKm,
				})
			if err != nil {
				return nil, fmt.Errorf("merge permit edge: %w", err)
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("graph ingest: %w", err)
	}
	return nil
}

// LinkSimilar records a SIMILAR_TO edge between two incidents with the
// similarity score. MERGE keeps repeat links idempotent.
func (s *Store) LinkSimilar(ctx context.Context, incidentID, similarID string, score float64) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.Run(ctx, `
		MATCH (a:Incident {incident_id: $a})
		MATCH (b:Incident {incident_id: $b})
		MERGE (a)-[r:SIMILAR_TO]->(b)
		ON CREATE SET r.score = $score`,
		map[string]any{"a": incidentID, "b": similarID, "score": score})
	if err != nil {
		return fmt.Errorf("merge similar edge: %w", err)
	}
	return nil
}
