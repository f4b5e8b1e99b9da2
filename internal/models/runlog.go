package models

import "time"

// StageError captures a non-fatal failure in one pipeline stage. Stage
// errors never abort the cycle; they are reported through the run log.
type StageError struct {
	Stage   string `bson:"stage" json:"stage"`
	Message string `bson:"message" json:"message"`
}

// ClusterDetail is the per-cluster breakdown recorded in the run log.
type ClusterDetail struct {
	Kind         SourceKind `bson:"kind" json:"kind"`
	StationCount int        `bson:"station_count" json:"station_count"`
	StationIDs   []string   `bson:"station_ids" json:"station_ids"`
	CentroidLat  float64    `bson:"centroid_lat" json:"centroid_lat"`
	CentroidLon  float64    `bson:"centroid_lon" json:"centroid_lon"`
}

// SimilarityResult records one nearest-neighbour search against the vector
// index during incident enrichment.
type SimilarityResult struct {
	Found          int      `bson:"similar_incidents_found" json:"similar_incidents_found"`
	AvgSimilarity  float64  `bson:"avg_similarity" json:"avg_similarity"`
	BestSimilarity float64  `bson:"best_similarity" json:"best_similarity"`
	IncidentIDs    []string `bson:"similar_incident_ids" json:"similar_incident_ids"`
}

// RunLog is the durable per-cycle record of counts, timings and errors.
type RunLog struct {
	RunID           string    `bson:"run_id" json:"run_id"`
	StartedAt       time.Time `bson:"started_at" json:"started_at"`
	DurationSeconds float64   `bson:"duration_seconds" json:"duration_seconds"`
	Aborted         bool      `bson:"aborted" json:"aborted"`
	AbortCause      string    `bson:"abort_cause,omitempty" json:"abort_cause,omitempty"`

	StationsFetched int            `bson:"stations_fetched" json:"stations_fetched"`
	ReadingsFetched map[string]int `bson:"readings_fetched" json:"readings_fetched"`

	ClustersFound  int             `bson:"clusters_found" json:"clusters_found"`
	ClusterDetails []ClusterDetail `bson:"cluster_details" json:"cluster_details"`

	SimilaritySearches int                `bson:"similarity_searches" json:"similarity_searches"`
	SimilarityResults  []SimilarityResult `bson:"similarity_results" json:"similarity_results"`

	IncidentsCreated     int      `bson:"incidents_created" json:"incidents_created"`
	IncidentsDuplicate   int      `bson:"incidents_duplicate" json:"incidents_duplicate"`
	IncidentIDsCreated   []string `bson:"incident_ids_created" json:"incident_ids_created"`
	IncidentIDsDuplicate []string `bson:"incident_ids_duplicate" json:"incident_ids_duplicate"`

	DocumentStored int `bson:"document_stored" json:"document_stored"`
	VectorStored   int `bson:"vector_stored" json:"vector_stored"`
	GraphStored    int `bson:"graph_stored" json:"graph_stored"`

	Errors        []StageError   `bson:"errors" json:"errors"`
	APICallCounts map[string]int `bson:"api_call_counts" json:"api_call_counts"`
}
