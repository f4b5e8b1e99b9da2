// Package models defines the data types flowing through the detection
// pipeline: readings, clusters, permits, incidents and run logs.
package models

import (
	"sort"
	"time"
)

// Source identifies the upstream API a reading came from.
type Source string

const (
	SourceFlood     Source = "flood"
	SourceHydrology Source = "hydrology"
	SourceRainfall  Source = "rainfall"
)

// SourceKind classifies a cluster or incident by the sources of its members.
type SourceKind string

const (
	SourceKindFlood     SourceKind = "flood"
	SourceKindHydrology SourceKind = "hydrology"
	SourceKindMixed     SourceKind = "mixed"
)

// Priority is the incident severity derived from threshold exceedance.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Station is the persisted metadata for one monitoring station.
// Populated out-of-band by the sync-stations job; read-only on the hot path.
type Station struct {
	Source    Source  `bson:"source" json:"source"`
	StationID string  `bson:"station_id" json:"station_id"`
	Lat       float64 `bson:"lat" json:"lat"`
	Lon       float64 `bson:"lon" json:"lon"`
	Easting   int     `bson:"easting" json:"easting"`
	Northing  int     `bson:"northing" json:"northing"`
	Label     string  `bson:"label,omitempty" json:"label,omitempty"`
}

// Reading is a single measurement with the station's geometry copied in at
// fetch time so downstream stages never re-join against station metadata.
type Reading struct {
	Source    Source    `bson:"source" json:"source"`
	StationID string    `bson:"station_id" json:"station_id"`
	Parameter string    `bson:"parameter" json:"parameter"`
	Value     float64   `bson:"value" json:"value"`
	Timestamp time.Time `bson:"timestamp" json:"timestamp"`

	HasCoords bool    `bson:"has_coords" json:"has_coords"`
	Lat       float64 `bson:"lat,omitempty" json:"lat,omitempty"`
	Lon       float64 `bson:"lon,omitempty" json:"lon,omitempty"`
	Easting   int     `bson:"easting,omitempty" json:"easting,omitempty"`
	Northing  int     `bson:"northing,omitempty" json:"northing,omitempty"`

	// Threshold that classified this reading as anomalous. Zero until the
	// detector has tagged the reading.
	Threshold float64 `bson:"threshold,omitempty" json:"threshold,omitempty"`
}

// Exceedance is the fractional amount by which the reading's value differs
// from its threshold. Zero when no threshold is attached.
func (r Reading) Exceedance() float64 {
	if r.Threshold == 0 {
		return 0
	}
	d := r.Value - r.Threshold
	if d < 0 {
		d = -d
	}
	return d / r.Threshold
}

// Cluster is a non-empty set of anomalies sharing spatial and temporal
// proximity. Clusters are values; they have no persistent identity.
type Cluster struct {
	Members     []Reading
	Kind        SourceKind
	CentroidLat float64
	CentroidLon float64
	Start       time.Time
	End         time.Time
}

// StationIDs returns the distinct member station ids in sorted order.
func (c Cluster) StationIDs() []string {
	seen := make(map[string]struct{}, len(c.Members))
	ids := make([]string, 0, len(c.Members))
	for _, m := range c.Members {
		if _, ok := seen[m.StationID]; ok {
			continue
		}
		seen[m.StationID] = struct{}{}
		ids = append(ids, m.StationID)
	}
	sort.Strings(ids)
	return ids
}

// Anchor returns the member with grid coordinates and the highest value,
// used to seed the permit search. ok is false when no member carries a
// grid reference.
func (c Cluster) Anchor() (Reading, bool) {
	var best Reading
	found := false
	for _, m := range c.Members {
		if m.Easting == 0 && m.Northing == 0 {
			continue
		}
		if !found || m.Value > best.Value {
			best = m
			found = true
		}
	}
	return best, found
}

// PermitCategory is the static classification of a permit's register type.
type PermitCategory string

const (
	PermitCategoryWaste       PermitCategory = "waste"
	PermitCategoryDischarge   PermitCategory = "discharge"
	PermitCategoryFloodRisk   PermitCategory = "flood-risk"
	PermitCategoryAbstraction PermitCategory = "abstraction"
	PermitCategoryOther       PermitCategory = "other"
)

// Permit is a regulatory permit returned by the public registers API,
// annotated with its distance to the incident centroid.
type Permit struct {
	PermitID     string         `bson:"permit_id" json:"permit_id"`
	Operator     string         `bson:"operator" json:"operator"`
	Category     PermitCategory `bson:"category" json:"category"`
	RegisterType string         `bson:"register_type,omitempty" json:"register_type,omitempty"`
	SiteAddress  string         `bson:"site_address,omitempty" json:"site_address,omitempty"`
	SitePostcode string         `bson:"site_postcode,omitempty" json:"site_postcode,omitempty"`
	Lat          float64        `bson:"lat,omitempty" json:"lat,omitempty"`
	Lon          float64        `bson:"lon,omitempty" json:"lon,omitempty"`
	Geocoded     bool           `bson:"geocoded" json:"geocoded"`
	DistanceKm   float64        `bson:"distance_km" json:"distance_km"`
}

// RainfallCategory buckets a rainfall total against configured thresholds.
type RainfallCategory string

const (
	RainfallHeavy    RainfallCategory = "heavy"
	RainfallModerate RainfallCategory = "moderate"
	RainfallLight    RainfallCategory = "light"
	RainfallNone     RainfallCategory = "none"
)

// RainfallSummary aggregates rainfall gauges near a cluster centroid over
// the correlation window.
type RainfallSummary struct {
	TotalMm    float64          `bson:"total_mm" json:"total_mm"`
	MaxMm      float64          `bson:"max_mm" json:"max_mm"`
	GaugeCount int              `bson:"gauge_count" json:"gauge_count"`
	Category   RainfallCategory `bson:"category" json:"category"`
}

// Incident is the persisted unit of work: one cluster plus its enrichments.
type Incident struct {
	IncidentID       string          `bson:"_id" json:"incident_id"`
	ContentHash      string          `bson:"content_hash" json:"content_hash"`
	RunID            string          `bson:"run_id" json:"run_id"`
	CreatedAt        time.Time       `bson:"created_at" json:"created_at"`
	Priority         Priority        `bson:"priority" json:"priority"`
	SourceKind       SourceKind      `bson:"source_kind" json:"source_kind"`
	CentroidLat      float64         `bson:"centroid_lat" json:"centroid_lat"`
	CentroidLon      float64         `bson:"centroid_lon" json:"centroid_lon"`
	Summary          string          `bson:"summary" json:"summary"`
	SuggestedActions []string        `bson:"suggested_actions" json:"suggested_actions"`
	Readings         []Reading       `bson:"readings" json:"readings"`
	Permits          []Permit        `bson:"permits" json:"permits"`
	Rainfall         RainfallSummary `bson:"rainfall" json:"rainfall"`
}
