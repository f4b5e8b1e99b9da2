// Package cluster groups anomalous readings into localized spatial clusters.
package cluster

import (
	"time"

	"github.com/envwatch/envwatch/internal/models"
)

// Clusterer performs single-linkage spatial clustering of anomalies.
type Clusterer struct {
	SpatialRadiusKm float64
	TemporalWindow  time.Duration
	MinClusterSize  int
}

// New builds a Clusterer with the given tunables.
func New(spatialRadiusKm float64, temporalWindow time.Duration, minClusterSize int) *Clusterer {
	if minClusterSize < 1 {
		minClusterSize = 1
	}
	return &Clusterer{
		SpatialRadiusKm: spatialRadiusKm,
		TemporalWindow:  temporalWindow,
		MinClusterSize:  minClusterSize,
	}
}

// Cluster groups anomalies by spatial proximity. Only anomalies inside the
// temporal window ending at the newest timestamp in the input are eligible;
// anchoring the window on the input rather than on wall-clock now keeps the
// result deterministic for a given batch.
//
// Each unassigned anomaly seeds a cluster in input order and greedily
// absorbs every other unassigned anomaly within SpatialRadiusKm of the
// seed, so every pairwise distance within a cluster is bounded by twice the
// radius. Clusters smaller than MinClusterSize are discarded, leaving their
// members unclustered.
func (c *Clusterer) Cluster(anomalies []models.Reading) []models.Cluster {
	eligible := c.recent(anomalies)
	if len(eligible) == 0 {
		return nil
	}

	used := make([]bool, len(eligible))
	var clusters []models.Cluster

	for i, seed := range eligible {
		if used[i] {
			continue
		}
		members := []models.Reading{seed}
		absorbed := []int{i}

		for j := range eligible {
			if used[j] || j == i {
				continue
			}
			other := eligible[j]
			if models.HaversineKm(seed.Lat, seed.Lon, other.Lat, other.Lon) <= c.SpatialRadiusKm {
				members = append(members, other)
				absorbed = append(absorbed, j)
			}
		}

		if len(members) < c.MinClusterSize {
			continue
		}
		for _, j := range absorbed {
			used[j] = true
		}
		clusters = append(clusters, build(members))
	}

	return clusters
}

// recent filters anomalies to the temporal window anchored at the newest
// timestamp in the batch, and drops anomalies without coordinates.
func (c *Clusterer) recent(anomalies []models.Reading) []models.Reading {
	var newest time.Time
	for _, a := range anomalies {
		if a.HasCoords && a.Timestamp.After(newest) {
			newest = a.Timestamp
		}
	}
	if newest.IsZero() {
		return nil
	}
	cutoff := newest.Add(-c.TemporalWindow)

	var eligible []models.Reading
	for _, a := range anomalies {
		if !a.HasCoords {
			continue
		}
		if a.Timestamp.Before(cutoff) {
			continue
		}
		eligible = append(eligible, a)
	}
	return eligible
}

func build(members []models.Reading) models.Cluster {
	var latSum, lonSum float64
	start := members[0].Timestamp
	end := members[0].Timestamp

	sawFlood := false
	sawHydrology := false
	sawOther := false

	for _, m := range members {
		latSum += m.Lat
		lonSum += m.Lon
		if m.Timestamp.Before(start) {
			start = m.Timestamp
		}
		if m.Timestamp.After(end) {
			end = m.Timestamp
		}
		switch m.Source {
		case models.SourceFlood:
			sawFlood = true
		case models.SourceHydrology:
			sawHydrology = true
		default:
			sawOther = true
		}
	}

	kind := models.SourceKindMixed
	switch {
	case sawFlood && !sawHydrology && !sawOther:
		kind = models.SourceKindFlood
	case sawHydrology && !sawFlood && !sawOther:
		kind = models.SourceKindHydrology
	}

	n := float64(len(members))
	return models.Cluster{
		Members:     members,
		Kind:        kind,
		CentroidLat: latSum / n,
		CentroidLon: lonSum / n,
		Start:       start,
		End:         end,
	}
}
