package cluster

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/envwatch/envwatch/internal/models"
)

func reading(id string, lat, lon float64, ts time.Time, source models.Source) models.Reading {
	return models.Reading{
		Source:    source,
		StationID: id,
		Parameter: "level",
		Value:     3.5,
		Timestamp: ts,
		HasCoords: true,
		Lat:       lat,
		Lon:       lon,
	}
}

func TestClusterTwoNearbyAnomalies(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := New(10, 24*time.Hour, 2)

	clusters := c.Cluster([]models.Reading{
		reading("1029TH", 51.08, -2.87, now, models.SourceFlood),
		reading("E2043", 51.12, -2.82, now.Add(-time.Hour), models.SourceFlood),
	})

	require.Len(t, clusters, 1)
	assert.Equal(t, models.SourceKindFlood, clusters[0].Kind)
	assert.Len(t, clusters[0].Members, 2)
	assert.InDelta(t, 51.10, clusters[0].CentroidLat, 0.001)
	assert.Equal(t, now.Add(-time.Hour), clusters[0].Start)
	assert.Equal(t, now, clusters[0].End)
}

func TestClusterInclusiveRadiusBound(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Two stations on the same meridian; one degree of latitude is
	// ~111.19 km, so 0.0899 degrees is just inside a 10 km radius.
	a := reading("A", 51.0, -2.0, now, models.SourceFlood)
	b := reading("B", 51.0899, -2.0, now, models.SourceFlood)

	clusters := New(10, 24*time.Hour, 2).Cluster([]models.Reading{a, b})
	require.Len(t, clusters, 1, "distance at the radius bound is inclusive")

	far := reading("C", 51.2, -2.0, now, models.SourceFlood)
	clusters = New(10, 24*time.Hour, 2).Cluster([]models.Reading{a, far})
	assert.Empty(t, clusters, "beyond the radius no pair forms")
}

func TestClusterMinSize(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clusters := New(10, 24*time.Hour, 2).Cluster([]models.Reading{
		reading("lonely", 51.0, -2.0, now, models.SourceFlood),
	})
	assert.Empty(t, clusters, "a single anomaly cannot satisfy min_cluster_size=2")
}

func TestClusterDiscardedSeedMembersRemainAvailable(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// A is isolated; B and C pair up. A seeds first, fails the size
	// check, and must not consume B or C.
	a := reading("A", 51.0, -2.0, now, models.SourceFlood)
	b := reading("B", 52.0, -2.0, now, models.SourceFlood)
	c := reading("C", 52.01, -2.0, now, models.SourceFlood)

	clusters := New(10, 24*time.Hour, 2).Cluster([]models.Reading{a, b, c})
	require.Len(t, clusters, 1)
	assert.ElementsMatch(t, []string{"B", "C"}, clusters[0].StationIDs())
}

func TestClusterMixedKind(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clusters := New(10, 24*time.Hour, 2).Cluster([]models.Reading{
		reading("F1", 51.0, -2.0, now, models.SourceFlood),
		reading("H1", 51.02, -2.01, now.Add(-30*time.Minute), models.SourceHydrology),
	})
	require.Len(t, clusters, 1)
	assert.Equal(t, models.SourceKindMixed, clusters[0].Kind)
}

func TestClusterTemporalWindowAnchoredAtNewest(t *testing.T) {
	newest := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clusters := New(10, 24*time.Hour, 2).Cluster([]models.Reading{
		reading("fresh1", 51.0, -2.0, newest, models.SourceFlood),
		reading("fresh2", 51.01, -2.0, newest.Add(-23*time.Hour), models.SourceFlood),
		reading("stale", 51.02, -2.0, newest.Add(-25*time.Hour), models.SourceFlood),
	})
	require.Len(t, clusters, 1)
	assert.ElementsMatch(t, []string{"fresh1", "fresh2"}, clusters[0].StationIDs(),
		"readings older than the window before the newest reading are excluded")
}

func TestClusterFiveSeparatedRegions(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	centres := [][2]float64{
		{50.5, -3.5}, {51.5, -1.0}, {52.5, 0.5}, {53.5, -2.0}, {54.5, -1.5},
	}

	var readings []models.Reading
	for r, centre := range centres {
		for i := 0; i < 10; i++ {
			readings = append(readings, reading(
				fmt.Sprintf("R%d-%d", r, i),
				centre[0]+float64(i)*0.005, centre[1],
				now.Add(-time.Duration(i)*time.Minute),
				models.SourceFlood,
			))
		}
	}

	clusters := New(10, 24*time.Hour, 2).Cluster(readings)
	require.Len(t, clusters, 5)

	// Disjointness: every anomaly appears in at most one cluster.
	seen := make(map[string]int)
	for _, c := range clusters {
		assert.Len(t, c.Members, 10)
		for _, m := range c.Members {
			seen[m.StationID]++
		}
	}
	for id, n := range seen {
		assert.Equal(t, 1, n, "station %s assigned to more than one cluster", id)
	}
}

func TestClusterPairwiseDistanceBound(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	radius := 10.0

	var readings []models.Reading
	for i := 0; i < 20; i++ {
		readings = append(readings, reading(
			fmt.Sprintf("S%d", i), 51.0+float64(i)*0.008, -2.0, now, models.SourceFlood))
	}

	clusters := New(radius, 24*time.Hour, 2).Cluster(readings)
	for _, c := range clusters {
		for i := range c.Members {
			for j := i + 1; j < len(c.Members); j++ {
				d := models.HaversineKm(c.Members[i].Lat, c.Members[i].Lon,
					c.Members[j].Lat, c.Members[j].Lon)
				assert.LessOrEqual(t, d, 2*radius,
					"pairwise distance exceeds the single-linkage bound")
			}
		}
	}
}

func TestClusterIgnoresCoordlessReadings(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	coordless := models.Reading{Source: models.SourceFlood, StationID: "X", Timestamp: now}

	clusters := New(10, 24*time.Hour, 2).Cluster([]models.Reading{
		coordless,
		reading("A", 51.0, -2.0, now, models.SourceFlood),
		reading("B", 51.01, -2.0, now, models.SourceFlood),
	})
	require.Len(t, clusters, 1)
	assert.NotContains(t, clusters[0].StationIDs(), "X")
}
