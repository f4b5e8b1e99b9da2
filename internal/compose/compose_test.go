package compose

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/envwatch/envwatch/internal/models"
)

func floodCluster(now time.Time) models.Cluster {
	return models.Cluster{
		Members: []models.Reading{
			{Source: models.SourceFlood, StationID: "1029TH", Parameter: "level",
				Value: 3.97, Threshold: 3.0, Timestamp: now, HasCoords: true, Lat: 51.08, Lon: -2.87},
			{Source: models.SourceFlood, StationID: "E2043", Parameter: "level",
				Value: 3.74, Threshold: 3.0, Timestamp: now.Add(-time.Hour), HasCoords: true, Lat: 51.12, Lon: -2.82},
		},
		Kind:        models.SourceKindFlood,
		CentroidLat: 51.10,
		CentroidLon: -2.845,
		Start:       now.Add(-time.Hour),
		End:         now,
	}
}

func TestComposeFloodIncident(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	composer := New(nil, 0.5, 0.2, 20, 10)

	permits := make([]models.Permit, 10)
	for i := range permits {
		permits[i] = models.Permit{PermitID: "P", Category: models.PermitCategoryOther}
	}
	permits[0].Category = models.PermitCategoryDischarge
	permits[1].Category = models.PermitCategoryDischarge
	permits[2].Category = models.PermitCategoryDischarge

	rain := models.RainfallSummary{Category: models.RainfallNone}

	incident := composer.Compose(context.Background(), floodCluster(now), permits, rain, "run-1")

	// 3.97 against 3.0 is a 32% exceedance: medium, not high.
	assert.Equal(t, models.PriorityMedium, incident.Priority)
	assert.Equal(t, models.SourceKindFlood, incident.SourceKind)
	assert.Equal(t, "run-1", incident.RunID)
	assert.NotEmpty(t, incident.IncidentID)
	assert.InDelta(t, 51.10, incident.CentroidLat, 0.001)

	assert.Contains(t, incident.Summary, "2 station(s)")
	assert.Contains(t, incident.Summary, "1029TH")
	assert.Contains(t, incident.Summary, "3.97")
	assert.Contains(t, incident.Summary, "No rainfall recorded")
	assert.Contains(t, incident.Summary, "10 regulated site(s)")
	assert.LessOrEqual(t, len(incident.Summary), 600)

	assert.NotEmpty(t, incident.SuggestedActions)
}

func TestComposeContentHashStableAcrossReruns(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	composer := New(nil, 0.5, 0.2, 20, 10)
	rain := models.RainfallSummary{Category: models.RainfallNone}

	first := composer.Compose(context.Background(), floodCluster(now), nil, rain, "run-1")
	second := composer.Compose(context.Background(), floodCluster(now), nil, rain, "run-2")

	assert.Equal(t, first.ContentHash, second.ContentHash,
		"the same cluster must hash identically regardless of run")
	assert.NotEqual(t, first.IncidentID, second.IncidentID)
}

func TestComposePriorityThresholds(t *testing.T) {
	composer := New(nil, 0.5, 0.2, 20, 10)

	tests := []struct {
		name  string
		value float64
		want  models.Priority
	}{
		{"well above threshold", 4.6, models.PriorityHigh}, // 53% exceedance
		{"at the high bound", 4.5, models.PriorityHigh},    // exactly 50%
		{"moderate exceedance", 3.7, models.PriorityMedium},
		{"barely over", 3.1, models.PriorityLow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := models.Cluster{Members: []models.Reading{
				{StationID: "S1", Value: tt.value, Threshold: 3.0},
			}}
			assert.Equal(t, tt.want, composer.Priority(c))
		})
	}
}

func TestComposeCapsReadingsAndPermits(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	composer := New(nil, 0.5, 0.2, 3, 2)

	var members []models.Reading
	for i := 0; i < 8; i++ {
		members = append(members, models.Reading{
			StationID: "S", Value: 3.5, Threshold: 3.0, Timestamp: now,
		})
	}
	cluster := models.Cluster{Members: members, Kind: models.SourceKindFlood}

	permits := make([]models.Permit, 5)
	incident := composer.Compose(context.Background(), cluster, permits, models.RainfallSummary{}, "run-1")

	assert.Len(t, incident.Readings, 3)
	assert.Len(t, incident.Permits, 2)
}

func TestTemplateSummariserStationTruncation(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var members []models.Reading
	for _, id := range []string{"S1", "S2", "S3", "S4", "S5", "S6", "S7", "S8"} {
		members = append(members, models.Reading{StationID: id, Value: 3.5, Threshold: 3.0, Timestamp: now})
	}
	cluster := models.Cluster{Members: members, Kind: models.SourceKindFlood}

	summary, err := NewTemplateSummariser().Summarise(context.Background(), cluster, nil,
		models.RainfallSummary{Category: models.RainfallNone}, models.PriorityMedium)
	require.NoError(t, err)

	assert.Contains(t, summary, "8 station(s)")
	assert.Contains(t, summary, "…", "more than six stations are truncated")
	assert.NotContains(t, summary, "S7", "only the first six ids are named")
}

func TestTemplateSummariserKindTemplates(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rain := models.RainfallSummary{Category: models.RainfallHeavy, TotalMm: 22.5, GaugeCount: 3}

	tests := []struct {
		kind models.SourceKind
		want string
	}{
		{models.SourceKindFlood, "flood alert"},
		{models.SourceKindHydrology, "hydrology alert"},
		{models.SourceKindMixed, "environmental alert"},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			c := models.Cluster{
				Members: []models.Reading{{StationID: "S1", Value: 3.5, Threshold: 3.0, Timestamp: now}},
				Kind:    tt.kind,
			}
			summary, err := NewTemplateSummariser().Summarise(context.Background(), c, nil, rain, models.PriorityHigh)
			require.NoError(t, err)
			assert.Contains(t, summary, tt.want)
			assert.Contains(t, summary, "Heavy rainfall")
			assert.True(t, strings.HasPrefix(summary, "High priority"))
		})
	}
}

func TestSuggestedActionsOrderAndSelection(t *testing.T) {
	permits := []models.Permit{
		{Category: models.PermitCategoryDischarge},
		{Category: models.PermitCategoryWaste},
	}
	rain := models.RainfallSummary{Category: models.RainfallNone}

	actions := SuggestedActions(models.SourceKindFlood, models.PriorityHigh, permits, rain)

	require.NotEmpty(t, actions)
	assert.Equal(t, "Escalate to the duty flood officer immediately", actions[0],
		"the escalation rule is declared first and must come first")
	assert.Contains(t, actions, "Inspect nearby discharge consents for compliance")
	assert.Contains(t, actions, "Check waste site drainage and containment")
	assert.Contains(t, actions, "Investigate non-rainfall causes; no recent rain recorded")
	assert.NotContains(t, actions, "Assess abstraction licences for low-flow impact")
}

func TestSuggestedActionsLowPriority(t *testing.T) {
	actions := SuggestedActions(models.SourceKindHydrology, models.PriorityLow, nil,
		models.RainfallSummary{Category: models.RainfallLight})

	assert.Contains(t, actions, "Continue routine monitoring of the affected stations")
	assert.NotContains(t, actions, "Escalate to the duty flood officer immediately")
}

type failingSummariser struct{}

func (failingSummariser) Summarise(context.Context, models.Cluster, []models.Permit, models.RainfallSummary, models.Priority) (string, error) {
	return "", assert.AnError
}

func TestComposeFallsBackToTemplate(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	composer := New(failingSummariser{}, 0.5, 0.2, 20, 10)

	incident := composer.Compose(context.Background(), floodCluster(now), nil,
		models.RainfallSummary{Category: models.RainfallNone}, "run-1")

	assert.Contains(t, incident.Summary, "flood alert",
		"a failing summariser must fall back to the deterministic template")
}
