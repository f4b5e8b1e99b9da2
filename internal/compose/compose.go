// Package compose turns enriched clusters into incidents: priority,
// summary text, suggested actions and the dedup content hash.
package compose

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/envwatch/envwatch/internal/models"
)

// Summariser produces the incident summary paragraph. The template variant
// is deterministic; the LLM variant calls out and falls back to the
// template on failure.
type Summariser interface {
	Summarise(ctx context.Context, cluster models.Cluster, permits []models.Permit, rainfall models.RainfallSummary, priority models.Priority) (string, error)
}

// Composer assembles incidents from clusters and their enrichments.
type Composer struct {
	Summariser     Summariser
	PriorityHigh   float64
	PriorityMedium float64
	MaxReadings    int
	MaxPermits     int

	fallback *TemplateSummariser
	now      func() time.Time
	newID    func() string
}

// New builds a composer. summariser may be nil, in which case the
// deterministic template is used directly.
func New(summariser Summariser, priorityHigh, priorityMedium float64, maxReadings, maxPermits int) *Composer {
	template := NewTemplateSummariser()
	if summariser == nil {
		summariser = template
	}
	return &Composer{
		Summariser:     summariser,
		PriorityHigh:   priorityHigh,
		PriorityMedium: priorityMedium,
		MaxReadings:    maxReadings,
		MaxPermits:     maxPermits,
		fallback:       template,
		now:            time.Now,
		newID:          func() string { return uuid.NewString() },
	}
}

// Compose builds the incident for one cluster. Priority and content hash
// are pure functions of the cluster; permits and rainfall shape only the
// commentary.
func (c *Composer) Compose(ctx context.Context, cluster models.Cluster, permits []models.Permit, rainfall models.RainfallSummary, runID string) models.Incident {
	priority := c.Priority(cluster)

	summary, err := c.Summariser.Summarise(ctx, cluster, permits, rainfall, priority)
	if err != nil {
		log.Warn().Err(err).Msg("Summariser failed, falling back to template")
		summary, _ = c.fallback.Summarise(ctx, cluster, permits, rainfall, priority)
	}

	readings := cluster.Members
	if c.MaxReadings > 0 && len(readings) > c.MaxReadings {
		readings = readings[:c.MaxReadings]
	}
	if c.MaxPermits > 0 && len(permits) > c.MaxPermits {
		permits = permits[:c.MaxPermits]
	}

	return models.Incident{
		IncidentID:       c.newID(),
		ContentHash:      models.ContentHash(cluster.Kind, priority, cluster.Members),
		RunID:            runID,
		CreatedAt:        c.now().UTC(),
		Priority:         priority,
		SourceKind:       cluster.Kind,
		CentroidLat:      cluster.CentroidLat,
		CentroidLon:      cluster.CentroidLon,
		Summary:          summary,
		SuggestedActions: SuggestedActions(cluster.Kind, priority, permits, rainfall),
		Readings:         readings,
		Permits:          permits,
		Rainfall:         rainfall,
	}
}

// Priority derives severity from the cluster's worst threshold exceedance.
func (c *Composer) Priority(cluster models.Cluster) models.Priority {
	maxExceedance := 0.0
	for _, m := range cluster.Members {
		if e := m.Exceedance(); e > maxExceedance {
			maxExceedance = e
		}
	}
	switch {
	case maxExceedance >= c.PriorityHigh:
		return models.PriorityHigh
	case maxExceedance >= c.PriorityMedium:
		return models.PriorityMedium
	default:
		return models.PriorityLow
	}
}
