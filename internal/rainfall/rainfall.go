// Package rainfall correlates recent rainfall gauge readings with cluster
// locations.
package rainfall

import (
	"time"

	"github.com/envwatch/envwatch/internal/models"
)

// Correlator summarises rainfall near a point. It works over the rainfall
// readings already fetched for the cycle; it performs no I/O.
type Correlator struct {
	RadiusKm   float64
	Window     time.Duration
	HeavyMm    float64
	ModerateMm float64
}

// New builds a correlator with the given radius, window and category
// thresholds.
func New(radiusKm float64, window time.Duration, heavyMm, moderateMm float64) *Correlator {
	return &Correlator{
		RadiusKm:   radiusKm,
		Window:     window,
		HeavyMm:    heavyMm,
		ModerateMm: moderateMm,
	}
}

// Summarise aggregates the rainfall readings within the radius of
// (lat, lon) and the window ending at now. Gauges without coordinates are
// ignored. An area with no gauges in range reports category "none".
func (c *Correlator) Summarise(lat, lon float64, now time.Time, readings []models.Reading) models.RainfallSummary {
	cutoff := now.Add(-c.Window)

	summary := models.RainfallSummary{Category: models.RainfallNone}
	gauges := make(map[string]struct{})

	for _, r := range readings {
		if !r.HasCoords || r.Timestamp.Before(cutoff) {
			continue
		}
		if models.HaversineKm(lat, lon, r.Lat, r.Lon) > c.RadiusKm {
			continue
		}
		summary.TotalMm += r.Value
		if r.Value > summary.MaxMm {
			summary.MaxMm = r.Value
		}
		gauges[r.StationID] = struct{}{}
	}

	summary.GaugeCount = len(gauges)
	summary.Category = c.categorize(summary.TotalMm)
	return summary
}

func (c *Correlator) categorize(totalMm float64) models.RainfallCategory {
	switch {
	case totalMm >= c.HeavyMm:
		return models.RainfallHeavy
	case totalMm >= c.ModerateMm:
		return models.RainfallModerate
	case totalMm > 0:
		return models.RainfallLight
	default:
		return models.RainfallNone
	}
}
