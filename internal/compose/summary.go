package compose

import (
	"context"
	"fmt"
	"strings"

	"github.com/envwatch/envwatch/internal/models"
)

const (
	maxSummaryLen    = 600
	maxStationsNamed = 6
)

// TemplateSummariser renders the deterministic one-paragraph summary. The
// opening sentence is selected by source kind; the rest of the paragraph is
// the same across kinds.
type TemplateSummariser struct{}

// NewTemplateSummariser returns the deterministic summariser.
func NewTemplateSummariser() *TemplateSummariser {
	return &TemplateSummariser{}
}

// Summarise never fails; the error return satisfies the Summariser
// interface.
func (s *TemplateSummariser) Summarise(_ context.Context, cluster models.Cluster, permits []models.Permit, rainfall models.RainfallSummary, priority models.Priority) (string, error) {
	ids := cluster.StationIDs()
	stationList := formatStationList(ids)

	peak, avg, threshold := clusterStats(cluster)

	var b strings.Builder
	switch cluster.Kind {
	case models.SourceKindFlood:
		fmt.Fprintf(&b, "%s priority flood alert: %d station(s) (%s) reported water levels above threshold.",
			titleCase(priority), len(ids), stationList)
	case models.SourceKindHydrology:
		fmt.Fprintf(&b, "%s priority hydrology alert: %d station(s) (%s) reported anomalous flow or level readings.",
			titleCase(priority), len(ids), stationList)
	default:
		fmt.Fprintf(&b, "%s priority environmental alert: %d station(s) (%s) reported anomalies across flood and hydrology networks.",
			titleCase(priority), len(ids), stationList)
	}

	fmt.Fprintf(&b, " Peak reading %.2f (average %.2f) against a threshold of %.2f.", peak, avg, threshold)
	b.WriteByte(' ')
	b.WriteString(rainfallPhrase(rainfall))
	b.WriteByte(' ')
	b.WriteString(permitPhrase(permits))

	return clampSummary(b.String()), nil
}

// clampSummary enforces the 600-byte summary limit without splitting a
// multi-byte rune at the cut.
func clampSummary(s string) string {
	if len(s) <= maxSummaryLen {
		return s
	}
	const ellipsis = "…"
	runes := []rune(s)
	for len(runes) > 0 && len(string(runes))+len(ellipsis) > maxSummaryLen {
		runes = runes[:len(runes)-1]
	}
	return string(runes) + ellipsis
}

func formatStationList(ids []string) string {
	if len(ids) <= maxStationsNamed {
		return strings.Join(ids, ", ")
	}
	return strings.Join(ids[:maxStationsNamed], ", ") + "…"
}

func clusterStats(cluster models.Cluster) (peak, avg, threshold float64) {
	if len(cluster.Members) == 0 {
		return 0, 0, 0
	}
	sum := 0.0
	for _, m := range cluster.Members {
		if m.Value > peak {
			peak = m.Value
		}
		if m.Threshold > threshold {
			threshold = m.Threshold
		}
		sum += m.Value
	}
	avg = sum / float64(len(cluster.Members))
	return peak, avg, threshold
}

func rainfallPhrase(rainfall models.RainfallSummary) string {
	switch rainfall.Category {
	case models.RainfallHeavy:
		return fmt.Sprintf("Heavy rainfall recorded nearby: %.1f mm across %d gauge(s).", rainfall.TotalMm, rainfall.GaugeCount)
	case models.RainfallModerate:
		return fmt.Sprintf("Moderate rainfall recorded nearby: %.1f mm across %d gauge(s).", rainfall.TotalMm, rainfall.GaugeCount)
	case models.RainfallLight:
		return fmt.Sprintf("Light rainfall recorded nearby: %.1f mm across %d gauge(s).", rainfall.TotalMm, rainfall.GaugeCount)
	default:
		return "No rainfall recorded in the area over the correlation window."
	}
}

func permitPhrase(permits []models.Permit) string {
	if len(permits) == 0 {
		return "No regulated sites found near the incident."
	}
	counts := make(map[models.PermitCategory]int)
	for _, p := range permits {
		counts[p.Category]++
	}
	parts := make([]string, 0, len(counts))
	for _, cat := range []models.PermitCategory{
		models.PermitCategoryWaste,
		models.PermitCategoryDischarge,
		models.PermitCategoryFloodRisk,
		models.PermitCategoryAbstraction,
		models.PermitCategoryOther,
	} {
		if n := counts[cat]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, cat))
		}
	}
	return fmt.Sprintf("%d regulated site(s) nearby (%s).", len(permits), strings.Join(parts, ", "))
}

func titleCase(p models.Priority) string {
	s := string(p)
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
