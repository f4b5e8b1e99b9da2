// Package detect classifies readings as anomalous.
package detect

import (
	"math"

	"github.com/envwatch/envwatch/internal/config"
	"github.com/envwatch/envwatch/internal/models"
)

// Detector classifies readings. Output order is stable with respect to
// input order; readings without coordinates are dropped because they cannot
// be clustered downstream.
type Detector interface {
	Classify(readings []models.Reading) []models.Reading
}

// ThresholdDetector retains readings whose value exceeds the configured
// threshold for their (source, parameter). Readings with no configured
// threshold are never anomalous.
type ThresholdDetector struct {
	thresholds *config.Thresholds
}

// NewThresholdDetector builds the default detector.
func NewThresholdDetector(thresholds *config.Thresholds) *ThresholdDetector {
	return &ThresholdDetector{thresholds: thresholds}
}

// Classify implements Detector. Anomalous readings are returned with their
// threshold attached for downstream priority derivation.
func (d *ThresholdDetector) Classify(readings []models.Reading) []models.Reading {
	var anomalies []models.Reading
	for _, r := range readings {
		if !r.HasCoords {
			continue
		}
		threshold, ok := d.thresholds.Lookup(string(r.Source), r.Parameter)
		if !ok {
			continue
		}
		if r.Value > threshold {
			r.Threshold = threshold
			anomalies = append(anomalies, r)
		}
	}
	return anomalies
}

// ZScoreDetector retains readings whose value deviates from the per
// (source, parameter) mean by more than cutoff standard deviations. It is
// an alternative to the threshold detector for parameters without a fixed
// safe level.
type ZScoreDetector struct {
	cutoff float64
}

// NewZScoreDetector builds a z-score detector with the given cutoff.
func NewZScoreDetector(cutoff float64) *ZScoreDetector {
	if cutoff <= 0 {
		cutoff = 3.0
	}
	return &ZScoreDetector{cutoff: cutoff}
}

// Classify implements Detector. The synthetic threshold attached to each
// anomaly is the mean + cutoff*stddev boundary it crossed, so priority
// derivation works the same as with fixed thresholds.
func (d *ZScoreDetector) Classify(readings []models.Reading) []models.Reading {
	type stats struct {
		sum, sumSq float64
		n          int
	}
	groups := make(map[string]*stats)
	for _, r := range readings {
		if !r.HasCoords {
			continue
		}
		key := string(r.Source) + ":" + r.Parameter
		s, ok := groups[key]
		if !ok {
			s = &stats{}
			groups[key] = s
		}
		s.sum += r.Value
		s.sumSq += r.Value * r.Value
		s.n++
	}

	var anomalies []models.Reading
	for _, r := range readings {
		if !r.HasCoords {
			continue
		}
		s := groups[string(r.Source)+":"+r.Parameter]
		if s == nil || s.n < 2 {
			continue
		}
		mean := s.sum / float64(s.n)
		variance := s.sumSq/float64(s.n) - mean*mean
		if variance <= 0 {
			continue
		}
		stddev := math.Sqrt(variance)
		if (r.Value-mean)/stddev > d.cutoff {
			r.Threshold = mean + d.cutoff*stddev
			anomalies = append(anomalies, r)
		}
	}
	return anomalies
}
