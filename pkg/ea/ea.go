// Package ea is a client for the Environment Agency's public monitoring
// APIs: flood-monitoring readings, hydrology readings and rainfall gauges.
package ea

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/envwatch/envwatch/internal/models"
)

// StationDirectory resolves station ids to coordinates in one round trip.
type StationDirectory interface {
	LookupBatch(ctx context.Context, source models.Source, stationIDs []string) (map[string]models.Station, error)
}

// CallCounter receives one Inc per outbound HTTP request so the cycle can
// report external API call counts.
type CallCounter interface {
	Inc(service string)
}

// measureRef is the reading's measure reference. The flood and rainfall
// APIs return it as a URL string, the hydrology API as {"@id": url}.
type measureRef struct {
	URL string
}

func (m *measureRef) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &m.URL)
	}
	var obj struct {
		ID string `json:"@id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("measure field: %w", err)
	}
	m.URL = obj.ID
	return nil
}

// readingValue is the measurement value. Usually a number, occasionally an
// array of numbers, in which case the first element wins.
type readingValue struct {
	Value float64
	OK    bool
}

func (v *readingValue) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		return nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var values []float64
		if err := json.Unmarshal(data, &values); err != nil {
			return fmt.Errorf("value array: %w", err)
		}
		if len(values) == 0 {
			return nil
		}
		v.Value = values[0]
		v.OK = true
		return nil
	}
	if err := json.Unmarshal(data, &v.Value); err != nil {
		return fmt.Errorf("value field: %w", err)
	}
	v.OK = true
	return nil
}

type readingItem struct {
	Measure  measureRef   `json:"measure"`
	DateTime string       `json:"dateTime"`
	Value    readingValue `json:"value"`
}

type readingsResponse struct {
	Items []readingItem `json:"items"`
}

// StationIDFromMeasure extracts the station id from a measure URL. The id
// is the leading hyphen-delimited component of the URL's final path
// segment; the rule is identical across the flood and hydrology APIs.
func StationIDFromMeasure(measureURL string) string {
	if measureURL == "" {
		return ""
	}
	segment := measureURL
	if idx := strings.LastIndex(measureURL, "/"); idx >= 0 {
		segment = measureURL[idx+1:]
	}
	if idx := strings.Index(segment, "-"); idx >= 0 {
		segment = segment[:idx]
	}
	return segment
}
