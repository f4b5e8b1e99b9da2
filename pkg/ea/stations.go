package ea

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/envwatch/envwatch/internal/models"
)

// StationRecord is one station row from a station-list endpoint, used by
// the sync-stations bootstrap job.
type StationRecord struct {
	StationID string
	Label     string
	Lat       float64
	Lon       float64
	Easting   int
	Northing  int
	// Parameters measured at this station; the rainfall directory is
	// the subset of flood stations measuring "rainfall".
	Parameters []string
}

type stationItem struct {
	StationReference string        `json:"stationReference"`
	Notation         string        `json:"notation"`
	Label            flexibleLabel `json:"label"`
	Lat              *float64      `json:"lat"`
	Long             *float64      `json:"long"`
	Easting          *float64      `json:"easting"`
	Northing         *float64      `json:"northing"`
	Measures         []struct {
		Parameter string `json:"parameter"`
	} `json:"measures"`
}

// flexibleLabel absorbs the API's habit of returning either a string or an
// array of strings for station labels.
type flexibleLabel string

func (l *flexibleLabel) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '[' {
		var values []string
		if err := json.Unmarshal(data, &values); err != nil {
			return err
		}
		if len(values) > 0 {
			*l = flexibleLabel(values[0])
		}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*l = flexibleLabel(s)
	return nil
}

type stationsResponse struct {
	Items []stationItem `json:"items"`
	Links []struct {
		Rel  string `json:"rel"`
		Href string `json:"href"`
	} `json:"links"`
}

// ListStations pages through a station-list endpoint and returns every
// station that carries coordinates. source selects the base URL style;
// the flood-monitoring station list covers rainfall gauges too.
func (f *Fetcher) ListStations(ctx context.Context) ([]StationRecord, error) {
	url := fmt.Sprintf("%s/id/stations?_limit=1000", f.BaseURL)

	var records []StationRecord
	for url != "" {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		page, next, err := f.fetchStationPage(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("list %s stations: %w", f.Source, err)
		}
		records = append(records, page...)
		url = next
	}
	return records, nil
}

func (f *Fetcher) fetchStationPage(ctx context.Context, url string) ([]StationRecord, string, error) {
	if f.Counter != nil {
		f.Counter.Inc(string(f.Source) + "-stations")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient().Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, "", fmt.Errorf("upstream returned %d", resp.StatusCode)
	}

	var parsed stationsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, "", fmt.Errorf("decode response: %w", err)
	}

	records := make([]StationRecord, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		id := item.StationReference
		if id == "" {
			id = item.Notation
		}
		if id == "" || item.Lat == nil || item.Long == nil {
			continue
		}
		record := StationRecord{
			StationID: id,
			Label:     string(item.Label),
			Lat:       *item.Lat,
			Lon:       *item.Long,
		}
		if item.Easting != nil {
			record.Easting = int(*item.Easting)
		}
		if item.Northing != nil {
			record.Northing = int(*item.Northing)
		}
		for _, m := range item.Measures {
			record.Parameters = append(record.Parameters, m.Parameter)
		}
		records = append(records, record)
	}

	next := ""
	for _, link := range parsed.Links {
		if link.Rel == "next" {
			next = link.Href
			break
		}
	}
	return records, next, nil
}

// MeasuresParameter reports whether the station measures the given
// parameter.
func (r StationRecord) MeasuresParameter(parameter string) bool {
	for _, p := range r.Parameters {
		if p == parameter {
			return true
		}
	}
	return false
}

// ToStation converts the record to the persisted station shape under the
// given source.
func (r StationRecord) ToStation(source models.Source) models.Station {
	return models.Station{
		Source:    source,
		StationID: r.StationID,
		Lat:       r.Lat,
		Lon:       r.Lon,
		Easting:   r.Easting,
		Northing:  r.Northing,
		Label:     r.Label,
	}
}
