package ea

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/envwatch/envwatch/internal/models"
	"github.com/envwatch/envwatch/pkg/retry"
)

// Fetcher pulls the latest readings snapshot for one source and enriches
// each reading with station coordinates in a single batch lookup.
type Fetcher struct {
	Source      models.Source
	Parameter   string
	BaseURL     string
	Stations    StationDirectory
	HTTPClient  *http.Client
	MaxAttempts int
	Backoff     retry.Config
	Counter     CallCounter

	// Timeout caps the total wall time of one FetchLatest call,
	// retries included.
	Timeout time.Duration
}

// FetchLatest returns the current latest reading per station from the
// upstream API. Transient HTTP failures are retried with backoff; 4xx
// responses and malformed payloads are terminal. Readings whose station is
// unknown to the directory are retained but marked coord-less so the
// detector can drop them before clustering.
func (f *Fetcher) FetchLatest(ctx context.Context) ([]models.Reading, error) {
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}

	url := f.readingsURL()

	var resp readingsResponse
	err := retry.Do(ctx, f.maxAttempts(), f.Backoff, func() error {
		return f.fetchOnce(ctx, url, &resp)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch %s readings: %w", f.Source, err)
	}

	return f.enrich(ctx, resp.Items)
}

func (f *Fetcher) readingsURL() string {
	// The hydrology API keys readings by observedProperty and serves
	// JSON from the .json endpoint; flood and rainfall use ?parameter.
	if f.Source == models.SourceHydrology {
		return fmt.Sprintf("%s/data/readings.json?latest&observedProperty=%s", f.BaseURL, f.Parameter)
	}
	return fmt.Sprintf("%s/data/readings?latest&parameter=%s", f.BaseURL, f.Parameter)
}

func (f *Fetcher) maxAttempts() int {
	if f.MaxAttempts > 0 {
		return f.MaxAttempts
	}
	return 3
}

func (f *Fetcher) httpClient() *http.Client {
	if f.HTTPClient != nil {
		return f.HTTPClient
	}
	return http.DefaultClient
}

func (f *Fetcher) fetchOnce(ctx context.Context, url string, out *readingsResponse) error {
	if f.Counter != nil {
		f.Counter.Inc(string(f.Source))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &retry.Terminal{Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("upstream returned %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return &retry.Terminal{Err: fmt.Errorf("upstream returned %d", resp.StatusCode)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &retry.Terminal{Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func (f *Fetcher) enrich(ctx context.Context, items []readingItem) ([]models.Reading, error) {
	idSet := make(map[string]struct{})
	for _, item := range items {
		if id := StationIDFromMeasure(item.Measure.URL); id != "" {
			idSet[id] = struct{}{}
		}
	}
	ids := make([]string, 0, len(idSet))
	for id := range idSet {
		ids = append(ids, id)
	}

	stations, err := f.Stations.LookupBatch(ctx, f.Source, ids)
	if err != nil {
		return nil, fmt.Errorf("station lookup for %s: %w", f.Source, err)
	}

	// Rainfall gauges were synced from the flood-monitoring station
	// list, so fall back to the flood directory for gauges missing
	// under the rainfall source.
	if f.Source == models.SourceRainfall {
		var missing []string
		for _, id := range ids {
			if _, ok := stations[id]; !ok {
				missing = append(missing, id)
			}
		}
		if len(missing) > 0 {
			fallback, err := f.Stations.LookupBatch(ctx, models.SourceFlood, missing)
			if err != nil {
				return nil, fmt.Errorf("station fallback lookup: %w", err)
			}
			for id, st := range fallback {
				stations[id] = st
			}
		}
	}

	readings := make([]models.Reading, 0, len(items))
	skipped := 0
	for _, item := range items {
		stationID := StationIDFromMeasure(item.Measure.URL)
		if stationID == "" || !item.Value.OK || item.DateTime == "" {
			skipped++
			continue
		}
		timestamp, err := time.Parse(time.RFC3339, item.DateTime)
		if err != nil {
			skipped++
			continue
		}

		reading := models.Reading{
			Source:    f.Source,
			StationID: stationID,
			Parameter: f.Parameter,
			Value:     item.Value.Value,
			Timestamp: timestamp.UTC(),
		}
		if st, ok := stations[stationID]; ok {
			reading.HasCoords = true
			reading.Lat = st.Lat
			reading.Lon = st.Lon
			reading.Easting = st.Easting
			reading.Northing = st.Northing
		}
		readings = append(readings, reading)
	}

	if skipped > 0 {
		log.Debug().
			Str("source", string(f.Source)).
			Int("skipped", skipped).
			Int("kept", len(readings)).
			Msg("Dropped unparseable reading items")
	}

	return readings, nil
}
