package registers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Geocoder resolves UK postcodes to coordinates via postcodes.io. Results
// are cached for the process lifetime; permit sites do not move.
type Geocoder struct {
	baseURL    string
	httpClient *http.Client
	counter    CallCounter

	mu    sync.RWMutex
	cache map[string]coord
}

type coord struct {
	lat, lon float64
}

// NewGeocoder builds a postcode geocoder against the given base URL.
func NewGeocoder(baseURL string, httpClient *http.Client, counter CallCounter) *Geocoder {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Geocoder{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		counter:    counter,
		cache:      make(map[string]coord),
	}
}

// Lookup resolves a postcode to (lat, lon).
func (g *Geocoder) Lookup(ctx context.Context, postcode string) (float64, float64, error) {
	key := strings.ToUpper(strings.ReplaceAll(postcode, " ", ""))

	g.mu.RLock()
	cached, ok := g.cache[key]
	g.mu.RUnlock()
	if ok {
		return cached.lat, cached.lon, nil
	}

	if g.counter != nil {
		g.counter.Inc("geocode")
	}

	lookupURL := fmt.Sprintf("%s/postcodes/%s", g.baseURL, url.PathEscape(postcode))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, lookupURL, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("build request: %w", err)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return 0, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return 0, 0, fmt.Errorf("geocoder returned %d", resp.StatusCode)
	}

	var parsed struct {
		Result struct {
			Latitude  *float64 `json:"latitude"`
			Longitude *float64 `json:"longitude"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return 0, 0, fmt.Errorf("decode response: %w", err)
	}
	if parsed.Result.Latitude == nil || parsed.Result.Longitude == nil {
		return 0, 0, fmt.Errorf("postcode %q has no coordinates", postcode)
	}

	g.mu.Lock()
	g.cache[key] = coord{lat: *parsed.Result.Latitude, lon: *parsed.Result.Longitude}
	g.mu.Unlock()

	return *parsed.Result.Latitude, *parsed.Result.Longitude, nil
}
