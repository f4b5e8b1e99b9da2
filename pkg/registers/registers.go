// Package registers queries the public registers API for environmental
// permits near a point.
package registers

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker/v2"

	"github.com/envwatch/envwatch/internal/models"
	"github.com/envwatch/envwatch/pkg/retry"
)

// CallCounter receives one Inc per outbound HTTP request.
type CallCounter interface {
	Inc(service string)
}

// Client searches the public registers for permits. A circuit breaker
// protects the permits API from repeated hammering when it is down; while
// the breaker is open, searches fail fast.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	geocoder    *Geocoder
	counter     CallCounter
	maxAttempts int
	backoff     retry.Config
	breaker     *gobreaker.CircuitBreaker[[]models.Permit]
}

// Options configures the registers client.
type Options struct {
	BaseURL     string
	HTTPClient  *http.Client
	Geocoder    *Geocoder
	Counter     CallCounter
	MaxAttempts int
	Backoff     retry.Config
	Timeout     time.Duration
}

// NewClient builds a registers client.
func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 20 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 2
	}

	breaker := gobreaker.NewCircuitBreaker[[]models.Permit](gobreaker.Settings{
		Name:    "permits-api",
		Timeout: 60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Permits API circuit breaker state change")
		},
	})

	return &Client{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		httpClient:  httpClient,
		geocoder:    opts.Geocoder,
		counter:     opts.Counter,
		maxAttempts: maxAttempts,
		backoff:     opts.Backoff,
		breaker:     breaker,
	}
}

// SearchNear returns permits within radiusKm of the given grid reference,
// annotated with straight-line distance from the (lat, lon) centroid. An
// HTTP success with no rows yields an empty, non-nil slice.
func (c *Client) SearchNear(ctx context.Context, centroidLat, centroidLon float64, easting, northing int, radiusKm float64) ([]models.Permit, error) {
	return c.breaker.Execute(func() ([]models.Permit, error) {
		var permits []models.Permit
		err := retry.Do(ctx, c.maxAttempts, c.backoff, func() error {
			var err error
			permits, err = c.searchOnce(ctx, centroidLat, centroidLon, easting, northing, radiusKm)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("permit search: %w", err)
		}
		return permits, nil
	})
}

func (c *Client) searchOnce(ctx context.Context, centroidLat, centroidLon float64, easting, northing int, radiusKm float64) ([]models.Permit, error) {
	if c.counter != nil {
		c.counter.Inc("permits")
	}

	query := url.Values{}
	query.Set("easting", strconv.Itoa(easting))
	query.Set("northing", strconv.Itoa(northing))
	query.Set("dist", strconv.FormatFloat(radiusKm, 'f', -1, 64))

	searchURL := fmt.Sprintf("%s/api/search.csv?%s", c.baseURL, query.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return nil, &retry.Terminal{Err: fmt.Errorf("build request: %w", err)}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("upstream returned %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, &retry.Terminal{Err: fmt.Errorf("upstream returned %d", resp.StatusCode)}
	}

	permits, err := c.parseCSV(ctx, resp.Body, centroidLat, centroidLon)
	if err != nil {
		return nil, &retry.Terminal{Err: err}
	}
	return permits, nil
}

func (c *Client) parseCSV(ctx context.Context, body io.Reader, centroidLat, centroidLon float64) ([]models.Permit, error) {
	reader := csv.NewReader(body)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return []models.Permit{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}

	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.TrimSpace(name)] = i
	}
	field := func(row []string, name string) string {
		i, ok := index[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	permits := []models.Permit{}
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row: %w", err)
		}

		permitID := field(row, "registrationNumber")
		if permitID == "" {
			permitID = field(row, "@id")
		}
		if permitID == "" {
			continue
		}

		operator := field(row, "holder.name")
		if operator == "" {
			operator = "Unknown operator"
		}

		registerLabel := field(row, "register.label")
		registrationType := field(row, "registrationType.label")
		if registrationType == "" {
			registrationType = field(row, "exemption.registrationType.notation")
		}

		permit := models.Permit{
			PermitID:     permitID,
			Operator:     operator,
			Category:     Categorize(registerLabel, registrationType),
			RegisterType: registerLabel,
			SiteAddress:  field(row, "site.siteAddress.address"),
			SitePostcode: field(row, "site.siteAddress.postcode"),
		}

		if raw := field(row, "distance"); raw != "" {
			if d, err := strconv.ParseFloat(raw, 64); err == nil {
				permit.DistanceKm = d
			}
		}

		c.geocode(ctx, &permit, centroidLat, centroidLon)
		permits = append(permits, permit)
	}
	return permits, nil
}

// geocode resolves the permit's postcode to coordinates when a geocoder is
// configured. Failures leave the permit un-geocoded; they never fail the
// search.
func (c *Client) geocode(ctx context.Context, permit *models.Permit, centroidLat, centroidLon float64) {
	if c.geocoder == nil || permit.SitePostcode == "" {
		return
	}
	lat, lon, err := c.geocoder.Lookup(ctx, permit.SitePostcode)
	if err != nil {
		log.Debug().Err(err).Str("postcode", permit.SitePostcode).Msg("Permit geocoding failed")
		return
	}
	permit.Lat = lat
	permit.Lon = lon
	permit.Geocoded = true
	if permit.DistanceKm == 0 {
		permit.DistanceKm = models.HaversineKm(centroidLat, centroidLon, lat, lon)
	}
}

// Categorize maps a permit's register label and registration type to a
// static category.
func Categorize(registerLabel, registrationType string) models.PermitCategory {
	combined := strings.ToLower(registerLabel + " " + registrationType)
	switch {
	case strings.Contains(combined, "flood"):
		return models.PermitCategoryFloodRisk
	case strings.Contains(combined, "waste"):
		return models.PermitCategoryWaste
	case strings.Contains(combined, "discharge"):
		return models.PermitCategoryDischarge
	case strings.Contains(combined, "abstraction"):
		return models.PermitCategoryAbstraction
	default:
		return models.PermitCategoryOther
	}
}
