// Package ors is the OpenRouteService HTTP client (C client for
// geocoding and directions): a real outbound HTTP integration wrapped
// in a circuit breaker and retried once for multi-waypoint directions,
// with every successful response cached through the ephemeral store.
// Grounded on the teacher's internal/connection.CircuitBreaker
// (sony/gobreaker/v2 wrapper) for resilience and its supervisor
// package's cenkalti/backoff/v4 usage for the bounded retry.
package ors

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"

	"backend/internal/apperr"
	"backend/internal/cache"
	"backend/internal/kv"
)

// Config holds the client's network and cache tunables from §6.
type Config struct {
	BaseURL              string
	APIKey               string
	GeocodeTimeout       time.Duration
	DirectionsTimeout    time.Duration
	MultiWaypointTimeout time.Duration
	GeocodeCacheTTL      time.Duration
	RouteCacheTTL        time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:              "https://api.openrouteservice.org",
		GeocodeTimeout:       10 * time.Second,
		DirectionsTimeout:    15 * time.Second,
		MultiWaypointTimeout: 30 * time.Second,
		GeocodeCacheTTL:      86400 * time.Second,
		RouteCacheTTL:        3600 * time.Second,
	}
}

// Place is one geocode/autocomplete hit.
type Place struct {
	Label string  `json:"label"`
	Lat   float64 `json:"lat"`
	Lng   float64 `json:"lng"`
}

// Point is one coordinate along a decoded route geometry.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Client is the OpenRouteService HTTP integration.
type Client struct {
	cfg        Config
	httpClient *http.Client
	kv         kv.Store
	breaker    *gobreaker.CircuitBreaker[[]byte]

	// l1 memoizes place lookups in-process, ahead of the shared kv
	// store, so repeated autocomplete keystrokes for the same prefix
	// within one instance don't round-trip to Redis.
	l1 *cache.MemoryCache[string, []Place]
}

// New constructs a Client. kvStore may be nil to disable caching
// (tests).
func New(cfg Config, kvStore kv.Store) *Client {
	breaker := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "ors",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
		kv:         kvStore,
		breaker:    breaker,
		l1:         cache.NewMemoryCache[string, []Place](30 * time.Second),
	}
}

func cacheKeyGeocode(query string) string {
	return "ors:geocode:" + normalizeQuery(query)
}

func cacheKeyAutocomplete(query, country string) string {
	key := "ors:autocomplete:" + normalizeQuery(query)
	if country != "" {
		key += ":" + strings.ToLower(country)
	}
	return key
}

func cacheKeyRoute(profile string, coords [][2]float64) string {
	parts := make([]string, len(coords))
	for i, c := range coords {
		parts[i] = fmt.Sprintf("%.6f,%.6f", c[0], c[1])
	}
	return "ors:route:" + profile + ":" + strings.Join(parts, ";")
}

func normalizeQuery(q string) string {
	return strings.ToLower(strings.TrimSpace(q))
}

// Geocode resolves a free-text address to candidate places, caching
// successful results for GeocodeCacheTTL.
func (c *Client) Geocode(ctx context.Context, query string) ([]Place, error) {
	key := cacheKeyGeocode(query)
	if places, ok := c.readCache(ctx, key); ok {
		return places, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.GeocodeTimeout)
	defer cancel()

	body, err := c.doOnce(ctx, "/geocode/search", url.Values{"text": {query}, "size": {"1"}})
	if err != nil {
		return nil, err
	}
	places, err := decodeFeatures(body)
	if err != nil {
		return nil, apperr.UpstreamUnavailable(err, "decode geocode response")
	}
	c.writeCache(ctx, key, places, c.cfg.GeocodeCacheTTL)
	return places, nil
}

// Autocomplete resolves partial text to suggestions, optionally scoped
// to a country code, caching results for GeocodeCacheTTL.
func (c *Client) Autocomplete(ctx context.Context, query string, limit int, country string) ([]Place, error) {
	key := cacheKeyAutocomplete(query, country)
	if places, ok := c.readCache(ctx, key); ok {
		return places, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.GeocodeTimeout)
	defer cancel()

	params := url.Values{"text": {query}}
	if limit > 0 {
		params.Set("size", strconv.Itoa(limit))
	}
	if country != "" {
		params.Set("boundary.country", country)
	}
	body, err := c.doOnce(ctx, "/geocode/autocomplete", params)
	if err != nil {
		return nil, err
	}
	places, err := decodeFeatures(body)
	if err != nil {
		return nil, apperr.UpstreamUnavailable(err, "decode autocomplete response")
	}
	c.writeCache(ctx, key, places, c.cfg.GeocodeCacheTTL)
	return places, nil
}

// Directions resolves an ordered coordinate list to a dense route
// geometry. Pairs (origin/destination only) use DirectionsTimeout with
// no retry; three or more coordinates (multi-waypoint) use
// MultiWaypointTimeout with one retry on 429/5xx/network error, 1s
// delay, per §5.
func (c *Client) Directions(ctx context.Context, profile string, coords [][2]float64) ([]Point, error) {
	if len(coords) < 2 {
		return nil, apperr.Validation("directions require at least two coordinates")
	}

	key := cacheKeyRoute(profile, coords)
	if points, ok := c.readRouteCache(ctx, key); ok {
		return points, nil
	}

	multi := len(coords) > 2
	timeout := c.cfg.DirectionsTimeout
	if multi {
		timeout = c.cfg.MultiWaypointTimeout
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload := map[string]any{"coordinates": coords}
	body, _ := json.Marshal(payload)

	var respBody []byte
	var err error
	if multi {
		err = backoff.Retry(func() error {
			respBody, err = c.doPostOnce(reqCtx, "/v2/directions/"+profile+"/geojson", body)
			if err == nil {
				return nil
			}
			if isRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}, backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Second), 1))
	} else {
		respBody, err = c.doPostOnce(reqCtx, "/v2/directions/"+profile+"/geojson", body)
	}
	if err != nil {
		return nil, apperr.UpstreamUnavailable(err, "directions request failed")
	}

	points, err := decodeRouteGeometry(respBody)
	if err != nil {
		return nil, apperr.UpstreamUnavailable(err, "decode directions response")
	}
	c.writeRouteCache(reqCtx, key, points, c.cfg.RouteCacheTTL)
	return points, nil
}

type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func isRetryable(err error) bool {
	_, ok := err.(*retryableError)
	return ok
}

func (c *Client) doOnce(ctx context.Context, path string, params url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	return c.execute(req)
}

func (c *Client) doPostOnce(ctx context.Context, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, newReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	data, err := c.execute(req)
	if err != nil {
		if isRetryableStatus(err) {
			return nil, &retryableError{err}
		}
		return nil, err
	}
	return data, nil
}

func (c *Client) execute(req *http.Request) ([]byte, error) {
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", c.cfg.APIKey)
	}
	return c.breaker.Execute(func() ([]byte, error) {
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, &retryableError{err}
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, &retryableError{fmt.Errorf("ors upstream status %d", resp.StatusCode)}
		}
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("ors upstream status %d", resp.StatusCode)
		}
		return data, nil
	})
}

func isRetryableStatus(err error) bool {
	return isRetryable(err)
}

func newReader(b []byte) io.Reader {
	return strings.NewReader(string(b))
}

func decodeFeatures(body []byte) ([]Place, error) {
	var doc struct {
		Features []struct {
			Geometry struct {
				Coordinates [2]float64 `json:"coordinates"`
			} `json:"geometry"`
			Properties struct {
				Label string `json:"label"`
			} `json:"properties"`
		} `json:"features"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, err
	}
	places := make([]Place, 0, len(doc.Features))
	for _, f := range doc.Features {
		places = append(places, Place{
			Label: f.Properties.Label,
			Lng:   f.Geometry.Coordinates[0],
			Lat:   f.Geometry.Coordinates[1],
		})
	}
	return places, nil
}

func decodeRouteGeometry(body []byte) ([]Point, error) {
	var doc struct {
		Features []struct {
			Geometry struct {
				Coordinates [][2]float64 `json:"coordinates"`
			} `json:"geometry"`
		} `json:"features"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, err
	}
	if len(doc.Features) == 0 {
		return nil, fmt.Errorf("no route features in response")
	}
	coords := doc.Features[0].Geometry.Coordinates
	points := make([]Point, len(coords))
	for i, c := range coords {
		points[i] = Point{Lng: c[0], Lat: c[1]}
	}
	return points, nil
}

func (c *Client) readCache(ctx context.Context, key string) ([]Place, bool) {
	if places, ok := c.l1.Get(key); ok {
		return places, true
	}
	if c.kv == nil {
		return nil, false
	}
	data, ok, err := c.kv.Get(ctx, key)
	if err != nil || !ok {
		return nil, false
	}
	var places []Place
	if err := json.Unmarshal(data, &places); err != nil {
		return nil, false
	}
	c.l1.Set(key, places)
	return places, true
}

func (c *Client) writeCache(ctx context.Context, key string, places []Place, ttl time.Duration) {
	c.l1.SetWithTTL(key, places, ttl)
	if c.kv == nil {
		return
	}
	data, err := json.Marshal(places)
	if err != nil {
		return
	}
	_ = c.kv.Set(ctx, key, data, ttl)
}

func (c *Client) readRouteCache(ctx context.Context, key string) ([]Point, bool) {
	if c.kv == nil {
		return nil, false
	}
	data, ok, err := c.kv.Get(ctx, key)
	if err != nil || !ok {
		return nil, false
	}
	var points []Point
	if err := json.Unmarshal(data, &points); err != nil {
		return nil, false
	}
	return points, true
}

func (c *Client) writeRouteCache(ctx context.Context, key string, points []Point, ttl time.Duration) {
	if c.kv == nil {
		return
	}
	data, err := json.Marshal(points)
	if err != nil {
		return
	}
	_ = c.kv.Set(ctx, key, data, ttl)
}
