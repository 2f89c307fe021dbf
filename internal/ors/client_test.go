package ors

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"backend/internal/kv"
)

func testConfig(baseURL string) Config {
	cfg := DefaultConfig()
	cfg.BaseURL = baseURL
	return cfg
}

func TestGeocode_CachesResult(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_ = json.NewEncoder(w).Encode(map[string]any{
			"features": []map[string]any{
				{
					"geometry":   map[string]any{"coordinates": []float64{13.4, 52.5}},
					"properties": map[string]any{"label": "Berlin"},
				},
			},
		})
	}))
	defer srv.Close()

	mem := kv.NewMemoryStore()
	defer mem.Close()
	client := New(testConfig(srv.URL), mem)

	ctx := context.Background()
	places, err := client.Geocode(ctx, "Berlin")
	require.NoError(t, err)
	require.Len(t, places, 1)
	require.Equal(t, "Berlin", places[0].Label)
	require.Equal(t, 52.5, places[0].Lat)

	_, err = client.Geocode(ctx, "Berlin")
	require.NoError(t, err)
	require.Equal(t, 1, calls, "second call should be served from cache")
}

func TestDirections_SinglePairNoRetry(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := New(testConfig(srv.URL), nil)
	_, err := client.Directions(context.Background(), "driving-car", [][2]float64{{13.0, 52.0}, {13.1, 52.1}})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestDirections_MultiWaypointRetriesOnce(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := New(testConfig(srv.URL), nil)
	_, err := client.Directions(context.Background(), "driving-car", [][2]float64{
		{13.0, 52.0}, {13.1, 52.1}, {13.2, 52.2},
	})
	require.Error(t, err)
	require.Equal(t, 2, calls, "multi-waypoint directions should retry exactly once on 5xx")
}

func TestDirections_DecodesGeometry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"features": []map[string]any{
				{
					"geometry": map[string]any{
						"coordinates": [][2]float64{{13.0, 52.0}, {13.05, 52.05}, {13.1, 52.1}},
					},
				},
			},
		})
	}))
	defer srv.Close()

	mem := kv.NewMemoryStore()
	defer mem.Close()
	client := New(testConfig(srv.URL), mem)

	points, err := client.Directions(context.Background(), "driving-car", [][2]float64{{13.0, 52.0}, {13.1, 52.1}})
	require.NoError(t, err)
	require.Len(t, points, 3)
	require.Equal(t, 52.0, points[0].Lat)
	require.Equal(t, 13.0, points[0].Lng)
}

func TestDirections_RequiresTwoCoordinates(t *testing.T) {
	client := New(testConfig("http://unused"), nil)
	_, err := client.Directions(context.Background(), "driving-car", [][2]float64{{1, 2}})
	require.Error(t, err)
}
