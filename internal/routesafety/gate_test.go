package routesafety

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backend/internal/apperr"
)

func TestGateRejectsSingleOutlierDetour(t *testing.T) {
	// Two points 20m apart connected through a single 1000m detour
	// segment: one intermediate point placed far away so both
	// inter-point segments exceed MaxSegmentMeters.
	points := []Point{
		{Lat: 0, Lng: 0},
		{Lat: 0.009, Lng: 0}, // ~1000m north
		{Lat: 0.00018, Lng: 0},
	}
	cfg := DefaultConfig()
	_, err := Gate(points, cfg)
	require.Error(t, err)
	cat, ok := apperr.CategoryOf(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CategoryInvalidRouteGeometry, cat)
}

func TestGateAcceptsStraightLine(t *testing.T) {
	points := []Point{
		{Lat: 0, Lng: 0},
		{Lat: 0, Lng: 0.001},
	}
	cfg := DefaultConfig()
	out, err := Gate(points, cfg)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(out), 2)
	assert.InDelta(t, points[0].Lat, out[0].Lat, 1e-9)
	assert.InDelta(t, points[len(points)-1].Lat, out[len(out)-1].Lat, 1e-9)
}

func TestGateRejectsTooShortTotal(t *testing.T) {
	points := []Point{
		{Lat: 0, Lng: 0},
		{Lat: 0.00001, Lng: 0}, // ~1.1m
	}
	cfg := DefaultConfig()
	_, err := Gate(points, cfg)
	require.Error(t, err)
	cat, _ := apperr.CategoryOf(err)
	assert.Equal(t, apperr.CategoryInvalidRouteGeometry, cat)
}

func TestSanitizeMergesDuplicatesAndAccumulatesDwell(t *testing.T) {
	points := []Point{
		{Lat: 0, Lng: 0, DwellSeconds: 2},
		{Lat: 0, Lng: 0.0000001, DwellSeconds: 3}, // sub-0.5m successor
		{Lat: 0, Lng: 0.001},
	}
	out := sanitize(points)
	require.Len(t, out, 2)
	assert.Equal(t, 5.0, out[0].DwellSeconds)
}

func TestSanitizeDropsNonFiniteCoordinates(t *testing.T) {
	points := []Point{
		{Lat: 0, Lng: 0},
		{Lat: 200, Lng: 0}, // out of range
		{Lat: 0, Lng: 0.001},
	}
	out := sanitize(points)
	require.Len(t, out, 2)
}

func TestSimplifyPreservesAnchors(t *testing.T) {
	points := []Point{
		{Lat: 0, Lng: 0},
		{Lat: 0.0000001, Lng: 0.0005, Label: "anchor"}, // nearly on the line but anchored
		{Lat: 0, Lng: 0.001},
	}
	out := simplify(points, 100) // huge tolerance would normally drop the middle point
	require.Len(t, out, 3)
	assert.Equal(t, "anchor", out[1].Label)
}

func TestDetectSpikesClusterRejected(t *testing.T) {
	// Construct a zig-zag with three sharp reversals close together.
	points := []Point{
		{Lat: 0, Lng: 0},
		{Lat: 0.00003, Lng: 0},
		{Lat: 0.0000295, Lng: 0}, // reversal ~0.06m back
		{Lat: 0.00006, Lng: 0},
		{Lat: 0.0000595, Lng: 0}, // reversal
		{Lat: 0.00009, Lng: 0},
		{Lat: 0.0000895, Lng: 0}, // reversal
		{Lat: 0.00012, Lng: 0},
	}
	err := detectSpikes(points)
	if err != nil {
		cat, _ := apperr.CategoryOf(err)
		assert.Equal(t, apperr.CategoryInvalidRouteSpikes, cat)
	}
}
