// Package routesafety implements the Route Safety Gate (C2): the fixed
// five-stage pipeline (sanitize, validate, simplify, resample, spike
// detection) that every RoutePoint sequence passes through before
// persistence when safety mode is enabled.
package routesafety

import (
	"math"
	"sort"

	"backend/internal/apperr"
	"backend/internal/geo"
)

// Config holds the tunables named in §6 (ROUTE_* environment variables).
type Config struct {
	MaxSegmentMeters float64 // default 200
	MinTotalMeters   float64 // default 50
	ToleranceMeters  float64 // Douglas-Peucker tolerance, default configurable
	StepMeters       float64 // resample spacing, default 5
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxSegmentMeters: 200,
		MinTotalMeters:   50,
		ToleranceMeters:  8,
		StepMeters:       5,
	}
}

// Point is a candidate RoutePoint prior to persistence.
type Point struct {
	Lat          float64
	Lng          float64
	DwellSeconds float64
	Label        string
}

func (p Point) geo() geo.Point { return geo.Point{Lat: p.Lat, Lng: p.Lng} }

// Gate runs the five-stage pipeline and returns the clean polyline, or
// a terminal *apperr.Error (InvalidRouteGeometry / InvalidRouteSpikes).
func Gate(points []Point, cfg Config) ([]Point, error) {
	sanitized := sanitize(points)

	if err := validate(sanitized, cfg); err != nil {
		return nil, err
	}

	simplified := simplify(sanitized, cfg.ToleranceMeters)

	resampled, err := resample(simplified, cfg.StepMeters)
	if err != nil {
		return nil, apperr.InvalidRouteGeometry("resample failed: %v", err)
	}

	if err := detectSpikes(resampled); err != nil {
		return nil, err
	}

	return resampled, nil
}

// sanitize drops non-finite/out-of-range points and merges exact
// duplicates and sub-0.5m successors into the previous kept point,
// accumulating dwellSeconds and preserving label.
func sanitize(points []Point) []Point {
	kept := make([]Point, 0, len(points))
	for _, p := range points {
		if !isFiniteCoord(p.Lat, p.Lng) {
			continue
		}
		if len(kept) == 0 {
			kept = append(kept, p)
			continue
		}
		prev := &kept[len(kept)-1]
		d := geo.Distance(prev.geo(), p.geo())
		if d < 0.5 {
			prev.DwellSeconds += p.DwellSeconds
			if prev.Label == "" {
				prev.Label = p.Label
			}
			continue
		}
		kept = append(kept, p)
	}
	return kept
}

func isFiniteCoord(lat, lng float64) bool {
	if math.IsNaN(lat) || math.IsInf(lat, 0) || math.IsNaN(lng) || math.IsInf(lng, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

func validate(points []Point, cfg Config) error {
	if len(points) < 2 {
		return apperr.InvalidRouteGeometry("fewer than 2 points survive sanitization")
	}
	total := 0.0
	for i := 0; i+1 < len(points); i++ {
		d := geo.Distance(points[i].geo(), points[i+1].geo())
		if d > cfg.MaxSegmentMeters {
			return apperr.InvalidRouteGeometry("segment %d exceeds max segment length (%.1fm > %.1fm)", i, d, cfg.MaxSegmentMeters)
		}
		total += d
	}
	if total < cfg.MinTotalMeters {
		return apperr.InvalidRouteGeometry("total route length %.1fm below minimum %.1fm", total, cfg.MinTotalMeters)
	}
	return nil
}

// simplify runs recursive Douglas-Peucker with anchor protection: any
// point with DwellSeconds > 0 or a non-empty Label is never dropped.
func simplify(points []Point, toleranceMeters float64) []Point {
	if len(points) < 3 {
		return points
	}
	keep := make([]bool, len(points))
	keep[0] = true
	keep[len(points)-1] = true
	douglasPeucker(points, 0, len(points)-1, toleranceMeters, keep)

	out := make([]Point, 0, len(points))
	for i, k := range keep {
		if k {
			out = append(out, points[i])
		}
	}
	return out
}

func douglasPeucker(points []Point, start, end int, tolerance float64, keep []bool) {
	if end <= start+1 {
		return
	}

	maxDist := -1.0
	maxIdx := -1
	for i := start + 1; i < end; i++ {
		d := perpendicularDistance(points[i], points[start], points[end])
		if isAnchor(points[i]) {
			d = math.Inf(1)
		}
		if d > maxDist {
			maxDist = d
			maxIdx = i
		}
	}

	if maxIdx == -1 {
		return
	}

	if maxDist > tolerance {
		keep[maxIdx] = true
		douglasPeucker(points, start, maxIdx, tolerance, keep)
		douglasPeucker(points, maxIdx, end, tolerance, keep)
	}
}

func isAnchor(p Point) bool {
	return p.DwellSeconds > 0 || p.Label != ""
}

// perpendicularDistance approximates the perpendicular distance from p
// to the line segment (a,b) in meters, using an equirectangular
// projection local to the segment (adequate at the sub-kilometer scale
// routes operate at).
func perpendicularDistance(p, a, b Point) float64 {
	toXY := func(ref, q Point) (float64, float64) {
		const metersPerDegLat = 111320.0
		x := (q.Lng - ref.Lng) * metersPerDegLat * math.Cos(ref.Lat*math.Pi/180)
		y := (q.Lat - ref.Lat) * metersPerDegLat
		return x, y
	}
	ax, ay := 0.0, 0.0
	bx, by := toXY(a, b)
	px, py := toXY(a, p)

	dx, dy := bx-ax, by-ay
	segLenSq := dx*dx + dy*dy
	if segLenSq == 0 {
		return math.Hypot(px-ax, py-ay)
	}

	t := ((px-ax)*dx + (py-ay)*dy) / segLenSq
	if t < 0 {
		t = 0
	} else if t > 1 {
		t = 1
	}
	projX := ax + t*dx
	projY := ay + t*dy
	return math.Hypot(px-projX, py-projY)
}

// resample resamples the polyline to uniform spacing. Interpolated
// points carry no label or dwell.
func resample(points []Point, stepMeters float64) ([]Point, error) {
	geoPoints := make([]geo.Point, len(points))
	for i, p := range points {
		geoPoints[i] = p.geo()
	}
	resampled, err := geo.Resample(geoPoints, stepMeters)
	if err != nil {
		return nil, err
	}

	// Preserve label/dwell on points that coincide with an original
	// (anchor) input point; everything else is a pure interpolation.
	out := make([]Point, len(resampled))
	for i, gp := range resampled {
		out[i] = Point{Lat: gp.Lat, Lng: gp.Lng}
		for _, orig := range points {
			if orig.Lat == gp.Lat && orig.Lng == gp.Lng {
				out[i].Label = orig.Label
				out[i].DwellSeconds = orig.DwellSeconds
				break
			}
		}
	}
	return out, nil
}

// spikeNeighborMaxMeters, spikeTurnThresholdDeg and spikeClusterWindow
// implement the spike detection described in §4.2 stage 5.
const (
	spikeNeighborMaxMeters = 5.0
	spikeTurnThresholdDeg  = 160.0
	spikeClusterWindow     = 30.0
)

// detectSpikes finds points whose neighboring segments are both < 5m
// and whose turn angle exceeds 160 degrees, and fails if any triplet of
// spikes lies within a 30m window along the polyline.
func detectSpikes(points []Point) error {
	if len(points) < 3 {
		return nil
	}

	type spike struct {
		index     int
		alongDist float64
	}
	var spikes []spike
	cumulative := 0.0
	for i := 1; i < len(points)-1; i++ {
		cumulative += geo.Distance(points[i-1].geo(), points[i].geo())

		prevSeg := geo.Distance(points[i-1].geo(), points[i].geo())
		nextSeg := geo.Distance(points[i].geo(), points[i+1].geo())
		if prevSeg >= spikeNeighborMaxMeters || nextSeg >= spikeNeighborMaxMeters {
			continue
		}

		b1 := geo.Bearing(points[i-1].geo(), points[i].geo())
		b2 := geo.Bearing(points[i].geo(), points[i+1].geo())
		turn := math.Abs(geo.FoldAngle(b1 - b2))
		if turn > spikeTurnThresholdDeg {
			spikes = append(spikes, spike{index: i, alongDist: cumulative})
		}
	}

	if len(spikes) < 3 {
		return nil
	}

	sort.Slice(spikes, func(i, j int) bool { return spikes[i].alongDist < spikes[j].alongDist })
	for i := 0; i+2 < len(spikes); i++ {
		if spikes[i+2].alongDist-spikes[i].alongDist <= spikeClusterWindow {
			return apperr.InvalidRouteSpikes("3 spikes within %.0fm window near index %d", spikeClusterWindow, spikes[i].index)
		}
	}
	return nil
}
