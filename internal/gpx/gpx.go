// Package gpx extracts coordinates from GPX track, route, and waypoint
// elements. Only lat/lon attributes are read; elevation and time are
// ignored, and out-of-range coordinates are dropped and counted rather
// than rejecting the whole file. Uses encoding/xml only — see
// DESIGN.md for why no third-party GPX library is pulled in.
package gpx

import (
	"encoding/xml"
	"fmt"
)

// Point is one extracted coordinate.
type Point struct {
	Lat float64
	Lng float64
}

// Result is the outcome of parsing a GPX document.
type Result struct {
	Points  []Point
	Dropped int // coordinates outside [-90,90]/[-180,180], excluded from Points
}

// rawPoint mirrors the lat/lon attribute pair shared by <trkpt>,
// <rtept>, and <wpt> — attribute order is not fixed by the GPX schema,
// so both are read by name rather than position.
type rawPoint struct {
	Lat float64 `xml:"lat,attr"`
	Lon float64 `xml:"lon,attr"`
}

type gpxDoc struct {
	XMLName xml.Name `xml:"gpx"`
	Wpt     []rawPoint `xml:"wpt"`
	Rte     []struct {
		Rtept []rawPoint `xml:"rtept"`
	} `xml:"rte"`
	Trk []struct {
		Trkseg []struct {
			Trkpt []rawPoint `xml:"trkpt"`
		} `xml:"trkseg"`
	} `xml:"trk"`
}

// Parse extracts every trkpt/rtept/wpt coordinate from a GPX document,
// grouped by element type rather than in document order: track points
// first, then route points, then standalone waypoints, matching the
// priority a route-creation caller expects (a GPX export usually
// carries exactly one of these).
func Parse(data []byte) (*Result, error) {
	var doc gpxDoc
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse gpx: %w", err)
	}

	res := &Result{}
	for _, trk := range doc.Trk {
		for _, seg := range trk.Trkseg {
			appendValid(res, seg.Trkpt)
		}
	}
	for _, rte := range doc.Rte {
		appendValid(res, rte.Rtept)
	}
	appendValid(res, doc.Wpt)

	return res, nil
}

func appendValid(res *Result, pts []rawPoint) {
	for _, p := range pts {
		if p.Lat < -90 || p.Lat > 90 || p.Lon < -180 || p.Lon > 180 {
			res.Dropped++
			continue
		}
		res.Points = append(res.Points, Point{Lat: p.Lat, Lng: p.Lon})
	}
}
