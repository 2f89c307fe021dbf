package gpx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_TrackPoints(t *testing.T) {
	doc := []byte(`<?xml version="1.0"?>
<gpx><trk><trkseg>
<trkpt lat="51.5" lon="-0.12"><ele>10</ele></trkpt>
<trkpt lon="-0.13" lat="51.51"></trkpt>
</trkseg></trk></gpx>`)

	res, err := Parse(doc)
	require.NoError(t, err)
	require.Len(t, res.Points, 2)
	assert.Equal(t, Point{Lat: 51.5, Lng: -0.12}, res.Points[0])
	assert.Equal(t, Point{Lat: 51.51, Lng: -0.13}, res.Points[1])
	assert.Equal(t, 0, res.Dropped)
}

func TestParse_DropsOutOfRangeCoordinates(t *testing.T) {
	doc := []byte(`<gpx><rte>
<rtept lat="91" lon="0"/>
<rtept lat="10" lon="190"/>
<rtept lat="10" lon="20"/>
</rte></gpx>`)

	res, err := Parse(doc)
	require.NoError(t, err)
	require.Len(t, res.Points, 1)
	assert.Equal(t, 2, res.Dropped)
}

func TestParse_Waypoints(t *testing.T) {
	doc := []byte(`<gpx><wpt lat="1" lon="2"/><wpt lat="3" lon="4"/></gpx>`)
	res, err := Parse(doc)
	require.NoError(t, err)
	require.Len(t, res.Points, 2)
}

func TestParse_InvalidXML(t *testing.T) {
	_, err := Parse([]byte("not xml"))
	require.Error(t, err)
}
