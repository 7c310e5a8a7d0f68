package tracklog

import (
	"encoding/xml"
	"time"
)

type gpxPoint struct {
	Lat       float64  `xml:"lat,attr"`
	Lon       float64  `xml:"lon,attr"`
	Elevation *float64 `xml:"ele"`
	Time      string   `xml:"time"`
}

type gpxFile struct {
	XMLName xml.Name `xml:"gpx"`
	Tracks  []struct {
		Segments []struct {
			Points []gpxPoint `xml:"trkpt"`
		} `xml:"trkseg"`
	} `xml:"trk"`
}

// gpxTimeLayouts covers the timestamp variants seen in GPX files from
// different recorders
var gpxTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000Z",
	"2006-01-02T15:04:05Z",
	"2006-01-02T15:04:05",
}

func parseGPXTime(s string) (time.Time, bool) {
	for _, layout := range gpxTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// ParseGPX decodes GPX track segments into a TrackPoint sequence.
// Points without a timestamp are dropped (ordering is defined by time,
// not file position); missing elevation defaults to 0.
func ParseGPX(data []byte) ([]TrackPoint, error) {
	var doc gpxFile
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, &FormatError{Format: FormatGPX, Reason: err.Error()}
	}

	var points []TrackPoint
	for _, track := range doc.Tracks {
		for _, segment := range track.Segments {
			for _, trkpt := range segment.Points {
				ts, ok := parseGPXTime(trkpt.Time)
				if !ok {
					continue
				}

				elevation := 0.0
				if trkpt.Elevation != nil {
					elevation = *trkpt.Elevation
				}

				points = append(points, TrackPoint{
					Timestamp: ts,
					Latitude:  trkpt.Lat,
					Longitude: trkpt.Lon,
					Altitude:  elevation,
				})
			}
		}
	}

	points = sortAndFilter(points)
	if len(points) == 0 {
		return nil, &NoPointsError{Format: FormatGPX}
	}
	return points, nil
}
