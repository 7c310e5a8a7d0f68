package tracklog

import (
	"encoding/json"
	"time"
)

// jsonPoint is the wire form of a single fix in a JSON tracklog.
// Unrecognized fields are ignored; a point missing timestamp or
// coordinates is skipped.
type jsonPoint struct {
	Timestamp *time.Time `json:"timestamp"`
	Latitude  *float64   `json:"lat"`
	Longitude *float64   `json:"lon"`
	Altitude  *float64   `json:"altitude"`
	Speed     *float64   `json:"speed"`
	VSpeed    *float64   `json:"vertical_speed"`
}

// ParseJSON decodes a JSON array of fix objects into a TrackPoint
// sequence. Missing required fields (timestamp, lat, lon) skip that
// single point; missing altitude defaults to 0.
func ParseJSON(data []byte) ([]TrackPoint, error) {
	var raw []jsonPoint
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &FormatError{Format: FormatJSON, Reason: err.Error()}
	}

	points := make([]TrackPoint, 0, len(raw))
	for _, p := range raw {
		if p.Timestamp == nil || p.Latitude == nil || p.Longitude == nil {
			continue
		}

		pt := TrackPoint{
			Timestamp: p.Timestamp.UTC(),
			Latitude:  *p.Latitude,
			Longitude: *p.Longitude,
			Speed:     p.Speed,
			VSpeed:    p.VSpeed,
		}
		if p.Altitude != nil {
			pt.Altitude = *p.Altitude
		}
		points = append(points, pt)
	}

	points = sortAndFilter(points)
	if len(points) == 0 {
		return nil, &NoPointsError{Format: FormatJSON}
	}
	return points, nil
}

// EncodeJSON serializes a TrackPoint sequence to the JSON tracklog form
// accepted by ParseJSON
func EncodeJSON(points []TrackPoint) ([]byte, error) {
	return json.Marshal(points)
}
