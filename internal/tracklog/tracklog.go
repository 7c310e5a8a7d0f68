package tracklog

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/parafly/flylog/internal/geo"
)

// TrackPoint is a single timestamped GPS fix
type TrackPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Latitude  float64   `json:"lat"`
	Longitude float64   `json:"lon"`
	Altitude  float64   `json:"altitude"`
	Speed     *float64  `json:"speed,omitempty"`          // Horizontal speed in m/s, if the source reports one
	VSpeed    *float64  `json:"vertical_speed,omitempty"` // Vertical speed in m/s, if the source reports one
}

// Format identifies a supported tracklog file format
type Format string

const (
	FormatGPX  Format = "gpx"
	FormatIGC  Format = "igc"
	FormatKML  Format = "kml"
	FormatJSON Format = "json"
)

// FormatError indicates the input could not be recognized as the claimed
// format at all. Individual malformed records inside an otherwise valid
// file are skipped, never reported as a FormatError.
type FormatError struct {
	Format Format
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("not a valid %s file: %s", strings.ToUpper(string(e.Format)), e.Reason)
}

// NoPointsError indicates a file parsed cleanly but yielded zero usable points
type NoPointsError struct {
	Format Format
}

func (e *NoPointsError) Error() string {
	return fmt.Sprintf("%s file contains no usable track points", strings.ToUpper(string(e.Format)))
}

// FormatFromPath selects the parser format from a file extension.
// Returns false if the extension is not one of .gpx, .igc, .kml, .json.
func FormatFromPath(path string) (Format, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".gpx":
		return FormatGPX, true
	case ".igc":
		return FormatIGC, true
	case ".kml":
		return FormatKML, true
	case ".json":
		return FormatJSON, true
	}
	return "", false
}

// Parse decodes raw file content in the given format into a time-ordered
// TrackPoint sequence
func Parse(format Format, data []byte) ([]TrackPoint, error) {
	switch format {
	case FormatGPX:
		return ParseGPX(data)
	case FormatIGC:
		return ParseIGC(data)
	case FormatKML:
		return ParseKML(data)
	case FormatJSON:
		return ParseJSON(data)
	default:
		return nil, fmt.Errorf("unknown tracklog format: %s", format)
	}
}

// sortAndFilter enforces the parser output contract: points with invalid
// coordinates are dropped, and the sequence is ordered by non-decreasing
// timestamp. A point that would move time backwards is dropped rather
// than reordered, since such records are sensor garbage, not data.
func sortAndFilter(points []TrackPoint) []TrackPoint {
	out := make([]TrackPoint, 0, len(points))
	var last time.Time
	for _, p := range points {
		if p.Timestamp.IsZero() {
			continue
		}
		if !geo.ValidCoordinates(p.Latitude, p.Longitude) {
			continue
		}
		if !last.IsZero() && p.Timestamp.Before(last) {
			continue
		}
		last = p.Timestamp
		out = append(out, p)
	}
	return out
}

// floatPtr is a small helper for optional speed fields
func floatPtr(v float64) *float64 {
	return &v
}
