package tracklog

import (
	"bytes"
	"encoding/xml"
	"io"
	"strconv"
	"strings"
)

// kmlTrack matches a gx:Track element: parallel lists of <when>
// timestamps and <gx:coord> "lon lat alt" triples
type kmlTrack struct {
	When  []string `xml:"when"`
	Coord []string `xml:"coord"`
}

// ParseKML decodes KML gx:Track elements into a TrackPoint sequence.
// Plain LineString <coordinates> carry no timestamps, so their points
// are dropped rather than given invented times; a file containing only
// those yields a NoPointsError, not a FormatError.
func ParseKML(data []byte) ([]TrackPoint, error) {
	decoder := xml.NewDecoder(bytes.NewReader(data))

	sawRoot := false
	var points []TrackPoint

	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &FormatError{Format: FormatKML, Reason: err.Error()}
		}

		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		if !sawRoot {
			if start.Name.Local != "kml" {
				return nil, &FormatError{Format: FormatKML, Reason: "root element is not <kml>"}
			}
			sawRoot = true
			continue
		}

		if start.Name.Local != "Track" {
			continue
		}

		var track kmlTrack
		if err := decoder.DecodeElement(&track, &start); err != nil {
			// Malformed track element, skip it
			continue
		}

		n := len(track.When)
		if len(track.Coord) < n {
			n = len(track.Coord)
		}
		for i := 0; i < n; i++ {
			ts, ok := parseGPXTime(strings.TrimSpace(track.When[i]))
			if !ok {
				continue
			}
			lat, lon, alt, ok := parseKMLCoord(track.Coord[i])
			if !ok {
				continue
			}
			points = append(points, TrackPoint{
				Timestamp: ts,
				Latitude:  lat,
				Longitude: lon,
				Altitude:  alt,
			})
		}
	}

	if !sawRoot {
		return nil, &FormatError{Format: FormatKML, Reason: "root element is not <kml>"}
	}

	points = sortAndFilter(points)
	if len(points) == 0 {
		return nil, &NoPointsError{Format: FormatKML}
	}
	return points, nil
}

// parseKMLCoord decodes a gx:coord value: longitude latitude [altitude],
// space separated. Altitude defaults to 0 when absent.
func parseKMLCoord(s string) (lat, lon, alt float64, ok bool) {
	fields := strings.Fields(s)
	if len(fields) < 2 {
		return 0, 0, 0, false
	}

	lon, err1 := strconv.ParseFloat(fields[0], 64)
	lat, err2 := strconv.ParseFloat(fields[1], 64)
	if err1 != nil || err2 != nil {
		return 0, 0, 0, false
	}

	if len(fields) >= 3 {
		if a, err := strconv.ParseFloat(fields[2], 64); err == nil {
			alt = a
		}
	}

	return lat, lon, alt, true
}
