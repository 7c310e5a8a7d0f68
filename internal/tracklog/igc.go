package tracklog

import (
	"bufio"
	"bytes"
	"strconv"
	"strings"
	"time"
)

// ParseIGC decodes IGC fixed-column B-records into a TrackPoint sequence.
// The flight date is taken from the HFDTE header record; if no header
// date is present the current UTC date is assumed. That default is an
// assumption, not documented IGC behavior: loggers are expected to write
// an HFDTE record, and a file without one carries only time-of-day.
// B-record times crossing midnight roll the date forward by one day.
func ParseIGC(data []byte) ([]TrackPoint, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))

	now := time.Now().UTC()
	date := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	sawBLine := false

	var points []TrackPoint
	var lastTOD int // seconds since midnight of the previous fix
	dayOffset := 0

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if len(line) == 0 {
			continue
		}

		switch line[0] {
		case 'H':
			if d, ok := parseIGCDate(line); ok {
				date = d
			}
		case 'B':
			sawBLine = true
			pt, tod, ok := parseBRecord(line)
			if !ok {
				continue
			}

			// Midnight rollover: time-of-day going backwards means the
			// flight crossed into the next day
			if len(points) > 0 && tod < lastTOD {
				dayOffset++
			}
			lastTOD = tod

			pt.Timestamp = date.AddDate(0, 0, dayOffset).Add(time.Duration(tod) * time.Second)
			points = append(points, pt)
		}
	}

	if !sawBLine || len(points) == 0 {
		return nil, &FormatError{Format: FormatIGC, Reason: "no valid B-records"}
	}

	points = sortAndFilter(points)
	if len(points) == 0 {
		return nil, &NoPointsError{Format: FormatIGC}
	}
	return points, nil
}

// parseIGCDate extracts the flight date from an H-record.
// Both the classic "HFDTEDDMMYY" and the newer "HFDTEDATE:DDMMYY,NN"
// forms are accepted.
func parseIGCDate(line string) (time.Time, bool) {
	if !strings.HasPrefix(line, "HFDTE") {
		return time.Time{}, false
	}

	digits := line[5:]
	if strings.HasPrefix(digits, "DATE:") {
		digits = digits[5:]
	}
	if idx := strings.IndexByte(digits, ','); idx >= 0 {
		digits = digits[:idx]
	}
	if len(digits) < 6 {
		return time.Time{}, false
	}

	day, err1 := strconv.Atoi(digits[0:2])
	month, err2 := strconv.Atoi(digits[2:4])
	year, err3 := strconv.Atoi(digits[4:6])
	if err1 != nil || err2 != nil || err3 != nil {
		return time.Time{}, false
	}
	if day < 1 || day > 31 || month < 1 || month > 12 {
		return time.Time{}, false
	}

	return time.Date(2000+year, time.Month(month), day, 0, 0, 0, 0, time.UTC), true
}

// parseBRecord decodes a single fixed-column position fix:
//
//	B HHMMSS DDMMmmmN DDDMMmmmE A PPPPP GGGGG
//	0 1....6 7......14 15.....23 24 25.29 30.34
//
// Returns the point (without date), the time-of-day in seconds, and
// whether the record was usable. GNSS altitude is preferred over the
// pressure altitude when the fix is valid ('A').
func parseBRecord(line string) (TrackPoint, int, bool) {
	if len(line) < 35 {
		return TrackPoint{}, 0, false
	}

	hh, err1 := strconv.Atoi(line[1:3])
	mm, err2 := strconv.Atoi(line[3:5])
	ss, err3 := strconv.Atoi(line[5:7])
	if err1 != nil || err2 != nil || err3 != nil || hh > 23 || mm > 59 || ss > 59 {
		return TrackPoint{}, 0, false
	}
	tod := hh*3600 + mm*60 + ss

	lat, ok := parseIGCLatitude(line[7:15])
	if !ok {
		return TrackPoint{}, 0, false
	}
	lon, ok := parseIGCLongitude(line[15:24])
	if !ok {
		return TrackPoint{}, 0, false
	}

	validity := line[24]
	pressAlt, err1 := strconv.Atoi(strings.TrimSpace(line[25:30]))
	gnssAlt, err2 := strconv.Atoi(strings.TrimSpace(line[30:35]))

	altitude := 0.0
	switch {
	case validity == 'A' && err2 == nil:
		altitude = float64(gnssAlt)
	case err1 == nil:
		altitude = float64(pressAlt)
	}

	return TrackPoint{
		Latitude:  lat,
		Longitude: lon,
		Altitude:  altitude,
	}, tod, true
}

// parseIGCLatitude decodes DDMMmmm plus hemisphere letter
func parseIGCLatitude(s string) (float64, bool) {
	if len(s) != 8 {
		return 0, false
	}
	deg, err1 := strconv.Atoi(s[0:2])
	minutes, err2 := strconv.Atoi(s[2:7])
	if err1 != nil || err2 != nil {
		return 0, false
	}

	lat := float64(deg) + float64(minutes)/1000.0/60.0
	switch s[7] {
	case 'N':
		return lat, true
	case 'S':
		return -lat, true
	}
	return 0, false
}

// parseIGCLongitude decodes DDDMMmmm plus hemisphere letter
func parseIGCLongitude(s string) (float64, bool) {
	if len(s) != 9 {
		return 0, false
	}
	deg, err1 := strconv.Atoi(s[0:3])
	minutes, err2 := strconv.Atoi(s[3:8])
	if err1 != nil || err2 != nil {
		return 0, false
	}

	lon := float64(deg) + float64(minutes)/1000.0/60.0
	switch s[8] {
	case 'E':
		return lon, true
	case 'W':
		return -lon, true
	}
	return 0, false
}
