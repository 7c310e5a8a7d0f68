package geo

import (
	"math"
	"time"

	"github.com/westphae/geomag/pkg/egm96"
	"github.com/westphae/geomag/pkg/wmm"
)

const (
	// EarthRadiusM is the mean earth radius in meters
	EarthRadiusM = 6371000.0
)

// DistanceMeters returns the great-circle distance between two lat/lon
// pairs in meters (haversine formula)
func DistanceMeters(lat1, lon1, lat2, lon2 float64) float64 {
	if lat1 == lat2 && lon1 == lon2 {
		return 0
	}

	lat1Rad := lat1 * math.Pi / 180
	lat2Rad := lat2 * math.Pi / 180
	deltaLatRad := (lat2 - lat1) * math.Pi / 180
	deltaLonRad := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(deltaLatRad/2)*math.Sin(deltaLatRad/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(deltaLonRad/2)*math.Sin(deltaLonRad/2)

	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadiusM * c
}

// BearingDegrees returns the initial true bearing from the first point to
// the second, normalized to 0-360
func BearingDegrees(lat1, lon1, lat2, lon2 float64) float64 {
	lat1Rad := lat1 * math.Pi / 180
	lat2Rad := lat2 * math.Pi / 180
	deltaLonRad := (lon2 - lon1) * math.Pi / 180

	y := math.Sin(deltaLonRad) * math.Cos(lat2Rad)
	x := math.Cos(lat1Rad)*math.Sin(lat2Rad) -
		math.Sin(lat1Rad)*math.Cos(lat2Rad)*math.Cos(deltaLonRad)

	bearing := math.Atan2(y, x) * 180 / math.Pi
	if bearing < 0 {
		bearing += 360
	}
	return bearing
}

// MagneticDeclination calculates the magnetic declination for a given
// position and time. Returns declination in degrees (+East, -West).
// Pilots navigate to a site by compass, so bearings are reported both
// true and magnetic.
func MagneticDeclination(lat, lon, altM float64, date time.Time) float64 {
	loc := egm96.NewLocationGeodetic(lat, lon, altM)

	mag, err := wmm.CalculateWMMMagneticField(loc, date)
	if err != nil {
		// Return 0 for safety if calculation fails
		return 0.0
	}

	return mag.D()
}

// MagneticBearing converts a true bearing to a magnetic bearing at the
// given position, normalized to 0-360
func MagneticBearing(trueBearing, lat, lon, altM float64, date time.Time) float64 {
	mag := trueBearing - MagneticDeclination(lat, lon, altM, date)
	if mag < 0 {
		mag += 360
	}
	if mag >= 360 {
		mag -= 360
	}
	return mag
}

// ValidCoordinates reports whether a lat/lon pair is a plausible fix.
// NaN and out-of-range values come out of flaky sensors and must never
// reach the state machine.
func ValidCoordinates(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}
