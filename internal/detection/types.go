package detection

import (
	"time"

	"github.com/parafly/flylog/internal/config"
	"github.com/parafly/flylog/internal/sites"
	"github.com/parafly/flylog/internal/tracklog"
)

// State is the detection machine state
type State string

const (
	StateGround   State = "ground"
	StateInFlight State = "in_flight"
)

// FlightStatus is the lifecycle status of a tracked flight
type FlightStatus string

const (
	StatusInFlight  FlightStatus = "in_flight"
	StatusCompleted FlightStatus = "completed"
	StatusCancelled FlightStatus = "cancelled"
)

// EventKind classifies a detected flight event
type EventKind string

const (
	EventTakeoff EventKind = "takeoff"
	EventLanding EventKind = "landing"
)

// FlightEvent is a detected takeoff or landing occurrence. Transient:
// it is broadcast to the UI but never persisted standalone.
type FlightEvent struct {
	Kind      EventKind `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Latitude  float64   `json:"lat"`
	Longitude float64   `json:"lon"`
	Altitude  float64   `json:"altitude"`
	SiteID    string    `json:"site_id,omitempty"`
	SiteName  string    `json:"site_name,omitempty"`
}

// TrackedFlight is a flight record produced by the detection machine.
// TrackPoints is append-only while the flight is InFlight and frozen
// once the status leaves InFlight.
type TrackedFlight struct {
	ID                string                `json:"id"`
	Status            FlightStatus          `json:"status"`
	TakeoffSiteName   string                `json:"takeoff_site_name,omitempty"`
	TakeoffTime       time.Time             `json:"takeoff_time"`
	TakeoffAltitude   float64               `json:"takeoff_altitude"`
	LandingSiteName   string                `json:"landing_site_name,omitempty"`
	LandingTime       *time.Time            `json:"landing_time,omitempty"`
	LandingAltitude   float64               `json:"landing_altitude,omitempty"`
	FlightTimeMinutes int                   `json:"flight_time_minutes"`
	TrackPoints       []tracklog.TrackPoint `json:"track_points,omitempty"`
	SyncedToRemote    bool                  `json:"synced_to_remote"`
}

// SiteIndex is the read side of the site directory used for takeoff and
// landing attribution
type SiteIndex interface {
	Nearest(lat, lon float64, kind sites.Kind, maxRadiusM float64) (sites.Match, bool)
}

// Thresholds holds the detection constants. The live, simulation and
// batch paths must all use the same values so offline analysis of a
// recorded file reproduces what live tracking would have produced.
type Thresholds struct {
	TakeoffSpeedMS     float64
	TakeoffClimbRateMS float64
	TakeoffDebounce    time.Duration
	LandingSpeedMS     float64
	LandingDebounce    time.Duration
	// MaxSampleGap is the largest inter-point gap a pending transition
	// window may span. A longer gap resets the window so a signal
	// dropout can never stand in for sustained low speed. Zero disables
	// the bound.
	MaxSampleGap      time.Duration
	SiteMaxRadiusM    float64
	SiteAltToleranceM float64
}

// ThresholdsFromConfig builds detection thresholds from the validated
// application configuration
func ThresholdsFromConfig(cfg config.DetectionConfig) Thresholds {
	return Thresholds{
		TakeoffSpeedMS:     cfg.TakeoffSpeedMS,
		TakeoffClimbRateMS: cfg.TakeoffClimbRateMS,
		TakeoffDebounce:    time.Duration(cfg.TakeoffDebounceSecs) * time.Second,
		LandingSpeedMS:     cfg.LandingSpeedMS,
		LandingDebounce:    time.Duration(cfg.LandingDebounceSecs) * time.Second,
		MaxSampleGap:       time.Duration(cfg.MaxSampleGapSecs) * time.Second,
		SiteMaxRadiusM:     cfg.SiteMaxRadiusM,
		SiteAltToleranceM:  cfg.SiteAltToleranceM,
	}
}
