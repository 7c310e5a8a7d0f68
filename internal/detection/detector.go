package detection

import (
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/parafly/flylog/internal/geo"
	"github.com/parafly/flylog/internal/sites"
	"github.com/parafly/flylog/internal/tracklog"
	"github.com/parafly/flylog/pkg/logger"
)

// displayRadiusM bounds the nearest-site lookup done for UI display on
// the ground. Attribution of takeoffs and landings uses the much
// tighter Thresholds.SiteMaxRadiusM.
const displayRadiusM = 50000.0

// Detector is the Ground/InFlight state machine. It consumes a single
// ordered stream of track points and emits takeoff/landing events and
// finalized flights through callbacks.
//
// Time is taken exclusively from point timestamps, never from the wall
// clock, so replaying a recorded file yields exactly the flights live
// tracking would have produced.
//
// Detector is not safe for concurrent use. The tracking service runs
// one behind a single worker goroutine; the batch analyzer uses a
// throwaway instance per call.
type Detector struct {
	thresholds Thresholds
	sites      SiteIndex
	logger     *logger.Logger

	state     State
	current   *TrackedFlight
	lastPoint *tracklog.TrackPoint
	lastEvent *FlightEvent

	// pending transition window
	condStart time.Time
	condPoint tracklog.TrackPoint
	pending   []tracklog.TrackPoint

	// ground display
	nearestTakeoff *sites.Match
	nearestLanding *sites.Match

	onEvent     func(FlightEvent)
	onFinalized func(*TrackedFlight)
}

// NewDetector creates a detector in the Ground state
func NewDetector(th Thresholds, idx SiteIndex, log *logger.Logger) *Detector {
	return &Detector{
		thresholds: th,
		sites:      idx,
		logger:     log.Named("detect"),
		state:      StateGround,
	}
}

// OnEvent registers the callback invoked for every takeoff and landing
// event. Must be set before the first ProcessPosition call.
func (d *Detector) OnEvent(fn func(FlightEvent)) {
	d.onEvent = fn
}

// OnFinalized registers the callback invoked whenever a flight leaves
// the InFlight status, whether completed or cancelled
func (d *Detector) OnFinalized(fn func(*TrackedFlight)) {
	d.onFinalized = fn
}

// State returns the current machine state
func (d *Detector) State() State {
	return d.state
}

// LastEvent returns the most recent takeoff or landing event, or nil if
// none has occurred yet
func (d *Detector) LastEvent() *FlightEvent {
	return d.lastEvent
}

// LastPoint returns the most recently accepted track point, or nil
func (d *Detector) LastPoint() *tracklog.TrackPoint {
	return d.lastPoint
}

// CurrentFlight returns a snapshot of the in-progress flight, or nil
// when on the ground
func (d *Detector) CurrentFlight() *TrackedFlight {
	if d.current == nil {
		return nil
	}
	snap := *d.current
	snap.TrackPoints = append([]tracklog.TrackPoint(nil), d.current.TrackPoints...)
	return &snap
}

// NearestTakeoff returns the nearest takeoff site seen while on the
// ground, recomputed on every accepted ground point
func (d *Detector) NearestTakeoff() (sites.Match, bool) {
	if d.nearestTakeoff == nil {
		return sites.Match{}, false
	}
	return *d.nearestTakeoff, true
}

// NearestLanding returns the nearest landing site seen while on the ground
func (d *Detector) NearestLanding() (sites.Match, bool) {
	if d.nearestLanding == nil {
		return sites.Match{}, false
	}
	return *d.nearestLanding, true
}

// ProcessPosition feeds one track point through the state machine.
// Points with invalid coordinates, a zero timestamp, or a timestamp
// earlier than the previous accepted point are dropped.
func (d *Detector) ProcessPosition(pt tracklog.TrackPoint) {
	if !geo.ValidCoordinates(pt.Latitude, pt.Longitude) {
		d.logger.Debug("Dropping point with invalid coordinates",
			logger.Float64("lat", pt.Latitude),
			logger.Float64("lon", pt.Longitude))
		return
	}
	if pt.Timestamp.IsZero() {
		d.logger.Debug("Dropping point with zero timestamp")
		return
	}
	if d.lastPoint != nil && pt.Timestamp.Before(d.lastPoint.Timestamp) {
		d.logger.Debug("Dropping out-of-order point",
			logger.Time("timestamp", pt.Timestamp),
			logger.Time("last", d.lastPoint.Timestamp))
		return
	}

	// A pending debounce window must represent continuous observation.
	// When the feed drops out for longer than the sample-gap bound, the
	// window restarts at the first point after resume; the gap itself
	// never counts toward takeoff or landing dwell time.
	if d.lastPoint != nil && d.thresholds.MaxSampleGap > 0 &&
		pt.Timestamp.Sub(d.lastPoint.Timestamp) > d.thresholds.MaxSampleGap {
		if !d.condStart.IsZero() {
			d.logger.Debug("Sample gap exceeded, resetting condition window",
				logger.Time("last", d.lastPoint.Timestamp),
				logger.Time("resumed", pt.Timestamp))
		}
		d.resetCondition()
	}

	speed := d.horizontalSpeed(pt)
	climb := d.climbRate(pt)

	switch d.state {
	case StateGround:
		d.processGround(pt, speed, climb)
	case StateInFlight:
		d.processInFlight(pt, speed, climb)
	}

	p := pt
	d.lastPoint = &p
}

func (d *Detector) processGround(pt tracklog.TrackPoint, speed, climb float64) {
	d.updateNearestSites(pt)

	if speed < d.thresholds.TakeoffSpeedMS && climb < d.thresholds.TakeoffClimbRateMS {
		d.resetCondition()
		return
	}

	if d.condStart.IsZero() {
		d.condStart = pt.Timestamp
		d.condPoint = pt
	}
	d.pending = append(d.pending, pt)

	if pt.Timestamp.Sub(d.condStart) < d.thresholds.TakeoffDebounce {
		return
	}
	d.takeoff()
}

func (d *Detector) processInFlight(pt tracklog.TrackPoint, speed, climb float64) {
	d.current.TrackPoints = append(d.current.TrackPoints, pt)

	if speed > d.thresholds.LandingSpeedMS {
		d.resetCondition()
		return
	}

	if d.condStart.IsZero() {
		d.condStart = pt.Timestamp
		d.condPoint = pt
	}

	if pt.Timestamp.Sub(d.condStart) < d.thresholds.LandingDebounce {
		return
	}
	d.land(d.condPoint)
}

// takeoff transitions Ground -> InFlight. The takeoff is stamped at the
// point where the condition began holding, not the point that completed
// the debounce window.
func (d *Detector) takeoff() {
	at := d.condPoint
	match, matched := d.attributeSite(at, sites.KindTakeoff)

	alt := at.Altitude
	siteName := ""
	siteID := ""
	if matched {
		siteName = match.Site.Name
		siteID = match.Site.ID
		if math.Abs(match.Site.Altitude-at.Altitude) <= d.thresholds.SiteAltToleranceM {
			alt = match.Site.Altitude
		}
	}

	d.current = &TrackedFlight{
		ID:              uuid.New().String(),
		Status:          StatusInFlight,
		TakeoffSiteName: siteName,
		TakeoffTime:     at.Timestamp,
		TakeoffAltitude: alt,
		TrackPoints:     append([]tracklog.TrackPoint(nil), d.pending...),
	}
	d.state = StateInFlight
	d.resetCondition()
	d.nearestTakeoff = nil
	d.nearestLanding = nil

	d.logger.Info("Takeoff detected",
		logger.String("flight_id", d.current.ID),
		logger.Time("time", at.Timestamp),
		logger.String("site", siteName),
		logger.Float64("altitude", alt))

	d.emit(FlightEvent{
		Kind:      EventTakeoff,
		Timestamp: at.Timestamp,
		Latitude:  at.Latitude,
		Longitude: at.Longitude,
		Altitude:  alt,
		SiteID:    siteID,
		SiteName:  siteName,
	})
}

// land transitions InFlight -> Ground, completing the current flight at
// the given point
func (d *Detector) land(at tracklog.TrackPoint) {
	match, matched := d.attributeSite(at, sites.KindLanding)

	alt := at.Altitude
	siteName := ""
	siteID := ""
	if matched {
		siteName = match.Site.Name
		siteID = match.Site.ID
		if math.Abs(match.Site.Altitude-at.Altitude) <= d.thresholds.SiteAltToleranceM {
			alt = match.Site.Altitude
		}
	}

	flight := d.current
	landing := at.Timestamp
	flight.Status = StatusCompleted
	flight.LandingSiteName = siteName
	flight.LandingTime = &landing
	flight.LandingAltitude = alt
	flight.FlightTimeMinutes = flightMinutes(flight.TakeoffTime, landing)

	d.current = nil
	d.state = StateGround
	d.resetCondition()

	d.logger.Info("Landing detected",
		logger.String("flight_id", flight.ID),
		logger.Time("time", landing),
		logger.String("site", siteName),
		logger.Int("flight_minutes", flight.FlightTimeMinutes))

	d.emit(FlightEvent{
		Kind:      EventLanding,
		Timestamp: landing,
		Latitude:  at.Latitude,
		Longitude: at.Longitude,
		Altitude:  alt,
		SiteID:    siteID,
		SiteName:  siteName,
	})
	d.finalize(flight)
}

// Cancel discards the current flight without a landing event. Returns
// the cancelled flight, or nil when on the ground.
func (d *Detector) Cancel() *TrackedFlight {
	if d.current == nil {
		return nil
	}
	flight := d.current
	flight.Status = StatusCancelled
	d.current = nil
	d.state = StateGround
	d.resetCondition()

	d.logger.Info("Flight cancelled", logger.String("flight_id", flight.ID))
	d.finalize(flight)
	return flight
}

// Finalize completes an in-progress flight at the last accepted point,
// as if a landing had been detected there. Used by the batch analyzer
// when a tracklog ends mid-air; the live path never calls it.
func (d *Detector) Finalize() *TrackedFlight {
	if d.current == nil || d.lastPoint == nil {
		return nil
	}
	flight := d.current
	d.land(*d.lastPoint)
	return flight
}

// horizontalSpeed returns the device-reported speed when present,
// otherwise the speed derived from the previous accepted point
func (d *Detector) horizontalSpeed(pt tracklog.TrackPoint) float64 {
	if pt.Speed != nil {
		return *pt.Speed
	}
	if d.lastPoint == nil {
		return 0
	}
	dt := pt.Timestamp.Sub(d.lastPoint.Timestamp).Seconds()
	if dt <= 0 {
		return 0
	}
	dist := geo.DistanceMeters(d.lastPoint.Latitude, d.lastPoint.Longitude, pt.Latitude, pt.Longitude)
	return dist / dt
}

func (d *Detector) climbRate(pt tracklog.TrackPoint) float64 {
	if pt.VSpeed != nil {
		return *pt.VSpeed
	}
	if d.lastPoint == nil {
		return 0
	}
	dt := pt.Timestamp.Sub(d.lastPoint.Timestamp).Seconds()
	if dt <= 0 {
		return 0
	}
	return (pt.Altitude - d.lastPoint.Altitude) / dt
}

func (d *Detector) attributeSite(pt tracklog.TrackPoint, kind sites.Kind) (sites.Match, bool) {
	if d.sites == nil {
		return sites.Match{}, false
	}
	return d.sites.Nearest(pt.Latitude, pt.Longitude, kind, d.thresholds.SiteMaxRadiusM)
}

func (d *Detector) updateNearestSites(pt tracklog.TrackPoint) {
	if d.sites == nil {
		return
	}
	if m, ok := d.sites.Nearest(pt.Latitude, pt.Longitude, sites.KindTakeoff, displayRadiusM); ok {
		d.nearestTakeoff = &m
	} else {
		d.nearestTakeoff = nil
	}
	if m, ok := d.sites.Nearest(pt.Latitude, pt.Longitude, sites.KindLanding, displayRadiusM); ok {
		d.nearestLanding = &m
	} else {
		d.nearestLanding = nil
	}
}

func (d *Detector) resetCondition() {
	d.condStart = time.Time{}
	d.condPoint = tracklog.TrackPoint{}
	d.pending = d.pending[:0]
}

func (d *Detector) emit(ev FlightEvent) {
	e := ev
	d.lastEvent = &e
	if d.onEvent != nil {
		d.onEvent(ev)
	}
}

func (d *Detector) finalize(flight *TrackedFlight) {
	if d.onFinalized != nil {
		d.onFinalized(flight)
	}
}

// flightMinutes rounds the takeoff-to-landing duration to whole minutes,
// never below zero
func flightMinutes(takeoff, landing time.Time) int {
	mins := int(math.Round(landing.Sub(takeoff).Minutes()))
	if mins < 0 {
		return 0
	}
	return mins
}
