package tracking

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/parafly/flylog/internal/config"
	"github.com/parafly/flylog/internal/detection"
	"github.com/parafly/flylog/internal/geo"
	"github.com/parafly/flylog/internal/tracklog"
	"github.com/parafly/flylog/internal/websocket"
	"github.com/parafly/flylog/pkg/logger"
)

// Mode is the exclusive owner of the position feed. Live tracking and
// simulation replay share one detector, so only one of them may drive
// it at a time.
type Mode string

const (
	ModeIdle Mode = "idle"
	ModeLive Mode = "live"
	ModeSim  Mode = "simulation"
)

// FlightStore is the persistence slice the tracking service needs
type FlightStore interface {
	Append(flight *detection.TrackedFlight) error
}

// SiteStatus describes a nearby site for the status endpoint
type SiteStatus struct {
	ID                 string  `json:"id"`
	Name               string  `json:"name"`
	DistanceM          float64 `json:"distance_m"`
	BearingDeg         float64 `json:"bearing_deg"`
	MagneticBearingDeg float64 `json:"magnetic_bearing_deg"`
}

// FlightSummary is the in-progress flight as shown in the status endpoint
type FlightSummary struct {
	ID              string    `json:"id"`
	TakeoffSiteName string    `json:"takeoff_site_name,omitempty"`
	TakeoffTime     time.Time `json:"takeoff_time"`
	TakeoffAltitude float64   `json:"takeoff_altitude"`
	Points          int       `json:"points"`
}

// Status is a point-in-time snapshot of the tracking service
type Status struct {
	Mode           Mode                   `json:"mode"`
	State          detection.State        `json:"state"`
	LastPoint      *tracklog.TrackPoint   `json:"last_point,omitempty"`
	LastEvent      *detection.FlightEvent `json:"last_event,omitempty"`
	CurrentFlight  *FlightSummary         `json:"current_flight,omitempty"`
	NearestTakeoff *SiteStatus            `json:"nearest_takeoff,omitempty"`
	NearestLanding *SiteStatus            `json:"nearest_landing,omitempty"`
	PendingWrites  int                    `json:"pending_writes"`
}

// Service owns the detector and the position feed. Sensor fixes and
// simulation points enter through a bounded channel and are drained by
// a single worker, which keeps detector access strictly serialized.
type Service struct {
	detector *detection.Detector
	store    FlightStore
	wsServer *websocket.Server
	logger   *logger.Logger

	retryInterval time.Duration

	// detMu guards the detector; the worker and the control methods
	// (Cancel, BeginSimulation) both touch it
	detMu sync.Mutex

	mu   sync.RWMutex
	mode Mode

	// flights that failed to persist, retried in the background
	pendingMu sync.Mutex
	pending   []*detection.TrackedFlight

	feedCh chan tracklog.TrackPoint
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewService creates the tracking service
func NewService(cfg config.DetectionConfig, idx detection.SiteIndex, store FlightStore, wsServer *websocket.Server, log *logger.Logger) *Service {
	s := &Service{
		store:         store,
		wsServer:      wsServer,
		logger:        log.Named("tracking"),
		retryInterval: time.Duration(cfg.RetryIntervalSeconds) * time.Second,
		mode:          ModeIdle,
		feedCh:        make(chan tracklog.TrackPoint, cfg.FeedBufferSize),
		stopCh:        make(chan struct{}),
	}

	s.detector = detection.NewDetector(detection.ThresholdsFromConfig(cfg), idx, log)
	s.detector.OnEvent(s.handleEvent)
	s.detector.OnFinalized(s.handleFinalized)
	return s
}

// Start launches the feed worker and the persistence retry loop
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info("Starting tracking service",
		logger.Int("feed_buffer", cap(s.feedCh)),
		logger.Duration("retry_interval", s.retryInterval))

	s.wg.Add(2)
	go s.feedWorker(ctx)
	go s.retryWorker(ctx)
	return nil
}

// Stop stops the workers and waits for them to exit
func (s *Service) Stop() {
	s.logger.Info("Stopping tracking service")
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("Tracking service stopped")
}

// Mode returns the current feed owner
func (s *Service) Mode() Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

// StartLive switches the feed to the live sensor. Fails while a
// simulation is running; stop it first.
func (s *Service) StartLive() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.mode {
	case ModeLive:
		return nil
	case ModeSim:
		return fmt.Errorf("simulation is running, stop it before starting live tracking")
	}
	s.mode = ModeLive
	s.logger.Info("Live tracking started")
	s.broadcastStatus()
	return nil
}

// StopLive pauses live tracking. An in-progress flight is kept: the
// detector stays InFlight and resumes when tracking is started again.
func (s *Service) StopLive() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mode != ModeLive {
		return fmt.Errorf("live tracking is not running")
	}
	s.mode = ModeIdle
	s.logger.Info("Live tracking stopped")
	s.broadcastStatus()
	return nil
}

// BeginSimulation claims the feed for a replay driver. Rejected while
// live tracking is on, while another replay is running, or while a
// flight is still in progress.
func (s *Service) BeginSimulation() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.mode {
	case ModeLive:
		return fmt.Errorf("live tracking is active, stop it before starting a simulation")
	case ModeSim:
		return fmt.Errorf("a simulation is already running")
	}

	s.detMu.Lock()
	inFlight := s.detector.State() == detection.StateInFlight
	s.detMu.Unlock()
	if inFlight {
		return fmt.Errorf("a flight is in progress, land or cancel it first")
	}

	s.mode = ModeSim
	s.logger.Info("Simulation started")
	s.broadcastStatus()
	return nil
}

// EndSimulation releases the feed. The detector is left exactly as the
// replay left it: a flight still in the air stays InFlight, nothing is
// finalized or persisted. The caller can cancel it, or resume it with
// live tracking or another replay after cancelling.
func (s *Service) EndSimulation() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mode != ModeSim {
		return
	}
	s.mode = ModeIdle
	s.logger.Info("Simulation ended")
	s.broadcastStatus()
}

// SubmitFix accepts a live sensor fix. Dropped unless live tracking is
// on; dropped with a warning when the feed buffer is full.
func (s *Service) SubmitFix(pt tracklog.TrackPoint) {
	if s.Mode() != ModeLive {
		return
	}
	s.submit(pt)
}

// SubmitSimFix processes a replayed point from the simulation driver.
// Unlike the live path this is synchronous: when the replay loop
// returns, every point has been through the detector, so EndSimulation
// never races a queued backlog.
func (s *Service) SubmitSimFix(pt tracklog.TrackPoint) {
	if s.Mode() != ModeSim {
		return
	}
	s.detMu.Lock()
	s.detector.ProcessPosition(pt)
	s.detMu.Unlock()
	s.broadcastPosition(pt)
}

func (s *Service) submit(pt tracklog.TrackPoint) {
	select {
	case s.feedCh <- pt:
	default:
		s.logger.Warn("Feed buffer full, dropping fix",
			logger.Time("timestamp", pt.Timestamp))
	}
}

// CancelFlight discards the in-progress flight without a landing.
// Returns the cancelled flight, or nil when on the ground.
func (s *Service) CancelFlight() *detection.TrackedFlight {
	s.detMu.Lock()
	defer s.detMu.Unlock()
	return s.detector.Cancel()
}

// Status returns a snapshot for the status endpoint and the UI stream
func (s *Service) Status() Status {
	// mode is read before detMu to keep the mu -> detMu lock order
	// used by the control methods
	mode := s.Mode()

	s.detMu.Lock()
	defer s.detMu.Unlock()

	status := Status{
		Mode:          mode,
		State:         s.detector.State(),
		LastPoint:     s.detector.LastPoint(),
		LastEvent:     s.detector.LastEvent(),
		PendingWrites: s.pendingCount(),
	}

	if flight := s.detector.CurrentFlight(); flight != nil {
		status.CurrentFlight = &FlightSummary{
			ID:              flight.ID,
			TakeoffSiteName: flight.TakeoffSiteName,
			TakeoffTime:     flight.TakeoffTime,
			TakeoffAltitude: flight.TakeoffAltitude,
			Points:          len(flight.TrackPoints),
		}
	}

	if status.LastPoint != nil {
		pt := status.LastPoint
		if m, ok := s.detector.NearestTakeoff(); ok {
			status.NearestTakeoff = siteStatus(m.Site.ID, m.Site.Name, m.DistanceM,
				pt.Latitude, pt.Longitude, pt.Altitude, m.Site.Latitude, m.Site.Longitude, pt.Timestamp)
		}
		if m, ok := s.detector.NearestLanding(); ok {
			status.NearestLanding = siteStatus(m.Site.ID, m.Site.Name, m.DistanceM,
				pt.Latitude, pt.Longitude, pt.Altitude, m.Site.Latitude, m.Site.Longitude, pt.Timestamp)
		}
	}
	return status
}

func siteStatus(id, name string, distanceM, fromLat, fromLon, altM, toLat, toLon float64, at time.Time) *SiteStatus {
	bearing := geo.BearingDegrees(fromLat, fromLon, toLat, toLon)
	return &SiteStatus{
		ID:                 id,
		Name:               name,
		DistanceM:          distanceM,
		BearingDeg:         bearing,
		MagneticBearingDeg: geo.MagneticBearing(bearing, fromLat, fromLon, altM, at),
	}
}

func (s *Service) feedWorker(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case pt := <-s.feedCh:
			s.detMu.Lock()
			s.detector.ProcessPosition(pt)
			s.detMu.Unlock()
			s.broadcastPosition(pt)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// retryWorker re-attempts failed flight writes so a transient disk
// error never loses a finalized flight
func (s *Service) retryWorker(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.flushPending()
		case <-s.stopCh:
			s.flushPending()
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) flushPending() {
	s.pendingMu.Lock()
	pending := s.pending
	s.pending = nil
	s.pendingMu.Unlock()

	for _, flight := range pending {
		if err := s.store.Append(flight); err != nil {
			s.logger.Error("Retry write failed",
				logger.Error(err),
				logger.String("flight_id", flight.ID))
			s.pendingMu.Lock()
			s.pending = append(s.pending, flight)
			s.pendingMu.Unlock()
			continue
		}
		s.logger.Info("Pending flight persisted on retry",
			logger.String("flight_id", flight.ID))
	}
}

func (s *Service) pendingCount() int {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return len(s.pending)
}

// handleEvent runs inside ProcessPosition under detMu
func (s *Service) handleEvent(ev detection.FlightEvent) {
	if s.wsServer == nil {
		return
	}
	s.wsServer.Broadcast(&websocket.Message{
		Type: websocket.MessageTypeFlightEvent,
		Data: map[string]any{"event": ev},
	})
}

// handleFinalized persists the finalized flight; failures go to the
// retry queue
func (s *Service) handleFinalized(flight *detection.TrackedFlight) {
	if err := s.store.Append(flight); err != nil {
		s.logger.Error("Failed to persist flight, queued for retry",
			logger.Error(err),
			logger.String("flight_id", flight.ID))
		s.pendingMu.Lock()
		s.pending = append(s.pending, flight)
		s.pendingMu.Unlock()
	}

	if s.wsServer != nil {
		s.wsServer.Broadcast(&websocket.Message{
			Type: websocket.MessageTypeFlightFinalized,
			Data: map[string]any{"flight": summary(flight)},
		})
	}
}

func (s *Service) broadcastPosition(pt tracklog.TrackPoint) {
	if s.wsServer == nil {
		return
	}
	s.wsServer.Broadcast(&websocket.Message{
		Type: websocket.MessageTypePosition,
		Data: map[string]any{"point": pt},
	})
}

// broadcastStatus is called with s.mu held; it must not call Status(),
// which would re-take the lock
func (s *Service) broadcastStatus() {
	if s.wsServer == nil {
		return
	}
	s.wsServer.Broadcast(&websocket.Message{
		Type: websocket.MessageTypeStatusUpdate,
		Data: map[string]any{"mode": s.mode},
	})
}

// summary strips track points for broadcast payloads
func summary(flight *detection.TrackedFlight) map[string]any {
	return map[string]any{
		"id":                  flight.ID,
		"status":              flight.Status,
		"takeoff_site_name":   flight.TakeoffSiteName,
		"takeoff_time":        flight.TakeoffTime,
		"landing_site_name":   flight.LandingSiteName,
		"landing_time":        flight.LandingTime,
		"flight_time_minutes": flight.FlightTimeMinutes,
		"points":              len(flight.TrackPoints),
	}
}
