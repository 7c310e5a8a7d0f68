package tracking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parafly/flylog/internal/config"
	"github.com/parafly/flylog/internal/detection"
	"github.com/parafly/flylog/internal/tracklog"
	"github.com/parafly/flylog/pkg/logger"
)

var testBase = time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

type fakeStore struct {
	mu      sync.Mutex
	flights []*detection.TrackedFlight
	fail    bool
}

func (f *fakeStore) Append(flight *detection.TrackedFlight) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("disk full")
	}
	f.flights = append(f.flights, flight)
	return nil
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.flights)
}

func (f *fakeStore) setFail(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fail
}

func testDetectionConfig() config.DetectionConfig {
	return config.DetectionConfig{
		TakeoffSpeedMS:       6.0,
		TakeoffClimbRateMS:   1.5,
		TakeoffDebounceSecs:  5,
		LandingSpeedMS:       2.0,
		LandingDebounceSecs:  20,
		SiteMaxRadiusM:       500,
		SiteAltToleranceM:    75,
		FeedBufferSize:       256,
		RetryIntervalSeconds: 1,
	}
}

func testService(t *testing.T, store FlightStore) *Service {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)
	return NewService(testDetectionConfig(), nil, store, nil, log)
}

func point(offsetSecs int, speed float64) tracklog.TrackPoint {
	s := speed
	return tracklog.TrackPoint{
		Timestamp: testBase.Add(time.Duration(offsetSecs) * time.Second),
		Latitude:  46.19,
		Longitude: 13.73,
		Altitude:  1080,
		Speed:     &s,
	}
}

// fullFlight is fast from t=0 through t=60 and parked from t=70 on,
// enough to trip both debounce windows
func fullFlight() []tracklog.TrackPoint {
	var pts []tracklog.TrackPoint
	for s := 0; s <= 60; s += 2 {
		pts = append(pts, point(s, 10.0))
	}
	for s := 70; s <= 120; s += 2 {
		pts = append(pts, point(s, 0.5))
	}
	return pts
}

func TestModeTransitions(t *testing.T) {
	s := testService(t, &fakeStore{})

	assert.Equal(t, ModeIdle, s.Mode())

	require.NoError(t, s.StartLive())
	assert.Equal(t, ModeLive, s.Mode())
	assert.NoError(t, s.StartLive(), "starting live twice is a no-op")

	assert.Error(t, s.BeginSimulation(), "simulation rejected while live")

	require.NoError(t, s.StopLive())
	assert.Equal(t, ModeIdle, s.Mode())
	assert.Error(t, s.StopLive(), "stopping idle tracking fails")

	require.NoError(t, s.BeginSimulation())
	assert.Equal(t, ModeSim, s.Mode())
	assert.Error(t, s.BeginSimulation(), "second simulation rejected")
	assert.Error(t, s.StartLive(), "live rejected while simulating")

	s.EndSimulation()
	assert.Equal(t, ModeIdle, s.Mode())
}

func TestLiveFlightPersisted(t *testing.T) {
	store := &fakeStore{}
	s := testService(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	require.NoError(t, s.StartLive())
	for _, pt := range fullFlight() {
		s.SubmitFix(pt)
	}

	require.Eventually(t, func() bool {
		return store.count() == 1
	}, 2*time.Second, 10*time.Millisecond)

	flight := store.flights[0]
	assert.Equal(t, detection.StatusCompleted, flight.Status)
	assert.Equal(t, 1, flight.FlightTimeMinutes)

	status := s.Status()
	assert.Equal(t, detection.StateGround, status.State)
	assert.Nil(t, status.CurrentFlight)
	require.NotNil(t, status.LastEvent)
	assert.Equal(t, detection.EventLanding, status.LastEvent.Kind)
}

func TestFixesIgnoredWhenIdle(t *testing.T) {
	s := testService(t, &fakeStore{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	for _, pt := range fullFlight() {
		s.SubmitFix(pt)
	}

	time.Sleep(50 * time.Millisecond)
	status := s.Status()
	assert.Equal(t, detection.StateGround, status.State)
	assert.Nil(t, status.LastPoint)
}

func TestCancelFlight(t *testing.T) {
	store := &fakeStore{}
	s := testService(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	require.NoError(t, s.StartLive())
	for s2 := 0; s2 <= 10; s2 += 2 {
		s.SubmitFix(point(s2, 10.0))
	}

	require.Eventually(t, func() bool {
		return s.Status().State == detection.StateInFlight
	}, 2*time.Second, 10*time.Millisecond)

	flight := s.CancelFlight()
	require.NotNil(t, flight)
	assert.Equal(t, detection.StatusCancelled, flight.Status)
	assert.Equal(t, detection.StateGround, s.Status().State)

	require.Eventually(t, func() bool {
		return store.count() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSimulationRejectedMidFlight(t *testing.T) {
	s := testService(t, &fakeStore{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	require.NoError(t, s.StartLive())
	for s2 := 0; s2 <= 10; s2 += 2 {
		s.SubmitFix(point(s2, 10.0))
	}
	require.Eventually(t, func() bool {
		return s.Status().State == detection.StateInFlight
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.StopLive())
	assert.Error(t, s.BeginSimulation(), "in-progress flight blocks simulation")

	s.CancelFlight()
	assert.NoError(t, s.BeginSimulation())
}

func TestEndSimulationLeavesFlightInAir(t *testing.T) {
	store := &fakeStore{}
	s := testService(t, store)

	require.NoError(t, s.BeginSimulation())
	for s2 := 0; s2 <= 10; s2 += 2 {
		s.SubmitSimFix(point(s2, 10.0))
	}
	require.Equal(t, detection.StateInFlight, s.Status().State)

	// releasing the feed must not finalize or persist the flight
	s.EndSimulation()

	status := s.Status()
	assert.Equal(t, ModeIdle, status.Mode)
	assert.Equal(t, detection.StateInFlight, status.State)
	require.NotNil(t, status.CurrentFlight)
	assert.Zero(t, store.count())

	// the leftover flight blocks the next replay until it is cancelled
	assert.Error(t, s.BeginSimulation())
	flight := s.CancelFlight()
	require.NotNil(t, flight)
	assert.NoError(t, s.BeginSimulation())
}

func TestPersistenceRetry(t *testing.T) {
	store := &fakeStore{}
	store.setFail(true)
	s := testService(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	require.NoError(t, s.StartLive())
	for _, pt := range fullFlight() {
		s.SubmitFix(pt)
	}

	require.Eventually(t, func() bool {
		return s.Status().PendingWrites == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, store.count())

	store.setFail(false)
	require.Eventually(t, func() bool {
		return store.count() == 1 && s.Status().PendingWrites == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestStopDetachedFromInFlight(t *testing.T) {
	s := testService(t, &fakeStore{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	require.NoError(t, s.StartLive())
	for s2 := 0; s2 <= 10; s2 += 2 {
		s.SubmitFix(point(s2, 10.0))
	}
	require.Eventually(t, func() bool {
		return s.Status().State == detection.StateInFlight
	}, 2*time.Second, 10*time.Millisecond)

	// pausing tracking keeps the flight
	require.NoError(t, s.StopLive())
	status := s.Status()
	assert.Equal(t, ModeIdle, status.Mode)
	assert.Equal(t, detection.StateInFlight, status.State)
	require.NotNil(t, status.CurrentFlight)

	// and resuming continues it rather than opening a second one
	require.NoError(t, s.StartLive())
	flightID := status.CurrentFlight.ID
	s.SubmitFix(point(12, 10.0))
	require.Eventually(t, func() bool {
		st := s.Status()
		return st.CurrentFlight != nil && st.CurrentFlight.Points > status.CurrentFlight.Points
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, flightID, s.Status().CurrentFlight.ID)
}
