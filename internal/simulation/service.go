package simulation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/parafly/flylog/internal/config"
	"github.com/parafly/flylog/internal/tracklog"
	"github.com/parafly/flylog/pkg/logger"
)

// Tracker is the slice of the tracking service a replay drives. The
// tracker enforces mutual exclusion with live tracking; the driver
// only paces the points.
type Tracker interface {
	BeginSimulation() error
	EndSimulation()
	SubmitSimFix(pt tracklog.TrackPoint)
}

// Service replays a parsed tracklog through the detection pipeline in
// accelerated wall time. Detection itself reads the points' own
// timestamps, so the replay interval changes pacing, never results.
type Service struct {
	tracker         Tracker
	logger          *logger.Logger
	defaultInterval time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	total   int
	sent    int
	wg      sync.WaitGroup
}

// NewService creates the simulation driver
func NewService(cfg config.SimulationConfig, tracker Tracker, log *logger.Logger) *Service {
	return &Service{
		tracker:         tracker,
		logger:          log.Named("simulation"),
		defaultInterval: time.Duration(cfg.DefaultIntervalMs) * time.Millisecond,
	}
}

// Running reports whether a replay is in progress
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Progress returns how many points have been delivered out of the total
func (s *Service) Progress() (sent, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent, s.total
}

// Start claims the feed and begins replaying points at the given
// interval (the configured default when interval is zero). Fails when
// the feed is busy or a replay is already running.
func (s *Service) Start(points []tracklog.TrackPoint, interval time.Duration) error {
	if len(points) == 0 {
		return fmt.Errorf("no points to replay")
	}
	if interval <= 0 {
		interval = s.defaultInterval
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("a replay is already running")
	}

	if err := s.tracker.BeginSimulation(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.running = true
	s.cancel = cancel
	s.total = len(points)
	s.sent = 0

	s.logger.Info("Replay started",
		logger.Int("points", len(points)),
		logger.Duration("interval", interval))

	s.wg.Add(1)
	go s.replay(ctx, points, interval)
	return nil
}

// Stop aborts an in-progress replay and releases the feed. No-op when
// nothing is running.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Service) replay(ctx context.Context, points []tracklog.TrackPoint, interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	delivered := 0
loop:
	for _, pt := range points {
		select {
		case <-ticker.C:
			s.tracker.SubmitSimFix(pt)
			delivered++
			s.mu.Lock()
			s.sent = delivered
			s.mu.Unlock()
		case <-ctx.Done():
			break loop
		}
	}

	s.tracker.EndSimulation()

	s.mu.Lock()
	s.running = false
	s.cancel = nil
	s.mu.Unlock()

	s.logger.Info("Replay finished",
		logger.Int("delivered", delivered),
		logger.Int("total", len(points)))
}
