package detection

import (
	"github.com/parafly/flylog/internal/tracklog"
	"github.com/parafly/flylog/pkg/logger"
)

// Analyzer replays complete point sequences through the same state
// machine used by live tracking, so an uploaded tracklog produces
// exactly the flights the device would have logged in real time
type Analyzer struct {
	thresholds Thresholds
	sites      SiteIndex
	logger     *logger.Logger
}

// NewAnalyzer creates a batch analyzer
func NewAnalyzer(th Thresholds, idx SiteIndex, log *logger.Logger) *Analyzer {
	return &Analyzer{
		thresholds: th,
		sites:      idx,
		logger:     log.Named("analyze"),
	}
}

// Analyze runs the full sequence through a fresh detector and returns
// every finalized flight in detection order. A flight still in the air
// when the sequence ends is completed at the last point.
func (a *Analyzer) Analyze(points []tracklog.TrackPoint) []*TrackedFlight {
	det := NewDetector(a.thresholds, a.sites, a.logger)

	var flights []*TrackedFlight
	det.OnFinalized(func(f *TrackedFlight) {
		flights = append(flights, f)
	})

	for _, pt := range points {
		det.ProcessPosition(pt)
	}
	det.Finalize()

	a.logger.Info("Tracklog analyzed",
		logger.Int("points", len(points)),
		logger.Int("flights", len(flights)))
	return flights
}
