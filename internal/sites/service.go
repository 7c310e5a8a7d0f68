package sites

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/parafly/flylog/internal/geo"
	"github.com/parafly/flylog/pkg/logger"
)

// Kind classifies a site as a launch or a landing field
type Kind string

const (
	KindTakeoff Kind = "takeoff"
	KindLanding Kind = "landing"
)

// Site is a named, geo-located takeoff or landing location from the
// site directory
type Site struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Kind      Kind     `json:"kind"`
	Latitude  float64  `json:"lat"`
	Longitude float64  `json:"lon"`
	Altitude  float64  `json:"altitude"` // Canonical site altitude in meters
	Tags      []string `json:"tags,omitempty"`
}

// Match is the result of a nearest-site lookup
type Match struct {
	Site      Site    `json:"site"`
	DistanceM float64 `json:"distance_m"`
}

// Service owns the current site list. The list is replaced wholesale
// (never mutated in place) so the detector always reads a consistent
// snapshot.
type Service struct {
	mu     sync.RWMutex
	list   []Site
	logger *logger.Logger
}

// NewService creates a new site directory service
func NewService(log *logger.Logger) *Service {
	return &Service{
		logger: log.Named("sites"),
	}
}

// LoadFromFile loads the site list from a JSON file
func (s *Service) LoadFromFile(path string) error {
	s.logger.Info("Loading site directory", logger.String("path", path))

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read site directory: %w", err)
	}

	var list []Site
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("failed to parse site directory: %w", err)
	}

	if err := s.Replace(list); err != nil {
		return err
	}

	s.logger.Info("Site directory loaded", logger.Int("count", len(list)))
	return nil
}

// Replace swaps in a new site list, fully replacing the old one. The
// swap is atomic from the reader's point of view.
func (s *Service) Replace(list []Site) error {
	for i, site := range list {
		if site.ID == "" {
			return fmt.Errorf("site #%d: id is required", i+1)
		}
		if site.Name == "" {
			return fmt.Errorf("site %s: name is required", site.ID)
		}
		if site.Kind != KindTakeoff && site.Kind != KindLanding {
			return fmt.Errorf("site %s: invalid kind: %s (must be 'takeoff' or 'landing')", site.ID, site.Kind)
		}
		if !geo.ValidCoordinates(site.Latitude, site.Longitude) {
			return fmt.Errorf("site %s: invalid coordinates: %f, %f", site.ID, site.Latitude, site.Longitude)
		}
	}

	copied := make([]Site, len(list))
	copy(copied, list)

	s.mu.Lock()
	s.list = copied
	s.mu.Unlock()

	return nil
}

// All returns a snapshot of the current site list
func (s *Service) All() []Site {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Site, len(s.list))
	copy(out, s.list)
	return out
}

// Count returns the number of sites in the directory
func (s *Service) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.list)
}

// Nearest returns the closest site of the given kind within maxRadiusM
// of the position. A linear scan is fine here: directories hold tens to
// hundreds of sites.
func (s *Service) Nearest(lat, lon float64, kind Kind, maxRadiusM float64) (Match, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	best := Match{DistanceM: -1}
	for _, site := range s.list {
		if site.Kind != kind {
			continue
		}
		d := geo.DistanceMeters(lat, lon, site.Latitude, site.Longitude)
		if best.DistanceM < 0 || d < best.DistanceM {
			best = Match{Site: site, DistanceM: d}
		}
	}

	if best.DistanceM < 0 || best.DistanceM > maxRadiusM {
		return Match{}, false
	}
	return best, true
}
