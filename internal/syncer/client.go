package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/parafly/flylog/internal/config"
	"github.com/parafly/flylog/internal/detection"
	"github.com/parafly/flylog/pkg/logger"
)

// Store is the slice of flight storage the syncer needs
type Store interface {
	ListUnsynced() ([]*detection.TrackedFlight, error)
	MarkSynced(id string) error
}

// Client delivers finalized flights to the remote logbook backend.
// Flights stay in local storage until the backend confirms receipt, so
// a dead uplink on the hill never loses a flight.
type Client struct {
	httpClient *http.Client
	url        string
	enabled    bool
	store      Store
	logger     *logger.Logger
}

// NewClient creates a new sync client
func NewClient(cfg config.SyncConfig, store Store, log *logger.Logger) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSecs) * time.Second,
		},
		url:     cfg.URL,
		enabled: cfg.Enabled,
		store:   store,
		logger:  log.Named("syncer"),
	}
}

// Enabled reports whether a remote backend is configured
func (c *Client) Enabled() bool {
	return c.enabled
}

// SyncFlight posts one flight to the backend and marks it synced on
// success
func (c *Client) SyncFlight(ctx context.Context, flight *detection.TrackedFlight) error {
	if !c.enabled {
		return fmt.Errorf("sync is not configured")
	}

	body, err := json.Marshal(flight)
	if err != nil {
		return fmt.Errorf("failed to marshal flight: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	if err := c.store.MarkSynced(flight.ID); err != nil {
		return fmt.Errorf("flight delivered but not marked synced: %w", err)
	}

	c.logger.Info("Flight synced",
		logger.String("flight_id", flight.ID),
		logger.String("takeoff_site", flight.TakeoffSiteName))
	return nil
}

// SyncAll delivers every unsynced flight, oldest first. Stops at the
// first failure and returns how many were delivered.
func (c *Client) SyncAll(ctx context.Context) (int, error) {
	if !c.enabled {
		return 0, fmt.Errorf("sync is not configured")
	}

	pending, err := c.store.ListUnsynced()
	if err != nil {
		return 0, fmt.Errorf("failed to list unsynced flights: %w", err)
	}

	synced := 0
	for _, flight := range pending {
		if err := c.SyncFlight(ctx, flight); err != nil {
			return synced, err
		}
		synced++
	}

	c.logger.Info("Sync complete", logger.Int("flights", synced))
	return synced, nil
}
