package sensor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/parafly/flylog/internal/config"
	"github.com/parafly/flylog/internal/geo"
	"github.com/parafly/flylog/internal/tracklog"
	"github.com/parafly/flylog/pkg/logger"
)

// Client polls the GPS sensor endpoint for position fixes and delivers
// them through a callback. Polling may run faster than the device
// produces fixes; stale and over-rate fixes are dropped here so
// downstream consumers only ever see fresh positions.
type Client struct {
	httpClient *http.Client
	sourceURL  string
	interval   time.Duration
	noSignal   time.Duration
	limiter    *rate.Limiter
	logger     *logger.Logger

	onFix func(tracklog.TrackPoint)

	mu            sync.RWMutex
	lastFixAt     time.Time
	lastTimestamp time.Time
	fetchOK       bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewClient creates a new sensor polling client
func NewClient(cfg config.SensorConfig, log *logger.Logger) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSecs) * time.Second,
		},
		sourceURL: cfg.SourceURL,
		interval:  time.Duration(cfg.PollIntervalMs) * time.Millisecond,
		noSignal:  time.Duration(cfg.NoSignalTimeout) * time.Second,
		limiter:   rate.NewLimiter(rate.Limit(cfg.MaxFixRateHz), 1),
		logger:    log.Named("sensor"),
		stopCh:    make(chan struct{}),
	}
}

// OnFix registers the callback invoked for every accepted fix. Must be
// set before Start.
func (c *Client) OnFix(fn func(tracklog.TrackPoint)) {
	c.onFix = fn
}

// Start begins background polling
func (c *Client) Start(ctx context.Context) error {
	c.logger.Info("Starting sensor client",
		logger.String("url", c.sourceURL),
		logger.Duration("poll_interval", c.interval))

	if err := c.pollOnce(ctx); err != nil {
		c.logger.Error("Failed to fetch initial fix", logger.Error(err))
		c.setFetchStatus(false)
	}

	c.wg.Add(1)
	go c.pollLoop(ctx)
	return nil
}

// Stop stops the polling loop and waits for it to exit
func (c *Client) Stop() {
	c.logger.Info("Stopping sensor client")
	close(c.stopCh)
	c.wg.Wait()
	c.logger.Info("Sensor client stopped")
}

// HasSignal reports whether a fix arrived recently enough to consider
// the sensor alive
func (c *Client) HasSignal() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.lastFixAt.IsZero() {
		return false
	}
	return time.Since(c.lastFixAt) <= c.noSignal
}

// Status returns the wall-clock time of the last accepted fix and
// whether the most recent poll succeeded
func (c *Client) Status() (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastFixAt, c.fetchOK
}

func (c *Client) pollLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.pollOnce(ctx); err != nil {
				c.logger.Debug("Failed to fetch fix", logger.Error(err))
				c.setFetchStatus(false)
			}
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) pollOnce(ctx context.Context) error {
	fix, err := c.fetchFix(ctx)
	if err != nil {
		return err
	}
	c.setFetchStatus(true)

	if !c.accept(fix) {
		return nil
	}
	if c.onFix != nil {
		c.onFix(fix)
	}
	return nil
}

// accept drops fixes that are not newer than the last delivered one or
// that exceed the configured fix rate
func (c *Client) accept(fix tracklog.TrackPoint) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !fix.Timestamp.After(c.lastTimestamp) {
		return false
	}
	if !c.limiter.Allow() {
		return false
	}
	c.lastTimestamp = fix.Timestamp
	c.lastFixAt = time.Now()
	return true
}

// fetchFix performs one HTTP poll of the sensor endpoint
func (c *Client) fetchFix(ctx context.Context) (tracklog.TrackPoint, error) {
	var fix tracklog.TrackPoint

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.sourceURL, nil)
	if err != nil {
		return fix, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fix, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fix, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fix, fmt.Errorf("failed to read response body: %w", err)
	}

	if err := json.Unmarshal(body, &fix); err != nil {
		return fix, fmt.Errorf("failed to parse fix: %w", err)
	}
	if fix.Timestamp.IsZero() {
		return fix, fmt.Errorf("fix missing timestamp")
	}
	if !geo.ValidCoordinates(fix.Latitude, fix.Longitude) {
		return fix, fmt.Errorf("fix has invalid coordinates: %f, %f", fix.Latitude, fix.Longitude)
	}
	return fix, nil
}

func (c *Client) setFetchStatus(ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetchOK = ok
}
