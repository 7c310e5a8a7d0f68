package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config represents the main application configuration structure
// containing all configuration sections
type Config struct {
	Server     ServerConfig     `toml:"server"`     // HTTP server settings
	Logging    LoggingConfig    `toml:"logging"`    // Application logging settings
	Storage    StorageConfig    `toml:"storage"`    // Data persistence settings
	Sensor     SensorConfig     `toml:"sensor"`     // GPS sensor source settings
	Sites      SitesConfig      `toml:"sites"`      // Takeoff/landing site directory settings
	Detection  DetectionConfig  `toml:"detection"`  // Flight detection thresholds
	Simulation SimulationConfig `toml:"simulation"` // Tracklog replay settings
	Sync       SyncConfig       `toml:"sync"`       // Remote logbook sync settings
}

// ServerConfig contains HTTP server configuration settings
type ServerConfig struct {
	Port               int      `toml:"port"`                  // Primary HTTP port for the server
	Host               string   `toml:"host"`                  // Host address to bind to (e.g., 127.0.0.1 for localhost only, 0.0.0.0 for all interfaces)
	CORSAllowedOrigins []string `toml:"cors_allowed_origins"`  // List of origins allowed for CORS requests (use ["*"] for all origins)
	ReadTimeoutSecs    int      `toml:"read_timeout_seconds"`  // Maximum duration for reading the entire request (0 = no timeout)
	WriteTimeoutSecs   int      `toml:"write_timeout_seconds"` // Maximum duration for writing the response (0 = no timeout)
	IdleTimeoutSecs    int      `toml:"idle_timeout_seconds"`  // Maximum duration to wait for the next request when keep-alives are enabled
	AdditionalPorts    []int    `toml:"additional_ports"`      // Additional HTTP ports to listen on (useful for multiple interfaces)
}

// LoggingConfig contains application logging configuration
type LoggingConfig struct {
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", or "error"
	Format string `toml:"format"` // Log format: "json" (structured) or "console" (human-readable)
}

// StorageConfig contains data persistence configuration
type StorageConfig struct {
	Type           string `toml:"type"`             // Storage backend type (currently only "sqlite" is supported)
	SQLiteBasePath string `toml:"sqlite_base_path"` // Directory for the SQLite database file (flylog.db)
}

// SensorConfig contains GPS sensor source configuration.
// The sensor is any local bridge exposing the current GPS fix as JSON
// (phone GPS bridge, vario, gpsd HTTP shim).
type SensorConfig struct {
	Enabled         bool   `toml:"enabled"`          // Whether a sensor source is configured at all
	SourceURL       string `toml:"source_url"`       // URL returning the current fix as JSON (lat, lon, altitude, speed, timestamp)
	PollIntervalMs  int    `toml:"poll_interval_ms"` // How often to poll the source for a new fix (default: 1000)
	TimeoutSecs     int    `toml:"timeout_seconds"`  // HTTP timeout for a single poll (default: 5)
	MaxFixRateHz    int    `toml:"max_fix_rate_hz"`  // Cap on fixes forwarded to the detector per second (default: 2)
	NoSignalTimeout int    `toml:"no_signal_secs"`   // Seconds without a fix before status reports "no signal" (default: 10)
}

// SitesConfig contains the takeoff/landing site directory configuration
type SitesConfig struct {
	DBPath string `toml:"db_path"` // Path to the site directory JSON file (list of named takeoff/landing sites)
}

// DetectionConfig contains flight detection thresholds.
// Takeoff and landing deliberately use different speed thresholds
// (hysteresis) so marginal conditions near stall speed do not flap
// between Ground and InFlight.
type DetectionConfig struct {
	TakeoffSpeedMS       float64 `toml:"takeoff_speed_ms"`        // Horizontal speed above which a launch is suspected (default: 6.0 m/s)
	TakeoffClimbRateMS   float64 `toml:"takeoff_climb_rate_ms"`   // Vertical rate above which a launch is suspected even at low speed (default: 1.5 m/s)
	TakeoffDebounceSecs  int     `toml:"takeoff_debounce_secs"`   // How long the takeoff condition must hold before transitioning (default: 5)
	LandingSpeedMS       float64 `toml:"landing_speed_ms"`        // Horizontal speed below which a landing is suspected (default: 2.0 m/s)
	LandingDebounceSecs  int     `toml:"landing_debounce_secs"`   // How long the landing condition must hold before transitioning (default: 20)
	MaxSampleGapSecs     int     `toml:"max_sample_gap_secs"`     // Largest gap between points a debounce window may span; longer gaps reset it (default: 30)
	SiteMaxRadiusM       float64 `toml:"site_max_radius_m"`       // Maximum distance for attributing a takeoff/landing to a known site (default: 500)
	SiteAltToleranceM    float64 `toml:"site_alt_tolerance_m"`    // If GPS altitude is within this of the site's canonical altitude, the site altitude wins (default: 75)
	FeedBufferSize       int     `toml:"feed_buffer_size"`        // Bounded queue between sensor callbacks and the detector worker (default: 64)
	RetryIntervalSeconds int     `toml:"retry_interval_seconds"`  // Interval for retrying failed pending-flight writes (default: 15)
}

// SimulationConfig contains tracklog replay configuration
type SimulationConfig struct {
	DefaultIntervalMs int `toml:"default_interval_ms"` // Tick interval between replayed points when the request does not specify one (default: 1000)
}

// SyncConfig contains remote logbook sync configuration
type SyncConfig struct {
	Enabled     bool   `toml:"enabled"`         // Whether a remote sync backend is configured
	URL         string `toml:"url"`             // Endpoint accepting finalized flights (POST JSON)
	TimeoutSecs int    `toml:"timeout_seconds"` // HTTP timeout for a sync request (default: 10)
}

// Load loads the configuration from the specified file path
func Load(path string) (*Config, error) {
	var config Config

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	if _, err := toml.DecodeFile(path, &config); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	return &config, nil
}

// LoadWithFallback loads the configuration by checking multiple locations in order of preference
func LoadWithFallback(preferredPath string) (*Config, error) {
	searchPaths := []string{
		preferredPath,         // User-specified path (if provided)
		"configs/config.toml", // configs/ folder
		"config.toml",         // Root directory
	}

	// Remove duplicates while preserving order
	uniquePaths := make([]string, 0, len(searchPaths))
	seen := make(map[string]bool)
	for _, path := range searchPaths {
		if path != "" && !seen[path] {
			uniquePaths = append(uniquePaths, path)
			seen[path] = true
		}
	}

	var lastErr error
	for _, path := range uniquePaths {
		if _, err := os.Stat(path); err == nil {
			config, err := Load(path)
			if err != nil {
				lastErr = fmt.Errorf("failed to load config from %s: %w", path, err)
				continue
			}
			return config, nil
		}
		lastErr = fmt.Errorf("config file not found: %s", path)
	}

	return nil, fmt.Errorf("config file not found in any of the expected locations: %v. Last error: %w", uniquePaths, lastErr)
}

// Validate validates the configuration and applies defaults
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	portsSeen := make(map[int]bool)
	portsSeen[c.Server.Port] = true
	for _, p := range c.Server.AdditionalPorts {
		if p <= 0 || p > 65535 {
			return fmt.Errorf("invalid additional server port: %d", p)
		}
		if portsSeen[p] {
			return fmt.Errorf("duplicate port configured: %d (primary or additional)", p)
		}
		portsSeen[p] = true
	}

	// Validate logging config
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		// Valid log level
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "json", "console":
		// Valid log format
	default:
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	// Validate storage config
	if c.Storage.Type == "" {
		c.Storage.Type = "sqlite"
	}
	if c.Storage.Type != "sqlite" {
		return fmt.Errorf("invalid storage type: %s (only 'sqlite' is supported)", c.Storage.Type)
	}
	if c.Storage.SQLiteBasePath == "" {
		return fmt.Errorf("sqlite_base_path is required when storage type is sqlite")
	}

	if err := c.ValidateSensor(); err != nil {
		return err
	}

	if err := c.ValidateDetection(); err != nil {
		return err
	}

	// Simulation defaults
	if c.Simulation.DefaultIntervalMs == 0 {
		c.Simulation.DefaultIntervalMs = 1000
	}
	if c.Simulation.DefaultIntervalMs < 10 {
		return fmt.Errorf("simulation default_interval_ms too small: %d (minimum 10)", c.Simulation.DefaultIntervalMs)
	}

	// Sync settings
	if c.Sync.Enabled && c.Sync.URL == "" {
		return fmt.Errorf("sync url is required when sync is enabled")
	}
	if c.Sync.TimeoutSecs == 0 {
		c.Sync.TimeoutSecs = 10
	}

	return nil
}

// ValidateSensor validates the sensor configuration and applies defaults
func (c *Config) ValidateSensor() error {
	if !c.Sensor.Enabled {
		return nil
	}

	if c.Sensor.SourceURL == "" {
		return fmt.Errorf("sensor source_url is required when sensor is enabled")
	}
	if c.Sensor.PollIntervalMs == 0 {
		c.Sensor.PollIntervalMs = 1000
	}
	if c.Sensor.PollIntervalMs < 100 {
		return fmt.Errorf("sensor poll_interval_ms too small: %d (minimum 100)", c.Sensor.PollIntervalMs)
	}
	if c.Sensor.TimeoutSecs == 0 {
		c.Sensor.TimeoutSecs = 5
	}
	if c.Sensor.MaxFixRateHz == 0 {
		c.Sensor.MaxFixRateHz = 2
	}
	if c.Sensor.NoSignalTimeout == 0 {
		c.Sensor.NoSignalTimeout = 10
	}

	return nil
}

// ValidateDetection validates the detection thresholds and applies defaults
func (c *Config) ValidateDetection() error {
	if c.Detection.TakeoffSpeedMS == 0 {
		c.Detection.TakeoffSpeedMS = 6.0
	}
	if c.Detection.TakeoffClimbRateMS == 0 {
		c.Detection.TakeoffClimbRateMS = 1.5
	}
	if c.Detection.TakeoffDebounceSecs == 0 {
		c.Detection.TakeoffDebounceSecs = 5
	}
	if c.Detection.LandingSpeedMS == 0 {
		c.Detection.LandingSpeedMS = 2.0
	}
	if c.Detection.LandingDebounceSecs == 0 {
		c.Detection.LandingDebounceSecs = 20
	}
	if c.Detection.MaxSampleGapSecs == 0 {
		c.Detection.MaxSampleGapSecs = 30
	}
	if c.Detection.SiteMaxRadiusM == 0 {
		c.Detection.SiteMaxRadiusM = 500
	}
	if c.Detection.SiteAltToleranceM == 0 {
		c.Detection.SiteAltToleranceM = 75
	}
	if c.Detection.FeedBufferSize == 0 {
		c.Detection.FeedBufferSize = 64
	}
	if c.Detection.RetryIntervalSeconds == 0 {
		c.Detection.RetryIntervalSeconds = 15
	}

	if c.Detection.TakeoffSpeedMS <= 0 {
		return fmt.Errorf("takeoff_speed_ms must be positive: %f", c.Detection.TakeoffSpeedMS)
	}
	if c.Detection.LandingSpeedMS <= 0 {
		return fmt.Errorf("landing_speed_ms must be positive: %f", c.Detection.LandingSpeedMS)
	}
	// Hysteresis: landing threshold must sit below the takeoff threshold,
	// otherwise the machine can flap between states
	if c.Detection.LandingSpeedMS >= c.Detection.TakeoffSpeedMS {
		return fmt.Errorf("landing_speed_ms (%f) must be less than takeoff_speed_ms (%f)",
			c.Detection.LandingSpeedMS, c.Detection.TakeoffSpeedMS)
	}
	if c.Detection.TakeoffDebounceSecs <= 0 {
		return fmt.Errorf("takeoff_debounce_secs must be positive: %d", c.Detection.TakeoffDebounceSecs)
	}
	if c.Detection.LandingDebounceSecs <= 0 {
		return fmt.Errorf("landing_debounce_secs must be positive: %d", c.Detection.LandingDebounceSecs)
	}
	if c.Detection.SiteMaxRadiusM <= 0 {
		return fmt.Errorf("site_max_radius_m must be positive: %f", c.Detection.SiteMaxRadiusM)
	}

	return nil
}
