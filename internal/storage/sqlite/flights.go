package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/parafly/flylog/internal/detection"
	"github.com/parafly/flylog/internal/tracklog"
	"github.com/parafly/flylog/pkg/logger"
	_ "modernc.org/sqlite"
)

// FlightStorage is a SQLite-based store for finalized flights awaiting
// sync to the remote logbook
type FlightStorage struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewFlightStorage creates a new SQLite-based flight storage
func NewFlightStorage(dbPath string, log *logger.Logger) (*FlightStorage, error) {
	storageLogger := log.Named("sqlite")

	storageLogger.Info("Initializing SQLite storage",
		logger.String("path", dbPath))

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	// Set pragmas for better performance and concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to set journal mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA cache_size=10000"); err != nil {
		return nil, fmt.Errorf("failed to set cache size: %w", err)
	}

	if err := initDatabase(db, storageLogger); err != nil {
		db.Close()
		return nil, err
	}

	return &FlightStorage{
		db:     db,
		logger: storageLogger,
	}, nil
}

// Close closes the database connection
func (s *FlightStorage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// GetDB returns the database connection
func (s *FlightStorage) GetDB() *sql.DB {
	return s.db
}

// initDatabase initializes the database schema
func initDatabase(db *sql.DB, log *logger.Logger) error {
	log.Info("Initializing database schema")

	// Track points live in a JSON column so a flight is a single
	// atomic row insert
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS flights (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			takeoff_site TEXT,
			takeoff_time TIMESTAMP NOT NULL,
			takeoff_altitude REAL,
			landing_site TEXT,
			landing_time TIMESTAMP,
			landing_altitude REAL,
			flight_time_minutes INTEGER DEFAULT 0,
			track_points TEXT,
			synced INTEGER DEFAULT 0,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create flights table: %w", err)
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_flights_takeoff_time ON flights(takeoff_time DESC)`)
	if err != nil {
		return fmt.Errorf("failed to create index on flights.takeoff_time: %w", err)
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_flights_synced ON flights(synced)`)
	if err != nil {
		return fmt.Errorf("failed to create index on flights.synced: %w", err)
	}

	log.Info("Database schema initialized successfully")
	return nil
}

// Append inserts a finalized flight as a single row
func (s *FlightStorage) Append(flight *detection.TrackedFlight) error {
	points, err := json.Marshal(flight.TrackPoints)
	if err != nil {
		return fmt.Errorf("failed to marshal track points: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO flights (
			id, status, takeoff_site, takeoff_time, takeoff_altitude,
			landing_site, landing_time, landing_altitude,
			flight_time_minutes, track_points, synced
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		flight.ID,
		string(flight.Status),
		flight.TakeoffSiteName,
		flight.TakeoffTime.UTC().Format(time.RFC3339),
		flight.TakeoffAltitude,
		flight.LandingSiteName,
		formatNullableTime(flight.LandingTime),
		flight.LandingAltitude,
		flight.FlightTimeMinutes,
		string(points),
		boolToInt(flight.SyncedToRemote),
	)
	if err != nil {
		return fmt.Errorf("failed to insert flight: %w", err)
	}

	s.logger.Debug("Flight stored",
		logger.String("flight_id", flight.ID),
		logger.Int("points", len(flight.TrackPoints)))
	return nil
}

// List returns all stored flights, newest takeoff first. Track points
// are included when withPoints is set.
func (s *FlightStorage) List(withPoints bool) ([]*detection.TrackedFlight, error) {
	rows, err := s.db.Query(`
		SELECT id, status, takeoff_site, takeoff_time, takeoff_altitude,
		landing_site, landing_time, landing_altitude,
		flight_time_minutes, track_points, synced
		FROM flights
		ORDER BY takeoff_time DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query flights: %w", err)
	}
	defer rows.Close()

	var flights []*detection.TrackedFlight
	for rows.Next() {
		flight, err := scanFlight(rows, withPoints)
		if err != nil {
			return nil, err
		}
		flights = append(flights, flight)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate flights: %w", err)
	}
	return flights, nil
}

// GetByID returns a single flight with its track points, or nil when
// no flight has the given ID
func (s *FlightStorage) GetByID(id string) (*detection.TrackedFlight, error) {
	rows, err := s.db.Query(`
		SELECT id, status, takeoff_site, takeoff_time, takeoff_altitude,
		landing_site, landing_time, landing_altitude,
		flight_time_minutes, track_points, synced
		FROM flights
		WHERE id = ?
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query flight: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanFlight(rows, true)
}

// Delete removes a flight by ID. Returns true when a row was deleted.
func (s *FlightStorage) Delete(id string) (bool, error) {
	result, err := s.db.Exec(`DELETE FROM flights WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete flight: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check deleted rows: %w", err)
	}
	return affected > 0, nil
}

// Clear removes all stored flights and returns the number removed
func (s *FlightStorage) Clear() (int, error) {
	result, err := s.db.Exec(`DELETE FROM flights`)
	if err != nil {
		return 0, fmt.Errorf("failed to clear flights: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check deleted rows: %w", err)
	}
	s.logger.Info("Flight store cleared", logger.Int("removed", int(affected)))
	return int(affected), nil
}

// MarkSynced flags a flight as delivered to the remote logbook
func (s *FlightStorage) MarkSynced(id string) error {
	result, err := s.db.Exec(`UPDATE flights SET synced = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to mark flight synced: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check updated rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("no flight with id %s", id)
	}
	return nil
}

// ListUnsynced returns flights not yet delivered, oldest first, with
// track points included
func (s *FlightStorage) ListUnsynced() ([]*detection.TrackedFlight, error) {
	rows, err := s.db.Query(`
		SELECT id, status, takeoff_site, takeoff_time, takeoff_altitude,
		landing_site, landing_time, landing_altitude,
		flight_time_minutes, track_points, synced
		FROM flights
		WHERE synced = 0
		ORDER BY takeoff_time ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query unsynced flights: %w", err)
	}
	defer rows.Close()

	var flights []*detection.TrackedFlight
	for rows.Next() {
		flight, err := scanFlight(rows, true)
		if err != nil {
			return nil, err
		}
		flights = append(flights, flight)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate flights: %w", err)
	}
	return flights, nil
}

func scanFlight(rows *sql.Rows, withPoints bool) (*detection.TrackedFlight, error) {
	var (
		flight      detection.TrackedFlight
		status      string
		takeoffTime string
		landingTime sql.NullString
		points      sql.NullString
		synced      int
	)
	err := rows.Scan(
		&flight.ID,
		&status,
		&flight.TakeoffSiteName,
		&takeoffTime,
		&flight.TakeoffAltitude,
		&flight.LandingSiteName,
		&landingTime,
		&flight.LandingAltitude,
		&flight.FlightTimeMinutes,
		&points,
		&synced,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan flight: %w", err)
	}

	flight.Status = detection.FlightStatus(status)
	takeoff, err := time.Parse(time.RFC3339, takeoffTime)
	if err != nil {
		return nil, fmt.Errorf("failed to parse takeoff_time: %w", err)
	}
	flight.TakeoffTime = takeoff
	if landingTime.Valid && landingTime.String != "" {
		landing, err := time.Parse(time.RFC3339, landingTime.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse landing_time: %w", err)
		}
		flight.LandingTime = &landing
	}
	flight.SyncedToRemote = synced != 0

	if withPoints && points.Valid && points.String != "" {
		var pts []tracklog.TrackPoint
		if err := json.Unmarshal([]byte(points.String), &pts); err != nil {
			return nil, fmt.Errorf("failed to unmarshal track points: %w", err)
		}
		flight.TrackPoints = pts
	}
	return &flight, nil
}

// formatNullableTime formats a nullable time.Time for SQL
func formatNullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
