package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/parafly/flylog/internal/config"
	"github.com/parafly/flylog/internal/detection"
	"github.com/parafly/flylog/internal/sensor"
	"github.com/parafly/flylog/internal/simulation"
	"github.com/parafly/flylog/internal/sites"
	"github.com/parafly/flylog/internal/storage/sqlite"
	"github.com/parafly/flylog/internal/syncer"
	"github.com/parafly/flylog/internal/tracking"
	"github.com/parafly/flylog/internal/tracklog"
	"github.com/parafly/flylog/internal/websocket"
	"github.com/parafly/flylog/pkg/logger"
)

// maxUploadBytes caps tracklog uploads; a full day of 1 Hz fixes in
// verbose GPX is still well under this
const maxUploadBytes = 32 << 20

// Handler contains the API handlers
type Handler struct {
	trackingService   *tracking.Service
	simulationService *simulation.Service
	analyzer          *detection.Analyzer
	sitesService      *sites.Service
	sensorClient      *sensor.Client
	syncClient        *syncer.Client
	flightStorage     *sqlite.FlightStorage
	config            *config.Config
	logger            *logger.Logger
	wsServer          *websocket.Server
}

// NewHandler creates a new API handler
func NewHandler(trackingService *tracking.Service, simulationService *simulation.Service, analyzer *detection.Analyzer, sitesService *sites.Service, sensorClient *sensor.Client, syncClient *syncer.Client, flightStorage *sqlite.FlightStorage, cfg *config.Config, log *logger.Logger, wsServer *websocket.Server) *Handler {
	return &Handler{
		trackingService:   trackingService,
		simulationService: simulationService,
		analyzer:          analyzer,
		sitesService:      sitesService,
		sensorClient:      sensorClient,
		syncClient:        syncClient,
		flightStorage:     flightStorage,
		config:            cfg,
		logger:            log.Named("api-handler"),
		wsServer:          wsServer,
	}
}

// GetStatus returns the tracking status snapshot plus sensor health
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	status := h.trackingService.Status()

	response := map[string]interface{}{
		"tracking": status,
	}

	if h.sensorClient != nil {
		lastFix, fetchOK := h.sensorClient.Status()
		sensorStatus := map[string]interface{}{
			"signal":   h.sensorClient.HasSignal(),
			"fetch_ok": fetchOK,
		}
		if !lastFix.IsZero() {
			sensorStatus["last_fix_at"] = lastFix.UTC()
		}
		response["sensor"] = sensorStatus
	}

	if h.simulationService.Running() {
		sent, total := h.simulationService.Progress()
		response["simulation"] = map[string]interface{}{
			"running": true,
			"sent":    sent,
			"total":   total,
		}
	}

	WriteJSON(w, http.StatusOK, response)
}

// GetAllFlights returns stored flights, newest first. Track points are
// omitted unless with_points=true.
func (h *Handler) GetAllFlights(w http.ResponseWriter, r *http.Request) {
	withPoints := r.URL.Query().Get("with_points") == "true"

	flights, err := h.flightStorage.List(withPoints)
	if err != nil {
		h.logger.Error("Failed to list flights", logger.Error(err))
		http.Error(w, "Failed to list flights", http.StatusInternalServerError)
		return
	}
	if flights == nil {
		flights = []*detection.TrackedFlight{}
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"flights": flights,
		"count":   len(flights),
	})
}

// GetFlightByID returns one stored flight with its track points
func (h *Handler) GetFlightByID(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	flight, err := h.flightStorage.GetByID(id)
	if err != nil {
		h.logger.Error("Failed to get flight", logger.Error(err), logger.String("flight_id", id))
		http.Error(w, "Failed to get flight", http.StatusInternalServerError)
		return
	}
	if flight == nil {
		http.Error(w, "Flight not found", http.StatusNotFound)
		return
	}

	WriteJSON(w, http.StatusOK, flight)
}

// DeleteFlight removes one stored flight
func (h *Handler) DeleteFlight(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	deleted, err := h.flightStorage.Delete(id)
	if err != nil {
		h.logger.Error("Failed to delete flight", logger.Error(err), logger.String("flight_id", id))
		http.Error(w, "Failed to delete flight", http.StatusInternalServerError)
		return
	}
	if !deleted {
		http.Error(w, "Flight not found", http.StatusNotFound)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ClearFlights removes every stored flight
func (h *Handler) ClearFlights(w http.ResponseWriter, r *http.Request) {
	removed, err := h.flightStorage.Clear()
	if err != nil {
		h.logger.Error("Failed to clear flights", logger.Error(err))
		http.Error(w, "Failed to clear flights", http.StatusInternalServerError)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{"removed": removed})
}

// SyncFlights pushes every unsynced flight to the remote logbook
func (h *Handler) SyncFlights(w http.ResponseWriter, r *http.Request) {
	if h.syncClient == nil || !h.syncClient.Enabled() {
		http.Error(w, "Sync is not configured", http.StatusServiceUnavailable)
		return
	}

	synced, err := h.syncClient.SyncAll(r.Context())
	if err != nil {
		h.logger.Error("Sync failed", logger.Error(err), logger.Int("synced", synced))
		WriteJSON(w, http.StatusBadGateway, map[string]interface{}{
			"synced": synced,
			"error":  err.Error(),
		})
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{"synced": synced})
}

// SyncFlightByID pushes one stored flight to the remote logbook
func (h *Handler) SyncFlightByID(w http.ResponseWriter, r *http.Request) {
	if h.syncClient == nil || !h.syncClient.Enabled() {
		http.Error(w, "Sync is not configured", http.StatusServiceUnavailable)
		return
	}

	id := chi.URLParam(r, "id")
	flight, err := h.flightStorage.GetByID(id)
	if err != nil {
		http.Error(w, "Failed to get flight", http.StatusInternalServerError)
		return
	}
	if flight == nil {
		http.Error(w, "Flight not found", http.StatusNotFound)
		return
	}

	if err := h.syncClient.SyncFlight(r.Context(), flight); err != nil {
		h.logger.Error("Sync failed", logger.Error(err), logger.String("flight_id", id))
		http.Error(w, fmt.Sprintf("Sync failed: %v", err), http.StatusBadGateway)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{"synced": id})
}

// StartTracking switches the detector feed to the live sensor
func (h *Handler) StartTracking(w http.ResponseWriter, r *http.Request) {
	if h.sensorClient == nil {
		http.Error(w, "No sensor is configured", http.StatusServiceUnavailable)
		return
	}
	if err := h.trackingService.StartLive(); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"mode": h.trackingService.Mode()})
}

// StopTracking pauses live tracking without touching an in-progress
// flight
func (h *Handler) StopTracking(w http.ResponseWriter, r *http.Request) {
	if err := h.trackingService.StopLive(); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"mode": h.trackingService.Mode()})
}

// CancelFlight discards the in-progress flight
func (h *Handler) CancelFlight(w http.ResponseWriter, r *http.Request) {
	flight := h.trackingService.CancelFlight()
	if flight == nil {
		http.Error(w, "No flight in progress", http.StatusConflict)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"cancelled": flight.ID,
	})
}

// StartSimulation uploads a tracklog and replays it through the
// detection pipeline. The upload field is "tracklog"; interval_ms
// overrides the configured replay pace.
func (h *Handler) StartSimulation(w http.ResponseWriter, r *http.Request) {
	points, err := h.parseUpload(r)
	if err != nil {
		writeParseError(w, err)
		return
	}

	interval := time.Duration(0)
	if ms := r.FormValue("interval_ms"); ms != "" {
		parsed, err := strconv.Atoi(ms)
		if err != nil || parsed <= 0 {
			http.Error(w, "interval_ms must be a positive integer", http.StatusBadRequest)
			return
		}
		interval = time.Duration(parsed) * time.Millisecond
	}

	if err := h.simulationService.Start(points, interval); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"points": len(points),
	})
}

// StopSimulation aborts an in-progress replay
func (h *Handler) StopSimulation(w http.ResponseWriter, r *http.Request) {
	h.simulationService.Stop()
	WriteJSON(w, http.StatusOK, map[string]interface{}{"mode": h.trackingService.Mode()})
}

// AnalyzeTracklog runs an uploaded tracklog through batch detection.
// Detected flights are returned, and persisted when save=true.
func (h *Handler) AnalyzeTracklog(w http.ResponseWriter, r *http.Request) {
	points, err := h.parseUpload(r)
	if err != nil {
		writeParseError(w, err)
		return
	}

	flights := h.analyzer.Analyze(points)

	saved := 0
	if r.FormValue("save") == "true" {
		for _, flight := range flights {
			if err := h.flightStorage.Append(flight); err != nil {
				h.logger.Error("Failed to save analyzed flight",
					logger.Error(err),
					logger.String("flight_id", flight.ID))
				http.Error(w, "Failed to save flights", http.StatusInternalServerError)
				return
			}
			saved++
		}
	}

	if flights == nil {
		flights = []*detection.TrackedFlight{}
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"points":  len(points),
		"flights": flights,
		"saved":   saved,
	})
}

// GetSites returns the site directory
func (h *Handler) GetSites(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"sites": h.sitesService.All(),
		"count": h.sitesService.Count(),
	})
}

// ReplaceSites swaps the whole site directory
func (h *Handler) ReplaceSites(w http.ResponseWriter, r *http.Request) {
	var list []sites.Site
	if err := json.NewDecoder(io.LimitReader(r.Body, maxUploadBytes)).Decode(&list); err != nil {
		http.Error(w, fmt.Sprintf("Invalid site list: %v", err), http.StatusBadRequest)
		return
	}

	if err := h.sitesService.Replace(list); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{"count": h.sitesService.Count()})
}

// GetConfig returns the public configuration
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	publicConfig := map[string]interface{}{
		"detection": map[string]interface{}{
			"takeoff_speed_ms":      h.config.Detection.TakeoffSpeedMS,
			"takeoff_climb_rate_ms": h.config.Detection.TakeoffClimbRateMS,
			"takeoff_debounce_secs": h.config.Detection.TakeoffDebounceSecs,
			"landing_speed_ms":      h.config.Detection.LandingSpeedMS,
			"landing_debounce_secs": h.config.Detection.LandingDebounceSecs,
			"site_max_radius_m":     h.config.Detection.SiteMaxRadiusM,
		},
		"sensor": map[string]interface{}{
			"enabled":          h.config.Sensor.Enabled,
			"poll_interval_ms": h.config.Sensor.PollIntervalMs,
		},
		"sync": map[string]interface{}{
			"enabled": h.config.Sync.Enabled,
		},
	}

	WriteJSON(w, http.StatusOK, publicConfig)
}

// GetHealth returns the health status of the API
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status": "ok",
		"mode":   h.trackingService.Mode(),
		"sites":  h.sitesService.Count(),
	}
	if h.sensorClient != nil {
		response["sensor_signal"] = h.sensorClient.HasSignal()
	}

	WriteJSON(w, http.StatusOK, response)
}

// HandleWebSocket upgrades the connection and streams UI events
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.wsServer.HandleConnection(w, r)
}

// parseUpload reads the "tracklog" part of a multipart upload and
// parses it. The format comes from the filename extension, with the
// optional "format" field as an override for extensionless files.
func (h *Handler) parseUpload(r *http.Request) ([]tracklog.TrackPoint, error) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return nil, fmt.Errorf("invalid multipart upload: %w", err)
	}

	file, header, err := r.FormFile("tracklog")
	if err != nil {
		return nil, fmt.Errorf("missing tracklog file: %w", err)
	}
	defer file.Close()

	format, known := tracklog.FormatFromPath(header.Filename)
	if override := r.FormValue("format"); override != "" {
		format = tracklog.Format(override)
		known = true
	}
	if !known {
		return nil, fmt.Errorf("cannot determine tracklog format from %q", header.Filename)
	}

	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}

	h.logger.Info("Parsing uploaded tracklog",
		logger.String("filename", header.Filename),
		logger.String("format", string(format)),
		logger.Int("bytes", len(data)))

	return tracklog.Parse(format, data)
}

// writeParseError reports an upload or parse failure. These are all
// client errors: bad multipart body, unknown format, malformed or
// empty tracklog.
func writeParseError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), http.StatusBadRequest)
}

// WriteJSON writes a JSON response
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
