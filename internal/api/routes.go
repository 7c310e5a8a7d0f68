package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/parafly/flylog/internal/config"
	"github.com/parafly/flylog/internal/detection"
	"github.com/parafly/flylog/internal/sensor"
	"github.com/parafly/flylog/internal/simulation"
	"github.com/parafly/flylog/internal/sites"
	"github.com/parafly/flylog/internal/storage/sqlite"
	"github.com/parafly/flylog/internal/syncer"
	"github.com/parafly/flylog/internal/tracking"
	"github.com/parafly/flylog/internal/websocket"
	"github.com/parafly/flylog/pkg/logger"
)

// Router is the API router
type Router struct {
	handler    *Handler
	middleware *Middleware
	config     *config.Config
	logger     *logger.Logger
}

// NewRouter creates a new API router
func NewRouter(trackingService *tracking.Service, simulationService *simulation.Service, analyzer *detection.Analyzer, sitesService *sites.Service, sensorClient *sensor.Client, syncClient *syncer.Client, flightStorage *sqlite.FlightStorage, cfg *config.Config, log *logger.Logger, wsServer *websocket.Server) *Router {
	return &Router{
		handler:    NewHandler(trackingService, simulationService, analyzer, sitesService, sensorClient, syncClient, flightStorage, cfg, log, wsServer),
		middleware: NewMiddleware(log),
		config:     cfg,
		logger:     log.Named("api-router"),
	}
}

// Routes returns the API routes
func (r *Router) Routes() http.Handler {
	router := chi.NewRouter()

	// Middleware
	router.Use(middleware.RequestID)
	router.Use(r.middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(r.middleware.CORS(r.config.Server.CORSAllowedOrigins))

	// API routes
	router.Route("/api/v1", func(router chi.Router) {
		// Status and health
		router.Get("/status", r.handler.GetStatus)
		router.Get("/health", r.handler.GetHealth)
		router.Get("/config", r.handler.GetConfig)

		// Flight log routes
		router.Get("/flights", r.handler.GetAllFlights)
		router.Delete("/flights", r.handler.ClearFlights)
		router.Post("/flights/sync", r.handler.SyncFlights)
		router.Get("/flights/{id}", r.handler.GetFlightByID)
		router.Delete("/flights/{id}", r.handler.DeleteFlight)
		router.Post("/flights/{id}/sync", r.handler.SyncFlightByID)

		// Live tracking routes
		router.Post("/tracking/start", r.handler.StartTracking)
		router.Post("/tracking/stop", r.handler.StopTracking)
		router.Post("/tracking/cancel", r.handler.CancelFlight)

		// Simulation routes
		router.Post("/simulation/start", r.handler.StartSimulation)
		router.Post("/simulation/stop", r.handler.StopSimulation)

		// Offline tracklog analysis
		router.Post("/analyze", r.handler.AnalyzeTracklog)

		// Site directory routes
		router.Get("/sites", r.handler.GetSites)
		router.Put("/sites", r.handler.ReplaceSites)

		// WebSocket route
		router.Get("/ws", r.handler.HandleWebSocket)
	})

	return router
}
