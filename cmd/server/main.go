package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/parafly/flylog/internal/api"
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

var (
	// Version is injected at build time
	Version = "dev"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to configuration file (optional - will search in configs/ and root directory)")
	flag.Parse()

	// Load configuration with fallback logic
	cfg, err := config.LoadWithFallback(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Create logger
	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: "console", // Always use console format for better readability
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting flylog server",
		logger.String("version", Version),
		logger.String("config_path", *configPath),
	)

	// Ensure the storage directory exists
	dbDir := cfg.Storage.SQLiteBasePath
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		log.Error("Failed to create database directory", logger.Error(err), logger.String("path", dbDir))
		os.Exit(1)
	}
	dbPath := filepath.Join(dbDir, "flylog.db")

	// Create the flight store
	flightStorage, err := sqlite.NewFlightStorage(dbPath, log)
	if err != nil {
		log.Error("Failed to create SQLite storage", logger.Error(err))
		os.Exit(1)
	}
	defer flightStorage.Close()
	log.Info("Using SQLite storage", logger.String("path", dbPath))

	// Create WebSocket server
	wsServer := websocket.NewServer(log)

	// Start WebSocket server
	go wsServer.Run()

	// Load the site directory
	sitesService := sites.NewService(log)
	if cfg.Sites.DBPath != "" {
		if err := sitesService.LoadFromFile(cfg.Sites.DBPath); err != nil {
			log.Error("Failed to load site directory", logger.Error(err), logger.String("path", cfg.Sites.DBPath))
			os.Exit(1)
		}
	} else {
		log.Warn("No site directory configured, flights will have no site names")
	}

	// Create tracking service
	trackingService := tracking.NewService(cfg.Detection, sitesService, flightStorage, wsServer, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := trackingService.Start(ctx); err != nil {
		log.Error("Failed to start tracking service", logger.Error(err))
		os.Exit(1)
	}

	// Create the sensor client (if a sensor is configured)
	var sensorClient *sensor.Client
	if cfg.Sensor.Enabled {
		if err := cfg.ValidateSensor(); err != nil {
			log.Error("Invalid sensor configuration", logger.Error(err))
			os.Exit(1)
		}
		sensorClient = sensor.NewClient(cfg.Sensor, log)
		sensorClient.OnFix(trackingService.SubmitFix)
		if err := sensorClient.Start(ctx); err != nil {
			log.Error("Failed to start sensor client", logger.Error(err))
			os.Exit(1)
		}
	} else {
		log.Info("Sensor disabled in configuration, live tracking unavailable")
	}

	// Create simulation and analysis services
	simulationService := simulation.NewService(cfg.Simulation, trackingService, log)
	analyzer := detection.NewAnalyzer(detection.ThresholdsFromConfig(cfg.Detection), sitesService, log)

	// Create the sync client
	syncClient := syncer.NewClient(cfg.Sync, flightStorage, log)

	// Create API router
	router := api.NewRouter(trackingService, simulationService, analyzer, sitesService, sensorClient, syncClient, flightStorage, cfg, log, wsServer)

	// --- Setup for multiple HTTP servers ---
	var servers []*http.Server
	allPorts := []int{cfg.Server.Port}
	if len(cfg.Server.AdditionalPorts) > 0 {
		allPorts = append(allPorts, cfg.Server.AdditionalPorts...)
	}

	log.Info("Configured listener ports", logger.Any("ports", allPorts))

	// Start a server for each configured port
	for _, port := range allPorts {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, port)
		server := &http.Server{
			Addr:         addr,
			Handler:      router.Routes(), // All servers use the same main router
			ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSecs) * time.Second,
			WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSecs) * time.Second,
			IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSecs) * time.Second,
		}
		servers = append(servers, server)

		go func(s *http.Server) {
			log.Info("Starting HTTP server", logger.String("addr", s.Addr))
			if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("HTTP server error on startup", logger.String("addr", s.Addr), logger.Error(err))
			}
		}(server)
	}

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutting down server...")

	// Stop background services first
	log.Info("Stopping simulation service...")
	simulationService.Stop()
	log.Info("Simulation service stopped.")

	if sensorClient != nil {
		log.Info("Stopping sensor client...")
		sensorClient.Stop()
		log.Info("Sensor client stopped.")
	}

	log.Info("Stopping tracking service...")
	trackingService.Stop()
	log.Info("Tracking service stopped.")

	// Cancel the main context
	cancel()

	// Shutdown all HTTP servers
	log.Info("Shutting down HTTP servers...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	var wg sync.WaitGroup
	for _, s := range servers {
		wg.Add(1)
		go func(srv *http.Server) {
			defer wg.Done()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error("HTTP server shutdown error", logger.String("addr", srv.Addr), logger.Error(err))
			} else {
				log.Info("HTTP server shutdown complete", logger.String("addr", srv.Addr))
			}
		}(s)
	}
	wg.Wait()

	log.Info("Server fully stopped")
}
