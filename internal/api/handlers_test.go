package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parafly/flylog/internal/config"
	"github.com/parafly/flylog/internal/detection"
	"github.com/parafly/flylog/internal/simulation"
	"github.com/parafly/flylog/internal/sites"
	"github.com/parafly/flylog/internal/storage/sqlite"
	"github.com/parafly/flylog/internal/syncer"
	"github.com/parafly/flylog/internal/tracking"
	"github.com/parafly/flylog/internal/tracklog"
	"github.com/parafly/flylog/internal/websocket"
	"github.com/parafly/flylog/pkg/logger"
)

type testEnv struct {
	server  *httptest.Server
	storage *sqlite.FlightStorage
	sites   *sites.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)

	cfg := &config.Config{
		Server: config.ServerConfig{Port: 8080, CORSAllowedOrigins: []string{"*"}},
	}
	require.NoError(t, cfg.Validate())

	storage, err := sqlite.NewFlightStorage(filepath.Join(t.TempDir(), "flights.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close() })

	sitesService := sites.NewService(log)
	require.NoError(t, sitesService.Replace([]sites.Site{
		{ID: "kobala", Name: "Kobala", Kind: sites.KindTakeoff, Latitude: 46.1900, Longitude: 13.7370, Altitude: 1077},
		{ID: "tolmin-lz", Name: "Tolmin LZ", Kind: sites.KindLanding, Latitude: 46.1835, Longitude: 13.7335, Altitude: 160},
	}))

	wsServer := websocket.NewServer(log)
	go wsServer.Run()

	trackingService := tracking.NewService(cfg.Detection, sitesService, storage, wsServer, log)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, trackingService.Start(ctx))
	t.Cleanup(func() {
		trackingService.Stop()
		cancel()
	})

	simulationService := simulation.NewService(cfg.Simulation, trackingService, log)
	t.Cleanup(simulationService.Stop)

	analyzer := detection.NewAnalyzer(detection.ThresholdsFromConfig(cfg.Detection), sitesService, log)
	syncClient := syncer.NewClient(config.SyncConfig{Enabled: false}, storage, log)

	router := NewRouter(trackingService, simulationService, analyzer, sitesService, nil, syncClient, storage, cfg, log, wsServer)
	server := httptest.NewServer(router.Routes())
	t.Cleanup(server.Close)

	return &testEnv{server: server, storage: storage, sites: sitesService}
}

func (e *testEnv) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(e.server.URL + path)
	require.NoError(t, err)
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		return nil
	}
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

// sampleGPX renders a tracklog with a fast cruise and a stationary tail,
// enough for one detected flight. Speeds come from the derived fallback.
func sampleGPX() string {
	base := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	var sb strings.Builder
	sb.WriteString(`<?xml version="1.0"?><gpx version="1.1" creator="test"><trk><trkseg>`)
	for s := 0; s <= 120; s += 2 {
		lat := 46.1900 - float64(s)*0.0002
		fmt.Fprintf(&sb, `<trkpt lat="%.6f" lon="13.737000"><ele>%d</ele><time>%s</time></trkpt>`,
			lat, 1080-s*5, base.Add(time.Duration(s)*time.Second).Format(time.RFC3339))
	}
	for s := 130; s <= 200; s += 2 {
		fmt.Fprintf(&sb, `<trkpt lat="46.166000" lon="13.737000"><ele>480</ele><time>%s</time></trkpt>`,
			base.Add(time.Duration(s)*time.Second).Format(time.RFC3339))
	}
	sb.WriteString(`</trkseg></trk></gpx>`)
	return sb.String()
}

func uploadBody(t *testing.T, filename, content string, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("tracklog", filename)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func TestHealthAndConfig(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.get(t, "/api/v1/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "idle", body["mode"])

	resp, body = env.get(t, "/api/v1/config")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	detectionCfg, ok := body["detection"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 6.0, detectionCfg["takeoff_speed_ms"])
}

func TestStatusEndpoint(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.get(t, "/api/v1/status")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	trackingStatus, ok := body["tracking"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "idle", trackingStatus["mode"])
	assert.Equal(t, "ground", trackingStatus["state"])
}

func TestFlightEndpoints(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.get(t, "/api/v1/flights")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0.0, body["count"])

	landing := time.Date(2026, 5, 10, 13, 0, 0, 0, time.UTC)
	require.NoError(t, env.storage.Append(&detection.TrackedFlight{
		ID:              "f1",
		Status:          detection.StatusCompleted,
		TakeoffSiteName: "Kobala",
		TakeoffTime:     landing.Add(-40 * time.Minute),
		LandingTime:     &landing,
		TrackPoints: []tracklog.TrackPoint{
			{Timestamp: landing, Latitude: 46.18, Longitude: 13.73, Altitude: 160},
		},
	}))

	resp, body = env.get(t, "/api/v1/flights")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1.0, body["count"])

	resp, body = env.get(t, "/api/v1/flights/f1")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Kobala", body["takeoff_site_name"])

	resp, _ = env.get(t, "/api/v1/flights/missing")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	req, err := http.NewRequest(http.MethodDelete, env.server.URL+"/api/v1/flights/f1", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAnalyzeUpload(t *testing.T) {
	env := newTestEnv(t)

	buf, contentType := uploadBody(t, "flight.gpx", sampleGPX(), nil)
	resp, err := http.Post(env.server.URL+"/api/v1/analyze", contentType, buf)
	require.NoError(t, err)
	body := decodeBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	flights, ok := body["flights"].([]any)
	require.True(t, ok)
	require.Len(t, flights, 1)
	flight := flights[0].(map[string]any)
	assert.Equal(t, "completed", flight["status"])
	assert.Equal(t, "Kobala", flight["takeoff_site_name"])
	assert.Equal(t, 0.0, body["saved"])
}

func TestAnalyzeUploadAndSave(t *testing.T) {
	env := newTestEnv(t)

	buf, contentType := uploadBody(t, "flight.gpx", sampleGPX(), map[string]string{"save": "true"})
	resp, err := http.Post(env.server.URL+"/api/v1/analyze", contentType, buf)
	require.NoError(t, err)
	body := decodeBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1.0, body["saved"])

	stored, err := env.storage.List(false)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestAnalyzeRejectsBadUploads(t *testing.T) {
	env := newTestEnv(t)

	// unknown extension and no format override
	buf, contentType := uploadBody(t, "flight.txt", "not a tracklog", nil)
	resp, err := http.Post(env.server.URL+"/api/v1/analyze", contentType, buf)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// right extension, broken content
	buf, contentType = uploadBody(t, "flight.gpx", "<gpx><broken", nil)
	resp, err = http.Post(env.server.URL+"/api/v1/analyze", contentType, buf)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSiteEndpoints(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.get(t, "/api/v1/sites")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2.0, body["count"])

	newList, err := json.Marshal([]sites.Site{
		{ID: "lijak", Name: "Lijak", Kind: sites.KindTakeoff, Latitude: 45.964, Longitude: 13.727, Altitude: 600},
	})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPut, env.server.URL+"/api/v1/sites", bytes.NewReader(newList))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, env.sites.Count())

	// invalid kind is rejected and leaves the directory untouched
	badList := []byte(`[{"id":"x","name":"X","kind":"hill","lat":46.0,"lon":13.7}]`)
	req, err = http.NewRequest(http.MethodPut, env.server.URL+"/api/v1/sites", bytes.NewReader(badList))
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, 1, env.sites.Count())
}

func TestTrackingEndpointsWithoutSensor(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Post(env.server.URL+"/api/v1/tracking/start", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, "no sensor configured")

	resp, err = http.Post(env.server.URL+"/api/v1/tracking/stop", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, err = http.Post(env.server.URL+"/api/v1/tracking/cancel", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "no flight in progress")
}

func TestSimulationUploadReplay(t *testing.T) {
	env := newTestEnv(t)

	buf, contentType := uploadBody(t, "flight.gpx", sampleGPX(), map[string]string{"interval_ms": "1"})
	resp, err := http.Post(env.server.URL+"/api/v1/simulation/start", contentType, buf)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	// the replay finishes and persists the detected flight
	require.Eventually(t, func() bool {
		stored, err := env.storage.List(false)
		return err == nil && len(stored) == 1
	}, 5*time.Second, 20*time.Millisecond)

	resp, body := env.get(t, "/api/v1/health")
	resp.Body.Close()
	assert.Equal(t, "idle", body["mode"])
}

func TestSyncDisabledEndpoints(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Post(env.server.URL+"/api/v1/flights/sync", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
