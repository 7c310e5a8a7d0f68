package syncer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parafly/flylog/internal/config"
	"github.com/parafly/flylog/internal/detection"
	"github.com/parafly/flylog/pkg/logger"
)

type fakeStore struct {
	unsynced []*detection.TrackedFlight
	marked   []string
	markErr  error
}

func (f *fakeStore) ListUnsynced() ([]*detection.TrackedFlight, error) {
	return f.unsynced, nil
}

func (f *fakeStore) MarkSynced(id string) error {
	if f.markErr != nil {
		return f.markErr
	}
	f.marked = append(f.marked, id)
	return nil
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func testFlight(id string) *detection.TrackedFlight {
	return &detection.TrackedFlight{
		ID:              id,
		Status:          detection.StatusCompleted,
		TakeoffSiteName: "Kobala",
		TakeoffTime:     time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC),
	}
}

func TestSyncFlight(t *testing.T) {
	var received detection.TrackedFlight
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	store := &fakeStore{}
	c := NewClient(config.SyncConfig{Enabled: true, URL: srv.URL, TimeoutSecs: 2}, store, testLogger(t))

	require.NoError(t, c.SyncFlight(context.Background(), testFlight("f1")))
	assert.Equal(t, "f1", received.ID)
	assert.Equal(t, []string{"f1"}, store.marked)
}

func TestSyncFlightServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	store := &fakeStore{}
	c := NewClient(config.SyncConfig{Enabled: true, URL: srv.URL, TimeoutSecs: 2}, store, testLogger(t))

	assert.Error(t, c.SyncFlight(context.Background(), testFlight("f1")))
	assert.Empty(t, store.marked, "failed delivery must not mark synced")
}

func TestSyncAllStopsAtFirstFailure(t *testing.T) {
	fail := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var flight detection.TrackedFlight
		require.NoError(t, json.NewDecoder(r.Body).Decode(&flight))
		if flight.ID == "f2" {
			fail = true
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := &fakeStore{unsynced: []*detection.TrackedFlight{
		testFlight("f1"), testFlight("f2"), testFlight("f3"),
	}}
	c := NewClient(config.SyncConfig{Enabled: true, URL: srv.URL, TimeoutSecs: 2}, store, testLogger(t))

	synced, err := c.SyncAll(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 1, synced)
	assert.True(t, fail)
	assert.Equal(t, []string{"f1"}, store.marked)
}

func TestSyncDisabled(t *testing.T) {
	c := NewClient(config.SyncConfig{Enabled: false}, &fakeStore{}, testLogger(t))

	assert.False(t, c.Enabled())
	assert.Error(t, c.SyncFlight(context.Background(), testFlight("f1")))
	_, err := c.SyncAll(context.Background())
	assert.Error(t, err)
}
