package sensor

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parafly/flylog/internal/config"
	"github.com/parafly/flylog/internal/tracklog"
	"github.com/parafly/flylog/pkg/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func testClient(t *testing.T, url string) *Client {
	t.Helper()
	return NewClient(config.SensorConfig{
		Enabled:         true,
		SourceURL:       url,
		PollIntervalMs:  50,
		TimeoutSecs:     2,
		MaxFixRateHz:    100,
		NoSignalTimeout: 10,
	}, testLogger(t))
}

func fixBody(ts time.Time, lat, lon float64) string {
	return fmt.Sprintf(`{"timestamp":%q,"lat":%f,"lon":%f,"altitude":1080,"speed":7.5}`,
		ts.Format(time.RFC3339), lat, lon)
}

func TestFetchFix(t *testing.T) {
	ts := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, fixBody(ts, 46.19, 13.73))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	fix, err := c.fetchFix(context.Background())
	require.NoError(t, err)
	assert.True(t, fix.Timestamp.Equal(ts))
	assert.Equal(t, 46.19, fix.Latitude)
	assert.Equal(t, 13.73, fix.Longitude)
	assert.Equal(t, 1080.0, fix.Altitude)
	require.NotNil(t, fix.Speed)
	assert.Equal(t, 7.5, *fix.Speed)
}

func TestFetchFixErrors(t *testing.T) {
	ts := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		body string
		code int
	}{
		{"server error", "", http.StatusInternalServerError},
		{"not json", "no fix here", http.StatusOK},
		{"missing timestamp", `{"lat":46.19,"lon":13.73}`, http.StatusOK},
		{"bad coordinates", fixBody(ts, 120.0, 13.73), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			_, err := testClient(t, srv.URL).fetchFix(context.Background())
			assert.Error(t, err)
		})
	}
}

func TestPollDeliversOnlyNewFixes(t *testing.T) {
	ts := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	current := ts

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprint(w, fixBody(current, 46.19, 13.73))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	var delivered []tracklog.TrackPoint
	c.OnFix(func(pt tracklog.TrackPoint) {
		mu.Lock()
		defer mu.Unlock()
		delivered = append(delivered, pt)
	})

	ctx := context.Background()
	// same fix polled three times only arrives once
	require.NoError(t, c.pollOnce(ctx))
	require.NoError(t, c.pollOnce(ctx))
	require.NoError(t, c.pollOnce(ctx))

	mu.Lock()
	current = ts.Add(time.Second)
	mu.Unlock()
	// let the rate limiter refill before the next distinct fix
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, c.pollOnce(ctx))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, delivered, 2)
	assert.True(t, delivered[1].Timestamp.After(delivered[0].Timestamp))
	assert.True(t, c.HasSignal())
}

func TestHasSignalWithoutFixes(t *testing.T) {
	c := testClient(t, "http://127.0.0.1:0")
	assert.False(t, c.HasSignal())

	_, ok := c.Status()
	assert.False(t, ok)
}
