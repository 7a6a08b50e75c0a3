package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jikku/funnel-server/internal/database"
	"github.com/jikku/funnel-server/internal/logging"
)

var fixedNow = time.Date(2026, 5, 10, 8, 30, 0, 0, time.UTC)

func clock() time.Time { return fixedNow }

func TestHealthBasic(t *testing.T) {
	rr := httptest.NewRecorder()
	HealthBasic("funnel-server", clock).ServeHTTP(rr, httptest.NewRequest("GET", "/health-basic", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json; charset=utf-8", rr.Header().Get("Content-Type"))

	var body BasicHealth
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "OK", body.Status)
	assert.Equal(t, "funnel-server", body.Service)
	assert.Equal(t, "2026-05-10T08:30:00Z", body.Timestamp)
}

func TestHealthBasicDefaultClock(t *testing.T) {
	rr := httptest.NewRecorder()
	HealthBasic("svc", nil).ServeHTTP(rr, httptest.NewRequest("GET", "/health-basic", nil))

	var body BasicHealth
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	_, err := time.Parse(time.RFC3339, body.Timestamp)
	assert.NoError(t, err)
}

type fakeChecker struct{ err error }

func (f fakeChecker) HealthCheck(ctx context.Context) error { return f.err }

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		checker    HealthChecker
		wantStatus int
	}{
		{"no database", nil, http.StatusOK},
		{"database up", fakeChecker{}, http.StatusOK},
		{"database down", fakeChecker{err: errors.New("disk gone")}, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			Health(tt.checker, logging.NewNop()).ServeHTTP(rr, httptest.NewRequest("GET", "/health", nil))
			assert.Equal(t, tt.wantStatus, rr.Code)
			if tt.wantStatus == http.StatusOK {
				assert.Equal(t, "OK", rr.Body.String())
			}
		})
	}
}

type fakeStats struct {
	since time.Time
	err   error
}

func (f *fakeStats) PageViewStats(ctx context.Context, since time.Time) (*database.Stats, error) {
	f.since = since
	if f.err != nil {
		return nil, f.err
	}
	return &database.Stats{
		Since:   since,
		Total:   4,
		ByRoute: []database.RouteCount{{Route: "/1", Views: 3}, {Route: "/", Views: 1}},
	}, nil
}

func TestStats(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantSince  time.Time
	}{
		{"default window", "", http.StatusOK, fixedNow.AddDate(0, 0, -DefaultStatsDays)},
		{"all time", "?days=0", http.StatusOK, time.Time{}},
		{"max window", "?days=365", http.StatusOK, fixedNow.AddDate(0, 0, -365)},
		{"last week", "?days=7", http.StatusOK, fixedNow.AddDate(0, 0, -7)},
		{"negative", "?days=-1", http.StatusBadRequest, time.Time{}},
		{"too large", "?days=366", http.StatusBadRequest, time.Time{}},
		{"not a number", "?days=abc", http.StatusBadRequest, time.Time{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source := &fakeStats{}
			rr := httptest.NewRecorder()
			Stats(source, logging.NewNop(), clock).ServeHTTP(rr, httptest.NewRequest("GET", "/api/stats"+tt.query, nil))

			require.Equal(t, tt.wantStatus, rr.Code, rr.Body.String())
			if tt.wantStatus != http.StatusOK {
				return
			}
			assert.True(t, source.since.Equal(tt.wantSince))

			var body database.Stats
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
			assert.EqualValues(t, 4, body.Total)
			require.Len(t, body.ByRoute, 2)
			assert.Equal(t, "/1", body.ByRoute[0].Route)
		})
	}
}

func TestStatsError(t *testing.T) {
	rr := httptest.NewRecorder()
	Stats(&fakeStats{err: errors.New("locked")}, logging.NewNop(), clock).
		ServeHTTP(rr, httptest.NewRequest("GET", "/api/stats", nil))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestStatsWithStore(t *testing.T) {
	store, err := database.Open(":memory:")
	require.NoError(t, err)
	defer store.Close()

	req := httptest.NewRequest("GET", "/back", nil)
	require.NoError(t, store.RecordPageView(context.Background(), req, "/back"))

	rr := httptest.NewRecorder()
	Stats(store, logging.NewNop(), nil).ServeHTTP(rr, httptest.NewRequest("GET", "/api/stats", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var body database.Stats
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.EqualValues(t, 1, body.Total)
	assert.Equal(t, "/back", body.ByRoute[0].Route)
}
