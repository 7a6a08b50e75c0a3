package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/jikku/funnel-server/internal/database"
	"github.com/jikku/funnel-server/internal/logging"
)

// Bounds of the ?days= window of the stats endpoint
const (
	DefaultStatsDays = 30
	MaxStatsDays     = 365
)

// StatsSource provides page view aggregates
type StatsSource interface {
	PageViewStats(ctx context.Context, since time.Time) (*database.Stats, error)
}

// Stats returns page view counts per funnel route. ?days=N limits the
// window to the last N days, 30 when absent; days=0 means all time.
func Stats(source StatsSource, logger *logging.Logger, now func() time.Time) http.HandlerFunc {
	if now == nil {
		now = time.Now
	}
	return func(w http.ResponseWriter, r *http.Request) {
		days := parseInt(r.URL.Query().Get("days"), DefaultStatsDays)
		if days < 0 || days > MaxStatsDays {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "days must be between 0 and " + strconv.Itoa(MaxStatsDays),
			})
			return
		}

		var since time.Time
		if days > 0 {
			since = now().AddDate(0, 0, -days)
		}

		stats, err := source.PageViewStats(r.Context(), since)
		if err != nil {
			logger.Error("failed to load page view stats", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load stats"})
			return
		}

		writeJSON(w, http.StatusOK, stats)
	}
}

// parseInt parses s, returning defaultVal for empty input and -1 for
// anything that is not a number
func parseInt(s string, defaultVal int) int {
	if s == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return -1
	}
	return i
}
