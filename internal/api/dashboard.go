package api

import (
	"net/http"
)

const dashboardRecent = 5

// DashboardHandler handles GET /api/dashboard.
func DashboardHandler(store InterviewStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := store.InterviewStats(r.Context(), dashboardRecent)
		if err != nil {
			writeDomainError(w, r, err, "failed to load dashboard")
			return
		}
		WriteJSON(w, http.StatusOK, stats)
	}
}
