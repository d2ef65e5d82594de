package main

import (
	"net/http"
)

func (api *pipelinesAPI) handleStatistics(w http.ResponseWriter, r *http.Request) {
	periodDays := parseIntQuery(r, "period_days", 30)
	result, err := api.stats.Statistics(r.Context(), periodDays)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, result)
}
