package handler

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

const dateOnly = "2006-01-02"

// QueryRisk scores every session of the operator's tenant active in
// [start, end). Dates are RFC3339 or YYYY-MM-DD; a date-only end covers
// the whole day. The default window is the last 24 hours.
func (h *Handler) QueryRisk(w http.ResponseWriter, r *http.Request) {
	end := time.Now().UTC()
	start := end.Add(-24 * time.Hour)

	if v := r.URL.Query().Get("end"); v != "" {
		t, dayOnly, err := parseTime(v)
		if err != nil {
			h.respondWithError(w, http.StatusBadRequest, err, "Invalid end date")
			return
		}
		end = t
		if dayOnly {
			end = t.Add(24 * time.Hour)
		}
	}
	if v := r.URL.Query().Get("start"); v != "" {
		t, _, err := parseTime(v)
		if err != nil {
			h.respondWithError(w, http.StatusBadRequest, err, "Invalid start date")
			return
		}
		start = t
	}
	if !start.Before(end) {
		h.respondWithError(w, http.StatusBadRequest, fmt.Errorf("start must be before end"), "Invalid date range")
		return
	}

	results, err := h.risk.QueryRisk(r.Context(), operatorFrom(r.Context()).tenant, start, end)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to query risk")
		return
	}

	h.respondWithJSON(w, http.StatusOK, listResponse(results, len(results), "Risk assessments computed"))
}

// Journey returns a session's events in time order.
func (h *Handler) Journey(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	events, err := h.risk.Journey(r.Context(), operatorFrom(r.Context()).tenant, sessionID)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to load session journey")
		return
	}

	h.respondWithJSON(w, http.StatusOK, listResponse(events, len(events), "Session journey retrieved"))
}

func parseTime(v string) (time.Time, bool, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), false, nil
	}
	t, err := time.Parse(dateOnly, v)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("expected RFC3339 or YYYY-MM-DD, got %q", v)
	}
	return t, true, nil
}
