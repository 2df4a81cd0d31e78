package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

type terminateRequest struct {
	RedirectURL string `json:"redirect_url"`
}

// ActiveSessions lists the reachable sessions of the operator's tenant.
func (h *Handler) ActiveSessions(w http.ResponseWriter, r *http.Request) {
	entries, err := h.sessions.ActiveSessions(r.Context(), operatorFrom(r.Context()).tenant)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to list sessions")
		return
	}
	h.respondWithJSON(w, http.StatusOK, listResponse(entries, len(entries), "Active sessions retrieved"))
}

func (h *Handler) SendCaptcha(w http.ResponseWriter, r *http.Request) {
	res, err := h.sessions.SendCaptcha(r.Context(), chi.URLParam(r, "sessionID"), actorFrom(r.Context()))
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to send CAPTCHA")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(res, "CAPTCHA requested"))
}

// Terminate accepts an optional {"redirect_url": "..."} body.
func (h *Handler) Terminate(w http.ResponseWriter, r *http.Request) {
	var req terminateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	res, err := h.sessions.Terminate(r.Context(), chi.URLParam(r, "sessionID"), actorFrom(r.Context()), req.RedirectURL)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to terminate session")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(res, "Session terminated"))
}

// Enforcements lists the tenant's recent commands, newest first.
func (h *Handler) Enforcements(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		h.respondWithError(w, http.StatusNotFound, errors.New("enforcement audit is not enabled"), "Audit unavailable")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.respondWithError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"), "Invalid limit")
			return
		}
		limit = n
	}

	records, err := h.audit.Recent(r.Context(), operatorFrom(r.Context()).tenant, limit)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to list enforcements")
		return
	}
	h.respondWithJSON(w, http.StatusOK, listResponse(records, len(records), "Enforcements retrieved"))
}
