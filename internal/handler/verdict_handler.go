package handler

import (
	"encoding/json"
	"net/http"

	"traffic-prism/internal/models"
)

// SubmitVerdict is the threat-intelligence callback. A created rule is
// returned with 201; verdicts that produce no rule are acknowledged with 202.
func (h *Handler) SubmitVerdict(w http.ResponseWriter, r *http.Request) {
	var v models.Verdict
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	rule, created, err := h.verdicts.Process(r.Context(), v)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to process verdict")
		return
	}
	if !created {
		h.respondWithJSON(w, http.StatusAccepted, successResponse(nil, "Verdict acknowledged"))
		return
	}
	h.respondWithJSON(w, http.StatusCreated, successResponse(rule, "Rule created from verdict"))
}
