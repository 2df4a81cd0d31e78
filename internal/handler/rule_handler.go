package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"traffic-prism/internal/models"
)

func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.rules.List(r.Context(), operatorFrom(r.Context()).tenant)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to list rules")
		return
	}
	if rules == nil {
		rules = []models.Rule{}
	}
	h.respondWithJSON(w, http.StatusOK, listResponse(rules, len(rules), "Rules retrieved"))
}

func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var in models.RuleInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	in.Source = models.RuleSourceManual

	rule, err := h.rules.Create(r.Context(), operatorFrom(r.Context()).tenant, in)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to create rule")
		return
	}
	h.respondWithJSON(w, http.StatusCreated, successResponse(rule, "Rule created"))
}

func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	id, ok := h.ruleID(w, r)
	if !ok {
		return
	}
	rule, err := h.rules.Get(r.Context(), operatorFrom(r.Context()).tenant, id)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to get rule")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(rule, "Rule retrieved"))
}

func (h *Handler) EditRule(w http.ResponseWriter, r *http.Request) {
	id, ok := h.ruleID(w, r)
	if !ok {
		return
	}
	var in models.RuleInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	rule, err := h.rules.Edit(r.Context(), operatorFrom(r.Context()).tenant, id, in)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to edit rule")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(rule, "Rule updated"))
}

func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	id, ok := h.ruleID(w, r)
	if !ok {
		return
	}
	if err := h.rules.Delete(r.Context(), operatorFrom(r.Context()).tenant, id); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to delete rule")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Rule deleted"))
}

func (h *Handler) RuleHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := h.ruleID(w, r)
	if !ok {
		return
	}
	versions, err := h.rules.History(r.Context(), operatorFrom(r.Context()).tenant, id)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to load rule history")
		return
	}
	h.respondWithJSON(w, http.StatusOK, listResponse(versions, len(versions), "Rule history retrieved"))
}

func (h *Handler) ruleID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "ruleID")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		h.respondWithError(w, http.StatusBadRequest, fmt.Errorf("invalid rule id %q", raw), "Invalid rule ID")
		return 0, false
	}
	return id, true
}
