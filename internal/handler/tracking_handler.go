package handler

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"go.uber.org/zap"

	"traffic-prism/internal/intake"
)

var errTrackRateLimited = errors.New("tracking rate limit exceeded")

// Track accepts one event from the browser tracking script.
func (h *Handler) Track(w http.ResponseWriter, r *http.Request) {
	var req intake.TrackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	if err := h.intake.Ingest(r.Context(), req.Event(remoteIP(r)), intake.SourceHTTP); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to record event")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Event recorded"))
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RateLimitTrack rejects clients over the tracking limit with 429. A
// failing limiter lets the request through.
func (h *Handler) RateLimitTrack(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		ok, err := h.limiter.Allow(r.Context(), remoteIP(r))
		if err != nil {
			h.logger.Warn("Track rate limiter unavailable", zap.Error(err))
		}
		if !ok && err == nil {
			h.respondWithError(w, http.StatusTooManyRequests, errTrackRateLimited, "Too many tracking requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}
