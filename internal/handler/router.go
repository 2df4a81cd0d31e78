package handler

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"traffic-prism/internal/metrics"
	"traffic-prism/internal/util"
)

// RouterOptions tune the middleware stack.
type RouterOptions struct {
	RequireTLS     bool
	AllowedOrigins []string
	RequestTimeout time.Duration
}

// requireHTTPS rejects any request that wasn't made over TLS
func requireHTTPS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUpgradeRequired)
			w.Write([]byte(`{"error":"https required"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// NewRouter creates and configures the Chi router with all middleware and routes
func NewRouter(h *Handler, opts RouterOptions, logger *zap.Logger) chi.Router {
	router := chi.NewRouter()

	if opts.RequireTLS {
		router.Use(requireHTTPS)
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"https://*"}
	}

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(LoggerMiddleware(logger))
	router.Use(metrics.Middleware)
	router.Use(middleware.Recoverer)

	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", OperatorHeader},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	router.Get("/health", h.Health)
	router.Handle("/metrics", metrics.Handler())

	// long-lived; must stay outside the request timeout
	if h.channel != nil {
		router.Handle("/ws", h.channel)
	}

	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(opts.RequestTimeout))

		r.With(h.RateLimitTrack).Post("/track", h.Track)

		r.Route("/api/v1", func(r chi.Router) {
			r.Post("/verdicts", h.SubmitVerdict)

			r.Group(func(r chi.Router) {
				r.Use(h.RequireOperator)

				r.Get("/risk", h.QueryRisk)
				r.Get("/enforcements", h.Enforcements)

				r.Route("/sessions", func(r chi.Router) {
					r.Get("/active", h.ActiveSessions)
					r.Get("/{sessionID}/journey", h.Journey)
					r.Post("/{sessionID}/captcha", h.SendCaptcha)
					r.Post("/{sessionID}/terminate", h.Terminate)
				})

				r.Route("/rules", func(r chi.Router) {
					r.Get("/", h.ListRules)
					r.Post("/", h.CreateRule)
					r.Get("/{ruleID}", h.GetRule)
					r.Put("/{ruleID}", h.EditRule)
					r.Delete("/{ruleID}", h.DeleteRule)
					r.Get("/{ruleID}/history", h.RuleHistory)
				})
			})
		})
	})

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"endpoint not found"}`))
	})

	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusMethodNotAllowed)
		w.Write([]byte(`{"error":"method not allowed"}`))
	})

	return router
}

// Health runs every dependency check and reports 503 if any fails.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	names := make([]string, 0, len(h.health))
	for name := range h.health {
		names = append(names, name)
	}
	sort.Strings(names)

	status := make(map[string]string, len(names))
	healthy := true
	for _, name := range names {
		if err := h.health[name](ctx); err != nil {
			healthy = false
			status[name] = err.Error()
			continue
		}
		status[name] = "ok"
	}

	if !healthy {
		h.respondWithJSON(w, http.StatusServiceUnavailable, Response{
			Success: false,
			Data:    status,
			Message: "Service unhealthy",
		})
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(status, "Service is healthy"))
}

// LoggerMiddleware creates a middleware that logs HTTP requests
func LoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				logger.Info("HTTP request",
					util.String("request_id", middleware.GetReqID(r.Context())),
					util.String("method", r.Method),
					util.String("path", r.URL.Path),
					util.String("remote_addr", r.RemoteAddr),
					util.Int("status", ww.Status()),
					util.Duration("duration", time.Since(start)),
					util.String("user_agent", r.UserAgent()),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
