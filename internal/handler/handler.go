package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"traffic-prism/internal/dispatch"
	"traffic-prism/internal/intake"
	"traffic-prism/internal/ledger"
	"traffic-prism/internal/models"
	"traffic-prism/internal/registry"
	"traffic-prism/internal/util"
	"traffic-prism/internal/verdict"
)

// EventIntake is satisfied by *intake.Service.
type EventIntake interface {
	Ingest(ctx context.Context, ev models.Event, source string) error
}

// RiskQuerier is satisfied by *risk.Service.
type RiskQuerier interface {
	QueryRisk(ctx context.Context, hostname string, start, end time.Time) ([]models.RiskAssessment, error)
	Journey(ctx context.Context, hostname, sessionID string) ([]models.Event, error)
}

// SessionCommander is satisfied by *dispatch.Dispatcher.
type SessionCommander interface {
	SendCaptcha(ctx context.Context, sessionID string, actor dispatch.Actor) (dispatch.Result, error)
	Terminate(ctx context.Context, sessionID string, actor dispatch.Actor, redirectURL string) (dispatch.Result, error)
	ActiveSessions(ctx context.Context, tenant string) ([]registry.Entry, error)
}

// RuleManager is satisfied by *ledger.Service.
type RuleManager interface {
	Create(ctx context.Context, hostname string, in models.RuleInput) (models.Rule, error)
	Edit(ctx context.Context, hostname string, id int64, in models.RuleInput) (models.Rule, error)
	Delete(ctx context.Context, hostname string, id int64) error
	List(ctx context.Context, hostname string) ([]models.Rule, error)
	Get(ctx context.Context, hostname string, id int64) (models.Rule, error)
	History(ctx context.Context, hostname string, id int64) ([]models.Rule, error)
}

// VerdictProcessor is satisfied by *verdict.Processor.
type VerdictProcessor interface {
	Process(ctx context.Context, v models.Verdict) (models.Rule, bool, error)
}

// AuditReader lists recent enforcement records of a tenant.
type AuditReader interface {
	Recent(ctx context.Context, hostname string, limit int) ([]models.EnforcementRecord, error)
}

// RateLimiter admits or rejects one request for a client key.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// OperatorDirectory maps an operator to the tenant they act for.
type OperatorDirectory interface {
	TenantOf(ctx context.Context, username string) (string, error)
}

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

type Handler struct {
	intake    EventIntake
	risk      RiskQuerier
	sessions  SessionCommander
	rules     RuleManager
	verdicts  VerdictProcessor
	operators OperatorDirectory
	audit     AuditReader
	limiter   RateLimiter
	channel   http.Handler
	health    map[string]HealthCheck
	logger    *zap.Logger
}

// Deps lists the services the HTTP surface exposes.
type Deps struct {
	Intake    EventIntake
	Risk      RiskQuerier
	Sessions  SessionCommander
	Rules     RuleManager
	Verdicts  VerdictProcessor
	Operators OperatorDirectory
	Audit     AuditReader
	Limiter   RateLimiter
	Channel   http.Handler
	Health    map[string]HealthCheck
}

func New(deps Deps, logger *zap.Logger) *Handler {
	return &Handler{
		intake:    deps.Intake,
		risk:      deps.Risk,
		sessions:  deps.Sessions,
		rules:     deps.Rules,
		verdicts:  deps.Verdicts,
		operators: deps.Operators,
		audit:     deps.Audit,
		limiter:   deps.Limiter,
		channel:   deps.Channel,
		health:    deps.Health,
		logger:    logger,
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
	Meta    *Meta       `json:"meta,omitempty"`
}

type Meta struct {
	Total int `json:"total"`
}

func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

func listResponse(data interface{}, total int, message string) Response {
	resp := successResponse(data, message)
	resp.Meta = &Meta{Total: total}
	return resp
}

func errorResponse(err error, message string) Response {
	return Response{
		Success: false,
		Error:   err.Error(),
		Message: message,
	}
}

// respondWithJSON sends a JSON response
func (h *Handler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

// respondWithError sends an error response
func (h *Handler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	h.respondWithJSON(w, statusCode, errorResponse(err, message))
}

// getStatusCode determines the appropriate HTTP status code for an error
func (h *Handler) getStatusCode(err error) int {
	switch {
	case errors.Is(err, models.ErrTenantRequired),
		errors.Is(err, models.ErrMissingSessionID),
		errors.Is(err, models.ErrMissingHostname),
		errors.Is(err, ledger.ErrInvalidRule):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrRuleNotFound), errors.Is(err, dispatch.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, dispatch.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, verdict.ErrUnknownTenant):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

var _ EventIntake = (*intake.Service)(nil)
