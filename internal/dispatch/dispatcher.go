// Package dispatch authorizes enforcement commands and delivers them to
// the live channel of exactly one session.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"traffic-prism/internal/metrics"
	"traffic-prism/internal/models"
	"traffic-prism/internal/registry"
	"traffic-prism/internal/util"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrUnauthorized    = errors.New("session belongs to another tenant")
)

const (
	CaptchaMessage   = "Please solve the CAPTCHA to continue."
	TerminateMessage = "Your session has been terminated by an administrator."

	TriggerOperator = "operator"
	TriggerRule     = "rule"
)

// Transport delivers a command to the subscribers of one session channel
// and reports how many received it.
type Transport interface {
	Publish(sessionID string, cmd models.Command) int
}

// SessionLocator resolves the tenant a session was recorded under.
type SessionLocator interface {
	SessionHostname(ctx context.Context, sessionID string) (string, error)
}

// AuditSink records accepted commands. Failures are logged only.
type AuditSink interface {
	Record(ctx context.Context, rec models.EnforcementRecord) error
}

// Result is the outcome of one dispatched command.
type Result struct {
	CommandID   string `json:"command_id"`
	SessionID   string `json:"session_id"`
	Delivered   int    `json:"delivered"`
	RedirectURL string `json:"redirect_url,omitempty"`
}

// Actor identifies who issued a command and for which tenant.
type Actor struct {
	Operator string
	Tenant   string
	Trigger  string
}

// Dispatcher is the only component that removes registry entries.
type Dispatcher struct {
	registry        registry.Registry
	transport       Transport
	locator         SessionLocator
	audit           AuditSink
	logger          *zap.Logger
	defaultRedirect string
	now             func() time.Time
}

type Option func(*Dispatcher)

func WithLocator(l SessionLocator) Option { return func(d *Dispatcher) { d.locator = l } }

func WithAudit(a AuditSink) Option { return func(d *Dispatcher) { d.audit = a } }

func WithDefaultRedirect(url string) Option {
	return func(d *Dispatcher) {
		if url != "" {
			d.defaultRedirect = url
		}
	}
}

func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

func New(reg registry.Registry, transport Transport, logger *zap.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry:        reg,
		transport:       transport,
		logger:          logger,
		defaultRedirect: "https://google.com",
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Touch records activity for a session. Terminated sessions stay gone.
func (d *Dispatcher) Touch(ctx context.Context, sessionID, hostname string, at time.Time) error {
	ok, err := d.registry.Touch(ctx, sessionID, util.NormalizeHostname(hostname), at)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	if !ok {
		d.logger.Debug("Ignoring activity for terminated session", zap.String("session_id", sessionID))
	}
	return nil
}

// SendCaptcha asks the session's browser to solve a CAPTCHA. Registry
// membership is unchanged.
func (d *Dispatcher) SendCaptcha(ctx context.Context, sessionID string, actor Actor) (Result, error) {
	kind := models.CommandCaptchaRequired
	entry, err := d.authorize(ctx, sessionID, actor)
	if err != nil {
		d.reject(kind, sessionID, actor, err)
		return Result{}, err
	}

	if err := d.registry.SetState(ctx, sessionID, registry.StateCaptchaPending); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			d.reject(kind, sessionID, actor, ErrSessionNotFound)
			return Result{}, ErrSessionNotFound
		}
		metrics.CommandsTotal.WithLabelValues(string(kind), "error").Inc()
		return Result{}, fmt.Errorf("failed to mark captcha pending: %w", err)
	}

	cmd := d.command(kind, sessionID, CaptchaMessage, "")
	return d.deliver(ctx, cmd, entry.Hostname, actor), nil
}

// Terminate ends a session: the entry is removed first so that exactly one
// caller wins, then the command is delivered.
func (d *Dispatcher) Terminate(ctx context.Context, sessionID string, actor Actor, redirectURL string) (Result, error) {
	kind := models.CommandSessionTerminated
	entry, err := d.authorize(ctx, sessionID, actor)
	if err != nil {
		d.reject(kind, sessionID, actor, err)
		return Result{}, err
	}

	removed, err := d.registry.Remove(ctx, sessionID)
	if err != nil {
		metrics.CommandsTotal.WithLabelValues(string(kind), "error").Inc()
		return Result{}, fmt.Errorf("failed to remove session: %w", err)
	}
	if !removed {
		d.reject(kind, sessionID, actor, ErrSessionNotFound)
		return Result{}, ErrSessionNotFound
	}

	if strings.TrimSpace(redirectURL) == "" {
		redirectURL = d.defaultRedirect
	}
	cmd := d.command(kind, sessionID, TerminateMessage, redirectURL)
	return d.deliver(ctx, cmd, entry.Hostname, actor), nil
}

// ActiveSessions lists the reachable sessions of one tenant.
func (d *Dispatcher) ActiveSessions(ctx context.Context, tenant string) ([]registry.Entry, error) {
	tenant = util.NormalizeHostname(tenant)
	if tenant == "" {
		return nil, models.ErrTenantRequired
	}
	entries, err := d.registry.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	out := make([]registry.Entry, 0, len(entries))
	for _, e := range entries {
		if e.Hostname == tenant {
			out = append(out, e)
		}
	}
	return out, nil
}

// authorize checks tenant presence, registry membership and ownership,
// in that order, without side effects.
func (d *Dispatcher) authorize(ctx context.Context, sessionID string, actor Actor) (registry.Entry, error) {
	tenant := util.NormalizeHostname(actor.Tenant)
	if tenant == "" {
		return registry.Entry{}, models.ErrTenantRequired
	}

	entry, err := d.registry.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return registry.Entry{}, ErrSessionNotFound
		}
		return registry.Entry{}, fmt.Errorf("failed to read session: %w", err)
	}

	recorded := entry.Hostname
	if recorded == "" && d.locator != nil {
		h, err := d.locator.SessionHostname(ctx, sessionID)
		if err != nil {
			return registry.Entry{}, fmt.Errorf("failed to resolve session tenant: %w", err)
		}
		recorded = util.NormalizeHostname(h)
		entry.Hostname = recorded
	}
	if recorded == "" {
		return registry.Entry{}, ErrSessionNotFound
	}
	if recorded != tenant {
		return registry.Entry{}, ErrUnauthorized
	}
	return entry, nil
}

func (d *Dispatcher) command(kind models.CommandKind, sessionID, message, redirectURL string) models.Command {
	return models.Command{
		ID:          uuid.NewString(),
		Kind:        kind,
		SessionID:   sessionID,
		Message:     message,
		RedirectURL: redirectURL,
		IssuedAt:    d.now().UTC(),
	}
}

func (d *Dispatcher) deliver(ctx context.Context, cmd models.Command, hostname string, actor Actor) Result {
	delivered := d.transport.Publish(cmd.SessionID, cmd)

	metrics.CommandsTotal.WithLabelValues(string(cmd.Kind), "sent").Inc()
	metrics.CommandsDelivered.WithLabelValues(string(cmd.Kind)).Add(float64(delivered))

	d.logger.Info("Enforcement command dispatched",
		zap.String("command_id", cmd.ID),
		zap.String("kind", string(cmd.Kind)),
		zap.String("session_id", cmd.SessionID),
		zap.String("hostname", hostname),
		zap.String("operator", actor.Operator),
		zap.Int("delivered", delivered))

	if d.audit != nil {
		trigger := actor.Trigger
		if trigger == "" {
			trigger = TriggerOperator
		}
		rec := models.EnforcementRecord{
			CommandID:   cmd.ID,
			Kind:        cmd.Kind,
			SessionID:   cmd.SessionID,
			Hostname:    hostname,
			Operator:    actor.Operator,
			RedirectURL: cmd.RedirectURL,
			Delivered:   delivered,
			Trigger:     trigger,
			Timestamp:   cmd.IssuedAt,
		}
		if err := d.audit.Record(ctx, rec); err != nil {
			d.logger.Warn("Failed to record enforcement audit", zap.String("command_id", cmd.ID), zap.Error(err))
		}
	}

	return Result{
		CommandID:   cmd.ID,
		SessionID:   cmd.SessionID,
		Delivered:   delivered,
		RedirectURL: cmd.RedirectURL,
	}
}

func (d *Dispatcher) reject(kind models.CommandKind, sessionID string, actor Actor, err error) {
	outcome := "error"
	switch {
	case errors.Is(err, ErrUnauthorized):
		outcome = "unauthorized"
	case errors.Is(err, ErrSessionNotFound):
		outcome = "not_found"
	case errors.Is(err, models.ErrTenantRequired):
		outcome = "no_tenant"
	}
	metrics.CommandsTotal.WithLabelValues(string(kind), outcome).Inc()
	d.logger.Warn("Enforcement command rejected",
		zap.String("kind", string(kind)),
		zap.String("session_id", sessionID),
		zap.String("operator", actor.Operator),
		zap.String("tenant", actor.Tenant),
		zap.Error(err))
}
