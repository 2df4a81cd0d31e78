// Package intake accepts navigation events, stores them and keeps the
// live session registry current.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"traffic-prism/internal/dispatch"
	"traffic-prism/internal/geo"
	"traffic-prism/internal/metrics"
	"traffic-prism/internal/models"
	"traffic-prism/internal/util"
)

const (
	SourceHTTP  = "http"
	SourceKafka = "kafka"
)

type EventAppender interface {
	Append(ctx context.Context, events []models.Event) error
}

// Enforcer is satisfied by *dispatch.Dispatcher.
type Enforcer interface {
	Touch(ctx context.Context, sessionID, hostname string, at time.Time) error
	SendCaptcha(ctx context.Context, sessionID string, actor dispatch.Actor) (dispatch.Result, error)
	Terminate(ctx context.Context, sessionID string, actor dispatch.Actor, redirectURL string) (dispatch.Result, error)
}

// RuleMatcher is satisfied by *ledger.Service.
type RuleMatcher interface {
	Match(ctx context.Context, ev *models.Event) ([]models.Rule, error)
}

// TrackRequest is the payload the browser tracking script posts.
type TrackRequest struct {
	Timestamp   time.Time       `json:"timestamp"`
	URL         string          `json:"url"`
	Referrer    string          `json:"referrer"`
	IPAddress   string          `json:"ipAddress"`
	Hostname    string          `json:"hostname"`
	SessionID   string          `json:"sessionId"`
	BrowserID   string          `json:"browser_id"`
	Fingerprint string          `json:"fingerprint_id"`
	ClickData   json.RawMessage `json:"clickData,omitempty"`
	DeviceInfo  struct {
		UserAgent string `json:"userAgent"`
		Platform  string `json:"platform"`
		Language  string `json:"language"`
	} `json:"deviceInfo"`
}

// Event converts the payload; remoteIP is used when the script did not
// report an address.
func (r *TrackRequest) Event(remoteIP string) models.Event {
	ev := models.Event{
		Timestamp:     r.Timestamp,
		URL:           r.URL,
		Referrer:      r.Referrer,
		IPAddress:     r.IPAddress,
		UserAgent:     r.DeviceInfo.UserAgent,
		Platform:      r.DeviceInfo.Platform,
		Language:      r.DeviceInfo.Language,
		Hostname:      r.Hostname,
		SessionID:     r.SessionID,
		BrowserID:     r.BrowserID,
		FingerprintID: r.Fingerprint,
	}
	if ev.IPAddress == "" {
		ev.IPAddress = remoteIP
	}
	if len(r.ClickData) > 0 && string(r.ClickData) != "null" {
		ev.ClickData = string(r.ClickData)
	}
	return ev
}

type Service struct {
	store    EventAppender
	enforcer Enforcer
	geo      geo.Resolver
	rules    RuleMatcher
	logger   *zap.Logger
	now      func() time.Time
}

type Option func(*Service)

func WithGeo(r geo.Resolver) Option { return func(s *Service) { s.geo = r } }

// WithInlineRules enables rule evaluation on every ingested event.
func WithInlineRules(m RuleMatcher) Option { return func(s *Service) { s.rules = m } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func NewService(store EventAppender, enforcer Enforcer, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		store:    store,
		enforcer: enforcer,
		geo:      geo.Nop{},
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ingest validates, stores and registers one event.
func (s *Service) Ingest(ctx context.Context, ev models.Event, source string) error {
	if err := ev.Validate(); err != nil {
		metrics.EventsIngestedTotal.WithLabelValues(source, "invalid").Inc()
		return err
	}
	ev.Hostname = util.NormalizeHostname(ev.Hostname)
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.now()
	}
	ev.Timestamp = ev.Timestamp.UTC()
	geo.Annotate(s.geo, &ev)

	if err := s.store.Append(ctx, []models.Event{ev}); err != nil {
		metrics.EventsIngestedTotal.WithLabelValues(source, "error").Inc()
		return fmt.Errorf("failed to store event: %w", err)
	}
	if err := s.enforcer.Touch(ctx, ev.SessionID, ev.Hostname, ev.Timestamp); err != nil {
		s.logger.Warn("Failed to refresh session registry",
			zap.String("session_id", ev.SessionID),
			zap.Error(err))
	}
	metrics.EventsIngestedTotal.WithLabelValues(source, "ok").Inc()

	if s.rules != nil {
		s.enforceRules(ctx, &ev)
	}
	return nil
}

// enforceRules applies matching rules. A terminate wins over captchas and
// ends evaluation.
func (s *Service) enforceRules(ctx context.Context, ev *models.Event) {
	matched, err := s.rules.Match(ctx, ev)
	if err != nil {
		s.logger.Warn("Rule evaluation failed", zap.String("session_id", ev.SessionID), zap.Error(err))
		return
	}
	if len(matched) == 0 {
		return
	}

	var captcha *models.Rule
	for i, rule := range matched {
		metrics.RuleMatchesTotal.WithLabelValues(rule.Action).Inc()
		actor := dispatch.Actor{Operator: models.SystemOperator, Tenant: ev.Hostname, Trigger: dispatch.TriggerRule}
		switch rule.Action {
		case models.RuleActionTerminate:
			_, err := s.enforcer.Terminate(ctx, ev.SessionID, actor, "")
			s.logRuleOutcome(rule, ev, err)
			return
		case models.RuleActionCaptcha:
			if captcha == nil {
				captcha = &matched[i]
			}
		}
	}
	if captcha != nil {
		actor := dispatch.Actor{Operator: models.SystemOperator, Tenant: ev.Hostname, Trigger: dispatch.TriggerRule}
		_, err := s.enforcer.SendCaptcha(ctx, ev.SessionID, actor)
		s.logRuleOutcome(*captcha, ev, err)
	}
}

func (s *Service) logRuleOutcome(rule models.Rule, ev *models.Event, err error) {
	fields := []zap.Field{
		zap.Int64("rule_id", rule.ID),
		zap.String("action", rule.Action),
		zap.String("session_id", ev.SessionID),
		zap.String("hostname", ev.Hostname),
	}
	if err != nil && !errors.Is(err, dispatch.ErrSessionNotFound) {
		s.logger.Warn("Rule enforcement failed", append(fields, zap.Error(err))...)
		return
	}
	s.logger.Info("Rule enforced", fields...)
}

// HandleMessage ingests one JSON event from Kafka. Invalid events are
// logged and skipped.
func (s *Service) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var ev models.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		metrics.EventsIngestedTotal.WithLabelValues(SourceKafka, "invalid").Inc()
		s.logger.Warn("Skipping malformed event message", zap.Int64("offset", msg.Offset), zap.Error(err))
		return nil
	}
	err := s.Ingest(ctx, ev, SourceKafka)
	if errors.Is(err, models.ErrMissingSessionID) || errors.Is(err, models.ErrMissingHostname) {
		s.logger.Warn("Skipping invalid event message", zap.Int64("offset", msg.Offset), zap.Error(err))
		return nil
	}
	return err
}
